// Package auth holds the pluggable credential check the connection registry
// runs before it mints a user.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/immxrtalbeast/meetsignal/internal/config"
	"github.com/immxrtalbeast/meetsignal/internal/domain"
)

var ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", domain.ErrUnauthenticated)

type Authenticator interface {
	Authenticate(ctx context.Context, displayName string, password string) error
}

func New(cfg config.AuthConfig) (Authenticator, error) {
	switch cfg.Mode {
	case "", config.AuthModeNone:
		return AllowAll{}, nil
	case config.AuthModeSharedSecret:
		if cfg.SharedSecret == "" {
			return nil, fmt.Errorf("auth mode %q requires a shared secret", cfg.Mode)
		}
		return SharedSecret{Expected: cfg.SharedSecret}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
}

// AllowAll accepts every login.
type AllowAll struct{}

func (AllowAll) Authenticate(ctx context.Context, _ string, _ string) error {
	return ctx.Err()
}

// SharedSecret accepts logins whose password equals one server-wide secret.
type SharedSecret struct {
	Expected string
}

func (s SharedSecret) Authenticate(ctx context.Context, _ string, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if password == "" || s.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(s.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// Func adapts a plain function to Authenticator.
type Func func(ctx context.Context, displayName string, password string) error

func (f Func) Authenticate(ctx context.Context, displayName string, password string) error {
	return f(ctx, displayName, password)
}
