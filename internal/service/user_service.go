package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/immxrtalbeast/meetsignal/internal/auth"
	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/immxrtalbeast/meetsignal/internal/repository"
	"github.com/immxrtalbeast/meetsignal/lib/logger/sl"
)

var ErrConnectionNotFound = fmt.Errorf("connection %w", domain.ErrNotFound)

// UserRemovedHook runs after a user lost its connection or was replaced by a
// new login, before the user record is discarded.
type UserRemovedHook func(ctx context.Context, userID string)

// ConnectionRegistry binds live connections to logged-in users.
type ConnectionRegistry struct {
	users repository.UserRepository
	auth  auth.Authenticator
	log   *slog.Logger

	mu    sync.RWMutex
	conns map[string]Connection

	hooksMu sync.RWMutex
	hooks   []UserRemovedHook
}

func NewConnectionRegistry(users repository.UserRepository, authenticator auth.Authenticator, log *slog.Logger) *ConnectionRegistry {
	if log == nil {
		log = slog.Default()
	}
	if authenticator == nil {
		authenticator = auth.AllowAll{}
	}
	return &ConnectionRegistry{
		users: users,
		auth:  authenticator,
		log:   log,
		conns: make(map[string]Connection),
	}
}

// OnUserRemoved registers a hook invoked whenever a user goes away.
func (r *ConnectionRegistry) OnUserRemoved(hook UserRemovedHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

func (r *ConnectionRegistry) Attach(conn Connection) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()

	r.log.Debug("connection attached", slog.String("connection_id", conn.ID()))
}

func (r *ConnectionRegistry) Login(ctx context.Context, connectionID string, displayName string, password string) (domain.User, error) {
	const op = "service.registry.login"
	log := r.log.With(
		slog.String("op", op),
		slog.String("connection_id", connectionID),
	)

	name, err := domain.NormalizeDisplayName(displayName)
	if err != nil {
		return domain.User{}, err
	}

	r.mu.RLock()
	_, attached := r.conns[connectionID]
	r.mu.RUnlock()
	if !attached {
		return domain.User{}, ErrConnectionNotFound
	}

	if err := r.auth.Authenticate(ctx, name, password); err != nil {
		log.Info("login rejected", sl.Err(err))
		return domain.User{}, err
	}

	previous, err := r.users.GetByConnection(ctx, connectionID)
	switch {
	case err == nil:
		log.Info("replacing previous login", slog.String("user_id", previous.ID))
		r.removeUser(ctx, previous.ID)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.User{}, err
	}

	user, err := domain.NewUser(name, connectionID)
	if err != nil {
		return domain.User{}, err
	}
	if err := r.users.Create(ctx, user); err != nil {
		log.Error("failed to store user", sl.Err(err))
		return domain.User{}, err
	}

	log.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("display_name", user.DisplayName),
	)
	return *user, nil
}

// Resolve returns the live connection owned by userID.
func (r *ConnectionRegistry) Resolve(ctx context.Context, userID string) (Connection, error) {
	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	conn, ok := r.conns[user.ConnectionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

func (r *ConnectionRegistry) GetUser(ctx context.Context, userID string) (domain.User, error) {
	user, err := r.users.GetByID(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	return *user, nil
}

func (r *ConnectionRegistry) UserForConnection(ctx context.Context, connectionID string) (domain.User, error) {
	user, err := r.users.GetByConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, domain.ErrNotLoggedIn
		}
		return domain.User{}, err
	}
	return *user, nil
}

// OnConnectionClosed forgets the connection and the user bound to it.
func (r *ConnectionRegistry) OnConnectionClosed(ctx context.Context, connectionID string) {
	log := r.log.With(slog.String("connection_id", connectionID))

	if user, err := r.users.GetByConnection(ctx, connectionID); err == nil {
		r.removeUser(ctx, user.ID)
		log.Info("user disconnected", slog.String("user_id", user.ID))
	}

	r.mu.Lock()
	delete(r.conns, connectionID)
	r.mu.Unlock()
}

// removeUser must be called without r.mu held: hooks resolve connections.
func (r *ConnectionRegistry) removeUser(ctx context.Context, userID string) {
	r.hooksMu.RLock()
	hooks := make([]UserRemovedHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, userID)
	}

	if err := r.users.Delete(context.WithoutCancel(ctx), userID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.log.Error("failed to delete user", slog.String("user_id", userID), sl.Err(err))
	}
}
