package domain

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the services wraps exactly one of
// them, so callers classify failures with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrDelivery         = errors.New("delivery failed")
	ErrMediaAcquisition = errors.New("media acquisition failed")
	ErrNegotiation      = errors.New("negotiation failed")
	ErrUnauthenticated  = errors.New("unauthenticated")
)

var (
	ErrUserNotFound     = fmt.Errorf("user %w", ErrNotFound)
	ErrRoomNotFound     = fmt.Errorf("room %w", ErrNotFound)
	ErrLinkNotFound     = fmt.Errorf("peer link %w", ErrNotFound)
	ErrEmptyDisplayName = fmt.Errorf("%w: display name is required", ErrValidation)
	ErrDisplayNameLong  = fmt.Errorf("%w: display name is too long", ErrValidation)
	ErrRoomIDRequired   = fmt.Errorf("%w: room id is required", ErrValidation)
	ErrRoomIDTooLong    = fmt.Errorf("%w: room id is too long", ErrValidation)
	ErrUserNotBound     = fmt.Errorf("%w: user is not bound to this connection", ErrValidation)
	ErrNotLoggedIn      = fmt.Errorf("%w: login required", ErrValidation)
	ErrRecipientOffline = fmt.Errorf("%w: recipient is offline", ErrDelivery)
)
