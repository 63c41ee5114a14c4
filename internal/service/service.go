package service

import (
	"context"
	"encoding/json"

	"github.com/immxrtalbeast/meetsignal/internal/domain"
)

// Connection is a live client transport as seen by the services. Send must
// not block: it enqueues env for ordered delivery and reports false when the
// envelope had to be dropped.
type Connection interface {
	ID() string
	Send(env domain.Envelope) bool
}

type RegistryInteractor interface {
	Attach(conn Connection)
	Login(ctx context.Context, connectionID string, displayName string, password string) (domain.User, error)
	Resolve(ctx context.Context, userID string) (Connection, error)
	GetUser(ctx context.Context, userID string) (domain.User, error)
	UserForConnection(ctx context.Context, connectionID string) (domain.User, error)
	OnConnectionClosed(ctx context.Context, connectionID string)
}

type DirectoryInteractor interface {
	EnsureRoom(ctx context.Context, roomID string) (domain.RoomSnapshot, error)
	Join(ctx context.Context, roomID string, userID string) (domain.RoomSnapshot, error)
	Leave(ctx context.Context, roomID string, userID string) error
	DisconnectCleanup(ctx context.Context, userID string) error
	GetRoom(ctx context.Context, roomID string) (domain.RoomSnapshot, error)
	ListRooms(ctx context.Context) ([]domain.RoomSnapshot, error)
}

type RelayInteractor interface {
	Relay(ctx context.Context, messageType string, payload json.RawMessage, fromUserID string, toUserID string) error
	Deliver(ctx context.Context, userID string, messageType domain.MessageType, payload any) error
}
