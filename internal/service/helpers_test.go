package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/meetsignal/internal/auth"
	"github.com/immxrtalbeast/meetsignal/internal/config"
	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/immxrtalbeast/meetsignal/internal/repository"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	received []domain.Envelope
	capacity int
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: uuid.NewString(), capacity: -1}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env domain.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity >= 0 && len(c.received) >= c.capacity {
		return false
	}
	c.received = append(c.received, env)
	return true
}

func (c *fakeConn) envelopes(t domain.MessageType) []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.Envelope
	for _, env := range c.received {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) userJoined(t *testing.T) []domain.UserJoinedEvent {
	t.Helper()
	var out []domain.UserJoinedEvent
	for _, env := range c.envelopes(domain.MessageUserJoined) {
		var ev domain.UserJoinedEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) userLeft(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, env := range c.envelopes(domain.MessageUserLeft) {
		var ev domain.UserLeftEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		out = append(out, ev.UserID)
	}
	return out
}

func (c *fakeConn) signals(t *testing.T) []domain.SignalEvent {
	t.Helper()
	var out []domain.SignalEvent
	for _, env := range c.envelopes(domain.MessageSignal) {
		var ev domain.SignalEvent
		require.NoError(t, json.Unmarshal(env.Payload, &ev))
		out = append(out, ev)
	}
	return out
}

type harness struct {
	rooms     *repository.InMemoryRoomRepository
	registry  *ConnectionRegistry
	router    *SignalRouter
	directory *RoomDirectory
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithAuth(t, auth.AllowAll{})
}

func newHarnessWithAuth(t *testing.T, authenticator auth.Authenticator) *harness {
	t.Helper()

	log := discardLogger()
	rooms := repository.NewInMemoryRoomRepository()
	registry := NewConnectionRegistry(repository.NewInMemoryUserRepository(), authenticator, log)
	router := NewSignalRouter(registry, log)
	directory := NewRoomDirectory(rooms, registry, router, log)
	registry.OnUserRemoved(func(ctx context.Context, userID string) {
		_ = directory.DisconnectCleanup(ctx, userID)
	})

	for _, seed := range config.DefaultProtectedRooms() {
		require.NoError(t, directory.Seed(context.Background(), seed.ID, seed.Name))
	}

	return &harness{rooms: rooms, registry: registry, router: router, directory: directory}
}

func (h *harness) login(t *testing.T, name string) (domain.User, *fakeConn) {
	t.Helper()

	conn := newFakeConn()
	h.registry.Attach(conn)
	user, err := h.registry.Login(context.Background(), conn.ID(), name, "")
	require.NoError(t, err)
	return user, conn
}

func (h *harness) roomExists(t *testing.T, roomID string) bool {
	t.Helper()
	_, err := h.rooms.GetByID(context.Background(), roomID)
	return err == nil
}
