package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/immxrtalbeast/meetsignal/internal/repository"
	"github.com/immxrtalbeast/meetsignal/lib/logger/sl"
)

type UserLookup interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
}

type Broadcaster interface {
	Subscribe(group string, userID string)
	Unsubscribe(group string, userID string)
	Broadcast(ctx context.Context, group string, messageType domain.MessageType, payload any, exclude string) int
}

// RoomDirectory owns room records and the membership relation. Every change
// to one room happens under that room's mutex; distinct rooms do not contend.
// Lock order is room.Mutex before d.mu.
type RoomDirectory struct {
	rooms  repository.RoomRepository
	users  UserLookup
	router Broadcaster
	log    *slog.Logger

	mu          sync.RWMutex
	memberships map[string]string
}

func NewRoomDirectory(rooms repository.RoomRepository, users UserLookup, router Broadcaster, log *slog.Logger) *RoomDirectory {
	if log == nil {
		log = slog.Default()
	}
	return &RoomDirectory{
		rooms:       rooms,
		users:       users,
		router:      router,
		log:         log,
		memberships: make(map[string]string),
	}
}

// Seed creates a protected room that survives having no participants.
func (d *RoomDirectory) Seed(ctx context.Context, id string, name string) error {
	if err := domain.ValidateRoomID(id); err != nil {
		return err
	}
	if err := d.rooms.Create(ctx, domain.NewRoom(id, name, true)); err != nil {
		return err
	}
	d.log.Info("protected room seeded", slog.String("room_id", id), slog.String("name", name))
	return nil
}

func (d *RoomDirectory) EnsureRoom(ctx context.Context, roomID string) (domain.RoomSnapshot, error) {
	room, err := d.ensureRoom(ctx, roomID)
	if err != nil {
		return domain.RoomSnapshot{}, err
	}

	room.Mutex.Lock()
	defer room.Mutex.Unlock()
	return room.Snapshot(), nil
}

// Join adds userID to roomID, creating the room if needed. Joining a room the
// user is already in returns the current snapshot and changes nothing.
func (d *RoomDirectory) Join(ctx context.Context, roomID string, userID string) (domain.RoomSnapshot, error) {
	const op = "service.directory.join"
	log := d.log.With(
		slog.String("op", op),
		slog.String("room_id", roomID),
		slog.String("user_id", userID),
	)

	if err := domain.ValidateRoomID(roomID); err != nil {
		return domain.RoomSnapshot{}, err
	}

	user, err := d.users.GetUser(ctx, userID)
	if err != nil {
		log.Info("join rejected", sl.Err(err))
		return domain.RoomSnapshot{}, err
	}

	if current, ok := d.roomOf(userID); ok && current != roomID {
		log.Info("leaving previous room", slog.String("previous_room_id", current))
		if err := d.Leave(ctx, current, userID); err != nil {
			return domain.RoomSnapshot{}, err
		}
	}

	for {
		room, err := d.ensureRoom(ctx, roomID)
		if err != nil {
			return domain.RoomSnapshot{}, err
		}

		room.Mutex.Lock()
		if room.Deleted() {
			room.Mutex.Unlock()
			continue
		}

		if !room.Add(domain.Participant{ID: user.ID, DisplayName: user.DisplayName}) {
			snapshot := room.Snapshot()
			room.Mutex.Unlock()
			return snapshot, nil
		}

		d.setMembership(userID, roomID)
		d.router.Subscribe(roomID, userID)
		notified := d.router.Broadcast(ctx, roomID, domain.MessageUserJoined, domain.UserJoinedEvent{
			ID:          user.ID,
			DisplayName: user.DisplayName,
		}, userID)
		snapshot := room.Snapshot()
		room.Mutex.Unlock()

		log.Info("user joined room",
			slog.Int("participants", len(snapshot.Participants)),
			slog.Int("notified", notified),
		)
		return snapshot, nil
	}
}

// Leave removes userID from roomID. Leaving a room one is not in is a no-op.
func (d *RoomDirectory) Leave(ctx context.Context, roomID string, userID string) error {
	const op = "service.directory.leave"
	log := d.log.With(
		slog.String("op", op),
		slog.String("room_id", roomID),
		slog.String("user_id", userID),
	)

	room, err := d.rooms.GetByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	room.Mutex.Lock()
	defer room.Mutex.Unlock()

	if room.Deleted() {
		return nil
	}

	d.router.Unsubscribe(roomID, userID)
	if !room.Remove(userID) {
		return nil
	}
	d.clearMembership(userID, roomID)

	d.router.Broadcast(ctx, roomID, domain.MessageUserLeft, domain.UserLeftEvent{UserID: userID}, userID)
	log.Info("user left room", slog.Int("participants", room.Len()))

	if room.IsEmpty() && !room.Protected {
		if err := d.rooms.Delete(context.WithoutCancel(ctx), room); err != nil {
			log.Error("failed to delete empty room", sl.Err(err))
			return nil
		}
		room.MarkDeleted()
		log.Info("empty room deleted")
	}

	return nil
}

// DisconnectCleanup removes userID from whatever room it is in.
func (d *RoomDirectory) DisconnectCleanup(ctx context.Context, userID string) error {
	roomID, ok := d.roomOf(userID)
	if !ok {
		return nil
	}
	return d.Leave(ctx, roomID, userID)
}

func (d *RoomDirectory) GetRoom(ctx context.Context, roomID string) (domain.RoomSnapshot, error) {
	room, err := d.rooms.GetByID(ctx, roomID)
	if err != nil {
		return domain.RoomSnapshot{}, err
	}

	room.Mutex.Lock()
	defer room.Mutex.Unlock()
	if room.Deleted() {
		return domain.RoomSnapshot{}, domain.ErrRoomNotFound
	}
	return room.Snapshot(), nil
}

func (d *RoomDirectory) ListRooms(ctx context.Context) ([]domain.RoomSnapshot, error) {
	rooms, err := d.rooms.List(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]domain.RoomSnapshot, 0, len(rooms))
	for _, room := range rooms {
		room.Mutex.Lock()
		if !room.Deleted() {
			result = append(result, room.Snapshot())
		}
		room.Mutex.Unlock()
	}
	return result, nil
}

// RoomOf reports the room userID currently occupies.
func (d *RoomDirectory) RoomOf(userID string) (string, bool) {
	return d.roomOf(userID)
}

func (d *RoomDirectory) ensureRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	if err := domain.ValidateRoomID(roomID); err != nil {
		return nil, err
	}

	for {
		room, err := d.rooms.GetByID(ctx, roomID)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}

		room = domain.NewRoom(roomID, "", false)
		err = d.rooms.Create(ctx, room)
		if errors.Is(err, repository.ErrRoomExists) {
			continue
		}
		if err != nil {
			return nil, err
		}
		d.log.Info("room created", slog.String("room_id", roomID))
		return room, nil
	}
}

func (d *RoomDirectory) roomOf(userID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	roomID, ok := d.memberships[userID]
	return roomID, ok
}

func (d *RoomDirectory) setMembership(userID string, roomID string) {
	d.mu.Lock()
	d.memberships[userID] = roomID
	d.mu.Unlock()
}

func (d *RoomDirectory) clearMembership(userID string, roomID string) {
	d.mu.Lock()
	if d.memberships[userID] == roomID {
		delete(d.memberships, userID)
	}
	d.mu.Unlock()
}
