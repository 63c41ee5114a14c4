package domain

import (
	"strings"
	"sync"
	"time"
)

const MaxRoomIDLength = 128

// Participant is a room member as other members see it.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Room is a named set of participants eligible to negotiate with each other.
// Mutex serializes every membership change of the room; callers must hold it
// while using the methods below.
type Room struct {
	Mutex     sync.Mutex
	ID        string
	Name      string
	Protected bool
	CreatedAt time.Time

	participants []Participant
	index        map[string]int
	deleted      bool
}

// RoomSnapshot is a detached copy of a room handed out to callers.
type RoomSnapshot struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Protected    bool          `json:"protected"`
	Participants []Participant `json:"participants"`
}

func NewRoom(id string, name string, protected bool) *Room {
	if name == "" {
		name = DefaultRoomName(id)
	}
	return &Room{
		ID:        id,
		Name:      name,
		Protected: protected,
		CreatedAt: time.Now().UTC(),
		index:     make(map[string]int),
	}
}

func DefaultRoomName(id string) string {
	return "Room " + id
}

// ValidateRoomID rejects ids that cannot name a room.
func ValidateRoomID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrRoomIDRequired
	}
	if len(id) > MaxRoomIDLength {
		return ErrRoomIDTooLong
	}
	return nil
}

// Has reports whether userID is a participant.
func (r *Room) Has(userID string) bool {
	_, ok := r.index[userID]
	return ok
}

// Add appends p unless it is already a participant. It reports whether the
// participant set changed.
func (r *Room) Add(p Participant) bool {
	if r.Has(p.ID) {
		return false
	}
	r.index[p.ID] = len(r.participants)
	r.participants = append(r.participants, p)
	return true
}

// Remove drops userID from the participants, keeping join order of the rest.
func (r *Room) Remove(userID string) bool {
	pos, ok := r.index[userID]
	if !ok {
		return false
	}
	r.participants = append(r.participants[:pos], r.participants[pos+1:]...)
	delete(r.index, userID)
	for i := pos; i < len(r.participants); i++ {
		r.index[r.participants[i].ID] = i
	}
	return true
}

func (r *Room) Len() int {
	return len(r.participants)
}

func (r *Room) IsEmpty() bool {
	return len(r.participants) == 0
}

// MarkDeleted flags the record as removed from the directory. A goroutine
// that obtained the record before removal must look the room up again.
func (r *Room) MarkDeleted() {
	r.deleted = true
}

func (r *Room) Deleted() bool {
	return r.deleted
}

func (r *Room) Snapshot() RoomSnapshot {
	participants := make([]Participant, len(r.participants))
	copy(participants, r.participants)
	return RoomSnapshot{
		ID:           r.ID,
		Name:         r.Name,
		Protected:    r.Protected,
		Participants: participants,
	}
}

// ParticipantIDs returns the ids of all participants in join order.
func (s RoomSnapshot) ParticipantIDs() []string {
	ids := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}
