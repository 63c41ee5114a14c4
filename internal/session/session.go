package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/immxrtalbeast/meetsignal/internal/rtc"
	"github.com/immxrtalbeast/meetsignal/lib/logger/sl"
)

var (
	ErrNotLoggedIn = fmt.Errorf("%w: login first", domain.ErrValidation)
	ErrNotInRoom   = fmt.Errorf("%w: not in a room", domain.ErrValidation)
	ErrEventsEnded = errors.New("signaling events ended")
)

// Signaling is the participant's view of the relay.
type Signaling interface {
	Login(ctx context.Context, displayName string, password string) (domain.UserInfo, error)
	JoinRoom(ctx context.Context, roomID string, userID string) (domain.RoomSnapshot, error)
	LeaveRoom(ctx context.Context, roomID string, userID string) error
	Signal(ctx context.Context, kind string, payload any, to string) error
	Events() <-chan domain.Envelope
}

// OrchestratorFactory builds the negotiation orchestrator once the local
// user id is known.
type OrchestratorFactory func(localID string, signaler rtc.Signaler) (*rtc.Orchestrator, error)

// Session ties room membership to peer negotiation for one participant.
type Session struct {
	signaling Signaling
	build     OrchestratorFactory
	log       *slog.Logger

	mu           sync.Mutex
	user         *domain.UserInfo
	orch         *rtc.Orchestrator
	roomID       string
	participants []domain.Participant
	// joining is set while a join request is in flight. Presence and
	// signals that race the reply are accepted and reconciled afterwards.
	joining  bool
	departed map[string]bool
}

func New(signaling Signaling, build OrchestratorFactory, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		signaling: signaling,
		build:     build,
		log:       log,
	}
}

func (s *Session) Login(ctx context.Context, displayName string, password string) (domain.UserInfo, error) {
	const op = "session.login"

	user, err := s.signaling.Login(ctx, displayName, password)
	if err != nil {
		return domain.UserInfo{}, err
	}

	orch, err := s.build(user.ID, s.signaling)
	if err != nil {
		return domain.UserInfo{}, err
	}

	s.mu.Lock()
	previous := s.orch
	s.user = &user
	s.orch = orch
	s.roomID = ""
	s.participants = nil
	s.mu.Unlock()

	if previous != nil {
		previous.TeardownAll()
	}

	s.log.Info("logged in",
		slog.String("op", op),
		slog.String("user_id", user.ID),
		slog.String("display_name", user.DisplayName),
	)
	return user, nil
}

// Join acquires local media, joins roomID and offers to every participant
// this side initiates with. Leaving the current room happens first.
func (s *Session) Join(ctx context.Context, roomID string) (domain.RoomSnapshot, error) {
	const op = "session.join"
	log := s.log.With(slog.String("op", op), slog.String("room_id", roomID))

	user, orch, current := s.state()
	if user == nil {
		return domain.RoomSnapshot{}, ErrNotLoggedIn
	}
	if current != "" && current != roomID {
		if err := s.Leave(ctx); err != nil {
			return domain.RoomSnapshot{}, err
		}
		current = ""
	}

	orch.Activate()
	if _, err := orch.AcquireLocalMedia(ctx); err != nil {
		log.Error("cannot join without local media", sl.Err(err))
		if current == "" {
			orch.TeardownAll()
		}
		return domain.RoomSnapshot{}, err
	}

	s.mu.Lock()
	s.joining = true
	s.departed = make(map[string]bool)
	s.mu.Unlock()

	room, err := s.signaling.JoinRoom(ctx, roomID, user.ID)
	if err != nil {
		s.mu.Lock()
		s.joining = false
		s.departed = nil
		s.mu.Unlock()
		if current == "" {
			orch.TeardownAll()
		}
		return domain.RoomSnapshot{}, err
	}

	s.mu.Lock()
	s.roomID = room.ID
	s.participants = mergeRoster(room.Participants, s.participants, s.departed)
	s.joining = false
	s.departed = nil
	roster := append([]domain.Participant(nil), s.participants...)
	s.mu.Unlock()

	// Links opened by signals that raced the reply survive only for
	// room-mates.
	for _, peerID := range orch.Peers() {
		if !containsParticipant(roster, peerID) {
			orch.TeardownLink(peerID)
		}
	}

	log.Info("joined room", slog.Int("participants", len(roster)))

	for _, p := range roster {
		if p.ID == user.ID {
			continue
		}
		if err := orch.Connect(ctx, p.ID); err != nil {
			log.Warn("failed to connect to participant", slog.String("peer_id", p.ID), sl.Err(err))
		}
	}
	return room, nil
}

// Leave leaves the current room and tears down every peer link.
func (s *Session) Leave(ctx context.Context) error {
	const op = "session.leave"

	s.mu.Lock()
	user, orch, roomID := s.user, s.orch, s.roomID
	if user == nil {
		s.mu.Unlock()
		return ErrNotLoggedIn
	}
	if roomID == "" {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	s.roomID = ""
	s.participants = nil
	s.mu.Unlock()

	err := s.signaling.LeaveRoom(ctx, roomID, user.ID)
	orch.TeardownAll()

	s.log.Info("left room", slog.String("op", op), slog.String("room_id", roomID))
	return err
}

// Run dispatches server events until ctx ends or the event stream closes.
func (s *Session) Run(ctx context.Context) error {
	events := s.signaling.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-events:
			if !ok {
				return ErrEventsEnded
			}
			s.handle(ctx, env)
		}
	}
}

func (s *Session) handle(ctx context.Context, env domain.Envelope) {
	user, orch, _ := s.state()
	if user == nil {
		return
	}

	switch env.Type {
	case domain.MessageUserJoined:
		var ev domain.UserJoinedEvent
		if err := env.Decode(&ev); err != nil || ev.ID == user.ID {
			return
		}
		if !s.addParticipant(domain.Participant{ID: ev.ID, DisplayName: ev.DisplayName}) {
			return
		}
		s.log.Info("participant joined", slog.String("peer_id", ev.ID), slog.String("display_name", ev.DisplayName))
		if err := orch.Connect(ctx, ev.ID); err != nil {
			s.log.Warn("failed to connect to participant", slog.String("peer_id", ev.ID), sl.Err(err))
		}

	case domain.MessageUserLeft:
		var ev domain.UserLeftEvent
		if err := env.Decode(&ev); err != nil {
			return
		}
		s.removeParticipant(ev.UserID)
		orch.TeardownLink(ev.UserID)
		s.log.Info("participant left", slog.String("peer_id", ev.UserID))

	case domain.MessageSignal:
		var ev domain.SignalEvent
		if err := env.Decode(&ev); err != nil {
			s.log.Warn("malformed signal", sl.Err(err))
			return
		}
		if !s.acceptsSignalFrom(ev.From) {
			s.log.Debug("dropping signal from non-member",
				slog.String("peer_id", ev.From),
				slog.String("type", ev.Type),
			)
			return
		}
		if err := orch.HandleSignal(ctx, ev.From, ev.Type, ev.Payload); err != nil {
			s.log.Warn("signal handling failed",
				slog.String("peer_id", ev.From),
				slog.String("type", ev.Type),
				sl.Err(err),
			)
		}

	case domain.MessageSignalFailed:
		var ev domain.SignalFailedEvent
		if err := env.Decode(&ev); err != nil {
			return
		}
		s.log.Warn("signal not delivered", slog.String("peer_id", ev.To), slog.String("type", ev.Type))
		orch.TeardownLink(ev.To)

	case domain.MessageError:
		var ev domain.ErrorEvent
		_ = json.Unmarshal(env.Payload, &ev)
		s.log.Warn("server error", slog.String("message", ev.Message))
	}
}

// Participants returns the current room roster in join order.
func (s *Session) Participants() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Participant(nil), s.participants...)
}

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) Orchestrator() *rtc.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orch
}

func (s *Session) state() (*domain.UserInfo, *rtc.Orchestrator, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.orch, s.roomID
}

// addParticipant records p and reports whether this session is in, or
// joining, a room that p could belong to.
func (s *Session) addParticipant(p domain.Participant) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID == "" && !s.joining {
		return false
	}
	delete(s.departed, p.ID)
	if containsParticipant(s.participants, p.ID) {
		return true
	}
	s.participants = append(s.participants, p)
	return true
}

func (s *Session) removeParticipant(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joining {
		s.departed[userID] = true
	}
	for i, p := range s.participants {
		if p.ID == userID {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			return
		}
	}
}

// acceptsSignalFrom reports whether a signal from userID may open or drive a
// link. Outside a room nothing is accepted.
func (s *Session) acceptsSignalFrom(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joining {
		return true
	}
	if s.roomID == "" {
		return false
	}
	return containsParticipant(s.participants, userID)
}

func containsParticipant(ps []domain.Participant, userID string) bool {
	for _, p := range ps {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// mergeRoster keeps the snapshot order, drops users seen leaving while the
// join was in flight and appends users seen joining in that window.
func mergeRoster(snapshot []domain.Participant, seen []domain.Participant, departed map[string]bool) []domain.Participant {
	roster := make([]domain.Participant, 0, len(snapshot)+len(seen))
	for _, p := range snapshot {
		if !departed[p.ID] {
			roster = append(roster, p)
		}
	}
	for _, p := range seen {
		if !containsParticipant(roster, p.ID) && !departed[p.ID] {
			roster = append(roster, p)
		}
	}
	return roster
}
