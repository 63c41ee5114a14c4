package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/immxrtalbeast/meetsignal/lib/logger/sl"
)

var errQueueFull = fmt.Errorf("%w: recipient queue is full", domain.ErrDelivery)

type ConnectionResolver interface {
	Resolve(ctx context.Context, userID string) (Connection, error)
}

// SignalRouter forwards signals between users and fans presence events out
// to broadcast groups. Groups are a plain subscription table keyed by room id.
type SignalRouter struct {
	resolver ConnectionResolver
	log      *slog.Logger

	mu     sync.RWMutex
	groups map[string]map[string]struct{}
}

func NewSignalRouter(resolver ConnectionResolver, log *slog.Logger) *SignalRouter {
	if log == nil {
		log = slog.Default()
	}
	return &SignalRouter{
		resolver: resolver,
		log:      log,
		groups:   make(map[string]map[string]struct{}),
	}
}

// Relay delivers a signal from one user to another. Delivery is at most
// once; a missing recipient drops the message and reports ErrDelivery.
func (r *SignalRouter) Relay(ctx context.Context, messageType string, payload json.RawMessage, fromUserID string, toUserID string) error {
	if messageType == "" {
		return fmt.Errorf("%w: signal type is required", domain.ErrValidation)
	}

	conn, err := r.resolver.Resolve(ctx, toUserID)
	if err != nil {
		r.log.Debug("dropping signal for offline user",
			slog.String("type", messageType),
			slog.String("from", fromUserID),
			slog.String("to", toUserID),
		)
		return fmt.Errorf("relay %s to %s: %w", messageType, toUserID, domain.ErrRecipientOffline)
	}

	env, err := domain.NewEnvelope(domain.MessageSignal, "", domain.SignalEvent{
		Type:    messageType,
		Payload: payload,
		From:    fromUserID,
	})
	if err != nil {
		return err
	}

	if !conn.Send(env) {
		r.log.Warn("dropping signal, queue full",
			slog.String("type", messageType),
			slog.String("to", toUserID),
		)
		return fmt.Errorf("relay %s to %s: %w", messageType, toUserID, errQueueFull)
	}
	return nil
}

// Deliver pushes a server event to a single user.
func (r *SignalRouter) Deliver(ctx context.Context, userID string, messageType domain.MessageType, payload any) error {
	conn, err := r.resolver.Resolve(ctx, userID)
	if err != nil {
		return fmt.Errorf("deliver %s to %s: %w", messageType, userID, domain.ErrRecipientOffline)
	}

	env, err := domain.NewEnvelope(messageType, "", payload)
	if err != nil {
		return err
	}
	if !conn.Send(env) {
		return fmt.Errorf("deliver %s to %s: %w", messageType, userID, errQueueFull)
	}
	return nil
}

func (r *SignalRouter) Subscribe(group string, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[userID] = struct{}{}
}

func (r *SignalRouter) Unsubscribe(group string, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// Members returns the current subscribers of group.
func (r *SignalRouter) Members(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.groups[group]))
	for id := range r.groups[group] {
		members = append(members, id)
	}
	return members
}

// Broadcast sends an event to every subscriber of group except exclude and
// returns how many connections accepted it.
func (r *SignalRouter) Broadcast(ctx context.Context, group string, messageType domain.MessageType, payload any, exclude string) int {
	env, err := domain.NewEnvelope(messageType, "", payload)
	if err != nil {
		r.log.Error("failed to encode broadcast", slog.String("type", string(messageType)), sl.Err(err))
		return 0
	}

	delivered := 0
	for _, userID := range r.Members(group) {
		if userID == exclude {
			continue
		}
		conn, err := r.resolver.Resolve(ctx, userID)
		if err != nil {
			r.log.Debug("broadcast target offline", slog.String("group", group), slog.String("user_id", userID))
			continue
		}
		if !conn.Send(env) {
			r.log.Debug("dropping broadcast event",
				slog.String("user_id", userID),
				slog.String("type", string(messageType)),
			)
			continue
		}
		delivered++
	}
	return delivered
}
