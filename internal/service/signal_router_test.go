package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalRouter_RelayDeliversToRecipientOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	alice, aliceConn := h.login(t, "alice")
	bob, bobConn := h.login(t, "bob")
	_, carolConn := h.login(t, "carol")

	payload := json.RawMessage(`{"sdp":{"type":"offer","sdp":"v=0"}}`)
	require.NoError(t, h.router.Relay(ctx, domain.SignalOffer, payload, alice.ID, bob.ID))

	signals := bobConn.signals(t)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.SignalOffer, signals[0].Type)
	assert.Equal(t, alice.ID, signals[0].From)
	assert.JSONEq(t, string(payload), string(signals[0].Payload))

	assert.Empty(t, aliceConn.signals(t))
	assert.Empty(t, carolConn.signals(t))
}

func TestSignalRouter_RelayToUnknownUserIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, aliceConn := h.login(t, "alice")

	err := h.router.Relay(ctx, domain.SignalICECandidate, json.RawMessage(`{}`), alice.ID, "nobody")
	assert.ErrorIs(t, err, domain.ErrDelivery)
	assert.Empty(t, aliceConn.received)

	// The sender keeps working after a failed relay.
	bob, bobConn := h.login(t, "bob")
	require.NoError(t, h.router.Relay(ctx, domain.SignalAnswer, nil, alice.ID, bob.ID))
	assert.Len(t, bobConn.signals(t), 1)
}

func TestSignalRouter_RelayAcceptsCustomTypes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, _ := h.login(t, "alice")
	bob, bobConn := h.login(t, "bob")

	require.NoError(t, h.router.Relay(ctx, "mute", json.RawMessage(`{"audio":true}`), alice.ID, bob.ID))
	assert.ErrorIs(t, h.router.Relay(ctx, "", nil, alice.ID, bob.ID), domain.ErrValidation)
	assert.Equal(t, "mute", bobConn.signals(t)[0].Type)
}

func TestSignalRouter_RelayPreservesPerDestinationOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, _ := h.login(t, "alice")
	bob, bobConn := h.login(t, "bob")

	for i := 0; i < 50; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
		require.NoError(t, h.router.Relay(ctx, domain.SignalICECandidate, payload, alice.ID, bob.ID))
	}

	signals := bobConn.signals(t)
	require.Len(t, signals, 50)
	for i, sig := range signals {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(sig.Payload))
	}
}

func TestSignalRouter_RelayReportsFullQueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, _ := h.login(t, "alice")
	bob, bobConn := h.login(t, "bob")
	bobConn.capacity = 0

	err := h.router.Relay(ctx, domain.SignalOffer, nil, alice.ID, bob.ID)
	assert.ErrorIs(t, err, domain.ErrDelivery)
}

func TestSignalRouter_BroadcastExcludesSender(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, aliceConn := h.login(t, "alice")
	bob, bobConn := h.login(t, "bob")
	_, carolConn := h.login(t, "carol")

	h.router.Subscribe("roomA", alice.ID)
	h.router.Subscribe("roomA", bob.ID)
	h.router.Subscribe("roomA", "ghost")

	delivered := h.router.Broadcast(ctx, "roomA", domain.MessageUserLeft, domain.UserLeftEvent{UserID: "x"}, alice.ID)
	assert.Equal(t, 1, delivered)
	assert.Empty(t, aliceConn.userLeft(t))
	assert.Equal(t, []string{"x"}, bobConn.userLeft(t))
	assert.Empty(t, carolConn.userLeft(t))

	h.router.Unsubscribe("roomA", bob.ID)
	h.router.Unsubscribe("roomA", "ghost")
	assert.Equal(t, []string{alice.ID}, h.router.Members("roomA"))
}

func TestSignalRouter_Deliver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice, aliceConn := h.login(t, "alice")

	require.NoError(t, h.router.Deliver(ctx, alice.ID, domain.MessageSignalFailed, domain.SignalFailedEvent{To: "nobody", Type: "offer"}))
	assert.Len(t, aliceConn.envelopes(domain.MessageSignalFailed), 1)
	assert.ErrorIs(t, h.router.Deliver(ctx, "nobody", domain.MessageSignalFailed, nil), domain.ErrDelivery)
}
