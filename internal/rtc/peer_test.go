package rtc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/immxrtalbeast/meetsignal/internal/config"
	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionFactory_OfferCarriesLocalTracks(t *testing.T) {
	signaler := &recordingSignaler{}
	orch, err := New(Options{
		LocalID:           "u1",
		NewPeerConnection: NewPionFactory(config.WebRTCConfig{}),
		Media:             SyntheticSource{Audio: true, Video: true},
		Signaler:          signaler,
		Log:               discardLogger(),
	})
	require.NoError(t, err)
	defer orch.TeardownAll()

	require.NoError(t, orch.CreateOffer(context.Background(), "u2"))

	signaler.mu.Lock()
	first := signaler.sent[0]
	signaler.mu.Unlock()
	require.Equal(t, domain.SignalOffer, first.Kind)

	var payload domain.DescriptionPayload
	require.NoError(t, json.Unmarshal(first.Payload, &payload))
	assert.Equal(t, webrtc.SDPTypeOffer, payload.SDP.Type)
	assert.True(t, strings.Contains(payload.SDP.SDP, "m=audio"))
	assert.True(t, strings.Contains(payload.SDP.SDP, "m=video"))
}

func TestSyntheticSource(t *testing.T) {
	_, err := SyntheticSource{}.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)

	stream, err := SyntheticSource{Audio: true, FrameInterval: time.Millisecond}.Acquire(context.Background())
	require.NoError(t, err)
	require.Len(t, stream.Tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, stream.Tracks[0].Kind())
	assert.Equal(t, stream.ID, stream.Tracks[0].StreamID())

	stream.Stop()
	stream.Stop()
	assert.True(t, stream.Stopped())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = SyntheticSource{Audio: true}.Acquire(ctx)
	assert.ErrorIs(t, err, domain.ErrMediaAcquisition)
}
