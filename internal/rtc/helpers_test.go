package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakePeer mimics the SDP state handling of a peer connection. It reports
// connected once both descriptions are applied and signaling is stable.
type fakePeer struct {
	name string

	mu          sync.Mutex
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	signaling   webrtc.SignalingState
	candidates  []webrtc.ICECandidateInit
	tracks      []webrtc.TrackLocal
	offers      int
	closed      bool
	connected   bool
	gathered    bool
	localICE    int
	failRemote  error
	failAnswer  error
	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %s %d", p.name, p.offers)}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAnswer != nil {
		return webrtc.SessionDescription{}, p.failAnswer
	}
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer " + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
			p.mu.Unlock()
			return errors.New("answer without remote offer")
		}
		p.signaling = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		p.signaling = webrtc.SignalingStateStable
		p.mu.Unlock()
		return nil
	}
	p.local = &desc
	gather := !p.gathered
	p.gathered = true
	count := p.localICE
	onCandidate := p.onCandidate
	p.mu.Unlock()

	if gather && onCandidate != nil {
		// Candidates are discovered synchronously here to exercise the
		// outbound hold; pion gathers on its own goroutines.
		for i := 0; i < count; i++ {
			onCandidate(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d", p.name, i)})
		}
	}
	p.maybeConnect()
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.failRemote != nil {
		p.mu.Unlock()
		return p.failRemote
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if p.signaling == webrtc.SignalingStateHaveLocalOffer {
			p.mu.Unlock()
			return errors.New("offer collides with local offer")
		}
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.signaling != webrtc.SignalingStateHaveLocalOffer {
			p.mu.Unlock()
			return errors.New("answer without local offer")
		}
		p.signaling = webrtc.SignalingStateStable
	}
	p.remote = &desc
	p.mu.Unlock()

	p.maybeConnect()
	return nil
}

func (p *fakePeer) maybeConnect() {
	p.mu.Lock()
	ready := !p.connected && !p.closed && p.local != nil && p.remote != nil &&
		p.signaling == webrtc.SignalingStateStable
	if ready {
		p.connected = true
	}
	onState := p.onState
	onTrack := p.onTrack
	p.mu.Unlock()

	if !ready {
		return
	}
	go func() {
		if onState != nil {
			onState(webrtc.PeerConnectionStateConnecting)
			onState(webrtc.PeerConnectionStateConnected)
		}
		if onTrack != nil {
			onTrack(RemoteTrack{TrackID: "audio", StreamID: "remote-" + p.name, Kind: "audio"})
		}
	}()
}

func (p *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// fireState reports a connection state change as the transport would.
func (p *fakePeer) fireState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	onState := p.onState
	p.mu.Unlock()
	onState(state)
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	name     string
	localICE int
	tune     func(*fakePeer)

	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) New() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{name: fmt.Sprintf("%s-%d", f.name, len(f.peers)), localICE: f.localICE}
	if f.tune != nil {
		f.tune(p)
	}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) created() []*fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakePeer(nil), f.peers...)
}

type sentSignal struct {
	Kind    string
	To      string
	Payload json.RawMessage
}

// recordingSignaler captures signals without delivering them.
type recordingSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	err  error
}

func (s *recordingSignaler) Signal(_ context.Context, kind string, payload any, to string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentSignal{Kind: kind, To: to, Payload: raw})
	return nil
}

func (s *recordingSignaler) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, sig := range s.sent {
		out = append(out, sig.Kind)
	}
	return out
}

// bus delivers signals between orchestrators through one ordered queue per
// recipient, like the relay does.
type bus struct {
	t      *testing.T
	ctx    context.Context
	mu     sync.Mutex
	queues map[string]chan busMessage
	errs   chan error
}

type busMessage struct {
	from    string
	kind    string
	payload json.RawMessage
}

func newBus(t *testing.T) *bus {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &bus{t: t, ctx: ctx, queues: make(map[string]chan busMessage), errs: make(chan error, 64)}
}

func (b *bus) attach(o *Orchestrator) {
	queue := make(chan busMessage, 256)
	b.mu.Lock()
	b.queues[o.LocalID()] = queue
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-b.ctx.Done():
				return
			case msg := <-queue:
				if err := o.HandleSignal(b.ctx, msg.from, msg.kind, msg.payload); err != nil {
					select {
					case b.errs <- err:
					default:
					}
				}
			}
		}
	}()
}

func (b *bus) signalerFor(from string) Signaler {
	return busSignaler{bus: b, from: from}
}

type busSignaler struct {
	bus  *bus
	from string
}

func (s busSignaler) Signal(_ context.Context, kind string, payload any, to string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.bus.mu.Lock()
	queue, ok := s.bus.queues[to]
	s.bus.mu.Unlock()
	if !ok {
		return domain.ErrRecipientOffline
	}
	queue <- busMessage{from: s.from, kind: kind, payload: raw}
	return nil
}

type countingSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingSource) Acquire(ctx context.Context) (*MediaStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return SyntheticSource{Audio: true, FrameInterval: time.Hour}.Acquire(ctx)
}

func (s *countingSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type peerSetup struct {
	orch    *Orchestrator
	factory *fakeFactory
	source  *countingSource
}

func newPeer(t *testing.T, id string, signaler Signaler, timeout time.Duration) *peerSetup {
	t.Helper()
	factory := &fakeFactory{name: id, localICE: 2}
	source := &countingSource{}
	orch, err := New(Options{
		LocalID:           id,
		NewPeerConnection: factory.New,
		Media:             source,
		Signaler:          signaler,
		AnswerTimeout:     timeout,
		Log:               discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(orch.TeardownAll)
	return &peerSetup{orch: orch, factory: factory, source: source}
}
