package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/immxrtalbeast/meetsignal/lib/logger/sl"
	"github.com/pion/webrtc/v3"
)

var (
	ErrNotInitiator     = fmt.Errorf("%w: the remote side initiates this pair", domain.ErrNegotiation)
	ErrNoPendingOffer   = fmt.Errorf("%w: no offer is outstanding", domain.ErrNegotiation)
	ErrAnswerTimeout    = fmt.Errorf("%w: answer did not arrive in time", domain.ErrNegotiation)
	ErrConnectionFailed = fmt.Errorf("%w: peer connection failed", domain.ErrNegotiation)
	ErrLinkClosed       = fmt.Errorf("%w: link is closed", domain.ErrNegotiation)
	ErrSelfLink         = fmt.Errorf("%w: cannot link to self", domain.ErrValidation)
	ErrInactive         = fmt.Errorf("%w: not in a room", domain.ErrNegotiation)
)

// Signaler sends a negotiation message to another user through the relay.
type Signaler interface {
	Signal(ctx context.Context, kind string, payload any, to string) error
}

type EventKind string

const (
	EventTrack           EventKind = "track"
	EventConnectionState EventKind = "connection-state"
	EventLinkFailed      EventKind = "link-failed"
	EventLinkClosed      EventKind = "link-closed"
)

// Event is delivered to every subscribed observer.
type Event struct {
	Kind   EventKind
	PeerID string
	Track  *RemoteTrack
	State  webrtc.PeerConnectionState
	Err    error
}

type Observer func(Event)

type Options struct {
	LocalID           string
	NewPeerConnection Factory
	Media             MediaSource
	Signaler          Signaler
	// AnswerTimeout fails a link whose offer is not answered in time. Zero
	// disables the timeout.
	AnswerTimeout time.Duration
	Log           *slog.Logger
}

// Orchestrator negotiates one media connection per remote user. The user
// with the lexicographically smaller id offers; the other side answers.
type Orchestrator struct {
	localID       string
	newPC         Factory
	media         MediaSource
	signaler      Signaler
	answerTimeout time.Duration
	log           *slog.Logger

	mu    sync.Mutex
	links map[string]*Link
	// inactive is set by TeardownAll and cleared by Activate. No link or
	// media is created while it is set.
	inactive bool

	mediaMu sync.Mutex
	stream  *MediaStream

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64
}

func New(opts Options) (*Orchestrator, error) {
	if opts.LocalID == "" {
		return nil, fmt.Errorf("%w: local user id is required", domain.ErrValidation)
	}
	if opts.NewPeerConnection == nil || opts.Media == nil || opts.Signaler == nil {
		return nil, fmt.Errorf("%w: peer connection factory, media source and signaler are required", domain.ErrValidation)
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		localID:       opts.LocalID,
		newPC:         opts.NewPeerConnection,
		media:         opts.Media,
		signaler:      opts.Signaler,
		answerTimeout: opts.AnswerTimeout,
		log:           log.With(slog.String("local_id", opts.LocalID)),
		links:         make(map[string]*Link),
		observers:     make(map[uint64]Observer),
	}, nil
}

func (o *Orchestrator) LocalID() string {
	return o.localID
}

// IsInitiator reports whether this side offers to peerID.
func (o *Orchestrator) IsInitiator(peerID string) bool {
	return o.localID < peerID
}

// Subscribe registers an observer and returns a function removing it.
func (o *Orchestrator) Subscribe(observer Observer) (cancel func()) {
	o.obsMu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = observer
	o.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.obsMu.Lock()
			delete(o.observers, id)
			o.obsMu.Unlock()
		})
	}
}

func (o *Orchestrator) emit(ev Event) {
	o.obsMu.RLock()
	observers := make([]Observer, 0, len(o.observers))
	for _, obs := range o.observers {
		observers = append(observers, obs)
	}
	o.obsMu.RUnlock()

	for _, obs := range observers {
		obs(ev)
	}
}

// AcquireLocalMedia returns the local stream, acquiring it on first use.
// Failures are returned to the caller and not cached.
func (o *Orchestrator) AcquireLocalMedia(ctx context.Context) (*MediaStream, error) {
	const op = "rtc.orchestrator.acquireMedia"

	o.mediaMu.Lock()
	defer o.mediaMu.Unlock()

	if !o.Active() {
		return nil, ErrInactive
	}
	if o.stream != nil && !o.stream.Stopped() {
		return o.stream, nil
	}

	stream, err := o.media.Acquire(ctx)
	if err != nil {
		o.log.Warn("local media unavailable", slog.String("op", op), sl.Err(err))
		if !errors.Is(err, domain.ErrMediaAcquisition) {
			err = fmt.Errorf("%w: %w", domain.ErrMediaAcquisition, err)
		}
		return nil, err
	}

	o.stream = stream
	o.log.Info("local media acquired",
		slog.String("op", op),
		slog.String("stream_id", stream.ID),
		slog.Int("tracks", len(stream.Tracks)),
	)
	return stream, nil
}

// Link returns the link to peerID if one exists.
func (o *Orchestrator) Link(peerID string) (*Link, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	link, ok := o.links[peerID]
	return link, ok
}

// Peers lists the remote users with a live link, sorted.
func (o *Orchestrator) Peers() []string {
	o.mu.Lock()
	peers := make([]string, 0, len(o.links))
	for id := range o.links {
		peers = append(peers, id)
	}
	o.mu.Unlock()

	sort.Strings(peers)
	return peers
}

// GetOrCreateLink returns the link to peerID, building it with every local
// track attached if it does not exist yet.
func (o *Orchestrator) GetOrCreateLink(ctx context.Context, peerID string) (*Link, error) {
	const op = "rtc.orchestrator.getOrCreateLink"

	if peerID == "" {
		return nil, fmt.Errorf("%w: peer id is required", domain.ErrValidation)
	}
	if peerID == o.localID {
		return nil, ErrSelfLink
	}

	if link, ok := o.Link(peerID); ok {
		return link, nil
	}

	stream, err := o.AcquireLocalMedia(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if link, ok := o.links[peerID]; ok {
		return link, nil
	}
	if o.inactive {
		return nil, ErrInactive
	}

	pc, err := o.newPC()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNegotiation, err)
	}
	for _, track := range stream.Tracks {
		if err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("%w: add %s track: %w", domain.ErrNegotiation, track.Kind(), err)
		}
	}

	link := newLink(peerID, pc)
	o.wire(link, pc)
	o.links[peerID] = link

	o.log.Info("peer link created",
		slog.String("op", op),
		slog.String("peer_id", peerID),
		slog.Bool("initiator", o.IsInitiator(peerID)),
	)
	return link, nil
}

func (o *Orchestrator) wire(link *Link, pc PeerConnection) {
	peerID := link.PeerID

	pc.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		link.sendMu.Lock()
		defer link.sendMu.Unlock()

		if !link.holdOrRelease(candidate) {
			return
		}
		if err := o.signaler.Signal(context.Background(), domain.SignalICECandidate, candidate, peerID); err != nil {
			o.log.Debug("failed to send local candidate", slog.String("peer_id", peerID), sl.Err(err))
		}
	})

	pc.OnTrack(func(track RemoteTrack) {
		track.PeerID = peerID
		o.log.Info("remote track received",
			slog.String("peer_id", peerID),
			slog.String("kind", track.Kind),
			slog.String("track_id", track.TrackID),
		)
		o.emit(Event{Kind: EventTrack, PeerID: peerID, Track: &track})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		link.mu.Lock()
		if link.terminal() {
			link.mu.Unlock()
			return
		}
		link.connState = state
		link.mu.Unlock()

		o.log.Debug("peer connection state changed",
			slog.String("peer_id", peerID),
			slog.String("state", state.String()),
		)
		o.emit(Event{Kind: EventConnectionState, PeerID: peerID, State: state})

		if state == webrtc.PeerConnectionStateFailed {
			// Closing from inside the callback can block the connection's
			// own goroutine.
			go func() { _ = o.fail(link, "connect", ErrConnectionFailed) }()
		}
	})
}

// CreateOffer starts negotiation toward peerID. Only the initiator of the
// pair may call it; an offer already in flight makes it a no-op.
func (o *Orchestrator) CreateOffer(ctx context.Context, peerID string) error {
	const op = "rtc.orchestrator.createOffer"
	log := o.log.With(slog.String("op", op), slog.String("peer_id", peerID))

	if !o.IsInitiator(peerID) {
		return ErrNotInitiator
	}

	link, err := o.GetOrCreateLink(ctx, peerID)
	if err != nil {
		return err
	}

	link.mu.Lock()
	switch {
	case link.terminal():
		link.mu.Unlock()
		return ErrLinkClosed
	case link.state == StateHaveLocalOffer:
		link.mu.Unlock()
		log.Debug("offer already outstanding")
		return nil
	case link.state != StateStable:
		link.mu.Unlock()
		return fmt.Errorf("%w: cannot offer in state %s", domain.ErrNegotiation, link.state)
	}

	offer, err := link.pc.CreateOffer()
	if err != nil {
		link.mu.Unlock()
		return o.fail(link, "create offer", err)
	}
	if err := link.pc.SetLocalDescription(offer); err != nil {
		link.mu.Unlock()
		return o.fail(link, "set local offer", err)
	}
	link.state = StateHaveLocalOffer
	link.localDescription = &offer
	link.offerSeq++
	seq := link.offerSeq
	link.mu.Unlock()

	if err := o.sendDescription(ctx, link, domain.SignalOffer, offer); err != nil {
		return o.fail(link, "send offer", err)
	}
	o.armAnswerTimeout(link, seq)

	log.Info("offer sent")
	return nil
}

// HandleOffer answers an offer from fromID. An offer on a stable link is a
// renegotiation of the existing connection.
func (o *Orchestrator) HandleOffer(ctx context.Context, fromID string, offer webrtc.SessionDescription) error {
	const op = "rtc.orchestrator.handleOffer"
	log := o.log.With(slog.String("op", op), slog.String("peer_id", fromID))

	if offer.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("%w: expected offer, got %s", domain.ErrValidation, offer.Type)
	}

	link, err := o.GetOrCreateLink(ctx, fromID)
	if err != nil {
		return err
	}

	link.mu.Lock()
	switch {
	case link.terminal():
		link.mu.Unlock()
		return ErrLinkClosed
	case link.state == StateHaveLocalOffer && o.IsInitiator(fromID):
		link.mu.Unlock()
		log.Warn("ignoring colliding offer from non-initiator")
		return nil
	case link.state == StateHaveLocalOffer:
		if err := link.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			link.mu.Unlock()
			return o.fail(link, "rollback local offer", err)
		}
		link.stopAnswerTimer()
		link.state = StateStable
	case link.state == StateStable && link.remoteDescription != nil:
		log.Info("renegotiating existing link")
	}

	if err := link.pc.SetRemoteDescription(offer); err != nil {
		link.mu.Unlock()
		return o.fail(link, "set remote offer", err)
	}
	link.state = StateHaveRemoteOffer
	link.remoteDescription = &offer
	o.logCandidateErrors(log, link.flushPending())

	answer, err := link.pc.CreateAnswer()
	if err != nil {
		link.mu.Unlock()
		return o.fail(link, "create answer", err)
	}
	if err := link.pc.SetLocalDescription(answer); err != nil {
		link.mu.Unlock()
		return o.fail(link, "set local answer", err)
	}
	link.state = StateStable
	link.localDescription = &answer
	link.mu.Unlock()

	if err := o.sendDescription(ctx, link, domain.SignalAnswer, answer); err != nil {
		return o.fail(link, "send answer", err)
	}

	log.Info("answer sent")
	return nil
}

// HandleAnswer completes an offer previously sent to fromID.
func (o *Orchestrator) HandleAnswer(ctx context.Context, fromID string, answer webrtc.SessionDescription) error {
	const op = "rtc.orchestrator.handleAnswer"
	log := o.log.With(slog.String("op", op), slog.String("peer_id", fromID))

	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", domain.ErrValidation, answer.Type)
	}

	link, ok := o.Link(fromID)
	if !ok {
		log.Warn("answer without a link")
		return fmt.Errorf("%w: %w", domain.ErrNegotiation, domain.ErrLinkNotFound)
	}

	link.mu.Lock()
	if link.terminal() {
		link.mu.Unlock()
		return ErrLinkClosed
	}
	if link.state != StateHaveLocalOffer {
		state := link.state
		link.mu.Unlock()
		log.Warn("answer without an outstanding offer", slog.String("state", string(state)))
		return ErrNoPendingOffer
	}

	link.stopAnswerTimer()
	if err := link.pc.SetRemoteDescription(answer); err != nil {
		link.mu.Unlock()
		return o.fail(link, "set remote answer", err)
	}
	link.state = StateStable
	link.remoteDescription = &answer
	o.logCandidateErrors(log, link.flushPending())
	link.mu.Unlock()

	log.Info("answer applied")
	return nil
}

// HandleICECandidate applies a remote candidate, or buffers it until the
// remote description is known.
func (o *Orchestrator) HandleICECandidate(ctx context.Context, fromID string, candidate webrtc.ICECandidateInit) error {
	link, err := o.GetOrCreateLink(ctx, fromID)
	if err != nil {
		return err
	}

	link.mu.Lock()
	defer link.mu.Unlock()

	if link.terminal() {
		return ErrLinkClosed
	}
	if link.remoteDescription == nil {
		link.pending = append(link.pending, candidate)
		return nil
	}
	if err := link.pc.AddICECandidate(candidate); err != nil {
		o.log.Warn("failed to add remote candidate", slog.String("peer_id", fromID), sl.Err(err))
		return fmt.Errorf("%w: add candidate: %w", domain.ErrNegotiation, err)
	}
	return nil
}

// HandleSignal decodes a relayed negotiation message and dispatches it.
func (o *Orchestrator) HandleSignal(ctx context.Context, fromID string, kind string, payload json.RawMessage) error {
	switch kind {
	case domain.SignalOffer, domain.SignalAnswer:
		var desc domain.DescriptionPayload
		if err := json.Unmarshal(payload, &desc); err != nil {
			return fmt.Errorf("%w: malformed %s: %v", domain.ErrValidation, kind, err)
		}
		if kind == domain.SignalOffer {
			return o.HandleOffer(ctx, fromID, desc.SDP)
		}
		return o.HandleAnswer(ctx, fromID, desc.SDP)
	case domain.SignalICECandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &candidate); err != nil {
			return fmt.Errorf("%w: malformed candidate: %v", domain.ErrValidation, err)
		}
		return o.HandleICECandidate(ctx, fromID, candidate)
	default:
		o.log.Debug("ignoring signal", slog.String("type", kind), slog.String("peer_id", fromID))
		return nil
	}
}

// Connect offers to peerID when this side initiates the pair and otherwise
// waits for the peer's offer.
func (o *Orchestrator) Connect(ctx context.Context, peerID string) error {
	if !o.IsInitiator(peerID) {
		return nil
	}
	return o.CreateOffer(ctx, peerID)
}

// TeardownLink closes and forgets the link to peerID.
func (o *Orchestrator) TeardownLink(peerID string) {
	o.mu.Lock()
	link, ok := o.links[peerID]
	if ok {
		delete(o.links, peerID)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	if link.close(StateClosed) {
		o.log.Info("peer link closed", slog.String("peer_id", peerID))
		o.emit(Event{Kind: EventLinkClosed, PeerID: peerID})
	}
}

// Active reports whether links may be created.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.inactive
}

// Activate allows links and local media again after TeardownAll. It is
// called when the local user enters a room.
func (o *Orchestrator) Activate() {
	o.mu.Lock()
	o.inactive = false
	o.mu.Unlock()
}

// TeardownAll closes every link, stops local media and refuses new links
// until Activate is called.
func (o *Orchestrator) TeardownAll() {
	o.mu.Lock()
	links := o.links
	o.links = make(map[string]*Link)
	o.inactive = true
	o.mu.Unlock()

	for peerID, link := range links {
		if link.close(StateClosed) {
			o.emit(Event{Kind: EventLinkClosed, PeerID: peerID})
		}
	}

	o.mediaMu.Lock()
	if o.stream != nil {
		o.stream.Stop()
		o.stream = nil
	}
	o.mediaMu.Unlock()

	o.log.Info("all peer links closed", slog.Int("links", len(links)))
}

func (o *Orchestrator) sendDescription(ctx context.Context, link *Link, kind string, desc webrtc.SessionDescription) error {
	link.sendMu.Lock()
	defer link.sendMu.Unlock()

	if err := o.signaler.Signal(ctx, kind, domain.DescriptionPayload{SDP: desc}, link.PeerID); err != nil {
		return err
	}

	for _, candidate := range link.markDescriptionSent() {
		if err := o.signaler.Signal(ctx, domain.SignalICECandidate, candidate, link.PeerID); err != nil {
			o.log.Debug("failed to send held candidate", slog.String("peer_id", link.PeerID), sl.Err(err))
		}
	}
	return nil
}

func (o *Orchestrator) armAnswerTimeout(link *Link, seq uint64) {
	if o.answerTimeout <= 0 {
		return
	}

	link.mu.Lock()
	defer link.mu.Unlock()
	if link.state != StateHaveLocalOffer || link.offerSeq != seq {
		return
	}
	link.stopAnswerTimer()
	link.answerTimer = time.AfterFunc(o.answerTimeout, func() {
		link.mu.Lock()
		expired := link.state == StateHaveLocalOffer && link.offerSeq == seq
		link.mu.Unlock()
		if expired {
			_ = o.fail(link, "await answer", ErrAnswerTimeout)
		}
	})
}

// fail marks the link failed, discards it and closes its connection. The
// caller must not hold link.mu.
func (o *Orchestrator) fail(link *Link, step string, cause error) error {
	err := fmt.Errorf("%s with %s: %w", step, link.PeerID, cause)
	if !errors.Is(cause, domain.ErrNegotiation) {
		err = fmt.Errorf("%w: %s with %s: %w", domain.ErrNegotiation, step, link.PeerID, cause)
	}

	link.mu.Lock()
	if link.state != StateClosed {
		link.state = StateFailed
	}
	link.mu.Unlock()

	o.mu.Lock()
	if o.links[link.PeerID] == link {
		delete(o.links, link.PeerID)
	}
	o.mu.Unlock()

	if link.close(StateFailed) {
		o.log.Error("peer link failed", slog.String("peer_id", link.PeerID), sl.Err(err))
		o.emit(Event{Kind: EventLinkFailed, PeerID: link.PeerID, Err: err})
	}
	return err
}

func (o *Orchestrator) logCandidateErrors(log *slog.Logger, errs []error) {
	for _, err := range errs {
		log.Warn("failed to apply buffered candidate", sl.Err(err))
	}
}
