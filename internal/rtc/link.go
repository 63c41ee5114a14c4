package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

// NegotiationState is the SDP state of one peer link.
type NegotiationState string

const (
	StateStable          NegotiationState = "stable"
	StateHaveLocalOffer  NegotiationState = "have-local-offer"
	StateHaveRemoteOffer NegotiationState = "have-remote-offer"
	StateFailed          NegotiationState = "failed"
	StateClosed          NegotiationState = "closed"
)

// Link is the media connection to one remote user. mu serializes the
// negotiation sequence; sendMu orders outbound signals for this peer.
type Link struct {
	PeerID string

	mu                sync.Mutex
	pc                PeerConnection
	state             NegotiationState
	connState         webrtc.PeerConnectionState
	localDescription  *webrtc.SessionDescription
	remoteDescription *webrtc.SessionDescription
	pending           []webrtc.ICECandidateInit
	offerSeq          uint64
	answerTimer       *time.Timer

	sendMu          sync.Mutex
	outMu           sync.Mutex
	outbound        []webrtc.ICECandidateInit
	descriptionSent bool
}

func newLink(peerID string, pc PeerConnection) *Link {
	return &Link{
		PeerID:    peerID,
		pc:        pc,
		state:     StateStable,
		connState: webrtc.PeerConnectionStateNew,
	}
}

func (l *Link) State() NegotiationState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) ConnectionState() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connState
}

// PendingCandidates reports how many remote candidates wait for a remote
// description.
func (l *Link) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Link) LocalDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localDescription
}

func (l *Link) RemoteDescription() *webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteDescription
}

func (l *Link) terminal() bool {
	return l.state == StateFailed || l.state == StateClosed
}

// flushPending applies buffered candidates in arrival order. Caller holds mu.
func (l *Link) flushPending() []error {
	var errs []error
	for _, candidate := range l.pending {
		if err := l.pc.AddICECandidate(candidate); err != nil {
			errs = append(errs, err)
		}
	}
	l.pending = nil
	return errs
}

func (l *Link) stopAnswerTimer() {
	if l.answerTimer != nil {
		l.answerTimer.Stop()
		l.answerTimer = nil
	}
}

// holdOrRelease queues a local candidate until the first description has
// been sent. It reports whether the candidate may be sent now.
func (l *Link) holdOrRelease(candidate webrtc.ICECandidateInit) bool {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	if !l.descriptionSent {
		l.outbound = append(l.outbound, candidate)
		return false
	}
	return true
}

// markDescriptionSent releases the held candidates.
func (l *Link) markDescriptionSent() []webrtc.ICECandidateInit {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	l.descriptionSent = true
	held := l.outbound
	l.outbound = nil
	return held
}

// close moves the link to closed unless it already failed, and closes the
// underlying connection. It reports false when the link was already closed.
func (l *Link) close(final NegotiationState) bool {
	l.mu.Lock()
	if l.pc == nil {
		l.mu.Unlock()
		return false
	}
	pc := l.pc
	l.pc = nil
	if l.state != StateFailed {
		l.state = final
	}
	l.stopAnswerTimer()
	l.pending = nil
	l.mu.Unlock()

	_ = pc.Close()
	return true
}
