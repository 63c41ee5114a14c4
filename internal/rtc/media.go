package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

var ErrNoDevices = fmt.Errorf("%w: no audio or video source available", domain.ErrMediaAcquisition)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// MediaStream is the local media shared by every peer link.
type MediaStream struct {
	ID     string
	Tracks []webrtc.TrackLocal

	stopOnce sync.Once
	stop     func()
	stopped  chan struct{}
}

func newMediaStream(id string, tracks []webrtc.TrackLocal, stop func()) *MediaStream {
	return &MediaStream{
		ID:      id,
		Tracks:  tracks,
		stop:    stop,
		stopped: make(chan struct{}),
	}
}

// Stop ends every track of the stream. It is safe to call more than once.
func (s *MediaStream) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		close(s.stopped)
	})
}

func (s *MediaStream) Stopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// MediaSource hands out local media. Acquisition may block, for example on
// a device permission prompt.
type MediaSource interface {
	Acquire(ctx context.Context) (*MediaStream, error)
}

// MediaSourceFunc adapts a function to MediaSource.
type MediaSourceFunc func(ctx context.Context) (*MediaStream, error)

func (f MediaSourceFunc) Acquire(ctx context.Context) (*MediaStream, error) {
	return f(ctx)
}

// SyntheticSource produces an Opus audio track fed with silence and an
// optional VP8 video track. It stands in for capture devices in headless
// clients.
type SyntheticSource struct {
	Audio         bool
	Video         bool
	FrameInterval time.Duration
}

func (s SyntheticSource) Acquire(ctx context.Context) (*MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaAcquisition, err)
	}
	if !s.Audio && !s.Video {
		return nil, ErrNoDevices
	}

	streamID := uuid.NewString()
	var tracks []webrtc.TrackLocal
	var audio *webrtc.TrackLocalStaticSample

	if s.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: audio track: %v", domain.ErrMediaAcquisition, err)
		}
		audio = track
		tracks = append(tracks, track)
	}
	if s.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: video track: %v", domain.ErrMediaAcquisition, err)
		}
		tracks = append(tracks, track)
	}

	interval := s.FrameInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}

	done := make(chan struct{})
	if audio != nil {
		go pumpSilence(audio, interval, done)
	}

	return newMediaStream(streamID, tracks, func() { close(done) }), nil
}

func pumpSilence(track *webrtc.TrackLocalStaticSample, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// Unbound tracks drop the sample; bound ones fan it out.
			_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: interval})
		}
	}
}
