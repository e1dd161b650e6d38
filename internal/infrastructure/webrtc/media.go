package webrtc

import (
	"context"
	"fmt"
	"sync"

	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// LocalTrack adapts a pion sample track to the ports boundary.
type LocalTrack struct {
	track *webrtc.TrackLocalStaticSample
}

func (l *LocalTrack) ID() string   { return l.track.ID() }
func (l *LocalTrack) Kind() string { return l.track.Kind().String() }

// WriteSample feeds captured media into the track.
func (l *LocalTrack) WriteSample(s media.Sample) error {
	return l.track.WriteSample(s)
}

// SampleSource exposes one Opus audio track and one VP8 video track as
// the client's local media. Capture itself is external; whatever
// produces samples pushes them through the tracks.
type SampleSource struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	audio    *LocalTrack
	video    *LocalTrack
	acquired bool
}

func NewSampleSource(log *zap.Logger) *SampleSource {
	return &SampleSource{logger: log.Sugar()}
}

func (s *SampleSource) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquired {
		return nil
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "meshcall-audio",
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "meshcall-video",
	)
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}

	s.audio = &LocalTrack{track: audio}
	s.video = &LocalTrack{track: video}
	s.acquired = true
	s.logger.Infow("local media acquired")
	return nil
}

func (s *SampleSource) Tracks() []ports.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquired {
		return nil
	}
	return []ports.LocalTrack{s.audio, s.video}
}

// Audio returns the writable audio track, nil before Acquire.
func (s *SampleSource) Audio() *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// Video returns the writable video track, nil before Acquire.
func (s *SampleSource) Video() *LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

func (s *SampleSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = nil
	s.video = nil
	s.acquired = false
	return nil
}
