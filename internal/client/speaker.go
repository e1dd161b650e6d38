package client

import (
	"context"
	"sync"
	"time"

	"meshcall/internal/core/domain"

	"go.uber.org/zap"
)

// SpeakerDetector runs a simple periodic sampling policy over the audio
// levels of the observed remote streams: every interval the loudest
// stream above the threshold becomes the active speaker. It consumes
// only the stream handles the orchestrator exposes and plays no part in
// negotiation.
type SpeakerDetector struct {
	interval  time.Duration
	threshold uint8
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	streams  map[domain.UserID]*RemoteStream
	active   domain.UserID
	onChange func(domain.UserID)
}

func NewSpeakerDetector(interval time.Duration, threshold uint8, log *zap.Logger) *SpeakerDetector {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &SpeakerDetector{
		interval:  interval,
		threshold: threshold,
		logger:    log.Sugar(),
		streams:   make(map[domain.UserID]*RemoteStream),
	}
}

// OnChange registers the callback fired with the new active speaker, or
// with an empty id when the active speaker leaves.
func (d *SpeakerDetector) OnChange(fn func(domain.UserID)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = fn
}

func (d *SpeakerDetector) Observe(user domain.UserID, stream *RemoteStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streams[user] = stream
}

func (d *SpeakerDetector) Forget(user domain.UserID) {
	d.mu.Lock()
	delete(d.streams, user)
	var fn func(domain.UserID)
	if d.active == user {
		d.active = ""
		fn = d.onChange
	}
	d.mu.Unlock()

	if fn != nil {
		fn("")
	}
}

func (d *SpeakerDetector) Active() domain.UserID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Run samples until the context ends.
func (d *SpeakerDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sample()
		}
	}
}

// sample promotes the loudest stream above the threshold. A quiet room
// keeps the current active speaker, matching a "last one heard" display.
func (d *SpeakerDetector) sample() {
	d.mu.Lock()

	var loudest domain.UserID
	var level uint8
	for user, stream := range d.streams {
		if l := stream.AudioLevel(); l > level {
			loudest = user
			level = l
		}
	}

	var fn func(domain.UserID)
	if loudest != "" && level >= d.threshold && loudest != d.active {
		d.active = loudest
		fn = d.onChange
		d.logger.Debugw("active speaker changed", "user_id", loudest, "level", level)
	}
	d.mu.Unlock()

	if fn != nil {
		fn(loudest)
	}
}
