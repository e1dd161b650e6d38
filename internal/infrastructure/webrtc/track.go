package webrtc

import (
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const pliInterval = 3 * time.Second

// remoteTrack wraps a received pion track. A reader goroutine drains RTP
// packets and, for audio, keeps the most recent RFC 6464 loudness; video
// tracks get a periodic PLI so late joiners receive a keyframe.
type remoteTrack struct {
	tr         *webrtc.TrackRemote
	pc         *webrtc.PeerConnection
	levelExtID uint8
	level      uint32
	done       chan struct{}
	logger     *zap.SugaredLogger
}

func newRemoteTrack(tr *webrtc.TrackRemote, recv *webrtc.RTPReceiver, pc *webrtc.PeerConnection, log *zap.SugaredLogger) *remoteTrack {
	rt := &remoteTrack{
		tr:     tr,
		pc:     pc,
		done:   make(chan struct{}),
		logger: log,
	}
	for _, ext := range recv.GetParameters().HeaderExtensions {
		if ext.URI == audioLevelURI {
			rt.levelExtID = uint8(ext.ID)
			break
		}
	}

	go rt.readLoop()
	if tr.Kind() == webrtc.RTPCodecTypeVideo {
		go rt.pliLoop()
	}
	return rt
}

func (r *remoteTrack) ID() string   { return r.tr.ID() }
func (r *remoteTrack) Kind() string { return r.tr.Kind().String() }

// AudioLevel reports loudness 0..127, higher is louder. RFC 6464 levels
// are -dBov (0 loudest), so the stored value is inverted at parse time.
func (r *remoteTrack) AudioLevel() uint8 {
	return uint8(atomic.LoadUint32(&r.level))
}

func (r *remoteTrack) readLoop() {
	defer close(r.done)
	audio := r.tr.Kind() == webrtc.RTPCodecTypeAudio

	for {
		pkt, _, err := r.tr.ReadRTP()
		if err != nil {
			return
		}
		if !audio || r.levelExtID == 0 {
			continue
		}
		payload := pkt.GetExtension(r.levelExtID)
		if payload == nil {
			continue
		}
		var ext rtp.AudioLevelExtension
		if err := ext.Unmarshal(payload); err != nil {
			continue
		}
		atomic.StoreUint32(&r.level, uint32(127-ext.Level))
	}
}

func (r *remoteTrack) pliLoop() {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			err := r.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(r.tr.SSRC())},
			})
			if err != nil {
				r.logger.Debugw("failed to send PLI", "track_id", r.tr.ID(), "error", err)
				return
			}
		}
	}
}
