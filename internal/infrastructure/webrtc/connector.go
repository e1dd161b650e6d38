package webrtc

import (
	"context"
	"fmt"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// audioLevelURI is the RFC 6464 client-to-mixer audio level extension,
// negotiated so received audio packets carry per-packet loudness.
const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// Connector builds pion peer connections behind the ports.PeerConnection
// boundary. The negotiation core never sees pion types.
type Connector struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewConnector(iceServers []webrtc.ICEServer, log *zap.Logger) (*Connector, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	if err := media.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("failed to register audio level extension: %w", err)
	}

	return &Connector{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(media)),
		config: webrtc.Configuration{ICEServers: iceServers},
		logger: log.Sugar(),
	}, nil
}

func (c *Connector) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := c.api.NewPeerConnection(c.config)
	if err != nil {
		return nil, err
	}
	return &peerConn{pc: pc, logger: c.logger}, nil
}

type peerConn struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger
}

func (p *peerConn) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (p *peerConn) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (p *peerConn) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.SetLocalDescription(toPionDescription(desc))
}

func (p *peerConn) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(toPionDescription(desc))
}

func (p *peerConn) AddICECandidate(cand domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineNumber,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (p *peerConn) RemoteDescriptionSet() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *peerConn) AddTrack(t ports.LocalTrack) error {
	local, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("unsupported local track type %T", t)
	}
	sender, err := p.pc.AddTrack(local.track)
	if err != nil {
		return err
	}
	// The sender's RTCP stream must be drained for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *peerConn) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering, not a routable candidate.
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineNumber:   init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *peerConn) OnTrack(fn func(ports.RemoteTrack)) {
	p.pc.OnTrack(func(tr *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		fn(newRemoteTrack(tr, recv, p.pc, p.logger))
	})
}

func (p *peerConn) Close() error {
	return p.pc.Close()
}

func toPionDescription(desc domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
}

func fromPionDescription(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}
