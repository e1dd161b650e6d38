package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// Track kinds as reported by the media layer.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// LocalTrack is an addressable local media track attached to outgoing
// peer connections. Capture is out of scope; implementations only need to
// be attachable.
type LocalTrack interface {
	ID() string
	Kind() string
}

// RemoteTrack is one media track received from a remote peer.
type RemoteTrack interface {
	ID() string
	Kind() string

	// AudioLevel reports the most recent loudness of an audio track on a
	// 0..127 scale (higher is louder), 0 for video tracks or before any
	// level has been observed.
	AudioLevel() uint8
}

// PeerConnection is the negotiation capability for a single remote peer.
// Offer/answer and codec internals are a black box behind this interface;
// the pion adapter implements it for real connections and tests supply a
// scripted fake.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(cand domain.ICECandidate) error
	RemoteDescriptionSet() bool

	AddTrack(track LocalTrack) error

	// OnICECandidate registers the handler for locally discovered
	// candidates. End-of-gathering is not surfaced; handlers only see
	// concrete candidates.
	OnICECandidate(fn func(domain.ICECandidate))

	// OnTrack registers the handler for incoming remote tracks. It may be
	// invoked from transport goroutines at any time until Close.
	OnTrack(fn func(RemoteTrack))

	Close() error
}

// Connector creates peer connections.
type Connector interface {
	NewPeerConnection() (PeerConnection, error)
}

// MediaSource is the local capture capability, shared read-only by every
// peer session of one client.
type MediaSource interface {
	// Acquire prepares the local tracks. Failure aborts call start.
	Acquire(ctx context.Context) error
	Tracks() []LocalTrack
	Close() error
}

// SignalChannel is the client's persistent connection to the relay.
// Receive's channel is closed when the transport closes.
type SignalChannel interface {
	Send(env domain.Envelope) error
	Receive() <-chan domain.Envelope
	Close() error
}

// ChannelDialer opens a signaling channel to the relay.
type ChannelDialer func(ctx context.Context) (SignalChannel, error)
