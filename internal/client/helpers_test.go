package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// fakePC is a scripted peer connection: descriptions and candidates are
// recorded instead of negotiated, and tests drive the callbacks directly.
type fakePC struct {
	mu      sync.Mutex
	local   *domain.SessionDescription
	remote  *domain.SessionDescription
	applied []domain.ICECandidate
	tracks  []ports.LocalTrack
	onCand  func(domain.ICECandidate)
	onTrack func(ports.RemoteTrack)
	closed  bool
	errs    map[string]error
}

func newFakePC() *fakePC {
	return &fakePC{errs: make(map[string]error)}
}

func (p *fakePC) failOn(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[op] = err
}

func (p *fakePC) err(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs[op]
}

func (p *fakePC) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := p.err("createOffer"); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (p *fakePC) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := p.err("createAnswer"); err != nil {
		return domain.SessionDescription{}, err
	}
	return domain.SessionDescription{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (p *fakePC) SetLocalDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := p.err("setLocal"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePC) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	if err := p.err("setRemote"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *fakePC) AddICECandidate(cand domain.ICECandidate) error {
	if err := p.err("addCandidate"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, cand)
	return nil
}

func (p *fakePC) RemoteDescriptionSet() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote != nil
}

func (p *fakePC) AddTrack(track ports.LocalTrack) error {
	if err := p.err("addTrack"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePC) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCand = fn
}

func (p *fakePC) OnTrack(fn func(ports.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) remoteDescription() *domain.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePC) appliedCandidates() []domain.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ICECandidate, len(p.applied))
	copy(out, p.applied)
	return out
}

func (p *fakePC) emitCandidate(cand domain.ICECandidate) {
	p.mu.Lock()
	fn := p.onCand
	p.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

func (p *fakePC) emitTrack(t ports.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

type fakeLocalTrack struct {
	id   string
	kind string
}

func (t *fakeLocalTrack) ID() string   { return t.id }
func (t *fakeLocalTrack) Kind() string { return t.kind }

type fakeRemoteTrack struct {
	id    string
	kind  string
	level uint32
}

func (t *fakeRemoteTrack) ID() string   { return t.id }
func (t *fakeRemoteTrack) Kind() string { return t.kind }

func (t *fakeRemoteTrack) AudioLevel() uint8 {
	return uint8(atomic.LoadUint32(&t.level))
}

func (t *fakeRemoteTrack) setLevel(l uint8) {
	atomic.StoreUint32(&t.level, uint32(l))
}

// fakeConnector hands out fakePCs and remembers them in creation order.
type fakeConnector struct {
	mu  sync.Mutex
	pcs []*fakePC
	err error
}

func (c *fakeConnector) NewPeerConnection() (ports.PeerConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	pc := newFakePC()
	c.pcs = append(c.pcs, pc)
	return pc, nil
}

func (c *fakeConnector) created() []*fakePC {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*fakePC, len(c.pcs))
	copy(out, c.pcs)
	return out
}

// fakeMedia satisfies ports.MediaSource without touching real devices.
type fakeMedia struct {
	mu         sync.Mutex
	acquireErr error
	acquired   bool
	closed     bool
}

func (m *fakeMedia) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return m.acquireErr
	}
	m.acquired = true
	return nil
}

func (m *fakeMedia) Tracks() []ports.LocalTrack {
	return []ports.LocalTrack{
		&fakeLocalTrack{id: "local-audio", kind: ports.KindAudio},
		&fakeLocalTrack{id: "local-video", kind: ports.KindVideo},
	}
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var errChannelClosed = errors.New("channel closed")

// fakeChannel is a scripted signaling channel: tests push inbound
// envelopes and read what the orchestrator sent.
type fakeChannel struct {
	in   chan domain.Envelope
	sent chan domain.Envelope

	mu     sync.Mutex
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:   make(chan domain.Envelope, 32),
		sent: make(chan domain.Envelope, 32),
	}
}

func (c *fakeChannel) Send(env domain.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errChannelClosed
	}
	c.sent <- env
	return nil
}

func (c *fakeChannel) Receive() <-chan domain.Envelope { return c.in }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

func (c *fakeChannel) push(env domain.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.in <- env
	}
}

func (c *fakeChannel) dialer() ports.ChannelDialer {
	return func(ctx context.Context) (ports.SignalChannel, error) {
		return c, nil
	}
}
