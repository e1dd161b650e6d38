package client

import (
	"context"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"go.uber.org/zap"
)

type eventKind int

const (
	evNegotiate eventKind = iota
	evOffer
	evAnswer
	evCandidate
)

type sessionEvent struct {
	kind eventKind
	desc domain.SessionDescription
	cand domain.ICECandidate
}

// sessionDeps wires a Session into its orchestrator.
type sessionDeps struct {
	localID  domain.UserID
	remoteID domain.UserID
	pc       ports.PeerConnection
	tracks   []ports.LocalTrack

	send     func(domain.Envelope)
	onStream func(*RemoteStream)
	onClosed func(err error)

	logger *zap.SugaredLogger
}

// Session drives the negotiation of a single remote peer:
//
//	NEW -> HAVE_LOCAL_OFFER | HAVE_REMOTE_OFFER -> CONNECTED -> CLOSED
//
// Signaling events for the session are processed in arrival order on its
// own goroutine, so one peer's offer/answer latency never stalls another
// peer's messages. Candidates arriving before the remote description are
// buffered and flushed FIFO exactly once.
type Session struct {
	deps sessionDeps
	log  *zap.SugaredLogger

	mu      sync.Mutex
	state   domain.SessionState
	pending []domain.ICECandidate
	stream  *RemoteStream

	events    chan sessionEvent
	done      chan struct{}
	closeOnce sync.Once
}

// newSession prepares the peer connection: attaches the shared local
// tracks and registers the candidate/track callbacks. The event loop is
// not running yet; the orchestrator calls start once the session is
// registered.
func newSession(deps sessionDeps) (*Session, error) {
	s := &Session{
		deps:   deps,
		log:    deps.logger.With("remote_user", deps.remoteID),
		state:  domain.StateNew,
		events: make(chan sessionEvent, 64),
		done:   make(chan struct{}),
	}

	for _, track := range deps.tracks {
		if err := deps.pc.AddTrack(track); err != nil {
			deps.pc.Close()
			return nil, err
		}
	}

	deps.pc.OnICECandidate(func(cand domain.ICECandidate) {
		c := cand
		s.deps.send(domain.Envelope{
			Type:      domain.TypeSignal,
			From:      s.deps.localID,
			To:        s.deps.remoteID,
			Candidate: &c,
		})
	})
	deps.pc.OnTrack(s.handleTrack)

	return s, nil
}

// start launches the event loop. An initiator immediately produces and
// sends an offer; a non-initiator waits for the remote offer.
func (s *Session) start(ctx context.Context, initiator bool) {
	go s.run(ctx)
	if initiator {
		s.enqueue(sessionEvent{kind: evNegotiate})
	}
}

func (s *Session) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) enqueue(ev sessionEvent) {
	select {
	case <-s.done:
	case s.events <- ev:
	}
}

func (s *Session) deliverOffer(desc domain.SessionDescription) {
	s.enqueue(sessionEvent{kind: evOffer, desc: desc})
}

func (s *Session) deliverAnswer(desc domain.SessionDescription) {
	s.enqueue(sessionEvent{kind: evAnswer, desc: desc})
}

func (s *Session) deliverCandidate(cand domain.ICECandidate) {
	s.enqueue(sessionEvent{kind: evCandidate, cand: cand})
}

func (s *Session) handle(ctx context.Context, ev sessionEvent) {
	switch ev.kind {
	case evNegotiate:
		s.negotiate(ctx)
	case evOffer:
		s.acceptOffer(ctx, ev.desc)
	case evAnswer:
		s.acceptAnswer(ctx, ev.desc)
	case evCandidate:
		s.addCandidate(ev.cand)
	}
}

func (s *Session) negotiate(ctx context.Context) {
	offer, err := s.deps.pc.CreateOffer(ctx)
	if err != nil {
		s.fail("create offer", err)
		return
	}
	if err := s.deps.pc.SetLocalDescription(ctx, offer); err != nil {
		s.fail("set local offer", err)
		return
	}
	s.setState(domain.StateHaveLocalOffer)

	s.deps.send(domain.Envelope{
		Type:  domain.TypeSignal,
		From:  s.deps.localID,
		To:    s.deps.remoteID,
		Offer: &offer,
	})
}

func (s *Session) acceptOffer(ctx context.Context, desc domain.SessionDescription) {
	if st := s.State(); st != domain.StateNew {
		s.log.Debugw("ignoring offer", "state", st.String())
		return
	}

	if err := s.deps.pc.SetRemoteDescription(ctx, desc); err != nil {
		s.fail("set remote offer", err)
		return
	}
	s.setState(domain.StateHaveRemoteOffer)

	answer, err := s.deps.pc.CreateAnswer(ctx)
	if err != nil {
		s.fail("create answer", err)
		return
	}
	if err := s.deps.pc.SetLocalDescription(ctx, answer); err != nil {
		s.fail("set local answer", err)
		return
	}
	s.setState(domain.StateConnected)

	s.deps.send(domain.Envelope{
		Type:   domain.TypeSignal,
		From:   s.deps.localID,
		To:     s.deps.remoteID,
		Answer: &answer,
	})

	s.flushCandidates()
}

func (s *Session) acceptAnswer(ctx context.Context, desc domain.SessionDescription) {
	if st := s.State(); st != domain.StateHaveLocalOffer {
		s.log.Debugw("ignoring answer", "state", st.String())
		return
	}

	if err := s.deps.pc.SetRemoteDescription(ctx, desc); err != nil {
		s.fail("set remote answer", err)
		return
	}
	s.setState(domain.StateConnected)

	s.flushCandidates()
}

// addCandidate applies the candidate when the remote description is
// already in place and buffers it otherwise. Buffering decisions are
// race-free because candidates and descriptions share the session's
// event queue.
func (s *Session) addCandidate(cand domain.ICECandidate) {
	if !s.deps.pc.RemoteDescriptionSet() {
		s.mu.Lock()
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return
	}
	if err := s.deps.pc.AddICECandidate(cand); err != nil {
		s.log.Warnw("failed to add candidate", "error", err)
	}
}

// flushCandidates applies every buffered candidate in arrival order and
// empties the buffer, so each is applied exactly once.
func (s *Session) flushCandidates() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, cand := range pending {
		if err := s.deps.pc.AddICECandidate(cand); err != nil {
			s.log.Warnw("failed to apply buffered candidate", "error", err)
		}
	}
}

// handleTrack materializes the remote stream on the first track and
// attaches every later track to the same stream. Invoked from transport
// goroutines.
func (s *Session) handleTrack(t ports.RemoteTrack) {
	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return
	}
	created := false
	if s.stream == nil {
		s.stream = newRemoteStream(s.deps.remoteID)
		created = true
	}
	stream := s.stream
	s.mu.Unlock()

	stream.addTrack(t)
	s.log.Debugw("remote track attached", "track_id", t.ID(), "kind", t.Kind())

	if created && s.deps.onStream != nil {
		s.deps.onStream(stream)
	}
}

func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state domain.SessionState) {
	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.mu.Unlock()
	s.log.Debugw("session state changed", "from", prev.String(), "to", state.String())
}

// fail closes this session only; other sessions are unaffected.
func (s *Session) fail(op string, err error) {
	s.log.Errorw("negotiation failed", "op", op, "error", err)
	s.closeWith(err)
}

// Close tears the session down on user-left or local shutdown.
func (s *Session) Close() {
	s.closeWith(nil)
}

func (s *Session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = domain.StateClosed
		s.pending = nil
		s.mu.Unlock()

		close(s.done)
		s.deps.pc.Close()

		if s.deps.onClosed != nil {
			s.deps.onClosed(err)
		}
	})
}
