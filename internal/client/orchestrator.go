package client

import (
	"context"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/utils"

	"go.uber.org/zap"
)

// Orchestrator bridges the relay channel and the set of peer sessions of
// one client. It owns the local media source handle, shared read-only by
// every session, and enforces that at most one session exists per remote
// user id no matter how that peer was discovered.
type Orchestrator struct {
	localID   domain.UserID
	dial      ports.ChannelDialer
	connector ports.Connector
	media     ports.MediaSource
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.UserID]*Session
	streams  map[domain.UserID]*RemoteStream
	channel  ports.SignalChannel
	started  bool

	onStreamsChanged func()
	detector         *SpeakerDetector

	cancel context.CancelFunc
	loopWG sync.WaitGroup
}

func NewOrchestrator(dial ports.ChannelDialer, connector ports.Connector, media ports.MediaSource, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		localID:   domain.UserID(utils.GenerateUserID()),
		dial:      dial,
		connector: connector,
		media:     media,
		logger:    log.Sugar(),
		sessions:  make(map[domain.UserID]*Session),
		streams:   make(map[domain.UserID]*RemoteStream),
	}
}

// LocalID is the opaque identity carried as "from" in every outgoing
// signaling envelope.
func (o *Orchestrator) LocalID() domain.UserID { return o.localID }

// SetStreamsChanged registers the callback fired whenever the observable
// set of remote streams changes. Must be called before Start.
func (o *Orchestrator) SetStreamsChanged(fn func()) { o.onStreamsChanged = fn }

// AttachSpeakerDetector feeds remote streams into the detector as they
// appear and disappear. Must be called before Start.
func (o *Orchestrator) AttachSpeakerDetector(d *SpeakerDetector) { o.detector = d }

// Start acquires local media, opens the relay channel, announces the
// join and runs the event loop. A media failure aborts the call before
// anything else happens.
func (o *Orchestrator) Start(ctx context.Context, room domain.RoomID) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	if err := o.media.Acquire(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMediaFailed, err)
	}

	ch, err := o.dial(ctx)
	if err != nil {
		o.media.Close()
		return fmt.Errorf("failed to open signaling channel: %w", err)
	}

	o.mu.Lock()
	o.channel = ch
	o.mu.Unlock()

	if err := ch.Send(domain.Envelope{
		Type:   domain.TypeJoin,
		RoomID: room,
		UserID: o.localID,
	}); err != nil {
		ch.Close()
		o.media.Close()
		return fmt.Errorf("failed to send join: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.loopWG.Add(1)
	go o.loop(loopCtx, ch)

	o.logger.Infow("call started", "room_id", room, "local_user", o.localID)
	return nil
}

// Close ends the local session: the relay connection drops (the relay
// broadcasts user-left for us) and every peer session is closed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	ch := o.channel
	cancel := o.cancel
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		ch.Close()
	}
	o.loopWG.Wait()
}

// loop serializes every relay message. Sessions run their negotiation
// awaits on their own goroutines, so dispatch here never blocks on one
// peer's latency.
func (o *Orchestrator) loop(ctx context.Context, ch ports.SignalChannel) {
	defer o.loopWG.Done()
	defer o.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch.Receive():
			if !ok {
				o.logger.Infow("signaling channel closed")
				return
			}
			o.handleEnvelope(ctx, env)
		}
	}
}

func (o *Orchestrator) handleEnvelope(ctx context.Context, env domain.Envelope) {
	switch env.Type {
	case domain.TypeExistingUsers:
		// The newcomer offers to everyone already present. Residents take
		// the exact inverse rule on user-joined, so no pair ever
		// double-offers.
		for _, remote := range env.Users {
			o.ensureSession(ctx, remote, true)
		}

	case domain.TypeUserJoined:
		o.ensureSession(ctx, env.UserID, false)

	case domain.TypeUserLeft:
		o.removeSession(env.UserID)

	case domain.TypeSignal:
		o.handleSignal(ctx, env)

	default:
		o.logger.Debugw("dropping envelope of unknown type", "type", env.Type)
	}
}

func (o *Orchestrator) handleSignal(ctx context.Context, env domain.Envelope) {
	from := env.From
	if from == "" || from == o.localID {
		return
	}

	switch {
	case env.Offer != nil:
		// An incoming offer may be the first time we hear of this peer.
		if s := o.ensureSession(ctx, from, false); s != nil {
			s.deliverOffer(*env.Offer)
		}

	case env.Answer != nil:
		if s := o.session(from); s != nil {
			s.deliverAnswer(*env.Answer)
		} else {
			o.logger.Debugw("dropping answer from unknown peer", "from", from)
		}

	case env.Candidate != nil:
		if s := o.session(from); s != nil {
			s.deliverCandidate(*env.Candidate)
		} else {
			o.logger.Debugw("dropping candidate from unknown peer", "from", from)
		}
	}
}

// ensureSession returns the session for remote, creating it if absent.
// Check and insert happen under one lock, so concurrent discovery events
// for the same remote id can never produce two sessions.
func (o *Orchestrator) ensureSession(ctx context.Context, remote domain.UserID, initiator bool) *Session {
	if remote == "" || remote == o.localID {
		return nil
	}

	o.mu.Lock()
	if s, ok := o.sessions[remote]; ok {
		o.mu.Unlock()
		return s
	}

	pc, err := o.connector.NewPeerConnection()
	if err != nil {
		o.mu.Unlock()
		o.logger.Errorw("failed to create peer connection", "remote_user", remote, "error", err)
		return nil
	}

	var s *Session
	s, err = newSession(sessionDeps{
		localID:  o.localID,
		remoteID: remote,
		pc:       pc,
		tracks:   o.media.Tracks(),
		send:     o.sendSignal,
		onStream: o.adoptStream,
		onClosed: func(failure error) { o.sessionClosed(remote, s, failure) },
		logger:   o.logger,
	})
	if err != nil {
		o.mu.Unlock()
		o.logger.Errorw("failed to create session", "remote_user", remote, "error", err)
		return nil
	}
	o.sessions[remote] = s
	o.mu.Unlock()

	s.start(ctx, initiator)
	o.logger.Infow("peer session created", "remote_user", remote, "initiator", initiator)
	return s
}

func (o *Orchestrator) session(remote domain.UserID) *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[remote]
}

func (o *Orchestrator) removeSession(remote domain.UserID) {
	o.mu.Lock()
	s := o.sessions[remote]
	delete(o.sessions, remote)
	stream := o.streams[remote]
	delete(o.streams, remote)
	o.mu.Unlock()

	if s != nil {
		s.Close()
		o.logger.Infow("peer session removed", "remote_user", remote)
	}
	if stream != nil {
		if o.detector != nil {
			o.detector.Forget(remote)
		}
		o.notifyStreamsChanged()
	}
}

// sessionClosed reacts to a session failing on its own (negotiation
// error). The user-left path has already removed the session by the time
// its Close fires this, making it a no-op there.
func (o *Orchestrator) sessionClosed(remote domain.UserID, s *Session, failure error) {
	o.mu.Lock()
	if o.sessions[remote] != s {
		o.mu.Unlock()
		return
	}
	delete(o.sessions, remote)
	stream := o.streams[remote]
	delete(o.streams, remote)
	o.mu.Unlock()

	if failure != nil {
		o.logger.Warnw("peer session closed after failure", "remote_user", remote, "error", failure)
	}
	if stream != nil {
		if o.detector != nil {
			o.detector.Forget(remote)
		}
		o.notifyStreamsChanged()
	}
}

func (o *Orchestrator) sendSignal(env domain.Envelope) {
	o.mu.Lock()
	ch := o.channel
	o.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Send(env); err != nil {
		o.logger.Warnw("failed to send signal", "to", env.To, "error", err)
	}
}

func (o *Orchestrator) adoptStream(stream *RemoteStream) {
	o.mu.Lock()
	o.streams[stream.UserID()] = stream
	o.mu.Unlock()

	if o.detector != nil {
		o.detector.Observe(stream.UserID(), stream)
	}
	o.notifyStreamsChanged()
	o.logger.Infow("remote stream available", "remote_user", stream.UserID(), "stream_id", stream.ID())
}

func (o *Orchestrator) notifyStreamsChanged() {
	if o.onStreamsChanged != nil {
		o.onStreamsChanged()
	}
}

// RemoteStreams snapshots the observable remote streams.
func (o *Orchestrator) RemoteStreams() []*RemoteStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*RemoteStream, 0, len(o.streams))
	for _, s := range o.streams {
		out = append(out, s)
	}
	return out
}

// SessionStates snapshots negotiation states by remote user id.
func (o *Orchestrator) SessionStates() map[domain.UserID]domain.SessionState {
	o.mu.Lock()
	sessions := make(map[domain.UserID]*Session, len(o.sessions))
	for id, s := range o.sessions {
		sessions[id] = s
	}
	o.mu.Unlock()

	states := make(map[domain.UserID]domain.SessionState, len(sessions))
	for id, s := range sessions {
		states[id] = s.State()
	}
	return states
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	sessions := o.sessions
	o.sessions = make(map[domain.UserID]*Session)
	o.streams = make(map[domain.UserID]*RemoteStream)
	ch := o.channel
	o.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if ch != nil {
		ch.Close()
	}
	o.media.Close()
	o.logger.Infow("call ended", "local_user", o.localID)
}
