package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type orchFixture struct {
	ch    *fakeChannel
	conn  *fakeConnector
	media *fakeMedia
	orch  *Orchestrator
}

func newOrchFixture() *orchFixture {
	f := &orchFixture{
		ch:    newFakeChannel(),
		conn:  &fakeConnector{},
		media: &fakeMedia{},
	}
	f.orch = NewOrchestrator(f.ch.dialer(), f.conn, f.media, zap.NewNop())
	return f
}

func (f *orchFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.orch.Start(ctx, "room-1"))
	t.Cleanup(f.orch.Close)

	env := f.waitSent(t)
	require.Equal(t, domain.TypeJoin, env.Type)
}

func (f *orchFixture) waitSent(t *testing.T) domain.Envelope {
	t.Helper()
	select {
	case env := <-f.ch.sent:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outgoing envelope")
		return domain.Envelope{}
	}
}

func (f *orchFixture) requireSessionState(t *testing.T, remote domain.UserID, want domain.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.orch.SessionStates()[remote] == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartSendsJoin(t *testing.T) {
	f := newOrchFixture()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.orch.Start(ctx, "room-1"))
	t.Cleanup(f.orch.Close)

	env := f.waitSent(t)
	assert.Equal(t, domain.TypeJoin, env.Type)
	assert.Equal(t, domain.RoomID("room-1"), env.RoomID)
	assert.Equal(t, f.orch.LocalID(), env.UserID)
}

func TestStartRefusedTwice(t *testing.T) {
	f := newOrchFixture()
	f.start(t)
	assert.Error(t, f.orch.Start(context.Background(), "room-2"))
}

func TestMediaFailureAbortsStart(t *testing.T) {
	f := newOrchFixture()
	f.media.acquireErr = errors.New("no capture device")

	err := f.orch.Start(context.Background(), "room-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaFailed)

	select {
	case env := <-f.ch.sent:
		t.Fatalf("unexpected envelope %v after failed start", env.Type)
	default:
	}
}

func TestExistingUsersTriggerOffers(t *testing.T) {
	f := newOrchFixture()
	f.start(t)

	f.ch.push(domain.Envelope{
		Type:  domain.TypeExistingUsers,
		Users: []domain.UserID{"resident-1", "resident-2"},
	})

	offered := map[domain.UserID]bool{}
	for len(offered) < 2 {
		env := f.waitSent(t)
		require.Equal(t, domain.TypeSignal, env.Type)
		require.NotNil(t, env.Offer)
		assert.Equal(t, f.orch.LocalID(), env.From)
		offered[env.To] = true
	}
	assert.True(t, offered["resident-1"])
	assert.True(t, offered["resident-2"])

	f.requireSessionState(t, "resident-1", domain.StateHaveLocalOffer)
	f.requireSessionState(t, "resident-2", domain.StateHaveLocalOffer)
	assert.Len(t, f.conn.created(), 2)
}

func TestUserJoinedWaitsForTheirOffer(t *testing.T) {
	f := newOrchFixture()
	f.start(t)

	f.ch.push(domain.Envelope{Type: domain.TypeUserJoined, UserID: "newcomer"})

	f.requireSessionState(t, "newcomer", domain.StateNew)
	select {
	case env := <-f.ch.sent:
		t.Fatalf("resident must not offer, sent %v", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDuplicateDiscoveryKeepsOneSession(t *testing.T) {
	f := newOrchFixture()
	f.start(t)

	f.ch.push(domain.Envelope{Type: domain.TypeUserJoined, UserID: "peer"})
	f.ch.push(domain.Envelope{Type: domain.TypeUserJoined, UserID: "peer"})
	f.ch.push(domain.Envelope{Type: domain.TypeExistingUsers, Users: []domain.UserID{"peer"}})

	f.requireSessionState(t, "peer", domain.StateNew)
	require.Eventually(t, func() bool {
		return len(f.conn.created()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Rediscovery via existing-users must not restart negotiation.
	select {
	case env := <-f.ch.sent:
		t.Fatalf("unexpected envelope %v", env.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInboundOfferCreatesSessionAndAnswer(t *testing.T) {
	f := newOrchFixture()
	f.start(t)

	f.ch.push(domain.Envelope{
		Type:  domain.TypeSignal,
		From:  "caller",
		To:    f.orch.LocalID(),
		Offer: &domain.SessionDescription{Type: "offer", SDP: "v=0 caller"},
	})

	env := f.waitSent(t)
	require.NotNil(t, env.Answer)
	assert.Equal(t, domain.UserID("caller"), env.To)
	f.requireSessionState(t, "caller", domain.StateConnected)
}

func TestAnswerFromUnknownPeerDropped(t *testing.T) {
	f := newOrchFixture()
	f.start(t)

	f.ch.push(domain.Envelope{
		Type:   domain.TypeSignal,
		From:   "ghost",
		Answer: &domain.SessionDescription{Type: "answer", SDP: "v=0"},
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.orch.SessionStates())
	assert.Empty(t, f.conn.created())
}

func TestSignalFromSelfIgnored(t *testing.T) {
	f := newOrchFixture()
	f.start(t)

	f.ch.push(domain.Envelope{
		Type:  domain.TypeSignal,
		From:  f.orch.LocalID(),
		Offer: &domain.SessionDescription{Type: "offer", SDP: "v=0"},
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.orch.SessionStates())
}

func TestCandidateRoutedToItsSession(t *testing.T) {
	f := newOrchFixture()
	f.start(t)

	f.ch.push(domain.Envelope{
		Type:  domain.TypeSignal,
		From:  "caller",
		Offer: &domain.SessionDescription{Type: "offer", SDP: "v=0 caller"},
	})
	f.waitSent(t) // answer
	f.requireSessionState(t, "caller", domain.StateConnected)

	f.ch.push(domain.Envelope{
		Type:      domain.TypeSignal,
		From:      "caller",
		Candidate: &domain.ICECandidate{Candidate: "candidate:1"},
	})

	require.Eventually(t, func() bool {
		pcs := f.conn.created()
		return len(pcs) == 1 && len(pcs[0].appliedCandidates()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUserLeftTearsDownSessionAndStream(t *testing.T) {
	f := newOrchFixture()
	changes := make(chan struct{}, 16)
	f.orch.SetStreamsChanged(func() { changes <- struct{}{} })
	f.start(t)

	f.ch.push(domain.Envelope{
		Type:  domain.TypeSignal,
		From:  "caller",
		Offer: &domain.SessionDescription{Type: "offer", SDP: "v=0 caller"},
	})
	f.waitSent(t)
	f.requireSessionState(t, "caller", domain.StateConnected)

	pc := f.conn.created()[0]
	pc.emitTrack(&fakeRemoteTrack{id: "t-audio", kind: ports.KindAudio})
	require.Eventually(t, func() bool {
		return len(f.orch.RemoteStreams()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	<-changes

	f.ch.push(domain.Envelope{Type: domain.TypeUserLeft, UserID: "caller"})

	require.Eventually(t, func() bool {
		return len(f.orch.SessionStates()) == 0 && len(f.orch.RemoteStreams()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, pc.isClosed())

	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("streams-changed never fired for removal")
	}
}

func TestSessionFailureDoesNotAffectOthers(t *testing.T) {
	f := newOrchFixture()
	f.start(t)

	f.ch.push(domain.Envelope{Type: domain.TypeExistingUsers, Users: []domain.UserID{"stable", "flaky"}})
	f.waitSent(t)
	f.waitSent(t) // both offers out
	require.Eventually(t, func() bool {
		return len(f.conn.created()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Sessions are created in announcement order, so the second pc belongs
	// to "flaky". Fail its answer; the session must close alone.
	flakyPC := f.conn.created()[1]
	flakyPC.failOn("setRemote", errors.New("sdp rejected"))

	f.ch.push(domain.Envelope{
		Type:   domain.TypeSignal,
		From:   "flaky",
		Answer: &domain.SessionDescription{Type: "answer", SDP: "v=0"},
	})
	f.ch.push(domain.Envelope{
		Type:   domain.TypeSignal,
		From:   "stable",
		Answer: &domain.SessionDescription{Type: "answer", SDP: "v=0"},
	})

	require.Eventually(t, func() bool {
		return len(f.orch.SessionStates()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, flakyPC.isClosed())
	assert.Equal(t, domain.StateConnected, f.orch.SessionStates()["stable"])
}

func TestCloseShutsEverythingDown(t *testing.T) {
	f := newOrchFixture()
	f.start(t)

	f.ch.push(domain.Envelope{Type: domain.TypeUserJoined, UserID: "peer"})
	f.requireSessionState(t, "peer", domain.StateNew)
	require.Eventually(t, func() bool {
		return len(f.conn.created()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	pc := f.conn.created()[0]

	f.orch.Close()

	assert.True(t, pc.isClosed())
	f.media.mu.Lock()
	assert.True(t, f.media.closed)
	f.media.mu.Unlock()
}

// memRelay is an in-process stand-in for the signaling relay, routing
// envelopes between orchestrators by user id.
type memRelay struct {
	mu      sync.Mutex
	members map[domain.UserID]*memChannel
	offers  []domain.Envelope
}

func newMemRelay() *memRelay {
	return &memRelay{members: make(map[domain.UserID]*memChannel)}
}

func (r *memRelay) dialer() ports.ChannelDialer {
	return func(ctx context.Context) (ports.SignalChannel, error) {
		return &memChannel{relay: r, out: make(chan domain.Envelope, 64)}, nil
	}
}

func (r *memRelay) sentOffers() []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Envelope, len(r.offers))
	copy(out, r.offers)
	return out
}

type memChannel struct {
	relay  *memRelay
	out    chan domain.Envelope
	user   domain.UserID
	closed bool
	once   sync.Once
}

// Send routes under the relay mutex; out channels are buffered far beyond
// what a test exchanges, so delivery under the lock cannot stall.
func (c *memChannel) Send(env domain.Envelope) error {
	r := c.relay
	r.mu.Lock()
	defer r.mu.Unlock()

	switch env.Type {
	case domain.TypeJoin:
		users := make([]domain.UserID, 0, len(r.members))
		for id := range r.members {
			users = append(users, id)
		}
		c.user = env.UserID
		r.members[env.UserID] = c
		for id, m := range r.members {
			if id != env.UserID {
				m.out <- domain.Envelope{Type: domain.TypeUserJoined, UserID: env.UserID}
			}
		}
		c.out <- domain.Envelope{Type: domain.TypeExistingUsers, Users: users}

	case domain.TypeSignal:
		if env.Offer != nil {
			r.offers = append(r.offers, env)
		}
		if target := r.members[env.To]; target != nil && !target.closed {
			target.out <- env
		}
	}
	return nil
}

func (c *memChannel) Receive() <-chan domain.Envelope { return c.out }

func (c *memChannel) Close() error {
	c.once.Do(func() {
		r := c.relay
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.members, c.user)
		c.closed = true
		for _, m := range r.members {
			m.out <- domain.Envelope{Type: domain.TypeUserLeft, UserID: c.user}
		}
		close(c.out)
	})
	return nil
}

func startMeshPeer(t *testing.T, relay *memRelay) (*Orchestrator, *fakeConnector) {
	t.Helper()
	conn := &fakeConnector{}
	orch := NewOrchestrator(relay.dialer(), conn, &fakeMedia{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, orch.Start(ctx, "room-1"))
	t.Cleanup(orch.Close)
	return orch, conn
}

func connectedTo(o *Orchestrator, remote domain.UserID) func() bool {
	return func() bool {
		return o.SessionStates()[remote] == domain.StateConnected
	}
}

func TestTwoPeersNegotiateToConnected(t *testing.T) {
	relay := newMemRelay()

	first, _ := startMeshPeer(t, relay)
	second, _ := startMeshPeer(t, relay)

	require.Eventually(t, connectedTo(first, second.LocalID()), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, connectedTo(second, first.LocalID()), 3*time.Second, 10*time.Millisecond)

	// Only the newcomer offered; the resident answered.
	offers := relay.sentOffers()
	require.Len(t, offers, 1)
	assert.Equal(t, second.LocalID(), offers[0].From)
	assert.Equal(t, first.LocalID(), offers[0].To)
}

func TestThreeWayMeshAvoidsGlare(t *testing.T) {
	relay := newMemRelay()

	peers := make([]*Orchestrator, 0, 3)
	joinOrder := map[domain.UserID]int{}
	for i := 0; i < 3; i++ {
		o, _ := startMeshPeer(t, relay)
		peers = append(peers, o)
		joinOrder[o.LocalID()] = i
		// Let each member settle before the next joins, as users would.
		time.Sleep(50 * time.Millisecond)
	}

	for _, a := range peers {
		for _, b := range peers {
			if a.LocalID() == b.LocalID() {
				continue
			}
			require.Eventually(t, connectedTo(a, b.LocalID()), 3*time.Second, 10*time.Millisecond,
				"%s never connected to %s", a.LocalID(), b.LocalID())
		}
	}

	// Every offer flows newcomer -> resident, one per pair.
	offers := relay.sentOffers()
	require.Len(t, offers, 3)
	seen := map[[2]domain.UserID]bool{}
	for _, env := range offers {
		assert.Greater(t, joinOrder[env.From], joinOrder[env.To])
		pair := [2]domain.UserID{env.From, env.To}
		assert.False(t, seen[pair], "duplicate offer for pair %v", pair)
		seen[pair] = true
	}
}

func TestCandidateRelayAcrossMesh(t *testing.T) {
	relay := newMemRelay()

	first, firstConn := startMeshPeer(t, relay)
	second, secondConn := startMeshPeer(t, relay)

	require.Eventually(t, connectedTo(first, second.LocalID()), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, connectedTo(second, first.LocalID()), 3*time.Second, 10*time.Millisecond)

	firstConn.created()[0].emitCandidate(domain.ICECandidate{Candidate: "candidate:relayed"})

	require.Eventually(t, func() bool {
		pcs := secondConn.created()
		if len(pcs) != 1 {
			return false
		}
		applied := pcs[0].appliedCandidates()
		return len(applied) == 1 && applied[0].Candidate == "candidate:relayed"
	}, 3*time.Second, 10*time.Millisecond)
}
