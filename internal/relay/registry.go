package relay

import (
	"encoding/json"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"go.uber.org/zap"
)

type binding struct {
	room domain.RoomID
	user domain.UserID
}

// Registry is the relay's room/membership table. A room is created on the
// first join and never deleted; membership changes are the only mutation.
// One mutex guards rooms and bindings so a broadcast always sees a
// consistent member set; member sends go through buffered per-client
// queues, so no socket write ever happens under the lock.
type Registry struct {
	mu       sync.Mutex
	rooms    map[domain.RoomID]map[domain.UserID]ports.RelayClient
	bindings map[string]binding

	metrics *Collector
	logger  *zap.SugaredLogger
}

func NewRegistry(metrics *Collector, log *zap.Logger) *Registry {
	return &Registry{
		rooms:    make(map[domain.RoomID]map[domain.UserID]ports.RelayClient),
		bindings: make(map[string]binding),
		metrics:  metrics,
		logger:   log.Sugar(),
	}
}

// Join binds the client to (room, user) and returns the membership
// snapshot taken before the insert. Only the first join of a connection
// takes effect; repeats return ErrAlreadyJoined. A user id already in use
// inside the room is refused, since it would make routing by user id
// ambiguous.
func (r *Registry) Join(c ports.RelayClient, room domain.RoomID, user domain.UserID) ([]domain.UserID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, bound := r.bindings[c.ID()]; bound {
		return nil, domain.ErrAlreadyJoined
	}

	members := r.rooms[room]
	if members == nil {
		members = make(map[domain.UserID]ports.RelayClient)
		r.rooms[room] = members
	}
	if _, taken := members[user]; taken {
		return nil, domain.ErrUserIDTaken
	}

	// Snapshot before insert, so the joiner never appears in its own list.
	snapshot := make([]domain.UserID, 0, len(members))
	for id := range members {
		snapshot = append(snapshot, id)
	}

	members[user] = c
	r.bindings[c.ID()] = binding{room: room, user: user}

	r.broadcastLocked(members, user, domain.Envelope{
		Type:   domain.TypeUserJoined,
		UserID: user,
	})

	r.metrics.RecordJoin()
	r.metrics.SetRoomCount(r.occupiedRoomsLocked())
	r.logger.Infow("user joined room", "room_id", room, "user_id", user, "members", len(members))

	return snapshot, nil
}

// Forward routes raw bytes to the member of the sender's room identified
// by to. Both an unjoined sender and a missing target are silent drops:
// signaling is fire-and-forget.
func (r *Registry) Forward(c ports.RelayClient, to domain.UserID, raw []byte) error {
	r.mu.Lock()
	b, bound := r.bindings[c.ID()]
	if !bound {
		r.mu.Unlock()
		r.metrics.RecordDrop("sender_not_joined")
		return domain.ErrNotJoined
	}
	target, ok := r.rooms[b.room][to]
	r.mu.Unlock()

	if !ok {
		r.metrics.RecordDrop("no_such_member")
		r.logger.Debugw("dropping signal for absent member", "room_id", b.room, "to", to)
		return domain.ErrNoSuchMember
	}

	if !target.Enqueue(raw) {
		r.metrics.RecordDrop("send_buffer_full")
		return nil
	}
	r.metrics.RecordForward()
	return nil
}

// Leave removes the client's binding and notifies the remaining members.
// A connection that never completed a join is a silent no-op.
func (r *Registry) Leave(c ports.RelayClient) {
	r.mu.Lock()
	b, bound := r.bindings[c.ID()]
	if !bound {
		r.mu.Unlock()
		return
	}
	delete(r.bindings, c.ID())

	members := r.rooms[b.room]
	delete(members, b.user)

	r.broadcastLocked(members, b.user, domain.Envelope{
		Type:   domain.TypeUserLeft,
		UserID: b.user,
	})
	r.metrics.SetRoomCount(r.occupiedRoomsLocked())
	r.mu.Unlock()

	r.logger.Infow("user left room", "room_id", b.room, "user_id", b.user)
}

// Stats reports member counts for rooms that currently have members.
func (r *Registry) Stats() map[domain.RoomID]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[domain.RoomID]int)
	for id, members := range r.rooms {
		if len(members) > 0 {
			stats[id] = len(members)
		}
	}
	return stats
}

// broadcastLocked enqueues env to every member except exclude. Callers
// hold r.mu, so the member set cannot change mid-broadcast.
func (r *Registry) broadcastLocked(members map[domain.UserID]ports.RelayClient, exclude domain.UserID, env domain.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		r.logger.Errorw("failed to marshal broadcast", "type", env.Type, "error", err)
		return
	}
	for id, member := range members {
		if id == exclude {
			continue
		}
		if !member.Enqueue(raw) {
			r.metrics.RecordDrop("send_buffer_full")
			continue
		}
		r.metrics.RecordBroadcast()
	}
}

func (r *Registry) occupiedRoomsLocked() int {
	n := 0
	for _, members := range r.rooms {
		if len(members) > 0 {
			n++
		}
	}
	return n
}
