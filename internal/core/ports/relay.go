package ports

import "meshcall/internal/core/domain"

// RelayClient is one transport session as the room registry sees it. The
// registry never writes to the socket directly; Enqueue hands the message
// to the connection's write pump and reports false when the outbound
// buffer is full (the message is then dropped, best-effort).
type RelayClient interface {
	ID() string
	Enqueue(msg []byte) bool
}

// RoomRegistry owns room membership and message routing for the relay
// process. It is WebRTC-agnostic: signal payloads pass through as raw
// bytes.
type RoomRegistry interface {
	// Join binds the client to (room, user). The returned snapshot lists
	// the user ids already in the room, computed before the new member is
	// added, so a member never sees itself. Everyone already present is
	// notified with a user-joined message.
	Join(c RelayClient, room domain.RoomID, user domain.UserID) ([]domain.UserID, error)

	// Forward delivers raw to the member of the sender's room whose user
	// id equals to. Routing misses are silent.
	Forward(c RelayClient, to domain.UserID, raw []byte) error

	// Leave removes the client from its room and notifies the remaining
	// members with user-left. A client that never joined is a no-op.
	Leave(c RelayClient)

	// Stats reports member counts for rooms that currently have members.
	Stats() map[domain.RoomID]int
}
