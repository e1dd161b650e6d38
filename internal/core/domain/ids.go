package domain

// UserID is the logical identity a client claims when joining a room.
// It is generated once per client session and carried as the "from" field
// of every signaling envelope the client sends.
type UserID string

// RoomID names a logical namespace of clients that mesh-connect with
// each other.
type RoomID string
