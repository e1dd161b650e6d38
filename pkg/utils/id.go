package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateUserID generates the opaque local identity a client carries for
// the lifetime of its session.
func GenerateUserID() string {
	return uuid.NewString()
}

// GenerateConnectionID generates an id for a relay-side transport session.
func GenerateConnectionID() string {
	return "conn_" + uuid.NewString()
}

// GenerateStreamID generates an id for a locally materialized media stream.
func GenerateStreamID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "stream_" + hex.EncodeToString(b)
}
