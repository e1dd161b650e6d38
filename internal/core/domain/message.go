package domain

// MessageType discriminates signaling envelopes on the wire.
type MessageType string

const (
	TypeJoin          MessageType = "join"
	TypeExistingUsers MessageType = "existing-users"
	TypeUserJoined    MessageType = "user-joined"
	TypeUserLeft      MessageType = "user-left"
	TypeSignal        MessageType = "signal"
)

// Envelope is the single JSON message shape exchanged over the signaling
// channel. Fields are populated per type; the relay only ever inspects
// Type, RoomID, UserID and To, and forwards signal envelopes verbatim.
type Envelope struct {
	Type   MessageType `json:"type"`
	RoomID RoomID      `json:"roomId,omitempty"`
	UserID UserID      `json:"userId,omitempty"`
	Users  []UserID    `json:"users,omitempty"`

	From UserID `json:"from,omitempty"`
	To   UserID `json:"to,omitempty"`

	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
}

// SessionDescription is one half of the offer/answer exchange, in the
// JSON shape browsers produce for RTCSessionDescription.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one discovered network path, in the JSON shape of an
// RTCIceCandidateInit.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineNumber   *uint16 `json:"sdpMLineNumber,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
