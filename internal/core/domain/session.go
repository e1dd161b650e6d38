package domain

// SessionState is the negotiation state of one peer session.
type SessionState int

const (
	StateNew SessionState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateConnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
