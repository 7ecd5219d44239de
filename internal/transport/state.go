package transport

// State is the per-transport session status.
type State int32

const (
	StateUnknown State = iota
	StateConnecting
	StateConnected
	// StateDegraded means the session is up but the last send needed a retry.
	StateDegraded
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// Usable reports whether the transport may be asked to send.
func (s State) Usable() bool {
	return s == StateConnected || s == StateDegraded
}
