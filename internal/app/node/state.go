package node

// State represents the connection lifecycle state. It is owned exclusively
// by the Connection; its transitions are the only source of truth for
// IsConnected.
type State int32

const (
	StateDisconnected State = iota // No channel open
	StateConnecting                // Channel dial in progress
	StateConnected                 // Channel open and serving traffic
	StateResuming                  // Dropped while resume-eligible, handshake pending on reopen
	StateClosed                    // Disposed, terminal
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateResuming:
		return "resuming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
