package agent

// State is the connection manager's externally observable state.
type State int32

const (
	// StateDisconnected means no connection exists and none is being
	// attempted (startup or final teardown).
	StateDisconnected State = iota

	// StateConnecting means the manager is trying to establish a
	// connection to a control server.
	StateConnecting

	// StateEnrolling means the manager is obtaining server trust for a
	// freshly generated key.
	StateEnrolling

	// StateConnected means a server session is established and the
	// steady-state exchange loop is running.
	StateConnected

	// StateBackingOff means the last attempt or exchange failed and the
	// manager is waiting out the backoff delay.
	StateBackingOff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateEnrolling:
		return "enrolling"
	case StateConnected:
		return "connected"
	case StateBackingOff:
		return "backing-off"
	default:
		return "unknown"
	}
}
