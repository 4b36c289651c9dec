package call

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Terminal reports whether the attempt is over.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateEnded
}

// Live reports whether the attempt holds resources or may still connect.
func (s State) Live() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}
