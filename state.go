package mqttv5

// State is the session state of a Client.
type State int32

// Session states. Disconnected is both the initial and the terminal state;
// a client may connect again after reaching it.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// canTransition reports whether the state machine allows s -> next.
//
//	Disconnected  -> Connecting
//	Connecting    -> Connected | Disconnected
//	Connected     -> Disconnecting | Disconnected
//	Disconnecting -> Disconnected
func (s State) canTransition(next State) bool {
	switch s {
	case StateDisconnected:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateDisconnected
	case StateConnected:
		return next == StateDisconnecting || next == StateDisconnected
	case StateDisconnecting:
		return next == StateDisconnected
	default:
		return false
	}
}
