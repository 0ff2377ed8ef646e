package mqttv5

// EventKind classifies events posted to the Waiter.
type EventKind int

// Event kinds.
const (
	EventConnected EventKind = iota
	EventConnectFailed
	EventSubscribed
	EventUnsubscribed
	EventPublished
	EventMessage
	EventDisconnected
	EventError

	eventKindCount
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect-failed"
	case EventSubscribed:
		return "subscribed"
	case EventUnsubscribed:
		return "unsubscribed"
	case EventPublished:
		return "published"
	case EventMessage:
		return "message"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

func (k EventKind) valid() bool {
	return k >= 0 && k < eventKindCount
}

// Event describes an asynchronous outcome. Which fields are set depends on
// Kind:
//
//   - Connected: SessionPresent, ServerProps
//   - ConnectFailed: ReasonCode, Err (*ConnectError)
//   - Subscribed, Unsubscribed: PacketID, ReasonCodes, Filters, Err on refusal
//   - Published: PacketID (0 for QoS 0), Topic, ReasonCode, Err on rejection
//   - Message: Message
//   - Disconnected: ReasonCode, Remote, Err (nil after a graceful disconnect)
//   - Error: Err, typically a *ProtocolViolationError
//
// Cancelled events are synthesized by the Waiter to release waiters; their
// Err is ErrWaitCanceled or ErrWaiterClosed.
type Event struct {
	Kind EventKind

	PacketID    uint16
	ReasonCode  ReasonCode
	ReasonCodes []ReasonCode
	Topic       string
	Filters     []string

	SessionPresent bool
	ServerProps    *Properties

	Message *Message

	// Remote is set when the server sent DISCONNECT.
	Remote bool

	// Lost is set when the link failed without any DISCONNECT exchange.
	Lost bool

	Cancelled bool
	Err       error
}
