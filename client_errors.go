package mqttv5

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors, matched with errors.Is. The typed errors below unwrap to
// one of them.
var (
	// ErrConnectFailed is the base of every *ConnectError.
	ErrConnectFailed = errors.New("connect failed")

	// ErrConnectTimeout is the cause of a ConnectError when no CONNACK arrived in time.
	ErrConnectTimeout = errors.New("timed out waiting for CONNACK")

	// ErrConnectionLost is the base of *ConnectionLostError.
	ErrConnectionLost = errors.New("connection lost")

	// ErrConnectionClosed fails operations interrupted by a local Disconnect.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrServerDisconnect is the cause reported when the server sent DISCONNECT.
	ErrServerDisconnect = errors.New("disconnected by server")

	// ErrKeepAliveTimeout means the server did not answer PINGREQ in time.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")

	// ErrMalformedPacket is the base of *MalformedPacketError.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrProtocolViolation is the base of *ProtocolViolationError.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTimeout is the base of *TimeoutError.
	ErrTimeout = errors.New("timeout")

	// ErrPublishRejected is the base of *PublishRejectedError.
	ErrPublishRejected = errors.New("publish rejected")

	// ErrSubscribeFailed is the base of *SubscribeError.
	ErrSubscribeFailed = errors.New("subscribe failed")

	// ErrUnsubscribeFailed marks an UNSUBACK carrying an error reason code.
	ErrUnsubscribeFailed = errors.New("unsubscribe failed")

	// ErrInvalidState is the base of *StateError.
	ErrInvalidState = errors.New("invalid session state")

	// ErrClientClosed is returned once Close has been called.
	ErrClientClosed = errors.New("client closed")

	// ErrSessionLost fails resumed publishes when the server started a new session.
	ErrSessionLost = errors.New("session not present on server")

	// ErrNoPacketIDs means all 65535 packet identifiers are in use.
	ErrNoPacketIDs = errors.New("no packet identifiers available")

	// ErrPublishQueueFull means the outbound publish queue reached its bound.
	ErrPublishQueueFull = errors.New("publish queue full")

	// ErrSubscriptionIDInUse means the identifier belongs to another active filter.
	ErrSubscriptionIDInUse = errors.New("subscription identifier already in use")

	// ErrSubscriptionIDUnsupported means the server disabled subscription identifiers.
	ErrSubscriptionIDUnsupported = errors.New("server does not support subscription identifiers")

	// ErrRetainUnsupported means the server does not accept retained messages.
	ErrRetainUnsupported = errors.New("server does not support retained messages")

	// ErrWaiterClosed is returned by waits on a closed Waiter.
	ErrWaiterClosed = errors.New("waiter closed")

	// ErrWaitCanceled accompanies the cancellation event delivered to waiters
	// when the session falls back to Disconnected.
	ErrWaitCanceled = errors.New("wait canceled")
)

// ConnectError reports a failed handshake: the dial failed, the server
// rejected CONNECT, or no CONNACK arrived. It is never retried automatically.
type ConnectError struct {
	ReasonCode ReasonCode
	Cause      error
}

func (e *ConnectError) Error() string {
	if e.Cause != nil {
		return "connect failed: " + e.Cause.Error()
	}
	return "connect failed: " + e.ReasonCode.String()
}

func (e *ConnectError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrConnectFailed, e.Cause}
	}
	return []error{ErrConnectFailed}
}

// ConnectionLostError reports a transport failure during a session.
type ConnectionLostError struct {
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause == nil {
		return ErrConnectionLost.Error()
	}
	return "connection lost: " + e.Cause.Error()
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrConnectionLost, e.Cause}
	}
	return []error{ErrConnectionLost}
}

// MalformedPacketError reports bytes that could not be decoded. The stream
// cannot be trusted afterwards, so the connection is torn down.
type MalformedPacketError struct {
	PacketType PacketType
	Cause      error
}

func (e *MalformedPacketError) Error() string {
	if e.PacketType.Valid() {
		return fmt.Sprintf("malformed %s packet: %v", e.PacketType, e.Cause)
	}
	return fmt.Sprintf("malformed packet: %v", e.Cause)
}

func (e *MalformedPacketError) Unwrap() []error {
	return []error{ErrMalformedPacket, e.Cause}
}

// ProtocolViolationError reports a well-formed packet that does not fit the
// session, such as an acknowledgment for an unknown packet identifier.
type ProtocolViolationError struct {
	PacketType PacketType
	PacketID   uint16
	Reason     string
}

func (e *ProtocolViolationError) Error() string {
	if e.PacketID != 0 {
		return fmt.Sprintf("protocol violation: %s packet id %d: %s", e.PacketType, e.PacketID, e.Reason)
	}
	return fmt.Sprintf("protocol violation: %s: %s", e.PacketType, e.Reason)
}

func (e *ProtocolViolationError) Unwrap() error { return ErrProtocolViolation }

// TimeoutError is returned by WaitFor when no event arrived in time.
type TimeoutError struct {
	Kind    EventKind
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.Kind)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// PublishRejectedError reports a PUBACK or PUBREC with an error reason code.
type PublishRejectedError struct {
	Topic      string
	PacketID   uint16
	ReasonCode ReasonCode
}

func (e *PublishRejectedError) Error() string {
	return fmt.Sprintf("publish to %q (packet id %d) rejected: %s", e.Topic, e.PacketID, e.ReasonCode)
}

func (e *PublishRejectedError) Unwrap() error { return ErrPublishRejected }

// SubscribeError reports a filter refused in SUBACK or UNSUBACK.
type SubscribeError struct {
	Filter      string
	ReasonCode  ReasonCode
	Unsubscribe bool
}

func (e *SubscribeError) Error() string {
	if e.Unsubscribe {
		return fmt.Sprintf("unsubscribe %q failed: %s", e.Filter, e.ReasonCode)
	}
	return fmt.Sprintf("subscribe %q failed: %s", e.Filter, e.ReasonCode)
}

func (e *SubscribeError) Unwrap() error {
	if e.Unsubscribe {
		return ErrUnsubscribeFailed
	}
	return ErrSubscribeFailed
}

// StateError is returned when an operation is not valid in the current
// session state, such as Publish after Disconnect.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
