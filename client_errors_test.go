package mqttv5

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrConnectFailed, ErrConnectTimeout, ErrConnectionLost, ErrConnectionClosed,
		ErrServerDisconnect, ErrKeepAliveTimeout, ErrMalformedPacket, ErrProtocolViolation,
		ErrTimeout, ErrPublishRejected, ErrSubscribeFailed, ErrUnsubscribeFailed,
		ErrInvalidState, ErrClientClosed, ErrSessionLost, ErrNoPacketIDs,
		ErrPublishQueueFull, ErrSubscriptionIDInUse, ErrSubscriptionIDUnsupported,
		ErrRetainUnsupported, ErrWaiterClosed, ErrWaitCanceled,
	}
	for i, a := range sentinels {
		for _, b := range sentinels[i+1:] {
			assert.False(t, errors.Is(a, b), "%v matches %v", a, b)
		}
	}
}

func TestConnectError(t *testing.T) {
	t.Run("rejected by server", func(t *testing.T) {
		err := error(&ConnectError{ReasonCode: ReasonNotAuthorized})
		assert.ErrorIs(t, err, ErrConnectFailed)
		assert.Equal(t, "connect failed: not authorized", err.Error())

		var ce *ConnectError
		assert.ErrorAs(t, err, &ce)
		assert.Equal(t, ReasonNotAuthorized, ce.ReasonCode)
	})

	t.Run("with cause", func(t *testing.T) {
		err := &ConnectError{ReasonCode: ReasonUnspecifiedError, Cause: ErrConnectTimeout}
		assert.ErrorIs(t, err, ErrConnectFailed)
		assert.ErrorIs(t, err, ErrConnectTimeout)
		assert.Contains(t, err.Error(), "timed out waiting for CONNACK")
	})
}

func TestConnectionLostError(t *testing.T) {
	err := &ConnectionLostError{Cause: io.EOF}
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "connection lost: EOF", err.Error())

	bare := &ConnectionLostError{}
	assert.ErrorIs(t, bare, ErrConnectionLost)
	assert.Equal(t, "connection lost", bare.Error())
}

func TestMalformedPacketError(t *testing.T) {
	err := &MalformedPacketError{PacketType: PacketSUBACK, Cause: ErrTrailingBytes}
	assert.ErrorIs(t, err, ErrMalformedPacket)
	assert.ErrorIs(t, err, ErrTrailingBytes)
	assert.Contains(t, err.Error(), "malformed SUBACK packet")

	unknown := &MalformedPacketError{Cause: ErrInvalidPacketType}
	assert.Contains(t, unknown.Error(), "malformed packet: ")
}

func TestProtocolViolationError(t *testing.T) {
	err := &ProtocolViolationError{PacketType: PacketPUBACK, PacketID: 7, Reason: "unknown packet identifier"}
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, "protocol violation: PUBACK packet id 7: unknown packet identifier", err.Error())

	noID := &ProtocolViolationError{PacketType: PacketCONNACK, Reason: "unexpected"}
	assert.Equal(t, "protocol violation: CONNACK: unexpected", noID.Error())
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Kind: EventConnected, Timeout: 2 * time.Second}
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "timed out after 2s waiting for connected", err.Error())
}

func TestPublishRejectedError(t *testing.T) {
	err := &PublishRejectedError{Topic: "a/b", PacketID: 3, ReasonCode: ReasonQuotaExceeded}
	assert.ErrorIs(t, err, ErrPublishRejected)
	assert.Contains(t, err.Error(), `"a/b"`)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestSubscribeError(t *testing.T) {
	sub := &SubscribeError{Filter: "a/#", ReasonCode: ReasonNotAuthorized}
	assert.ErrorIs(t, sub, ErrSubscribeFailed)
	assert.NotErrorIs(t, sub, ErrUnsubscribeFailed)
	assert.Equal(t, `subscribe "a/#" failed: not authorized`, sub.Error())

	unsub := &SubscribeError{Filter: "a/#", ReasonCode: ReasonNotAuthorized, Unsubscribe: true}
	assert.ErrorIs(t, unsub, ErrUnsubscribeFailed)
	assert.NotErrorIs(t, unsub, ErrSubscribeFailed)
}

func TestStateError(t *testing.T) {
	err := &StateError{Op: "publish", State: StateDisconnected}
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, "publish not allowed in state disconnected", err.Error())
}
