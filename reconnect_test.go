package mqttv5

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultReconnectPolicy(t *testing.T) {
	p := DefaultReconnectPolicy()
	assert.Zero(t, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialBackoff)
	assert.Equal(t, 60*time.Second, p.MaxBackoff)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 0.2, p.Jitter)
	assert.True(t, p.Resubscribe)
}

func TestReconnectPolicyNext(t *testing.T) {
	tests := []struct {
		name   string
		policy ReconnectPolicy
		prev   time.Duration
		want   time.Duration
	}{
		{"doubles", ReconnectPolicy{Multiplier: 2}, time.Second, 2 * time.Second},
		{"multiplier below one means two", ReconnectPolicy{Multiplier: 0.5}, time.Second, 2 * time.Second},
		{"custom multiplier", ReconnectPolicy{Multiplier: 1.5}, 2 * time.Second, 3 * time.Second},
		{"capped", ReconnectPolicy{Multiplier: 2, MaxBackoff: 3 * time.Second}, 2 * time.Second, 3 * time.Second},
		{"no cap", ReconnectPolicy{Multiplier: 2}, time.Hour, 2 * time.Hour},
		{
			"strategy",
			ReconnectPolicy{Strategy: func(int, time.Duration, error) time.Duration { return 5 * time.Second }},
			time.Second,
			5 * time.Second,
		},
		{
			"strategy capped",
			ReconnectPolicy{MaxBackoff: time.Second, Strategy: func(int, time.Duration, error) time.Duration { return time.Minute }},
			time.Second,
			time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.next(2, tt.prev, nil))
		})
	}
}

func TestReconnectPolicyStrategyArguments(t *testing.T) {
	cause := errors.New("refused")
	var gotAttempt int
	var gotPrev time.Duration
	var gotErr error
	p := ReconnectPolicy{Strategy: func(attempt int, prev time.Duration, err error) time.Duration {
		gotAttempt, gotPrev, gotErr = attempt, prev, err
		return prev
	}}

	p.next(4, 3*time.Second, cause)
	assert.Equal(t, 4, gotAttempt)
	assert.Equal(t, 3*time.Second, gotPrev)
	assert.Same(t, cause, gotErr)
}

func TestReconnectPolicyJitter(t *testing.T) {
	d := time.Second

	assert.Equal(t, d, ReconnectPolicy{}.jittered(d))
	assert.Zero(t, ReconnectPolicy{Jitter: 0.5}.jittered(0))

	half := ReconnectPolicy{Jitter: 0.5}
	full := ReconnectPolicy{Jitter: 3}
	for range 200 {
		got := half.jittered(d)
		assert.GreaterOrEqual(t, got, d/2)
		assert.LessOrEqual(t, got, d+d/2)

		got = full.jittered(d)
		assert.GreaterOrEqual(t, got, time.Duration(0))
		assert.LessOrEqual(t, got, 2*d)
	}
}

func fastPolicy(attempts int) ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestReconnectRetriesRejectedHandshake(t *testing.T) {
	var attempts atomic.Int32
	rb := newRoutingBroker()
	rb.connack = func(*ConnectPacket) *ConnackPacket {
		if attempts.Add(1) < 3 {
			return &ConnackPacket{ReasonCode: ReasonServerUnavailable}
		}
		return &ConnackPacket{}
	}
	b := newTestBroker(t, rb.serve)

	c := NewClient(nil)
	defer c.Close()

	require.NoError(t, Reconnect(context.Background(), c, b.endpoint(), fastPolicy(5)))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, int32(3), attempts.Load())
}

func TestReconnectExhausted(t *testing.T) {
	rb := newRoutingBroker()
	rb.connack = func(*ConnectPacket) *ConnackPacket {
		return &ConnackPacket{ReasonCode: ReasonNotAuthorized}
	}
	b := newTestBroker(t, rb.serve)

	c := NewClient(nil)
	defer c.Close()

	err := Reconnect(context.Background(), c, b.endpoint(), fastPolicy(2))
	assert.ErrorIs(t, err, ErrReconnectFailed)
	var cerr *ConnectError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonNotAuthorized, cerr.ReasonCode)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestReconnectContextCanceled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := NewClient(nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = Reconnect(ctx, c, "tcp://"+addr, fastPolicy(0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReconnectStopsOnClosedClient(t *testing.T) {
	c := NewClient(nil)
	require.NoError(t, c.Close())

	err := Reconnect(context.Background(), c, "tcp://127.0.0.1:1", fastPolicy(5))
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestReconnectResubscribes(t *testing.T) {
	rb := newRoutingBroker()
	b := newTestBroker(t, rb.serve)

	msgs := make(chan *Message, 1)
	c := connectClient(t, b, nil)
	tok, err := c.Subscribe("alerts/#", QoS1, WithSubscriptionID(7), WithHandler(collect(msgs)))
	require.NoError(t, err)
	require.NoError(t, tok.WaitTimeout(eventTimeout))
	receive(t, rb.subscribes)

	rb.kick()
	ev := waitEvent(t, c, EventDisconnected)
	assert.True(t, ev.Lost)
	assert.Len(t, c.Subscriptions(), 1, "subscriptions are remembered across connection loss")

	require.NoError(t, Reconnect(context.Background(), c, b.endpoint(), fastPolicy(3)))

	again := receive(t, rb.subscribes)
	assert.Equal(t, uint32(7), again.SubscriptionID)
	assert.Equal(t, "alerts/#", again.Subscriptions[0].TopicFilter)
	waitEvent(t, c, EventSubscribed)

	_, err = c.Publish("alerts/fire", []byte("!"))
	require.NoError(t, err)
	msg := receive(t, msgs)
	assert.Equal(t, []uint32{7}, msg.SubscriptionIdentifiers, "the handler survives the reconnect")
}
