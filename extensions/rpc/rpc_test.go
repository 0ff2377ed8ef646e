package rpc

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tigercl/mqttv5"
)

// loopBroker routes QoS 0 and 1 publishes to matching subscriptions,
// attaching their subscription identifiers.
type loopBroker struct {
	ln net.Listener
	wg sync.WaitGroup

	mu    sync.Mutex
	subs  []loopSub
	conns []net.Conn
}

type loopSub struct {
	conn   *loopConn
	filter string
	id     uint32
}

type loopConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (lc *loopConn) send(pkt mqttv5.Packet) {
	lc.wmu.Lock()
	defer lc.wmu.Unlock()
	_ = mqttv5.WritePacket(lc.conn, pkt)
}

func setupTestBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &loopBroker{ln: ln}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.mu.Lock()
			b.conns = append(b.conns, conn)
			b.mu.Unlock()
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer conn.Close()
				b.serve(&loopConn{conn: conn})
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		b.mu.Lock()
		for _, c := range b.conns {
			_ = c.Close()
		}
		b.mu.Unlock()
		b.wg.Wait()
	})
	return "tcp://" + ln.Addr().String()
}

func (b *loopBroker) serve(lc *loopConn) {
	r := bufio.NewReader(lc.conn)
	for {
		pkt, err := mqttv5.ReadPacket(r, 0)
		if err != nil {
			return
		}
		switch p := pkt.(type) {
		case *mqttv5.ConnectPacket:
			lc.send(&mqttv5.ConnackPacket{})
		case *mqttv5.SubscribePacket:
			codes := make([]mqttv5.ReasonCode, len(p.Subscriptions))
			b.mu.Lock()
			for i, s := range p.Subscriptions {
				codes[i] = mqttv5.ReasonCode(min(s.QoS, mqttv5.QoS1))
				b.subs = append(b.subs, loopSub{conn: lc, filter: s.TopicFilter, id: p.SubscriptionID})
			}
			b.mu.Unlock()
			lc.send(&mqttv5.SubackPacket{PacketID: p.PacketID, ReasonCodes: codes})
		case *mqttv5.UnsubscribePacket:
			b.mu.Lock()
			kept := b.subs[:0]
			for _, s := range b.subs {
				if s.conn != lc || !contains(p.TopicFilters, s.filter) {
					kept = append(kept, s)
				}
			}
			b.subs = kept
			b.mu.Unlock()
			lc.send(&mqttv5.UnsubackPacket{PacketID: p.PacketID, ReasonCodes: make([]mqttv5.ReasonCode, len(p.TopicFilters))})
		case *mqttv5.PublishPacket:
			if p.QoS > mqttv5.QoS0 {
				ack := &mqttv5.PubackPacket{}
				ack.PacketID = p.PacketID
				lc.send(ack)
			}
			b.route(p)
		case *mqttv5.PingreqPacket:
			lc.send(&mqttv5.PingrespPacket{})
		case *mqttv5.DisconnectPacket:
			return
		}
	}
}

func (b *loopBroker) route(p *mqttv5.PublishPacket) {
	b.mu.Lock()
	var targets []loopSub
	for _, s := range b.subs {
		if mqttv5.TopicMatch(s.filter, p.Topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		out := &mqttv5.PublishPacket{Topic: p.Topic, Payload: p.Payload, Props: p.Props.Clone()}
		out.Props.Add(mqttv5.PropSubscriptionIdentifier, s.id)
		s.conn.send(out)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dial(t *testing.T, endpoint, id string) *mqttv5.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := mqttv5.DialContext(ctx, endpoint, nil, mqttv5.WithClientID(id))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewHandler(t *testing.T) {
	t.Run("nil client returns error", func(t *testing.T) {
		h, err := NewHandler(nil, nil)
		assert.Nil(t, h)
		assert.Error(t, err)
	})

	t.Run("default options", func(t *testing.T) {
		client := dial(t, setupTestBroker(t), "test-client")

		h, err := NewHandler(client, nil)
		require.NoError(t, err)
		defer h.Close()

		assert.Equal(t, "rpc/response/test-client", h.ResponseTopic())
		subs := client.Subscriptions()
		require.Len(t, subs, 1)
		assert.Equal(t, DefaultSubscriptionID, subs[0].SubscriptionID)
	})

	t.Run("custom options", func(t *testing.T) {
		client := dial(t, setupTestBroker(t), "test-client")

		h, err := NewHandler(client, &Options{ResponseTopic: "custom/response", SubscriptionID: 9, QoS: 1})
		require.NoError(t, err)
		defer h.Close()

		assert.Equal(t, "custom/response", h.ResponseTopic())
		_, ok := client.Router().Handler(9)
		assert.True(t, ok)
	})

	t.Run("disconnected client", func(t *testing.T) {
		_, err := NewHandler(mqttv5.NewClient(nil, mqttv5.WithClientID("idle")), nil)
		assert.ErrorIs(t, err, mqttv5.ErrInvalidState)
	})
}

func TestRequestResponse(t *testing.T) {
	endpoint := setupTestBroker(t)
	requester := dial(t, endpoint, "requester")
	responder := dial(t, endpoint, "responder")

	tok, err := Serve(responder, "service/echo", 1, mqttv5.QoS1, func(req *mqttv5.Message) (*Response, error) {
		return &Response{
			Payload:     append([]byte("echo: "), req.Payload...),
			ContentType: "text/plain",
			Headers:     Headers{"status": "ok"},
		}, nil
	})
	require.NoError(t, err)
	require.NoError(t, tok.WaitTimeout(2*time.Second))

	h, err := NewHandler(requester, nil)
	require.NoError(t, err)
	defer h.Close()

	for _, payload := range []string{"one", "two", "three"} {
		resp, err := h.CallWithTimeout("service/echo", &Request{Payload: []byte(payload), Headers: Headers{"trace": payload}}, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "echo: "+payload, string(resp.Payload))
		assert.Equal(t, "text/plain", resp.ContentType)
		assert.Equal(t, Headers{"status": "ok"}, resp.Headers)
		assert.NotEmpty(t, resp.CorrelationData)
	}
}

func TestCallTimeout(t *testing.T) {
	client := dial(t, setupTestBroker(t), "lonely")
	h, err := NewHandler(client, nil)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.CallWithTimeout("nobody/listens", nil, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Request(ctx, "nobody/listens", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallAfterDisconnect(t *testing.T) {
	client := dial(t, setupTestBroker(t), "leaving")
	h, err := NewHandler(client, nil)
	require.NoError(t, err)

	require.NoError(t, client.Disconnect())
	_, err = h.CallWithTimeout("service/echo", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCallInvalidTopic(t *testing.T) {
	client := dial(t, setupTestBroker(t), "typo")
	h, err := NewHandler(client, nil)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.CallWithTimeout("service/+", nil, time.Second)
	assert.ErrorIs(t, err, mqttv5.ErrInvalidTopicName)
}

func TestHandlerClose(t *testing.T) {
	client := dial(t, setupTestBroker(t), "closing")
	h, err := NewHandler(client, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.CallWithTimeout("nobody/listens", nil, 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.pending) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released")
	}

	assert.Empty(t, client.Subscriptions())
	assert.NoError(t, h.Close(), "closing twice is a no-op")

	_, err = h.CallWithTimeout("x", nil, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandleResponse(t *testing.T) {
	h := &Handler{pending: make(map[string]chan *Response)}
	ch := make(chan *Response, 1)
	h.pending["abc"] = ch

	assert.NoError(t, h.handleResponse(nil))
	assert.NoError(t, h.handleResponse(&mqttv5.Message{Payload: []byte("no correlation")}))
	assert.NoError(t, h.handleResponse(&mqttv5.Message{CorrelationData: []byte("unknown")}))
	assert.Empty(t, ch)

	msg := &mqttv5.Message{
		Payload:         []byte("ok"),
		CorrelationData: []byte("abc"),
		UserProperties:  []mqttv5.StringPair{{Key: "a", Value: "1"}},
	}
	require.NoError(t, h.handleResponse(msg))
	require.NoError(t, h.handleResponse(msg), "a second response is dropped")

	resp := <-ch
	assert.Equal(t, []byte("ok"), resp.Payload)
	assert.Equal(t, Headers{"a": "1"}, resp.Headers)
	assert.Empty(t, ch)
}

func TestHeadersPairs(t *testing.T) {
	assert.Nil(t, Headers(nil).pairs())
	assert.Equal(t, []mqttv5.StringPair{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
		{Key: "c", Value: "3"},
	}, Headers{"c": "3", "a": "1", "b": "2"}.pairs())
}

func TestServeRejectsRequestsWithoutResponseTopic(t *testing.T) {
	endpoint := setupTestBroker(t)
	responder := dial(t, endpoint, "responder")

	served := make(chan struct{}, 1)
	tok, err := Serve(responder, "service/echo", 1, mqttv5.QoS0, func(*mqttv5.Message) (*Response, error) {
		served <- struct{}{}
		return nil, nil
	})
	require.NoError(t, err)
	require.NoError(t, tok.WaitTimeout(2*time.Second))

	caller := dial(t, endpoint, "caller")
	_, err = caller.Publish("service/echo", []byte("fire and forget"))
	require.NoError(t, err)

	select {
	case <-served:
		t.Fatal("request without response topic was served")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServeHandlerError(t *testing.T) {
	endpoint := setupTestBroker(t)
	responder := dial(t, endpoint, "responder")
	requester := dial(t, endpoint, "requester")

	boom := errors.New("backend down")
	tok, err := Serve(responder, "service/fail", 2, mqttv5.QoS0, func(*mqttv5.Message) (*Response, error) {
		return nil, boom
	})
	require.NoError(t, err)
	require.NoError(t, tok.WaitTimeout(2*time.Second))

	h, err := NewHandler(requester, nil)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.CallWithTimeout("service/fail", nil, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout, "a failed request gets no response")
}
