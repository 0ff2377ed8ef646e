// Package rpc implements MQTT v5 request/response on top of mqttv5.Client.
//
// Requests carry a Response Topic and Correlation Data. The requester
// subscribes to its response topic with a dedicated subscription
// identifier, so replies reach the waiting call through the client's
// identifier router instead of topic matching.
// See MQTT v5.0 section 4.10, Request / Response.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tigercl/mqttv5"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("rpc: request timeout")

	// ErrClosed is returned when the handler is closed during a request.
	ErrClosed = errors.New("rpc: handler closed")

	// ErrNotConnected is returned when the client has no active session.
	ErrNotConnected = errors.New("rpc: client not connected")

	// ErrNoResponseTopic is returned by Serve replies to requests that did
	// not name a response topic.
	ErrNoResponseTopic = errors.New("rpc: request has no response topic")
)

// DefaultSubscriptionID tags the response subscription unless
// Options.SubscriptionID says otherwise.
const DefaultSubscriptionID uint32 = 0xFFFF

// Headers represents RPC headers as key-value pairs.
// Headers are transmitted using MQTT v5.0 User Properties.
type Headers map[string]string

// Request represents an RPC request with optional headers.
type Request struct {
	Payload     []byte
	Headers     Headers
	ContentType string
}

// Response represents an RPC response with headers.
type Response struct {
	Payload     []byte
	Headers     Headers
	ContentType string

	// CorrelationData is the correlation ID used to match this response.
	CorrelationData []byte
}

// Client is the part of *mqttv5.Client the handler needs.
type Client interface {
	ClientID() string
	State() mqttv5.State
	Subscribe(filter string, qos byte, opts ...mqttv5.SubscribeOption) (*mqttv5.SubscribeToken, error)
	Unsubscribe(filters ...string) (*mqttv5.Token, error)
	PublishMessage(msg *mqttv5.Message) (*mqttv5.Token, error)
}

// Options configures the RPC handler.
type Options struct {
	// ResponseTopic is the topic where responses will be received.
	// If empty, defaults to "rpc/response/{clientID}".
	ResponseTopic string

	// SubscriptionID tags the response subscription. Defaults to
	// DefaultSubscriptionID.
	SubscriptionID uint32

	// QoS is the quality of service level for requests and the response
	// subscription.
	QoS byte

	// AckTimeout bounds the wait for SUBACK and UNSUBACK. Defaults to 5s.
	AckTimeout time.Duration
}

// Handler sends requests and matches their responses.
type Handler struct {
	client        Client
	responseTopic string
	subID         uint32
	qos           byte
	ackTimeout    time.Duration

	mu      sync.Mutex
	pending map[string]chan *Response
	closed  bool
}

// NewHandler subscribes to the response topic and waits for the SUBACK.
func NewHandler(client Client, opts *Options) (*Handler, error) {
	if client == nil {
		return nil, errors.New("rpc: client is required")
	}
	if opts == nil {
		opts = &Options{}
	}

	h := &Handler{
		client:        client,
		responseTopic: opts.ResponseTopic,
		subID:         opts.SubscriptionID,
		qos:           opts.QoS,
		ackTimeout:    opts.AckTimeout,
		pending:       make(map[string]chan *Response),
	}
	if h.responseTopic == "" {
		h.responseTopic = "rpc/response/" + client.ClientID()
	}
	if h.subID == 0 {
		h.subID = DefaultSubscriptionID
	}
	if h.ackTimeout <= 0 {
		h.ackTimeout = 5 * time.Second
	}

	tok, err := client.Subscribe(h.responseTopic, h.qos,
		mqttv5.WithSubscriptionID(h.subID),
		mqttv5.WithHandler(mqttv5.MessageHandlerFunc(h.handleResponse)),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc: subscribe to response topic: %w", err)
	}
	if err := tok.WaitTimeout(h.ackTimeout); err != nil {
		return nil, fmt.Errorf("rpc: subscribe to response topic: %w", err)
	}
	return h, nil
}

// ResponseTopic returns the configured response topic.
func (h *Handler) ResponseTopic() string {
	return h.responseTopic
}

// Call publishes req to topic and blocks until the matching response
// arrives, the publish fails or ctx ends.
func (h *Handler) Call(ctx context.Context, topic string, req *Request) (*Response, error) {
	if h.client.State() != mqttv5.StateConnected {
		return nil, ErrNotConnected
	}
	if req == nil {
		req = &Request{}
	}

	correlID := uuid.NewString()
	respCh := make(chan *Response, 1)
	if err := h.register(correlID, respCh); err != nil {
		return nil, err
	}
	defer h.unregister(correlID)

	msg := &mqttv5.Message{
		Topic:           topic,
		Payload:         req.Payload,
		QoS:             h.qos,
		ResponseTopic:   h.responseTopic,
		CorrelationData: []byte(correlID),
		ContentType:     req.ContentType,
		UserProperties:  req.Headers.pairs(),
	}

	tok, err := h.client.PublishMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("rpc: publish request: %w", err)
	}

	published := tok.Done()
	for {
		select {
		case resp, ok := <-respCh:
			if !ok {
				return nil, ErrClosed
			}
			return resp, nil
		case <-published:
			if err := tok.Err(); err != nil {
				return nil, fmt.Errorf("rpc: publish request: %w", err)
			}
			published = nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// CallWithTimeout is Call bounded by timeout.
func (h *Handler) CallWithTimeout(topic string, req *Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Call(ctx, topic, req)
}

// Request sends a payload without headers and waits for the response.
func (h *Handler) Request(ctx context.Context, topic string, payload []byte) (*Response, error) {
	return h.Call(ctx, topic, &Request{Payload: payload})
}

// Close releases pending calls with ErrClosed and unsubscribes from the
// response topic.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	h.mu.Unlock()

	tok, err := h.client.Unsubscribe(h.responseTopic)
	if err != nil {
		return fmt.Errorf("rpc: unsubscribe response topic: %w", err)
	}
	return tok.WaitTimeout(h.ackTimeout)
}

func (h *Handler) register(correlID string, ch chan *Response) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.pending[correlID] = ch
	return nil
}

func (h *Handler) unregister(correlID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, correlID)
}

// handleResponse hands a response to the call waiting for its correlation
// data. Responses nobody waits for are dropped.
func (h *Handler) handleResponse(msg *mqttv5.Message) error {
	if msg == nil || len(msg.CorrelationData) == 0 {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.pending[string(msg.CorrelationData)]
	if ch == nil {
		return nil
	}
	select {
	case ch <- newResponse(msg):
	default:
	}
	return nil
}

func newResponse(msg *mqttv5.Message) *Response {
	resp := &Response{
		Payload:         msg.Payload,
		ContentType:     msg.ContentType,
		CorrelationData: msg.CorrelationData,
	}
	if len(msg.UserProperties) > 0 {
		resp.Headers = make(Headers, len(msg.UserProperties))
		for _, p := range msg.UserProperties {
			resp.Headers[p.Key] = p.Value
		}
	}
	return resp
}

// pairs returns the headers as user properties sorted by key.
func (hs Headers) pairs() []mqttv5.StringPair {
	if len(hs) == 0 {
		return nil
	}
	out := make([]mqttv5.StringPair, 0, len(hs))
	for _, k := range slices.Sorted(maps.Keys(hs)) {
		out = append(out, mqttv5.StringPair{Key: k, Value: hs[k]})
	}
	return out
}

// ServeFunc answers one request.
type ServeFunc func(req *mqttv5.Message) (*Response, error)

// Serve subscribes to filter under subscription identifier id and answers
// every request with fn's response, published to the request's response
// topic with its correlation data. A request without response topic, or
// one fn fails, is reported to the client's router as a handler error.
func Serve(client Client, filter string, id uint32, qos byte, fn ServeFunc) (*mqttv5.SubscribeToken, error) {
	handler := mqttv5.MessageHandlerFunc(func(msg *mqttv5.Message) error {
		if msg.ResponseTopic == "" {
			return ErrNoResponseTopic
		}
		resp, err := fn(msg)
		if err != nil {
			return err
		}
		if resp == nil {
			resp = &Response{}
		}
		_, err = client.PublishMessage(&mqttv5.Message{
			Topic:           msg.ResponseTopic,
			Payload:         resp.Payload,
			QoS:             qos,
			ContentType:     resp.ContentType,
			CorrelationData: msg.CorrelationData,
			UserProperties:  resp.Headers.pairs(),
		})
		return err
	})
	return client.Subscribe(filter, qos, mqttv5.WithSubscriptionID(id), mqttv5.WithHandler(handler))
}
