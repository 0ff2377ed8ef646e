package mqttv5

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Handler receives session callbacks. Callbacks run on the client's
// internal goroutines without any client lock held, so they may call back
// into Publish, Subscribe or Disconnect. They must not wait for further
// events of the same connection: the goroutine that would deliver them is
// the one running the callback.
//
// OnConnected also receives connect-failed events, distinguished by
// Event.Kind; OnSubscribed also receives unsubscribe outcomes.
type Handler interface {
	OnConnected(c *Client, ev Event)
	OnMessage(c *Client, msg *Message)
	OnSubscribed(c *Client, ev Event)
	OnPublished(c *Client, ev Event)
	OnDisconnected(c *Client, ev Event)
}

// HandlerFuncs implements Handler with optional functions. Nil fields are
// skipped.
type HandlerFuncs struct {
	Connected    func(c *Client, ev Event)
	Message      func(c *Client, msg *Message)
	Subscribed   func(c *Client, ev Event)
	Published    func(c *Client, ev Event)
	Disconnected func(c *Client, ev Event)
}

func (h HandlerFuncs) OnConnected(c *Client, ev Event) {
	if h.Connected != nil {
		h.Connected(c, ev)
	}
}

func (h HandlerFuncs) OnMessage(c *Client, msg *Message) {
	if h.Message != nil {
		h.Message(c, msg)
	}
}

func (h HandlerFuncs) OnSubscribed(c *Client, ev Event) {
	if h.Subscribed != nil {
		h.Subscribed(c, ev)
	}
}

func (h HandlerFuncs) OnPublished(c *Client, ev Event) {
	if h.Published != nil {
		h.Published(c, ev)
	}
}

func (h HandlerFuncs) OnDisconnected(c *Client, ev Event) {
	if h.Disconnected != nil {
		h.Disconnected(c, ev)
	}
}

// serverCaps holds what the server announced in CONNACK.
type serverCaps struct {
	maxQoS          byte
	retainAvailable bool
	subIDAvailable  bool
	maxPacketSize   uint32 // 0 means no limit
	keepAlive       uint16
}

func defaultServerCaps() serverCaps {
	return serverCaps{maxQoS: QoS2, retainAvailable: true, subIDAvailable: true}
}

// link is one network connection of the client. Every goroutine started
// for a connection holds its link and stops once the link is torn down.
type link struct {
	ch      *Channel
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{} // publish queue has work
	attempt *Token        // completes with the CONNACK outcome

	connTimer *time.Timer
}

// Client is an MQTT v5 client. The value itself is the connection handle:
// every operation goes through it and there is no package level state.
//
// A Client may connect again after it fell back to Disconnected. Close
// makes it unusable.
type Client struct {
	opts    *clientOptions
	handler Handler
	router  *Router
	waiter  *Waiter
	logger  Logger
	metrics *clientMetrics
	limiter *rate.Limiter // nil when publishing is not rate limited

	// mu guards everything below.
	mu       sync.Mutex
	state    State
	link     *link
	closed   bool
	clientID string
	server   serverCaps
	resumed  bool // last CONNACK carried Session Present
	pending  *pendingTable
	queue    *publishQueue
	flow     *flowControl

	subs    map[string]*activeSub // remembered subscriptions by filter
	subIDs  map[uint32]string     // subscription identifier -> filter
	inbound map[uint16]struct{}   // QoS 2 packet ids received, PUBREL outstanding
}

// NewClient creates a disconnected client. A nil handler ignores every
// callback; events remain observable through WaitFor.
func NewClient(handler Handler, opts ...Option) *Client {
	o := applyOptions(opts...)
	if handler == nil {
		handler = HandlerFuncs{}
	}

	logger := o.logger.WithFields(LogFields{LogFieldClientID: o.clientID})
	c := &Client{
		opts:     o,
		handler:  handler,
		router:   NewRouter(logger),
		waiter:   NewWaiter(o.eventQueueSize),
		logger:   logger,
		metrics:  newClientMetrics(o.metrics),
		clientID: o.clientID,
		server:   defaultServerCaps(),
		pending:  newPendingTable(),
		queue:    newPublishQueue(o.maxQueued),
		flow:     newFlowControl(0),
		subs:     make(map[string]*activeSub),
		subIDs:   make(map[uint32]string),
		inbound:  make(map[uint16]struct{}),
	}
	c.router.SetFailureCounter(c.metrics.dispatchFailed)
	for kind, dropped := range c.metrics.dropped {
		c.waiter.SetDropCounter(EventKind(kind), dropped)
	}
	if o.defaultHandler != nil {
		c.router.SetDefault(o.defaultHandler)
	}
	if o.publishRate != rate.Inf {
		c.limiter = rate.NewLimiter(o.publishRate, max(o.publishBurst, 1))
	}
	return c
}

// DialContext creates a client, connects it and waits for the CONNACK
// outcome. A rejected or timed out handshake is returned as *ConnectError.
func DialContext(ctx context.Context, endpoint string, handler Handler, opts ...Option) (*Client, error) {
	c := NewClient(handler, opts...)
	if err := c.connectAndWait(ctx, endpoint); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the client identifier, as assigned by the server when it
// replaced the requested one.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SessionPresent reports whether the server resumed an existing session in
// the last successful CONNACK.
func (c *Client) SessionPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed
}

// Router returns the router dispatching inbound messages by subscription
// identifier.
func (c *Client) Router() *Router {
	return c.router
}

// RegisterHandler binds h to a subscription identifier.
func (c *Client) RegisterHandler(id uint32, h MessageHandler) error {
	return c.router.Register(id, h)
}

// UnregisterHandler removes the handler bound to a subscription identifier.
func (c *Client) UnregisterHandler(id uint32) {
	c.router.Unregister(id)
}

// WaitFor blocks until an event of the kind arrives or timeout elapses.
// See Waiter.WaitFor.
func (c *Client) WaitFor(kind EventKind, timeout time.Duration) (Event, error) {
	return c.waiter.WaitFor(kind, timeout)
}

// WaitContext blocks until an event of the kind arrives or ctx ends.
func (c *Client) WaitContext(ctx context.Context, kind EventKind) (Event, error) {
	return c.waiter.WaitContext(ctx, kind)
}

// Connect dials endpoint and sends CONNECT. It returns once CONNECT is
// written; the outcome arrives as a connected or connect-failed event.
// Connect is only valid while disconnected and never retries.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	_, err := c.connect(ctx, endpoint)
	return err
}

func (c *Client) connect(ctx context.Context, endpoint string) (*Token, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if !c.state.canTransition(StateConnecting) {
		st := c.state
		c.mu.Unlock()
		return nil, &StateError{Op: "connect", State: st}
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info("connecting", LogFields{LogFieldEndpoint: endpoint})

	ch, err := OpenChannel(ctx, endpoint, c.opts.channelConfig())
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.connectFailed(asConnectError(err))
		return nil, err
	}

	c.mu.Lock()
	if c.closed || c.state != StateConnecting {
		c.state = StateDisconnected
		c.mu.Unlock()
		_ = ch.Close()
		return nil, ErrClientClosed
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &link{
		ch:      ch,
		ctx:     lctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		attempt: newToken(0),
	}
	c.link = l
	c.server = defaultServerCaps()
	c.flow.reset()
	if c.opts.connectTimeout > 0 {
		l.connTimer = time.AfterFunc(c.opts.connectTimeout, func() {
			c.teardown(l, closeReason{
				err:            &ConnectError{Cause: ErrConnectTimeout},
				onlyConnecting: true,
			})
		})
	}
	c.mu.Unlock()

	go c.readLoop(l)
	go c.publishLoop(l)

	if err := ch.Send(c.opts.connectPacket()); err != nil {
		cerr := &ConnectError{Cause: err}
		c.teardown(l, closeReason{err: cerr})
		return nil, cerr
	}
	return l.attempt, nil
}

func (c *Client) connectFailed(err *ConnectError) {
	c.metrics.connectFailures.Inc()
	c.logger.Warn("connect failed", LogFields{
		LogFieldReasonCode: err.ReasonCode.String(),
		LogFieldError:      err.Error(),
	})
	c.emit(Event{Kind: EventConnectFailed, ReasonCode: err.ReasonCode, Err: err})
	c.waiter.Cancel(ErrWaitCanceled)
}

// Disconnect sends DISCONNECT and closes the connection. The disconnected
// event fires even when the DISCONNECT could not be written. Operations
// still awaiting acknowledgment fail with ErrConnectionClosed; with clean
// start disabled, unacknowledged publishes are kept for the next session.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.state != StateConnected {
		st := c.state
		c.mu.Unlock()
		return &StateError{Op: "disconnect", State: st}
	}
	c.state = StateDisconnecting
	l := c.link
	c.mu.Unlock()

	c.logger.Info("disconnecting", nil)
	c.teardown(l, closeReason{
		code:  ReasonSuccess,
		local: true,
		send:  &DisconnectPacket{ReasonCode: ReasonSuccess},
	})
	return nil
}

// Close disconnects if needed, fails every outstanding operation with
// ErrClientClosed and releases all waiters. The client cannot be used
// afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l, st := c.link, c.state
	if st == StateConnected {
		c.state = StateDisconnecting
	}
	c.mu.Unlock()

	if l != nil {
		r := closeReason{code: ReasonSuccess, local: true}
		switch st {
		case StateConnected:
			r.send = &DisconnectPacket{ReasonCode: ReasonSuccess}
		case StateConnecting:
			r.err = &ConnectError{Cause: ErrClientClosed}
		}
		c.teardown(l, r)
	}

	c.mu.Lock()
	var evs []Event
	for _, op := range c.pending.drain(nil) {
		evs = append(evs, c.failOpLocked(op, ErrClientClosed))
	}
	c.mu.Unlock()

	c.emit(evs...)
	c.waiter.Close()
	return nil
}

// closeReason describes why a link is torn down.
type closeReason struct {
	code ReasonCode
	err  error
	// send is written before the socket closes, if the session got past
	// CONNACK.
	send *DisconnectPacket

	remote bool // server sent DISCONNECT
	lost   bool // transport failed
	local  bool // Disconnect or Close

	// onlyConnecting skips the teardown once CONNACK was processed.
	onlyConnecting bool
}

// teardown moves the session to Disconnected and settles everything tied
// to link l. It does nothing if l is no longer the current link, so racing
// failure paths report a single outcome.
func (c *Client) teardown(l *link, r closeReason) bool {
	c.mu.Lock()
	if l == nil || c.link != l || (r.onlyConnecting && c.state != StateConnecting) {
		c.mu.Unlock()
		return false
	}

	prev := c.state
	c.link = nil
	c.state = StateDisconnected
	if l.connTimer != nil {
		l.connTimer.Stop()
	}
	l.cancel()

	opErr := c.opError(r)
	keep := !c.opts.cleanStart && !c.closed

	var evs []Event
	for _, op := range c.pending.drain(func(op *pendingOp) bool { return keep && op.kind == opPublish }) {
		evs = append(evs, c.failOpLocked(op, opErr))
	}
	for _, op := range c.queue.drain() {
		if op.packetID == 0 {
			evs = append(evs, c.failOpLocked(op, opErr))
		}
	}
	c.flow.reset()
	c.metrics.inflight.Set(0)
	c.mu.Unlock()

	if r.send != nil && (prev == StateConnected || prev == StateDisconnecting) {
		if err := l.ch.Send(r.send); err != nil {
			c.logger.Debug("disconnect not sent", LogFields{LogFieldError: err.Error()})
		}
	}
	_ = l.ch.Close()

	c.emit(evs...)

	if prev == StateConnecting {
		cerr := asConnectError(r.err)
		if r.err == nil {
			cerr = &ConnectError{Cause: ErrConnectionClosed}
		}
		l.attempt.complete(cerr.ReasonCode, nil, cerr)
		c.connectFailed(cerr)
		return true
	}

	ev := Event{
		Kind:       EventDisconnected,
		ReasonCode: r.code,
		Remote:     r.remote,
		Lost:       r.lost,
		Err:        r.err,
	}
	fields := LogFields{LogFieldReasonCode: r.code.String()}
	if r.err != nil {
		fields[LogFieldError] = r.err.Error()
	}
	if r.local {
		c.logger.Info("disconnected", fields)
	} else {
		c.metrics.lost.Inc()
		c.logger.Warn("connection closed", fields)
	}

	c.emit(ev)
	c.waiter.Cancel(ErrWaitCanceled)
	return true
}

// opError is the error that fails operations interrupted by a teardown.
func (c *Client) opError(r closeReason) error {
	switch {
	case c.closed:
		return ErrClientClosed
	case r.local:
		return ErrConnectionClosed
	}
	var lost *ConnectionLostError
	if errors.As(r.err, &lost) {
		return lost
	}
	return &ConnectionLostError{Cause: r.err}
}

// failOpLocked completes op with err and returns the matching event. The
// op must already be out of the pending table and the queue.
func (c *Client) failOpLocked(op *pendingOp, err error) Event {
	op.token.fail(err)
	switch op.kind {
	case opSubscribe:
		return Event{Kind: EventSubscribed, PacketID: op.packetID, Filters: op.filters, ReasonCode: ReasonUnspecifiedError, Err: err}
	case opUnsubscribe:
		return Event{Kind: EventUnsubscribed, PacketID: op.packetID, Filters: op.filters, ReasonCode: ReasonUnspecifiedError, Err: err}
	default:
		return Event{Kind: EventPublished, PacketID: op.packetID, Topic: op.msg.Topic, ReasonCode: ReasonUnspecifiedError, Err: err}
	}
}

// emit hands events to the handler and then to the waiter.
func (c *Client) emit(evs ...Event) {
	for _, ev := range evs {
		c.notify(ev)
		c.waiter.Post(ev)
	}
}

func (c *Client) notify(ev Event) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("event handler panicked", LogFields{
				"event": ev.Kind.String(),
				"panic": fmt.Sprint(p),
			})
		}
	}()

	switch ev.Kind {
	case EventConnected, EventConnectFailed:
		c.handler.OnConnected(c, ev)
	case EventSubscribed, EventUnsubscribed:
		c.handler.OnSubscribed(c, ev)
	case EventPublished:
		c.handler.OnPublished(c, ev)
	case EventMessage:
		c.handler.OnMessage(c, ev.Message)
	case EventDisconnected:
		c.handler.OnDisconnected(c, ev)
	}
}

// requireLinkLocked returns the current link if the session is connected.
func (c *Client) requireLinkLocked(op string) (*link, error) {
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.state != StateConnected || c.link == nil {
		return nil, &StateError{Op: op, State: c.state}
	}
	return c.link, nil
}

// encodeLocked encodes pkt and checks it against the server's maximum
// packet size.
func (c *Client) encodeLocked(pkt Packet) ([]byte, error) {
	b, err := EncodePacket(pkt)
	if err != nil {
		return nil, err
	}
	if limit := c.server.maxPacketSize; limit > 0 && uint32(len(b)) > limit {
		return nil, fmt.Errorf("%s of %d bytes exceeds server limit %d: %w", pkt.Type(), len(b), limit, ErrPacketTooLarge)
	}
	return b, nil
}

func asConnectError(err error) *ConnectError {
	var cerr *ConnectError
	if errors.As(err, &cerr) {
		return cerr
	}
	return &ConnectError{Cause: err}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
