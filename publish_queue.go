package mqttv5

import (
	"errors"
	"slices"
	"time"
)

// PublishOption configures a Publish call.
type PublishOption func(*Message)

// WithQoS sets the QoS of the message.
func WithQoS(qos byte) PublishOption {
	return func(m *Message) {
		m.QoS = qos
	}
}

// WithRetain sets the retain flag.
func WithRetain(retain bool) PublishOption {
	return func(m *Message) {
		m.Retain = retain
	}
}

// WithContentType sets the Content Type property.
func WithContentType(contentType string) PublishOption {
	return func(m *Message) {
		m.ContentType = contentType
	}
}

// WithResponseTopic sets the Response Topic property.
func WithResponseTopic(topic string) PublishOption {
	return func(m *Message) {
		m.ResponseTopic = topic
	}
}

// WithCorrelationData sets the Correlation Data property.
func WithCorrelationData(data []byte) PublishOption {
	return func(m *Message) {
		m.CorrelationData = data
	}
}

// WithMessageExpiry sets the Message Expiry Interval in seconds.
func WithMessageExpiry(seconds uint32) PublishOption {
	return func(m *Message) {
		m.MessageExpiry = seconds
	}
}

// WithUTF8Payload marks the payload as UTF-8 text.
func WithUTF8Payload() PublishOption {
	return func(m *Message) {
		m.PayloadFormat = 1
	}
}

// WithPublishUserProperty adds a user property to the message.
func WithPublishUserProperty(key, value string) PublishOption {
	return func(m *Message) {
		m.UserProperties = append(m.UserProperties, StringPair{Key: key, Value: value})
	}
}

var errNilMessage = errors.New("message cannot be nil")

// Publish queues a message for topic and returns without waiting. The QoS
// defaults to the client's default QoS.
//
// QoS 0 tokens complete once the message is written. QoS 1 and 2 tokens
// complete on PUBACK or PUBCOMP, or fail with *PublishRejectedError when
// the server answers with an error reason code.
func (c *Client) Publish(topic string, payload []byte, opts ...PublishOption) (*Token, error) {
	msg := &Message{Topic: topic, Payload: payload, QoS: c.opts.defaultQoS}
	for _, opt := range opts {
		opt(msg)
	}
	return c.PublishMessage(msg)
}

// PublishMessage queues msg. It fails with *StateError unless the session
// is connected. The QoS is lowered to the server's maximum.
func (c *Client) PublishMessage(msg *Message) (*Token, error) {
	if msg == nil {
		return nil, errNilMessage
	}
	if msg.QoS > QoS2 {
		return nil, ErrInvalidQoS
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		return nil, err
	}

	m := *msg
	m.Duplicate = false
	m.PacketID = 0
	m.SubscriptionIdentifiers = nil

	c.mu.Lock()
	l, err := c.requireLinkLocked("publish")
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if m.QoS > c.server.maxQoS {
		c.logger.Debug("QoS lowered to server maximum", LogFields{
			LogFieldTopic: m.Topic,
			LogFieldQoS:   c.server.maxQoS,
		})
		m.QoS = c.server.maxQoS
	}
	if m.Retain && !c.server.retainAvailable {
		c.mu.Unlock()
		return nil, ErrRetainUnsupported
	}
	if c.queue.full() {
		c.mu.Unlock()
		return nil, ErrPublishQueueFull
	}

	var id uint16
	if m.QoS > QoS0 {
		if id, err = c.pending.allocate(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	op := &pendingOp{kind: opPublish, packetID: id, token: newToken(id), msg: &m}
	if err := c.encodePublishLocked(op); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if id != 0 {
		c.pending.add(op)
	}
	c.queue.push(op)
	c.mu.Unlock()

	signal(l.wake)
	return op.token, nil
}

func (c *Client) encodePublishLocked(op *pendingOp) error {
	pkt := newPublishPacket(op.msg, op.packetID)
	pkt.DUP = op.dup
	frame, err := c.encodeLocked(pkt)
	if err != nil {
		return err
	}
	op.frame = frame
	return nil
}

// publishLoop writes queued publishes of l in order. The head of the queue
// waits while the server's receive maximum is exhausted, so messages never
// overtake each other.
func (c *Client) publishLoop(l *link) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}
		for c.sendNext(l) {
		}
	}
}

// sendNext writes the head of the queue if quota and rate limit allow. It
// reports whether another attempt may make progress.
func (c *Client) sendNext(l *link) bool {
	c.mu.Lock()
	ready := c.sendableLocked(l)
	c.mu.Unlock()
	if !ready {
		return false
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(l.ctx); err != nil {
			return false
		}
	}

	c.mu.Lock()
	if !c.sendableLocked(l) {
		c.mu.Unlock()
		return false
	}
	op := c.queue.peek()
	if op.packetID != 0 {
		c.flow.tryAcquire()
		c.metrics.inflight.Set(float64(c.flow.inFlight))
	}
	c.queue.pop()

	if op.frame == nil {
		// Resent publishes are encoded again with DUP set.
		if err := c.encodePublishLocked(op); err != nil {
			if op.packetID != 0 {
				c.flow.release()
				c.pending.remove(op.packetID)
			}
			ev := c.failOpLocked(op, err)
			c.mu.Unlock()
			c.emit(ev)
			return true
		}
	}
	op.sent = true
	op.sentAt = time.Now()
	frame := op.frame
	c.mu.Unlock()

	if err := l.ch.Write(frame); err != nil {
		// QoS 1 and 2 publishes are settled by the teardown that follows.
		if op.packetID == 0 {
			op.token.fail(err)
			c.emit(Event{Kind: EventPublished, Topic: op.msg.Topic, ReasonCode: ReasonUnspecifiedError, Err: err})
		}
		return false
	}

	c.metrics.messageSent(op.msg.QoS)
	c.logger.Debug("published", LogFields{
		LogFieldTopic:    op.msg.Topic,
		LogFieldQoS:      op.msg.QoS,
		LogFieldPacketID: op.packetID,
	})
	if op.packetID == 0 {
		op.token.complete(ReasonSuccess, nil, nil)
		c.emit(Event{Kind: EventPublished, Topic: op.msg.Topic, ReasonCode: ReasonSuccess})
	}
	return true
}

func (c *Client) sendableLocked(l *link) bool {
	if c.link != l || c.state != StateConnected {
		return false
	}
	op := c.queue.peek()
	if op == nil {
		return false
	}
	return op.packetID == 0 || c.flow.available() > 0
}

// publishQueue is the FIFO of publishes waiting to be written. Like the
// pending table it relies on the client's session mutex.
type publishQueue struct {
	ops   []*pendingOp
	limit int
}

func newPublishQueue(limit int) *publishQueue {
	return &publishQueue{limit: limit}
}

// full reports whether push would exceed the bound. Requeued publishes of a
// resumed session bypass the bound.
func (q *publishQueue) full() bool {
	return q.limit > 0 && len(q.ops) >= q.limit
}

func (q *publishQueue) push(op *pendingOp) {
	q.ops = append(q.ops, op)
}

func (q *publishQueue) peek() *pendingOp {
	if len(q.ops) == 0 {
		return nil
	}
	return q.ops[0]
}

func (q *publishQueue) pop() *pendingOp {
	op := q.peek()
	if op != nil {
		q.ops[0] = nil
		q.ops = q.ops[1:]
	}
	return op
}

func (q *publishQueue) drain() []*pendingOp {
	ops := slices.Clone(q.ops)
	q.ops = nil
	return ops
}

func (q *publishQueue) len() int {
	return len(q.ops)
}
