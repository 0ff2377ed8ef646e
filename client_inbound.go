package mqttv5

import (
	"errors"
	"fmt"
	"time"
)

// readLoop decodes inbound frames of l until the link ends.
func (c *Client) readLoop(l *link) {
	for frame, err := range l.ch.Frames() {
		if err != nil {
			c.abort(l, err)
			return
		}
		pkt, err := DecodePacket(frame)
		if err != nil {
			c.abort(l, err)
			return
		}
		if !c.handlePacket(l, pkt) {
			return
		}
	}
}

// abort tears l down after a fatal inbound failure.
func (c *Client) abort(l *link, err error) {
	var malformed *MalformedPacketError
	var violation *ProtocolViolationError

	switch {
	case errors.As(err, &malformed):
		c.logger.Error("malformed packet, closing connection", LogFields{LogFieldError: err.Error()})
		c.teardown(l, closeReason{
			code: ReasonMalformedPacket,
			err:  err,
			send: &DisconnectPacket{ReasonCode: ReasonMalformedPacket},
		})
	case errors.As(err, &violation):
		c.metrics.violations.Inc()
		c.logger.Error("protocol error, closing connection", LogFields{LogFieldError: err.Error()})
		c.teardown(l, closeReason{
			code: ReasonProtocolError,
			err:  err,
			send: &DisconnectPacket{ReasonCode: ReasonProtocolError},
		})
	default:
		c.teardown(l, closeReason{code: ReasonConnectionLost, err: err, lost: true})
	}
}

// violation reports a non-fatal protocol error. The session continues.
func (c *Client) violation(err *ProtocolViolationError) {
	c.metrics.violations.Inc()
	c.logger.Warn("protocol violation", LogFields{
		LogFieldPacketType: err.PacketType.String(),
		LogFieldPacketID:   err.PacketID,
		LogFieldError:      err.Error(),
	})
	c.emit(Event{Kind: EventError, PacketID: err.PacketID, Err: err})
}

// handlePacket processes one inbound packet. It returns false once the
// link was torn down.
func (c *Client) handlePacket(l *link, pkt Packet) bool {
	c.logger.Debug("packet received", LogFields{LogFieldPacketType: pkt.Type().String()})

	if p, ok := pkt.(*ConnackPacket); ok {
		return c.handleConnack(l, p)
	}
	if c.State() == StateConnecting {
		c.abort(l, &ProtocolViolationError{PacketType: pkt.Type(), Reason: "packet before CONNACK"})
		return false
	}

	switch p := pkt.(type) {
	case *PublishPacket:
		// Topic Alias Maximum is never sent, so the server may not use aliases.
		if p.Props.Has(PropTopicAlias) {
			c.abort(l, &ProtocolViolationError{PacketType: PacketPUBLISH, PacketID: p.PacketID, Reason: "topic alias not allowed"})
			return false
		}
		c.handlePublish(l, p)
	case *PubackPacket:
		c.handlePuback(l, p)
	case *PubrecPacket:
		c.handlePubrec(l, p)
	case *PubrelPacket:
		c.handlePubrel(l, p)
	case *PubcompPacket:
		c.handlePubcomp(l, p)
	case *SubackPacket:
		c.handleSuback(p)
	case *UnsubackPacket:
		c.handleUnsuback(p)
	case *DisconnectPacket:
		c.handleDisconnect(l, p)
		return false
	default:
		c.abort(l, &ProtocolViolationError{PacketType: pkt.Type(), Reason: "packet not allowed from server"})
		return false
	}
	return true
}

func (c *Client) handleConnack(l *link, p *ConnackPacket) bool {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return false
	}
	if c.state != StateConnecting {
		c.mu.Unlock()
		c.abort(l, &ProtocolViolationError{PacketType: PacketCONNACK, Reason: "second CONNACK"})
		return false
	}
	if p.ReasonCode.IsError() {
		c.mu.Unlock()
		c.teardown(l, closeReason{
			code:   p.ReasonCode,
			err:    &ConnectError{ReasonCode: p.ReasonCode},
			remote: true,
		})
		return false
	}

	if l.connTimer != nil {
		l.connTimer.Stop()
	}
	c.applyConnackLocked(p)
	c.state = StateConnected
	c.resumed = p.SessionPresent

	resumed := p.SessionPresent && !c.opts.cleanStart
	var pubrels []Packet
	var failed []Event
	if resumed {
		pubrels = c.resumeLocked()
	} else {
		failed = c.discardSessionLocked()
	}
	keepAlive := time.Duration(c.server.keepAlive) * time.Second
	clientID := c.clientID
	c.mu.Unlock()

	c.metrics.connects.Inc()
	c.logger.Info("connected", LogFields{
		LogFieldEndpoint:  l.ch.Endpoint().String(),
		LogFieldClientID:  clientID,
		"session_present": p.SessionPresent,
	})

	l.ch.StartKeepAlive(keepAlive, c.opts.pingTimeout)
	for _, pkt := range pubrels {
		if err := l.ch.Send(pkt); err != nil {
			break
		}
	}
	l.attempt.complete(p.ReasonCode, nil, nil)

	props := p.Props.Clone()
	c.emit(Event{Kind: EventConnected, SessionPresent: p.SessionPresent, ServerProps: &props})
	c.emit(failed...)
	signal(l.wake)
	return true
}

func (c *Client) applyConnackLocked(p *ConnackPacket) {
	props := &p.Props
	s := defaultServerCaps()
	s.keepAlive = c.opts.keepAlive
	if props.Has(PropServerKeepAlive) {
		s.keepAlive = props.GetUint16(PropServerKeepAlive)
	}
	if props.Has(PropMaximumQoS) {
		s.maxQoS = props.GetByte(PropMaximumQoS)
	}
	if props.Has(PropRetainAvailable) {
		s.retainAvailable = props.GetByte(PropRetainAvailable) == 1
	}
	if props.Has(PropSubscriptionIDAvailable) {
		s.subIDAvailable = props.GetByte(PropSubscriptionIDAvailable) == 1
	}
	s.maxPacketSize = props.GetUint32(PropMaximumPacketSize)
	c.server = s

	if id := props.GetString(PropAssignedClientIdentifier); id != "" {
		c.clientID = id
	}
	c.flow.setReceiveMaximum(props.GetUint16(PropReceiveMaximum))
}

// resumeLocked requeues the publishes kept from the previous connection in
// their original order. Publishes already written are resent with DUP;
// QoS 2 flows past PUBREC continue with PUBREL, which the caller sends.
func (c *Client) resumeLocked() []Packet {
	var pubrels []Packet
	for _, op := range c.pending.publishes() {
		if op.released {
			c.flow.acquire()
			op.sentAt = time.Now()
			pubrels = append(pubrels, &PubrelPacket{ackFields{PacketID: op.packetID}})
			continue
		}
		if op.sent {
			op.dup = true
			op.frame = nil
		}
		op.sent = false
		c.queue.push(op)
	}
	c.metrics.inflight.Set(float64(c.flow.inFlight))
	return pubrels
}

// discardSessionLocked fails publishes kept for a session the server no
// longer has.
func (c *Client) discardSessionLocked() []Event {
	var evs []Event
	for _, op := range c.pending.drain(nil) {
		evs = append(evs, c.failOpLocked(op, ErrSessionLost))
	}
	clear(c.inbound)
	return evs
}

func (c *Client) handlePublish(l *link, p *PublishPacket) {
	var ack Packet
	deliver := true

	switch p.QoS {
	case QoS1:
		ack = &PubackPacket{ackFields{PacketID: p.PacketID}}
	case QoS2:
		c.mu.Lock()
		if _, dup := c.inbound[p.PacketID]; dup {
			deliver = false
		} else {
			c.inbound[p.PacketID] = struct{}{}
		}
		c.mu.Unlock()
		ack = &PubrecPacket{ackFields{PacketID: p.PacketID}}
	}

	if deliver {
		c.deliver(p.Message())
	} else {
		c.logger.Debug("duplicate QoS 2 publish suppressed", LogFields{
			LogFieldTopic:    p.Topic,
			LogFieldPacketID: p.PacketID,
		})
	}

	if ack != nil {
		if err := l.ch.Send(ack); err != nil {
			c.logger.Debug("acknowledgment not sent", LogFields{
				LogFieldPacketID: p.PacketID,
				LogFieldError:    err.Error(),
			})
		}
	}
}

// deliver routes msg by subscription identifier and then reports it to the
// handler and the waiter. Receivers must treat msg as read-only.
func (c *Client) deliver(msg *Message) {
	c.metrics.messageReceived(msg.QoS)
	if err := c.router.Dispatch(msg); err != nil {
		c.logger.Debug("message dispatch failed", LogFields{
			LogFieldTopic: msg.Topic,
			LogFieldError: err.Error(),
		})
	}
	c.emit(Event{Kind: EventMessage, Topic: msg.Topic, PacketID: msg.PacketID, Message: msg})
}

// publishAwaiting returns the sent publish of the given QoS waiting for an
// acknowledgment under id, or nil.
func (c *Client) publishAwaitingLocked(id uint16, qos byte) *pendingOp {
	op := c.pending.get(id)
	if op == nil || op.kind != opPublish || op.msg.QoS != qos || !op.sent {
		return nil
	}
	return op
}

func (c *Client) handlePuback(l *link, p *PubackPacket) {
	c.mu.Lock()
	op := c.publishAwaitingLocked(p.PacketID, QoS1)
	if op == nil {
		c.mu.Unlock()
		c.violation(&ProtocolViolationError{PacketType: PacketPUBACK, PacketID: p.PacketID, Reason: "no QoS 1 publish awaiting acknowledgment"})
		return
	}
	c.pending.remove(p.PacketID)
	ev := c.settlePublishLocked(op, p.ReasonCode)
	c.mu.Unlock()

	signal(l.wake)
	c.emit(ev)
}

func (c *Client) handlePubrec(l *link, p *PubrecPacket) {
	c.mu.Lock()
	op := c.publishAwaitingLocked(p.PacketID, QoS2)
	if op == nil {
		c.mu.Unlock()
		c.violation(&ProtocolViolationError{PacketType: PacketPUBREC, PacketID: p.PacketID, Reason: "no QoS 2 publish awaiting PUBREC"})
		return
	}
	if p.ReasonCode.IsError() {
		c.pending.remove(p.PacketID)
		ev := c.settlePublishLocked(op, p.ReasonCode)
		c.mu.Unlock()

		signal(l.wake)
		c.emit(ev)
		return
	}
	op.released = true
	c.mu.Unlock()

	if err := l.ch.Send(&PubrelPacket{ackFields{PacketID: p.PacketID}}); err != nil {
		c.logger.Debug("PUBREL not sent", LogFields{LogFieldPacketID: p.PacketID, LogFieldError: err.Error()})
	}
}

func (c *Client) handlePubcomp(l *link, p *PubcompPacket) {
	c.mu.Lock()
	op := c.publishAwaitingLocked(p.PacketID, QoS2)
	if op == nil || !op.released {
		c.mu.Unlock()
		c.violation(&ProtocolViolationError{PacketType: PacketPUBCOMP, PacketID: p.PacketID, Reason: "no released QoS 2 publish"})
		return
	}
	c.pending.remove(p.PacketID)
	ev := c.settlePublishLocked(op, p.ReasonCode)
	c.mu.Unlock()

	signal(l.wake)
	c.emit(ev)
}

// settlePublishLocked completes an acknowledged publish and frees its
// flow control quota.
func (c *Client) settlePublishLocked(op *pendingOp, code ReasonCode) Event {
	c.flow.release()
	c.metrics.inflight.Set(float64(c.flow.inFlight))
	c.metrics.ackLatency.ObserveDuration(time.Since(op.sentAt))

	var err error
	if code.IsError() {
		err = &PublishRejectedError{Topic: op.msg.Topic, PacketID: op.packetID, ReasonCode: code}
		c.logger.Warn("publish rejected", LogFields{
			LogFieldTopic:      op.msg.Topic,
			LogFieldPacketID:   op.packetID,
			LogFieldReasonCode: code.String(),
		})
	}
	op.token.complete(code, nil, err)
	return Event{Kind: EventPublished, PacketID: op.packetID, Topic: op.msg.Topic, ReasonCode: code, Err: err}
}

func (c *Client) handlePubrel(l *link, p *PubrelPacket) {
	c.mu.Lock()
	_, known := c.inbound[p.PacketID]
	delete(c.inbound, p.PacketID)
	c.mu.Unlock()

	comp := &PubcompPacket{ackFields{PacketID: p.PacketID}}
	if !known {
		comp.ReasonCode = ReasonPacketIDNotFound
	}
	if err := l.ch.Send(comp); err != nil {
		c.logger.Debug("PUBCOMP not sent", LogFields{LogFieldPacketID: p.PacketID, LogFieldError: err.Error()})
	}
}

func (c *Client) handleSuback(p *SubackPacket) {
	c.mu.Lock()
	op := c.pending.get(p.PacketID)
	if op == nil || op.kind != opSubscribe {
		c.mu.Unlock()
		c.violation(&ProtocolViolationError{PacketType: PacketSUBACK, PacketID: p.PacketID, Reason: "no subscribe awaiting acknowledgment"})
		return
	}
	c.pending.remove(p.PacketID)

	if len(p.ReasonCodes) != len(op.filters) {
		verr := &ProtocolViolationError{
			PacketType: PacketSUBACK,
			PacketID:   p.PacketID,
			Reason:     fmt.Sprintf("%d reason codes for %d filters", len(p.ReasonCodes), len(op.filters)),
		}
		ev := c.failOpLocked(op, verr)
		c.mu.Unlock()
		c.violation(verr)
		c.emit(ev)
		return
	}

	var errs []error
	for i, code := range p.ReasonCodes {
		if code.IsError() {
			errs = append(errs, &SubscribeError{Filter: op.filters[i], ReasonCode: code})
			c.forgetLocked(op.filters[i])
		}
	}
	err := errors.Join(errs...)
	op.token.complete(p.ReasonCodes[0], p.ReasonCodes, err)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("subscription refused", LogFields{LogFieldError: err.Error()})
	}
	c.emit(Event{
		Kind:        EventSubscribed,
		PacketID:    p.PacketID,
		ReasonCode:  p.ReasonCodes[0],
		ReasonCodes: p.ReasonCodes,
		Filters:     op.filters,
		Err:         err,
	})
}

func (c *Client) handleUnsuback(p *UnsubackPacket) {
	c.mu.Lock()
	op := c.pending.get(p.PacketID)
	if op == nil || op.kind != opUnsubscribe {
		c.mu.Unlock()
		c.violation(&ProtocolViolationError{PacketType: PacketUNSUBACK, PacketID: p.PacketID, Reason: "no unsubscribe awaiting acknowledgment"})
		return
	}
	c.pending.remove(p.PacketID)

	if len(p.ReasonCodes) != len(op.filters) {
		verr := &ProtocolViolationError{
			PacketType: PacketUNSUBACK,
			PacketID:   p.PacketID,
			Reason:     fmt.Sprintf("%d reason codes for %d filters", len(p.ReasonCodes), len(op.filters)),
		}
		ev := c.failOpLocked(op, verr)
		c.mu.Unlock()
		c.violation(verr)
		c.emit(ev)
		return
	}

	var errs []error
	for i, code := range p.ReasonCodes {
		if code.IsError() {
			errs = append(errs, &SubscribeError{Filter: op.filters[i], ReasonCode: code, Unsubscribe: true})
			continue
		}
		c.forgetLocked(op.filters[i])
	}
	err := errors.Join(errs...)
	op.token.complete(p.ReasonCodes[0], p.ReasonCodes, err)
	c.mu.Unlock()

	c.emit(Event{
		Kind:        EventUnsubscribed,
		PacketID:    p.PacketID,
		ReasonCode:  p.ReasonCodes[0],
		ReasonCodes: p.ReasonCodes,
		Filters:     op.filters,
		Err:         err,
	})
}

func (c *Client) handleDisconnect(l *link, p *DisconnectPacket) {
	err := fmt.Errorf("%w: %s", ErrServerDisconnect, p.ReasonCode)
	if reason := p.Props.GetString(PropReasonString); reason != "" {
		err = fmt.Errorf("%w: %s (%s)", ErrServerDisconnect, p.ReasonCode, reason)
	}
	c.teardown(l, closeReason{code: p.ReasonCode, err: err, remote: true})
}
