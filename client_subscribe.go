package mqttv5

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// SubscribeOption configures a Subscribe call.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	id                uint32
	handler           MessageHandler
	noLocal           bool
	retainAsPublished bool
	retainHandling    byte
	userProperties    []StringPair
}

// WithSubscriptionID tags the subscription with an identifier. Messages it
// matches carry the identifier and reach the handler registered for it.
func WithSubscriptionID(id uint32) SubscribeOption {
	return func(o *subscribeOptions) {
		o.id = id
	}
}

// WithHandler registers h for the subscription identifier. The handler is
// removed again when the subscription is refused or unsubscribed.
func WithHandler(h MessageHandler) SubscribeOption {
	return func(o *subscribeOptions) {
		o.handler = h
	}
}

// WithNoLocal asks the server not to deliver the client's own publishes.
func WithNoLocal() SubscribeOption {
	return func(o *subscribeOptions) {
		o.noLocal = true
	}
}

// WithRetainAsPublished keeps the retain flag of forwarded messages.
func WithRetainAsPublished() SubscribeOption {
	return func(o *subscribeOptions) {
		o.retainAsPublished = true
	}
}

// WithRetainHandling selects when retained messages are sent: 0 on every
// subscribe, 1 only for new subscriptions, 2 never.
func WithRetainHandling(h byte) SubscribeOption {
	return func(o *subscribeOptions) {
		o.retainHandling = h
	}
}

// WithSubscribeUserProperty adds a user property to SUBSCRIBE.
func WithSubscribeUserProperty(key, value string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.userProperties = append(o.userProperties, StringPair{Key: key, Value: value})
	}
}

// ActiveSubscription is a subscription the client remembers, with the
// identifier it was made with.
type ActiveSubscription struct {
	Subscription
	SubscriptionID uint32
}

type activeSub struct {
	sub         Subscription
	id          uint32
	ownsHandler bool
}

// Subscribe sends SUBSCRIBE for one filter and returns without waiting.
// The token and a subscribed event report the SUBACK outcome; a refused
// filter fails with *SubscribeError.
func (c *Client) Subscribe(filter string, qos byte, opts ...SubscribeOption) (*SubscribeToken, error) {
	var so subscribeOptions
	for _, opt := range opts {
		opt(&so)
	}

	sub := Subscription{
		TopicFilter:       filter,
		QoS:               qos,
		NoLocal:           so.noLocal,
		RetainAsPublished: so.retainAsPublished,
		RetainHandling:    so.retainHandling,
	}
	return c.subscribe(sub, so)
}

func (c *Client) subscribe(sub Subscription, so subscribeOptions) (*SubscribeToken, error) {
	if err := sub.validate(); err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", sub.TopicFilter, err)
	}
	if so.id > maxVarint {
		return nil, ErrInvalidSubscriptionID
	}
	if so.handler != nil && so.id == 0 {
		return nil, fmt.Errorf("%w: a handler needs a subscription identifier", ErrInvalidSubscriptionID)
	}

	c.mu.Lock()
	l, err := c.requireLinkLocked("subscribe")
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if so.id != 0 {
		if !c.server.subIDAvailable {
			c.mu.Unlock()
			return nil, ErrSubscriptionIDUnsupported
		}
		if f, ok := c.subIDs[so.id]; ok && f != sub.TopicFilter {
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %d is bound to %q", ErrSubscriptionIDInUse, so.id, f)
		}
	}

	id, err := c.pending.allocate()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	pkt := &SubscribePacket{PacketID: id, Subscriptions: []Subscription{sub}, SubscriptionID: so.id}
	for _, up := range so.userProperties {
		pkt.Props.Add(PropUserProperty, up)
	}
	frame, err := c.encodeLocked(pkt)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	if so.handler != nil {
		if err := c.router.Register(so.id, so.handler); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}

	token := &SubscribeToken{Token: newToken(id), Filter: sub.TopicFilter, SubscriptionID: so.id}
	c.pending.add(&pendingOp{
		kind:        opSubscribe,
		packetID:    id,
		token:       token.Token,
		filters:     []string{sub.TopicFilter},
		subID:       so.id,
		ownsHandler: so.handler != nil,
		sent:        true,
		sentAt:      time.Now(),
	})
	c.rememberLocked(sub, so.id, so.handler != nil)
	c.mu.Unlock()

	c.logger.Debug("subscribing", LogFields{
		LogFieldFilter:         sub.TopicFilter,
		LogFieldQoS:            sub.QoS,
		LogFieldPacketID:       id,
		LogFieldSubscriptionID: so.id,
	})
	if err := l.ch.Write(frame); err != nil {
		// The read loop observes the broken link and fails the token.
		c.logger.Debug("subscribe not sent", LogFields{LogFieldPacketID: id, LogFieldError: err.Error()})
	}
	return token, nil
}

// Unsubscribe sends UNSUBSCRIBE for the filters and returns without
// waiting. The token and an unsubscribed event report the UNSUBACK outcome.
func (c *Client) Unsubscribe(filters ...string) (*Token, error) {
	if len(filters) == 0 {
		return nil, ErrNoTopicFilters
	}

	c.mu.Lock()
	l, err := c.requireLinkLocked("unsubscribe")
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	id, err := c.pending.allocate()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	frame, err := c.encodeLocked(&UnsubscribePacket{PacketID: id, TopicFilters: filters})
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	token := newToken(id)
	c.pending.add(&pendingOp{
		kind:     opUnsubscribe,
		packetID: id,
		token:    token,
		filters:  slices.Clone(filters),
		sent:     true,
		sentAt:   time.Now(),
	})
	c.mu.Unlock()

	c.logger.Debug("unsubscribing", LogFields{
		LogFieldFilter:   strings.Join(filters, ","),
		LogFieldPacketID: id,
	})
	if err := l.ch.Write(frame); err != nil {
		c.logger.Debug("unsubscribe not sent", LogFields{LogFieldPacketID: id, LogFieldError: err.Error()})
	}
	return token, nil
}

// Subscriptions returns the subscriptions the client remembers, sorted by
// filter. They survive connection loss until unsubscribed or refused.
func (c *Client) Subscriptions() []ActiveSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ActiveSubscription, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, ActiveSubscription{Subscription: s.sub, SubscriptionID: s.id})
	}
	slices.SortFunc(out, func(a, b ActiveSubscription) int {
		return strings.Compare(a.TopicFilter, b.TopicFilter)
	})
	return out
}

// Resubscribe sends SUBSCRIBE again for every remembered subscription,
// keeping identifiers and handlers. It is meant for a connection that
// started a fresh session.
func (c *Client) Resubscribe() ([]*SubscribeToken, error) {
	var tokens []*SubscribeToken
	var errs []error
	for _, s := range c.Subscriptions() {
		t, err := c.subscribe(s.Subscription, subscribeOptions{id: s.SubscriptionID})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens, errors.Join(errs...)
}

// rememberLocked records sub as active. A filter subscribed again replaces
// the previous entry, releasing its identifier if it changed.
func (c *Client) rememberLocked(sub Subscription, id uint32, ownsHandler bool) {
	if old, ok := c.subs[sub.TopicFilter]; ok {
		switch {
		case old.id == id:
			ownsHandler = ownsHandler || old.ownsHandler
		case old.id != 0:
			delete(c.subIDs, old.id)
			if old.ownsHandler {
				c.router.Unregister(old.id)
			}
		}
	}
	c.subs[sub.TopicFilter] = &activeSub{sub: sub, id: id, ownsHandler: ownsHandler}
	if id != 0 {
		c.subIDs[id] = sub.TopicFilter
	}
}

// forgetLocked drops the remembered subscription for filter together with
// its identifier and any handler it registered.
func (c *Client) forgetLocked(filter string) {
	s, ok := c.subs[filter]
	if !ok {
		return
	}
	delete(c.subs, filter)
	if s.id == 0 || c.subIDs[s.id] != filter {
		return
	}
	delete(c.subIDs, s.id)
	if s.ownsHandler {
		c.router.Unregister(s.id)
	}
}
