// Package router dispatches messages by topic filter and message
// attributes. Installed as the client's default handler it serves the
// messages that carry no subscription identifier with a handler.
package router

import (
	"errors"
	"regexp"
	"slices"
	"sync"

	"github.com/tigercl/mqttv5"
)

// Handler processes a routed message.
type Handler func(msg *mqttv5.Message) error

type userPropertyMatcher struct {
	keyPattern   *regexp.Regexp
	valuePattern *regexp.Regexp
}

// Condition defines filtering criteria for message routing. Every set
// criterion must hold.
type Condition struct {
	topicFilter         *string
	qos                 *byte
	subscriptionID      *uint32
	retained            *bool
	contentTypeRegexp   *regexp.Regexp
	responseTopicRegexp *regexp.Regexp
	userProperties      []userPropertyMatcher
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic matches the topic against a filter with + and # wildcards.
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithQoS matches the QoS the message was delivered with.
func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithSubscriptionID matches messages carrying the identifier among their
// subscription identifiers.
func WithSubscriptionID(id uint32) ConditionOption {
	return func(c *Condition) {
		c.subscriptionID = &id
	}
}

// WithRetained matches the retain flag.
func WithRetained(retained bool) ConditionOption {
	return func(c *Condition) {
		c.retained = &retained
	}
}

// WithContentType matches the content type against a pattern.
func WithContentType(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.contentTypeRegexp = pattern
	}
}

// WithResponseTopic matches the response topic against a pattern.
func WithResponseTopic(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.responseTopicRegexp = pattern
	}
}

// WithUserProperty requires a user property whose key and value match the
// patterns. It may be given several times.
func WithUserProperty(keyPattern, valuePattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.userProperties = append(c.userProperties, userPropertyMatcher{
			keyPattern:   keyPattern,
			valuePattern: valuePattern,
		})
	}
}

type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to every handler whose condition matches, in
// registration order.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates an empty Router.
func New() *Router {
	return &Router{}
}

// Handle registers a handler with optional conditions. A handler without
// conditions receives every message.
//
//	r.Handle(h, WithTopic("sensors/#"))
//	r.Handle(h, WithTopic("sensors/#"), WithQoS(1))
//	r.Handle(h, WithSubscriptionID(2), WithContentType(regexp.MustCompile(`json`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{handler: handler, condition: cond})
	r.mu.Unlock()
}

func (c *Condition) matches(msg *mqttv5.Message) bool {
	switch {
	case c.topicFilter != nil && !mqttv5.TopicMatch(*c.topicFilter, msg.Topic):
		return false
	case c.qos != nil && *c.qos != msg.QoS:
		return false
	case c.subscriptionID != nil && !slices.Contains(msg.SubscriptionIdentifiers, *c.subscriptionID):
		return false
	case c.retained != nil && *c.retained != msg.Retain:
		return false
	case c.contentTypeRegexp != nil && !c.contentTypeRegexp.MatchString(msg.ContentType):
		return false
	case c.responseTopicRegexp != nil && !c.responseTopicRegexp.MatchString(msg.ResponseTopic):
		return false
	}
	return c.matchUserProperties(msg.UserProperties)
}

func (c *Condition) matchUserProperties(props []mqttv5.StringPair) bool {
	for _, m := range c.userProperties {
		found := slices.ContainsFunc(props, func(p mqttv5.StringPair) bool {
			return m.keyPattern.MatchString(p.Key) && m.valuePattern.MatchString(p.Value)
		})
		if !found {
			return false
		}
	}
	return true
}

// Route dispatches msg to all matching handlers and returns how many
// matched together with their joined errors.
func (r *Router) Route(msg *mqttv5.Message) (int, error) {
	if msg == nil {
		return 0, nil
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(msg) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, h := range matched {
		if err := h(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return len(matched), errors.Join(errs...)
}

// HandleMessage implements mqttv5.MessageHandler, so the router can be
// installed with mqttv5.WithDefaultHandler or bound to a subscription
// identifier.
func (r *Router) HandleMessage(msg *mqttv5.Message) error {
	_, err := r.Route(msg)
	return err
}

// Filters returns the distinct topic filters of all conditions, sorted.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filters []string
	for _, reg := range r.handlers {
		if f := reg.condition.topicFilter; f != nil && !slices.Contains(filters, *f) {
			filters = append(filters, *f)
		}
	}
	slices.Sort(filters)
	return filters
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = nil
	r.mu.Unlock()
}
