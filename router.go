package mqttv5

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// MessageHandler consumes messages delivered by a Router.
type MessageHandler interface {
	HandleMessage(msg *Message) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(msg *Message) error

// HandleMessage calls f(msg).
func (f MessageHandlerFunc) HandleMessage(msg *Message) error {
	return f(msg)
}

// ErrNilHandler is returned when registering a nil handler.
var ErrNilHandler = errors.New("handler cannot be nil")

// HandlerError wraps a failure of one handler during Dispatch. A panicking
// handler is reported with Panic set and Err describing the panic.
type HandlerError struct {
	SubscriptionID uint32
	Err            error
	Panic          any
}

func (e *HandlerError) Error() string {
	if e.SubscriptionID == 0 {
		return "default handler: " + e.Err.Error()
	}
	return fmt.Sprintf("handler for subscription identifier %d: %v", e.SubscriptionID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Router dispatches inbound messages by subscription identifier. A message
// carrying several identifiers reaches the handler of each of them once;
// the default handler only runs when none of them had a handler.
//
// Handlers run on the dispatching goroutine, outside the router lock, so
// they may register or unregister handlers themselves.
type Router struct {
	mu       sync.RWMutex
	handlers map[uint32]MessageHandler
	fallback MessageHandler
	logger   Logger
	failures Counter
}

// NewRouter creates an empty Router.
func NewRouter(logger Logger) *Router {
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &Router{
		handlers: make(map[uint32]MessageHandler),
		logger:   logger,
		failures: &noOpCounter{},
	}
}

// Register binds h to a subscription identifier, replacing any handler
// already bound to it.
func (r *Router) Register(id uint32, h MessageHandler) error {
	if id == 0 || id > maxVarint {
		return ErrInvalidSubscriptionID
	}
	if h == nil {
		return ErrNilHandler
	}

	r.mu.Lock()
	r.handlers[id] = h
	r.mu.Unlock()
	return nil
}

// Unregister removes the handler bound to id.
func (r *Router) Unregister(id uint32) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

// Handler returns the handler bound to id.
func (r *Router) Handler(id uint32) (MessageHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// SetDefault sets the catch-all handler. nil removes it.
func (r *Router) SetDefault(h MessageHandler) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// SetFailureCounter counts failed and panicking handler invocations in c.
func (r *Router) SetFailureCounter(c Counter) {
	if c == nil {
		c = &noOpCounter{}
	}
	r.mu.Lock()
	r.failures = c
	r.mu.Unlock()
}

// Len returns the number of identifiers with a handler.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

type route struct {
	id      uint32
	handler MessageHandler
}

// Dispatch delivers msg to its handlers. Every handler runs even if an
// earlier one fails; the failures are returned joined. A message nobody
// handles is logged and dropped.
func (r *Router) Dispatch(msg *Message) error {
	if msg == nil {
		return nil
	}

	r.mu.RLock()
	routes := make([]route, 0, len(msg.SubscriptionIdentifiers))
	var missing []uint32
	for i, id := range msg.SubscriptionIdentifiers {
		if slices.Contains(msg.SubscriptionIdentifiers[:i], id) {
			continue
		}
		if h, ok := r.handlers[id]; ok {
			routes = append(routes, route{id: id, handler: h})
		} else {
			missing = append(missing, id)
		}
	}
	fallback := r.fallback
	failures := r.failures
	r.mu.RUnlock()

	for _, id := range missing {
		r.logger.Debug("no handler for subscription identifier", LogFields{
			LogFieldTopic:          msg.Topic,
			LogFieldSubscriptionID: id,
		})
	}

	if len(routes) == 0 {
		if fallback == nil {
			r.logger.Debug("message dropped, no handler", LogFields{LogFieldTopic: msg.Topic})
			return nil
		}
		routes = append(routes, route{handler: fallback})
	}

	var errs []error
	for _, rt := range routes {
		if err := r.invoke(rt, msg); err != nil {
			failures.Inc()
			r.logger.Warn("message handler failed", LogFields{
				LogFieldTopic:          msg.Topic,
				LogFieldSubscriptionID: rt.id,
				LogFieldError:          err.Error(),
			})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) invoke(rt route, msg *Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &HandlerError{SubscriptionID: rt.id, Err: fmt.Errorf("panic: %v", p), Panic: p}
		}
	}()

	if herr := rt.handler.HandleMessage(msg); herr != nil {
		return &HandlerError{SubscriptionID: rt.id, Err: herr}
	}
	return nil
}
