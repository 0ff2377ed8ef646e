package mqttv5

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// DefaultEventQueueSize bounds the events kept per kind while nobody waits.
// Message and Published events are usually consumed through handler
// callbacks, so a full queue drops its oldest event without logging.
const DefaultEventQueueSize = 256

// Waiter turns asynchronous events into blocking waits. Each Post satisfies
// exactly one wait; waiters of the same kind are served first-in first-out,
// and events posted while no one waits are queued per kind until claimed.
//
// Waiting never polls: every waiter parks on its own buffered channel and
// the posting goroutine hands the event over under the Waiter's lock.
type Waiter struct {
	mu      sync.Mutex
	queues  [eventKindCount][]Event
	waiters [eventKindCount][]*waitSlot
	dropped [eventKindCount]Counter
	limit   int
	closed  bool
}

type waitSlot struct {
	ch chan Event
}

// NewWaiter creates a Waiter keeping at most queueSize unclaimed events per
// kind; older events are dropped first. queueSize <= 0 selects
// DefaultEventQueueSize.
func NewWaiter(queueSize int) *Waiter {
	if queueSize <= 0 {
		queueSize = DefaultEventQueueSize
	}
	w := &Waiter{limit: queueSize}
	for kind := range eventKindCount {
		w.dropped[kind] = &noOpCounter{}
	}
	return w
}

// SetDropCounter counts in c the queued events of kind dropped because the
// queue was full.
func (w *Waiter) SetDropCounter(kind EventKind, c Counter) {
	if !kind.valid() {
		return
	}
	if c == nil {
		c = &noOpCounter{}
	}
	w.mu.Lock()
	w.dropped[kind] = c
	w.mu.Unlock()
}

// Post delivers ev to the oldest waiter of its kind, or queues it.
// It reports false when the Waiter is closed.
func (w *Waiter) Post(ev Event) bool {
	if !ev.Kind.valid() {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}

	if slots := w.waiters[ev.Kind]; len(slots) > 0 {
		w.waiters[ev.Kind] = slots[1:]
		slots[0].ch <- ev
		return true
	}

	queue := append(w.queues[ev.Kind], ev)
	if len(queue) > w.limit {
		queue = slices.Delete(queue, 0, 1)
		w.dropped[ev.Kind].Inc()
	}
	w.queues[ev.Kind] = queue
	return true
}

// WaitFor blocks until an event of the kind is available or timeout
// elapses, in which case it returns a *TimeoutError. A timeout <= 0 only
// checks for an already queued event.
//
// Cancelled events are returned together with their Err. For all other
// events the error is nil, even when the event itself carries a failure in
// Event.Err.
func (w *Waiter) WaitFor(kind EventKind, timeout time.Duration) (Event, error) {
	slot, ev, done, err := w.claim(kind, timeout > 0)
	if done {
		return ev, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-slot.ch:
		return ev, cancelErr(ev)
	case <-timer.C:
		if ev, ok := w.abandon(kind, slot); ok {
			return ev, cancelErr(ev)
		}
		return Event{Kind: kind}, &TimeoutError{Kind: kind, Timeout: timeout}
	}
}

// WaitContext is WaitFor bounded by a context instead of a timeout.
func (w *Waiter) WaitContext(ctx context.Context, kind EventKind) (Event, error) {
	slot, ev, done, err := w.claim(kind, true)
	if done {
		return ev, err
	}

	select {
	case ev := <-slot.ch:
		return ev, cancelErr(ev)
	case <-ctx.Done():
		if ev, ok := w.abandon(kind, slot); ok {
			return ev, cancelErr(ev)
		}
		return Event{Kind: kind}, ctx.Err()
	}
}

// claim takes a queued event if one exists. Otherwise, when park is set, it
// registers a slot at the back of the kind's waiter line.
func (w *Waiter) claim(kind EventKind, park bool) (*waitSlot, Event, bool, error) {
	if !kind.valid() {
		return nil, Event{Kind: kind}, true, fmt.Errorf("unknown event kind %d", int(kind))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if queue := w.queues[kind]; len(queue) > 0 {
		ev := queue[0]
		w.queues[kind] = queue[1:]
		return nil, ev, true, nil
	}
	if w.closed {
		return nil, Event{Kind: kind, Cancelled: true, Err: ErrWaiterClosed}, true, ErrWaiterClosed
	}
	if !park {
		return nil, Event{Kind: kind}, true, &TimeoutError{Kind: kind}
	}

	slot := &waitSlot{ch: make(chan Event, 1)}
	w.waiters[kind] = append(w.waiters[kind], slot)
	return slot, Event{}, false, nil
}

// abandon removes slot from the line after its wait expired. If an event
// was handed over concurrently, that event is returned instead of being lost.
func (w *Waiter) abandon(kind EventKind, slot *waitSlot) (Event, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if i := slices.Index(w.waiters[kind], slot); i >= 0 {
		w.waiters[kind] = slices.Delete(w.waiters[kind], i, i+1)
		return Event{}, false
	}
	return <-slot.ch, true
}

// Cancel releases every current waiter, except those waiting for one of the
// kinds in keep, with a cancelled event carrying err. Queued events stay.
func (w *Waiter) Cancel(err error, keep ...EventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelLocked(err, keep)
}

func (w *Waiter) cancelLocked(err error, keep []EventKind) {
	for kind := range eventKindCount {
		if slices.Contains(keep, kind) {
			continue
		}
		for _, slot := range w.waiters[kind] {
			slot.ch <- Event{Kind: kind, Cancelled: true, Err: err}
		}
		w.waiters[kind] = nil
	}
}

// Close cancels every waiter with ErrWaiterClosed and rejects later posts.
// Events still queued can be claimed; afterwards waits fail immediately.
func (w *Waiter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.cancelLocked(ErrWaiterClosed, nil)
}

// Pending returns the number of queued, unclaimed events of the kind.
func (w *Waiter) Pending(kind EventKind) int {
	if !kind.valid() {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queues[kind])
}

// Clear drops queued events of the given kinds, or of every kind when none
// is given.
func (w *Waiter) Clear(kinds ...EventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for kind := range eventKindCount {
		if len(kinds) == 0 || slices.Contains(kinds, kind) {
			w.queues[kind] = nil
		}
	}
}

func cancelErr(ev Event) error {
	if ev.Cancelled {
		return ev.Err
	}
	return nil
}
