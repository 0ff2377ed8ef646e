package mqttv5

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Token tracks one asynchronous operation. It completes exactly once; Err
// and the reason codes are only meaningful after Done is closed.
type Token struct {
	done     chan struct{}
	once     sync.Once
	packetID uint16

	reason ReasonCode
	codes  []ReasonCode
	err    error
}

func newToken(packetID uint16) *Token {
	return &Token{done: make(chan struct{}), packetID: packetID}
}

// Done is closed when the operation completed or failed.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns the failure of a completed operation, or nil while it is
// still pending.
func (t *Token) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the operation completes or ctx ends.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until the operation completes or d elapses. An elapsed
// timeout is reported as an error wrapping ErrTimeout.
func (t *Token) WaitTimeout(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.done:
		return t.err
	case <-timer.C:
		return fmt.Errorf("%w: operation still pending after %s", ErrTimeout, d)
	}
}

// PacketID returns the packet identifier, 0 for QoS 0 publishes.
func (t *Token) PacketID() uint16 {
	return t.packetID
}

// ReasonCode returns the reason code of the acknowledgment. For SUBACK and
// UNSUBACK it is the first code of the list.
func (t *Token) ReasonCode() ReasonCode {
	<-t.done
	return t.reason
}

// ReasonCodes returns every reason code of a SUBACK or UNSUBACK.
func (t *Token) ReasonCodes() []ReasonCode {
	<-t.done
	return t.codes
}

func (t *Token) complete(reason ReasonCode, codes []ReasonCode, err error) {
	t.once.Do(func() {
		t.reason = reason
		t.codes = codes
		t.err = err
		close(t.done)
	})
}

func (t *Token) fail(err error) {
	t.complete(ReasonUnspecifiedError, nil, err)
}

// SubscribeToken is returned by Subscribe.
type SubscribeToken struct {
	*Token
	Filter         string
	SubscriptionID uint32
}

// GrantedQoS returns the QoS granted by the server. It blocks until SUBACK
// and returns false when the subscription was refused.
func (t *SubscribeToken) GrantedQoS() (byte, bool) {
	rc := t.ReasonCode()
	if t.Err() != nil || rc.IsError() {
		return 0, false
	}
	return byte(rc), true
}

type opKind uint8

const (
	opPublish opKind = iota
	opSubscribe
	opUnsubscribe
)

func (k opKind) String() string {
	switch k {
	case opPublish:
		return "publish"
	case opSubscribe:
		return "subscribe"
	default:
		return "unsubscribe"
	}
}

// pendingOp is an operation waiting for its acknowledgment. QoS 0
// publishes only pass through the publish queue and never enter the table.
type pendingOp struct {
	kind     opKind
	packetID uint16
	seq      uint64
	token    *Token

	msg    *Message
	frame  []byte
	sent   bool
	dup    bool
	sentAt time.Time
	// released is set once PUBREC arrived and PUBREL went out.
	released bool

	filters []string
	subID   uint32
	// ownsHandler marks a subscribe that registered its own router handler.
	ownsHandler bool
}

// pendingTable maps packet identifiers to operations. It has no lock of its
// own: the Client guards it with its session mutex.
type pendingTable struct {
	next uint16
	seq  uint64
	ops  map[uint16]*pendingOp
}

func newPendingTable() *pendingTable {
	return &pendingTable{next: 1, ops: make(map[uint16]*pendingOp)}
}

// allocate returns the next free identifier, wrapping within 1..65535.
func (t *pendingTable) allocate() (uint16, error) {
	if len(t.ops) >= maxUint16 {
		return 0, ErrNoPacketIDs
	}
	for range maxUint16 {
		id := t.next
		t.next++
		if t.next == 0 {
			t.next = 1
		}
		if _, used := t.ops[id]; !used {
			return id, nil
		}
	}
	return 0, ErrNoPacketIDs
}

func (t *pendingTable) add(op *pendingOp) {
	t.seq++
	op.seq = t.seq
	t.ops[op.packetID] = op
}

func (t *pendingTable) get(id uint16) *pendingOp {
	return t.ops[id]
}

func (t *pendingTable) remove(id uint16) *pendingOp {
	op := t.ops[id]
	delete(t.ops, id)
	return op
}

func (t *pendingTable) len() int {
	return len(t.ops)
}

// publishes returns the pending publishes in the order they were issued.
func (t *pendingTable) publishes() []*pendingOp {
	var out []*pendingOp
	for _, op := range t.ops {
		if op.kind == opPublish {
			out = append(out, op)
		}
	}
	slices.SortFunc(out, bySeq)
	return out
}

// drain removes and returns every operation for which keep returns false,
// ordered by issue sequence.
func (t *pendingTable) drain(keep func(*pendingOp) bool) []*pendingOp {
	var out []*pendingOp
	for id, op := range t.ops {
		if keep != nil && keep(op) {
			continue
		}
		delete(t.ops, id)
		out = append(out, op)
	}
	slices.SortFunc(out, bySeq)
	return out
}

func bySeq(a, b *pendingOp) int {
	return cmp.Compare(a.seq, b.seq)
}
