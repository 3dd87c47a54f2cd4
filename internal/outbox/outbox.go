// Package outbox implements the per-connection outbound message sink.
//
// The hub writes notifications into an Outbox from its single goroutine; the
// connection's writer drains it. Enqueue never blocks, so a stalled peer can
// only lose its own messages and never delays the hub.
package outbox

import (
	"sync"
	"sync/atomic"
)

// Outbox is a FIFO of text messages bounded by both message count and total
// bytes. Messages that do not fit are dropped.
type Outbox struct {
	mu     sync.Mutex
	closed bool

	maxMessages int
	maxBytes    int
	curBytes    int
	msgs        [][]byte

	ready chan struct{}
	drops atomic.Uint64
}

// New returns an Outbox. A limit <= 0 disables that bound.
func New(maxMessages, maxBytes int) *Outbox {
	return &Outbox{
		maxMessages: maxMessages,
		maxBytes:    maxBytes,
		ready:       make(chan struct{}, 1),
	}
}

// Enqueue appends msg if it fits. It reports false when the message was
// dropped because the outbox is full or closed.
func (o *Outbox) Enqueue(msg []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.drops.Add(1)
		return false
	}
	if o.maxMessages > 0 && len(o.msgs) >= o.maxMessages {
		o.mu.Unlock()
		o.drops.Add(1)
		return false
	}
	if o.maxBytes > 0 && o.curBytes+len(msg) > o.maxBytes {
		o.mu.Unlock()
		o.drops.Add(1)
		return false
	}
	o.msgs = append(o.msgs, msg)
	o.curBytes += len(msg)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled after Enqueue adds a message. A single signal may cover
// several messages, so readers should Drain until empty.
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Drain removes and returns every queued message in FIFO order.
func (o *Outbox) Drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.msgs) == 0 {
		return nil
	}
	msgs := o.msgs
	o.msgs = nil
	o.curBytes = 0
	return msgs
}

// Len reports the number of queued messages.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}

func (o *Outbox) DropCount() uint64 {
	return o.drops.Load()
}

// Close discards queued messages; later Enqueue calls are dropped.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.msgs = nil
	o.curBytes = 0
	o.mu.Unlock()
}
