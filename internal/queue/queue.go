// Package queue provides the bounded, thread-safe FIFO that decouples the
// connection manager from the message producers and consumers. One
// instance serves the inbox and an independent instance serves the
// outbox.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/corvusec/palisade/agent/internal/wire"
	"github.com/corvusec/palisade/agent/pkg/debug"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue: closed")

// Queue is a bounded FIFO of protocol messages. Capacity is enforced on
// both message count and total payload bytes; producers block, messages
// are never dropped. Many producers and consumers may operate
// concurrently.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	messages []wire.Message
	bytes    int

	maxMessages int
	maxBytes    int
	closed      bool
}

// New creates a queue bounded by maxMessages and maxBytes of payload.
func New(maxMessages, maxBytes int) *Queue {
	q := &Queue{
		maxMessages: maxMessages,
		maxBytes:    maxBytes,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// full reports whether msg would exceed capacity. A message is always
// admitted into an empty queue, even when it alone exceeds maxBytes;
// otherwise an oversized message could never be delivered.
func (q *Queue) full(msg wire.Message) bool {
	if len(q.messages) == 0 {
		return false
	}
	return len(q.messages) >= q.maxMessages || q.bytes+msg.ByteSize() > q.maxBytes
}

// Enqueue appends msg at the tail, blocking while the queue is at
// capacity. It returns ErrClosed if the queue has been closed.
func (q *Queue) Enqueue(msg wire.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.full(msg) {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrClosed
	}

	q.messages = append(q.messages, msg)
	q.bytes += msg.ByteSize()
	q.notEmpty.Signal()
	return nil
}

// Dequeue removes and returns the head, waiting up to timeout for a
// message to arrive. The second result is false when the wait timed out
// or the queue was closed and drained; that is a normal outcome, not an
// error.
func (q *Queue) Dequeue(timeout time.Duration) (wire.Message, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.messages) == 0 && !q.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Message{}, false
		}
		// sync.Cond has no timed wait; a timer broadcast bounds it.
		t := time.AfterFunc(remaining, q.notEmpty.Broadcast)
		q.notEmpty.Wait()
		t.Stop()
	}
	if len(q.messages) == 0 {
		return wire.Message{}, false
	}
	return q.popLocked(), true
}

// DequeueBatch removes up to maxCount messages totalling at most maxBytes
// of payload without blocking. The connection manager uses it to drain
// the outbox while staying responsive. At least one message is returned
// when the queue is non-empty, even if that message alone exceeds
// maxBytes.
func (q *Queue) DequeueBatch(maxCount, maxBytes int) []wire.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []wire.Message
	size := 0
	for len(q.messages) > 0 && len(batch) < maxCount {
		head := q.messages[0]
		if len(batch) > 0 && size+head.ByteSize() > maxBytes {
			break
		}
		batch = append(batch, q.popLocked())
		size += head.ByteSize()
	}
	if len(batch) > 0 {
		debug.Debug("Dequeued batch of %d messages (%d payload bytes)", len(batch), size)
	}
	return batch
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// ByteSize returns the total payload bytes currently queued.
func (q *Queue) ByteSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Close wakes all blocked producers and consumers. Pending messages can
// still be dequeued; further enqueues are rejected. Close is the
// cooperative shutdown hook for whole-process teardown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// popLocked removes and returns the head. Caller holds the lock.
func (q *Queue) popLocked() wire.Message {
	msg := q.messages[0]
	// Clear the slot so the backing array does not pin the payload.
	q.messages[0] = wire.Message{}
	q.messages = q.messages[1:]
	q.bytes -= msg.ByteSize()
	q.notFull.Broadcast()
	return msg
}
