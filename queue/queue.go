// Package queue implements the bounded FIFO (C4) between transport ingress
// and the engine's single worker: multi-producer, single-consumer,
// internally locked, matching spec section 5's ordering guarantees.
package queue

import (
	"sync"
	"time"

	"github.com/vadiminshakov/pbft-core/message"
)

// Item pairs a decoded message with the node it arrived from.
type Item struct {
	Msg  message.ConsensusMessage
	From message.NodeIndex
}

// Queue is a bounded FIFO. Enqueue never blocks: once full, the oldest
// low-priority item is dropped to make room, and DroppedCount is
// incremented. ViewChange and NewView messages are never dropped, per
// spec section 4.3 and the QueueOverflow error kind in section 7: when
// every queued item is one of them, a new one is enqueued beyond capacity.
type Queue struct {
	mu      sync.Mutex
	items   []Item
	cap     int
	dropped uint64
	closed  bool
	notify  chan struct{}
}

// New builds a Queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{cap: capacity, notify: make(chan struct{}, 1)}
}

func isHandshakeCritical(item Item) bool {
	switch item.Msg.Type() {
	case message.PacketViewChange, message.PacketNewView:
		return true
	default:
		return false
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push enqueues an item. If the queue is full, the oldest droppable
// (non-handshake-critical) item is evicted; if every queued item is
// handshake-critical, a non-critical new item is dropped instead and
// counted, and a handshake-critical new item is enqueued beyond capacity.
func (q *Queue) Push(item Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	if len(q.items) >= q.cap {
		if !q.evictOldestDroppableLocked() {
			if !isHandshakeCritical(item) {
				q.dropped++
				q.mu.Unlock()
				return
			}
			// every queued item and the new one are handshake-critical:
			// enqueue beyond capacity rather than drop a ViewChange/NewView.
		}
	}

	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) evictOldestDroppableLocked() bool {
	for i, it := range q.items {
		if !isHandshakeCritical(it) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dropped++
			return true
		}
	}
	return false
}

// TryPop blocks up to timeout waiting for an item, returning ok=false on
// timeout or after Close.
func (q *Queue) TryPop(timeout time.Duration) (Item, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Item{}, false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Item{}, false
		}
		select {
		case <-q.notify:
		case <-time.After(remaining):
			return Item{}, false
		}
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DroppedCount returns the number of items dropped due to overflow.
func (q *Queue) DroppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes any blocked TryPop so the worker can exit cooperatively.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}
