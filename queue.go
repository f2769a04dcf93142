package nostr

import (
	"container/heap"
	"sync"
	"time"
)

// Priority orders OutgoingQueue entries: AUTH and CLOSE outrank
// EVENT/REQ/COUNT (§3, §4.2.3).
type Priority int

const (
	PriorityNormal Priority = iota // EVENT, REQ, COUNT
	PriorityHigh                   // CLOSE
	PriorityAuth                   // AUTH
)

// outMessage is one OutgoingQueue entry.
type outMessage struct {
	payload  []byte
	priority Priority
	deadline time.Time // zero means no deadline
	seq      int64     // insertion order, for FIFO within a priority tier
	onDrop   func()     // called if the deadline passes before send (§4.2.3)
}

// outHeap implements container/heap ordering highest priority first, and
// within a tier, earliest-inserted first.
type outHeap []*outMessage

func (h outHeap) Len() int { return len(h) }
func (h outHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h outHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *outHeap) Push(x any)   { *h = append(*h, x.(*outMessage)) }
func (h *outHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// OutgoingQueue is the bounded, priority-ordered FIFO a Relay's send loop
// drains (§3, §4.2.3, §5 backpressure). Push fails fast with ErrBusy when
// at capacity rather than blocking.
type OutgoingQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	h        outHeap
	cap      int
	seq      int64
	closed   bool
}

// NewOutgoingQueue builds a queue bounded at capacity entries.
func NewOutgoingQueue(capacity int) *OutgoingQueue {
	q := &OutgoingQueue{cap: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push enqueues payload at the given priority. If deadline is non-zero and
// passes before the message is popped, onDrop (if non-nil) is invoked
// instead of delivering it.
func (q *OutgoingQueue) Push(payload []byte, priority Priority, deadline time.Time, onDrop func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShutdown
	}
	if q.cap > 0 && len(q.h) >= q.cap {
		return ErrBusy
	}

	q.seq++
	heap.Push(&q.h, &outMessage{
		payload:  payload,
		priority: priority,
		deadline: deadline,
		seq:      q.seq,
		onDrop:   onDrop,
	})
	q.notEmpty.Signal()
	return nil
}

// Pop blocks until a message is available or the queue is closed, skipping
// (and invoking onDrop for) any entries whose deadline has already passed.
// Returns ok=false once the queue is closed and drained.
func (q *OutgoingQueue) Pop() (payload []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for len(q.h) > 0 {
			top := q.h[0]
			if !top.deadline.IsZero() && time.Now().After(top.deadline) {
				heap.Pop(&q.h)
				if top.onDrop != nil {
					drop := top.onDrop
					q.mu.Unlock()
					drop()
					q.mu.Lock()
				}
				continue
			}
			heap.Pop(&q.h)
			return top.payload, true
		}
		if q.closed {
			return nil, false
		}
		q.notEmpty.Wait()
	}
}

// Len reports the current queue depth.
func (q *OutgoingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Close marks the queue closed and wakes any blocked Pop; buffered
// messages are dropped without invoking onDrop (the Relay is going away).
func (q *OutgoingQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.h = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
