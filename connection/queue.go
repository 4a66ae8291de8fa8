package connection

import "errors"

// DefaultQueueSize is the send queue capacity used when none is configured.
const DefaultQueueSize = 64

// ErrQueueFull is returned by Push when the queue is at capacity.
var ErrQueueFull = errors.New("send queue full")

// SendQueue is a bounded FIFO of pending payloads backed by a fixed ring.
type SendQueue struct {
	items [][]byte
	head  int
	size  int
}

// NewSendQueue creates a queue holding at most capacity payloads.
func NewSendQueue(capacity int) *SendQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &SendQueue{items: make([][]byte, capacity)}
}

// Push appends payload. A full queue is left unchanged.
func (q *SendQueue) Push(payload []byte) error {
	if q.size == len(q.items) {
		return ErrQueueFull
	}
	q.items[(q.head+q.size)%len(q.items)] = payload
	q.size++
	return nil
}

// Pop removes and returns the oldest payload.
func (q *SendQueue) Pop() ([]byte, bool) {
	if q.size == 0 {
		return nil, false
	}
	payload := q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return payload, true
}

// Len returns the number of queued payloads.
func (q *SendQueue) Len() int { return q.size }

// Available returns the remaining capacity.
func (q *SendQueue) Available() int { return len(q.items) - q.size }

// Clear discards every queued payload.
func (q *SendQueue) Clear() {
	for i := range q.items {
		q.items[i] = nil
	}
	q.head = 0
	q.size = 0
}
