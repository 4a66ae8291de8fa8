package udpc

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/opd-ai/udpc/connection"
)

// CloseReason records why a connection was closed.
type CloseReason = connection.CloseReason

// Close reasons reported to DisconnectedCallback.
const (
	ReasonTimeout       = connection.ReasonTimeout
	ReasonDropped       = connection.ReasonDropped
	ReasonRemoteClosed  = connection.ReasonRemoteClosed
	ReasonConnectFailed = connection.ReasonConnectFailed
)

// ConnectedCallback is called when a connection completes its handshake.
type ConnectedCallback func(addr netip.AddrPort)

// DisconnectedCallback is called once when a connection closes.
type DisconnectedCallback func(addr netip.AddrPort, reason CloseReason)

// ReceivedCallback is called for every delivered DATA payload.
type ReceivedCallback func(addr netip.AddrPort, payload []byte)

// EventType identifies a queued event.
type EventType uint8

const (
	EventConnected EventType = iota
	EventDisconnected
	EventReceived
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReceived:
		return "received"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// lifecycle reports whether the event is a connected or disconnected event.
func (t EventType) lifecycle() bool {
	return t == EventConnected || t == EventDisconnected
}

// Event is one notification waiting for CheckEvents.
type Event struct {
	Type    EventType
	Addr    netip.AddrPort
	Reason  CloseReason
	Payload []byte
}

// eventQueue is the bounded, thread-safe queue between the tick and
// CheckEvents.
type eventQueue struct {
	mu       sync.Mutex
	items    []Event
	capacity int
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{capacity: capacity}
}

// push appends events in order. When full, the oldest received event is
// evicted first so lifecycle events survive; failing that, the oldest event.
// It returns the number of evicted events.
func (q *eventQueue) push(events ...Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for _, ev := range events {
		if len(q.items) >= q.capacity {
			q.evictLocked()
			evicted++
		}
		q.items = append(q.items, ev)
	}
	return evicted
}

func (q *eventQueue) evictLocked() {
	for i, ev := range q.items {
		if ev.Type == EventReceived {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
	q.items = q.items[1:]
}

// drain removes and returns every queued event.
func (q *eventQueue) drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *eventQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
