package supervisor

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/netbro-agent/internal/alert"
)

// ErrQueueFull is returned to the producer when the delivery queue is at
// capacity. Alerts are never dropped silently.
var ErrQueueFull = errors.New("supervisor: delivery queue full")

// DefaultQueueCapacity bounds the delivery queue.
const DefaultQueueCapacity = 256

// deliveryQueue is a bounded FIFO of undelivered alerts. Producers append
// from any goroutine; only the supervisor loop peeks and pops.
type deliveryQueue struct {
	mu   sync.Mutex
	data []alert.Event
	cap  int
}

func newDeliveryQueue(capacity int) *deliveryQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &deliveryQueue{
		data: make([]alert.Event, 0, capacity),
		cap:  capacity,
	}
}

// enqueue appends ev and returns the new length. An event already queued
// is ignored.
func (q *deliveryQueue) enqueue(ev alert.Event) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.data {
		if e.ID == ev.ID {
			return len(q.data), nil
		}
	}
	if len(q.data) >= q.cap {
		return len(q.data), ErrQueueFull
	}
	q.data = append(q.data, ev)
	return len(q.data), nil
}

// restore puts persisted events ahead of anything queued since start, in
// their stored order. It returns how many did not fit.
func (q *deliveryQueue) restore(pending []alert.Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[uuid.UUID]bool, len(pending)+len(q.data))
	merged := make([]alert.Event, 0, q.cap)
	dropped := 0
	for _, list := range [][]alert.Event{pending, q.data} {
		for _, ev := range list {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			if len(merged) >= q.cap {
				dropped++
				continue
			}
			merged = append(merged, ev)
		}
	}
	q.data = merged
	return dropped
}

// peek returns the oldest event.
func (q *deliveryQueue) peek() (alert.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return alert.Event{}, false
	}
	return q.data[0], true
}

// pop removes the oldest event, after it was acknowledged.
func (q *deliveryQueue) pop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return
	}
	q.data[0] = alert.Event{}
	q.data = q.data[1:]
}

func (q *deliveryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}
