package stream

import (
	"errors"
	"sync"
)

// QueueCap bounds each connection's outbound queue.
const QueueCap = 64

var errSlowConsumer = errors.New("slow consumer")

type event struct {
	kind   string
	symbol string
	data   []byte
}

// queue is the outbound buffer between the symbol tasks and a connection's writer.
// Only ticks are ever dropped: the oldest tick of the same symbol first, then the oldest tick.
type queue struct {
	mu      sync.Mutex
	items   []event
	cap     int
	dropped int
	ready   chan struct{}
}

func newQueue(capacity int) *queue {
	return &queue{items: make([]event, 0, capacity), cap: capacity, ready: make(chan struct{}, 1)}
}

func (q *queue) push(e event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cap {
		i := q.victim(e)
		if i < 0 {
			return errSlowConsumer
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.dropped++
	}
	q.items = append(q.items, e)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

func (q *queue) victim(e event) int {
	oldest := -1
	for i, it := range q.items {
		if it.kind != FrameTick {
			continue
		}
		if e.kind == FrameTick && it.symbol == e.symbol {
			return i
		}
		if oldest < 0 {
			oldest = i
		}
	}
	return oldest
}

// drain moves everything queued into buf.
func (q *queue) drain(buf []event) []event {
	q.mu.Lock()
	defer q.mu.Unlock()
	buf = append(buf[:0], q.items...)
	q.items = q.items[:0]
	return buf
}

func (q *queue) droppedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
