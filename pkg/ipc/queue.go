package ipc

import (
	"context"
	"sync"

	"github.com/wonderland/bridge/pkg/packet"
	"github.com/wonderland/bridge/pkg/types"
)

// QueueStats holds broadcast queue counters
type QueueStats struct {
	Depth     int    `json:"depth"`
	Published uint64 `json:"published"`
	Withdrawn uint64 `json:"withdrawn"`
	Drained   uint64 `json:"drained"`
}

// BroadcastQueue is a FIFO of events awaiting delivery to every observer.
// Every method takes the queue lock itself.
type BroadcastQueue struct {
	mu      sync.Mutex
	events  []*packet.Event
	notify  chan struct{}
	done    chan struct{}
	closed  bool
	maxSize int
	stats   QueueStats
}

// NewBroadcastQueue creates a queue. maxSize <= 0 means unbounded.
func NewBroadcastQueue(maxSize int) *BroadcastQueue {
	return &BroadcastQueue{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		maxSize: maxSize,
	}
}

// Publish appends an event. It fails when the queue is closed or full.
func (q *BroadcastQueue) Publish(e *packet.Event) error {
	if e == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "event is nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.NewError(types.ErrCodeUnavailable, "broadcast queue is closed")
	}
	if q.maxSize > 0 && len(q.events) >= q.maxSize {
		return types.NewError(types.ErrCodeResourceExhausted, "broadcast queue is full")
	}

	q.events = append(q.events, e)
	q.stats.Published++

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Withdraw removes a pending event by identity. It reports false when the
// event is not queued, either because it was never published or because it
// has already been handed to the dispatcher.
func (q *BroadcastQueue) Withdraw(e *packet.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, queued := range q.events {
		if queued == e {
			copy(q.events[i:], q.events[i+1:])
			q.events[len(q.events)-1] = nil
			q.events = q.events[:len(q.events)-1]
			q.stats.Withdrawn++
			return true
		}
	}
	return false
}

// Next removes and returns the oldest event, blocking until one is
// available, the queue is closed or ctx is done
func (q *BroadcastQueue) Next(ctx context.Context) (*packet.Event, error) {
	for {
		e, ok, closed := q.pop()
		if ok {
			return e, nil
		}
		if closed {
			return nil, types.NewError(types.ErrCodeUnavailable, "broadcast queue is closed")
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return nil, types.WrapError(types.ErrCodeCanceled, "waiting for broadcast event canceled", ctx.Err())
		}
	}
}

// TryNext removes and returns the oldest event without blocking
func (q *BroadcastQueue) TryNext() (*packet.Event, bool) {
	e, ok, _ := q.pop()
	return e, ok
}

func (q *BroadcastQueue) pop() (*packet.Event, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil, false, q.closed
	}

	e := q.events[0]
	q.events[0] = nil
	q.events = q.events[1:]
	q.stats.Drained++
	return e, true, false
}

// Len returns the number of pending events
func (q *BroadcastQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close stops accepting events. Pending events can still be drained.
func (q *BroadcastQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Stats returns queue counters
func (q *BroadcastQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.Depth = len(q.events)
	return stats
}
