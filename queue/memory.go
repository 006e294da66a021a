package queue

import (
	"context"
	"time"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
)

// Memory is a channel-backed bounded FIFO queue. FIFO ordering and
// single-consumer handoff come directly from the channel semantics; no
// additional locking is needed.
type Memory struct {
	ch chan event.Event
}

// NewMemory creates a queue with the given capacity
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Memory{
		ch: make(chan event.Event, capacity),
	}
}

// Enqueue implements Queue
func (q *Memory) Enqueue(ctx context.Context, ev event.Event) error {
	select {
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Queue", "Enqueue", "context cancelled")
	case q.ch <- ev:
		return nil
	default:
		return errors.ErrQueueFull
	}
}

// EnqueueWait implements Queue
func (q *Memory) EnqueueWait(ctx context.Context, ev event.Event, maxWait time.Duration) error {
	// Fast path
	select {
	case q.ch <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Queue", "EnqueueWait", "context cancelled")
	case q.ch <- ev:
		return nil
	case <-timer.C:
		return errors.ErrQueueFull
	}
}

// Dequeue implements Queue
func (q *Memory) Dequeue(ctx context.Context, maxWait time.Duration) (event.Event, bool) {
	// Fast path avoids a timer allocation when events are waiting
	select {
	case ev := <-q.ch:
		return ev, true
	default:
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return event.Event{}, false
	case ev := <-q.ch:
		return ev, true
	case <-timer.C:
		return event.Event{}, false
	}
}

// Len implements Queue
func (q *Memory) Len() int {
	return len(q.ch)
}

// Cap implements Queue
func (q *Memory) Cap() int {
	return cap(q.ch)
}

// Set holds one queue per source kind.
type Set map[event.SourceKind]Queue

// NewSet builds a queue per source kind. capacities maps kind to capacity;
// kinds missing from the map get defaultCapacity.
func NewSet(capacities map[event.SourceKind]int, defaultCapacity int) Set {
	set := make(Set, len(event.Kinds()))
	for _, kind := range event.Kinds() {
		capacity := defaultCapacity
		if c, ok := capacities[kind]; ok && c > 0 {
			capacity = c
		}
		set[kind] = NewMemory(capacity)
	}
	return set
}
