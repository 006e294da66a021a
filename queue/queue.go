// Package queue provides the bounded FIFO event buffers between the ingress
// gate and the batchers. The pipeline keeps one queue per source kind as a
// fairness policy: a burst from a poll source fills its own queue and cannot
// delay stream events.
package queue

import (
	"context"
	"time"

	"github.com/small-thinking/taotie/event"
)

// Queue is a bounded FIFO buffer of accepted events.
type Queue interface {
	// Enqueue appends without blocking. Returns errors.ErrQueueFull as a
	// backpressure signal when the queue is at capacity.
	Enqueue(ctx context.Context, ev event.Event) error

	// EnqueueWait appends, blocking up to maxWait for capacity. This is the
	// default adapter backpressure policy (bounded blocking).
	EnqueueWait(ctx context.Context, ev event.Event, maxWait time.Duration) error

	// Dequeue removes the oldest event, waiting up to maxWait for one to
	// arrive. The second return is false when the wait timed out or the
	// context was cancelled.
	Dequeue(ctx context.Context, maxWait time.Duration) (event.Event, bool)

	// Len returns the current queue depth
	Len() int

	// Cap returns the queue capacity
	Cap() int
}
