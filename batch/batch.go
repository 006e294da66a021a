// Package batch groups accepted events into summarization-ready batches under
// size and age pressure. One Batcher goroutine drains one source-kind queue,
// so batch state is owned by a single goroutine and needs no locking.
package batch

import (
	"time"

	"github.com/google/uuid"

	"github.com/small-thinking/taotie/event"
)

// CloseReason records which rule sealed a batch
type CloseReason string

const (
	// ReasonCount means the batch reached MaxBatchSize
	ReasonCount CloseReason = "count"
	// ReasonAge means the batch exceeded MaxBatchAge
	ReasonAge CloseReason = "age"
	// ReasonFlush means an explicit flush sealed the batch
	ReasonFlush CloseReason = "flush"
	// ReasonShutdown means the pipeline sealed the batch while stopping
	ReasonShutdown CloseReason = "shutdown"
)

// Batch is an ordered group of events bound for one consumer invocation.
// While open it is mutated only by its owning Batcher goroutine; once closed
// it is immutable and owned by exactly one dispatcher worker.
type Batch struct {
	ID       string           `json:"id"`
	Kind     event.SourceKind `json:"kind"`
	Events   []event.Event    `json:"events"`
	OpenedAt time.Time        `json:"opened_at"`
	ClosedAt time.Time        `json:"closed_at,omitempty"`
	Reason   CloseReason      `json:"reason,omitempty"`
}

// newOpen starts an empty batch for the given kind
func newOpen(kind event.SourceKind) *Batch {
	return &Batch{
		Kind:     kind,
		Events:   make([]event.Event, 0, 8),
		OpenedAt: time.Now().UTC(),
	}
}

// close seals the batch: assigns its ID and close timestamp
func (b *Batch) close(reason CloseReason) Batch {
	b.ID = uuid.NewString()
	b.ClosedAt = time.Now().UTC()
	b.Reason = reason
	return *b
}

// Singleton builds an already-closed batch holding one event. Used by the
// synchronous ad-hoc path, which must not wait for a batch to fill.
func Singleton(ev event.Event) Batch {
	now := time.Now().UTC()
	return Batch{
		ID:       uuid.NewString(),
		Kind:     ev.Kind,
		Events:   []event.Event{ev},
		OpenedAt: now,
		ClosedAt: now,
		Reason:   ReasonFlush,
	}
}

// Size returns the number of events in the batch
func (b Batch) Size() int {
	return len(b.Events)
}

// Age returns how long the batch has been open
func (b Batch) Age() time.Duration {
	return time.Since(b.OpenedAt)
}
