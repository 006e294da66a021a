// Package ingest implements the ingress gate: the single entry point every
// source adapter submits events through. The gate performs the dedup
// check-and-set against the fingerprint store and enqueues accepted events
// into the per-source-kind queue.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
	"github.com/small-thinking/taotie/fingerprint"
	"github.com/small-thinking/taotie/metric"
	"github.com/small-thinking/taotie/queue"
)

// Status is the outcome of a Submit call
type Status int

const (
	// StatusAccepted means the event passed dedup and was enqueued
	StatusAccepted Status = iota
	// StatusDuplicate means the fingerprint was already marked within its TTL
	StatusDuplicate
	// StatusRejected means the event was not admitted (invalid, queue full,
	// or the fingerprint store was unavailable)
	StatusRejected
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusDuplicate:
		return "duplicate"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result reports the outcome of a Submit call. Err is set only for
// StatusRejected and carries the classified rejection cause.
type Result struct {
	Status Status
	Err    error
}

// defaultWaitOnFull bounds how long Submit blocks on a full queue before
// rejecting. Long enough to ride out a batcher poll cycle, short enough
// that a stalled pipeline surfaces as rejections instead of wedged
// adapters.
const defaultWaitOnFull = 500 * time.Millisecond

// Gate is the dedup-and-admit stage. Safe for concurrent use by any number
// of adapters; all shared mutation goes through the store's atomic
// check-and-set and the queue's channel semantics.
type Gate struct {
	store      fingerprint.Store
	queues     queue.Set
	ttl        time.Duration
	waitOnFull time.Duration
	logger     *slog.Logger
	core       *metric.Metrics
}

// NewGate creates an ingress gate. metrics may be nil (tests).
func NewGate(store fingerprint.Store, queues queue.Set, ttl time.Duration, logger *slog.Logger, metrics *metric.Metrics) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:      store,
		queues:     queues,
		ttl:        ttl,
		waitOnFull: defaultWaitOnFull,
		logger:     logger,
		core:       metrics,
	}
}

// Submit offers one event to the pipeline. Exactly one of N concurrent
// submissions of the same fingerprint is accepted; the rest see Duplicate.
// A full queue backpressures the caller for a bounded wait before the
// event is rejected.
//
// When the fingerprint mark succeeds but the enqueue fails, the mark is NOT
// rolled back: later occurrences of that content are dropped as duplicates
// rather than retried, which caps the blast radius of a full queue at one
// lost item instead of an unbounded duplicate storm.
func (g *Gate) Submit(ctx context.Context, ev event.Event) Result {
	if g.core != nil {
		g.core.EventsSubmitted.WithLabelValues(ev.Source).Inc()
	}

	if err := ev.Validate(); err != nil {
		g.reject(ev, "invalid")
		return Result{Status: StatusRejected, Err: err}
	}

	seen, err := g.store.SeenOrMark(ctx, ev.Fingerprint, g.ttl)
	if err != nil {
		// Store unavailable is never treated as "not a duplicate"
		g.logger.Warn("fingerprint store unavailable", "source", ev.Source, "error", err)
		g.reject(ev, "store_unavailable")
		return Result{Status: StatusRejected, Err: err}
	}
	if seen {
		if g.core != nil {
			g.core.EventsDuplicate.WithLabelValues(string(ev.Kind)).Inc()
		}
		return Result{Status: StatusDuplicate, Err: nil}
	}

	q, ok := g.queues[ev.Kind]
	if !ok {
		g.reject(ev, "invalid")
		return Result{
			Status: StatusRejected,
			Err:    errors.WrapInvalid(errors.ErrInvalidData, "Gate", "Submit", "no queue for kind "+string(ev.Kind)),
		}
	}

	// Bounded blocking: a full queue backpressures the adapter for up to
	// waitOnFull before the event is rejected.
	if err := q.EnqueueWait(ctx, ev, g.waitOnFull); err != nil {
		g.logger.Warn("enqueue failed, dropping marked event",
			"source", ev.Source, "kind", ev.Kind, "fingerprint", ev.Fingerprint, "error", err)
		g.reject(ev, "queue_full")
		return Result{Status: StatusRejected, Err: err}
	}

	if g.core != nil {
		g.core.EventsAccepted.WithLabelValues(string(ev.Kind)).Inc()
		g.core.QueueDepth.WithLabelValues(string(ev.Kind)).Set(float64(q.Len()))
	}
	return Result{Status: StatusAccepted}
}

// Admit runs the dedup check-and-set without enqueueing. This is the
// path for ad-hoc synchronous submissions, which bypass the queue and
// go straight to a singleton batch.
func (g *Gate) Admit(ctx context.Context, ev event.Event) Result {
	if g.core != nil {
		g.core.EventsSubmitted.WithLabelValues(ev.Source).Inc()
	}

	if err := ev.Validate(); err != nil {
		g.reject(ev, "invalid")
		return Result{Status: StatusRejected, Err: err}
	}

	seen, err := g.store.SeenOrMark(ctx, ev.Fingerprint, g.ttl)
	if err != nil {
		g.logger.Warn("fingerprint store unavailable", "source", ev.Source, "error", err)
		g.reject(ev, "store_unavailable")
		return Result{Status: StatusRejected, Err: err}
	}
	if seen {
		if g.core != nil {
			g.core.EventsDuplicate.WithLabelValues(string(ev.Kind)).Inc()
		}
		return Result{Status: StatusDuplicate}
	}

	if g.core != nil {
		g.core.EventsAccepted.WithLabelValues(string(ev.Kind)).Inc()
	}
	return Result{Status: StatusAccepted}
}

func (g *Gate) reject(ev event.Event, reason string) {
	if g.core != nil {
		g.core.EventsRejected.WithLabelValues(string(ev.Kind), reason).Inc()
	}
}
