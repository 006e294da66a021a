// Package storage defines the persistence contract for summaries.
//
// Stores are keyed by the summary's content-derived key, so persisting
// the same summary twice is a no-op rather than a second record. That
// lets the dispatcher retry a partially failed batch without producing
// duplicates downstream.
package storage

import (
	"context"

	"github.com/small-thinking/taotie/event"
)

// Store persists summaries idempotently.
type Store interface {
	// Persist writes the summary under its key. A summary whose key is
	// already present is treated as already persisted: Persist returns
	// nil without writing again. Backend outages are reported as
	// transient errors so the caller can retry.
	Persist(ctx context.Context, s event.Summary) error
}

// MultiStore fans a summary out to several stores. The first failure
// aborts the pass and is returned; stores already written are safe to
// re-run because every Store is idempotent.
type MultiStore []Store

// Persist writes the summary to every underlying store in order.
func (m MultiStore) Persist(ctx context.Context, s event.Summary) error {
	for _, st := range m {
		if err := st.Persist(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
