// Package consumer defines the capability that turns a closed batch into
// structured summaries. Implementations live in subpackages (openai) and in
// tests (fakes).
package consumer

import (
	"context"

	"github.com/small-thinking/taotie/batch"
	"github.com/small-thinking/taotie/event"
)

// Consumer turns one batch into zero or more summaries.
//
// Failure contract: implementations classify errors through the errors
// package so the dispatcher can route them:
//   - rate limits, timeouts, unreachable backends: transient
//     (errors.ErrRateLimited, errors.ErrUnavailable, or any classified
//     transient error) -> retried with backoff
//   - content the capability rejects: invalid (errors.ErrInvalidInput)
//     -> dead-lettered, never retried
type Consumer interface {
	Summarize(ctx context.Context, b batch.Batch) ([]event.Summary, error)
}

// Func adapts a plain function to the Consumer interface
type Func func(ctx context.Context, b batch.Batch) ([]event.Summary, error)

// Summarize implements Consumer
func (f Func) Summarize(ctx context.Context, b batch.Batch) ([]event.Summary, error) {
	return f(ctx, b)
}
