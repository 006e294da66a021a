package source

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/small-thinking/taotie/ingest"
)

// Runner owns one goroutine per adapter and feeds everything they
// produce into the sink. Adapter failures are logged and retried on the
// next cycle; a broken adapter never takes the pipeline down.
type Runner struct {
	sink        Sink
	pullers     []Puller
	subscribers []Subscriber
	logger      *slog.Logger
}

// NewRunner creates a runner over the given adapters.
func NewRunner(sink Sink, pullers []Puller, subscribers []Subscriber, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		sink:        sink,
		pullers:     pullers,
		subscribers: subscribers,
		logger:      logger,
	}
}

// Run drives all adapters until ctx is cancelled. It always returns
// ctx.Err(); adapter errors are contained, not propagated.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, p := range r.pullers {
		g.Go(func() error {
			r.runPuller(ctx, p)
			return nil
		})
	}
	for _, s := range r.subscribers {
		g.Go(func() error {
			r.runSubscriber(ctx, s)
			return nil
		})
	}

	_ = g.Wait()
	return ctx.Err()
}

// runPuller polls immediately, then on the adapter's interval.
func (r *Runner) runPuller(ctx context.Context, p Puller) {
	interval := p.Interval()
	if interval <= 0 {
		interval = time.Hour
	}

	r.pull(ctx, p)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pull(ctx, p)
		}
	}
}

func (r *Runner) pull(ctx context.Context, p Puller) {
	start := time.Now()
	events, err := p.Pull(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("source pull failed",
			"source", p.Name(), "error", err)
		return
	}

	var accepted, duplicate, rejected int
	for _, ev := range events {
		switch r.sink.Submit(ctx, ev).Status {
		case ingest.StatusAccepted:
			accepted++
		case ingest.StatusDuplicate:
			duplicate++
		default:
			rejected++
		}
	}

	r.logger.Info("source pull complete",
		"source", p.Name(),
		"events", len(events),
		"accepted", accepted,
		"duplicate", duplicate,
		"rejected", rejected,
		"duration", time.Since(start))
}

func (r *Runner) runSubscriber(ctx context.Context, s Subscriber) {
	if err := s.Subscribe(ctx, r.sink); err != nil && ctx.Err() == nil {
		r.logger.Error("source subscription ended",
			"source", s.Name(), "error", err)
	}
}
