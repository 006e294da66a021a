package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
	"github.com/small-thinking/taotie/metric"
	"github.com/small-thinking/taotie/queue"
)

// Config holds batching thresholds
type Config struct {
	MaxBatchSize int           `json:"max_batch_size" yaml:"max_batch_size"`
	MaxBatchAge  time.Duration `json:"max_batch_age" yaml:"max_batch_age"`
	// PollInterval bounds how long the batcher blocks on an empty queue
	// before re-checking the age rule and flush requests. Defaults to 50ms.
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.MaxBatchSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_batch_size must be positive")
	}
	if c.MaxBatchAge <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_batch_age must be positive")
	}
	return nil
}

// DefaultConfig returns sensible batching defaults
func DefaultConfig() Config {
	return Config{
		MaxBatchSize: 10,
		MaxBatchAge:  30 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// Batcher drains one source-kind queue and emits closed batches on its output
// channel. A batch closes on whichever threshold trips first: event count,
// batch age, or an explicit Flush. When count and age trip in the same check
// cycle, count wins, so the consumer sees a predictable maximum payload.
type Batcher struct {
	kind   event.SourceKind
	queue  queue.Queue
	out    chan<- Batch
	config Config
	logger *slog.Logger
	core   *metric.Metrics

	flushCh chan chan struct{}
	onDrop  func(Batch, string)

	// Lifecycle management
	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	done        chan struct{}
	cancel      context.CancelFunc
}

// NewBatcher creates a batcher for one source-kind queue. metrics may be nil.
func NewBatcher(kind event.SourceKind, q queue.Queue, out chan<- Batch, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Batcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		kind:    kind,
		queue:   q,
		out:     out,
		config:  cfg,
		logger:  logger.With("batcher", string(kind)),
		core:    metrics,
		flushCh: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
}

// Initialize validates the configuration
func (b *Batcher) Initialize() error {
	return b.config.Validate()
}

// OnDrop installs a handler for sealed batches that lose the handoff race
// with shutdown. The service routes these to the dispatcher's dead-letter
// log. Call before Start.
func (b *Batcher) OnDrop(fn func(Batch, string)) {
	b.onDrop = fn
}

// Start launches the batching loop
func (b *Batcher) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.started {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Batcher", "Start", "check running state")
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.started = true

	go b.run(ctx)
	return nil
}

// Stop cancels the loop and waits for it to drain, up to timeout. Any open
// batch is sealed with ReasonShutdown and emitted before the loop exits.
func (b *Batcher) Stop(timeout time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.started || b.stopped {
		return nil
	}
	b.cancel()

	select {
	case <-b.done:
		b.stopped = true
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Batcher", "Stop", "wait for loop exit")
	}
}

// Flush seals the currently open batch (if any) and blocks until the batcher
// has acknowledged the request.
func (b *Batcher) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case b.flushCh <- reply:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Batcher", "Flush", "request flush")
	case <-b.done:
		return errors.WrapTransient(errors.ErrNotStarted, "Batcher", "Flush", "batcher stopped")
	}

	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Batcher", "Flush", "await flush ack")
	}
}

// run is the single goroutine that owns batch state.
// State machine per open batch: Empty -> Accumulating -> Closing -> Closed.
func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)

	var open *Batch // nil means Empty

	for {
		// Flush requests are honored between dequeue waits
		select {
		case reply := <-b.flushCh:
			if open != nil && open.Size() > 0 {
				open = b.emit(ctx, open, ReasonFlush)
			}
			close(reply)
		case <-ctx.Done():
			b.drain(open)
			return
		default:
		}

		wait := b.config.PollInterval
		if open != nil {
			if remaining := b.config.MaxBatchAge - open.Age(); remaining < wait {
				wait = remaining
			}
			if wait < 0 {
				wait = 0
			}
		}

		ev, ok := b.queue.Dequeue(ctx, wait)
		if ok {
			if open == nil {
				open = newOpen(b.kind)
			}
			open.Events = append(open.Events, ev)

			// Count rule is checked first: it wins over age on ties
			if open.Size() >= b.config.MaxBatchSize {
				open = b.emit(ctx, open, ReasonCount)
				continue
			}
		}

		if open != nil && open.Age() >= b.config.MaxBatchAge {
			open = b.emit(ctx, open, ReasonAge)
		}

		if ctx.Err() != nil {
			b.drain(open)
			return
		}
	}
}

// emit seals the batch, hands it to the dispatcher channel, and opens a new
// empty batch (returns nil: the next event allocates it).
func (b *Batcher) emit(ctx context.Context, open *Batch, reason CloseReason) *Batch {
	closed := open.close(reason)

	if b.core != nil {
		b.core.BatchesClosed.WithLabelValues(string(b.kind), string(reason)).Inc()
		b.core.BatchSize.WithLabelValues(string(b.kind)).Observe(float64(closed.Size()))
	}
	b.logger.Debug("batch closed", "batch_id", closed.ID, "size", closed.Size(), "reason", string(reason))

	select {
	case b.out <- closed:
	case <-ctx.Done():
		// Shutting down mid-handoff: try a non-blocking send, and failing
		// that record the batch as stranded rather than losing it.
		select {
		case b.out <- closed:
		default:
			b.stranded(closed, "shutdown handoff")
		}
	}
	return nil
}

// drain seals and emits any open batch during shutdown
func (b *Batcher) drain(open *Batch) {
	if open == nil || open.Size() == 0 {
		return
	}
	closed := open.close(ReasonShutdown)
	if b.core != nil {
		b.core.BatchesClosed.WithLabelValues(string(b.kind), string(ReasonShutdown)).Inc()
		b.core.BatchSize.WithLabelValues(string(b.kind)).Observe(float64(closed.Size()))
	}
	select {
	case b.out <- closed:
	default:
		b.stranded(closed, "shutdown drain")
	}
}

// stranded hands a sealed batch that missed its output channel to the
// drop handler. Without one the loss is at least loud.
func (b *Batcher) stranded(closed Batch, during string) {
	if b.onDrop != nil {
		b.onDrop(closed, "batcher stranded during "+during)
		return
	}
	b.logger.Error("sealed batch stranded at shutdown",
		"batch_id", closed.ID, "size", closed.Size(), "during", during)
}
