// Package dispatch runs the bounded worker pool that carries closed
// batches through the consumer and into storage.
//
// Workers pull from a shared channel of closed batches. A batch that
// fails transiently is rescheduled onto a separate retry lane after a
// backoff, so a repeatedly failing batch never occupies a worker during
// its wait and never starves fresh batches. Permanent failures and
// exhausted retries land in the dead-letter log.
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/small-thinking/taotie/batch"
	"github.com/small-thinking/taotie/consumer"
	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
	"github.com/small-thinking/taotie/metric"
	"github.com/small-thinking/taotie/pkg/retry"
	"github.com/small-thinking/taotie/storage"
)

// Outcome is the result of one dispatch attempt.
type Outcome string

// Dispatch attempt outcomes.
const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// Attempt records one consumer invocation for a batch. Attempts live only
// as long as their batch is in flight; they are not persisted.
type Attempt struct {
	BatchID    string
	Number     int
	Outcome    Outcome
	StartedAt  time.Time
	FinishedAt time.Time
	Err        error
}

// Result is what a synchronous dispatch returns to its caller.
type Result struct {
	Summaries []event.Summary
	Attempts  []Attempt
}

// Config holds configuration for the dispatcher.
type Config struct {
	// MaxConcurrency bounds in-flight consumer invocations (default: 4).
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`

	// QueueSize is the capacity of the closed-batch channel (default: 64).
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// MaxAttempts bounds consumer invocations per batch (default: 3).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the delay before the second attempt (default: 500ms).
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the retry delay (default: 30s).
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// RatePerSecond throttles consumer invocations across all workers.
	// Zero disables throttling.
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second"`

	// RateBurst is the limiter burst size (default: MaxConcurrency).
	RateBurst int `json:"rate_burst" yaml:"rate_burst"`

	// DeadLetterLimit bounds the in-memory dead-letter log (default: 256).
	DeadLetterLimit int `json:"dead_letter_limit" yaml:"dead_letter_limit"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_concurrency cannot be negative")
	}
	if c.MaxAttempts < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_attempts cannot be negative")
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "backoff cannot be negative")
	}
	if c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"initial_backoff cannot exceed max_backoff")
	}
	if c.RatePerSecond < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "rate_per_second cannot be negative")
	}
	return nil
}

// DefaultConfig returns default configuration for the dispatcher
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  4,
		QueueSize:       64,
		MaxAttempts:     3,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		DeadLetterLimit: 256,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = def.MaxConcurrency
	}
	if c.QueueSize == 0 {
		c.QueueSize = def.QueueSize
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.RateBurst == 0 {
		c.RateBurst = c.MaxConcurrency
	}
	if c.DeadLetterLimit == 0 {
		c.DeadLetterLimit = def.DeadLetterLimit
	}
}

// item is one unit of dispatcher work. A closed batch travels through the
// pool inside an item, accumulating attempt records across retries.
type item struct {
	b        batch.Batch
	attempt  int // next attempt number, 1-based
	attempts []Attempt
	reply    chan syncResult // non-nil for synchronous dispatch
}

type syncResult struct {
	result Result
	err    error
}

// Dispatcher owns the worker pool between the batcher and storage.
type Dispatcher struct {
	cfg      Config
	consumer consumer.Consumer
	store    storage.Store
	limiter  *rate.Limiter
	logger   *slog.Logger
	core     *metric.Metrics
	dead     *DeadLetterLog

	// retryDepth counts batches in a backoff wait or queued on the
	// retry lane. Nil until RegisterMetrics wires it up.
	retryDepth prometheus.Gauge

	work      chan item
	retryLane chan item

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // workers and retry timers
	items  sync.WaitGroup // batches not yet terminal

	lifecycleMu sync.Mutex
	running     bool
	stopping    bool
}

// New creates a dispatcher. The consumer and store are required; core
// metrics may be nil in tests.
func New(cfg Config, cons consumer.Consumer, store storage.Store, logger *slog.Logger, core *metric.Metrics) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if cons == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Dispatcher", "New", "consumer is required")
	}
	if store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Dispatcher", "New", "store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}

	return &Dispatcher{
		cfg:       cfg,
		consumer:  cons,
		store:     store,
		limiter:   limiter,
		logger:    logger,
		core:      core,
		dead:      newDeadLetterLog(cfg.DeadLetterLimit),
		work:      make(chan item, cfg.QueueSize),
		retryLane: make(chan item, cfg.QueueSize),
	}, nil
}

// DeadLetters returns the dead-letter log.
func (d *Dispatcher) DeadLetters() *DeadLetterLog {
	return d.dead
}

// DeadLetterBatch records a sealed batch that never reached the pool,
// such as one stranded in a batcher at shutdown.
func (d *Dispatcher) DeadLetterBatch(b batch.Batch, reason string) {
	d.deadLetter(item{b: b}, reason, errors.ErrShuttingDown)
}

// RegisterMetrics attaches the dispatcher's stage-specific gauges to the
// registry. Call before Start.
func (d *Dispatcher) RegisterMetrics(reg metric.MetricsRegistrar) error {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metric.Namespace,
		Subsystem: "dispatch",
		Name:      "retry_lane_depth",
		Help:      "Batches waiting out a backoff or queued on the retry lane.",
	})
	if err := reg.RegisterGauge("dispatch", "retry_lane_depth", g); err != nil {
		return err
	}
	d.retryDepth = g
	return nil
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Dispatcher", "Start", "check running state")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.MaxConcurrency; i++ {
		d.wg.Add(1)
		go d.worker(d.ctx)
	}

	d.running = true
	d.logger.Info("dispatcher started",
		"max_concurrency", d.cfg.MaxConcurrency,
		"max_attempts", d.cfg.MaxAttempts,
		"rate_per_second", d.cfg.RatePerSecond)
	return nil
}

// Stop drains in-flight work up to the grace timeout, then dead-letters
// whatever is still queued rather than dropping it.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.lifecycleMu.Lock()
	if !d.running || d.stopping {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.stopping = true
	d.lifecycleMu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.items.Wait()
		close(drained)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var timedOut bool
	select {
	case <-drained:
	case <-timer.C:
		timedOut = true
	}

	// Cancelling unblocks workers, retry timers, and any stalled
	// consumer invocation. Timer goroutines dead-letter their items.
	d.cancel()
	d.drainToDeadLetter(d.work)
	d.drainToDeadLetter(d.retryLane)
	d.wg.Wait()
	// A retry timer that fired before the cancel may have parked its
	// item on the buffered lane after the drain above. All timers have
	// exited now, so one more sweep catches any such stragglers.
	d.drainToDeadLetter(d.retryLane)

	d.lifecycleMu.Lock()
	d.running = false
	d.lifecycleMu.Unlock()

	if timedOut {
		return errors.WrapTransient(fmt.Errorf("drain timeout after %v", timeout), "Dispatcher", "Stop", "shutdown")
	}
	return nil
}

// Submit hands a closed batch to the pool. It blocks while the work
// channel is full so backpressure reaches the batcher instead of
// silently dropping batches.
func (d *Dispatcher) Submit(ctx context.Context, b batch.Batch) error {
	d.lifecycleMu.Lock()
	if !d.running || d.stopping {
		d.lifecycleMu.Unlock()
		return errors.WrapTransient(errors.ErrShuttingDown, "Dispatcher", "Submit", "dispatcher not accepting work")
	}
	d.items.Add(1)
	d.lifecycleMu.Unlock()

	select {
	case d.work <- item{b: b, attempt: 1}:
		return nil
	case <-ctx.Done():
		d.items.Done()
		return errors.WrapTransient(ctx.Err(), "Dispatcher", "Submit", "enqueue batch")
	case <-d.ctx.Done():
		d.items.Done()
		return errors.WrapTransient(errors.ErrShuttingDown, "Dispatcher", "Submit", "enqueue batch")
	}
}

// Dispatch pushes a batch through the pool and blocks until it reaches a
// terminal state. This is the path for ad-hoc submissions that need the
// summary in the response; retries happen while the caller waits.
func (d *Dispatcher) Dispatch(ctx context.Context, b batch.Batch) (Result, error) {
	d.lifecycleMu.Lock()
	if !d.running || d.stopping {
		d.lifecycleMu.Unlock()
		return Result{}, errors.WrapTransient(errors.ErrShuttingDown, "Dispatcher", "Dispatch", "dispatcher not accepting work")
	}
	d.items.Add(1)
	d.lifecycleMu.Unlock()

	it := item{b: b, attempt: 1, reply: make(chan syncResult, 1)}

	select {
	case d.work <- it:
	case <-ctx.Done():
		d.items.Done()
		return Result{}, errors.WrapTransient(ctx.Err(), "Dispatcher", "Dispatch", "enqueue batch")
	case <-d.ctx.Done():
		d.items.Done()
		return Result{}, errors.WrapTransient(errors.ErrShuttingDown, "Dispatcher", "Dispatch", "enqueue batch")
	}

	select {
	case res := <-it.reply:
		return res.result, res.err
	case <-ctx.Done():
		// The pool keeps working the batch; the caller just stops waiting.
		return Result{}, errors.WrapTransient(ctx.Err(), "Dispatcher", "Dispatch", "await result")
	}
}

// worker pulls from both lanes. The retry lane is a plain peer of the
// work lane: retried batches neither preempt nor starve fresh ones.
func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case it := <-d.work:
			d.process(ctx, it)
		case it := <-d.retryLane:
			if d.retryDepth != nil {
				d.retryDepth.Dec()
			}
			d.process(ctx, it)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, it item) {
	if it.reply != nil {
		d.processSync(ctx, it)
		return
	}

	att, _, err := d.invoke(ctx, it.b, it.attempt)
	it.attempts = append(it.attempts, att)

	switch {
	case err == nil:
		d.logger.Debug("batch dispatched",
			"batch_id", it.b.ID, "kind", it.b.Kind, "attempt", it.attempt, "events", it.b.Size())
		d.items.Done()
	case att.Outcome == OutcomePermanentFailure:
		d.deadLetter(it, "consumer rejected batch", err)
		d.items.Done()
	case it.attempt >= d.cfg.MaxAttempts:
		d.deadLetter(it, "max attempts exhausted", stderrors.Join(errors.ErrMaxRetriesExceeded, err))
		d.items.Done()
	default:
		d.logger.Warn("batch dispatch failed, scheduling retry",
			"batch_id", it.b.ID, "attempt", it.attempt, "error", err)
		d.scheduleRetry(it)
	}
}

// processSync runs the full retry loop inline. The caller is blocked on
// the reply channel, so backoff sleeps here instead of on the retry lane.
func (d *Dispatcher) processSync(ctx context.Context, it item) {
	defer d.items.Done()

	var summaries []event.Summary
	attempts := it.attempts

	err := retry.DoWithAttempt(ctx, retry.Config{
		MaxAttempts:  d.cfg.MaxAttempts,
		InitialDelay: d.cfg.InitialBackoff,
		MaxDelay:     d.cfg.MaxBackoff,
		Multiplier:   2.0,
		AddJitter:    true,
	}, func(n int) error {
		att, sums, err := d.invoke(ctx, it.b, n)
		attempts = append(attempts, att)
		if err == nil {
			summaries = sums
			return nil
		}
		if att.Outcome == OutcomePermanentFailure {
			return retry.NonRetryable(err)
		}
		return err
	})

	it.attempts = attempts
	if err != nil {
		if !retry.IsNonRetryable(err) && len(attempts) >= d.cfg.MaxAttempts {
			err = stderrors.Join(errors.ErrMaxRetriesExceeded, err)
		}
		d.deadLetter(it, "synchronous dispatch failed", err)
		it.reply <- syncResult{
			result: Result{Attempts: attempts},
			err:    stderrors.Join(errors.ErrDeadLettered, err),
		}
		return
	}

	it.reply <- syncResult{result: Result{Summaries: summaries, Attempts: attempts}}
}

// invoke performs one consumer call plus the storage writes for its
// summaries. Storage errors fail the attempt; the stable summary keys
// make the replay safe.
func (d *Dispatcher) invoke(ctx context.Context, b batch.Batch, number int) (Attempt, []event.Summary, error) {
	att := Attempt{BatchID: b.ID, Number: number, StartedAt: time.Now().UTC()}

	var summaries []event.Summary
	err := d.wait(ctx)
	if err == nil {
		summaries, err = d.consumer.Summarize(ctx, b)
	}
	if err == nil {
		err = d.persist(ctx, b, summaries)
	}

	att.FinishedAt = time.Now().UTC()
	if err == nil {
		att.Outcome = OutcomeSuccess
	} else {
		att.Err = err
		att.Outcome = OutcomeTransientFailure
		if errors.IsInvalid(err) || errors.IsFatal(err) {
			att.Outcome = OutcomePermanentFailure
		}
	}

	if d.core != nil {
		d.core.DispatchAttempts.WithLabelValues(string(att.Outcome)).Inc()
		d.core.DispatchDuration.WithLabelValues(string(att.Outcome)).
			Observe(att.FinishedAt.Sub(att.StartedAt).Seconds())
	}
	return att, summaries, err
}

func (d *Dispatcher) wait(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return errors.WrapTransient(err, "Dispatcher", "invoke", "rate limit wait")
	}
	return nil
}

func (d *Dispatcher) persist(ctx context.Context, b batch.Batch, summaries []event.Summary) error {
	for _, s := range summaries {
		if err := d.store.Persist(ctx, s); err != nil {
			return errors.Wrap(err, "Dispatcher", "persist", "store summary")
		}
		if d.core != nil {
			d.core.SummariesPersisted.WithLabelValues(string(b.Kind)).Inc()
		}
	}
	return nil
}

// scheduleRetry parks the item on a timer and feeds it to the retry lane
// when the backoff elapses. A shutdown during the wait dead-letters the
// item instead of losing it.
func (d *Dispatcher) scheduleRetry(it item) {
	it.attempt++
	delay := d.backoff(it.attempt)

	if d.retryDepth != nil {
		d.retryDepth.Inc()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			select {
			case d.retryLane <- it:
				return
			case <-d.ctx.Done():
			}
		case <-d.ctx.Done():
		}
		if d.retryDepth != nil {
			d.retryDepth.Dec()
		}
		d.deadLetter(it, "shutdown during retry backoff", errors.ErrShuttingDown)
		d.items.Done()
	}()
}

// backoff returns the delay before the given attempt number, doubling
// from InitialBackoff and capped at MaxBackoff.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.InitialBackoff
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if d.cfg.MaxBackoff > 0 && delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	return delay
}

func (d *Dispatcher) deadLetter(it item, reason string, err error) {
	d.dead.add(DeadLetter{
		BatchID:  it.b.ID,
		Kind:     it.b.Kind,
		Reason:   reason,
		Attempts: it.attempts,
		Events:   it.b.Size(),
		At:       time.Now().UTC(),
	})
	if d.core != nil {
		d.core.DeadLetters.Inc()
	}
	d.logger.Error("batch dead-lettered",
		"batch_id", it.b.ID,
		"kind", it.b.Kind,
		"reason", reason,
		"attempts", len(it.attempts),
		"events", it.b.Size(),
		"error", err)
}

func (d *Dispatcher) drainToDeadLetter(ch chan item) {
	for {
		select {
		case it := <-ch:
			if ch == d.retryLane && d.retryDepth != nil {
				d.retryDepth.Dec()
			}
			d.deadLetter(it, "shutdown", errors.ErrShuttingDown)
			if it.reply != nil {
				it.reply <- syncResult{err: errors.WrapTransient(errors.ErrShuttingDown, "Dispatcher", "Stop", "batch abandoned")}
			}
			d.items.Done()
		default:
			return
		}
	}
}
