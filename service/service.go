// Package service assembles the ingestion pipeline: source adapters feed the
// ingress gate, per-kind queues feed batchers, closed batches flow to the
// dispatcher, and an operator HTTP server exposes the ad-hoc path, health and
// metrics. The service owns lifecycle ordering so shutdown drains in-flight
// work front to back.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/small-thinking/taotie/batch"
	"github.com/small-thinking/taotie/config"
	"github.com/small-thinking/taotie/consumer/openai"
	"github.com/small-thinking/taotie/dispatch"
	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
	"github.com/small-thinking/taotie/fingerprint"
	"github.com/small-thinking/taotie/ingest"
	"github.com/small-thinking/taotie/metric"
	"github.com/small-thinking/taotie/natsclient"
	"github.com/small-thinking/taotie/pkg/retry"
	"github.com/small-thinking/taotie/queue"
	"github.com/small-thinking/taotie/source"
	"github.com/small-thinking/taotie/source/arxiv"
	"github.com/small-thinking/taotie/source/githubtrending"
	"github.com/small-thinking/taotie/source/huggingface"
	"github.com/small-thinking/taotie/source/websocket"
	"github.com/small-thinking/taotie/storage"
	"github.com/small-thinking/taotie/storage/file"
	"github.com/small-thinking/taotie/storage/webhook"
)

// Status represents the current status of the service
type Status int

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Info is a point-in-time snapshot of the running pipeline, served by the
// operator /healthz endpoint.
type Info struct {
	Status      string         `json:"status"`
	Uptime      string         `json:"uptime,omitempty"`
	QueueDepths map[string]int `json:"queue_depths,omitempty"`
	DeadLetters int            `json:"dead_letters"`
}

// Service wires the full pipeline from a loaded configuration.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.MetricsRegistry
	core     *metric.Metrics

	nats     *natsclient.Client
	memStore *fingerprint.Memory

	queues     queue.Set
	gate       *ingest.Gate
	batchers   []*batch.Batcher
	closed     chan batch.Batch
	dispatcher *dispatch.Dispatcher

	pullers     []source.Puller
	subscribers []source.Subscriber
	runner      *source.Runner

	api *APIServer

	status      atomic.Int32
	startedAt   time.Time
	cancel      context.CancelFunc
	runnerDone  chan struct{}
	forwardStop chan struct{}
	forwardDone chan struct{}

	lifecycleMu sync.Mutex
}

// New builds the pipeline from configuration. Network connections (NATS, the
// listen socket) are deferred to Start.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Service", "New", "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapFatal(err, "Service", "New", "validate config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := metric.NewMetricsRegistry()
	core := registry.CoreMetrics()

	summarizer, err := openai.New(cfg.Consumer, logger)
	if err != nil {
		return nil, errors.WrapFatal(err, "Service", "New", "build summarizer")
	}

	stores, err := buildStores(cfg.Storage, logger)
	if err != nil {
		return nil, errors.WrapFatal(err, "Service", "New", "build storage")
	}

	dispatcher, err := dispatch.New(cfg.Pipeline.Dispatch, summarizer, stores, logger, core)
	if err != nil {
		return nil, errors.WrapFatal(err, "Service", "New", "build dispatcher")
	}
	if err := dispatcher.RegisterMetrics(registry); err != nil {
		return nil, errors.WrapFatal(err, "Service", "New", "register dispatcher metrics")
	}

	capacities := make(map[event.SourceKind]int, len(cfg.Pipeline.QueueCapacities))
	for kind, capacity := range cfg.Pipeline.QueueCapacities {
		capacities[event.SourceKind(kind)] = capacity
	}
	queues := queue.NewSet(capacities, cfg.Pipeline.QueueCapacity)

	closed := make(chan batch.Batch, 2*len(queues))
	batchers := make([]*batch.Batcher, 0, len(queues))
	for _, kind := range event.Kinds() {
		b := batch.NewBatcher(kind, queues[kind], closed, cfg.Pipeline.Batch, logger, core)
		if err := b.Initialize(); err != nil {
			return nil, errors.WrapFatal(err, "Service", "New", "initialize batcher "+string(kind))
		}
		// A sealed batch that misses its handoff at shutdown goes to the
		// dead-letter log instead of vanishing with a log line.
		b.OnDrop(dispatcher.DeadLetterBatch)
		batchers = append(batchers, b)
	}

	pullers, subscribers, err := buildAdapters(cfg.Sources)
	if err != nil {
		return nil, errors.WrapFatal(err, "Service", "New", "build source adapters")
	}

	s := &Service{
		cfg:         cfg,
		logger:      logger.With("component", "service"),
		registry:    registry,
		core:        core,
		queues:      queues,
		batchers:    batchers,
		closed:      closed,
		dispatcher:  dispatcher,
		pullers:     pullers,
		subscribers: subscribers,
		runnerDone:  make(chan struct{}),
		forwardStop: make(chan struct{}),
		forwardDone: make(chan struct{}),
	}
	return s, nil
}

// Registry exposes the metrics registry for the operator server.
func (s *Service) Registry() *metric.MetricsRegistry { return s.registry }

// CurrentStatus returns the lifecycle status.
func (s *Service) CurrentStatus() Status { return Status(s.status.Load()) }

// Health snapshots the pipeline for the /healthz endpoint.
func (s *Service) Health() Info {
	info := Info{
		Status:      s.CurrentStatus().String(),
		QueueDepths: make(map[string]int, len(s.queues)),
	}
	if s.CurrentStatus() == StatusRunning {
		info.Uptime = time.Since(s.startedAt).Round(time.Second).String()
	}
	for kind, q := range s.queues {
		info.QueueDepths[string(kind)] = q.Len()
	}
	if s.dispatcher != nil {
		info.DeadLetters = s.dispatcher.DeadLetters().Len()
	}
	return info
}

// Start connects the fingerprint store, launches the pipeline stages in
// dependency order and begins serving the operator endpoints.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if Status(s.status.Load()) != StatusStopped {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Service", "Start", "check running state")
	}
	s.status.Store(int32(StatusStarting))

	store, err := s.openFingerprintStore(ctx)
	if err != nil {
		s.status.Store(int32(StatusStopped))
		return err
	}
	s.gate = ingest.NewGate(store, s.queues, s.cfg.Pipeline.FingerprintTTL, s.logger, s.core)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	// The dispatcher outlives runCtx: Stop cancels the sources and batchers
	// first, then lets the dispatcher drain its backlog on its own clock.
	if err := s.dispatcher.Start(context.Background()); err != nil {
		cancel()
		s.closeStores()
		s.status.Store(int32(StatusStopped))
		return errors.WrapFatal(err, "Service", "Start", "start dispatcher")
	}

	for _, b := range s.batchers {
		if err := b.Start(runCtx); err != nil {
			cancel()
			s.closeStores()
			s.status.Store(int32(StatusStopped))
			return errors.WrapFatal(err, "Service", "Start", "start batcher")
		}
	}

	go s.forward()

	s.runner = source.NewRunner(s.gate, s.pullers, s.subscribers, s.logger)
	go func() {
		defer close(s.runnerDone)
		if err := s.runner.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("source runner exited", "error", err)
		}
	}()

	s.startedAt = time.Now()
	s.api = NewAPIServer(s.cfg.Server, s.gate, s.dispatcher, s.registry, s.Health, s.logger)
	if err := s.api.Start(); err != nil {
		cancel()
		s.closeStores()
		s.status.Store(int32(StatusStopped))
		return errors.WrapFatal(err, "Service", "Start", "start operator server")
	}

	s.status.Store(int32(StatusRunning))
	s.logger.Info("pipeline started",
		"addr", s.cfg.Server.Addr,
		"pullers", len(s.pullers),
		"subscribers", len(s.subscribers),
		"fingerprint_store", s.storeKind())
	return nil
}

// Stop drains the pipeline front to back: stop accepting ad-hoc requests,
// stop the sources, flush the batchers, let the dispatcher finish its backlog,
// then release the fingerprint store. Work that cannot complete within the
// timeout is dead-lettered by the dispatcher rather than silently lost.
func (s *Service) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if Status(s.status.Load()) != StatusRunning {
		return nil
	}
	s.status.Store(int32(StatusStopping))
	deadline := time.Now().Add(timeout)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.api != nil {
		record(s.api.Stop(remaining(deadline)))
	}

	s.cancel()
	select {
	case <-s.runnerDone:
	case <-time.After(remaining(deadline)):
		record(errors.WrapTransient(errors.ErrShuttingDown, "Service", "Stop", "wait for source runner"))
	}

	for _, b := range s.batchers {
		record(b.Stop(remaining(deadline)))
	}

	close(s.forwardStop)
	select {
	case <-s.forwardDone:
	case <-time.After(remaining(deadline)):
		record(errors.WrapTransient(errors.ErrShuttingDown, "Service", "Stop", "wait for batch forwarder"))
	}

	record(s.dispatcher.Stop(remaining(deadline)))

	s.closeStores()
	s.status.Store(int32(StatusStopped))
	s.logger.Info("pipeline stopped")
	return firstErr
}

// forward moves closed batches from the batchers to the dispatcher. It runs
// until Stop signals that the batchers have drained, then hands off whatever
// they emitted on the way out.
func (s *Service) forward() {
	defer close(s.forwardDone)
	ctx := context.Background()
	for {
		select {
		case b := <-s.closed:
			s.submit(ctx, b)
		case <-s.forwardStop:
			for {
				select {
				case b := <-s.closed:
					s.submit(ctx, b)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) submit(ctx context.Context, b batch.Batch) {
	if err := s.dispatcher.Submit(ctx, b); err != nil {
		s.logger.Error("batch handoff failed", "batch_id", b.ID, "size", b.Size(), "error", err)
	}
}

// openFingerprintStore connects the JetStream-backed store when a NATS URL is
// configured and falls back to the in-process store otherwise.
func (s *Service) openFingerprintStore(ctx context.Context) (fingerprint.Store, error) {
	if s.cfg.NATS.URL == "" {
		s.memStore = fingerprint.NewMemory()
		return s.memStore, nil
	}

	client, err := natsclient.NewClient(s.cfg.NATS.URL,
		natsclient.WithName("taotie"),
		natsclient.WithMaxReconnects(s.cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(s.cfg.NATS.ReconnectWait),
		natsclient.WithLogger(s.logger),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "Service", "Start", "build NATS client")
	}

	// A NATS server coming up alongside the pipeline gets a short burst of
	// connect attempts. Fatal causes (JetStream disabled) fail immediately.
	err = retry.Do(ctx, retry.Quick(), func() error {
		cerr := client.Connect(ctx)
		if errors.IsFatal(cerr) {
			return retry.NonRetryable(cerr)
		}
		return cerr
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "Service", "Start", "connect to NATS")
	}

	bucket, err := client.FingerprintBucket(ctx, s.cfg.NATS.Bucket, s.cfg.Pipeline.FingerprintTTL)
	if err != nil {
		client.Close()
		return nil, errors.WrapFatal(err, "Service", "Start",
			fmt.Sprintf("open fingerprint bucket %q", s.cfg.NATS.Bucket))
	}
	s.nats = client
	return fingerprint.NewKV(bucket), nil
}

func (s *Service) closeStores() {
	if s.memStore != nil {
		s.memStore.Close()
		s.memStore = nil
	}
	if s.nats != nil {
		s.nats.Close()
		s.nats = nil
	}
}

func (s *Service) storeKind() string {
	if s.nats != nil {
		return "jetstream"
	}
	return "memory"
}

func remaining(deadline time.Time) time.Duration {
	d := time.Until(deadline)
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// buildStores assembles the persistence fan-out from configuration. With no
// storage configured, summaries land in the default file store so a bare
// config still produces inspectable output.
func buildStores(cfg config.StorageConfig, logger *slog.Logger) (storage.MultiStore, error) {
	var stores storage.MultiStore

	if cfg.File != nil {
		st, err := file.New(*cfg.File, logger)
		if err != nil {
			return nil, err
		}
		stores = append(stores, st)
	}
	if cfg.Webhook != nil {
		st, err := webhook.New(*cfg.Webhook, logger)
		if err != nil {
			return nil, err
		}
		stores = append(stores, st)
	}
	if len(stores) == 0 {
		st, err := file.New(file.DefaultConfig(), logger)
		if err != nil {
			return nil, err
		}
		stores = append(stores, st)
	}
	return stores, nil
}

// buildAdapters instantiates the configured source adapters.
func buildAdapters(cfg config.SourcesConfig) ([]source.Puller, []source.Subscriber, error) {
	var pullers []source.Puller
	var subscribers []source.Subscriber

	if cfg.GithubTrending != nil {
		a, err := githubtrending.New(*cfg.GithubTrending)
		if err != nil {
			return nil, nil, err
		}
		pullers = append(pullers, a)
	}
	if cfg.HuggingFace != nil {
		a, err := huggingface.New(*cfg.HuggingFace)
		if err != nil {
			return nil, nil, err
		}
		pullers = append(pullers, a)
	}
	if cfg.Arxiv != nil {
		a, err := arxiv.New(*cfg.Arxiv)
		if err != nil {
			return nil, nil, err
		}
		pullers = append(pullers, a)
	}
	for _, wc := range cfg.Websockets {
		a, err := websocket.New(wc)
		if err != nil {
			return nil, nil, err
		}
		subscribers = append(subscribers, a)
	}

	return pullers, subscribers, nil
}
