package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/small-thinking/taotie/batch"
	"github.com/small-thinking/taotie/config"
	"github.com/small-thinking/taotie/dispatch"
	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
	"github.com/small-thinking/taotie/ingest"
	"github.com/small-thinking/taotie/metric"
)

const (
	// adhocSource labels events submitted through the operator endpoint
	adhocSource = "adhoc-url"

	// maxRequestBody bounds the ad-hoc request payload
	maxRequestBody = 1 << 20

	// maxFetchedContent bounds page text extracted for summarization
	maxFetchedContent = 8000
)

// urlRequest is the body of POST /api/v1/url. Content is optional: when
// absent the server fetches the page and extracts its text.
type urlRequest struct {
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
}

// urlPayload is the event payload handed to the summarizer.
type urlPayload struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

// APIServer is the operator HTTP surface: the synchronous ad-hoc submission
// endpoint plus health and metrics.
type APIServer struct {
	addr       string
	timeout    time.Duration
	gate       *ingest.Gate
	dispatcher *dispatch.Dispatcher
	registry   *metric.MetricsRegistry
	health     func() Info
	logger     *slog.Logger
	client     *http.Client

	mu     sync.Mutex
	server *http.Server
}

// NewAPIServer builds the operator server. health may be nil, in which case
// /healthz reports only liveness.
func NewAPIServer(cfg config.ServerConfig, gate *ingest.Gate, dispatcher *dispatch.Dispatcher,
	registry *metric.MetricsRegistry, health func() Info, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &APIServer{
		addr:       cfg.Addr,
		timeout:    timeout,
		gate:       gate,
		dispatcher: dispatcher,
		registry:   registry,
		health:     health,
		logger:     logger.With("component", "api"),
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Handler returns the route table. Exposed separately so tests can drive it
// without a listen socket.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/url", s.handleURL)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.registry != nil {
		mux.Handle("/metrics", metric.Handler(s.registry))
	}
	return mux
}

// Start begins serving in the background. The listen error, if any, is
// returned synchronously; later serve errors are logged.
func (s *APIServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "APIServer", "Start", "check running state")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "APIServer", "Start", "listen on "+s.addr)
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("operator server exited", "error", err)
		}
	}()
	s.logger.Info("operator server listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully, waiting up to timeout for in-flight
// requests.
func (s *APIServer) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return errors.WrapTransient(err, "APIServer", "Stop", "graceful shutdown")
	}
	return nil
}

// handleURL is the synchronous path: dedup, singleton batch, blocking
// dispatch. A previously seen URL short-circuits before the consumer is
// invoked.
func (s *APIServer) handleURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}

	var req urlRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	fp, err := event.FingerprintURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "url is not absolute")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	content := req.Content
	if content == "" {
		content, err = s.fetchPage(ctx, req.URL)
		if err != nil {
			s.logger.Warn("page fetch failed", "url", req.URL, "error", err)
			writeError(w, http.StatusBadGateway, "could not fetch url")
			return
		}
	}

	ev, err := event.New(adhocSource, event.KindAdhoc, fp, urlPayload{URL: req.URL, Content: content})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}

	res := s.gate.Admit(ctx, ev)
	switch res.Status {
	case ingest.StatusDuplicate:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "duplicate",
			"fingerprint": fp,
		})
		return
	case ingest.StatusRejected:
		writeError(w, statusFor(res.Err), "submission rejected")
		return
	}

	result, err := s.dispatcher.Dispatch(ctx, batch.Singleton(ev))
	if err != nil {
		s.logger.Warn("ad-hoc dispatch failed", "url", req.URL, "error", err)
		writeError(w, statusFor(err), "summarization failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "summarized",
		"fingerprint": fp,
		"summaries":   result.Summaries,
		"attempts":    len(result.Attempts),
	})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	info := s.health()
	code := http.StatusOK
	if info.Status != StatusRunning.String() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, info)
}

// fetchPage downloads the page and extracts its visible text for
// summarization.
func (s *APIServer) fetchPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", errors.WrapInvalid(err, "APIServer", "fetchPage", "build request")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.WrapTransient(err, "APIServer", "fetchPage", "fetch "+pageURL)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errors.WrapTransient(errors.ErrUnavailable, "APIServer", "fetchPage",
			"unexpected status "+resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", errors.WrapInvalid(err, "APIServer", "fetchPage", "parse page")
	}
	doc.Find("script, style, noscript").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if text == "" {
		text = strings.Join(strings.Fields(doc.Text()), " ")
	}
	if len(text) > maxFetchedContent {
		text = text[:maxFetchedContent]
	}
	if text == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "APIServer", "fetchPage", "page has no text")
	}
	return text, nil
}

// statusFor maps the error taxonomy onto HTTP codes: caller mistakes are 4xx,
// everything retryable is 503, timeouts are 504.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "error": msg})
}
