// Package webhook provides a Store that POSTs summaries to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
)

// Config holds configuration for the webhook store.
type Config struct {
	// URL is the endpoint summaries are POSTed to.
	URL string `json:"url" yaml:"url"`

	// Headers are added to every request.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Timeout bounds each request in seconds (default: 30).
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "invalid URL format")
	}
	if c.Timeout < 0 || c.Timeout > 300 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 300 seconds")
	}
	return nil
}

// Store delivers summaries to a remote collector over HTTP. The summary
// key travels in the Idempotency-Key header so a receiver that has seen
// the key can answer 409 and the delivery still counts as persisted.
type Store struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a webhook store from configuration.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: &http.Client{Timeout: time.Duration(timeout) * time.Second},
		logger:     logger,
	}, nil
}

// Persist POSTs the summary as JSON. 409 from the receiver means the key
// was already recorded and is treated as success.
func (s *Store) Persist(ctx context.Context, sum event.Summary) error {
	if err := sum.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(sum)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "Persist", "marshal summary")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "Store", "Persist", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", sum.Key)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "Store", "Persist", "post summary")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.logger.Debug("summary delivered", "key", sum.Key, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Receiver already has this key.
		s.logger.Debug("summary already delivered", "key", sum.Key)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.WrapTransient(errors.ErrRateLimited, "Store", "Persist",
			fmt.Sprintf("endpoint returned %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return errors.WrapTransient(errors.ErrUnavailable, "Store", "Persist",
			fmt.Sprintf("endpoint returned %d", resp.StatusCode))
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "Store", "Persist",
			fmt.Sprintf("endpoint rejected summary with %d", resp.StatusCode))
	}
}
