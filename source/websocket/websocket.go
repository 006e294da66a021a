// Package websocket provides a push-style adapter that subscribes to a
// websocket feed and submits each received message as an event.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
	"github.com/small-thinking/taotie/source"
)

// Config holds configuration for the websocket adapter.
type Config struct {
	// URL is the feed endpoint (ws:// or wss://).
	URL string `json:"url" yaml:"url"`

	// Name overrides the source label on emitted events (default: "websocket").
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Headers are sent with the handshake (auth tokens and the like).
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// HandshakeTimeout bounds the dial (default: 45s).
	HandshakeTimeout time.Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`

	// MaxReconnects caps consecutive failed dials; zero means unlimited.
	MaxReconnects int `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`

	// ReconnectDelay is the initial backoff between dials (default: 1s).
	ReconnectDelay time.Duration `json:"reconnect_delay,omitempty" yaml:"reconnect_delay,omitempty"`

	// MaxReconnectDelay caps the backoff (default: 30s).
	MaxReconnectDelay time.Duration `json:"max_reconnect_delay,omitempty" yaml:"max_reconnect_delay,omitempty"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url is required")
	}
	if c.MaxReconnects < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_reconnects cannot be negative")
	}
	return nil
}

// envelope is the wire shape the feed sends. Content is kept raw; the
// pipeline never interprets payloads.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	URL     string          `json:"url,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Adapter maintains a client connection with reconnect backoff and
// feeds every message through the sink.
type Adapter struct {
	name    string
	url     string
	headers http.Header
	dialer  *websocket.Dialer

	maxReconnects int
	initialDelay  time.Duration
	maxDelay      time.Duration
}

// New creates a websocket adapter from configuration.
func New(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "websocket"
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}

	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	return &Adapter{
		name:          cfg.Name,
		url:           cfg.URL,
		headers:       headers,
		dialer:        &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		maxReconnects: cfg.MaxReconnects,
		initialDelay:  cfg.ReconnectDelay,
		maxDelay:      cfg.MaxReconnectDelay,
	}, nil
}

// Name identifies the adapter.
func (a *Adapter) Name() string { return a.name }

// Subscribe connects and reads until ctx is cancelled, reconnecting
// with backoff on disconnect. A maxReconnects budget of consecutive
// dial failures ends the subscription with an error.
func (a *Adapter) Subscribe(ctx context.Context, sink source.Sink) error {
	failures := 0
	delay := a.initialDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, resp, err := a.dialer.DialContext(ctx, a.url, a.headers)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			failures++
			if a.maxReconnects > 0 && failures >= a.maxReconnects {
				return errors.WrapTransient(err, "Adapter", "Subscribe", "reconnect budget exhausted")
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			delay *= 2
			if delay > a.maxDelay {
				delay = a.maxDelay
			}
			continue
		}

		failures = 0
		delay = a.initialDelay

		a.readLoop(ctx, conn, sink)
		_ = conn.Close()
	}
}

// readLoop consumes messages until the connection drops or ctx is
// cancelled. Unreadable messages are skipped; the feed keeps flowing.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, sink source.Sink) {
	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		ev, err := a.toEvent(message)
		if err != nil {
			continue
		}
		sink.Submit(ctx, ev)
	}
}

// toEvent normalizes one wire message. The fingerprint comes from the
// envelope URL when present, otherwise from the message body, so the
// same content pushed twice dedups at the gate.
func (a *Adapter) toEvent(message []byte) (event.Event, error) {
	var env envelope
	_ = json.Unmarshal(message, &env)

	var fingerprint string
	if env.URL != "" {
		// An envelope URL that cannot be canonicalized falls through to
		// the content-derived fingerprints below.
		if fp, err := event.FingerprintURL(env.URL); err == nil {
			fingerprint = fp
		}
	}
	switch {
	case fingerprint != "":
	case env.ID != "":
		fingerprint = event.FingerprintContent(a.name, env.ID)
	default:
		fingerprint = event.FingerprintContent(a.name, string(message))
	}

	return event.New(a.name, event.KindStream, fingerprint, json.RawMessage(message))
}

var _ source.Subscriber = (*Adapter)(nil)
