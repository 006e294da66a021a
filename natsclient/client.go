// Package natsclient wraps the NATS connection the pipeline uses for its
// JetStream-backed fingerprint store.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/small-thinking/taotie/errors"
)

// Client manages one NATS connection and its JetStream context.
type Client struct {
	url    string
	name   string
	logger *slog.Logger

	maxReconnects int
	reconnectWait time.Duration

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// Option is a functional option for configuring the Client
type Option func(*Client)

// WithName sets the connection name visible in NATS monitoring.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithMaxReconnects sets the reconnect budget (-1 for unlimited).
func WithMaxReconnects(n int) Option {
	return func(c *Client) { c.maxReconnects = n }
}

// WithReconnectWait sets the wait between reconnect attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) { c.reconnectWait = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a client for the given server URL. Connect must be
// called before the client is usable.
func NewClient(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Client", "NewClient", "url is required")
	}

	c := &Client{
		url:           url,
		name:          "taotie",
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the configured server URL.
func (c *Client) URL() string { return c.url }

// Connect establishes the connection and JetStream context.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting to NATS", "url", c.url)

	conn, err := nats.Connect(c.url,
		nats.Name(c.name),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapFatal(err, "Client", "Connect", "create JetStream context")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	// Fail fast when JetStream is disabled on the server.
	if _, err := js.AccountInfo(ctx); err != nil {
		c.Close()
		return errors.WrapFatal(err, "Client", "Connect", "verify JetStream availability")
	}

	c.logger.Info("connected to NATS", "url", c.url)
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.conn != nil && c.conn.IsConnected()
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapFatal(errors.ErrNotStarted, "Client", "JetStream", "client not connected")
	}
	return c.js, nil
}

// FingerprintBucket creates (or opens) the KV bucket that backs the
// fingerprint store. The bucket TTL is the fingerprint TTL: entries
// age out server-side and a re-submission after expiry reads as new.
func (c *Client) FingerprintBucket(ctx context.Context, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "content fingerprints for ingress dedup",
		TTL:         ttl,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "FingerprintBucket",
			fmt.Sprintf("create bucket %s", name))
	}
	return kv, nil
}

// Close drains and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.logger.Warn("NATS drain failed, closing hard", "error", err)
			c.conn.Close()
		}
		c.conn = nil
		c.js = nil
	}
}
