// Package config loads and validates the application configuration.
//
// Configuration comes from a JSON or YAML file (chosen by extension),
// with ${VAR} references expanded from the environment so secrets stay
// out of the file. A small set of TAOTIE_* environment variables
// override the file for deployment-specific values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/small-thinking/taotie/batch"
	"github.com/small-thinking/taotie/consumer/openai"
	"github.com/small-thinking/taotie/dispatch"
	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/source/arxiv"
	"github.com/small-thinking/taotie/source/githubtrending"
	"github.com/small-thinking/taotie/source/huggingface"
	"github.com/small-thinking/taotie/source/websocket"
	"github.com/small-thinking/taotie/storage/file"
	"github.com/small-thinking/taotie/storage/webhook"
)

// EnvPrefix is the prefix for overriding environment variables.
const EnvPrefix = "TAOTIE"

// Config is the complete application configuration.
type Config struct {
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	NATS     NATSConfig     `json:"nats,omitempty" yaml:"nats,omitempty"`
	Sources  SourcesConfig  `json:"sources,omitempty" yaml:"sources,omitempty"`
	Consumer openai.Config  `json:"consumer" yaml:"consumer"`
	Storage  StorageConfig  `json:"storage,omitempty" yaml:"storage,omitempty"`
	Server   ServerConfig   `json:"server,omitempty" yaml:"server,omitempty"`
}

// PipelineConfig carries the core pipeline knobs.
type PipelineConfig struct {
	// FingerprintTTL bounds the dedup window (default: 72h).
	FingerprintTTL time.Duration `json:"fingerprint_ttl,omitempty" yaml:"fingerprint_ttl,omitempty"`

	// QueueCapacity is the per-source-kind queue size (default: 256).
	QueueCapacity int `json:"queue_capacity,omitempty" yaml:"queue_capacity,omitempty"`

	// QueueCapacities overrides capacity per source kind.
	QueueCapacities map[string]int `json:"queue_capacities,omitempty" yaml:"queue_capacities,omitempty"`

	Batch    batch.Config    `json:"batch,omitempty" yaml:"batch,omitempty"`
	Dispatch dispatch.Config `json:"dispatch,omitempty" yaml:"dispatch,omitempty"`
}

// NATSConfig selects the JetStream-backed fingerprint store. An empty
// URL keeps the in-memory store.
type NATSConfig struct {
	URL           string        `json:"url,omitempty" yaml:"url,omitempty"`
	Bucket        string        `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
}

// SourcesConfig enables and configures the bundled adapters.
type SourcesConfig struct {
	GithubTrending *githubtrending.Config `json:"github_trending,omitempty" yaml:"github_trending,omitempty"`
	HuggingFace    *huggingface.Config    `json:"huggingface,omitempty" yaml:"huggingface,omitempty"`
	Arxiv          *arxiv.Config          `json:"arxiv,omitempty" yaml:"arxiv,omitempty"`
	Websockets     []websocket.Config     `json:"websockets,omitempty" yaml:"websockets,omitempty"`
}

// StorageConfig selects summary persistence backends. With neither
// configured, summaries go to the default file store location.
type StorageConfig struct {
	File    *file.Config    `json:"file,omitempty" yaml:"file,omitempty"`
	Webhook *webhook.Config `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// ServerConfig configures the operator HTTP endpoint.
type ServerConfig struct {
	// Addr is the listen address (default: ":8080").
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// RequestTimeout bounds the synchronous ad-hoc path (default: 90s).
	RequestTimeout time.Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			FingerprintTTL: 72 * time.Hour,
			QueueCapacity:  256,
			Batch:          batch.DefaultConfig(),
			Dispatch:       dispatch.DefaultConfig(),
		},
		NATS: NATSConfig{
			Bucket: "taotie-fingerprints",
		},
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: 90 * time.Second,
		},
	}
}

// Load reads, expands, and validates the configuration file. An empty
// path returns defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
		}
		data = []byte(expandEnv(string(data)))

		var raw map[string]any
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return nil, errors.WrapInvalid(err, "Config", "Load", "parse YAML config")
			}
		case ".json":
			if err := json.Unmarshal(data, &raw); err != nil {
				return nil, errors.WrapInvalid(err, "Config", "Load", "parse JSON config")
			}
		default:
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Load",
				fmt.Sprintf("unsupported config extension %q", filepath.Ext(path)))
		}

		if err := parseDurations(raw); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse duration fields")
		}

		// Round-trip through JSON so time.Duration fields decode from
		// the normalized nanosecond values.
		normalized, err := json.Marshal(raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "normalize config")
		}
		if err := json.Unmarshal(normalized, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "decode config")
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durationFields names the keys whose YAML/JSON values may be duration
// strings ("30s", "500ms", "72h"). parseDurations converts them to
// nanoseconds before the config struct is decoded, since neither codec
// unmarshals duration strings into time.Duration on its own.
var durationFields = map[string]bool{
	"fingerprint_ttl":     true,
	"max_batch_age":       true,
	"poll_interval":       true,
	"initial_backoff":     true,
	"max_backoff":         true,
	"reconnect_wait":      true,
	"request_timeout":     true,
	"interval":            true,
	"lookback":            true,
	"handshake_timeout":   true,
	"reconnect_delay":     true,
	"max_reconnect_delay": true,
}

// durationTimeoutSections are the section keys under which a "timeout"
// value is a duration. The webhook storage section also carries a "timeout",
// but as plain seconds, so the bare key cannot be in durationFields.
var durationTimeoutSections = map[string]bool{
	"consumer":        true,
	"arxiv":           true,
	"github_trending": true,
	"huggingface":     true,
}

func parseDurations(node any) error {
	m, ok := node.(map[string]any)
	if !ok {
		if list, ok := node.([]any); ok {
			for _, item := range list {
				if err := parseDurations(item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for key, value := range m {
		if s, ok := value.(string); ok && durationFields[key] {
			d, err := parseDurationWithDays(s)
			if err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			m[key] = d.Nanoseconds()
			continue
		}
		if child, ok := value.(map[string]any); ok && durationTimeoutSections[key] {
			if s, ok := child["timeout"].(string); ok {
				d, err := parseDurationWithDays(s)
				if err != nil {
					return fmt.Errorf("field %q.timeout: %w", key, err)
				}
				child["timeout"] = d.Nanoseconds()
			}
		}
		if err := parseDurations(value); err != nil {
			return err
		}
	}
	return nil
}

// parseDurationWithDays extends time.ParseDuration with a "d" suffix so
// dedup windows can be written as "14d".
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err == nil {
			return time.Duration(days) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(s)
}

// expandEnv substitutes ${VAR} references. Unset variables expand to
// the empty string, matching os.ExpandEnv; a $ without braces is left
// alone so shell-ish values survive.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if name == "$" {
			return "$"
		}
		return os.Getenv(name)
	})
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvPrefix + "_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv(EnvPrefix + "_OPENAI_API_KEY"); v != "" {
		c.Consumer.APIKey = v
	}
	if v := os.Getenv(EnvPrefix + "_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Pipeline.FingerprintTTL == 0 {
		c.Pipeline.FingerprintTTL = def.Pipeline.FingerprintTTL
	}
	if c.Pipeline.QueueCapacity == 0 {
		c.Pipeline.QueueCapacity = def.Pipeline.QueueCapacity
	}
	if c.Pipeline.Batch == (batch.Config{}) {
		c.Pipeline.Batch = def.Pipeline.Batch
	}
	if c.NATS.Bucket == "" {
		c.NATS.Bucket = def.NATS.Bucket
	}
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = def.Server.RequestTimeout
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Pipeline.FingerprintTTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "fingerprint_ttl must be positive")
	}
	if c.Pipeline.QueueCapacity <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "queue_capacity must be positive")
	}
	if err := c.Pipeline.Batch.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Dispatch.Validate(); err != nil {
		return err
	}
	if c.Sources.GithubTrending != nil {
		if err := c.Sources.GithubTrending.Validate(); err != nil {
			return err
		}
	}
	if c.Sources.HuggingFace != nil {
		if err := c.Sources.HuggingFace.Validate(); err != nil {
			return err
		}
	}
	if c.Sources.Arxiv != nil {
		if err := c.Sources.Arxiv.Validate(); err != nil {
			return err
		}
	}
	for i := range c.Sources.Websockets {
		if err := c.Sources.Websockets[i].Validate(); err != nil {
			return err
		}
	}
	if c.Storage.File != nil {
		if err := c.Storage.File.Validate(); err != nil {
			return err
		}
	}
	if c.Storage.Webhook != nil {
		if err := c.Storage.Webhook.Validate(); err != nil {
			return err
		}
	}
	return nil
}
