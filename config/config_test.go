package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 72*time.Hour, cfg.Pipeline.FingerprintTTL)
	assert.Equal(t, 256, cfg.Pipeline.QueueCapacity)
	assert.Equal(t, 10, cfg.Pipeline.Batch.MaxBatchSize)
	assert.Equal(t, 4, cfg.Pipeline.Dispatch.MaxConcurrency)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "taotie-fingerprints", cfg.NATS.Bucket)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
pipeline:
  fingerprint_ttl: 24h
  queue_capacity: 32
  batch:
    max_batch_size: 5
    max_batch_age: 2s
  dispatch:
    max_concurrency: 2
    max_attempts: 5
sources:
  arxiv:
    authors: ["Ada Lovelace"]
    interval: 1h
server:
  addr: ":9090"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Pipeline.FingerprintTTL)
	assert.Equal(t, 32, cfg.Pipeline.QueueCapacity)
	assert.Equal(t, 5, cfg.Pipeline.Batch.MaxBatchSize)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.Batch.MaxBatchAge)
	assert.Equal(t, 2, cfg.Pipeline.Dispatch.MaxConcurrency)
	assert.Equal(t, 5, cfg.Pipeline.Dispatch.MaxAttempts)
	require.NotNil(t, cfg.Sources.Arxiv)
	assert.Equal(t, []string{"Ada Lovelace"}, cfg.Sources.Arxiv.Authors)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoadParsesDurationStrings(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
pipeline:
  fingerprint_ttl: 14d
  batch:
    max_batch_age: 30s
    poll_interval: 250ms
  dispatch:
    initial_backoff: 500ms
    max_backoff: 30s
nats:
  url: nats://localhost:4222
  reconnect_wait: 2s
sources:
  github_trending:
    interval: 12h
    timeout: 20s
  arxiv:
    authors: ["Grace Hopper"]
    lookback: 36h
  websockets:
    - url: wss://feed.example.com/stream
      handshake_timeout: 10s
      reconnect_delay: 1s
      max_reconnect_delay: 1m
consumer:
  api_key: sk-test
  timeout: 45s
server:
  request_timeout: 90s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 14*24*time.Hour, cfg.Pipeline.FingerprintTTL)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Batch.MaxBatchAge)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.Batch.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.Dispatch.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Dispatch.MaxBackoff)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	require.NotNil(t, cfg.Sources.GithubTrending)
	assert.Equal(t, 12*time.Hour, cfg.Sources.GithubTrending.Interval)
	assert.Equal(t, 20*time.Second, cfg.Sources.GithubTrending.Timeout)
	require.NotNil(t, cfg.Sources.Arxiv)
	assert.Equal(t, 36*time.Hour, cfg.Sources.Arxiv.Lookback)
	require.Len(t, cfg.Sources.Websockets, 1)
	assert.Equal(t, 10*time.Second, cfg.Sources.Websockets[0].HandshakeTimeout)
	assert.Equal(t, time.Second, cfg.Sources.Websockets[0].ReconnectDelay)
	assert.Equal(t, time.Minute, cfg.Sources.Websockets[0].MaxReconnectDelay)
	assert.Equal(t, 45*time.Second, cfg.Consumer.Timeout)
	assert.Equal(t, 90*time.Second, cfg.Server.RequestTimeout)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
pipeline:
  fingerprint_ttl: soon
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint_ttl")
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "pipeline": {"queue_capacity": 16},
  "storage": {"file": {"directory": "/tmp/taotie-test"}}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Pipeline.QueueCapacity)
	require.NotNil(t, cfg.Storage.File)
	assert.Equal(t, "/tmp/taotie-test", cfg.Storage.File.Directory)
	// Unset values still get defaults.
	assert.Equal(t, 72*time.Hour, cfg.Pipeline.FingerprintTTL)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_TAOTIE_KEY", "sk-secret")

	path := writeConfig(t, "config.yaml", `
consumer:
  api_key: ${TEST_TAOTIE_KEY}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", cfg.Consumer.APIKey)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TAOTIE_NATS_URL", "nats://override:4222")
	t.Setenv("TAOTIE_OPENAI_API_KEY", "sk-env")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "nats://override:4222", cfg.NATS.URL)
	assert.Equal(t, "sk-env", cfg.Consumer.APIKey)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeConfig(t, "config.toml", "whatever = true")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
pipeline:
  queue_capacity: -1
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoadInvalidSourceConfig(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
sources:
  websockets:
    - name: feed
`)
	_, err := Load(path)
	require.Error(t, err, "websocket source without url must be rejected")
}
