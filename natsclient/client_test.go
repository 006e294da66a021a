package natsclient

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, "taotie", c.name)
	assert.Equal(t, -1, c.maxReconnects)
	assert.Equal(t, 2*time.Second, c.reconnectWait)
	assert.False(t, c.IsConnected())
}

func TestNewClientOptions(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithName("pipeline-1"),
		WithMaxReconnects(5),
		WithReconnectWait(500*time.Millisecond),
		WithLogger(slog.Default()),
	)
	require.NoError(t, err)

	assert.Equal(t, "pipeline-1", c.name)
	assert.Equal(t, 5, c.maxReconnects)
	assert.Equal(t, 500*time.Millisecond, c.reconnectWait)
}

func TestJetStreamBeforeConnect(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.JetStream()
	require.Error(t, err)
}
