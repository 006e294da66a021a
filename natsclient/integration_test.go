//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/small-thinking/taotie/fingerprint"
)

func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          []string{"-js"},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	// Give JetStream a moment to finish initializing
	time.Sleep(200 * time.Millisecond)

	return container, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_ConnectAndBucket(t *testing.T) {
	ctx := context.Background()
	container, url := startNATSContainer(ctx, t)
	defer func() { _ = container.Terminate(ctx) }()

	c, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	assert.True(t, c.IsConnected())

	kv, err := c.FingerprintBucket(ctx, "fingerprints-test", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, kv)

	// Opening the same bucket again succeeds.
	_, err = c.FingerprintBucket(ctx, "fingerprints-test", time.Minute)
	require.NoError(t, err)
}

func TestIntegration_KVStoreSeenOrMark(t *testing.T) {
	ctx := context.Background()
	container, url := startNATSContainer(ctx, t)
	defer func() { _ = container.Terminate(ctx) }()

	c, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	kv, err := c.FingerprintBucket(ctx, "fingerprints", time.Minute)
	require.NoError(t, err)

	store := fingerprint.NewKV(kv)

	seen, err := store.SeenOrMark(ctx, "fp-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen, "first sighting is new")

	seen, err = store.SeenOrMark(ctx, "fp-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen, "second sighting is a duplicate")
}

func TestIntegration_KVStoreConcurrentMark(t *testing.T) {
	ctx := context.Background()
	container, url := startNATSContainer(ctx, t)
	defer func() { _ = container.Terminate(ctx) }()

	c, err := NewClient(url)
	require.NoError(t, err)
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	kv, err := c.FingerprintBucket(ctx, "fingerprints", time.Minute)
	require.NoError(t, err)
	store := fingerprint.NewKV(kv)

	const n = 10
	var wg sync.WaitGroup
	fresh := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, err := store.SeenOrMark(ctx, "contested", time.Minute)
			assert.NoError(t, err)
			if !seen {
				fresh <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(fresh)

	assert.Equal(t, 1, len(fresh), "exactly one concurrent caller wins the mark")
}
