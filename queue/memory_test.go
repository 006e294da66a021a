package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
)

func mkEvent(t *testing.T, fp string) event.Event {
	t.Helper()
	ev, err := event.New("test", event.KindStream, fp, nil)
	require.NoError(t, err)
	return ev
}

func TestMemoryFIFO(t *testing.T) {
	q := NewMemory(10)
	ctx := context.Background()

	for _, fp := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, mkEvent(t, fp)))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		ev, ok := q.Dequeue(ctx, time.Second)
		require.True(t, ok)
		assert.Equal(t, want, ev.Fingerprint)
	}
	assert.Equal(t, 0, q.Len())
}

func TestMemoryEnqueueFull(t *testing.T) {
	q := NewMemory(2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, mkEvent(t, "a")))
	require.NoError(t, q.Enqueue(ctx, mkEvent(t, "b")))

	err := q.Enqueue(ctx, mkEvent(t, "c"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQueueFull)
}

func TestMemoryEnqueueWaitUnblocks(t *testing.T) {
	q := NewMemory(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, mkEvent(t, "a")))

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Dequeue(context.Background(), time.Second)
	}()

	err := q.EnqueueWait(ctx, mkEvent(t, "b"), time.Second)
	assert.NoError(t, err, "enqueue should succeed once capacity frees up")
}

func TestMemoryEnqueueWaitTimeout(t *testing.T) {
	q := NewMemory(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, mkEvent(t, "a")))

	err := q.EnqueueWait(ctx, mkEvent(t, "b"), 20*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrQueueFull)
}

func TestMemoryDequeueTimeout(t *testing.T) {
	q := NewMemory(1)

	start := time.Now()
	_, ok := q.Dequeue(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMemoryDequeueCancelled(t *testing.T) {
	q := NewMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Dequeue(ctx, time.Second)
	assert.False(t, ok)
}

func TestNewSet(t *testing.T) {
	set := NewSet(map[event.SourceKind]int{event.KindStream: 5}, 100)

	require.Len(t, set, 3)
	assert.Equal(t, 5, set[event.KindStream].Cap())
	assert.Equal(t, 100, set[event.KindPoll].Cap())
	assert.Equal(t, 100, set[event.KindAdhoc].Cap())
}
