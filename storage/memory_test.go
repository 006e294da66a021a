package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-thinking/taotie/event"
)

func testSummary(key, text string) event.Summary {
	return event.Summary{
		Key:       key,
		Text:      text,
		Tags:      []string{"LLM"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestMemoryPersistIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Persist(ctx, testSummary("k1", "first")))
	require.NoError(t, m.Persist(ctx, testSummary("k1", "second attempt, same key")))

	assert.Equal(t, 1, m.Len())
	got, ok := m.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "first", got.Text, "first write wins")
}

func TestMemoryPersistValidates(t *testing.T) {
	m := NewMemory()

	err := m.Persist(context.Background(), event.Summary{Text: "no key"})
	require.Error(t, err)

	err = m.Persist(context.Background(), event.Summary{Key: "no-text"})
	require.Error(t, err)

	assert.Zero(t, m.Len())
}

func TestMemoryConcurrentPersistSameKey(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Persist(ctx, testSummary("shared", "text")))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, m.Len())
}

func TestMultiStoreWritesAll(t *testing.T) {
	a := NewMemory()
	b := NewMemory()
	multi := MultiStore{a, b}

	require.NoError(t, multi.Persist(context.Background(), testSummary("k", "t")))

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
}
