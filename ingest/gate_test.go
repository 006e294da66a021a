package ingest

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/small-thinking/taotie/errors"
	"github.com/small-thinking/taotie/event"
	"github.com/small-thinking/taotie/fingerprint"
	"github.com/small-thinking/taotie/queue"
)

// failingStore simulates a fingerprint store outage
type failingStore struct{}

func (failingStore) SeenOrMark(context.Context, string, time.Duration) (bool, error) {
	return false, errors.WrapTransient(errors.ErrStoreUnavailable, "fake", "SeenOrMark", "down")
}

func newTestGate(t *testing.T, capacities map[event.SourceKind]int) (*Gate, *fingerprint.Memory, queue.Set) {
	t.Helper()
	store := fingerprint.NewMemory()
	t.Cleanup(store.Close)
	queues := queue.NewSet(capacities, 16)
	return NewGate(store, queues, time.Minute, nil, nil), store, queues
}

func mkEvent(t *testing.T, fp string, kind event.SourceKind) event.Event {
	t.Helper()
	ev, err := event.New("test-source", kind, fp, map[string]string{"url": "https://example.com/" + fp})
	require.NoError(t, err)
	return ev
}

func TestSubmitAcceptsNewContent(t *testing.T) {
	gate, _, queues := newTestGate(t, nil)

	res := gate.Submit(context.Background(), mkEvent(t, "fp-1", event.KindStream))
	assert.Equal(t, StatusAccepted, res.Status)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, queues[event.KindStream].Len())
}

func TestSubmitDuplicate(t *testing.T) {
	gate, _, queues := newTestGate(t, nil)
	ctx := context.Background()

	first := gate.Submit(ctx, mkEvent(t, "same", event.KindPoll))
	require.Equal(t, StatusAccepted, first.Status)

	second := gate.Submit(ctx, mkEvent(t, "same", event.KindPoll))
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.NoError(t, second.Err)

	// Exactly one queue append happened
	assert.Equal(t, 1, queues[event.KindPoll].Len())
}

func TestSubmitConcurrentSameFingerprint(t *testing.T) {
	gate, _, queues := newTestGate(t, map[event.SourceKind]int{event.KindStream: 128})

	const n = 50
	var wg sync.WaitGroup
	results := make([]Status, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := gate.Submit(context.Background(), mkEvent(t, "contended", event.KindStream))
			results[i] = res.Status
		}(i)
	}
	wg.Wait()

	accepted, duplicate := 0, 0
	for _, s := range results {
		switch s {
		case StatusAccepted:
			accepted++
		case StatusDuplicate:
			duplicate++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one concurrent submission wins")
	assert.Equal(t, n-1, duplicate)
	assert.Equal(t, 1, queues[event.KindStream].Len())
}

func TestSubmitRejectsInvalid(t *testing.T) {
	gate, _, _ := newTestGate(t, nil)

	ev := mkEvent(t, "fp", event.KindStream)
	ev.Fingerprint = ""

	res := gate.Submit(context.Background(), ev)
	assert.Equal(t, StatusRejected, res.Status)
	assert.True(t, errors.IsInvalid(res.Err))
}

func TestSubmitStoreUnavailable(t *testing.T) {
	queues := queue.NewSet(nil, 16)
	gate := NewGate(failingStore{}, queues, time.Minute, nil, nil)

	res := gate.Submit(context.Background(), mkEvent(t, "fp", event.KindStream))
	assert.Equal(t, StatusRejected, res.Status)
	require.Error(t, res.Err)
	assert.True(t, stderrors.Is(res.Err, errors.ErrStoreUnavailable))
	assert.True(t, errors.IsTransient(res.Err))

	// Nothing was enqueued; the outage is not treated as "new content"
	assert.Equal(t, 0, queues[event.KindStream].Len())
}

func TestSubmitQueueFullKeepsMark(t *testing.T) {
	gate, _, queues := newTestGate(t, map[event.SourceKind]int{event.KindPoll: 1})
	gate.waitOnFull = 20 * time.Millisecond
	ctx := context.Background()

	require.Equal(t, StatusAccepted, gate.Submit(ctx, mkEvent(t, "a", event.KindPoll)).Status)

	// Queue now full: the next distinct event is rejected...
	res := gate.Submit(ctx, mkEvent(t, "b", event.KindPoll))
	assert.Equal(t, StatusRejected, res.Status)
	assert.True(t, stderrors.Is(res.Err, errors.ErrQueueFull))

	// ...and its mark is intentionally kept: a retry of the same content is
	// reported as a duplicate, not re-admitted.
	queues[event.KindPoll].Dequeue(ctx, time.Millisecond) // free capacity
	retry := gate.Submit(ctx, mkEvent(t, "b", event.KindPoll))
	assert.Equal(t, StatusDuplicate, retry.Status)
}

func TestSubmitBlocksUntilCapacityFrees(t *testing.T) {
	gate, _, queues := newTestGate(t, map[event.SourceKind]int{event.KindStream: 1})
	ctx := context.Background()

	require.Equal(t, StatusAccepted, gate.Submit(ctx, mkEvent(t, "first", event.KindStream)).Status)

	// Free capacity while the second submission is waiting on the full
	// queue; the bounded wait should absorb the stall instead of
	// rejecting.
	go func() {
		time.Sleep(30 * time.Millisecond)
		queues[event.KindStream].Dequeue(ctx, time.Millisecond)
	}()

	res := gate.Submit(ctx, mkEvent(t, "second", event.KindStream))
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, 1, queues[event.KindStream].Len())
}

func TestSubmitExpiredFingerprintAcceptedAgain(t *testing.T) {
	store := fingerprint.NewMemory()
	t.Cleanup(store.Close)
	queues := queue.NewSet(nil, 16)
	gate := NewGate(store, queues, 20*time.Millisecond, nil, nil)
	ctx := context.Background()

	require.Equal(t, StatusAccepted, gate.Submit(ctx, mkEvent(t, "ttl-test", event.KindStream)).Status)
	time.Sleep(40 * time.Millisecond)

	res := gate.Submit(ctx, mkEvent(t, "ttl-test", event.KindStream))
	assert.Equal(t, StatusAccepted, res.Status, "after the TTL the content is new again")
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "accepted", StatusAccepted.String())
	assert.Equal(t, "duplicate", StatusDuplicate.String())
	assert.Equal(t, "rejected", StatusRejected.String())
	assert.Equal(t, "unknown", Status(9).String())
}

func TestAdmitSkipsQueue(t *testing.T) {
	gate, _, queues := newTestGate(t, nil)
	ctx := context.Background()

	res := gate.Admit(ctx, mkEvent(t, "adhoc-1", event.KindAdhoc))
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, 0, queues[event.KindAdhoc].Len(), "admitted events bypass the queue")

	// The mark still counts for later Submit calls.
	dup := gate.Submit(ctx, mkEvent(t, "adhoc-1", event.KindAdhoc))
	assert.Equal(t, StatusDuplicate, dup.Status)
}

func TestAdmitDuplicate(t *testing.T) {
	gate, _, _ := newTestGate(t, nil)
	ctx := context.Background()

	require.Equal(t, StatusAccepted, gate.Admit(ctx, mkEvent(t, "adhoc-2", event.KindAdhoc)).Status)
	assert.Equal(t, StatusDuplicate, gate.Admit(ctx, mkEvent(t, "adhoc-2", event.KindAdhoc)).Status)
}

func TestAdmitStoreUnavailable(t *testing.T) {
	gate := NewGate(failingStore{}, queue.NewSet(nil, 16), time.Minute, nil, nil)

	res := gate.Admit(context.Background(), mkEvent(t, "adhoc-3", event.KindAdhoc))
	assert.Equal(t, StatusRejected, res.Status)
	assert.Error(t, res.Err)
}
