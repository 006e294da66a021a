package fingerprint

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process fingerprint store. Expiry is lazy on access plus an
// active background sweep, so an expired fingerprint is never reported as seen
// regardless of when the sweeper last ran.
type Memory struct {
	mu    sync.Mutex
	marks map[string]time.Time // fingerprint -> expiry deadline

	sweepInterval time.Duration
	shutdown      chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// MemoryOption configures a Memory store
type MemoryOption func(*Memory)

// WithSweepInterval overrides how often the background sweep runs
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// NewMemory creates a memory store and starts its background sweeper
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		marks:         make(map[string]time.Time),
		sweepInterval: time.Minute,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweep()
	return m
}

// SeenOrMark implements Store. The in-process map cannot fail, so the error
// is always nil; the signature matches the Store contract shared with KV.
func (m *Memory) SeenOrMark(_ context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	deadline, exists := m.marks[fingerprint]
	if exists && now.Before(deadline) {
		return true, nil
	}
	// Absent or expired: (re)mark
	m.marks[fingerprint] = now.Add(ttl)
	return false, nil
}

// Len returns the number of marks currently held, including not-yet-swept
// expired ones. Used by tests and health reporting.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marks)
}

// Close stops the background sweeper
func (m *Memory) Close() {
	m.closeOnce.Do(func() {
		close(m.shutdown)
		<-m.done
	})
}

func (m *Memory) sweep() {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for fp, deadline := range m.marks {
				if now.After(deadline) {
					delete(m.marks, fp)
				}
			}
			m.mu.Unlock()
		}
	}
}
