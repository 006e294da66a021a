package storage

import (
	"context"
	"sync"

	"github.com/small-thinking/taotie/event"
)

// Memory is an in-process Store for tests and single-node runs.
type Memory struct {
	mu        sync.RWMutex
	summaries map[string]event.Summary
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{summaries: make(map[string]event.Summary)}
}

// Persist records the summary, ignoring keys already present.
func (m *Memory) Persist(_ context.Context, s event.Summary) error {
	if err := s.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.summaries[s.Key]; ok {
		return nil
	}
	m.summaries[s.Key] = s
	return nil
}

// Get returns the summary stored under key, if any.
func (m *Memory) Get(key string) (event.Summary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.summaries[key]
	return s, ok
}

// Len returns the number of stored summaries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.summaries)
}
