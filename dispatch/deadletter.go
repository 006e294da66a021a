package dispatch

import (
	"sync"
	"time"

	"github.com/small-thinking/taotie/event"
)

// DeadLetter records a batch the pipeline gave up on.
type DeadLetter struct {
	BatchID  string           `json:"batch_id"`
	Kind     event.SourceKind `json:"kind"`
	Reason   string           `json:"reason"`
	Attempts []Attempt        `json:"-"`
	Events   int              `json:"events"`
	At       time.Time        `json:"at"`
}

// DeadLetterLog keeps the most recent dead letters in memory for the
// operator surface. When full, the oldest entries are discarded.
type DeadLetterLog struct {
	mu      sync.RWMutex
	max     int
	entries []DeadLetter
	total   int64
}

func newDeadLetterLog(max int) *DeadLetterLog {
	if max <= 0 {
		max = 256
	}
	return &DeadLetterLog{max: max}
}

func (l *DeadLetterLog) add(dl DeadLetter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	l.entries = append(l.entries, dl)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
}

// Entries returns a copy of the retained dead letters, oldest first.
func (l *DeadLetterLog) Entries() []DeadLetter {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]DeadLetter, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *DeadLetterLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.entries)
}

// Total returns the number of dead letters ever recorded, including
// entries already discarded from the log.
func (l *DeadLetterLog) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.total
}
