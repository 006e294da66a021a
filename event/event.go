// Package event defines the core data types that flow through the pipeline:
// Events produced by source adapters, their dedup fingerprints, and the
// Summaries the consumer stage produces from them.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/small-thinking/taotie/errors"
)

// SourceKind classifies how a source adapter delivers events. The pipeline
// keeps one queue per kind so a burst from a poll source cannot starve
// near-real-time stream events.
type SourceKind string

const (
	// KindStream is a push-based source that delivers events as they happen
	KindStream SourceKind = "stream"
	// KindPoll is a source that is checked periodically
	KindPoll SourceKind = "poll"
	// KindAdhoc is a synchronous one-shot submission (the HTTP endpoint)
	KindAdhoc SourceKind = "adhoc"
)

// Kinds lists all valid source kinds in a stable order
func Kinds() []SourceKind {
	return []SourceKind{KindStream, KindPoll, KindAdhoc}
}

// Valid reports whether the kind is one of the known source kinds
func (k SourceKind) Valid() bool {
	switch k {
	case KindStream, KindPoll, KindAdhoc:
		return true
	}
	return false
}

// Event is a single normalized piece of content offered to the pipeline.
// ID is unique per occurrence; Fingerprint is the dedup key and is shared by
// all occurrences of the same content.
type Event struct {
	ID          string          `json:"id"`
	Source      string          `json:"source"`
	Kind        SourceKind      `json:"kind"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// New creates an Event with a fresh occurrence ID and the current timestamp.
// The payload is marshaled to JSON; adapters pass their normalized content
// structs here.
func New(source string, kind SourceKind, fingerprint string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.WrapInvalid(err, "Event", "New", "marshal payload")
	}
	return Event{
		ID:          uuid.NewString(),
		Source:      source,
		Kind:        kind,
		Fingerprint: fingerprint,
		Payload:     raw,
		ReceivedAt:  time.Now().UTC(),
	}, nil
}

// Validate checks the invariants the ingress gate relies on
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Event", "Validate", "id is required")
	}
	if !e.Kind.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Event", "Validate", "unknown source kind "+string(e.Kind))
	}
	if e.Fingerprint == "" {
		return errors.WrapInvalid(errors.ErrMissingFingerprint, "Event", "Validate", "fingerprint is required")
	}
	return nil
}

// Summary is the structured output of the consumer stage for one or more
// events. Key is derived from the source event fingerprints so repeated
// storage attempts after a dispatch retry land on the same record.
type Summary struct {
	Key       string    `json:"key"`
	Text      string    `json:"summary"`
	Tags      []string  `json:"tags"`
	SourceIDs []string  `json:"source_ids,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the invariants storage backends rely on
func (s Summary) Validate() error {
	if s.Key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Summary", "Validate", "key is required")
	}
	if s.Text == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Summary", "Validate", "summary text is required")
	}
	return nil
}
