package fingerprint

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/small-thinking/taotie/errors"
)

// Record is the value stored per fingerprint in the KV bucket
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// KV is a fingerprint store backed by a NATS JetStream key-value bucket,
// letting several pipeline processes share a single dedup window.
//
// Atomicity comes from the bucket's create-if-absent semantics: exactly one
// concurrent Create for a key succeeds. Expiry is enforced by the bucket's
// TTL (set when the bucket is created, see natsclient.EnsureFingerprintBucket);
// the per-call ttl argument is ignored here.
type KV struct {
	bucket  jetstream.KeyValue
	timeout time.Duration
}

// KVOption configures a KV store
type KVOption func(*KV)

// WithTimeout overrides the per-operation timeout (default 5s)
func WithTimeout(d time.Duration) KVOption {
	return func(s *KV) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewKV creates a fingerprint store on top of an existing KV bucket
func NewKV(bucket jetstream.KeyValue, opts ...KVOption) *KV {
	s := &KV{
		bucket:  bucket,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SeenOrMark implements Store
func (s *KV) SeenOrMark(ctx context.Context, fingerprint string, _ time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	value, err := json.Marshal(Record{
		Fingerprint: fingerprint,
		FirstSeenAt: time.Now().UTC(),
	})
	if err != nil {
		return false, errors.WrapInvalid(err, "KV", "SeenOrMark", "marshal record")
	}

	_, err = s.bucket.Create(ctx, fingerprint, value)
	if err == nil {
		return false, nil // newly marked
	}
	if isKeyExists(err) {
		return true, nil // already seen within the bucket TTL
	}

	// Store unreachable: surface as transient, never as "not a duplicate"
	return false, errors.WrapTransient(errors.ErrStoreUnavailable, "KV", "SeenOrMark",
		fmt.Sprintf("kv create %s: %v", fingerprint, err))
}

// isKeyExists checks whether the create failed because the key is present
func isKeyExists(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	// Raw server errors observed in the wild
	msg := err.Error()
	return strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071")
}
