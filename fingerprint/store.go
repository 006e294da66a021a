// Package fingerprint implements the content-addressed dedup index.
//
// The store's single contract is SeenOrMark: an atomic check-and-set that
// guarantees that of N concurrent calls with the same fingerprint exactly one
// observes "not seen". Everything the ingress gate's at-most-once admission
// property rests on is that atomicity.
//
// Two implementations are provided: Memory (in-process TTL map, the default)
// and KV (NATS JetStream key-value bucket, for deployments where several
// pipeline processes share one dedup window).
package fingerprint

import (
	"context"
	"time"
)

// Store is the dedup index consulted by the ingress gate.
type Store interface {
	// SeenOrMark atomically checks whether fingerprint is present and, if
	// absent, inserts it with the given ttl. It returns false when the
	// fingerprint was not previously seen (and is now marked) and true when
	// it was already present; no mutation happens in the seen case.
	//
	// A store that cannot answer returns a transient error; callers must
	// never treat that as "not a duplicate".
	SeenOrMark(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
}
