// Package source defines the adapter capability contracts and the runner
// that drives adapters against the ingress gate.
//
// Adapters come in two delivery models. Pull adapters are restartable:
// each Pull returns the current crop of normalized events and the runner
// calls it on the adapter's interval. Subscribe adapters are push-style:
// they run until cancelled and hand events to the sink as they arrive.
// Both models meet the pipeline at the same Submit contract; everything
// about an adapter's protocol stays inside the adapter.
package source

import (
	"context"
	"time"

	"github.com/small-thinking/taotie/event"
	"github.com/small-thinking/taotie/ingest"
)

// Sink is where adapters deliver events. The ingress gate implements it.
type Sink interface {
	Submit(ctx context.Context, ev event.Event) ingest.Result
}

// Puller is a poll-style adapter. Pull must supply a stable fingerprint
// per distinct piece of content so re-polls of unchanged feeds dedup
// cleanly.
type Puller interface {
	Name() string
	Interval() time.Duration
	Pull(ctx context.Context) ([]event.Event, error)
}

// Subscriber is a push-style adapter. Subscribe blocks until ctx is
// cancelled, delivering events to the sink as they arrive.
type Subscriber interface {
	Name() string
	Subscribe(ctx context.Context, sink Sink) error
}
