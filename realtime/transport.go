// Package realtime is the client side of the change feed. A Manager holds at
// most one upstream channel per (schema, table, filter) triple and fans its
// events out to any number of local subscribers, reconnecting with backoff
// when the channel drops and telling every subscriber to resync afterwards.
package realtime

import (
	"context"

	"github.com/opsboard/coherence/eventbus"
)

// Transport opens raw event channels. The production implementation dials
// the websocket endpoint; tests supply an in-memory one.
type Transport interface {
	Open(ctx context.Context, schema, table string, filter eventbus.Filter) (Channel, error)
}

// Channel is one live upstream stream. Events() closes when the stream ends
// for any reason: server gap, network loss, or Close. The consumer cannot
// tell the reasons apart and does not need to; every end of stream means the
// local view may be stale.
type Channel interface {
	Events() <-chan *eventbus.ChangeEvent
	Close()
}
