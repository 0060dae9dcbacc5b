// Package feed delivers live collection change batches from the document
// database (or a stand-in) to the reconciliation loops.
//
// Every subscription starts with one batch holding the full current snapshot
// as Added changes, followed by incremental batches in server order. The
// returned channel is closed when ctx is cancelled or the source ends.
// Reconnects and backoff are left to the underlying client libraries.
package feed

import (
	"context"
	"errors"

	"github.com/signalsfoundry/dispatch-monitor/model"
)

// ErrClosed is returned when subscribing to a source that has been shut down.
var ErrClosed = errors.New("feed: source closed")

// Source yields change batches for a named collection.
type Source interface {
	Subscribe(ctx context.Context, collection string) (<-chan model.Batch, error)
}

// keySet tracks which document keys exist so sources that only see
// individual change events can report the snapshot size.
type keySet map[string]struct{}

func (k keySet) apply(c model.Change) {
	switch c.Kind {
	case model.Removed:
		delete(k, c.Key)
	case model.Added, model.Modified:
		k[c.Key] = struct{}{}
	}
}

func (k keySet) has(key string) bool {
	_, ok := k[key]
	return ok
}
