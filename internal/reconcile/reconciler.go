// Package reconcile keeps a set of display handles consistent with a
// server-pushed stream of add/modify/remove batches for one collection.
package reconcile

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/model"
)

// ErrNoRender is returned by New when the configuration cannot draw anything.
var ErrNoRender = errors.New("reconcile: Render and Destroy are required")

// Phase is the reconciler's load state.
type Phase int

const (
	// Priming is the state before the first batch (the initial snapshot) has
	// been applied.
	Priming Phase = iota
	// Live is every batch after the initial snapshot.
	Live
)

func (p Phase) String() string {
	if p == Live {
		return "live"
	}
	return "priming"
}

// Config wires a reconciler to its rendering policy.
type Config[H any] struct {
	// Collection names the live collection, for logs and metrics.
	Collection string

	// Include decides whether an entity is eligible for display. Nil includes
	// everything.
	Include func(f model.Fields) bool

	// Render builds and attaches a handle. An error means the entity cannot be
	// drawn (for example it has no position); no handle is kept.
	Render func(key string, f model.Fields) (H, error)

	// Update mutates an existing handle in place. It may return a replacement
	// handle, in which case it must already have destroyed the old one. On
	// error the old handle must be left as it was; the reconciler destroys it
	// and drops the entity from the display. Nil falls back to Destroy
	// followed by Render.
	Update func(h H, f model.Fields) (H, error)

	// Destroy detaches a handle.
	Destroy func(h H)

	// OnFirstInsertAfterLoad fires at most once, after the first Live batch
	// that carries an Added change.
	OnFirstInsertAfterLoad func(b model.Batch)

	// OnInsert fires after every Live batch whose Added changes produced
	// visible handles, with those keys in batch order.
	OnInsert func(keys []string)

	// FullRedraw destroys every handle and renders every included entity again
	// on each batch instead of diffing in place.
	FullRedraw bool

	Logger   logging.Logger
	Recorder Recorder
}

// Recorder receives per-batch outcomes, typically for metrics.
type Recorder interface {
	RecordBatch(collection string, res Result, elapsed time.Duration)
}

// Result summarises one Apply call.
type Result struct {
	Collection        string
	Phase             Phase // phase the batch was applied in
	VisibleCount      int
	TotalSnapshotSize int

	Added    int // change events by kind
	Modified int
	Removed  int

	Rendered  int // handles created
	Updated   int // handles updated in place or replaced
	Destroyed int // handles destroyed
	Skipped   int // changes in this batch whose entity could not be rendered

	FirstInsertFired bool
}

// Counts are the two independently reported numbers for a collection.
type Counts struct {
	Visible int `json:"visible"`
	Total   int `json:"total"`
}

// Reconciler owns the key -> handle mapping for one collection. It is not
// safe for concurrent use; a single loop goroutine must own it.
type Reconciler[H any] struct {
	cfg Config[H]
	log logging.Logger

	handles map[string]H
	known   map[string]model.Fields // latest fields per key, FullRedraw only

	phase     Phase
	hookFired bool
	total     int
}

// New validates cfg and returns an empty reconciler in the Priming phase.
func New[H any](cfg Config[H]) (*Reconciler[H], error) {
	if cfg.Render == nil || cfg.Destroy == nil {
		return nil, ErrNoRender
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	r := &Reconciler[H]{
		cfg:     cfg,
		log:     log.With(logging.Collection(cfg.Collection)),
		handles: make(map[string]H),
	}
	if cfg.FullRedraw {
		r.known = make(map[string]model.Fields)
	}
	return r, nil
}

// Phase returns the current load state.
func (r *Reconciler[H]) Phase() Phase { return r.phase }

// Counts returns the visible handle count and the last reported snapshot size.
func (r *Reconciler[H]) Counts() Counts {
	return Counts{Visible: len(r.handles), Total: r.total}
}

// Handle returns the handle for key, if one is attached.
func (r *Reconciler[H]) Handle(key string) (H, bool) {
	h, ok := r.handles[key]
	return h, ok
}

// Keys returns the keys that currently have a handle, sorted.
func (r *Reconciler[H]) Keys() []string {
	keys := make([]string, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Apply processes one batch in order and returns what changed.
func (r *Reconciler[H]) Apply(ctx context.Context, b model.Batch) Result {
	start := time.Now()
	res := Result{Collection: r.cfg.Collection, Phase: r.phase}

	var inserted []string
	if r.cfg.FullRedraw {
		inserted = r.applyFullRedraw(ctx, b, &res)
	} else {
		inserted = r.applyDiff(ctx, b, &res)
	}

	r.total = b.SnapshotSize
	res.VisibleCount = len(r.handles)
	res.TotalSnapshotSize = r.total

	if r.phase == Priming {
		r.phase = Live
	} else {
		if !r.hookFired && b.HasAdds() {
			r.hookFired = true
			res.FirstInsertFired = true
			if r.cfg.OnFirstInsertAfterLoad != nil {
				r.cfg.OnFirstInsertAfterLoad(b)
			}
		}
		if len(inserted) > 0 && r.cfg.OnInsert != nil {
			r.cfg.OnInsert(inserted)
		}
	}

	if r.cfg.Recorder != nil {
		r.cfg.Recorder.RecordBatch(r.cfg.Collection, res, time.Since(start))
	}
	return res
}

func (r *Reconciler[H]) applyDiff(ctx context.Context, b model.Batch, res *Result) []string {
	var inserted []string
	for _, c := range b.Changes {
		countKind(res, c.Kind)
		switch c.Kind {
		case model.Removed:
			r.drop(c.Key, res)
		case model.Added, model.Modified:
			if !r.include(c.Fields) {
				r.drop(c.Key, res)
				continue
			}
			h, ok := r.handles[c.Key]
			if !ok {
				if !r.render(ctx, c.Key, c.Fields, res) {
					res.Skipped++
				} else if c.Kind == model.Added {
					inserted = append(inserted, c.Key)
				}
				continue
			}
			r.update(ctx, c.Key, h, c.Fields, res)
		default:
			r.log.Warn(ctx, "ignoring change with unknown kind",
				logging.String("key", c.Key),
				logging.String("kind", c.Kind.String()),
			)
		}
	}
	return inserted
}

func (r *Reconciler[H]) applyFullRedraw(ctx context.Context, b model.Batch, res *Result) []string {
	added := make(map[string]bool)
	changed := make(map[string]bool)
	for _, c := range b.Changes {
		countKind(res, c.Kind)
		changed[c.Key] = true
		switch c.Kind {
		case model.Removed:
			delete(r.known, c.Key)
		case model.Added, model.Modified:
			r.known[c.Key] = c.Fields.Clone()
			if c.Kind == model.Added {
				added[c.Key] = true
			}
		}
	}

	for key := range r.handles {
		r.drop(key, res)
	}

	keys := make([]string, 0, len(r.known))
	for k := range r.known {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var inserted []string
	for _, key := range keys {
		f := r.known[key]
		if !r.include(f) {
			continue
		}
		// Entities carried over from earlier batches were already counted
		// when they changed.
		if !r.render(ctx, key, f, res) {
			if changed[key] {
				res.Skipped++
			}
		} else if added[key] {
			inserted = append(inserted, key)
		}
	}
	return inserted
}

func (r *Reconciler[H]) include(f model.Fields) bool {
	if r.cfg.Include == nil {
		return true
	}
	return r.cfg.Include(f)
}

func (r *Reconciler[H]) render(ctx context.Context, key string, f model.Fields, res *Result) bool {
	h, err := r.cfg.Render(key, f)
	if err != nil {
		r.log.Debug(ctx, "skipping entity that cannot be rendered",
			logging.String("key", key),
			logging.Err(err),
		)
		return false
	}
	r.handles[key] = h
	res.Rendered++
	return true
}

func (r *Reconciler[H]) update(ctx context.Context, key string, h H, f model.Fields, res *Result) {
	if r.cfg.Update == nil {
		r.drop(key, res)
		if !r.render(ctx, key, f, res) {
			res.Skipped++
		}
		return
	}
	next, err := r.cfg.Update(h, f)
	if err != nil {
		r.drop(key, res)
		res.Skipped++
		r.log.Debug(ctx, "dropping entity that can no longer be rendered",
			logging.String("key", key),
			logging.Err(err),
		)
		return
	}
	r.handles[key] = next
	res.Updated++
}

func (r *Reconciler[H]) drop(key string, res *Result) {
	h, ok := r.handles[key]
	if !ok {
		return
	}
	r.cfg.Destroy(h)
	delete(r.handles, key)
	res.Destroyed++
}

func countKind(res *Result, k model.ChangeKind) {
	switch k {
	case model.Added:
		res.Added++
	case model.Modified:
		res.Modified++
	case model.Removed:
		res.Removed++
	}
}
