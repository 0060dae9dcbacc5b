package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/model"
)

// Memory is an in-process document store with live subscriptions. It backs
// tests and the development mode of the dashboard, and implements the delete
// collaborator used by the cancel flow.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]map[string]model.Fields
	subs   map[string]map[*memorySub]struct{}
	closed bool
	log    logging.Logger
}

type memorySub struct {
	mu     sync.Mutex
	queue  []model.Batch
	signal chan struct{}
}

// NewMemory constructs an empty store.
func NewMemory(log logging.Logger) *Memory {
	if log == nil {
		log = logging.Noop()
	}
	return &Memory{
		docs: make(map[string]map[string]model.Fields),
		subs: make(map[string]map[*memorySub]struct{}),
		log:  log,
	}
}

var _ Source = (*Memory)(nil)

// Subscribe implements Source.
func (m *Memory) Subscribe(ctx context.Context, collection string) (<-chan model.Batch, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &memorySub{signal: make(chan struct{}, 1)}
	sub.push(m.snapshotLocked(collection))
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[*memorySub]struct{})
	}
	m.subs[collection][sub] = struct{}{}
	m.mu.Unlock()

	out := make(chan model.Batch)
	go func() {
		defer close(out)
		defer m.unsubscribe(collection, sub)
		for {
			for _, b := range sub.drain() {
				select {
				case out <- b:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-sub.signal:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Put creates or replaces a document.
func (m *Memory) Put(collection, key string, fields model.Fields) error {
	return m.Apply(collection, model.Change{Kind: model.Modified, Key: key, Fields: fields})
}

// Delete removes a document. Deleting an absent document succeeds silently.
func (m *Memory) Delete(collection, key string) error {
	return m.Apply(collection, model.Change{Kind: model.Removed, Key: key})
}

// DeleteEntity implements the cancel flow's delete collaborator.
func (m *Memory) DeleteEntity(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.Delete(collection, key)
}

// Apply writes every change and publishes them as one batch. Added and
// Modified are interchangeable on input; the published kind reflects whether
// the key existed. Removing an absent key publishes nothing for that key. A
// change with an empty key or unknown kind rejects the whole batch unwritten.
func (m *Memory) Apply(collection string, changes ...model.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, c := range changes {
		if c.Key == "" {
			return fmt.Errorf("memory feed: empty key in %s", collection)
		}
		switch c.Kind {
		case model.Added, model.Modified, model.Removed:
		default:
			return fmt.Errorf("memory feed: unknown change kind %v", c.Kind)
		}
	}

	docs := m.docs[collection]
	if docs == nil {
		docs = make(map[string]model.Fields)
		m.docs[collection] = docs
	}

	out := make([]model.Change, 0, len(changes))
	for _, c := range changes {
		switch c.Kind {
		case model.Removed:
			if _, ok := docs[c.Key]; !ok {
				continue
			}
			delete(docs, c.Key)
			out = append(out, model.Change{Kind: model.Removed, Key: c.Key})
		case model.Added, model.Modified:
			kind := model.Added
			if _, ok := docs[c.Key]; ok {
				kind = model.Modified
			}
			f := c.Fields.Clone()
			if f == nil {
				f = model.Fields{}
			}
			docs[c.Key] = f
			out = append(out, model.Change{Kind: kind, Key: c.Key, Fields: f.Clone()})
		}
	}
	if len(out) == 0 {
		return nil
	}

	b := model.Batch{Collection: collection, SnapshotSize: len(docs), Changes: out}
	for sub := range m.subs[collection] {
		sub.push(cloneBatch(b))
	}
	return nil
}

// Get returns a copy of a document.
func (m *Memory) Get(collection, key string) (model.Fields, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.docs[collection][key]
	return f.Clone(), ok
}

// Len returns the number of documents in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[collection])
}

// Close rejects further writes and subscriptions. Existing subscriptions end
// when their context is cancelled.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *Memory) snapshotLocked(collection string) model.Batch {
	docs := m.docs[collection]
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := model.Batch{Collection: collection, SnapshotSize: len(docs)}
	for _, k := range keys {
		b.Changes = append(b.Changes, model.Change{Kind: model.Added, Key: k, Fields: docs[k].Clone()})
	}
	return b
}

func (m *Memory) unsubscribe(collection string, sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[collection], sub)
}

func (s *memorySub) push(b model.Batch) {
	s.mu.Lock()
	s.queue = append(s.queue, b)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *memorySub) drain() []model.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func cloneBatch(b model.Batch) model.Batch {
	out := model.Batch{Collection: b.Collection, SnapshotSize: b.SnapshotSize}
	out.Changes = make([]model.Change, len(b.Changes))
	for i, c := range b.Changes {
		out.Changes[i] = model.Change{Kind: c.Kind, Key: c.Key, Fields: c.Fields.Clone()}
	}
	return out
}
