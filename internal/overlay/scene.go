package overlay

import (
	"sort"
	"sync"

	"github.com/signalsfoundry/dispatch-monitor/model"
)

// Kind is the primitive type of a shape.
type Kind string

const (
	KindPoint Kind = "point"
	KindLine  Kind = "line"
	KindGroup Kind = "group"
)

// Op types streamed to browsers.
const (
	OpAdd    = "overlay.add"
	OpRemove = "overlay.remove"
	OpMove   = "overlay.move"
	OpLabel  = "overlay.label"
)

// Shape is the wire form of an attached overlay.
type Shape struct {
	ID       string         `json:"id"`
	Layer    string         `json:"layer"`
	Kind     Kind           `json:"kind"`
	Position *model.LatLng  `json:"position,omitempty"`
	Points   []model.LatLng `json:"points,omitempty"`
	Style    Style          `json:"style"`
	Label    string         `json:"label,omitempty"`
	Entity   string         `json:"entity,omitempty"`
	Children []Shape        `json:"children,omitempty"`
}

// Op is one change to the attached overlay set.
type Op struct {
	Type     string        `json:"type"`
	ID       string        `json:"id"`
	Shape    *Shape        `json:"shape,omitempty"`
	Position *model.LatLng `json:"position,omitempty"`
	Label    string        `json:"label,omitempty"`
}

// Sink receives overlay operations in the order they were applied.
type Sink interface {
	PublishOverlay(op Op)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Op)

// PublishOverlay implements Sink.
func (f SinkFunc) PublishOverlay(op Op) { f(op) }

type node struct {
	layer    string
	kind     Kind
	pos      model.LatLng
	points   []model.LatLng
	style    Style
	label    string
	entity   string
	children []uint64
	parent   uint64
	attached bool
}

// Scene is the server-side overlay graph shared by every collection layer.
// It is safe for concurrent use; operations are serialized and published to
// the sink while the scene lock is held so subscribers observe them in order.
type Scene struct {
	mu    sync.Mutex
	next  uint64
	nodes map[uint64]*node
	sink  Sink
}

// NewScene constructs an empty scene. sink may be nil.
func NewScene(sink Sink) *Scene {
	return &Scene{
		nodes: make(map[uint64]*node),
		sink:  sink,
	}
}

// Layer returns a Surface whose shapes are tagged with name.
func (s *Scene) Layer(name string) *Layer {
	return &Layer{scene: s, name: name}
}

// Snapshot returns every attached top-level shape ordered by id, for
// rehydrating a newly connected browser.
func (s *Scene) Snapshot() []Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Sync calls fn with the current snapshot while holding the scene lock, so no
// operation is published between the snapshot and whatever fn registers. fn
// must not call back into the scene.
func (s *Scene) Sync(fn func(snapshot []Shape)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.snapshotLocked())
}

func (s *Scene) snapshotLocked() []Shape {
	ids := make([]uint64, 0, len(s.nodes))
	for id, n := range s.nodes {
		if n.attached && n.parent == 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Shape, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.shapeLocked(id))
	}
	return out
}

// Attached returns the number of attached top-level shapes in layer, or in
// every layer when layer is empty.
func (s *Scene) Attached(layer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, nd := range s.nodes {
		if nd.attached && nd.parent == 0 && (layer == "" || nd.layer == layer) {
			n++
		}
	}
	return n
}

// Live returns the number of shapes that have been created and not yet
// released, attached or not.
func (s *Scene) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

func (s *Scene) create(n *node) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.nodes[s.next] = n
	return Handle{id: s.next}
}

func (s *Scene) createGroup(layer string, children []Handle) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	id := s.next
	g := &node{layer: layer, kind: KindGroup}
	for _, c := range children {
		child, ok := s.nodes[c.id]
		if !ok || child.parent != 0 || child.attached {
			continue
		}
		child.parent = id
		g.children = append(g.children, c.id)
	}
	s.nodes[id] = g
	return Handle{id: id}
}

func (s *Scene) attach(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[h.id]
	if !ok || n.attached || n.parent != 0 {
		return
	}
	s.markLocked(h.id, true)
	shape := s.shapeLocked(h.id)
	s.publishLocked(Op{Type: OpAdd, ID: shape.ID, Shape: &shape})
}

func (s *Scene) detach(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[h.id]
	if !ok || n.parent != 0 {
		return
	}
	wasAttached := n.attached
	s.releaseLocked(h.id)
	if wasAttached {
		s.publishLocked(Op{Type: OpRemove, ID: h.ID()})
	}
}

func (s *Scene) reposition(h Handle, pos model.LatLng) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[h.id]
	if !ok || n.kind != KindPoint {
		return
	}
	if n.pos == pos {
		return
	}
	n.pos = pos
	if n.attached {
		p := pos
		s.publishLocked(Op{Type: OpMove, ID: h.ID(), Position: &p})
	}
}

func (s *Scene) setLabel(h Handle, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[h.id]
	if !ok || n.label == text {
		return
	}
	n.label = text
	if n.attached {
		s.publishLocked(Op{Type: OpLabel, ID: h.ID(), Label: text})
	}
}

func (s *Scene) bind(h Handle, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[h.id]; ok {
		n.entity = key
	}
}

func (s *Scene) markLocked(id uint64, attached bool) {
	n := s.nodes[id]
	n.attached = attached
	for _, c := range n.children {
		s.markLocked(c, attached)
	}
}

func (s *Scene) releaseLocked(id uint64) {
	n, ok := s.nodes[id]
	if !ok {
		return
	}
	for _, c := range n.children {
		s.releaseLocked(c)
	}
	delete(s.nodes, id)
}

func (s *Scene) shapeLocked(id uint64) Shape {
	n := s.nodes[id]
	sh := Shape{
		ID:     Handle{id: id}.ID(),
		Layer:  n.layer,
		Kind:   n.kind,
		Style:  n.style,
		Label:  n.label,
		Entity: n.entity,
	}
	switch n.kind {
	case KindPoint:
		p := n.pos
		sh.Position = &p
	case KindLine:
		sh.Points = append([]model.LatLng(nil), n.points...)
	case KindGroup:
		for _, c := range n.children {
			sh.Children = append(sh.Children, s.shapeLocked(c))
		}
	}
	return sh
}

func (s *Scene) publishLocked(op Op) {
	if s.sink != nil {
		s.sink.PublishOverlay(op)
	}
}

// Layer is a named view of a Scene implementing Surface.
type Layer struct {
	scene *Scene
	name  string
}

var _ Surface = (*Layer)(nil)

// Name returns the layer tag.
func (l *Layer) Name() string { return l.name }

// CreatePoint implements Surface.
func (l *Layer) CreatePoint(pos model.LatLng, style Style) Handle {
	return l.scene.create(&node{layer: l.name, kind: KindPoint, pos: pos, style: style})
}

// CreateLine implements Surface.
func (l *Layer) CreateLine(points []model.LatLng, style Style) Handle {
	pts := append([]model.LatLng(nil), points...)
	return l.scene.create(&node{layer: l.name, kind: KindLine, points: pts, style: style})
}

// CreateGroup implements Surface. Children that are unknown, already attached
// or already grouped are ignored.
func (l *Layer) CreateGroup(children ...Handle) Handle {
	return l.scene.createGroup(l.name, children)
}

// Attach implements Surface.
func (l *Layer) Attach(h Handle) { l.scene.attach(h) }

// Detach implements Surface.
func (l *Layer) Detach(h Handle) { l.scene.detach(h) }

// Reposition implements Surface. Only points can be moved.
func (l *Layer) Reposition(h Handle, pos model.LatLng) { l.scene.reposition(h, pos) }

// SetLabel implements Surface.
func (l *Layer) SetLabel(h Handle, text string) { l.scene.setLabel(h, text) }

// Bind implements Surface.
func (l *Layer) Bind(h Handle, key string) { l.scene.bind(h, key) }
