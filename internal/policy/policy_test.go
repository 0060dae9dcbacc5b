package policy

import (
	"context"
	"testing"

	"github.com/signalsfoundry/dispatch-monitor/internal/notify"
	"github.com/signalsfoundry/dispatch-monitor/internal/overlay"
	"github.com/signalsfoundry/dispatch-monitor/model"
)

type opLog struct {
	ops []overlay.Op
}

func (l *opLog) PublishOverlay(op overlay.Op) { l.ops = append(l.ops, op) }

func (l *opLog) count(typ string) int {
	n := 0
	for _, op := range l.ops {
		if op.Type == typ {
			n++
		}
	}
	return n
}

func (l *opLog) reset() { l.ops = nil }

type notifications struct {
	got []notify.Notification
}

func (n *notifications) Notify(x notify.Notification) { n.got = append(n.got, x) }

func order(status string, pickupLat, dropoffLat float64) model.Fields {
	return model.Fields{
		"status":       status,
		"item":         "Mohinga",
		"fee":          2500,
		"customerName": "Daw Mya",
		"pickup":       map[string]any{"lat": pickupLat, "lng": 96.15},
		"dropoff":      map[string]any{"lat": dropoffLat, "lng": 96.20},
	}
}

func TestRidersUpdateInPlace(t *testing.T) {
	log := &opLog{}
	scene := overlay.NewScene(log)
	r, err := Riders(scene.Layer("riders"), Options{})
	if err != nil {
		t.Fatalf("Riders: %v", err)
	}
	ctx := context.Background()

	res := r.Apply(ctx, model.Batch{SnapshotSize: 3, Changes: []model.Change{
		{Kind: model.Added, Key: "r1", Fields: model.Fields{"lat": 16.86, "lng": 96.19, "name": "Ko Ko"}},
		{Kind: model.Added, Key: "r2", Fields: model.Fields{"lat": 16.87, "lng": 96.18}},
		{Kind: model.Added, Key: "r3", Fields: model.Fields{"name": "no gps"}},
	}})
	if res.VisibleCount != 2 || res.TotalSnapshotSize != 3 {
		t.Fatalf("counts = %d/%d, want 2/3", res.VisibleCount, res.TotalSnapshotSize)
	}
	if log.count(overlay.OpAdd) != 2 {
		t.Fatalf("adds = %d, want 2", log.count(overlay.OpAdd))
	}
	snap := scene.Snapshot()
	labels := map[string]bool{}
	for _, s := range snap {
		labels[s.Label] = true
		if s.Style.IconURL != RiderIconURL || s.Style.IconSize != RiderIconSize {
			t.Fatalf("rider style = %+v", s.Style)
		}
	}
	if !labels["🚴 Ko Ko"] || !labels["🚴 Rider"] {
		t.Fatalf("labels = %v, want named and default rider labels", labels)
	}

	log.reset()
	r.Apply(ctx, model.Batch{SnapshotSize: 3, Changes: []model.Change{
		{Kind: model.Modified, Key: "r1", Fields: model.Fields{"lat": 16.90, "lng": 96.19, "name": "Ko Ko"}},
	}})
	if log.count(overlay.OpRemove) != 0 || log.count(overlay.OpAdd) != 0 {
		t.Fatalf("rider move flickered: %+v", log.ops)
	}
	if log.count(overlay.OpMove) != 1 {
		t.Fatalf("moves = %d, want 1", log.count(overlay.OpMove))
	}
}

func TestCustomersCountWithoutPosition(t *testing.T) {
	scene := overlay.NewScene(nil)
	c, err := Customers(scene.Layer("customers"), Options{})
	if err != nil {
		t.Fatalf("Customers: %v", err)
	}
	res := c.Apply(context.Background(), model.Batch{SnapshotSize: 2, Changes: []model.Change{
		{Kind: model.Added, Key: "c1", Fields: model.Fields{"name": "U Ba", "phone": "09-123"}},
		{Kind: model.Added, Key: "c2", Fields: model.Fields{"name": "Ma Hla", "lat": 16.8, "lng": 96.1}},
	}})
	if res.VisibleCount != 1 || res.TotalSnapshotSize != 2 {
		t.Fatalf("counts = %d/%d, want 1/2", res.VisibleCount, res.TotalSnapshotSize)
	}
	if snap := scene.Snapshot(); len(snap) != 1 || snap[0].Label != "Ma Hla" || snap[0].Entity != "c2" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestOrdersLifecycle(t *testing.T) {
	log := &opLog{}
	scene := overlay.NewScene(log)
	notes := &notifications{}
	o, err := Orders(scene.Layer("orders"), Options{Notifier: notes, SoundURL: "/sounds/new.mp3"})
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	ctx := context.Background()

	o.Apply(ctx, model.Batch{SnapshotSize: 2, Changes: []model.Change{
		{Kind: model.Added, Key: "done", Fields: order("completed", 16.80, 16.85)},
		{Kind: model.Added, Key: "old", Fields: order("pending", 16.80, 16.85)},
	}})
	if len(notes.got) != 0 {
		t.Fatalf("initial snapshot notified: %+v", notes.got)
	}
	if got := o.Counts(); got.Visible != 1 || got.Total != 2 {
		t.Fatalf("counts = %+v, want 1/2", got)
	}

	res := o.Apply(ctx, model.Batch{SnapshotSize: 3, Changes: []model.Change{
		{Kind: model.Added, Key: "orderA", Fields: order("pending", 16.81, 16.86)},
	}})
	if !res.FirstInsertFired {
		t.Fatalf("first live order did not fire the insert hook")
	}
	if len(notes.got) != 2 || !notes.got[0].PlaySound || notes.got[0].SoundURL != "/sounds/new.mp3" {
		t.Fatalf("notifications = %+v, want sound then toast", notes.got)
	}
	if notes.got[1].Keys[0] != "orderA" {
		t.Fatalf("toast keys = %v", notes.got[1].Keys)
	}
	route, ok := o.Handle("orderA")
	if !ok {
		t.Fatalf("orderA has no route")
	}
	snap := scene.Snapshot()
	found := false
	for _, s := range snap {
		if s.ID == route.Group.ID() {
			found = true
			if len(s.Children) != 3 || s.Children[2].Style.DashArray != "5, 10" {
				t.Fatalf("route shape = %+v", s)
			}
		}
	}
	if !found {
		t.Fatalf("route group not attached")
	}

	// Label-only change stays in place.
	log.reset()
	relabel := order("pending", 16.81, 16.86)
	relabel["item"] = "Shan noodles"
	o.Apply(ctx, model.Batch{SnapshotSize: 3, Changes: []model.Change{{Kind: model.Modified, Key: "orderA", Fields: relabel}}})
	if log.count(overlay.OpRemove) != 0 || log.count(overlay.OpLabel) != 1 {
		t.Fatalf("relabel ops = %+v", log.ops)
	}

	// Moving the dropoff rebuilds the composite.
	log.reset()
	o.Apply(ctx, model.Batch{SnapshotSize: 3, Changes: []model.Change{{Kind: model.Modified, Key: "orderA", Fields: order("pending", 16.81, 16.99)}}})
	if log.count(overlay.OpAdd) != 1 || log.count(overlay.OpRemove) != 1 {
		t.Fatalf("rebuild ops = %+v", log.ops)
	}
	next, _ := o.Handle("orderA")
	if next.Group == route.Group || next.Dropoff.Lat != 16.99 {
		t.Fatalf("route was not rebuilt: %+v", next)
	}

	// Completion removes the overlay without a Removed event.
	res = o.Apply(ctx, model.Batch{SnapshotSize: 3, Changes: []model.Change{{Kind: model.Modified, Key: "orderA", Fields: model.Fields{"status": "completed"}}}})
	if res.VisibleCount != 1 || res.TotalSnapshotSize != 3 {
		t.Fatalf("counts after completion = %d/%d, want 1/3", res.VisibleCount, res.TotalSnapshotSize)
	}
	if got := scene.Attached("orders"); got != 1 {
		t.Fatalf("attached orders = %d, want 1", got)
	}

	// Only one sound per lifetime.
	o.Apply(ctx, model.Batch{SnapshotSize: 4, Changes: []model.Change{{Kind: model.Added, Key: "orderB", Fields: order("pending", 16.7, 16.75)}}})
	sounds := 0
	for _, n := range notes.got {
		if n.PlaySound {
			sounds++
		}
	}
	if sounds != 1 {
		t.Fatalf("sound played %d times, want 1", sounds)
	}
}

func TestOrdersWithCustomPredicate(t *testing.T) {
	include, err := CompilePredicate(`doc.status == "pending"`, NotCompleted)
	if err != nil {
		t.Fatalf("CompilePredicate: %v", err)
	}
	scene := overlay.NewScene(nil)
	o, err := Orders(scene.Layer("orders"), Options{Include: include})
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	res := o.Apply(context.Background(), model.Batch{SnapshotSize: 2, Changes: []model.Change{
		{Kind: model.Added, Key: "a", Fields: order("pending", 16.8, 16.9)},
		{Kind: model.Added, Key: "b", Fields: order("picked_up", 16.8, 16.9)},
	}})
	if res.VisibleCount != 1 {
		t.Fatalf("visible = %d, want 1", res.VisibleCount)
	}
}

func TestOrdersFullRedraw(t *testing.T) {
	log := &opLog{}
	scene := overlay.NewScene(log)
	o, err := Orders(scene.Layer("orders"), Options{FullRedraw: true})
	if err != nil {
		t.Fatalf("Orders: %v", err)
	}
	ctx := context.Background()
	o.Apply(ctx, model.Batch{SnapshotSize: 2, Changes: []model.Change{
		{Kind: model.Added, Key: "a", Fields: order("pending", 16.8, 16.9)},
		{Kind: model.Added, Key: "b", Fields: order("pending", 16.7, 16.9)},
	}})
	log.reset()
	o.Apply(ctx, model.Batch{SnapshotSize: 2, Changes: []model.Change{
		{Kind: model.Modified, Key: "a", Fields: order("pending", 16.8, 16.9)},
	}})
	if log.count(overlay.OpRemove) != 2 || log.count(overlay.OpAdd) != 2 {
		t.Fatalf("full redraw ops = %+v", log.ops)
	}
	if scene.Live() != 8 {
		t.Fatalf("live shapes = %d, want 8 (two routes of four)", scene.Live())
	}
}
