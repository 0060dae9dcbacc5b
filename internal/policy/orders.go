package policy

import (
	"fmt"

	"github.com/signalsfoundry/dispatch-monitor/internal/notify"
	"github.com/signalsfoundry/dispatch-monitor/internal/overlay"
	"github.com/signalsfoundry/dispatch-monitor/internal/reconcile"
	"github.com/signalsfoundry/dispatch-monitor/model"
)

// Route is the composite drawn for an open order: pickup and dropoff circles
// joined by a dashed line, attached as one group.
type Route struct {
	Key     string
	Group   overlay.Handle
	Pickup  model.LatLng
	Dropoff model.LatLng
}

// Orders draws every order that is not completed. A label change is applied
// in place; moving either end rebuilds the route, because the line depends on
// both points. The first order to arrive after load plays a sound, and every
// live arrival raises a toast.
func Orders(surface overlay.Surface, opts Options) (*reconcile.Reconciler[*Route], error) {
	collection := opts.collection(model.CollectionOrders)
	notifier := opts.notifier()

	build := func(key string, o model.Order) *Route {
		p := surface.CreatePoint(o.Pickup, pickupStyle)
		d := surface.CreatePoint(o.Dropoff, dropoffStyle)
		line := surface.CreateLine([]model.LatLng{o.Pickup, o.Dropoff}, routeStyle)
		g := surface.CreateGroup(p, d, line)
		surface.Bind(g, key)
		surface.SetLabel(g, o.Label())
		surface.Attach(g)
		return &Route{Key: key, Group: g, Pickup: o.Pickup, Dropoff: o.Dropoff}
	}

	return reconcile.New(reconcile.Config[*Route]{
		Collection: collection,
		Include:    opts.include(NotCompleted),
		Render: func(key string, f model.Fields) (*Route, error) {
			o, err := model.OrderFromFields(key, f)
			if err != nil {
				return nil, err
			}
			return build(key, o), nil
		},
		Update: func(r *Route, f model.Fields) (*Route, error) {
			o, err := model.OrderFromFields(r.Key, f)
			if err != nil {
				return r, err
			}
			if o.Pickup == r.Pickup && o.Dropoff == r.Dropoff {
				surface.SetLabel(r.Group, o.Label())
				return r, nil
			}
			next := build(r.Key, o)
			surface.Detach(r.Group)
			return next, nil
		},
		Destroy: func(r *Route) {
			surface.Detach(r.Group)
		},
		OnFirstInsertAfterLoad: func(b model.Batch) {
			notifier.Notify(notify.Notification{
				Level:      notify.LevelInfo,
				Text:       "New order received",
				SoundURL:   opts.SoundURL,
				PlaySound:  true,
				Collection: collection,
			})
		},
		OnInsert: func(keys []string) {
			text := fmt.Sprintf("New order %s", keys[0])
			if len(keys) > 1 {
				text = fmt.Sprintf("%d new orders", len(keys))
			}
			notifier.Notify(notify.Notification{
				Level:      notify.LevelInfo,
				Text:       text,
				Collection: collection,
				Keys:       keys,
			})
		},
		FullRedraw: opts.FullRedraw,
		Logger:     opts.Logger,
		Recorder:   opts.Recorder,
	})
}
