package policy

import (
	"github.com/signalsfoundry/dispatch-monitor/internal/overlay"
	"github.com/signalsfoundry/dispatch-monitor/internal/reconcile"
	"github.com/signalsfoundry/dispatch-monitor/model"
)

// Riders draws each active rider as an icon marker labelled with the rider's
// name. Position and label changes are applied in place.
func Riders(surface overlay.Surface, opts Options) (*reconcile.Reconciler[overlay.Handle], error) {
	collection := opts.collection(model.CollectionRiders)
	return reconcile.New(reconcile.Config[overlay.Handle]{
		Collection: collection,
		Include:    opts.include(IncludeAll),
		Render: func(key string, f model.Fields) (overlay.Handle, error) {
			r, err := model.RiderFromFields(key, f)
			if err != nil {
				return overlay.Handle{}, err
			}
			h := surface.CreatePoint(r.Position, riderStyle)
			surface.Bind(h, key)
			surface.SetLabel(h, r.Label())
			surface.Attach(h)
			return h, nil
		},
		Update: func(h overlay.Handle, f model.Fields) (overlay.Handle, error) {
			r, err := model.RiderFromFields("", f)
			if err != nil {
				return h, err
			}
			surface.Reposition(h, r.Position)
			surface.SetLabel(h, r.Label())
			return h, nil
		},
		Destroy:    surface.Detach,
		FullRedraw: opts.FullRedraw,
		Logger:     opts.Logger,
		Recorder:   opts.Recorder,
	})
}

// Customers draws customers that share a location as small circle markers.
// Customers without a position still count toward the snapshot size.
func Customers(surface overlay.Surface, opts Options) (*reconcile.Reconciler[overlay.Handle], error) {
	collection := opts.collection(model.CollectionCustomers)
	return reconcile.New(reconcile.Config[overlay.Handle]{
		Collection: collection,
		Include:    opts.include(IncludeAll),
		Render: func(key string, f model.Fields) (overlay.Handle, error) {
			c, err := model.CustomerFromFields(key, f)
			if err != nil {
				return overlay.Handle{}, err
			}
			h := surface.CreatePoint(c.Position, customerStyle)
			surface.Bind(h, key)
			surface.SetLabel(h, c.Label())
			surface.Attach(h)
			return h, nil
		},
		Update: func(h overlay.Handle, f model.Fields) (overlay.Handle, error) {
			c, err := model.CustomerFromFields("", f)
			if err != nil {
				return h, err
			}
			surface.Reposition(h, c.Position)
			surface.SetLabel(h, c.Label())
			return h, nil
		},
		Destroy:    surface.Detach,
		FullRedraw: opts.FullRedraw,
		Logger:     opts.Logger,
		Recorder:   opts.Recorder,
	})
}
