// Package policy holds the per-collection rendering policies: which entities
// are shown, which shapes represent them, and which side effects fire when
// new ones arrive.
package policy

import (
	"github.com/signalsfoundry/dispatch-monitor/internal/logging"
	"github.com/signalsfoundry/dispatch-monitor/internal/notify"
	"github.com/signalsfoundry/dispatch-monitor/internal/overlay"
	"github.com/signalsfoundry/dispatch-monitor/internal/reconcile"
)

// Default presentation, matching the operator dashboard.
const (
	RiderIconURL  = "https://cdn-icons-png.flaticon.com/512/3198/3198336.png"
	RiderIconSize = 35
)

var (
	customerStyle = overlay.Style{Color: "green", Radius: 6}
	pickupStyle   = overlay.Style{Color: "blue", Radius: 8}
	dropoffStyle  = overlay.Style{Color: "red", Radius: 8}
	routeStyle    = overlay.Style{Color: "orange", Weight: 2, DashArray: "5, 10"}
	riderStyle    = overlay.Style{IconURL: RiderIconURL, IconSize: RiderIconSize}
)

// Options are shared by every policy constructor.
type Options struct {
	// Collection overrides the default collection name.
	Collection string
	// Include overrides the policy's default predicate.
	Include Predicate
	// FullRedraw selects the destroy-all-then-redraw strategy.
	FullRedraw bool
	// SoundURL is played on the first new entity after load, when the policy
	// notifies at all.
	SoundURL string

	Notifier notify.Notifier
	Logger   logging.Logger
	Recorder reconcile.Recorder
}

func (o Options) collection(def string) string {
	if o.Collection != "" {
		return o.Collection
	}
	return def
}

func (o Options) include(def Predicate) Predicate {
	if o.Include != nil {
		return o.Include
	}
	return def
}

func (o Options) notifier() notify.Notifier {
	if o.Notifier != nil {
		return o.Notifier
	}
	return notify.Discard
}
