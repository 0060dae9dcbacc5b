// Package overlay models the map widget the dashboard draws on: point and line
// primitives, composite groups, and the attach/detach lifecycle. Scene keeps
// the authoritative overlay set server-side and streams operations to browsers.
package overlay

import (
	"strconv"

	"github.com/signalsfoundry/dispatch-monitor/model"
)

// Handle identifies a shape created on a Surface. The zero Handle is invalid.
type Handle struct {
	id uint64
}

// Valid reports whether h refers to a created shape.
func (h Handle) Valid() bool { return h.id != 0 }

// ID returns the stable string form used on the wire.
func (h Handle) ID() string {
	if h.id == 0 {
		return ""
	}
	return "ov-" + strconv.FormatUint(h.id, 10)
}

// Style carries the presentation hints understood by the browser map.
type Style struct {
	Color     string  `json:"color,omitempty"`
	Radius    float64 `json:"radius,omitempty"`
	Weight    float64 `json:"weight,omitempty"`
	DashArray string  `json:"dashArray,omitempty"`
	IconURL   string  `json:"iconUrl,omitempty"`
	IconSize  int     `json:"iconSize,omitempty"`
}

// Surface is the set of primitives a rendering policy may use. Created shapes
// are invisible until attached; detaching a shape releases it, and a released
// handle must not be used again.
type Surface interface {
	CreatePoint(pos model.LatLng, style Style) Handle
	CreateLine(points []model.LatLng, style Style) Handle
	CreateGroup(children ...Handle) Handle
	Attach(h Handle)
	Detach(h Handle)
	Reposition(h Handle, pos model.LatLng)
	SetLabel(h Handle, text string)
	// Bind tags a shape with the key of the document it represents.
	Bind(h Handle, key string)
}
