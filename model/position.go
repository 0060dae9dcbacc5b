package model

import (
	"errors"
	"math"
)

// ErrMissingPosition is returned when an entity that is drawn on the map lacks
// a usable coordinate pair.
var ErrMissingPosition = errors.New("missing position")

// LatLng is a WGS84 coordinate pair in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the pair is finite and inside the WGS84 range.
func (p LatLng) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Position reads top-level lat/lng fields.
func (f Fields) Position() (LatLng, error) {
	return positionOf(f)
}

// NestedPosition reads lat/lng from a nested document such as "pickup".
func (f Fields) NestedPosition(name string) (LatLng, error) {
	sub, ok := f.Map(name)
	if !ok {
		return LatLng{}, ErrMissingPosition
	}
	return positionOf(sub)
}

func positionOf(f Fields) (LatLng, error) {
	lat, ok := f.Number("lat")
	if !ok {
		return LatLng{}, ErrMissingPosition
	}
	lng, ok := f.Number("lng")
	if !ok {
		return LatLng{}, ErrMissingPosition
	}
	p := LatLng{Lat: lat, Lng: lng}
	if !p.Valid() {
		return LatLng{}, ErrMissingPosition
	}
	return p, nil
}
