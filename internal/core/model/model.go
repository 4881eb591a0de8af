// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAntimeridian is returned for boxes that cross the antimeridian (east < west).
var ErrAntimeridian = errors.New("bounding box crosses the antimeridian (east < west): unsupported")

type BoundingBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// String representation in west,south,east,north order (same as the bbox query param)
func (b BoundingBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

// Validate only rejects wraparound boxes. Other malformed boxes are passed
// through and simply resolve to an empty or useless result.
func (b BoundingBox) Validate() error {
	if b.East < b.West {
		return ErrAntimeridian
	}
	return nil
}

// Contains reports whether the point lies inside the box, edges included.
func (b BoundingBox) Contains(lat, lng float64) bool {
	return lat >= b.South && lat <= b.North && lng >= b.West && lng <= b.East
}

type ViewportQuery struct {
	Bounds BoundingBox `json:"bounds"`
	Zoom   float64     `json:"zoom"`
}

// Marker is opaque to the cache layer; Properties belong to the caller's domain.
type Marker struct {
	ID         string          `json:"id"`
	Lat        float64         `json:"lat"`
	Lng        float64         `json:"lng"`
	Properties json.RawMessage `json:"properties,omitempty"`
}
