// Package markerstore is an in-memory marker backend indexed by H3 cell.
//
// It is the reference resolver for the demo server: markers are bucketed by
// the cell containing them, and a viewport is answered by covering the box
// with cells, collecting their buckets and filtering by exact containment.
package markerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/viewport-cache/internal/core/model"
)

const (
	DefaultRes = 5
	// boxes larger than this (in square degrees) are answered by a full scan
	maxIndexedArea = 25.0
	// spacing of boundary samples in degrees, before clamping to the cell size
	maxSampleStep = 0.05
	// boxes whose boundary needs more samples than this are scanned instead
	maxBoundarySamples = 20000
)

type Store struct {
	res int

	mu     sync.RWMutex
	byID   map[string]model.Marker
	byCell map[h3.Cell]map[string]struct{}
	cellOf map[string]h3.Cell
}

func New(res int) (*Store, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	return &Store{
		res:    res,
		byID:   make(map[string]model.Marker),
		byCell: make(map[h3.Cell]map[string]struct{}),
		cellOf: make(map[string]h3.Cell),
	}, nil
}

// Load reads a JSON array of markers from path into a new store.
func Load(path string, res int) (*Store, error) {
	s, err := New(res)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markers %q: %w", path, err)
	}
	var ms []model.Marker
	if err := json.Unmarshal(b, &ms); err != nil {
		return nil, fmt.Errorf("parse markers %q: %w", path, err)
	}
	if err := s.Put(ms...); err != nil {
		return nil, err
	}
	return s, nil
}

// Put inserts or replaces markers by ID. Either every marker is stored or,
// on error, none is.
func (s *Store) Put(ms ...model.Marker) error {
	cells := make([]h3.Cell, len(ms))
	for i, m := range ms {
		if m.ID == "" {
			return fmt.Errorf("marker %d: missing id", i)
		}
		cell, err := h3.LatLngToCell(h3.LatLng{Lat: m.Lat, Lng: m.Lng}, s.res)
		if err != nil {
			return fmt.Errorf("marker %q: h3 cell: %w", m.ID, err)
		}
		cells[i] = cell
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range ms {
		s.removeLocked(m.ID)
		s.byID[m.ID] = m
		s.cellOf[m.ID] = cells[i]
		bucket := s.byCell[cells[i]]
		if bucket == nil {
			bucket = make(map[string]struct{})
			s.byCell[cells[i]] = bucket
		}
		bucket[m.ID] = struct{}{}
	}
	return nil
}

func (s *Store) Delete(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.removeLocked(id)
	}
}

func (s *Store) removeLocked(id string) {
	cell, ok := s.cellOf[id]
	if !ok {
		return
	}
	delete(s.cellOf, id)
	delete(s.byID, id)
	if bucket := s.byCell[cell]; bucket != nil {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(s.byCell, cell)
		}
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Resolve returns the markers inside q.Bounds sorted by ID.
func (s *Store) Resolve(ctx context.Context, q model.ViewportQuery) ([]model.Marker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := q.Bounds

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Marker, 0)
	if b.North < b.South {
		return out, nil
	}

	var cells []h3.Cell
	indexed := (b.North-b.South)*(b.East-b.West) <= maxIndexedArea
	if indexed {
		var err error
		cells, indexed, err = s.cover(b)
		if err != nil {
			return nil, err
		}
	}
	if !indexed {
		for _, m := range s.byID {
			if b.Contains(m.Lat, m.Lng) {
				out = append(out, m)
			}
		}
		sortByID(out)
		return out, nil
	}

	for _, c := range cells {
		for id := range s.byCell[c] {
			if m := s.byID[id]; b.Contains(m.Lat, m.Lng) {
				out = append(out, m)
			}
		}
	}
	sortByID(out)
	return out, nil
}

// cover returns every cell that may hold a point of b. The box boundary is
// sampled at half a cell edge and each sample's cell plus its ring is taken,
// so thin boxes are covered along their whole length; the interior comes from
// an overlapping polyfill of the densified outline. ok is false when the
// boundary is too long for the resolution and the caller should scan.
func (s *Store) cover(b model.BoundingBox) (cells []h3.Cell, ok bool, err error) {
	edgeKm, err := h3.HexagonEdgeLengthAvgKm(s.res)
	if err != nil {
		return nil, false, fmt.Errorf("h3 edge length: %w", err)
	}
	step := min(maxSampleStep, edgeKm/111.0/2)
	if (2*(b.North-b.South)+2*(b.East-b.West))/step > maxBoundarySamples {
		return nil, false, nil
	}

	loop := outline(b, step)
	all := make(map[h3.Cell]struct{}, len(loop)*3)
	boundary := make(map[h3.Cell]struct{}, len(loop))
	for _, ll := range loop {
		c, err := h3.LatLngToCell(ll, s.res)
		if err != nil {
			return nil, false, fmt.Errorf("h3 boundary cell: %w", err)
		}
		boundary[c] = struct{}{}
	}
	for c := range boundary {
		ring, err := h3.GridDisk(c, 1)
		if err != nil {
			return nil, false, fmt.Errorf("h3 grid disk: %w", err)
		}
		for _, r := range ring {
			all[r] = struct{}{}
		}
	}

	if b.North > b.South && b.East > b.West {
		filled, err := h3.PolygonToCellsExperimental(
			h3.GeoPolygon{GeoLoop: loop}, s.res, h3.ContainmentOverlapping)
		if err != nil {
			return nil, false, fmt.Errorf("h3 polyfill: %w", err)
		}
		for _, c := range filled {
			all[c] = struct{}{}
		}
	}

	cells = make([]h3.Cell, 0, len(all))
	for c := range all {
		cells = append(cells, c)
	}
	return cells, true, nil
}

// outline walks the box counter-clockwise from the south-west corner with
// vertices at most step degrees apart, so the loop follows the parallels and
// meridians instead of cutting across them.
func outline(b model.BoundingBox, step float64) h3.GeoLoop {
	var loop h3.GeoLoop
	edge := func(from, to h3.LatLng) {
		span := max(math.Abs(to.Lat-from.Lat), math.Abs(to.Lng-from.Lng))
		n := max(1, int(math.Ceil(span/step)))
		for i := range n {
			f := float64(i) / float64(n)
			loop = append(loop, h3.LatLng{
				Lat: from.Lat + (to.Lat-from.Lat)*f,
				Lng: from.Lng + (to.Lng-from.Lng)*f,
			})
		}
	}
	sw := h3.LatLng{Lat: b.South, Lng: b.West}
	se := h3.LatLng{Lat: b.South, Lng: b.East}
	ne := h3.LatLng{Lat: b.North, Lng: b.East}
	nw := h3.LatLng{Lat: b.North, Lng: b.West}
	edge(sw, se)
	edge(se, ne)
	edge(ne, nw)
	edge(nw, sw)
	return loop
}

func sortByID(ms []model.Marker) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}
