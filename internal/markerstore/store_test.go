package markerstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/mohammed-shakir/viewport-cache/internal/core/model"
)

var stockholm = model.BoundingBox{North: 59.40, South: 59.30, East: 18.15, West: 17.95}

func ids(ms []model.Marker) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func TestResolve_ReturnsOnlyContainedMarkersSorted(t *testing.T) {
	s, err := New(7)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.Put(
		model.Marker{ID: "b", Lat: 59.3293, Lng: 18.0686},
		model.Marker{ID: "a", Lat: 59.3326, Lng: 18.0649},
		// just outside the east edge, same neighbourhood of cells
		model.Marker{ID: "edge", Lat: 59.35, Lng: 18.1501},
		model.Marker{ID: "gbg", Lat: 57.7089, Lng: 11.9746},
	)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Resolve(context.Background(), model.ViewportQuery{Bounds: stockholm, Zoom: 12})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g := ids(got); len(g) != 2 || g[0] != "a" || g[1] != "b" {
		t.Fatalf("ids=%v want [a b]", g)
	}
}

func TestResolve_TinyBoxInsideOneCell(t *testing.T) {
	s, _ := New(3)
	_ = s.Put(model.Marker{ID: "m", Lat: 59.3293, Lng: 18.0686})
	tiny := model.BoundingBox{North: 59.33, South: 59.329, East: 18.069, West: 18.068}

	got, err := s.Resolve(context.Background(), model.ViewportQuery{Bounds: tiny})
	if err != nil || len(got) != 1 {
		t.Fatalf("got %v,%v want the one marker", ids(got), err)
	}
}

func TestResolve_LargeBoxScans(t *testing.T) {
	s, _ := New(DefaultRes)
	_ = s.Put(
		model.Marker{ID: "sto", Lat: 59.3293, Lng: 18.0686},
		model.Marker{ID: "nyc", Lat: 40.7128, Lng: -74.0060},
	)
	world := model.BoundingBox{North: 90, South: -90, East: 180, West: -180}
	got, err := s.Resolve(context.Background(), model.ViewportQuery{Bounds: world})
	if err != nil || len(got) != 2 {
		t.Fatalf("got %v,%v", ids(got), err)
	}
}

func TestPutReplacesAndDeleteRemoves(t *testing.T) {
	s, _ := New(7)
	_ = s.Put(model.Marker{ID: "m", Lat: 59.3293, Lng: 18.0686})
	// moved out of the box
	_ = s.Put(model.Marker{ID: "m", Lat: 57.7089, Lng: 11.9746})

	got, _ := s.Resolve(context.Background(), model.ViewportQuery{Bounds: stockholm})
	if len(got) != 0 {
		t.Fatalf("stale position still indexed: %v", ids(got))
	}
	if s.Len() != 1 {
		t.Fatalf("len=%d want 1", s.Len())
	}
	s.Delete("m", "unknown")
	if s.Len() != 0 {
		t.Fatalf("len=%d want 0", s.Len())
	}
}

func TestPut_RejectsMissingID(t *testing.T) {
	s, _ := New(7)
	if err := s.Put(model.Marker{Lat: 1, Lng: 1}); err == nil {
		t.Fatalf("expected error for marker without id")
	}
}

func TestPut_RejectedBatchStoresNothing(t *testing.T) {
	s, _ := New(7)
	err := s.Put(
		model.Marker{ID: "a", Lat: 59.33, Lng: 18.06},
		model.Marker{ID: "b", Lat: 59.34, Lng: 18.07},
		model.Marker{Lat: 59.35, Lng: 18.08},
	)
	if err == nil {
		t.Fatalf("expected error for marker without id")
	}
	if s.Len() != 0 {
		t.Fatalf("len=%d want 0 after rejected batch", s.Len())
	}
}

func lineOfMarkers(t *testing.T, s *Store, lat float64, n int) {
	t.Helper()
	ms := make([]model.Marker, n)
	for i := range ms {
		ms[i] = model.Marker{ID: fmt.Sprintf("m%04d", i), Lat: lat, Lng: -10 + 20*float64(i)/float64(n-1)}
	}
	if err := s.Put(ms...); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestResolve_LongThinBoxCoversWholeLength(t *testing.T) {
	s, _ := New(DefaultRes)
	lineOfMarkers(t, s, 45, 2000)

	thin := model.BoundingBox{North: 45.002, South: 44.998, East: 10, West: -10}
	got, err := s.Resolve(context.Background(), model.ViewportQuery{Bounds: thin})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2000 {
		t.Fatalf("got=%d want 2000", len(got))
	}
}

func TestResolve_ZeroHeightBox(t *testing.T) {
	s, _ := New(DefaultRes)
	lineOfMarkers(t, s, 45, 200)

	line := model.BoundingBox{North: 45, South: 45, East: 10, West: -10}
	got, err := s.Resolve(context.Background(), model.ViewportQuery{Bounds: line})
	if err != nil || len(got) != 200 {
		t.Fatalf("got=%d err=%v want 200", len(got), err)
	}
}

func TestResolve_FineResolutionFallsBackToScan(t *testing.T) {
	s, _ := New(15)
	_ = s.Put(
		model.Marker{ID: "in", Lat: 59.5, Lng: 18.5},
		model.Marker{ID: "out", Lat: 61, Lng: 18.5},
	)
	box := model.BoundingBox{North: 60, South: 59, East: 19, West: 18}
	got, err := s.Resolve(context.Background(), model.ViewportQuery{Bounds: box})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if g := ids(got); len(g) != 1 || g[0] != "in" {
		t.Fatalf("ids=%v want [in]", g)
	}
}

func TestOutline_VerticesWithinStep(t *testing.T) {
	b := model.BoundingBox{North: 1, South: 0, East: 3, West: 0}
	loop := outline(b, 0.25)
	if len(loop) != 32 {
		t.Fatalf("vertices=%d want 32", len(loop))
	}
	for i := range loop {
		a, c := loop[i], loop[(i+1)%len(loop)]
		if d := max(abs(a.Lat-c.Lat), abs(a.Lng-c.Lng)); d > 0.25+1e-9 {
			t.Fatalf("gap %v between vertex %d and the next", d, i)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestNew_InvalidRes(t *testing.T) {
	if _, err := New(16); err == nil {
		t.Fatalf("expected error for res 16")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markers.json")
	body := `[{"id":"a","lat":59.3293,"lng":18.0686,"properties":{"kind":"cafe"}}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := Load(path, 7)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, _ := s.Resolve(context.Background(), model.ViewportQuery{Bounds: stockholm})
	if len(got) != 1 || string(got[0].Properties) != `{"kind":"cafe"}` {
		t.Fatalf("got %+v", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.json"), 7); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestResolve_CanceledContext(t *testing.T) {
	s, _ := New(7)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Resolve(ctx, model.ViewportQuery{Bounds: stockholm}); err == nil {
		t.Fatalf("expected ctx error")
	}
}
