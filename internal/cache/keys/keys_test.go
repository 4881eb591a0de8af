package keys

import (
	"regexp"
	"strings"
	"testing"

	"github.com/mohammed-shakir/viewport-cache/internal/core/model"
)

var nyc = model.BoundingBox{North: 41, South: 40, East: -73, West: -75}

func TestDeterminism_SameInputsSameKey(t *testing.T) {
	k1 := Viewport(nyc, 10)
	k2 := Viewport(nyc, 10)
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
}

func TestPrecision_ScalesWithZoom(t *testing.T) {
	cases := []struct {
		zoom float64
		want int
	}{
		{0, 1}, {1, 1}, {2, 1}, {3.9, 1}, {4, 2}, {10, 5}, {10.9, 5}, {18, 9}, {-3, 1},
	}
	for _, c := range cases {
		if got := Precision(c.zoom); got != c.want {
			t.Fatalf("Precision(%v)=%d want %d", c.zoom, got, c.want)
		}
	}
}

func TestViewport_Zoom10UsesFiveDecimals(t *testing.T) {
	k := Viewport(nyc, 10)
	want := "vp:z10:41.00000,40.00000,-73.00000,-75.00000"
	if k != want {
		t.Fatalf("key=%s want %s", k, want)
	}
}

func TestViewport_SubPrecisionShiftSharesKey(t *testing.T) {
	shifted := model.BoundingBox{
		North: nyc.North + 0.000004,
		South: nyc.South - 0.000004,
		East:  nyc.East + 0.000001,
		West:  nyc.West - 0.000002,
	}
	if Viewport(nyc, 10) != Viewport(shifted, 10) {
		t.Fatalf("sub-precision shift changed key:\n %s\n %s", Viewport(nyc, 10), Viewport(shifted, 10))
	}
}

func TestViewport_OneQuantumShiftIsNeighbourKey(t *testing.T) {
	shifted := nyc
	shifted.North += 0.00001
	if Viewport(nyc, 10) == Viewport(shifted, 10) {
		t.Fatalf("a full 1e-5 shift at zoom 10 must move to the neighbouring key")
	}
}

func TestViewport_CoarseZoomCollapsesNearbyViewports(t *testing.T) {
	a := model.BoundingBox{North: 41.02, South: 40.01, East: -73.04, West: -75.03}
	b := model.BoundingBox{North: 41.04, South: 39.99, East: -72.96, West: -75.01}
	if Viewport(a, 3) != Viewport(b, 3) {
		t.Fatalf("zoom 3 keys differ:\n %s\n %s", Viewport(a, 3), Viewport(b, 3))
	}
	if Viewport(a, 14) == Viewport(b, 14) {
		t.Fatalf("zoom 14 keys must differ")
	}
}

func TestViewport_ZoomTruncated(t *testing.T) {
	if Viewport(nyc, 10.2) != Viewport(nyc, 10.8) {
		t.Fatalf("fractional zoom must truncate to the same key")
	}
	if Viewport(nyc, 10) == Viewport(nyc, 11) {
		t.Fatalf("different integer zooms must differ")
	}
}

func TestViewport_NegativeZeroNormalized(t *testing.T) {
	a := model.BoundingBox{North: 0.01, South: -0.01, East: 0.00001, West: -0.00001}
	b := model.BoundingBox{North: 0.01, South: -0.01, East: -0.00001, West: 0.00001}
	if Viewport(a, 2) != Viewport(b, 2) {
		t.Fatalf("-0 and 0 must format the same:\n %s\n %s", Viewport(a, 2), Viewport(b, 2))
	}
}

func TestRateLimit_LongIdentityHashed(t *testing.T) {
	id := strings.Repeat("client-", 40)
	k := RateLimit(id, "search")
	if !regexp.MustCompile(`^rl:search:[A-Za-z0-9:_.\-]+~[0-9a-f]{16}$`).MatchString(k) {
		t.Fatalf("unexpected key: %s", k)
	}
	if RateLimit(id+"x", "search") == k {
		t.Fatalf("distinct identities collided")
	}
}

func TestEntryAndTag_Namespaced(t *testing.T) {
	if got := Entry("vc", "vp:z1:1.0"); got != "vc:entry:vp:z1:1.0" {
		t.Fatalf("entry=%s", got)
	}
	if got := Tag("vc", " my facts "); got != "vc:tag:my_facts" {
		t.Fatalf("tag=%s", got)
	}
}
