package model

import (
	"errors"
	"testing"
)

func TestBoundingBox_Validate(t *testing.T) {
	ok := BoundingBox{North: 41, South: 40, East: -73, West: -75}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid box: %v", err)
	}
	wrap := BoundingBox{North: 10, South: -10, East: -170, West: 170}
	if err := wrap.Validate(); !errors.Is(err, ErrAntimeridian) {
		t.Fatalf("err=%v want ErrAntimeridian", err)
	}
}

func TestBoundingBox_ContainsEdges(t *testing.T) {
	b := BoundingBox{North: 41, South: 40, East: -73, West: -75}
	cases := []struct {
		lat, lng float64
		want     bool
	}{
		{40.5, -74, true},
		{40, -75, true},
		{41, -73, true},
		{41.0001, -74, false},
		{40.5, -72.9, false},
	}
	for _, tc := range cases {
		if got := b.Contains(tc.lat, tc.lng); got != tc.want {
			t.Fatalf("Contains(%v,%v)=%v want %v", tc.lat, tc.lng, got, tc.want)
		}
	}
	if got := b.String(); got != "-75.000000,40.000000,-73.000000,41.000000" {
		t.Fatalf("String()=%q", got)
	}
}
