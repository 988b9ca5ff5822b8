package geo

import (
	"math"
	"testing"
)

func TestDistanceMetersZero(t *testing.T) {
	p := Point{Lat: 22.32, Lng: 70.78}
	if d := DistanceMeters(p, p); d != 0 {
		t.Fatalf("distance to self = %v, want 0", d)
	}
}

func TestDistanceMetersKnownPairs(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Point
		want    float64
		within  float64
	}{
		{
			// One degree of latitude along a meridian.
			name:   "one degree latitude",
			a:      Point{Lat: 0, Lng: 0},
			b:      Point{Lat: 1, Lng: 0},
			want:   111195,
			within: 10,
		},
		{
			// One degree of longitude at the equator.
			name:   "one degree longitude at equator",
			a:      Point{Lat: 0, Lng: 0},
			b:      Point{Lat: 0, Lng: 1},
			want:   111195,
			within: 10,
		},
		{
			// Quarter of the great circle.
			name:   "equator to pole",
			a:      Point{Lat: 0, Lng: 0},
			b:      Point{Lat: 90, Lng: 0},
			want:   math.Pi / 2 * 6371000,
			within: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.a, tt.b)
			if math.Abs(got-tt.want) > tt.within {
				t.Fatalf("DistanceMeters = %v, want %v ± %v", got, tt.want, tt.within)
			}
		})
	}
}

func TestDistanceMetersSymmetric(t *testing.T) {
	a := Point{Lat: 22.3039, Lng: 70.8022}
	b := Point{Lat: 22.3050, Lng: 70.8040}
	if d1, d2 := DistanceMeters(a, b), DistanceMeters(b, a); math.Abs(d1-d2) > 1e-9 {
		t.Fatalf("distance not symmetric: %v vs %v", d1, d2)
	}
}

func TestDistanceMetersSmallOffset(t *testing.T) {
	// ~0.001 degrees latitude is roughly 111 meters.
	a := Point{Lat: 22.3039, Lng: 70.8022}
	b := Point{Lat: 22.3049, Lng: 70.8022}
	got := DistanceMeters(a, b)
	if got < 100 || got > 125 {
		t.Fatalf("DistanceMeters = %v, want ~111", got)
	}
}
