package matching

import (
	"math"
	"testing"
)

func TestDistanceKm_KnownPairs(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64 // km
		tolerance              float64
	}{
		{"paris-london", 48.8566, 2.3522, 51.5074, -0.1278, 344, 5},
		{"new-york-los-angeles", 40.7128, -74.0060, 34.0522, -118.2437, 3936, 30},
		{"tokyo-osaka", 35.6762, 139.6503, 34.6937, 135.5023, 397, 5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DistanceKm(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			if math.Abs(got-tc.want) > tc.tolerance {
				t.Errorf("DistanceKm = %.1f, want %.1f +/- %.0f", got, tc.want, tc.tolerance)
			}
		})
	}
}

func TestDistanceKm_SamePoint(t *testing.T) {
	if d := DistanceKm(48.8566, 2.3522, 48.8566, 2.3522); d != 0 {
		t.Errorf("distance between identical points should be 0, got %f", d)
	}
}

func TestDistanceKm_Symmetric(t *testing.T) {
	d1 := DistanceKm(48.8566, 2.3522, 51.5074, -0.1278)
	d2 := DistanceKm(51.5074, -0.1278, 48.8566, 2.3522)
	if math.Abs(d1-d2) > 1e-9 {
		t.Errorf("distance should be symmetric: %f vs %f", d1, d2)
	}
}

func TestValidCoordinates(t *testing.T) {
	cases := []struct {
		name     string
		lat, lon float64
		want     bool
	}{
		{"paris", 48.8566, 2.3522, true},
		{"equator-meridian", 0, 0, true},
		{"poles", 90, 180, true},
		{"negative-extremes", -90, -180, true},
		{"lat-too-high", 90.1, 0, false},
		{"lat-too-low", -91, 0, false},
		{"lon-too-high", 0, 180.5, false},
		{"lon-too-low", 0, -181, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidCoordinates(tc.lat, tc.lon); got != tc.want {
				t.Errorf("ValidCoordinates(%v, %v) = %v, want %v", tc.lat, tc.lon, got, tc.want)
			}
		})
	}
}
