package geo

import (
	"math"
	"strings"
	"testing"
)

// ~1 degree of latitude in meters for the mean Earth radius used by Distance.
const metersPerLatDegree = 111194.9

func offsetNorth(p Point, meters float64) Point {
	return Point{Lat: p.Lat + meters/metersPerLatDegree, Lng: p.Lng}
}

func ptr(f float64) *float64 { return &f }

func TestDistanceKnownValue(t *testing.T) {
	// London -> Paris is roughly 343-344 km
	london := Point{Lat: 51.5074, Lng: -0.1278}
	paris := Point{Lat: 48.8566, Lng: 2.3522}
	d := Distance(london, paris)
	if d < 340000 || d > 348000 {
		t.Fatalf("Distance(london, paris) = %.0fm, want ~344km", d)
	}
	if Distance(london, london) != 0 {
		t.Fatalf("distance to self should be 0")
	}
}

func TestValidateWithinRadiusAccepted(t *testing.T) {
	target := Point{Lat: 40.0, Lng: -3.0}
	cfg := DefaultConfig()
	// every position within the radius with good accuracy must be accepted
	for _, meters := range []float64{0, 1, 15, 50, 99} {
		res := Validate(offsetNorth(target, meters), target, ptr(10), cfg)
		if !res.Accepted {
			t.Errorf("position %gm from target not accepted: %+v", meters, res)
		}
		if res.Escalate {
			t.Errorf("position %gm from target should not escalate", meters)
		}
	}
}

func TestValidateTiers(t *testing.T) {
	target := Point{Lat: 40.0, Lng: -3.0}
	cfg := DefaultConfig()

	testCases := []struct {
		name         string
		meters       float64
		accuracy     *float64
		wantAccepted bool
		wantEscalate bool
		wantReason   string
	}{
		{name: "at target", meters: 0, accuracy: ptr(10), wantAccepted: true},
		{name: "close with good accuracy", meters: 15, accuracy: ptr(10), wantAccepted: true},
		{name: "no accuracy reported", meters: 15, accuracy: nil, wantAccepted: true},
		{name: "bad accuracy", meters: 15, accuracy: ptr(80), wantReason: "insufficient accuracy"},
		{name: "between radius and escalation", meters: 250, accuracy: ptr(10), wantReason: "justification required"},
		{name: "beyond escalation", meters: 700, accuracy: ptr(10), wantEscalate: true, wantReason: "supervisor override"},
		{name: "beyond escalation but bad accuracy", meters: 700, accuracy: ptr(80), wantReason: "insufficient accuracy"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res := Validate(offsetNorth(target, tc.meters), target, tc.accuracy, cfg)
			if res.Accepted != tc.wantAccepted {
				t.Fatalf("accepted = %v, want %v (result %+v)", res.Accepted, tc.wantAccepted, res)
			}
			if res.Escalate != tc.wantEscalate {
				t.Fatalf("escalate = %v, want %v (result %+v)", res.Escalate, tc.wantEscalate, res)
			}
			if tc.wantReason != "" && !strings.Contains(res.Reason, tc.wantReason) {
				t.Fatalf("reason %q does not contain %q", res.Reason, tc.wantReason)
			}
		})
	}
}

func TestValidateEscalationRegardlessOfDistanceScale(t *testing.T) {
	target := Point{Lat: 40.0, Lng: -3.0}
	cfg := DefaultConfig()
	for _, meters := range []float64{501, 700, 5000, 100000} {
		res := Validate(offsetNorth(target, meters), target, ptr(10), cfg)
		if res.Accepted || !res.Escalate {
			t.Errorf("position %gm from target: accepted=%v escalate=%v, want rejection with escalation", meters, res.Accepted, res.Escalate)
		}
	}
}

func TestValidateReportsDistance(t *testing.T) {
	target := Point{Lat: 40.0, Lng: -3.0}
	res := Validate(offsetNorth(target, 700), target, ptr(10), DefaultConfig())
	if math.Abs(res.DistanceMeters-700) > 1 {
		t.Fatalf("DistanceMeters = %f, want ~700", res.DistanceMeters)
	}
}

func TestValidateZeroConfigUsesDefaults(t *testing.T) {
	target := Point{Lat: 40.0, Lng: -3.0}
	res := Validate(offsetNorth(target, 99), target, ptr(10), Config{})
	if !res.Accepted {
		t.Fatalf("99m with zero config should accept under the 100m default: %+v", res)
	}
}

func TestValidatePolygon(t *testing.T) {
	target := Point{Lat: 40.0, Lng: -3.0}
	// a rough square ~1km on each side centred on the target
	d := 500 / metersPerLatDegree
	area := []Point{
		{Lat: target.Lat - d, Lng: target.Lng - d},
		{Lat: target.Lat - d, Lng: target.Lng + d},
		{Lat: target.Lat + d, Lng: target.Lng + d},
		{Lat: target.Lat + d, Lng: target.Lng - d},
	}

	// inside the polygon but outside the radius: polygon wins
	inside := offsetNorth(target, 300)
	res := ValidatePolygon(inside, target, area, ptr(10), DefaultConfig())
	if !res.Accepted {
		t.Fatalf("point inside service area rejected: %+v", res)
	}

	// outside the polygon and beyond escalation distance
	far := offsetNorth(target, 900)
	res = ValidatePolygon(far, target, area, ptr(10), DefaultConfig())
	if res.Accepted || !res.Escalate {
		t.Fatalf("far point outside service area: accepted=%v escalate=%v", res.Accepted, res.Escalate)
	}

	// fewer than 3 vertices degrades to the radius test
	res = ValidatePolygon(inside, target, area[:2], ptr(10), DefaultConfig())
	if res.Accepted {
		t.Fatalf("degraded radius test should reject a point 300m out")
	}
}

func TestPointInPolygon(t *testing.T) {
	square := []Point{{0, 0}, {0, 10}, {10, 10}, {10, 0}}
	testCases := []struct {
		p    Point
		want bool
	}{
		{Point{5, 5}, true},
		{Point{0.1, 0.1}, true},
		{Point{-1, 5}, false},
		{Point{5, 11}, false},
		{Point{15, 15}, false},
	}
	for _, tc := range testCases {
		if got := pointInPolygon(tc.p, square); got != tc.want {
			t.Errorf("pointInPolygon(%+v) = %v, want %v", tc.p, got, tc.want)
		}
	}
}
