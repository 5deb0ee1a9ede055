// Package geo validates that a reported check-in position is physically
// plausible for a target location. Pure computation: no I/O, no logging.
package geo

import (
	"fmt"
	"math"
)

const earthRadiusMeters = 6371000

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Config controls the accept/deny/escalate tiers. Zero values fall back to
// the defaults via withDefaults.
type Config struct {
	// RadiusMeters is the distance within which a check-in is accepted outright.
	RadiusMeters float64
	// MinAccuracyMeters is the worst reported GPS accuracy we will trust.
	MinAccuracyMeters float64
	// EscalationMeters is the distance beyond which a supervisor override is
	// required; rejections past this point are hard blocks.
	EscalationMeters float64
}

// DefaultConfig returns the standard 100m/50m/500m tiers.
func DefaultConfig() Config {
	return Config{
		RadiusMeters:      100,
		MinAccuracyMeters: 50,
		EscalationMeters:  500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RadiusMeters <= 0 {
		c.RadiusMeters = d.RadiusMeters
	}
	if c.MinAccuracyMeters <= 0 {
		c.MinAccuracyMeters = d.MinAccuracyMeters
	}
	if c.EscalationMeters <= 0 {
		c.EscalationMeters = d.EscalationMeters
	}
	return c
}

// Result is the outcome of a geofence check.
type Result struct {
	Accepted       bool    `json:"accepted"`
	DistanceMeters float64 `json:"distanceMeters"`
	// Escalate means the rejection is a hard block requiring supervisor
	// override, not a soft "resubmit with justification".
	Escalate bool   `json:"escalate"`
	Reason   string `json:"reason,omitempty"`
}

// Distance returns the haversine great-circle distance between two points in
// meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Validate classifies a reported position against a target. accuracy is the
// reported GPS accuracy in meters; nil means the device did not report one,
// in which case the accuracy gate is skipped. Policy is evaluated in order:
// accuracy gate, radius accept, escalation block, soft reject.
//
// Callers decide what a missing target location means; Validate always
// requires one.
func Validate(reported, target Point, accuracy *float64, cfg Config) Result {
	cfg = cfg.withDefaults()
	dist := Distance(reported, target)

	if accuracy != nil && *accuracy > cfg.MinAccuracyMeters {
		return Result{
			Accepted:       false,
			DistanceMeters: dist,
			Reason:         fmt.Sprintf("insufficient accuracy: %.0fm reported, %.0fm required", *accuracy, cfg.MinAccuracyMeters),
		}
	}
	if dist <= cfg.RadiusMeters {
		return Result{Accepted: true, DistanceMeters: dist}
	}
	if dist > cfg.EscalationMeters {
		return Result{
			Accepted:       false,
			DistanceMeters: dist,
			Escalate:       true,
			Reason:         fmt.Sprintf("%.0fm from target exceeds escalation distance %.0fm: supervisor override required", dist, cfg.EscalationMeters),
		}
	}
	return Result{
		Accepted:       false,
		DistanceMeters: dist,
		Reason:         fmt.Sprintf("%.0fm from target exceeds radius %.0fm: manual check-in with justification required", dist, cfg.RadiusMeters),
	}
}

// ValidatePolygon replaces the radius test with a point-in-polygon test when a
// service-area polygon of at least 3 vertices is supplied, and otherwise
// degrades to the plain radius test. The accuracy and escalation tiers apply
// unchanged; distance is still measured to target for reporting and for the
// escalation check.
func ValidatePolygon(reported, target Point, polygon []Point, accuracy *float64, cfg Config) Result {
	if len(polygon) < 3 {
		return Validate(reported, target, accuracy, cfg)
	}
	cfg = cfg.withDefaults()
	dist := Distance(reported, target)

	if accuracy != nil && *accuracy > cfg.MinAccuracyMeters {
		return Result{
			Accepted:       false,
			DistanceMeters: dist,
			Reason:         fmt.Sprintf("insufficient accuracy: %.0fm reported, %.0fm required", *accuracy, cfg.MinAccuracyMeters),
		}
	}
	if pointInPolygon(reported, polygon) {
		return Result{Accepted: true, DistanceMeters: dist}
	}
	if dist > cfg.EscalationMeters {
		return Result{
			Accepted:       false,
			DistanceMeters: dist,
			Escalate:       true,
			Reason:         fmt.Sprintf("outside service area and %.0fm from target: supervisor override required", dist),
		}
	}
	return Result{
		Accepted:       false,
		DistanceMeters: dist,
		Reason:         "outside service area: manual check-in with justification required",
	}
}

// pointInPolygon is the standard ray casting test. Treats the polygon as
// closed; vertices need not repeat the first point.
func pointInPolygon(p Point, polygon []Point) bool {
	inside := false
	j := len(polygon) - 1
	for i := 0; i < len(polygon); i++ {
		pi, pj := polygon[i], polygon[j]
		if (pi.Lng > p.Lng) != (pj.Lng > p.Lng) &&
			p.Lat < (pj.Lat-pi.Lat)*(p.Lng-pi.Lng)/(pj.Lng-pi.Lng)+pi.Lat {
			inside = !inside
		}
		j = i
	}
	return inside
}
