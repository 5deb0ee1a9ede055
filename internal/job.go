package internal

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/fieldline/fieldsync/geo"
)

// Job is the projection of a "job" family entity that the session manager
// needs: current lifecycle state plus the target location for geofencing.
// The full record stays in the entity's JSON payload; jobs are written back
// through the same versioned entity path as offline edits, so a live check-in
// and a queued sync change contend on the same version counter.
type Job struct {
	ID          string
	TeamID      string
	State       JobState
	Location    *geo.Point
	ServiceArea []geo.Point
	Version     int64
	Data        json.RawMessage
}

// JobFromEntity parses the job projection out of an entity payload. Payload
// fields: "state", "location" {"lat","lng"}, "serviceArea" [{"lat","lng"}].
// A missing location is legal; the caller decides what that means for
// geofencing.
func JobFromEntity(e *Entity) *Job {
	j := &Job{
		ID:      e.ID,
		TeamID:  e.TeamID,
		Version: e.Version,
		State:   JobScheduled,
		Data:    e.Data,
	}
	parsed := gjson.ParseBytes(e.Data)
	if st := parsed.Get("state"); st.Exists() {
		j.State = JobState(st.Str)
	}
	if loc := parsed.Get("location"); loc.IsObject() {
		j.Location = &geo.Point{
			Lat: loc.Get("lat").Float(),
			Lng: loc.Get("lng").Float(),
		}
	}
	if area := parsed.Get("serviceArea"); area.IsArray() {
		for _, v := range area.Array() {
			j.ServiceArea = append(j.ServiceArea, geo.Point{
				Lat: v.Get("lat").Float(),
				Lng: v.Get("lng").Float(),
			})
		}
	}
	return j
}
