package internal

import (
	"encoding/json"
	"testing"
)

func TestJobFromEntity(t *testing.T) {
	e := &Entity{
		ID:      "job-1",
		Family:  FamilyJob,
		TeamID:  "team-1",
		Version: 4,
		Data: json.RawMessage(`{
			"state": "IN_PROGRESS",
			"location": {"lat": 40.1, "lng": -3.2},
			"serviceArea": [{"lat": 40, "lng": -3}, {"lat": 40.2, "lng": -3}, {"lat": 40.1, "lng": -3.4}],
			"title": "repair pump"
		}`),
	}
	j := JobFromEntity(e)
	if j.ID != "job-1" || j.TeamID != "team-1" || j.Version != 4 {
		t.Fatalf("identity fields wrong: %+v", j)
	}
	if j.State != JobInProgress {
		t.Fatalf("state = %s, want IN_PROGRESS", j.State)
	}
	if j.Location == nil || j.Location.Lat != 40.1 || j.Location.Lng != -3.2 {
		t.Fatalf("location wrong: %+v", j.Location)
	}
	if len(j.ServiceArea) != 3 {
		t.Fatalf("service area wrong: %+v", j.ServiceArea)
	}
}

func TestJobFromEntityDefaults(t *testing.T) {
	j := JobFromEntity(&Entity{ID: "job-2", Data: json.RawMessage(`{"title":"site survey"}`)})
	if j.State != JobScheduled {
		t.Fatalf("missing state should default to SCHEDULED, got %s", j.State)
	}
	if j.Location != nil || j.ServiceArea != nil {
		t.Fatalf("missing location should stay nil: %+v", j)
	}
}

func TestJobStateTerminal(t *testing.T) {
	for state, want := range map[JobState]bool{
		JobScheduled:  false,
		JobInProgress: false,
		JobCompleted:  true,
		JobCancelled:  true,
	} {
		if state.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, state.Terminal(), want)
		}
	}
}
