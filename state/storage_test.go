package state

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/fieldline/fieldsync/internal"
	"github.com/fieldline/fieldsync/syncengine"
)

func seedJobEntity(t *testing.T, s *Storage, jobID string) {
	t.Helper()
	err := s.WithTransaction(context.Background(), func(txn syncengine.StoreTxn) error {
		return txn.InsertEntity(&internal.Entity{
			ID:             jobID,
			Family:         internal.FamilyJob,
			TeamID:         "team-A",
			Version:        1,
			Data:           json.RawMessage(`{"state":"SCHEDULED","location":{"lat":40,"lng":-3}}`),
			LastModified:   time.Now().UTC(),
			LastModifiedBy: "dispatcher",
		})
	})
	if err != nil {
		t.Fatalf("failed to seed job: %s", err)
	}
}

func TestStorageTransactionRollsBackOnError(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	s := NewStorageWithDB(db)

	boom := errors.New("boom")
	jobID := "TestStorageTransactionRollsBackOnError-job"
	err := s.WithTransaction(context.Background(), func(txn syncengine.StoreTxn) error {
		if err := txn.InsertEntity(&internal.Entity{
			ID:             jobID,
			Family:         internal.FamilyJob,
			TeamID:         "team-A",
			Version:        1,
			Data:           json.RawMessage(`{}`),
			LastModified:   time.Now().UTC(),
			LastModifiedBy: "x",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error back, got %v", err)
	}

	err = s.WithTransaction(context.Background(), func(txn syncengine.StoreTxn) error {
		e, err := txn.Entity(jobID)
		if err != nil {
			return err
		}
		if e != nil {
			t.Fatalf("insert survived a rolled-back transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read-back txn: %s", err)
	}
}

func TestStorageEntityHidesSoftDeleted(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	s := NewStorageWithDB(db)

	jobID := "TestStorageEntityHidesSoftDeleted-job"
	seedJobEntity(t, s, jobID)

	err := s.WithTransaction(context.Background(), func(txn syncengine.StoreTxn) error {
		if err := txn.SoftDeleteEntity(jobID, "worker-1", time.Now().UTC()); err != nil {
			return err
		}
		e, err := txn.Entity(jobID)
		if err != nil {
			return err
		}
		if e != nil {
			t.Fatalf("soft-deleted entity visible through Entity(): %+v", e)
		}
		// but the deletion still syncs down
		rows, err := txn.EntitiesModifiedAfter(internal.FamilyJob, "team-A", time.Now().UTC().Add(-time.Hour), 100)
		if err != nil {
			return err
		}
		found := false
		for _, r := range rows {
			if r.ID == jobID && r.Deleted {
				found = true
			}
		}
		if !found {
			t.Fatalf("soft deletion missing from the modified feed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("txn: %s", err)
	}
}

func TestStorageCheckInCheckOutCycle(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	s := NewStorageWithDB(db)
	ctx := context.Background()

	jobID := "TestStorageCheckInCheckOutCycle-job"
	seedJobEntity(t, s, jobID)

	job, err := s.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("Job: %s", err)
	}
	if job == nil || job.State != internal.JobScheduled || job.Location == nil {
		t.Fatalf("job projection wrong: %+v", job)
	}

	ws := &internal.WorkSession{
		ID:         "TestStorageCheckInCheckOutCycle-session",
		JobID:      jobID,
		WorkerID:   "worker-1",
		TeamID:     "team-A",
		CheckInAt:  time.Now().UTC().Add(-9 * time.Hour).Truncate(time.Microsecond),
		CheckInLat: 40.0,
		CheckInLng: -3.0,
	}
	if err := s.CreateCheckIn(ctx, ws, job); err != nil {
		t.Fatalf("CreateCheckIn: %s", err)
	}

	// the session row and the job state moved together
	open, err := s.OpenSession(ctx, jobID)
	if err != nil {
		t.Fatalf("OpenSession: %s", err)
	}
	if open == nil || open.ID != ws.ID {
		t.Fatalf("open session missing: %+v", open)
	}
	job, err = s.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("Job after check-in: %s", err)
	}
	if job.State != internal.JobInProgress || job.Version != 2 {
		t.Fatalf("job after check-in wrong: state=%s version=%d", job.State, job.Version)
	}

	// a stale projection cannot advance the job: the CAS fails and the whole
	// write rolls back
	stale := *job
	stale.Version = 1
	out := time.Now().UTC().Truncate(time.Microsecond)
	ws.CheckOutAt = &out
	ws.Status = internal.StatusCompleted
	if err := s.CompleteCheckOut(ctx, ws, internal.JobCompleted, &stale); !errors.Is(err, ErrConcurrentWrite) {
		t.Fatalf("stale job version: got %v, want ErrConcurrentWrite", err)
	}
	if open, _ = s.OpenSession(ctx, jobID); open == nil {
		t.Fatalf("failed checkout must leave the session open")
	}

	if err := s.CompleteCheckOut(ctx, ws, internal.JobCompleted, job); err != nil {
		t.Fatalf("CompleteCheckOut: %s", err)
	}
	job, err = s.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("Job after checkout: %s", err)
	}
	if job.State != internal.JobCompleted || job.Version != 3 {
		t.Fatalf("job after checkout wrong: state=%s version=%d", job.State, job.Version)
	}
	if open, _ = s.OpenSession(ctx, jobID); open != nil {
		t.Fatalf("job should have no open session after checkout")
	}

	// the state write kept the rest of the payload intact
	err = s.WithTransaction(ctx, func(txn syncengine.StoreTxn) error {
		e, err := txn.Entity(jobID)
		if err != nil {
			return err
		}
		if gjson.ParseBytes(e.Data).Get("location.lat").Float() != 40 {
			t.Fatalf("job payload lost fields on state write: %s", e.Data)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read-back: %s", err)
	}
}

func TestStorageJobFiltersNonJobs(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	s := NewStorageWithDB(db)
	ctx := context.Background()

	id := "TestStorageJobFiltersNonJobs-te"
	err := s.WithTransaction(ctx, func(txn syncengine.StoreTxn) error {
		return txn.InsertEntity(&internal.Entity{
			ID:             id,
			Family:         internal.FamilyTimeEntry,
			TeamID:         "team-A",
			Version:        1,
			Data:           json.RawMessage(`{"minutes":30}`),
			LastModified:   time.Now().UTC(),
			LastModifiedBy: "worker-1",
		})
	})
	if err != nil {
		t.Fatalf("seed: %s", err)
	}

	job, err := s.Job(ctx, id)
	if err != nil {
		t.Fatalf("Job: %s", err)
	}
	if job != nil {
		t.Fatalf("a time entry must not project as a job: %+v", job)
	}
}
