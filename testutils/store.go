package testutils

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/fieldline/fieldsync/internal"
	"github.com/fieldline/fieldsync/syncengine"
)

// MemoryStore is an in-memory implementation of syncengine.Store and
// session.Store so engine and session-manager logic can be tested without a
// live Postgres. Transactions copy-on-write: changes made inside a failed
// transaction are discarded.
type MemoryStore struct {
	mu       sync.Mutex
	Entities map[string]*internal.Entity
	Devices  map[string]*internal.DeviceSyncState
	Sessions map[string]*internal.WorkSession
	Audits   []internal.SyncAudit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Entities: make(map[string]*internal.Entity),
		Devices:  make(map[string]*internal.DeviceSyncState),
		Sessions: make(map[string]*internal.WorkSession),
	}
}

func deviceKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}

func copyEntity(e *internal.Entity) *internal.Entity {
	cp := *e
	return &cp
}

func (s *MemoryStore) snapshot() *memTxn {
	t := &memTxn{
		entities: make(map[string]*internal.Entity, len(s.Entities)),
		devices:  make(map[string]*internal.DeviceSyncState, len(s.Devices)),
	}
	for k, v := range s.Entities {
		t.entities[k] = copyEntity(v)
	}
	for k, v := range s.Devices {
		cp := *v
		t.devices[k] = &cp
	}
	return t
}

// WithTransaction implements syncengine.Store.
func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(txn syncengine.StoreTxn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.snapshot()
	if err := fn(txn); err != nil {
		return err
	}
	s.Entities = txn.entities
	s.Devices = txn.devices
	s.Audits = append(s.Audits, txn.audits...)
	return nil
}

type memTxn struct {
	entities map[string]*internal.Entity
	devices  map[string]*internal.DeviceSyncState
	audits   []internal.SyncAudit
}

func (t *memTxn) Entity(id string) (*internal.Entity, error) {
	e := t.entities[id]
	if e == nil || e.Deleted {
		return nil, nil
	}
	return copyEntity(e), nil
}

func (t *memTxn) InsertEntity(e *internal.Entity) error {
	if _, ok := t.entities[e.ID]; ok {
		return fmt.Errorf("duplicate entity %s", e.ID)
	}
	t.entities[e.ID] = copyEntity(e)
	return nil
}

func (t *memTxn) UpdateEntity(e *internal.Entity) error {
	cur, ok := t.entities[e.ID]
	if !ok {
		return fmt.Errorf("no such entity %s", e.ID)
	}
	if cur.Version != e.Version-1 {
		return fmt.Errorf("entity %s version moved during transaction", e.ID)
	}
	t.entities[e.ID] = copyEntity(e)
	return nil
}

func (t *memTxn) SoftDeleteEntity(id, actor string, at time.Time) error {
	cur, ok := t.entities[id]
	if !ok {
		return fmt.Errorf("no such entity %s", id)
	}
	cur.Deleted = true
	cur.Version++
	cur.LastModified = at
	cur.LastModifiedBy = actor
	return nil
}

func (t *memTxn) EntitiesModifiedAfter(family internal.EntityFamily, teamID string, after time.Time, limit int) ([]internal.Entity, error) {
	var out []internal.Entity
	for _, e := range t.entities {
		if e.Family == family && e.TeamID == teamID && e.LastModified.After(after) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.Before(out[j].LastModified)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTxn) CountEntities(teamID string) (int, int64, error) {
	n := 0
	var bytes int64
	for _, e := range t.entities {
		if e.TeamID == teamID && !e.Deleted {
			n++
			bytes += int64(len(e.Data))
		}
	}
	return n, bytes, nil
}

func (t *memTxn) Device(userID, deviceID string) (*internal.DeviceSyncState, error) {
	d := t.devices[deviceKey(userID, deviceID)]
	if d == nil {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (t *memTxn) DeviceByID(deviceID string) (*internal.DeviceSyncState, error) {
	for _, d := range t.devices {
		if d.DeviceID == deviceID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTxn) UpsertDevice(d *internal.DeviceSyncState) error {
	cp := *d
	t.devices[deviceKey(d.UserID, d.DeviceID)] = &cp
	return nil
}

func (t *memTxn) AppendAudit(a *internal.SyncAudit) error {
	t.audits = append(t.audits, *a)
	return nil
}

// Job implements session.Store.
func (s *MemoryStore) Job(ctx context.Context, jobID string) (*internal.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.Entities[jobID]
	if e == nil || e.Deleted || e.Family != internal.FamilyJob {
		return nil, nil
	}
	return internal.JobFromEntity(e), nil
}

// OpenSession implements session.Store.
func (s *MemoryStore) OpenSession(ctx context.Context, jobID string) (*internal.WorkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.Sessions {
		if ws.JobID == jobID && ws.CheckOutAt == nil {
			cp := *ws
			return &cp, nil
		}
	}
	return nil, nil
}

// CreateCheckIn implements session.Store.
func (s *MemoryStore) CreateCheckIn(ctx context.Context, ws *internal.WorkSession, job *internal.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ws
	s.Sessions[ws.ID] = &cp
	return s.writeJobState(job, internal.JobInProgress, ws.WorkerID)
}

// CompleteCheckOut implements session.Store.
func (s *MemoryStore) CompleteCheckOut(ctx context.Context, ws *internal.WorkSession, next internal.JobState, job *internal.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.Sessions[ws.ID]
	if !ok {
		return fmt.Errorf("no such session %s", ws.ID)
	}
	if cur.CheckOutAt != nil {
		return fmt.Errorf("work session already checked out")
	}
	cp := *ws
	s.Sessions[ws.ID] = &cp
	return s.writeJobState(job, next, ws.WorkerID)
}

func (s *MemoryStore) writeJobState(job *internal.Job, next internal.JobState, actor string) error {
	e := s.Entities[job.ID]
	if e == nil {
		return fmt.Errorf("no such job %s", job.ID)
	}
	if e.Version != job.Version {
		return fmt.Errorf("job %s version moved during transaction", job.ID)
	}
	data, err := sjson.SetBytes(e.Data, "state", string(next))
	if err != nil {
		return err
	}
	e.Data = data
	e.Version++
	e.LastModified = time.Now().UTC()
	e.LastModifiedBy = actor
	return nil
}

// AddJob seeds a job entity in state SCHEDULED at version 1.
func (s *MemoryStore) AddJob(jobID, teamID string, data []byte, modified time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entities[jobID] = &internal.Entity{
		ID:             jobID,
		Family:         internal.FamilyJob,
		TeamID:         teamID,
		Version:        1,
		Data:           data,
		LastModified:   modified,
		LastModifiedBy: "seed",
	}
}
