// Package state is the Postgres persistence layer. Each table is a small
// struct whose constructor creates its schema; Storage bundles them behind
// the transactional store interfaces the engine and session manager consume.
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/tidwall/sjson"

	"github.com/fieldline/fieldsync/internal"
	"github.com/fieldline/fieldsync/sqlutil"
	"github.com/fieldline/fieldsync/syncengine"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrConcurrentWrite means a compare-and-swap on an entity version found the
// row already moved on. The enclosing transaction must abort; the client
// retries with a fresh read.
var ErrConcurrentWrite = errors.New("entity version moved during transaction")

// ErrAlreadyCheckedOut guards the session immutability invariant at the
// storage layer; the manager normally catches this earlier.
var ErrAlreadyCheckedOut = errors.New("work session already checked out")

type Storage struct {
	DB       *sqlx.DB
	Entities *EntitiesTable
	Sessions *SessionsTable
	Devices  *DeviceTable
	Audit    *AuditTable
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		DB:       db,
		Entities: NewEntitiesTable(db),
		Sessions: NewSessionsTable(db),
		Devices:  NewDeviceTable(db),
		Audit:    NewAuditTable(db),
	}
}

func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close DB")
	}
}

// WithTransaction implements syncengine.Store: one transactional
// read-modify-write scope per sync call.
func (s *Storage) WithTransaction(ctx context.Context, fn func(txn syncengine.StoreTxn) error) error {
	return sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		return fn(&storageTxn{s: s, txn: txn})
	})
}

// storageTxn binds the tables to one open transaction.
type storageTxn struct {
	s   *Storage
	txn *sqlx.Tx
}

func (t *storageTxn) Entity(id string) (*internal.Entity, error) {
	e, err := t.s.Entities.Select(t.txn, id)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Deleted {
		return nil, nil
	}
	return e, nil
}

func (t *storageTxn) InsertEntity(e *internal.Entity) error {
	return t.s.Entities.Insert(t.txn, e)
}

func (t *storageTxn) UpdateEntity(e *internal.Entity) error {
	return t.s.Entities.Update(t.txn, e)
}

func (t *storageTxn) SoftDeleteEntity(id, actor string, at time.Time) error {
	return t.s.Entities.SoftDelete(t.txn, id, actor, at)
}

func (t *storageTxn) EntitiesModifiedAfter(family internal.EntityFamily, teamID string, after time.Time, limit int) ([]internal.Entity, error) {
	return t.s.Entities.SelectModifiedAfter(t.txn, family, teamID, after, limit)
}

func (t *storageTxn) CountEntities(teamID string) (int, int64, error) {
	return t.s.Entities.Count(t.txn, teamID)
}

func (t *storageTxn) Device(userID, deviceID string) (*internal.DeviceSyncState, error) {
	return t.s.Devices.Select(t.txn, userID, deviceID)
}

func (t *storageTxn) DeviceByID(deviceID string) (*internal.DeviceSyncState, error) {
	return t.s.Devices.SelectByDevice(t.txn, deviceID)
}

func (t *storageTxn) UpsertDevice(d *internal.DeviceSyncState) error {
	return t.s.Devices.Upsert(t.txn, d)
}

func (t *storageTxn) AppendAudit(a *internal.SyncAudit) error {
	return t.s.Audit.Insert(t.txn, a)
}

// Job implements session.Store. Jobs are entities of family "job"; the
// session manager gets the parsed projection.
func (s *Storage) Job(ctx context.Context, jobID string) (job *internal.Job, err error) {
	err = sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		e, err := s.Entities.Select(txn, jobID)
		if err != nil {
			return err
		}
		if e == nil || e.Deleted || e.Family != internal.FamilyJob {
			return nil
		}
		job = internal.JobFromEntity(e)
		return nil
	})
	return
}

// OpenSession implements session.Store.
func (s *Storage) OpenSession(ctx context.Context, jobID string) (ws *internal.WorkSession, err error) {
	err = sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		ws, err = s.Sessions.SelectOpen(txn, jobID)
		return err
	})
	return
}

// CreateCheckIn inserts the session row and advances the job to IN_PROGRESS
// in one transaction. The job write goes through the same versioned entity
// path as offline edits, so a queued sync change to the same job will see the
// bumped version and conflict.
func (s *Storage) CreateCheckIn(ctx context.Context, ws *internal.WorkSession, job *internal.Job) error {
	return sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := s.Sessions.Insert(txn, ws); err != nil {
			return err
		}
		return s.writeJobState(txn, job, internal.JobInProgress, ws.WorkerID, time.Now().UTC())
	})
}

// CompleteCheckOut writes the check-out onto the session row and transitions
// the job, atomically.
func (s *Storage) CompleteCheckOut(ctx context.Context, ws *internal.WorkSession, next internal.JobState, job *internal.Job) error {
	return sqlutil.WithTransaction(ctx, s.DB, func(txn *sqlx.Tx) error {
		if err := s.Sessions.Checkout(txn, ws); err != nil {
			return err
		}
		// last_modified drives sync pulls, so use the server clock even when
		// the check-out timestamp is backdated
		return s.writeJobState(txn, job, next, ws.WorkerID, time.Now().UTC())
	})
}

func (s *Storage) writeJobState(txn *sqlx.Tx, job *internal.Job, next internal.JobState, actor string, at time.Time) error {
	data, err := sjson.SetBytes(job.Data, "state", string(next))
	if err != nil {
		return fmt.Errorf("writeJobState %s: %w", job.ID, err)
	}
	return s.Entities.Update(txn, &internal.Entity{
		ID:             job.ID,
		Family:         internal.FamilyJob,
		TeamID:         job.TeamID,
		Version:        job.Version + 1,
		Data:           data,
		LastModified:   at,
		LastModifiedBy: actor,
	})
}
