package state

import (
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/fieldline/fieldsync/internal"
)

// SessionsTable holds work sessions. A partial unique index enforces at most
// one open (not checked out) session per job, and the checkout guard in
// Checkout enforces that no session is checked out twice.
type SessionsTable struct{}

func NewSessionsTable(db *sqlx.DB) *SessionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fieldsync_work_sessions (
		session_id TEXT NOT NULL PRIMARY KEY,
		job_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		team_id TEXT NOT NULL DEFAULT '',
		checkin_at TIMESTAMP WITH TIME ZONE NOT NULL,
		checkin_lat DOUBLE PRECISION NOT NULL,
		checkin_lng DOUBLE PRECISION NOT NULL,
		checkin_accuracy DOUBLE PRECISION,
		checkout_at TIMESTAMP WITH TIME ZONE,
		checkout_lat DOUBLE PRECISION,
		checkout_lng DOUBLE PRECISION,
		break_minutes INT NOT NULL DEFAULT 0,
		travel_minutes INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		work_summary TEXT NOT NULL DEFAULT '',
		duration JSONB
	);
	CREATE UNIQUE INDEX IF NOT EXISTS fieldsync_work_sessions_open_idx
		ON fieldsync_work_sessions(job_id) WHERE checkout_at IS NULL;
	`)
	return &SessionsTable{}
}

const sessionColumns = `session_id, job_id, worker_id, team_id, checkin_at, checkin_lat, checkin_lng,
	checkin_accuracy, checkout_at, checkout_lat, checkout_lng, break_minutes, travel_minutes,
	status, notes, work_summary, duration`

func (t *SessionsTable) Insert(txn *sqlx.Tx, ws *internal.WorkSession) error {
	_, err := txn.Exec(`INSERT INTO fieldsync_work_sessions
		(session_id, job_id, worker_id, team_id, checkin_at, checkin_lat, checkin_lng, checkin_accuracy, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ws.ID, ws.JobID, ws.WorkerID, ws.TeamID, ws.CheckInAt, ws.CheckInLat, ws.CheckInLng, ws.CheckInAccuracy, ws.Notes)
	return err
}

// SelectOpen returns the job's checked-in-but-not-out session, or nil.
func (t *SessionsTable) SelectOpen(txn *sqlx.Tx, jobID string) (*internal.WorkSession, error) {
	var ws internal.WorkSession
	err := txn.Get(&ws, `SELECT `+sessionColumns+` FROM fieldsync_work_sessions
		WHERE job_id = $1 AND checkout_at IS NULL`, jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// Checkout writes the check-out fields onto an open session. Returns
// ErrAlreadyCheckedOut if the session has already been closed; sessions are
// immutable after check-out.
func (t *SessionsTable) Checkout(txn *sqlx.Tx, ws *internal.WorkSession) error {
	res, err := txn.Exec(`UPDATE fieldsync_work_sessions SET
		checkout_at = $1, checkout_lat = $2, checkout_lng = $3,
		break_minutes = $4, travel_minutes = $5, status = $6,
		notes = $7, work_summary = $8, duration = $9
		WHERE session_id = $10 AND checkout_at IS NULL`,
		ws.CheckOutAt, ws.CheckOutLat, ws.CheckOutLng,
		ws.BreakMinutes, ws.TravelMinutes, ws.Status,
		ws.Notes, ws.WorkSummary, ws.Duration, ws.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyCheckedOut
	}
	return nil
}

// SelectForJob returns all sessions for a job, newest first.
func (t *SessionsTable) SelectForJob(txn *sqlx.Tx, jobID string) ([]internal.WorkSession, error) {
	var rows []internal.WorkSession
	err := txn.Select(&rows, `SELECT `+sessionColumns+` FROM fieldsync_work_sessions
		WHERE job_id = $1 ORDER BY checkin_at DESC`, jobID)
	return rows, err
}
