package state

import (
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/fieldline/fieldsync/internal"
)

// DeviceTable remembers per-device sync cursors and accounting. One row per
// (user, device); the row is the only shared mutable state contended across
// sync calls for a device.
type DeviceTable struct{}

func NewDeviceTable(db *sqlx.DB) *DeviceTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fieldsync_device_sync (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		team_id TEXT NOT NULL DEFAULT '',
		sync_cursor TEXT NOT NULL,
		last_sync_at TIMESTAMP WITH TIME ZONE,
		last_success_at TIMESTAMP WITH TIME ZONE,
		consecutive_failures INT NOT NULL DEFAULT 0,
		pending_upload_count INT NOT NULL DEFAULT 0,
		pending_upload_bytes BIGINT NOT NULL DEFAULT 0,
		conflict_total BIGINT NOT NULL DEFAULT 0,
		active BOOL NOT NULL DEFAULT TRUE,
		PRIMARY KEY (user_id, device_id)
	);
	CREATE INDEX IF NOT EXISTS fieldsync_device_sync_device_idx
		ON fieldsync_device_sync(device_id);
	`)
	return &DeviceTable{}
}

const deviceColumns = `user_id, device_id, team_id, sync_cursor, last_sync_at, last_success_at,
	consecutive_failures, pending_upload_count, pending_upload_bytes, conflict_total, active`

func (t *DeviceTable) Select(txn *sqlx.Tx, userID, deviceID string) (*internal.DeviceSyncState, error) {
	var d internal.DeviceSyncState
	err := txn.Get(&d, `SELECT `+deviceColumns+` FROM fieldsync_device_sync
		WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *DeviceTable) SelectByDevice(txn *sqlx.Tx, deviceID string) (*internal.DeviceSyncState, error) {
	var d internal.DeviceSyncState
	err := txn.Get(&d, `SELECT `+deviceColumns+` FROM fieldsync_device_sync
		WHERE device_id = $1`, deviceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *DeviceTable) Upsert(txn *sqlx.Tx, d *internal.DeviceSyncState) error {
	_, err := txn.Exec(`INSERT INTO fieldsync_device_sync
		(user_id, device_id, team_id, sync_cursor, last_sync_at, last_success_at,
		 consecutive_failures, pending_upload_count, pending_upload_bytes, conflict_total, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
		 team_id = EXCLUDED.team_id,
		 sync_cursor = EXCLUDED.sync_cursor,
		 last_sync_at = EXCLUDED.last_sync_at,
		 last_success_at = EXCLUDED.last_success_at,
		 consecutive_failures = EXCLUDED.consecutive_failures,
		 pending_upload_count = EXCLUDED.pending_upload_count,
		 pending_upload_bytes = EXCLUDED.pending_upload_bytes,
		 conflict_total = EXCLUDED.conflict_total,
		 active = EXCLUDED.active`,
		d.UserID, d.DeviceID, d.TeamID, d.Cursor, d.LastSyncAt, d.LastSuccessAt,
		d.ConsecutiveFailures, d.PendingUploadCount, d.PendingUploadBytes, d.ConflictTotal, d.Active)
	return err
}
