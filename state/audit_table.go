package state

import (
	"github.com/jmoiron/sqlx"

	"github.com/fieldline/fieldsync/internal"
)

// AuditTable records one row per sync call, counts only, never per-field
// diffs.
type AuditTable struct{}

func NewAuditTable(db *sqlx.DB) *AuditTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fieldsync_sync_audit (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		synced_at TIMESTAMP WITH TIME ZONE NOT NULL,
		applied INT NOT NULL,
		failed INT NOT NULL,
		conflicts INT NOT NULL,
		pulled INT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS fieldsync_sync_audit_device_idx
		ON fieldsync_sync_audit(device_id, synced_at);
	`)
	return &AuditTable{}
}

func (t *AuditTable) Insert(txn *sqlx.Tx, a *internal.SyncAudit) error {
	_, err := txn.Exec(`INSERT INTO fieldsync_sync_audit
		(device_id, user_id, synced_at, applied, failed, conflicts, pulled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.DeviceID, a.UserID, a.SyncedAt, a.Applied, a.Failed, a.Conflicts, a.Pulled)
	return err
}

// SelectRecent returns the latest audit rows for a device, newest first.
func (t *AuditTable) SelectRecent(txn *sqlx.Tx, deviceID string, limit int) ([]internal.SyncAudit, error) {
	var rows []internal.SyncAudit
	err := txn.Select(&rows, `SELECT device_id, user_id, synced_at, applied, failed, conflicts, pulled
		FROM fieldsync_sync_audit WHERE device_id = $1
		ORDER BY synced_at DESC LIMIT $2`, deviceID, limit)
	return rows, err
}
