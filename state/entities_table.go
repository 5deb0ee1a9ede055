package state

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fieldline/fieldsync/internal"
)

// EntitiesTable holds every syncable entity as a versioned JSONB row. The
// version column is the concurrency token: updates are compare-and-swap on
// (entity_id, version).
type EntitiesTable struct{}

func NewEntitiesTable(db *sqlx.DB) *EntitiesTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fieldsync_entities (
		entity_id TEXT NOT NULL PRIMARY KEY,
		family TEXT NOT NULL,
		team_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		data JSONB NOT NULL,
		deleted BOOL NOT NULL DEFAULT FALSE,
		last_modified TIMESTAMP WITH TIME ZONE NOT NULL,
		last_modified_by TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS fieldsync_entities_modified_idx
		ON fieldsync_entities(team_id, family, last_modified);
	`)
	return &EntitiesTable{}
}

// Select returns the row by id, including soft-deleted rows, or nil.
func (t *EntitiesTable) Select(txn *sqlx.Tx, id string) (*internal.Entity, error) {
	var e internal.Entity
	err := txn.Get(&e, `SELECT entity_id, family, team_id, version, data, deleted, last_modified, last_modified_by
		FROM fieldsync_entities WHERE entity_id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *EntitiesTable) Insert(txn *sqlx.Tx, e *internal.Entity) error {
	_, err := txn.Exec(`INSERT INTO fieldsync_entities
		(entity_id, family, team_id, version, data, deleted, last_modified, last_modified_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.Family, e.TeamID, e.Version, e.Data, e.Deleted, e.LastModified, e.LastModifiedBy)
	return err
}

// Update compare-and-swaps the row: the write only lands if the stored
// version is exactly e.Version-1. ErrConcurrentWrite means another writer got
// there first inside this window; the whole transaction should abort.
func (t *EntitiesTable) Update(txn *sqlx.Tx, e *internal.Entity) error {
	res, err := txn.Exec(`UPDATE fieldsync_entities
		SET data = $1, version = $2, deleted = $3, last_modified = $4, last_modified_by = $5
		WHERE entity_id = $6 AND version = $7`,
		e.Data, e.Version, e.Deleted, e.LastModified, e.LastModifiedBy, e.ID, e.Version-1)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConcurrentWrite
	}
	return nil
}

// SoftDelete marks the row deleted with a version bump so the deletion syncs
// down to other devices.
func (t *EntitiesTable) SoftDelete(txn *sqlx.Tx, id, actor string, at time.Time) error {
	res, err := txn.Exec(`UPDATE fieldsync_entities
		SET deleted = TRUE, version = version + 1, last_modified = $1, last_modified_by = $2
		WHERE entity_id = $3`, at, actor, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SelectModifiedAfter returns team-scoped rows of a family modified strictly
// after the given time, oldest first, capped at limit. Soft-deleted rows are
// included so clients learn about deletions.
func (t *EntitiesTable) SelectModifiedAfter(txn *sqlx.Tx, family internal.EntityFamily, teamID string, after time.Time, limit int) ([]internal.Entity, error) {
	var rows []internal.Entity
	err := txn.Select(&rows, `SELECT entity_id, family, team_id, version, data, deleted, last_modified, last_modified_by
		FROM fieldsync_entities
		WHERE family = $1 AND team_id = $2 AND last_modified > $3
		ORDER BY last_modified ASC, entity_id ASC
		LIMIT $4`, family, teamID, after, limit)
	return rows, err
}

// Count reports row count and approximate payload bytes for a team.
func (t *EntitiesTable) Count(txn *sqlx.Tx, teamID string) (int, int64, error) {
	var row struct {
		N     int   `db:"n"`
		Bytes int64 `db:"bytes"`
	}
	err := txn.Get(&row, `SELECT COUNT(*) AS n, COALESCE(SUM(LENGTH(data::text)), 0) AS bytes
		FROM fieldsync_entities WHERE team_id = $1 AND NOT deleted`, teamID)
	return row.N, row.Bytes, err
}
