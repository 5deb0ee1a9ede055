// Package syncengine reconciles batches of changes made by disconnected
// mobile clients against the central store: per-entity optimistic-concurrency
// conflict detection, configurable conflict resolution, server-change pull
// computation and per-device sync cursor accounting.
package syncengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fieldline/fieldsync/internal"
)

// Strategy selects which of two divergent writes to an entity wins when the
// client's believed version trails the server's.
type Strategy string

const (
	ServerWins    Strategy = "SERVER_WINS"
	ClientWins    Strategy = "CLIENT_WINS"
	LastWriteWins Strategy = "LAST_WRITE_WINS"
	Merge         Strategy = "MERGE"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case ServerWins, ClientWins, LastWriteWins, Merge:
		return true
	}
	return false
}

// Operation is what the client wants done to an entity.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ClientChange is one queued offline edit. Consumed within a single sync
// call, never stored.
type ClientChange struct {
	Family internal.EntityFamily `json:"family"`
	// EntityID is absent for creates; the server assigns one.
	EntityID  string    `json:"entityId,omitempty"`
	Operation Operation `json:"operation"`
	// Version is the client's believed version, meaningful for updates only.
	Version int64           `json:"version,omitempty"`
	Data    json.RawMessage `json:"data"`
	// Timestamp is the client-side wall clock of the edit; trusted only for
	// LAST_WRITE_WINS ordering.
	Timestamp time.Time `json:"timestamp"`
}

// ConflictRecord is emitted for every detected conflict regardless of which
// side ultimately won, so the client can reconcile its local cache. Ephemeral:
// returned, never stored.
type ConflictRecord struct {
	EntityID      string                `json:"entityId"`
	Family        internal.EntityFamily `json:"family"`
	ClientVersion int64                 `json:"clientVersion"`
	ServerVersion int64                 `json:"serverVersion"`
	ClientData    json.RawMessage       `json:"clientData"`
	ServerData    json.RawMessage       `json:"serverData"`
	Strategy      Strategy              `json:"strategy"`
	// Winner is "server", "client" or "merged".
	Winner string `json:"winner"`
	// Resolved is the payload now stored on the server.
	Resolved json.RawMessage `json:"resolved"`
}

// PendingUpload tells the client where to put a media blob referenced by an
// applied media_ref create. The blob itself never travels through sync.
type PendingUpload struct {
	EntityID    string `json:"entityId"`
	Destination string `json:"destination"`
	Priority    int    `json:"priority"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
}

// FamilySummary counts outcomes for one entity family within a batch.
type FamilySummary struct {
	Applied int      `json:"applied"`
	Failed  int      `json:"failed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Request is one delta sync call from a device.
type Request struct {
	DeviceID string         `json:"deviceId"`
	UserID   string         `json:"userId"`
	Cursor   string         `json:"syncCursor"`
	Changes  []ClientChange `json:"changes"`
	Strategy Strategy       `json:"strategy,omitempty"`
}

// Response is the full result of a sync call. Conflicts are first-class
// results, not errors.
type Response struct {
	Cursor         string                                      `json:"syncCursor"`
	Conflicts      []ConflictRecord                            `json:"conflicts"`
	ServerChanges  map[internal.EntityFamily][]internal.Entity `json:"serverChanges"`
	Summary        map[internal.EntityFamily]*FamilySummary    `json:"appliedSummary"`
	PendingUploads []PendingUpload                             `json:"pendingUploads"`
}

// StoreTxn is the set of reads and writes available inside one atomic unit of
// work. Implementations must guarantee the read-compare-write sequence on
// entity versions is atomic across the whole transaction.
type StoreTxn interface {
	// Entity returns the current row by id, or nil if it does not exist or
	// has been soft-deleted.
	Entity(id string) (*internal.Entity, error)
	InsertEntity(e *internal.Entity) error
	// UpdateEntity writes e's data/version/last-modified fields over the
	// existing row.
	UpdateEntity(e *internal.Entity) error
	SoftDeleteEntity(id, actor string, at time.Time) error
	// EntitiesModifiedAfter returns team-scoped rows of the family whose
	// last-modified timestamp is strictly greater than after, oldest first,
	// capped at limit.
	EntitiesModifiedAfter(family internal.EntityFamily, teamID string, after time.Time, limit int) ([]internal.Entity, error)
	// CountEntities reports row count and approximate payload bytes for a
	// team, used to estimate bootstrap package sizes.
	CountEntities(teamID string) (int, int64, error)

	Device(userID, deviceID string) (*internal.DeviceSyncState, error)
	// DeviceByID looks a device up without knowing the owning user; used by
	// the status endpoint.
	DeviceByID(deviceID string) (*internal.DeviceSyncState, error)
	UpsertDevice(d *internal.DeviceSyncState) error
	AppendAudit(a *internal.SyncAudit) error
}

// Store is the persistence boundary of the engine: one transactional
// read-modify-write scope per call.
type Store interface {
	WithTransaction(ctx context.Context, fn func(txn StoreTxn) error) error
}

// UploadURLSource hands out destinations for media blobs. The media storage
// service itself is an external collaborator.
type UploadURLSource interface {
	UploadURL(entityID, contentType string) (string, error)
}

// StaticUploadSource derives destinations from a fixed base URL. Suitable for
// a single bucket/endpoint deployment.
type StaticUploadSource struct {
	BaseURL string
}

func (s StaticUploadSource) UploadURL(entityID, contentType string) (string, error) {
	return s.BaseURL + "/" + entityID, nil
}
