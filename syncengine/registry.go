package syncengine

import (
	"context"
	"time"

	"github.com/fieldline/fieldsync/internal"
)

// Registry tracks per-device sync cursors, health and pending-upload
// accounting. It owns the device row; nothing else mutates it. Health is a
// reporting signal only and never blocks sync.
type Registry struct {
	store    Store
	pageSize int
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store, pageSize: DefaultPageSize}
}

// Init creates the device row idempotently. Re-initializing an existing
// device rotates its cursor and reactivates it rather than erroring; any
// in-flight batch holding the old cursor becomes stale.
func (r *Registry) Init(ctx context.Context, userID, deviceID, teamID string) (*internal.DeviceSyncState, error) {
	if deviceID == "" || userID == "" {
		return nil, internal.ValidationError("device id and user id are required")
	}
	now := time.Now().UTC()
	var dev *internal.DeviceSyncState
	err := r.store.WithTransaction(ctx, func(txn StoreTxn) error {
		existing, err := txn.Device(userID, deviceID)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.Cursor = MintCursor(deviceID, now.Unix())
			existing.Active = true
			existing.ConsecutiveFailures = 0
			if teamID != "" {
				existing.TeamID = teamID
			}
			dev = existing
			return txn.UpsertDevice(existing)
		}
		dev = &internal.DeviceSyncState{
			UserID:   userID,
			DeviceID: deviceID,
			TeamID:   teamID,
			Cursor:   MintCursor(deviceID, now.Unix()),
			Active:   true,
		}
		return txn.UpsertDevice(dev)
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// Status is the device-facing sync health report.
type Status struct {
	DeviceID             string                `json:"deviceId"`
	Cursor               string                `json:"cursor"`
	LastSyncAt           *time.Time            `json:"lastSyncAt,omitempty"`
	LastSuccessfulSyncAt *time.Time            `json:"lastSuccessfulSyncAt,omitempty"`
	PendingUploadCount   int                   `json:"pendingUploadCount"`
	PendingUploadBytes   int64                 `json:"pendingUploadBytes"`
	PendingDownloadCount int                   `json:"pendingDownloadCount"`
	ConflictTotal        int64                 `json:"conflictTotal"`
	ConsecutiveFailures  int                   `json:"consecutiveFailures"`
	Health               internal.DeviceHealth `json:"health"`
}

// Status reports cursor, last sync time, pending upload/download counts,
// conflict count and health classification for a device.
func (r *Registry) Status(ctx context.Context, deviceID string) (*Status, error) {
	var status *Status
	err := r.store.WithTransaction(ctx, func(txn StoreTxn) error {
		dev, err := txn.DeviceByID(deviceID)
		if err != nil {
			return err
		}
		if dev == nil {
			return internal.NotFoundError("device %s is not registered", deviceID)
		}
		var since time.Time
		if dev.LastSuccessAt != nil {
			since = *dev.LastSuccessAt
		}
		pendingDown := 0
		for _, fam := range internal.EntityFamilies {
			rows, err := txn.EntitiesModifiedAfter(fam, dev.TeamID, since, r.pageSize)
			if err != nil {
				return err
			}
			pendingDown += len(rows)
		}
		status = &Status{
			DeviceID:             dev.DeviceID,
			Cursor:               dev.Cursor,
			LastSyncAt:           dev.LastSyncAt,
			LastSuccessfulSyncAt: dev.LastSuccessAt,
			PendingUploadCount:   dev.PendingUploadCount,
			PendingUploadBytes:   dev.PendingUploadBytes,
			PendingDownloadCount: pendingDown,
			ConflictTotal:        dev.ConflictTotal,
			ConsecutiveFailures:  dev.ConsecutiveFailures,
			Health:               dev.Health(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}
