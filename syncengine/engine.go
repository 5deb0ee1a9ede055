package syncengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/slices"

	"github.com/fieldline/fieldsync/internal"
	"github.com/fieldline/fieldsync/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultPageSize caps server->client changes per entity family per sync call.
const DefaultPageSize = 200

// errStaleCursor aborts the sync transaction before any writes; the failure
// is recorded against the device in a follow-up transaction.
var errStaleCursor = errors.New("stale sync cursor")

// Engine applies batches of client changes with per-entity optimistic
// concurrency and computes the changes the client must pull. One Engine
// serves all devices; concurrent calls from different devices proceed
// independently, calls from the same device are serialized by the cursor
// check.
type Engine struct {
	store    Store
	uploads  UploadURLSource
	notifier pubsub.Notifier
	pageSize int
}

func NewEngine(store Store, uploads UploadURLSource, notifier pubsub.Notifier) *Engine {
	return &Engine{
		store:    store,
		uploads:  uploads,
		notifier: notifier,
		pageSize: DefaultPageSize,
	}
}

// SetPageSize overrides the per-family pull cap. Values <= 0 are ignored.
func (e *Engine) SetPageSize(n int) {
	if n > 0 {
		e.pageSize = n
	}
}

// Sync executes one delta sync call as a single atomic unit of work.
//
// Business-rule failures inside the batch (missing entity, unsupported
// operation) are counted per change and do not abort sibling changes.
// Storage failures abort the whole transaction. A cursor mismatch aborts
// before any writes.
func (e *Engine) Sync(ctx context.Context, req *Request) (*Response, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = ServerWins
	}
	if !strategy.Valid() {
		return nil, internal.ValidationError("unknown conflict resolution strategy %q", req.Strategy)
	}
	internal.SetRequestContextIdentity(ctx, req.UserID, req.DeviceID)

	if err := CheckCursorDevice(req.Cursor, req.DeviceID); err != nil {
		e.recordFailure(ctx, req.UserID, req.DeviceID)
		return nil, internal.StaleCursorError("%s", err)
	}

	now := time.Now().UTC()
	var resp *Response
	var changed []*pubsub.EntityChanged
	err := e.store.WithTransaction(ctx, func(txn StoreTxn) error {
		dev, err := txn.Device(req.UserID, req.DeviceID)
		if err != nil {
			return err
		}
		if dev == nil || !dev.Active {
			return internal.NotFoundError("device %s is not initialized for sync", req.DeviceID)
		}
		if dev.Cursor != req.Cursor {
			return errStaleCursor
		}

		resp = &Response{
			Conflicts:      []ConflictRecord{},
			ServerChanges:  make(map[internal.EntityFamily][]internal.Entity),
			Summary:        make(map[internal.EntityFamily]*FamilySummary),
			PendingUploads: []PendingUpload{},
		}

		// group by family but keep each family's changes in request order so
		// resolution is deterministic and independent of batch layout.
		byFamily := make(map[internal.EntityFamily][]ClientChange)
		for _, c := range req.Changes {
			byFamily[c.Family] = append(byFamily[c.Family], c)
		}

		applied, failed := 0, 0
		for _, fam := range internal.EntityFamilies {
			changes := byFamily[fam]
			delete(byFamily, fam)
			if len(changes) == 0 {
				continue
			}
			sum := &FamilySummary{}
			resp.Summary[fam] = sum
			for _, change := range changes {
				out, err := e.applyChange(txn, change, dev, strategy, now)
				if err != nil {
					return err
				}
				if out.conflict != nil {
					resp.Conflicts = append(resp.Conflicts, *out.conflict)
					dev.ConflictTotal++
				}
				if out.pending != nil {
					resp.PendingUploads = append(resp.PendingUploads, *out.pending)
					dev.PendingUploadCount++
					dev.PendingUploadBytes += out.pending.SizeBytes
				}
				switch {
				case out.applied:
					sum.Applied++
					applied++
					internal.Assert("applied change carries the stored entity", out.entity != nil)
					if out.entity != nil {
						changed = append(changed, &pubsub.EntityChanged{
							Family:   out.entity.Family,
							EntityID: out.entity.ID,
							TeamID:   out.entity.TeamID,
							Version:  out.entity.Version,
						})
					}
				case out.conflict == nil:
					sum.Failed++
					failed++
					if out.reason != "" {
						sum.Reasons = append(sum.Reasons, out.reason)
					}
				}
			}
		}
		// changes for families we do not know cannot be reconciled at all
		unknown := internal.Keys(byFamily)
		slices.Sort(unknown)
		for _, fam := range unknown {
			changes := byFamily[fam]
			resp.Summary[fam] = &FamilySummary{
				Failed:  len(changes),
				Reasons: []string{fmt.Sprintf("unknown entity family %q", fam)},
			}
			failed += len(changes)
		}

		// server->client changes: everything in the caller's team scope
		// modified strictly after the device's previous successful sync.
		// Minimal polling: back-to-back updates between two calls coalesce
		// into one state.
		var since time.Time
		if dev.LastSuccessAt != nil {
			since = *dev.LastSuccessAt
		}
		pulled := 0
		for _, fam := range internal.EntityFamilies {
			rows, err := txn.EntitiesModifiedAfter(fam, dev.TeamID, since, e.pageSize)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				continue
			}
			slices.SortFunc(rows, func(a, b internal.Entity) int {
				if !a.LastModified.Equal(b.LastModified) {
					if a.LastModified.Before(b.LastModified) {
						return -1
					}
					return 1
				}
				if a.ID < b.ID {
					return -1
				} else if a.ID > b.ID {
					return 1
				}
				return 0
			})
			resp.ServerChanges[fam] = rows
			pulled += len(rows)
		}

		resp.Cursor = MintCursor(req.DeviceID, now.Unix())
		dev.Cursor = resp.Cursor
		dev.LastSyncAt = &now
		dev.LastSuccessAt = &now
		dev.ConsecutiveFailures = 0
		if err := txn.UpsertDevice(dev); err != nil {
			return err
		}
		if err := txn.AppendAudit(&internal.SyncAudit{
			DeviceID:  req.DeviceID,
			UserID:    req.UserID,
			SyncedAt:  now,
			Applied:   applied,
			Failed:    failed,
			Conflicts: len(resp.Conflicts),
			Pulled:    pulled,
		}); err != nil {
			return err
		}
		internal.SetRequestContextSyncInfo(ctx, applied, failed, len(resp.Conflicts), pulled)
		return nil
	})
	if err != nil {
		if errors.Is(err, errStaleCursor) {
			e.recordFailure(ctx, req.UserID, req.DeviceID)
			return nil, internal.StaleCursorError("sync cursor is stale for device %s: refresh and retry", req.DeviceID)
		}
		return nil, err
	}

	if e.notifier != nil {
		for _, c := range changed {
			if err := e.notifier.Notify(pubsub.ChanChanges, c); err != nil {
				logger.Warn().Err(err).Msg("failed to publish entity change")
			}
		}
		audit := &pubsub.SyncCompleted{
			DeviceID:  req.DeviceID,
			UserID:    req.UserID,
			Conflicts: len(resp.Conflicts),
		}
		for _, sum := range resp.Summary {
			audit.Applied += sum.Applied
			audit.Failed += sum.Failed
		}
		if err := e.notifier.Notify(pubsub.ChanSync, audit); err != nil {
			logger.Warn().Err(err).Msg("failed to publish sync completion")
		}
	}
	return resp, nil
}

// changeOutcome is the per-change result inside a batch.
type changeOutcome struct {
	applied bool
	reason  string
	// entity is the row as written, set when applied.
	entity   *internal.Entity
	conflict *ConflictRecord
	pending  *PendingUpload
}

func (e *Engine) applyChange(txn StoreTxn, change ClientChange, dev *internal.DeviceSyncState, strategy Strategy, now time.Time) (*changeOutcome, error) {
	switch change.Operation {
	case OpCreate:
		return e.applyCreate(txn, change, dev, now)
	case OpUpdate:
		return e.applyUpdate(txn, change, dev, strategy, now)
	case OpDelete:
		return e.applyDelete(txn, change, dev, now)
	default:
		return &changeOutcome{reason: fmt.Sprintf("unknown operation %q", change.Operation)}, nil
	}
}

func (e *Engine) applyCreate(txn StoreTxn, change ClientChange, dev *internal.DeviceSyncState, now time.Time) (*changeOutcome, error) {
	id := change.EntityID
	if id == "" {
		id = internal.NewID()
	} else if existing, err := txn.Entity(id); err != nil {
		return nil, err
	} else if existing != nil {
		return &changeOutcome{reason: fmt.Sprintf("entity %s already exists", id)}, nil
	}
	entity := &internal.Entity{
		ID:             id,
		Family:         change.Family,
		TeamID:         dev.TeamID,
		Version:        1,
		Data:           change.Data,
		LastModified:   now,
		LastModifiedBy: dev.UserID,
	}
	if err := txn.InsertEntity(entity); err != nil {
		return nil, err
	}
	out := &changeOutcome{applied: true, entity: entity}
	if change.Family == internal.FamilyMediaRef {
		pu, err := e.pendingUpload(entity)
		if err != nil {
			return nil, err
		}
		out.pending = pu
	}
	return out, nil
}

func (e *Engine) applyUpdate(txn StoreTxn, change ClientChange, dev *internal.DeviceSyncState, strategy Strategy, now time.Time) (*changeOutcome, error) {
	switch change.Family {
	case internal.FamilyTimeEntry, internal.FamilyMediaRef:
		return &changeOutcome{reason: fmt.Sprintf("%s entities are append-only", change.Family)}, nil
	}
	if change.EntityID == "" {
		return &changeOutcome{reason: "update without entity id"}, nil
	}
	server, err := txn.Entity(change.EntityID)
	if err != nil {
		return nil, err
	}
	if server == nil {
		// nothing to reconcile against: a failure, not a conflict
		return &changeOutcome{reason: fmt.Sprintf("entity %s no longer exists", change.EntityID)}, nil
	}

	if change.Version >= server.Version {
		server.Data = change.Data
		server.Version++
		server.LastModified = now
		server.LastModifiedBy = dev.UserID
		if err := txn.UpdateEntity(server); err != nil {
			return nil, err
		}
		return &changeOutcome{applied: true, entity: server}, nil
	}

	res := resolveConflict(strategy, change, server)
	record := &ConflictRecord{
		EntityID:      server.ID,
		Family:        server.Family,
		ClientVersion: change.Version,
		ServerVersion: server.Version,
		ClientData:    change.Data,
		ServerData:    server.Data,
		Strategy:      strategy,
		Winner:        res.winner,
		Resolved:      res.data,
	}
	if !res.apply {
		// deliberate no-op from the writer's perspective: server value stands,
		// version unchanged.
		return &changeOutcome{conflict: record}, nil
	}
	server.Data = res.data
	server.Version++
	server.LastModified = now
	server.LastModifiedBy = dev.UserID
	if err := txn.UpdateEntity(server); err != nil {
		return nil, err
	}
	record.Resolved = server.Data
	return &changeOutcome{applied: true, entity: server, conflict: record}, nil
}

func (e *Engine) applyDelete(txn StoreTxn, change ClientChange, dev *internal.DeviceSyncState, now time.Time) (*changeOutcome, error) {
	if change.Family != internal.FamilyTaskUpdate {
		return &changeOutcome{reason: fmt.Sprintf("%s entities do not support client-initiated delete", change.Family)}, nil
	}
	if change.EntityID == "" {
		return &changeOutcome{reason: "delete without entity id"}, nil
	}
	server, err := txn.Entity(change.EntityID)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return &changeOutcome{reason: fmt.Sprintf("entity %s no longer exists", change.EntityID)}, nil
	}
	if err := txn.SoftDeleteEntity(server.ID, dev.UserID, now); err != nil {
		return nil, err
	}
	server.Deleted = true
	server.Version++
	server.LastModified = now
	server.LastModifiedBy = dev.UserID
	return &changeOutcome{applied: true, entity: server}, nil
}

// pendingUpload converts an applied media reference into an upload
// destination plus priority; the blob is never stored inline.
func (e *Engine) pendingUpload(entity *internal.Entity) (*PendingUpload, error) {
	parsed := gjson.ParseBytes(entity.Data)
	contentType := parsed.Get("contentType").Str
	dest, err := e.uploads.UploadURL(entity.ID, contentType)
	if err != nil {
		return nil, fmt.Errorf("pendingUpload %s: %w", entity.ID, err)
	}
	priority := 5
	if p := parsed.Get("priority"); p.Exists() {
		priority = int(p.Int())
	}
	return &PendingUpload{
		EntityID:    entity.ID,
		Destination: dest,
		Priority:    priority,
		SizeBytes:   parsed.Get("sizeBytes").Int(),
	}, nil
}

// recordFailure bumps the device's consecutive-failure count in its own
// transaction; the sync transaction itself has already been rolled back.
func (e *Engine) recordFailure(ctx context.Context, userID, deviceID string) {
	now := time.Now().UTC()
	err := e.store.WithTransaction(ctx, func(txn StoreTxn) error {
		dev, err := txn.Device(userID, deviceID)
		if err != nil || dev == nil {
			return err
		}
		dev.ConsecutiveFailures++
		dev.LastSyncAt = &now
		return txn.UpsertDevice(dev)
	})
	if err != nil {
		logger.Warn().Err(err).Str("device", deviceID).Msg("failed to record sync failure")
	}
}
