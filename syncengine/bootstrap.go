package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/fieldline/fieldsync/internal"
)

// packageTTL is how long a bootstrap package descriptor stays claimable.
const packageTTL = 15 * time.Minute

// InitSyncRequest asks for a bulk bootstrap package: the full-state download
// path a freshly installed device takes before switching to incremental delta
// sync.
type InitSyncRequest struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	TeamID   string `json:"teamId"`
	// DateRangeDays limits how far back job history goes; 0 means no limit.
	DateRangeDays int `json:"dateRangeDays,omitempty"`
	// MaxAttachments caps media references included in the package.
	MaxAttachments int `json:"maxAttachments,omitempty"`
}

// InitSyncResponse carries the package identity, the device's initial cursor
// and a download reference.
type InitSyncResponse struct {
	PackageID      string `json:"packageId"`
	Cursor         string `json:"syncCursor"`
	EntityCount    int    `json:"entityCount"`
	EstimatedBytes int64  `json:"estimatedBytes"`
	DownloadPath   string `json:"downloadPath"`
}

// PackageDescriptor is the claimable bootstrap package. Held in memory only:
// an expired package is simply re-requested.
type PackageDescriptor struct {
	PackageID      string
	UserID         string
	DeviceID       string
	TeamID         string
	DateRangeDays  int
	MaxAttachments int
	CreatedAt      time.Time
}

// bootstrapFamilyLimit caps rows per entity family in one package. Bootstrap
// is bulk by design but not unbounded; anything past this arrives via delta
// sync.
const bootstrapFamilyLimit = 10000

// Bootstrapper assembles bulk-bootstrap packages. Distinct from incremental
// delta sync: it rotates the device cursor via the registry, so any previous
// incremental state is abandoned.
type Bootstrapper struct {
	store    Store
	registry *Registry
	packages *ttlcache.Cache[string, *PackageDescriptor]
	// loaders bounds concurrent package assembly DB work across all in-flight
	// downloads.
	loaders *internal.WorkerPool
}

func NewBootstrapper(store Store, registry *Registry) *Bootstrapper {
	cache := ttlcache.New[string, *PackageDescriptor](
		ttlcache.WithTTL[string, *PackageDescriptor](packageTTL),
	)
	go cache.Start()
	pool := internal.NewWorkerPool(len(internal.EntityFamilies))
	pool.Start()
	return &Bootstrapper{
		store:    store,
		registry: registry,
		packages: cache,
		loaders:  pool,
	}
}

// Initialize registers (or re-registers) the device and returns a package
// reference plus the initial cursor.
func (b *Bootstrapper) Initialize(ctx context.Context, req *InitSyncRequest) (*InitSyncResponse, error) {
	dev, err := b.registry.Init(ctx, req.UserID, req.DeviceID, req.TeamID)
	if err != nil {
		return nil, err
	}

	var count int
	var bytes int64
	err = b.store.WithTransaction(ctx, func(txn StoreTxn) error {
		count, bytes, err = txn.CountEntities(dev.TeamID)
		return err
	})
	if err != nil {
		return nil, err
	}

	pkg := &PackageDescriptor{
		PackageID:      internal.NewID(),
		UserID:         req.UserID,
		DeviceID:       req.DeviceID,
		TeamID:         dev.TeamID,
		DateRangeDays:  req.DateRangeDays,
		MaxAttachments: req.MaxAttachments,
		CreatedAt:      time.Now().UTC(),
	}
	b.packages.Set(pkg.PackageID, pkg, ttlcache.DefaultTTL)

	return &InitSyncResponse{
		PackageID:      pkg.PackageID,
		Cursor:         dev.Cursor,
		EntityCount:    count,
		EstimatedBytes: bytes,
		DownloadPath:   "/api/v1/sync/bootstrap/" + pkg.PackageID,
	}, nil
}

// Package returns a previously issued descriptor, or nil if it expired.
func (b *Bootstrapper) Package(packageID string) *PackageDescriptor {
	item := b.packages.Get(packageID)
	if item == nil {
		return nil
	}
	return item.Value()
}

// PackagePayload is the downloadable body of a bootstrap package: the full
// team-scoped state grouped by family.
type PackagePayload struct {
	PackageID   string                                      `json:"packageId"`
	TeamID      string                                      `json:"teamId"`
	Entities    map[internal.EntityFamily][]internal.Entity `json:"entities"`
	EntityCount int                                         `json:"entityCount"`
	GeneratedAt time.Time                                   `json:"generatedAt"`
}

// Assemble loads the package body. Families load concurrently, one
// transaction each, bounded by the shared loader pool; the package is a fuzzy
// snapshot and the first delta sync reconciles anything that moved during
// assembly. DateRangeDays and MaxAttachments from the init request trim job
// history and media references respectively.
func (b *Bootstrapper) Assemble(ctx context.Context, pkg *PackageDescriptor) (*PackagePayload, error) {
	var cutoff time.Time
	if pkg.DateRangeDays > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -pkg.DateRangeDays)
	}

	payload := &PackagePayload{
		PackageID:   pkg.PackageID,
		TeamID:      pkg.TeamID,
		Entities:    make(map[internal.EntityFamily][]internal.Entity),
		GeneratedAt: time.Now().UTC(),
	}
	var mu sync.Mutex
	var firstErr error
	var wg sync.WaitGroup
	for _, fam := range internal.EntityFamilies {
		fam := fam
		limit := bootstrapFamilyLimit
		if fam == internal.FamilyMediaRef && pkg.MaxAttachments > 0 && pkg.MaxAttachments < limit {
			limit = pkg.MaxAttachments
		}
		wg.Add(1)
		b.loaders.Queue(func() {
			defer wg.Done()
			var rows []internal.Entity
			err := b.store.WithTransaction(ctx, func(txn StoreTxn) error {
				var err error
				rows, err = txn.EntitiesModifiedAfter(fam, pkg.TeamID, cutoff, limit)
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			if len(rows) > 0 {
				payload.Entities[fam] = rows
				payload.EntityCount += len(rows)
			}
		})
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	return payload, nil
}

// Close stops the package cache's expiry loop and the loader pool.
func (b *Bootstrapper) Close() {
	b.packages.Stop()
	b.loaders.Stop()
}
