package pubsub

import "github.com/fieldline/fieldsync/internal"

// ChanChanges carries entity write notifications.
const ChanChanges = "changes"

// ChanSync carries per-call sync completion notifications.
const ChanSync = "sync"

// EntityChanged is published after any accepted write to a versioned entity,
// whether it came from a live check-in/out or from a sync batch.
type EntityChanged struct {
	Family   internal.EntityFamily
	EntityID string
	TeamID   string
	Version  int64
}

func (*EntityChanged) Type() string { return "entity_changed" }

// SyncCompleted is published after a sync call commits.
type SyncCompleted struct {
	DeviceID  string
	UserID    string
	Applied   int
	Failed    int
	Conflicts int
	Pulled    int
}

func (*SyncCompleted) Type() string { return "sync_completed" }
