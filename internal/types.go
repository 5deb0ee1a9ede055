package internal

import (
	"encoding/json"
	"time"
)

// EntityFamily groups syncable entities which share apply semantics. Time
// entries and media references are append-only; job records and task updates
// are versioned read-modify-write.
type EntityFamily string

const (
	FamilyJob        EntityFamily = "job"
	FamilyTimeEntry  EntityFamily = "time_entry"
	FamilyTaskUpdate EntityFamily = "task_update"
	FamilyMediaRef   EntityFamily = "media_ref"
)

// EntityFamilies lists all families in their fixed processing order.
var EntityFamilies = []EntityFamily{FamilyJob, FamilyTimeEntry, FamilyTaskUpdate, FamilyMediaRef}

// Entity is a versioned syncable row. Version is the sole concurrency token:
// it is compared, never merged, and increments by exactly 1 on every accepted
// write regardless of which side of a conflict won.
type Entity struct {
	ID             string          `db:"entity_id" json:"id"`
	Family         EntityFamily    `db:"family" json:"family"`
	TeamID         string          `db:"team_id" json:"teamId"`
	Version        int64           `db:"version" json:"version"`
	Data           json.RawMessage `db:"data" json:"data"`
	Deleted        bool            `db:"deleted" json:"deleted,omitempty"`
	LastModified   time.Time       `db:"last_modified" json:"lastModified"`
	LastModifiedBy string          `db:"last_modified_by" json:"lastModifiedBy"`
}

// CompletionStatus classifies how a work session ended.
type CompletionStatus string

const (
	StatusCompleted          CompletionStatus = "COMPLETED"
	StatusIncomplete         CompletionStatus = "INCOMPLETE"
	StatusPartiallyCompleted CompletionStatus = "PARTIALLY_COMPLETED"
	StatusCancelled          CompletionStatus = "CANCELLED"
	StatusRequiresFollowup   CompletionStatus = "REQUIRES_FOLLOWUP"
)

// JobState is the lifecycle of the job record a session executes against.
type JobState string

const (
	JobScheduled  JobState = "SCHEDULED"
	JobInProgress JobState = "IN_PROGRESS"
	JobCompleted  JobState = "COMPLETED"
	JobCancelled  JobState = "CANCELLED"
)

// Terminal reports whether no further session transitions are accepted.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// WorkSession is one check-in/check-out cycle. Created by check-in, mutated
// only by the paired check-out, immutable thereafter.
type WorkSession struct {
	ID              string           `db:"session_id" json:"id"`
	JobID           string           `db:"job_id" json:"jobId"`
	WorkerID        string           `db:"worker_id" json:"workerId"`
	TeamID          string           `db:"team_id" json:"teamId"`
	CheckInAt       time.Time        `db:"checkin_at" json:"checkInAt"`
	CheckInLat      float64          `db:"checkin_lat" json:"checkInLat"`
	CheckInLng      float64          `db:"checkin_lng" json:"checkInLng"`
	CheckInAccuracy *float64         `db:"checkin_accuracy" json:"checkInAccuracy,omitempty"`
	CheckOutAt      *time.Time       `db:"checkout_at" json:"checkOutAt,omitempty"`
	CheckOutLat     *float64         `db:"checkout_lat" json:"checkOutLat,omitempty"`
	CheckOutLng     *float64         `db:"checkout_lng" json:"checkOutLng,omitempty"`
	BreakMinutes    int              `db:"break_minutes" json:"breakMinutes"`
	TravelMinutes   int              `db:"travel_minutes" json:"travelMinutes"`
	Status          CompletionStatus `db:"status" json:"status,omitempty"`
	Notes           string           `db:"notes" json:"notes,omitempty"`
	WorkSummary     string           `db:"work_summary" json:"workSummary,omitempty"`
	// Duration holds the persisted duration.Result breakdown as JSON.
	Duration json.RawMessage `db:"duration" json:"duration,omitempty"`
}

// DeviceHealth is a reporting signal only; it never blocks sync.
type DeviceHealth string

const (
	HealthHealthy   DeviceHealth = "healthy"
	HealthDegraded  DeviceHealth = "degraded"
	HealthUnhealthy DeviceHealth = "unhealthy"
)

// HealthForFailures classifies a consecutive-failure count.
func HealthForFailures(n int) DeviceHealth {
	switch {
	case n == 0:
		return HealthHealthy
	case n <= 2:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// DeviceSyncState is the one shared mutable row contended across sync calls
// for a device. The cursor advances only on successful sync.
type DeviceSyncState struct {
	UserID              string     `db:"user_id" json:"userId"`
	DeviceID            string     `db:"device_id" json:"deviceId"`
	TeamID              string     `db:"team_id" json:"teamId"`
	Cursor              string     `db:"sync_cursor" json:"cursor"`
	LastSyncAt          *time.Time `db:"last_sync_at" json:"lastSyncAt,omitempty"`
	LastSuccessAt       *time.Time `db:"last_success_at" json:"lastSuccessfulSyncAt,omitempty"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutiveFailures"`
	PendingUploadCount  int        `db:"pending_upload_count" json:"pendingUploadCount"`
	PendingUploadBytes  int64      `db:"pending_upload_bytes" json:"pendingUploadBytes"`
	ConflictTotal       int64      `db:"conflict_total" json:"conflictTotal"`
	Active              bool       `db:"active" json:"active"`
}

// Health classifies the device from its failure count.
func (d *DeviceSyncState) Health() DeviceHealth {
	return HealthForFailures(d.ConsecutiveFailures)
}

// SyncAudit records one sync call, counts only.
type SyncAudit struct {
	DeviceID  string    `db:"device_id"`
	UserID    string    `db:"user_id"`
	SyncedAt  time.Time `db:"synced_at"`
	Applied   int       `db:"applied"`
	Failed    int       `db:"failed"`
	Conflicts int       `db:"conflicts"`
	Pulled    int       `db:"pulled"`
}
