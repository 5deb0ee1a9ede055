// Package session orchestrates check-in -> in-progress -> check-out
// transitions for a single unit of work, gluing the geofence validator and
// duration calculator to the persistence layer.
package session

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/fieldline/fieldsync/duration"
	"github.com/fieldline/fieldsync/geo"
	"github.com/fieldline/fieldsync/internal"
	"github.com/fieldline/fieldsync/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// jobCacheTTL bounds staleness of the cached job projection used for
// geofencing. Writes through the manager invalidate eagerly; this TTL only
// covers writes arriving via sync.
const jobCacheTTL = time.Minute

// Store is the persistence boundary of the session manager. Implementations
// must make each write method one atomic unit: the session row and the job's
// versioned state transition commit or roll back together.
type Store interface {
	// Job returns the job projection or nil if no such job exists.
	Job(ctx context.Context, jobID string) (*internal.Job, error)
	// OpenSession returns the job's checked-in-but-not-out session, or nil.
	OpenSession(ctx context.Context, jobID string) (*internal.WorkSession, error)
	// CreateCheckIn inserts the session and advances the job to IN_PROGRESS,
	// incrementing the job entity's version from job.Version.
	CreateCheckIn(ctx context.Context, ws *internal.WorkSession, job *internal.Job) error
	// CompleteCheckOut writes the check-out fields onto the session row and
	// transitions the job to next, incrementing the job entity's version.
	// Fails if the session was already checked out.
	CompleteCheckOut(ctx context.Context, ws *internal.WorkSession, next internal.JobState, job *internal.Job) error
}

// CheckInRequest is the mobile client's check-in call.
type CheckInRequest struct {
	JobID     string    `json:"jobId"`
	TeamID    string    `json:"teamId"`
	WorkerID  string    `json:"workerId"`
	ActorID   string    `json:"actorId"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// Material is an installed part recorded at check-out.
type Material struct {
	Name         string `json:"name"`
	Quantity     int    `json:"quantity"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// CheckOutRequest is the mobile client's check-out call.
type CheckOutRequest struct {
	JobID         string                    `json:"jobId"`
	ActorID       string                    `json:"actorId"`
	Timestamp     time.Time                 `json:"timestamp"`
	Lat           *float64                  `json:"lat,omitempty"`
	Lng           *float64                  `json:"lng,omitempty"`
	BreakMinutes  int                       `json:"breakMinutes,omitempty"`
	TravelMinutes int                       `json:"travelMinutes,omitempty"`
	// DurationOverrideMinutes replaces the computed billable minutes; the
	// elapsed clock time is unchanged.
	DurationOverrideMinutes *int                      `json:"durationOverrideMinutes,omitempty"`
	Status                  internal.CompletionStatus `json:"status"`
	WorkSummary             string                    `json:"workSummary,omitempty"`
	Materials               []Material                `json:"materials,omitempty"`
	CustomerSignature       string                    `json:"customerSignature,omitempty"`
	Notes                   string                    `json:"notes,omitempty"`
	Issues                  string                    `json:"issues,omitempty"`
}

// Manager is the execution session state machine for jobs.
type Manager struct {
	store    Store
	notifier pubsub.Notifier
	geofence geo.Config
	overtime duration.OvertimeConfig
	jobs     *ttlcache.Cache[string, *internal.Job]
	now      func() time.Time
}

func NewManager(store Store, notifier pubsub.Notifier, geofence geo.Config, overtime duration.OvertimeConfig) *Manager {
	cache := ttlcache.New[string, *internal.Job](
		ttlcache.WithTTL[string, *internal.Job](jobCacheTTL),
	)
	go cache.Start()
	return &Manager{
		store:    store,
		notifier: notifier,
		geofence: geofence,
		overtime: overtime,
		jobs:     cache,
		now:      time.Now,
	}
}

// SetClock overrides the reference clock. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Close stops the job cache's expiry loop.
func (m *Manager) Close() {
	m.jobs.Stop()
}

func (m *Manager) job(ctx context.Context, jobID string) (*internal.Job, error) {
	if item := m.jobs.Get(jobID); item != nil {
		return item.Value(), nil
	}
	job, err := m.store.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job != nil {
		m.jobs.Set(jobID, job, ttlcache.DefaultTTL)
	}
	return job, nil
}

// CheckIn validates physical plausibility of the reported position and, on
// acceptance, persists the check-in and advances the job to IN_PROGRESS.
//
// A job with no target location allows the check-in: validation cannot be
// performed, which is not the same as having failed. A geofence rejection
// with escalation is a hard 403; without escalation it is a 400 asking the
// caller to resubmit with justification or a closer position.
func (m *Manager) CheckIn(ctx context.Context, req *CheckInRequest) (*internal.WorkSession, error) {
	if req.JobID == "" || req.WorkerID == "" {
		return nil, internal.ValidationError("job id and worker id are required")
	}
	internal.SetRequestContextJobID(ctx, req.JobID)
	now := m.now().UTC()
	checkInAt := req.Timestamp
	if checkInAt.IsZero() {
		checkInAt = now
	}
	if checkInAt.After(now.Add(5 * time.Minute)) {
		return nil, internal.ValidationError("check-in timestamp is in the future")
	}

	job, err := m.job(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, internal.NotFoundError("job %s not found", req.JobID)
	}
	if job.State.Terminal() {
		return nil, internal.ValidationError("job %s is already %s", job.ID, job.State)
	}
	open, err := m.store.OpenSession(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, internal.ValidationError("job %s already has an open session", req.JobID)
	}

	if job.Location == nil {
		logger.Warn().Str("job", job.ID).Msg("job has no target location, skipping geofence validation")
	} else {
		res := geo.ValidatePolygon(geo.Point{Lat: req.Lat, Lng: req.Lng}, *job.Location, job.ServiceArea, req.Accuracy, m.geofence)
		if !res.Accepted {
			if res.Escalate {
				return nil, internal.EscalationError("%s", res.Reason)
			}
			return nil, internal.ValidationError("%s", res.Reason)
		}
	}

	ws := &internal.WorkSession{
		ID:              internal.NewID(),
		JobID:           req.JobID,
		WorkerID:        req.WorkerID,
		TeamID:          req.TeamID,
		CheckInAt:       checkInAt,
		CheckInLat:      req.Lat,
		CheckInLng:      req.Lng,
		CheckInAccuracy: req.Accuracy,
		Notes:           req.Notes,
	}
	if ws.TeamID == "" {
		ws.TeamID = job.TeamID
	}
	if err := m.store.CreateCheckIn(ctx, ws, job); err != nil {
		return nil, err
	}
	m.jobs.Delete(job.ID)
	m.notifyJob(job, job.Version+1)
	logger.Info().Str("job", job.ID).Str("worker", req.WorkerID).Msg("checked in")
	return ws, nil
}

// CheckOut closes (or reopens) the job per its completion classification and
// returns the persisted session plus the duration breakdown.
func (m *Manager) CheckOut(ctx context.Context, req *CheckOutRequest) (*internal.WorkSession, *duration.Result, error) {
	if req.JobID == "" {
		return nil, nil, internal.ValidationError("job id is required")
	}
	internal.SetRequestContextJobID(ctx, req.JobID)
	now := m.now().UTC()

	open, err := m.store.OpenSession(ctx, req.JobID)
	if err != nil {
		return nil, nil, err
	}
	if open == nil {
		return nil, nil, internal.ValidationError("cannot check out of job %s without a check-in", req.JobID)
	}
	job, err := m.job(ctx, req.JobID)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, internal.NotFoundError("job %s not found", req.JobID)
	}
	if job.State.Terminal() {
		return nil, nil, internal.ValidationError("job %s is already %s", job.ID, job.State)
	}

	outcome, ok := completionTransitions[req.Status]
	if !ok {
		return nil, nil, internal.ValidationError("unknown completion classification %q", req.Status)
	}
	if needsExplanation[req.Status] && req.Notes == "" && req.Issues == "" {
		return nil, nil, internal.ValidationError("completion status %s requires notes or issues explaining why", req.Status)
	}

	checkOutAt := req.Timestamp
	if checkOutAt.IsZero() {
		checkOutAt = now
	}
	timing := duration.ValidateTiming(open.CheckInAt, checkOutAt, req.BreakMinutes, req.TravelMinutes, now)
	if !timing.Valid {
		return nil, nil, internal.ValidationError("invalid timing: %s", strings.Join(timing.Errors, "; "))
	}

	computeBreak := req.BreakMinutes
	overridden := false
	if req.DurationOverrideMinutes != nil {
		override := *req.DurationOverrideMinutes
		total := checkOutAt.Sub(open.CheckInAt).Minutes()
		if override < 0 || float64(override) > total {
			return nil, nil, internal.ValidationError("duration override of %d minutes does not fit the elapsed %.0f minutes", override, total)
		}
		// counting only the overridden minutes as billable is equivalent to
		// treating the remainder of the elapsed time as break
		computeBreak = int(total) - override
		overridden = true
	}
	result := duration.Compute(open.CheckInAt, checkOutAt, computeBreak, req.TravelMinutes, m.overtime)
	result.BreakMinutes = req.BreakMinutes
	result.Warnings = append(timing.Warnings, result.Warnings...)
	if overridden {
		result.Warnings = append(result.Warnings, "duration override applied")
	}

	m.checkCompletionRequirements(req)

	open.CheckOutAt = &checkOutAt
	open.CheckOutLat = req.Lat
	open.CheckOutLng = req.Lng
	open.BreakMinutes = req.BreakMinutes
	open.TravelMinutes = req.TravelMinutes
	open.Status = req.Status
	open.WorkSummary = req.WorkSummary
	if req.Notes != "" {
		if open.Notes != "" {
			open.Notes += "\n"
		}
		open.Notes += req.Notes
	}
	if req.Issues != "" {
		if open.Notes != "" {
			open.Notes += "\n"
		}
		open.Notes += "issues: " + req.Issues
	}
	breakdown, err := json.Marshal(&result)
	if err != nil {
		return nil, nil, err
	}
	open.Duration = breakdown

	if err := m.store.CompleteCheckOut(ctx, open, outcome.next, job); err != nil {
		return nil, nil, err
	}
	m.jobs.Delete(job.ID)
	m.notifyJob(job, job.Version+1)
	logger.Info().
		Str("job", job.ID).
		Str("status", string(req.Status)).
		Str("next_state", string(outcome.next)).
		Bool("closed", outcome.closes).
		Msg("checked out")
	return open, &result, nil
}

// checkCompletionRequirements applies the soft, log-only checks. The one hard
// rule (unexplained incomplete) is enforced before any computation.
func (m *Manager) checkCompletionRequirements(req *CheckOutRequest) {
	if req.Status == internal.StatusCompleted && req.CustomerSignature == "" {
		logger.Warn().Str("job", req.JobID).Msg("completed session has no customer signature")
	}
	for _, mat := range req.Materials {
		if mat.SerialNumber == "" {
			logger.Warn().Str("job", req.JobID).Str("material", mat.Name).Msg("installed material has no serial number")
		}
	}
	if req.WorkSummary == "" {
		logger.Warn().Str("job", req.JobID).Msg("no work summary supplied")
	}
}

func (m *Manager) notifyJob(job *internal.Job, version int64) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.Notify(pubsub.ChanChanges, &pubsub.EntityChanged{
		Family:   internal.FamilyJob,
		EntityID: job.ID,
		TeamID:   job.TeamID,
		Version:  version,
	})
	if err != nil {
		logger.Warn().Err(err).Str("job", job.ID).Msg("failed to publish job change")
	}
}
