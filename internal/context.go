package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "fieldsync_data"
)

// logging metadata for a single request
type data struct {
	userID       string
	deviceID     string
	jobID        string
	numApplied   int
	numFailed    int
	numConflicts int
	numPulled    int
}

// prepare a request context so it can contain fieldsync info
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		numApplied:   -1,
		numFailed:    -1,
		numConflicts: -1,
		numPulled:    -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the user/device IDs to this request context. Need to have called RequestContext first.
func SetRequestContextIdentity(ctx context.Context, userID, deviceID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
	da.deviceID = deviceID
}

func SetRequestContextJobID(ctx context.Context, jobID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.jobID = jobID
}

func SetRequestContextSyncInfo(ctx context.Context, numApplied, numFailed, numConflicts, numPulled int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.numApplied = numApplied
	da.numFailed = numFailed
	da.numConflicts = numConflicts
	da.numPulled = numPulled
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.deviceID != "" {
		l = l.Str("dev", da.deviceID)
	}
	if da.jobID != "" {
		l = l.Str("job", da.jobID)
	}
	if da.numApplied >= 0 {
		l = l.Int("a", da.numApplied)
	}
	if da.numFailed > 0 {
		l = l.Int("f", da.numFailed)
	}
	if da.numConflicts > 0 {
		l = l.Int("c", da.numConflicts)
	}
	if da.numPulled >= 0 {
		l = l.Int("p", da.numPulled)
	}
	return l
}
