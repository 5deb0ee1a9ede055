package internal

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext
// which automatically falls back to sentry.CurrentHub if the given context has
// not been attached a hub. The sentry HTTP integration attaches a hub to
// request contexts; contexts created elsewhere (background writers, tests)
// have none.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}
