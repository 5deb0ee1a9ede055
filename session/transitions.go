package session

import "github.com/fieldline/fieldsync/internal"

// checkOutOutcome is what a completion classification does to the job.
type checkOutOutcome struct {
	next internal.JobState
	// closes means no further sessions may run against the job.
	closes bool
}

// completionTransitions is the explicit finite-state mapping from a
// check-out's completion classification to the job's next state. Adding a
// classification is a one-line edit here, not a new conditional chain.
var completionTransitions = map[internal.CompletionStatus]checkOutOutcome{
	internal.StatusCompleted:          {next: internal.JobCompleted, closes: true},
	internal.StatusRequiresFollowup:   {next: internal.JobCompleted, closes: true},
	internal.StatusIncomplete:         {next: internal.JobInProgress, closes: false},
	internal.StatusPartiallyCompleted: {next: internal.JobInProgress, closes: false},
	internal.StatusCancelled:          {next: internal.JobCancelled, closes: true},
}

// needsExplanation lists classifications whose check-out must carry a textual
// reason (notes or issues) to be accepted.
var needsExplanation = map[internal.CompletionStatus]bool{
	internal.StatusIncomplete:         true,
	internal.StatusPartiallyCompleted: true,
	internal.StatusRequiresFollowup:   true,
}
