// Package jobs implements the job lifecycle engine: transition validation,
// auto-creation from printer telemetry, and deduplication.
package jobs

import (
	"fmt"
	"sort"
	"strings"

	"printernizer/storage"
)

// allowedTransitions is the directed graph of permitted status changes.
// force=true bypasses it for admin recovery only.
var allowedTransitions = map[string][]string{
	storage.JobPending:   {storage.JobRunning, storage.JobPrinting, storage.JobCompleted, storage.JobFailed, storage.JobCancelled},
	storage.JobQueued:    {storage.JobRunning, storage.JobPrinting, storage.JobPreparing, storage.JobCompleted, storage.JobFailed, storage.JobCancelled},
	storage.JobPreparing: {storage.JobPrinting, storage.JobRunning, storage.JobCompleted, storage.JobFailed, storage.JobCancelled},
	storage.JobRunning:   {storage.JobCompleted, storage.JobFailed, storage.JobCancelled, storage.JobPaused},
	storage.JobPrinting:  {storage.JobCompleted, storage.JobFailed, storage.JobCancelled, storage.JobPaused},
	storage.JobPaused:    {storage.JobRunning, storage.JobPrinting, storage.JobCompleted, storage.JobFailed, storage.JobCancelled},
	storage.JobCompleted: {storage.JobFailed},    // correct a mistaken success
	storage.JobFailed:    {storage.JobCompleted}, // retry succeeded
	storage.JobCancelled: {},                     // terminal
}

// InvalidTransitionError reports a status change outside the graph. The
// message lists the allowed next states so API callers can self-correct.
type InvalidTransitionError struct {
	JobID   string
	From    string
	To      string
	Allowed []string
}

func (e *InvalidTransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("job %s: invalid transition %s -> %s (allowed: %s)",
		e.JobID, e.From, e.To, allowed)
}

// ValidateTransition checks the graph and returns an InvalidTransitionError
// on violation.
func ValidateTransition(jobID, from, to string) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	allowed := append([]string(nil), allowedTransitions[from]...)
	sort.Strings(allowed)
	return &InvalidTransitionError{JobID: jobID, From: from, To: to, Allowed: allowed}
}

// AllowedNext returns the permitted successor statuses of from.
func AllowedNext(from string) []string {
	return append([]string(nil), allowedTransitions[from]...)
}

// ActiveStatuses lists the non-terminal statuses a tracked job can hold.
func ActiveStatuses() []string {
	return []string{storage.JobPending, storage.JobQueued, storage.JobPreparing,
		storage.JobRunning, storage.JobPrinting, storage.JobPaused}
}
