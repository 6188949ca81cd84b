package jobs

import (
	"errors"
	"strings"
	"testing"

	"printernizer/storage"
)

func TestValidateTransitionGraph(t *testing.T) {
	valid := []struct{ from, to string }{
		{storage.JobPending, storage.JobRunning},
		{storage.JobQueued, storage.JobPreparing},
		{storage.JobPreparing, storage.JobPrinting},
		{storage.JobPrinting, storage.JobPaused},
		{storage.JobPaused, storage.JobPrinting},
		{storage.JobRunning, storage.JobCompleted},
		{storage.JobPrinting, storage.JobFailed},
		{storage.JobCompleted, storage.JobFailed},
		{storage.JobFailed, storage.JobCompleted},
	}
	for _, tc := range valid {
		if err := ValidateTransition("j", tc.from, tc.to); err != nil {
			t.Errorf("%s -> %s rejected: %v", tc.from, tc.to, err)
		}
	}

	invalid := []struct{ from, to string }{
		{storage.JobCompleted, storage.JobRunning},
		{storage.JobCancelled, storage.JobPending},
		{storage.JobCancelled, storage.JobCompleted},
		{storage.JobPending, storage.JobPaused},
		{storage.JobPaused, storage.JobQueued},
	}
	for _, tc := range invalid {
		if err := ValidateTransition("j", tc.from, tc.to); err == nil {
			t.Errorf("%s -> %s accepted", tc.from, tc.to)
		}
	}
}

func TestInvalidTransitionErrorListsAllowed(t *testing.T) {
	err := ValidateTransition("job-1", storage.JobPrinting, storage.JobPending)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("error type = %T, want *InvalidTransitionError", err)
	}
	if ite.From != storage.JobPrinting || ite.To != storage.JobPending {
		t.Errorf("error fields: %+v", ite)
	}
	msg := err.Error()
	for _, want := range []string{"job-1", storage.JobCompleted, storage.JobPaused} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestCancelledIsTerminal(t *testing.T) {
	if next := AllowedNext(storage.JobCancelled); len(next) != 0 {
		t.Errorf("cancelled allows %v, want none", next)
	}
	err := ValidateTransition("j", storage.JobCancelled, storage.JobFailed)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("error type = %T", err)
	}
	if !strings.Contains(err.Error(), "none") {
		t.Errorf("terminal-state message %q should say none allowed", err.Error())
	}
}

func TestActiveStatusesExcludeTerminal(t *testing.T) {
	statuses := ActiveStatuses()
	if len(statuses) != 6 {
		t.Fatalf("got %d active statuses: %v", len(statuses), statuses)
	}
	for _, st := range statuses {
		if storage.IsTerminalJobStatus(st) {
			t.Errorf("terminal status %s listed as active", st)
		}
	}
}

func TestRoundProgress(t *testing.T) {
	cases := []struct {
		in   float64
		want int
	}{
		{-5, 0},
		{0, 0},
		{0.5, 0},   // half to even
		{1.5, 2},   // half to even
		{2.5, 2},   // half to even
		{99.4, 99},
		{100, 100},
		{250, 100},
	}
	for _, tc := range cases {
		if got := RoundProgress(tc.in); got != tc.want {
			t.Errorf("RoundProgress(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
