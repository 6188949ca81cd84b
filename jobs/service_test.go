package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"printernizer/events"
	"printernizer/printers"
	"printernizer/storage"
)

type nopLogger struct{}

func (nopLogger) Error(msg string, context ...interface{}) {}
func (nopLogger) Warn(msg string, context ...interface{})  {}
func (nopLogger) Info(msg string, context ...interface{})  {}
func (nopLogger) Debug(msg string, context ...interface{}) {}

func newTestService(t *testing.T) (*Service, *events.Bus) {
	t.Helper()
	store, err := storage.NewSQLiteStore("", nopLogger{})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	bus := events.NewBus(nopLogger{})
	t.Cleanup(bus.Close)
	return NewService(store.Jobs(), bus, nopLogger{}), bus
}

func collectEvents(bus *events.Bus, types ...string) func() []events.Event {
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe("collector", func(evt events.Event) error {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		return nil
	}, types...)
	return func() []events.Event {
		// Emitted events are queued; give the drain goroutine a moment.
		deadline := time.Now().Add(time.Second)
		var snapshot []events.Event
		for time.Now().Before(deadline) {
			mu.Lock()
			snapshot = append([]events.Event(nil), got...)
			mu.Unlock()
			if len(snapshot) > 0 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		return snapshot
	}
}

func TestCreateValidatesSchema(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{PrinterID: "p1", PrinterType: "unknown_brand", JobName: "x"})
	if err == nil {
		t.Fatal("Create accepted an unknown printer type")
	}
	_, err = svc.Create(ctx, CreateParams{PrinterID: "p1", PrinterType: "bambu_lab"})
	if err == nil {
		t.Fatal("Create accepted a job without a name")
	}
}

func TestCreateBusinessJobRequiresCustomer(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateParams{
		PrinterID: "p1", PrinterType: "bambu_lab", JobName: "benchy.3mf",
		IsBusiness: true,
	})
	if err == nil || !strings.Contains(err.Error(), "customer_name") {
		t.Fatalf("business job without customer accepted: %v", err)
	}

	job, err := svc.Create(ctx, CreateParams{
		PrinterID: "p1", PrinterType: "bambu_lab", JobName: "benchy.3mf",
		IsBusiness:   true,
		CustomerInfo: json.RawMessage(`{"customer_name":"ACME"}`),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !job.IsBusiness {
		t.Error("is_business not persisted")
	}
}

func TestCreateRunningJobGetsStartTime(t *testing.T) {
	svc, _ := newTestService(t)
	job, err := svc.Create(context.Background(), CreateParams{
		PrinterID: "p1", PrinterType: "octoprint", JobName: "vase.gcode",
		Status: storage.JobPrinting,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.StartedAt == nil {
		t.Error("printing job created without started_at")
	}
}

func TestAutoCreateAndDedup(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	created := collectEvents(bus, events.TypeJobCreated)

	printer := &storage.Printer{ID: "bambu-01", Type: "bambu_lab", Name: "Shop A1"}
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	remaining, elapsed := 90, 30
	update := &printers.StatusUpdate{
		PrinterID:       "bambu-01",
		Phase:           printers.PhasePrinting,
		CurrentJobName:  "benchy.3mf",
		ProgressPercent: 25,
		StartedAt:       &started,
		RemainingMin:    &remaining,
		ElapsedMin:      &elapsed,
	}

	job, isNew, err := svc.AutoCreate(ctx, printer, update)
	if err != nil {
		t.Fatalf("AutoCreate: %v", err)
	}
	if !isNew {
		t.Fatal("first AutoCreate reported not-new")
	}
	if job.Status != storage.JobPrinting || job.Progress != 25 {
		t.Errorf("auto-created job: %+v", job)
	}
	if job.EstimatedS == nil || *job.EstimatedS != int64((90+30)*60) {
		t.Errorf("estimated_duration_s = %v", job.EstimatedS)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want telemetry time", job.StartedAt)
	}

	// Same telemetry again: silent no-op, no second event.
	dup, isNew, err := svc.AutoCreate(ctx, printer, update)
	if err != nil {
		t.Fatalf("second AutoCreate: %v", err)
	}
	if isNew || dup != nil {
		t.Errorf("duplicate AutoCreate = (%v, %v), want (nil, false)", dup, isNew)
	}

	evts := created()
	if len(evts) != 1 {
		t.Errorf("job_created emitted %d times, want 1", len(evts))
	}
}

func TestAutoCreatePausedPhase(t *testing.T) {
	svc, _ := newTestService(t)
	printer := &storage.Printer{ID: "bambu-01", Type: "bambu_lab"}
	job, _, err := svc.AutoCreate(context.Background(), printer, &printers.StatusUpdate{
		PrinterID:      "bambu-01",
		Phase:          printers.PhasePaused,
		CurrentJobName: "benchy.3mf",
	})
	if err != nil {
		t.Fatalf("AutoCreate: %v", err)
	}
	if job.Status != storage.JobPaused {
		t.Errorf("status = %s, want paused", job.Status)
	}
	if job.StartedAt == nil {
		t.Error("started_at not defaulted when telemetry omits it")
	}
}

func TestUpdateStatusLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, CreateParams{
		PrinterID: "p1", PrinterType: "octoprint", JobName: "vase.gcode",
	})
	if err != nil {
		t.Fatal(err)
	}

	// pending -> printing sets started_at.
	job, err = svc.UpdateStatus(ctx, job.ID, storage.JobPrinting, false, "")
	if err != nil {
		t.Fatalf("to printing: %v", err)
	}
	if job.StartedAt == nil {
		t.Error("started_at not set on entering printing")
	}
	firstStart := *job.StartedAt

	// printing -> paused -> printing keeps started_at.
	if _, err = svc.UpdateStatus(ctx, job.ID, storage.JobPaused, false, ""); err != nil {
		t.Fatalf("to paused: %v", err)
	}
	job, err = svc.UpdateStatus(ctx, job.ID, storage.JobPrinting, false, "")
	if err != nil {
		t.Fatalf("back to printing: %v", err)
	}
	if !job.StartedAt.Equal(firstStart) {
		t.Errorf("started_at overwritten: %v -> %v", firstStart, job.StartedAt)
	}

	// terminal sets ended_at and actual duration.
	job, err = svc.UpdateStatus(ctx, job.ID, storage.JobCompleted, false, "looks great")
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if job.EndedAt == nil || job.ActualS == nil {
		t.Errorf("terminal fields missing: ended=%v actual=%v", job.EndedAt, job.ActualS)
	}
	if !strings.Contains(job.Notes, "Status changed: printing -> completed: looks great") {
		t.Errorf("notes = %q", job.Notes)
	}
}

func TestUpdateStatusSameStatusIsNoop(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, CreateParams{
		PrinterID: "p1", PrinterType: "octoprint", JobName: "vase.gcode",
		Status: storage.JobPrinting,
	})
	if err != nil {
		t.Fatal(err)
	}
	again, err := svc.UpdateStatus(ctx, job.ID, storage.JobPrinting, false, "")
	if err != nil {
		t.Fatalf("same-status update: %v", err)
	}
	if again.Status != storage.JobPrinting {
		t.Errorf("status = %s", again.Status)
	}
}

func TestUpdateStatusRejectsInvalidUnlessForced(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, CreateParams{
		PrinterID: "p1", PrinterType: "octoprint", JobName: "vase.gcode",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateStatus(ctx, job.ID, storage.JobCompleted, false, ""); err != nil {
		t.Fatalf("pending -> completed should be allowed: %v", err)
	}

	// completed -> printing is off the graph.
	if _, err := svc.UpdateStatus(ctx, job.ID, storage.JobPrinting, false, ""); err == nil {
		t.Fatal("invalid transition accepted without force")
	}

	forced, err := svc.UpdateStatus(ctx, job.ID, storage.JobPrinting, true, "")
	if err != nil {
		t.Fatalf("forced transition: %v", err)
	}
	if forced.Status != storage.JobPrinting {
		t.Errorf("status = %s after forced transition", forced.Status)
	}
	if !strings.Contains(forced.Notes, "forced transition") {
		t.Errorf("forced note missing: %q", forced.Notes)
	}
}

func TestUpdateProgressEmitsOnlyOnChange(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	progressed := collectEvents(bus, events.TypeJobProgressUpdated)

	job, err := svc.Create(ctx, CreateParams{
		PrinterID: "p1", PrinterType: "octoprint", JobName: "vase.gcode",
		Status: storage.JobPrinting,
	})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := svc.UpdateProgress(ctx, job.ID, 42.5)
	if err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	if updated.Progress != 42 {
		t.Errorf("progress = %d, want 42 (round half to even)", updated.Progress)
	}

	// Same rounded value again: no event.
	if _, err := svc.UpdateProgress(ctx, job.ID, 42.4); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(progressed()); n != 1 {
		t.Errorf("job_progress_updated emitted %d times, want 1", n)
	}
}

func TestDeleteRequiresTerminalOrAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, CreateParams{
		PrinterID: "p1", PrinterType: "octoprint", JobName: "vase.gcode",
		Status: storage.JobPrinting,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, job.ID, false); err == nil {
		t.Fatal("active job deleted without admin")
	}
	if err := svc.Delete(ctx, job.ID, true); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestConcurrentTransitionsSerialize(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, CreateParams{
		PrinterID: "p1", PrinterType: "octoprint", JobName: "vase.gcode",
		Status: storage.JobPrinting,
	})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.UpdateStatus(ctx, job.ID, storage.JobCompleted, false, "")
		}()
	}
	wg.Wait()

	final, err := svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != storage.JobCompleted {
		t.Errorf("final status = %s", final.Status)
	}
	// Serialized read-modify-write means only the first writer appends the
	// ended_at; the rest observe completed and no-op.
	if final.EndedAt == nil {
		t.Error("ended_at missing after concurrent completion")
	}
}
