package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSnapshotCreateAndContext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreatePrinter(ctx, testPrinter("bambu-01")); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(ctx, testJob("job-1")); err != nil {
		t.Fatal(err)
	}

	repo := store.Snapshots()
	snap := &Snapshot{
		ID:         "snap-1",
		PrinterID:  "bambu-01",
		JobID:      "job-1",
		Filename:   "snap-1.jpg",
		SizeBytes:  20480,
		CapturedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := repo.Create(ctx, snap); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, "snap-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PrinterName != "Shop A1" {
		t.Errorf("printer_name = %q, want Shop A1", got.PrinterName)
	}
	if got.JobName != "benchy.3mf" {
		t.Errorf("job_name = %q, want benchy.3mf", got.JobName)
	}
}

func TestSnapshotContextSurvivesMissingJoins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	repo := store.Snapshots()
	if err := repo.Create(ctx, &Snapshot{
		ID:         "snap-1",
		PrinterID:  "gone-printer",
		Filename:   "snap-1.jpg",
		CapturedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.Get(ctx, "snap-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PrinterName != "" || got.JobName != "" {
		t.Errorf("expected empty join labels, got %q / %q", got.PrinterName, got.JobName)
	}
}

func TestSnapshotValidationAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	repo := store.Snapshots()
	if err := repo.Create(ctx, &Snapshot{
		ID: "snap-1", PrinterID: "bambu-01", Filename: "snap-1.jpg",
		CapturedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := repo.UpdateValidation(ctx, "snap-1", false, "truncated jpeg"); err != nil {
		t.Fatalf("UpdateValidation: %v", err)
	}
	got, err := repo.Get(ctx, "snap-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsValid == nil || *got.IsValid || got.ValidationError != "truncated jpeg" {
		t.Errorf("validation fields: %+v", got.Snapshot)
	}

	if err := repo.Delete(ctx, "snap-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, "snap-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestSnapshotListPaged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	repo := store.Snapshots()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := repo.Create(ctx, &Snapshot{
			ID:         "snap-" + string(rune('a'+i)),
			PrinterID:  "bambu-01",
			Filename:   "frame.jpg",
			CapturedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}

	page1, page, err := repo.List(ctx, "bambu-01", "", 1, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page1) != 2 || page.TotalItems != 5 || page.TotalPages != 3 {
		t.Errorf("page 1: %d items, pagination %+v", len(page1), page)
	}

	other, _, err := repo.List(ctx, "other-printer", "", 1, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("foreign printer listing returned %d snapshots", len(other))
	}
}
