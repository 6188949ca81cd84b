package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testFile(checksum, filename string) *LibraryFile {
	return &LibraryFile{
		Checksum:    checksum,
		Filename:    filename,
		LibraryPath: "/library/" + checksum[:2] + "/" + checksum,
		SizeBytes:   1024,
		FileType:    "3mf",
		Status:      FileAvailable,
		SearchIndex: strings.ToLower(filename),
	}
}

func TestFileCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file := testFile("aaaa1111", "benchy.3mf")
	if err := store.CreateFile(ctx, file); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	got, err := store.GetFileByChecksum(ctx, "aaaa1111")
	if err != nil {
		t.Fatalf("GetFileByChecksum: %v", err)
	}
	if got.Filename != "benchy.3mf" || got.SizeBytes != 1024 || got.FileType != "3mf" {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	if err := store.CreateFile(ctx, file); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second CreateFile = %v, want ErrDuplicate", err)
	}
	if _, err := store.GetFileByChecksum(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestFileSourceUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateFile(ctx, testFile("aaaa1111", "benchy.3mf")); err != nil {
		t.Fatal(err)
	}

	src := &LibraryFileSource{
		Checksum:     "aaaa1111",
		SourceType:   SourcePrinter,
		SourceID:     "bambu-01",
		SourceName:   "Shop A1",
		OriginalPath: "/cache/benchy.3mf",
	}
	if err := store.CreateFileSource(ctx, src); err != nil {
		t.Fatalf("CreateFileSource: %v", err)
	}
	// Identical tuple again: silent no-op.
	if err := store.CreateFileSource(ctx, src); err != nil {
		t.Fatalf("repeat CreateFileSource: %v", err)
	}
	// Same file seen at a second location.
	second := &LibraryFileSource{
		Checksum:     "aaaa1111",
		SourceType:   SourceWatchFolder,
		SourceID:     "/models",
		OriginalPath: "/models/benchy.3mf",
	}
	if err := store.CreateFileSource(ctx, second); err != nil {
		t.Fatalf("second source: %v", err)
	}

	sources, err := store.ListFileSources(ctx, "aaaa1111")
	if err != nil {
		t.Fatalf("ListFileSources: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(sources))
	}
}

func TestFileSourceCascadeOnDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateFile(ctx, testFile("aaaa1111", "benchy.3mf")); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateFileSource(ctx, &LibraryFileSource{
		Checksum: "aaaa1111", SourceType: SourcePrinter,
		SourceID: "bambu-01", OriginalPath: "/cache/benchy.3mf",
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteFile(ctx, "aaaa1111"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	sources, err := store.ListFileSources(ctx, "aaaa1111")
	if err != nil {
		t.Fatalf("ListFileSources: %v", err)
	}
	if len(sources) != 0 {
		t.Errorf("%d source rows survived the file delete", len(sources))
	}
}

func TestListFilesHidesDuplicatesByDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateFile(ctx, testFile("aaaa1111", "benchy.3mf")); err != nil {
		t.Fatal(err)
	}
	dup := testFile("bbbb2222", "benchy-copy.3mf")
	dup.IsDuplicate = true
	dup.DuplicateOf = "aaaa1111"
	if err := store.CreateFile(ctx, dup); err != nil {
		t.Fatal(err)
	}

	files, page, err := store.ListFiles(ctx, FileFilter{}, 1, 50)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || page.TotalItems != 1 {
		t.Errorf("default listing returned %d files, want 1", len(files))
	}

	all, _, err := store.ListFiles(ctx, FileFilter{ShowDuplicates: true}, 1, 50)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("ShowDuplicates listing returned %d files, want 2", len(all))
	}

	dups, _, err := store.ListFiles(ctx, FileFilter{OnlyDuplicates: true}, 1, 50)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(dups) != 1 || dups[0].Checksum != "bbbb2222" {
		t.Errorf("OnlyDuplicates listing: %+v", dups)
	}
}

func TestListFilesSourceFilterNoFanOut(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateFile(ctx, testFile("aaaa1111", "benchy.3mf")); err != nil {
		t.Fatal(err)
	}
	// Two printer sources for one file must not double it in the listing.
	for _, path := range []string{"/cache/a.3mf", "/cache/b.3mf"} {
		if err := store.CreateFileSource(ctx, &LibraryFileSource{
			Checksum: "aaaa1111", SourceType: SourcePrinter,
			SourceID: "bambu-01", OriginalPath: path,
		}); err != nil {
			t.Fatal(err)
		}
	}

	files, page, err := store.ListFiles(ctx, FileFilter{SourceType: SourcePrinter}, 1, 50)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 || page.TotalItems != 1 {
		t.Errorf("source-filtered listing returned %d files (total %d), want 1", len(files), page.TotalItems)
	}
}

func TestListFilesSearchAndSort(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	names := []string{"benchy.3mf", "calibration-cube.3mf", "vase.3mf"}
	for i, name := range names {
		f := testFile(strings.Repeat(string(rune('a'+i)), 8), name)
		f.SizeBytes = int64((i + 1) * 1000)
		f.AddedAt = time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC)
		if err := store.CreateFile(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	found, _, err := store.ListFiles(ctx, FileFilter{Search: "CUBE"}, 1, 50)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(found) != 1 || found[0].Filename != "calibration-cube.3mf" {
		t.Errorf("case-insensitive search: %+v", found)
	}

	bySize, _, err := store.ListFiles(ctx, FileFilter{SortBy: "file_size"}, 1, 50)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(bySize) != 3 || bySize[0].SizeBytes != 1000 {
		t.Errorf("file_size ascending sort: first = %d", bySize[0].SizeBytes)
	}

	// Unknown sort key falls back to newest first.
	fallback, _, err := store.ListFiles(ctx, FileFilter{SortBy: "nonsense"}, 1, 50)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if fallback[0].Filename != "vase.3mf" {
		t.Errorf("fallback sort first = %s, want vase.3mf", fallback[0].Filename)
	}
}

func TestLibraryStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testFile("aaaa1111", "benchy.3mf")
	a.SizeBytes = 1000
	b := testFile("bbbb2222", "vase.3mf")
	b.SizeBytes = 2000
	b.IsDuplicate = true
	for _, f := range []*LibraryFile{a, b} {
		if err := store.CreateFile(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CreateFileSource(ctx, &LibraryFileSource{
		Checksum: "aaaa1111", SourceType: SourceWatchFolder,
		SourceID: "/models", OriginalPath: "/models/benchy.3mf",
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalFiles != 2 || stats.TotalBytes != 3000 || stats.DuplicateFiles != 1 || stats.SourceCount != 1 {
		t.Errorf("stats: %+v", stats)
	}
}
