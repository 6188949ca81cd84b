package library

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"printernizer/events"
	"printernizer/printers"
	"printernizer/storage"
)

type nopLogger struct{}

func (nopLogger) Error(msg string, context ...interface{}) {}
func (nopLogger) Warn(msg string, context ...interface{})  {}
func (nopLogger) Info(msg string, context ...interface{})  {}
func (nopLogger) Debug(msg string, context ...interface{}) {}

func newTestService(t *testing.T, preserve bool) (*Service, *storage.SQLiteStore) {
	t.Helper()
	store, err := storage.NewSQLiteStore("", nopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(nopLogger{})
	t.Cleanup(bus.Close)

	svc, err := NewService(store.Library(), bus, Options{
		Root:              filepath.Join(t.TempDir(), "library"),
		PreserveOriginals: preserve,
	}, nopLogger{})
	if err != nil {
		t.Fatal(err)
	}
	return svc, store
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func watchSource(dir string) storage.LibraryFileSource {
	return storage.LibraryFileSource{
		SourceType: storage.SourceWatchFolder,
		SourceID:   dir,
		SourceName: filepath.Base(dir),
	}
}

func TestIngestContentAddressedLayout(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeFile(t, dir, "benchy.3mf", "solid benchy")

	file, created, err := svc.Ingest(ctx, path, watchSource(dir))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !created {
		t.Fatal("first ingest reported created=false")
	}

	checksum, _, err := ChecksumFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(svc.opts.Root, checksum[:2], checksum+".3mf")
	if file.LibraryPath != want {
		t.Errorf("library path = %q, want %q", file.LibraryPath, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("library copy missing: %v", err)
	}
	// PreserveOriginals keeps the watched file in place.
	if _, err := os.Stat(path); err != nil {
		t.Errorf("original removed despite preserve: %v", err)
	}
	if file.FileType != "3mf" || file.Filename != "benchy.3mf" {
		t.Errorf("file row: %+v", file)
	}
}

func TestIngestMovesWithoutPreserve(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeFile(t, dir, "vase.gcode", "G28")

	if _, _, err := svc.Ingest(ctx, path, watchSource(dir)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original still present after move ingest")
	}
}

func TestReingestSameContentAddsSource(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	dirA := t.TempDir()
	dirB := t.TempDir()
	pathA := writeFile(t, dirA, "benchy.3mf", "same bytes")
	pathB := writeFile(t, dirB, "benchy-copy.3mf", "same bytes")

	first, created, err := svc.Ingest(ctx, pathA, watchSource(dirA))
	if err != nil || !created {
		t.Fatalf("first ingest: created=%v err=%v", created, err)
	}
	second, created, err := svc.Ingest(ctx, pathB, watchSource(dirB))
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if created {
		t.Error("identical content created a second library file")
	}
	if second.Checksum != first.Checksum {
		t.Errorf("checksums differ: %q vs %q", second.Checksum, first.Checksum)
	}

	sources, err := svc.Sources(ctx, first.Checksum)
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 2 {
		t.Errorf("got %d sources, want 2", len(sources))
	}
}

func TestDeleteRemovesRowAndDisk(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeFile(t, dir, "benchy.stl", "facets")
	file, _, err := svc.Ingest(ctx, path, watchSource(dir))
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, file.Checksum); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, file.Checksum); err == nil {
		t.Error("file row survived delete")
	}
	if _, err := os.Stat(file.LibraryPath); !os.IsNotExist(err) {
		t.Error("library copy survived delete")
	}
}

func TestScanFolderSkipsHiddenAndUnknown(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "benchy.stl", "facets")
	writeFile(t, dir, "notes.txt", "not a model")
	writeFile(t, dir, ".hidden.gcode", "G28")
	writeFile(t, dir, filepath.Join("sub", "part.gcode"), "G1 X5")

	n, err := svc.ScanFolder(ctx, dir)
	if err != nil {
		t.Fatalf("ScanFolder: %v", err)
	}
	if n != 2 {
		t.Errorf("new files = %d, want 2", n)
	}
}

func TestFileTypeFromName(t *testing.T) {
	cases := []struct{ name, want string }{
		{"benchy.3MF", "3mf"},
		{"part.stl", "stl"},
		{"print.gcode", "gcode"},
		{"print.GCO", "gcode"},
		{"print.bgcode", "bgcode"},
		{"mesh.obj", "obj"},
		{"scan.ply", "ply"},
		{"readme.md", "other"},
		{"noext", "other"},
	}
	for _, tc := range cases {
		if got := FileTypeFromName(tc.name); got != tc.want {
			t.Errorf("FileTypeFromName(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

// downloadDriver serves canned file contents for DownloadFile and counts
// downloads.
type downloadDriver struct {
	mu        sync.Mutex
	contents  map[string]string
	downloads int
}

func (d *downloadDriver) downloadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloads
}

func (d *downloadDriver) ID() string                                            { return "octo-01" }
func (d *downloadDriver) Connect(context.Context) error                         { return nil }
func (d *downloadDriver) Disconnect()                                           {}
func (d *downloadDriver) GetStatus(context.Context) (*printers.StatusUpdate, error) {
	return nil, nil
}
func (d *downloadDriver) GetJob(context.Context) (*printers.JobInfo, error) { return nil, nil }
func (d *downloadDriver) ListFiles(context.Context) ([]printers.PrinterFile, error) {
	return nil, nil
}
func (d *downloadDriver) DownloadFile(ctx context.Context, remoteName, localPath string) error {
	d.mu.Lock()
	d.downloads++
	content := d.contents[remoteName]
	d.mu.Unlock()
	return os.WriteFile(localPath, []byte(content), 0o644)
}
func (d *downloadDriver) Pause(context.Context) error  { return nil }
func (d *downloadDriver) Resume(context.Context) error { return nil }
func (d *downloadDriver) Stop(context.Context) error   { return nil }
func (d *downloadDriver) HasCamera() bool              { return false }
func (d *downloadDriver) Snapshot(context.Context) ([]byte, error) {
	return nil, printers.ErrNoCamera
}

func TestIngestPrinterFilesDeduplicates(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	driver := &downloadDriver{contents: map[string]string{
		"local/benchy.gcode": "G28\nG1",
		"sdcard/copy.gcode":  "G28\nG1", // identical content
		"local/vase.gcode":   "G28\nG2",
	}}
	printer := &storage.Printer{ID: "octo-01", Name: "Shop Octo", Type: "octoprint"}

	files := []printers.PrinterFile{
		{Name: "local/benchy.gcode"},
		{Name: "sdcard/copy.gcode"},
		{Name: "local/vase.gcode"},
	}
	n, err := svc.IngestPrinterFiles(ctx, printer, driver, files)
	if err != nil {
		t.Fatalf("IngestPrinterFiles: %v", err)
	}
	if n != 2 {
		t.Errorf("new files = %d, want 2", n)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalFiles != 2 {
		t.Errorf("library holds %d files, want 2", stats.TotalFiles)
	}
}

func TestIngestPrinterFilesSkipsKnownSources(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	driver := &downloadDriver{contents: map[string]string{
		"local/benchy.gcode": "G28\nG1",
		"local/vase.gcode":   "G28\nG2",
	}}
	printer := &storage.Printer{ID: "octo-01", Name: "Shop Octo", Type: "octoprint"}
	files := []printers.PrinterFile{
		{Name: "local/benchy.gcode"},
		{Name: "local/vase.gcode"},
	}

	if _, err := svc.IngestPrinterFiles(ctx, printer, driver, files); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if driver.downloadCount() != 2 {
		t.Fatalf("first pass downloaded %d files, want 2", driver.downloadCount())
	}

	// The second discovery pass sees the same listing; nothing is
	// re-downloaded.
	n, err := svc.IngestPrinterFiles(ctx, printer, driver, files)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if n != 0 {
		t.Errorf("second pass reported %d new files, want 0", n)
	}
	if driver.downloadCount() != 2 {
		t.Errorf("second pass re-downloaded files: total downloads = %d, want 2", driver.downloadCount())
	}

	// A path not seen before still downloads.
	driver.mu.Lock()
	driver.contents["sdcard/new.gcode"] = "G28\nG3"
	driver.mu.Unlock()
	files = append(files, printers.PrinterFile{Name: "sdcard/new.gcode"})
	n, err = svc.IngestPrinterFiles(ctx, printer, driver, files)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || driver.downloadCount() != 3 {
		t.Errorf("new path: n=%d downloads=%d, want 1 and 3", n, driver.downloadCount())
	}
}
