package library

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"printernizer/storage"
)

// settleDelay is how long a file must sit unchanged before ingest. Slicers
// and network copies write in bursts, so reacting to the first write event
// would hash a half-written file.
const settleDelay = 2 * time.Second

// Watcher observes watch folders with fsnotify and ingests files once they
// stop changing. An initial full scan runs on Start so files that arrived
// while the service was down are not missed.
type Watcher struct {
	svc     *Service
	logger  Logger
	folders []string

	mu      sync.Mutex
	pending map[string]*time.Timer

	fw     *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the given folders. Folders that do not
// exist are logged and skipped, not fatal.
func NewWatcher(svc *Service, folders []string, logger Logger) *Watcher {
	return &Watcher{
		svc:     svc,
		logger:  logger,
		folders: folders,
		pending: make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
	}
}

// Start scans every folder once, then begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fw = fw

	for _, dir := range w.folders {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			w.logger.Warn("watch folder unavailable, skipping", "folder", dir, "error", err)
			continue
		}
		if n, err := w.svc.ScanFolder(ctx, dir); err != nil {
			w.logger.Warn("initial watch folder scan failed", "folder", dir, "error", err)
		} else if n > 0 {
			w.logger.Info("watch folder scan complete", "folder", dir, "new_files", n)
		}
		if err := w.addRecursive(dir); err != nil {
			w.logger.Warn("failed to watch folder", "folder", dir, "error", err)
		}
	}

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop ends the watch loop and cancels pending ingest timers.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fw != nil {
		w.fw.Close()
	}
	w.wg.Wait()

	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
}

// addRecursive registers dir and all subdirectories. fsnotify watches are
// not recursive on their own.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && !strings.HasPrefix(d.Name(), ".") {
			return w.fw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch folder error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return
	}

	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "folder", event.Name, "error", err)
			}
		}
		return
	}

	if FileTypeFromName(base) == "other" {
		return
	}
	w.schedule(event.Name)
}

// schedule (re)arms the settle timer for a path; every further event pushes
// the ingest back until the file has been quiet for settleDelay.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case <-w.stopCh:
			return
		default:
		}

		dir := w.folderFor(path)
		_, created, err := w.svc.Ingest(context.Background(), path, w.sourceFor(dir))
		if err != nil {
			w.logger.Warn("watch folder ingest failed", "path", path, "error", err)
			return
		}
		if created {
			w.logger.Info("watch folder file ingested", "path", path)
		}
	})
}

func (w *Watcher) folderFor(path string) string {
	for _, dir := range w.folders {
		if strings.HasPrefix(path, dir+string(os.PathSeparator)) || path == dir {
			return dir
		}
	}
	return filepath.Dir(path)
}

func (w *Watcher) sourceFor(dir string) storage.LibraryFileSource {
	return storage.LibraryFileSource{
		SourceType: storage.SourceWatchFolder,
		SourceID:   dir,
		SourceName: filepath.Base(dir),
	}
}
