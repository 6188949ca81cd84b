// Package library implements the content-addressed file store: every
// observed file is identified by its SHA-256 checksum, with one source row
// per location it was seen at.
package library

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"printernizer/events"
	"printernizer/printers"
	"printernizer/storage"
)

// Logger is the subset of the logger the library service uses.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Options configures the library service.
type Options struct {
	Root                   string // absolute library root
	PreserveOriginals      bool   // copy instead of move on ingest
	MaxConcurrentDownloads int    // printer download parallelism, default 5
}

// Service owns the on-disk library and its repository rows. Ingest holds a
// per-checksum lock for its duration; reads take no lock.
type Service struct {
	repo   storage.LibraryRepository
	bus    *events.Bus
	logger Logger
	opts   Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	downloadSem chan struct{}
}

// NewService creates the library service and ensures the root exists.
func NewService(repo storage.LibraryRepository, bus *events.Bus, opts Options, logger Logger) (*Service, error) {
	if opts.Root == "" {
		return nil, errors.New("library root is required")
	}
	if !filepath.IsAbs(opts.Root) {
		return nil, fmt.Errorf("library root %q must be absolute", opts.Root)
	}
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create library root: %w", err)
	}
	if opts.MaxConcurrentDownloads <= 0 {
		opts.MaxConcurrentDownloads = 5
	}
	return &Service{
		repo:        repo,
		bus:         bus,
		logger:      logger,
		opts:        opts,
		locks:       make(map[string]*sync.Mutex),
		downloadSem: make(chan struct{}, opts.MaxConcurrentDownloads),
	}, nil
}

func (s *Service) lockChecksum(c string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[c]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[c] = mu
	}
	return mu
}

// FileTypeFromName maps a filename to the library's file-type taxonomy.
func FileTypeFromName(name string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "3mf":
		return "3mf"
	case "stl":
		return "stl"
	case "gcode", "gco", "g":
		return "gcode"
	case "bgcode":
		return "bgcode"
	case "obj":
		return "obj"
	case "ply":
		return "ply"
	default:
		return "other"
	}
}

// ChecksumFile computes the SHA-256 hex digest of a file's contents.
func ChecksumFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// libraryPath derives the canonical on-disk location for a checksum:
// <root>/<c[:2]>/<c>.<ext>.
func (s *Service) libraryPath(checksum, originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	return filepath.Join(s.opts.Root, checksum[:2], checksum+ext)
}

// Ingest processes one observed file. Identical content seen before gains a
// source row; new content is copied (or moved) into the library. The boolean
// result reports whether a new library file was created.
func (s *Service) Ingest(ctx context.Context, path string, src storage.LibraryFileSource) (*storage.LibraryFile, bool, error) {
	checksum, size, err := ChecksumFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("checksum %s: %w", path, err)
	}

	mu := s.lockChecksum(checksum)
	mu.Lock()
	defer mu.Unlock()

	src.Checksum = checksum
	// Printer ingests pass the remote path through a temp download; keep it.
	if src.OriginalPath == "" {
		src.OriginalPath = path
	}

	existing, err := s.repo.GetFileByChecksum(ctx, checksum)
	if err == nil {
		if err := s.repo.CreateFileSource(ctx, &src); err != nil {
			return nil, false, err
		}
		s.logger.Debug("known content observed at new source",
			"checksum", checksum, "source", src.SourceType, "path", path)
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	dest := s.libraryPath(checksum, path)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, false, err
	}
	if s.opts.PreserveOriginals {
		if err := copyFile(path, dest); err != nil {
			return nil, false, fmt.Errorf("copy into library: %w", err)
		}
	} else {
		if err := moveFile(path, dest); err != nil {
			return nil, false, fmt.Errorf("move into library: %w", err)
		}
	}

	filename := filepath.Base(path)
	file := &storage.LibraryFile{
		Checksum:    checksum,
		Filename:    filename,
		LibraryPath: dest,
		SizeBytes:   size,
		FileType:    FileTypeFromName(filename),
		Status:      storage.FileAvailable,
		SearchIndex: strings.ToLower(filename),
	}
	if info, err := os.Stat(dest); err == nil {
		mod := info.ModTime().UTC()
		file.LastModified = &mod
	}

	if err := s.repo.CreateFile(ctx, file); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Raced with another ingest of the same content; fall back to
			// the source-append path.
			if existing, gerr := s.repo.GetFileByChecksum(ctx, checksum); gerr == nil {
				if serr := s.repo.CreateFileSource(ctx, &src); serr != nil {
					return nil, false, serr
				}
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	if err := s.repo.CreateFileSource(ctx, &src); err != nil {
		return nil, false, err
	}

	s.logger.Info("file added to library",
		"checksum", checksum, "filename", filename, "source", src.SourceType)
	return file, true, nil
}

// IngestPrinterFiles downloads newly observed printer files and ingests
// them. Files whose (printer, path) source row already exists are skipped
// without a download; fresh downloads run under the concurrency semaphore and
// are deduplicated by checksum, since printers do not expose checksums.
// Returns the number of new library files.
func (s *Service) IngestPrinterFiles(ctx context.Context, printer *storage.Printer, driver printers.Driver, files []printers.PrinterFile) (int, error) {
	var (
		newCount int
		mu       sync.Mutex
		wg       sync.WaitGroup
		errs     []error
	)
	for _, pf := range files {
		pf := pf
		wg.Add(1)
		go func() {
			defer wg.Done()
			known, err := s.repo.HasFileSource(ctx, storage.SourcePrinter, printer.ID, pf.Name)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", pf.Name, err))
				mu.Unlock()
				return
			}
			if known {
				s.logger.Debug("printer file already recorded, skipping download",
					"printer", printer.ID, "file", pf.Name)
				return
			}

			select {
			case s.downloadSem <- struct{}{}:
				defer func() { <-s.downloadSem }()
			case <-ctx.Done():
				return
			}

			tmp, err := os.CreateTemp("", "printernizer-dl-*"+filepath.Ext(pf.Name))
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			tmpPath := tmp.Name()
			tmp.Close()
			defer os.Remove(tmpPath)

			if err := driver.DownloadFile(ctx, pf.Name, tmpPath); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", pf.Name, err))
				mu.Unlock()
				return
			}

			_, created, err := s.Ingest(ctx, tmpPath, storage.LibraryFileSource{
				SourceType:   storage.SourcePrinter,
				SourceID:     printer.ID,
				SourceName:   printer.Name,
				OriginalPath: pf.Name,
				PrinterModel: printer.Type,
			})
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", pf.Name, err))
				mu.Unlock()
				return
			}
			if created {
				mu.Lock()
				newCount++
				mu.Unlock()
				s.bus.Emit(events.TypeFileDownloadDone, map[string]interface{}{
					"printer_id": printer.ID,
					"filename":   pf.Name,
				})
			}
		}()
	}
	wg.Wait()
	return newCount, errors.Join(errs...)
}

// ScanFolder walks one watch folder and ingests every regular file. Returns
// the number of new library files.
func (s *Service) ScanFolder(ctx context.Context, dir string) (int, error) {
	var newCount int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if FileTypeFromName(d.Name()) == "other" {
			return nil
		}
		_, created, ierr := s.Ingest(ctx, path, storage.LibraryFileSource{
			SourceType: storage.SourceWatchFolder,
			SourceID:   dir,
			SourceName: filepath.Base(dir),
		})
		if ierr != nil {
			s.logger.Warn("watch folder ingest failed", "path", path, "error", ierr)
			return nil
		}
		if created {
			newCount++
		}
		return nil
	})
	return newCount, err
}

// Get returns one file by checksum.
func (s *Service) Get(ctx context.Context, checksum string) (*storage.LibraryFile, error) {
	return s.repo.GetFileByChecksum(ctx, checksum)
}

// List returns one page of the library.
func (s *Service) List(ctx context.Context, filter storage.FileFilter, page, limit int) ([]*storage.LibraryFile, *storage.Pagination, error) {
	return s.repo.ListFiles(ctx, filter, page, limit)
}

// Sources returns the observation locations of a file.
func (s *Service) Sources(ctx context.Context, checksum string) ([]*storage.LibraryFileSource, error) {
	return s.repo.ListFileSources(ctx, checksum)
}

// RemoveSource deletes one source row; the file itself stays.
func (s *Service) RemoveSource(ctx context.Context, src *storage.LibraryFileSource) error {
	return s.repo.DeleteFileSource(ctx, src)
}

// Delete removes the file row (sources cascade) and the on-disk copy.
func (s *Service) Delete(ctx context.Context, checksum string) error {
	mu := s.lockChecksum(checksum)
	mu.Lock()
	defer mu.Unlock()

	file, err := s.repo.GetFileByChecksum(ctx, checksum)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteFile(ctx, checksum); err != nil {
		return err
	}
	if file.LibraryPath != "" {
		if err := os.Remove(file.LibraryPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove library file from disk",
				"checksum", checksum, "path", file.LibraryPath, "error", err)
		}
	}
	s.logger.Info("file removed from library", "checksum", checksum, "filename", file.Filename)
	return nil
}

// MarkDuplicate flags a row as a duplicate of the canonical checksum.
func (s *Service) MarkDuplicate(ctx context.Context, checksum, canonical string) error {
	isDup := true
	return s.repo.UpdateFile(ctx, checksum, storage.FilePatch{
		IsDuplicate: &isDup,
		DuplicateOf: &canonical,
	})
}

// Stats returns repository aggregates.
func (s *Service) Stats(ctx context.Context) (*storage.LibraryStats, error) {
	return s.repo.GetStats(ctx)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Cross-device rename; fall back to copy+remove.
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
