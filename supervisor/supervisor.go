// Package supervisor owns the printer fleet: one driver and one monitor per
// printer, plus three background tasks that fan status out to the bus, track
// job lifecycles, and discover printable files.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"printernizer/events"
	"printernizer/jobs"
	"printernizer/library"
	"printernizer/monitor"
	"printernizer/printers"
	"printernizer/storage"
	"printernizer/usage"
)

// Logger is the subset of the logger the supervisor uses.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Options configures the background task cadence.
type Options struct {
	StatusInterval           time.Duration // default 30s
	StatusFailureInterval    time.Duration // default 60s
	JobInterval              time.Duration // default 10s
	DiscoveryInterval        time.Duration // default 300s
	DiscoveryFailureInterval time.Duration // default 600s
	OpTimeout                time.Duration // per driver op, default 30s
	AutoCreateJobs           bool
	WatchFolders             []string
}

func (o *Options) applyDefaults() {
	if o.StatusInterval == 0 {
		o.StatusInterval = 30 * time.Second
	}
	if o.StatusFailureInterval == 0 {
		o.StatusFailureInterval = 60 * time.Second
	}
	if o.JobInterval == 0 {
		o.JobInterval = 10 * time.Second
	}
	if o.DiscoveryInterval == 0 {
		o.DiscoveryInterval = 300 * time.Second
	}
	if o.DiscoveryFailureInterval == 0 {
		o.DiscoveryFailureInterval = 600 * time.Second
	}
	if o.OpTimeout == 0 {
		o.OpTimeout = 30 * time.Second
	}
}

// fleetEntry pairs a printer record with its driver and monitor.
type fleetEntry struct {
	printer *storage.Printer
	driver  printers.Driver
	monitor *monitor.Monitor

	lastPhase printers.Phase // last phase observed by the status task
}

// trackedJob is Task 2's memory of one active job.
type trackedJob struct {
	status   string
	progress int
}

// Supervisor coordinates the fleet.
type Supervisor struct {
	printerRepo storage.PrinterRepository
	jobSvc      *jobs.Service
	libSvc      *library.Service
	bus         *events.Bus
	recorder    *usage.Recorder
	logger      Logger
	opts        Options

	mu      sync.Mutex
	fleet   map[string]*fleetEntry
	tracked map[string]trackedJob
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a supervisor. Printers are registered before Start.
func New(printerRepo storage.PrinterRepository, jobSvc *jobs.Service, libSvc *library.Service, bus *events.Bus, recorder *usage.Recorder, opts Options, logger Logger) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		printerRepo: printerRepo,
		jobSvc:      jobSvc,
		libSvc:      libSvc,
		bus:         bus,
		recorder:    recorder,
		logger:      logger,
		opts:        opts,
		fleet:       make(map[string]*fleetEntry),
		tracked:     make(map[string]trackedJob),
		stopCh:      make(chan struct{}),
	}
}

// Register adds one printer to the fleet. The supervisor wires a status
// callback onto the monitor so job state follows telemetry; the monitor is
// not started until Start.
func (s *Supervisor) Register(printer *storage.Printer, driver printers.Driver, mon *monitor.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cannot register printer %s after start", printer.ID)
	}
	if _, exists := s.fleet[printer.ID]; exists {
		return fmt.Errorf("printer %s already registered", printer.ID)
	}

	entry := &fleetEntry{printer: printer, driver: driver, monitor: mon, lastPhase: printers.PhaseUnknown}
	mon.OnStatus(func(ctx context.Context, update *printers.StatusUpdate) error {
		return s.onStatus(ctx, entry, update)
	})
	s.fleet[printer.ID] = entry
	return nil
}

// Start connects every driver (failures are logged, not fatal: the monitor
// backoff recovers them), starts the monitors, and launches the tasks.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	entries := make([]*fleetEntry, 0, len(s.fleet))
	for _, e := range s.fleet {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var connectWG sync.WaitGroup
	for _, entry := range entries {
		entry := entry
		connectWG.Add(1)
		go func() {
			defer connectWG.Done()
			cctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
			defer cancel()
			if err := entry.driver.Connect(cctx); err != nil {
				s.logger.Warn("initial printer connect failed",
					"printer", entry.printer.ID, "error", err)
			}
		}()
	}
	connectWG.Wait()

	for _, entry := range entries {
		entry.monitor.Start()
	}

	s.runTask("printer_status", s.opts.StatusInterval, s.opts.StatusFailureInterval, s.checkPrinterStatus)
	s.runTask("job_tracking", s.opts.JobInterval, s.opts.JobInterval, s.checkJobs)
	s.runTask("file_discovery", s.opts.DiscoveryInterval, s.opts.DiscoveryFailureInterval, s.discoverFiles)

	s.logger.Info("supervisor started", "printers", len(entries))
}

// Stop halts tasks, then monitors, then disconnects drivers, in that order.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	entries := make([]*fleetEntry, 0, len(s.fleet))
	for _, e := range s.fleet {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	for _, entry := range entries {
		entry.monitor.Stop()
	}
	for _, entry := range entries {
		entry.driver.Disconnect()
	}
	s.logger.Info("supervisor stopped")
}

// runTask loops fn on interval, stretching to failureInterval after an
// error. The shutdown signal is observed between iterations.
func (s *Supervisor) runTask(name string, interval, failureInterval time.Duration, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		next := interval
		for {
			select {
			case <-s.stopCh:
				return
			case <-time.After(next):
			}

			ctx, cancel := context.WithTimeout(context.Background(), failureInterval)
			err := fn(ctx)
			cancel()
			if err != nil {
				next = failureInterval
				s.logger.Warn("background task failed",
					"task", name, "error", err, "next_interval", next.String())
			} else {
				next = interval
			}
		}
	}()
}

// onStatus runs on every successful poll. It keeps job rows in step with
// telemetry: auto-creates unknown named jobs, syncs progress, and closes
// jobs whose print left the active phases.
func (s *Supervisor) onStatus(ctx context.Context, entry *fleetEntry, update *printers.StatusUpdate) error {
	printing := update.Phase == printers.PhasePrinting || update.Phase == printers.PhasePaused

	if printing && update.CurrentJobName != "" {
		job, err := s.jobSvc.FindActiveJob(ctx, entry.printer.ID, update.CurrentJobName)
		if err != nil {
			return err
		}
		if job == nil {
			if !s.opts.AutoCreateJobs {
				return nil
			}
			_, _, err := s.jobSvc.AutoCreate(ctx, entry.printer, update)
			return err
		}

		wantStatus := storage.JobPrinting
		if update.Phase == printers.PhasePaused {
			wantStatus = storage.JobPaused
		}
		if job.Status != wantStatus && (job.Status == storage.JobPrinting ||
			job.Status == storage.JobRunning || job.Status == storage.JobPaused) {
			if _, err := s.jobSvc.UpdateStatus(ctx, job.ID, wantStatus, false, ""); err != nil {
				s.logger.Warn("job status sync failed",
					"job_id", job.ID, "printer", entry.printer.ID, "error", err)
			}
		}
		if _, err := s.jobSvc.UpdateProgress(ctx, job.ID, float64(update.ProgressPercent)); err != nil {
			s.logger.Warn("job progress sync failed",
				"job_id", job.ID, "printer", entry.printer.ID, "error", err)
		}
		return nil
	}

	// Printer is no longer printing; close out anything still active.
	if update.Phase == printers.PhaseOnline || update.Phase == printers.PhaseError {
		active, err := s.jobSvc.ActiveJobs(ctx, entry.printer.ID)
		if err != nil {
			return err
		}
		for _, job := range active {
			if job.Status != storage.JobRunning && job.Status != storage.JobPrinting &&
				job.Status != storage.JobPaused {
				continue
			}
			final := storage.JobCompleted
			note := "print finished"
			if update.Phase == printers.PhaseError {
				final = storage.JobFailed
				note = update.Message
			}
			if _, err := s.jobSvc.UpdateStatus(ctx, job.ID, final, false, note); err != nil {
				s.logger.Warn("job close-out failed",
					"job_id", job.ID, "printer", entry.printer.ID, "error", err)
			}
		}
	}
	return nil
}

// checkPrinterStatus is Task 1: read each monitor's cached status, detect
// online/offline edges, emit, and write back through the repository.
func (s *Supervisor) checkPrinterStatus(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*fleetEntry, 0, len(s.fleet))
	for _, e := range s.fleet {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		update := entry.monitor.LastStatus()

		phase := printers.PhaseOffline
		var at time.Time
		if update != nil {
			phase = update.Phase
			at = update.At
			// A stale cache means the printer stopped answering.
			if time.Since(update.At) > 2*s.opts.StatusInterval {
				phase = printers.PhaseOffline
			}
		}

		prev := entry.lastPhase
		entry.lastPhase = phase

		wasOnline := prev != printers.PhaseOffline && prev != printers.PhaseUnknown
		isOnline := phase != printers.PhaseOffline && phase != printers.PhaseUnknown
		if isOnline && !wasOnline {
			s.bus.Emit(events.TypePrinterConnected, map[string]interface{}{
				"printer_id":   entry.printer.ID,
				"printer_name": entry.printer.Name,
			})
			s.recorder.Record(usage.EventPrinterOnline, map[string]interface{}{"printer_id": entry.printer.ID})
			s.logger.Info("printer online", "printer", entry.printer.ID, "phase", phase)
		} else if !isOnline && wasOnline {
			s.bus.Emit(events.TypePrinterDisconnected, map[string]interface{}{
				"printer_id":   entry.printer.ID,
				"printer_name": entry.printer.Name,
			})
			s.recorder.Record(usage.EventPrinterOffline, map[string]interface{}{"printer_id": entry.printer.ID})
			s.logger.Info("printer offline", "printer", entry.printer.ID)
		}

		data := map[string]interface{}{
			"printer_id":   entry.printer.ID,
			"printer_name": entry.printer.Name,
			"phase":        string(phase),
		}
		if update != nil {
			data["progress"] = update.ProgressPercent
			data["job_name"] = update.CurrentJobName
		}
		s.bus.Emit(events.TypePrinterStatus, data)

		if !at.IsZero() {
			if err := s.printerRepo.UpdateStatus(ctx, entry.printer.ID, string(phase), at); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("printer %s: %w", entry.printer.ID, err)
			}
		}
	}
	return firstErr
}

// checkJobs is Task 2: diff the active job set against the tracking map and
// emit lifecycle events.
func (s *Supervisor) checkJobs(ctx context.Context) error {
	active, err := s.jobSvc.ActiveJobs(ctx, "")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(active))
	for _, job := range active {
		seen[job.ID] = true
		prev, known := s.tracked[job.ID]
		s.tracked[job.ID] = trackedJob{status: job.Status, progress: job.Progress}

		nowRunning := job.Status == storage.JobRunning || job.Status == storage.JobPrinting
		wasRunning := known && (prev.status == storage.JobRunning || prev.status == storage.JobPrinting)
		if nowRunning && !wasRunning {
			s.bus.Emit(events.TypeJobStarted, map[string]interface{}{
				"job_id":       job.ID,
				"printer_id":   job.PrinterID,
				"printer_name": s.printerName(job.PrinterID),
				"job_name":     job.JobName,
				"progress":     job.Progress,
			})
			continue
		}

		if known && job.Progress-prev.progress >= 10 {
			s.bus.Emit(events.TypeJobUpdate, map[string]interface{}{
				"job_id":         job.ID,
				"printer_id":     job.PrinterID,
				"printer_name":   s.printerName(job.PrinterID),
				"job_name":       job.JobName,
				"progress":       job.Progress,
				"progress_delta": job.Progress - prev.progress,
			})
		}
	}

	// Jobs that left the active set reached a terminal status.
	for id := range s.tracked {
		if seen[id] {
			continue
		}
		delete(s.tracked, id)

		job, err := s.jobSvc.Get(ctx, id)
		if err != nil {
			s.logger.Warn("tracked job vanished", "job_id", id, "error", err)
			continue
		}
		if !storage.IsTerminalJobStatus(job.Status) {
			continue
		}
		s.bus.Emit(events.TypeJobCompleted, map[string]interface{}{
			"job_id":       job.ID,
			"printer_id":   job.PrinterID,
			"printer_name": s.printerName(job.PrinterID),
			"job_name":     job.JobName,
			"status":       job.Status,
		})
		usageType := usage.EventJobCompleted
		if job.Status == storage.JobFailed {
			usageType = usage.EventJobFailed
		}
		s.recorder.Record(usageType, map[string]interface{}{
			"printer_type": job.PrinterType,
			"status":       job.Status,
		})
	}
	return nil
}

// printerName resolves a fleet printer's display name. Caller holds s.mu.
func (s *Supervisor) printerName(id string) string {
	if entry, ok := s.fleet[id]; ok {
		return entry.printer.Name
	}
	return ""
}

// discoverFiles is Task 3: list files on every printer, ingest them, and
// scan the watch folders. Per-printer failures are isolated.
func (s *Supervisor) discoverFiles(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*fleetEntry, 0, len(s.fleet))
	for _, e := range s.fleet {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var (
		totalSeen int
		totalNew  int
		firstErr  error
	)
	for _, entry := range entries {
		lctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
		files, err := entry.driver.ListFiles(lctx)
		cancel()
		if err != nil {
			s.logger.Warn("file listing failed",
				"printer", entry.printer.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("printer %s: %w", entry.printer.ID, err)
			}
			continue
		}
		totalSeen += len(files)

		n, err := s.libSvc.IngestPrinterFiles(ctx, entry.printer, entry.driver, files)
		totalNew += n
		if err != nil {
			s.logger.Warn("printer file ingest incomplete",
				"printer", entry.printer.ID, "new_files", n, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("printer %s: %w", entry.printer.ID, err)
			}
		}
	}

	for _, dir := range s.opts.WatchFolders {
		n, err := s.libSvc.ScanFolder(ctx, dir)
		totalNew += n
		if err != nil {
			s.logger.Warn("watch folder scan failed", "folder", dir, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("folder %s: %w", dir, err)
			}
		}
	}

	s.bus.Emit(events.TypeFilesDiscovered, map[string]interface{}{
		"files_seen": totalSeen,
		"new_files":  totalNew,
	})
	if totalNew > 0 {
		s.bus.Emit(events.TypeNewFilesFound, map[string]interface{}{
			"new_files": totalNew,
		})
	}
	return firstErr
}

// ForceFileDiscovery runs the discovery pass out of band.
func (s *Supervisor) ForceFileDiscovery(ctx context.Context) error {
	return s.discoverFiles(ctx)
}

// PrinterCount reports the fleet size.
func (s *Supervisor) PrinterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fleet)
}

// MonitorMetrics returns each monitor's health snapshot keyed by printer id.
func (s *Supervisor) MonitorMetrics() map[string]monitor.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]monitor.Metrics, len(s.fleet))
	for id, entry := range s.fleet {
		out[id] = entry.monitor.Metrics()
	}
	return out
}
