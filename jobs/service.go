package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"printernizer/events"
	"printernizer/printers"
	"printernizer/storage"
)

// Logger is the subset of the logger the job service uses.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// CreateParams is the manual-creation schema.
type CreateParams struct {
	PrinterID    string          `validate:"required"`
	PrinterType  string          `validate:"required,oneof=bambu_lab prusa octoprint"`
	JobName      string          `validate:"required"`
	Filename     string          `validate:"omitempty"`
	Status       string          `validate:"omitempty,oneof=pending queued preparing running printing paused"`
	EstimatedS   *int64          `validate:"omitempty,min=0"`
	IsBusiness   bool            ``
	CustomerInfo json.RawMessage ``
	StartedAt    *time.Time      ``
}

// Service owns the job lifecycle. All read-modify-write sequences on one job
// serialize behind a per-job lock.
type Service struct {
	repo     storage.JobRepository
	bus      *events.Bus
	logger   Logger
	validate *validator.Validate

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewService creates a job service.
func NewService(repo storage.JobRepository, bus *events.Bus, logger Logger) *Service {
	return &Service{
		repo:     repo,
		bus:      bus,
		logger:   logger,
		validate: validator.New(),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

// lockJob returns the mutex guarding one job id. Locks are never removed;
// the map stays small because ids are bounded by job volume per process run.
func (s *Service) lockJob(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	return mu
}

func customerName(info json.RawMessage) string {
	var m map[string]interface{}
	if err := json.Unmarshal(info, &m); err != nil {
		return ""
	}
	name, _ := m["customer_name"].(string)
	return name
}

// Create makes a job from validated manual input. Returns the created job,
// or the ErrDuplicate sentinel when the dedup tuple already exists.
func (s *Service) Create(ctx context.Context, params CreateParams) (*storage.Job, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("invalid job: %w", err)
	}
	if params.IsBusiness && customerName(params.CustomerInfo) == "" {
		return nil, errors.New("business jobs require customer_info.customer_name")
	}

	status := params.Status
	if status == "" {
		status = storage.JobPending
	}
	job := &storage.Job{
		ID:           uuid.NewString(),
		PrinterID:    params.PrinterID,
		PrinterType:  params.PrinterType,
		JobName:      params.JobName,
		Filename:     params.Filename,
		Status:       status,
		StartedAt:    params.StartedAt,
		EstimatedS:   params.EstimatedS,
		IsBusiness:   params.IsBusiness,
		CustomerInfo: params.CustomerInfo,
	}
	if (status == storage.JobRunning || status == storage.JobPrinting) && job.StartedAt == nil {
		now := s.now().UTC()
		job.StartedAt = &now
	}

	if err := s.repo.Create(ctx, job); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, storage.ErrDuplicate
		}
		return nil, err
	}

	s.bus.Emit(events.TypeJobCreated, map[string]interface{}{
		"job_id":     job.ID,
		"printer_id": job.PrinterID,
		"job_name":   job.JobName,
		"status":     job.Status,
	})
	s.logger.Info("job created", "job_id", job.ID, "printer", job.PrinterID, "name", job.JobName)
	return job, nil
}

// AutoCreate synthesizes a job from printer telemetry. The boolean result is
// false when the dedup tuple already exists; that case emits nothing.
func (s *Service) AutoCreate(ctx context.Context, printer *storage.Printer, update *printers.StatusUpdate) (*storage.Job, bool, error) {
	if update.CurrentJobName == "" {
		return nil, false, errors.New("auto-create requires a job name")
	}

	status := storage.JobPrinting
	if update.Phase == printers.PhasePaused {
		status = storage.JobPaused
	}
	job := &storage.Job{
		ID:          uuid.NewString(),
		PrinterID:   printer.ID,
		PrinterType: printer.Type,
		JobName:     update.CurrentJobName,
		Filename:    update.CurrentJobName,
		Status:      status,
		Progress:    RoundProgress(float64(update.ProgressPercent)),
	}
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	} else {
		// Start time missing from telemetry (print resumed from pause).
		now := s.now().UTC()
		job.StartedAt = &now
	}
	if update.RemainingMin != nil && update.ElapsedMin != nil {
		total := int64(*update.RemainingMin+*update.ElapsedMin) * 60
		job.EstimatedS = &total
	}

	err := s.repo.Create(ctx, job)
	if errors.Is(err, storage.ErrDuplicate) {
		s.logger.Debug("auto-create skipped, job already tracked",
			"printer", printer.ID, "name", job.JobName)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.bus.Emit(events.TypeJobCreated, map[string]interface{}{
		"job_id":       job.ID,
		"printer_id":   job.PrinterID,
		"job_name":     job.JobName,
		"status":       job.Status,
		"auto_created": true,
	})
	s.logger.Info("job auto-created from telemetry",
		"job_id", job.ID, "printer", printer.ID, "name", job.JobName)
	return job, true, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id string) (*storage.Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns jobs matching the filter.
func (s *Service) List(ctx context.Context, filter storage.JobFilter) ([]*storage.Job, error) {
	return s.repo.List(ctx, filter)
}

// ActiveJobs returns jobs in a non-terminal status, optionally for one printer.
func (s *Service) ActiveJobs(ctx context.Context, printerID string) ([]*storage.Job, error) {
	return s.repo.List(ctx, storage.JobFilter{
		PrinterID: printerID,
		Statuses:  ActiveStatuses(),
	})
}

// FindActiveJob returns the active job with the given name on a printer, or
// nil when the service does not know it yet.
func (s *Service) FindActiveJob(ctx context.Context, printerID, jobName string) (*storage.Job, error) {
	active, err := s.ActiveJobs(ctx, printerID)
	if err != nil {
		return nil, err
	}
	for _, job := range active {
		if job.JobName == jobName {
			return job, nil
		}
	}
	return nil, nil
}

// UpdateStatus applies a status transition. Repeating the current status is
// a no-op; invalid transitions fail with InvalidTransitionError unless
// force is set.
func (s *Service) UpdateStatus(ctx context.Context, id, newStatus string, force bool, completionNotes string) (*storage.Job, error) {
	mu := s.lockJob(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == newStatus {
		return job, nil
	}
	if !force {
		if err := ValidateTransition(id, job.Status, newStatus); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	patch := storage.JobPatch{Status: &newStatus}

	if (newStatus == storage.JobRunning || newStatus == storage.JobPrinting) && job.StartedAt == nil {
		patch.StartedAt = &now
	}
	if storage.IsTerminalJobStatus(newStatus) && job.EndedAt == nil {
		patch.EndedAt = &now
		started := job.StartedAt
		if patch.StartedAt != nil {
			started = patch.StartedAt
		}
		if started != nil {
			actual := int64(now.Sub(*started).Seconds())
			if actual >= 0 {
				patch.ActualS = &actual
			}
		}
	}

	noteText := completionNotes
	if noteText == "" && force {
		noteText = "forced transition"
	}
	if noteText != "" {
		note := fmt.Sprintf("[%s] Status changed: %s -> %s: %s",
			now.Format(time.RFC3339), job.Status, newStatus, noteText)
		combined := job.Notes
		if combined != "" {
			combined += "\n"
		}
		combined += note
		patch.Notes = &combined
	}

	if err := s.repo.Update(ctx, id, patch); err != nil {
		return nil, err
	}
	updated, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.bus.Emit(events.TypeJobStatusChanged, map[string]interface{}{
		"job_id":     id,
		"printer_id": job.PrinterID,
		"job_name":   job.JobName,
		"old_status": job.Status,
		"new_status": newStatus,
		"forced":     force,
	})
	s.logger.Info("job status changed",
		"job_id", id, "from", job.Status, "to", newStatus, "forced", force)
	return updated, nil
}

// RoundProgress clamps to 0..100 and rounds half to even.
func RoundProgress(v float64) int {
	r := int(math.RoundToEven(v))
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

// UpdateProgress writes a clamped progress value and emits
// job_progress_updated when it changed.
func (s *Service) UpdateProgress(ctx context.Context, id string, progress float64) (*storage.Job, error) {
	mu := s.lockJob(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rounded := RoundProgress(progress)
	if rounded == job.Progress {
		return job, nil
	}
	patch := storage.JobPatch{Progress: &rounded}
	if err := s.repo.Update(ctx, id, patch); err != nil {
		return nil, err
	}
	job.Progress = rounded

	s.bus.Emit(events.TypeJobProgressUpdated, map[string]interface{}{
		"job_id":     id,
		"printer_id": job.PrinterID,
		"progress":   rounded,
	})
	return job, nil
}

// UpdateParams carries mutable job fields for manual edits. Immutable fields
// (id, created_at, printer_id, printer_type) have no entry here.
type UpdateParams struct {
	JobName      *string
	Filename     *string
	EstimatedS   *int64
	MaterialG    *float64
	MaterialCost *float64
	PowerCost    *float64
	IsBusiness   *bool
	CustomerInfo json.RawMessage
	Notes        *string
}

// Update applies a manual edit.
func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (*storage.Job, error) {
	mu := s.lockJob(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if params.JobName != nil && *params.JobName == "" {
		return nil, errors.New("job_name cannot be empty")
	}
	if params.IsBusiness != nil && *params.IsBusiness {
		info := params.CustomerInfo
		if info == nil {
			info = job.CustomerInfo
		}
		if customerName(info) == "" {
			return nil, errors.New("business jobs require customer_info.customer_name")
		}
	}

	patch := storage.JobPatch{
		JobName:      params.JobName,
		Filename:     params.Filename,
		EstimatedS:   params.EstimatedS,
		MaterialG:    params.MaterialG,
		MaterialCost: params.MaterialCost,
		PowerCost:    params.PowerCost,
		IsBusiness:   params.IsBusiness,
		CustomerInfo: params.CustomerInfo,
		Notes:        params.Notes,
	}
	if err := s.repo.Update(ctx, id, patch); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// Delete removes a job. Non-terminal jobs require admin=true.
func (s *Service) Delete(ctx context.Context, id string, admin bool) error {
	mu := s.lockJob(id)
	mu.Lock()
	defer mu.Unlock()

	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !storage.IsTerminalJobStatus(job.Status) && !admin {
		return fmt.Errorf("job %s is %s; only terminal jobs can be deleted", id, job.Status)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.bus.Emit(events.TypeJobDeleted, map[string]interface{}{
		"job_id":     id,
		"printer_id": job.PrinterID,
		"job_name":   job.JobName,
	})
	return nil
}

// Statistics returns repository aggregates.
func (s *Service) Statistics(ctx context.Context) (*storage.JobStatistics, error) {
	return s.repo.GetStatistics(ctx)
}
