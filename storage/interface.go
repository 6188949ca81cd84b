// Package storage defines the persistence contracts the supervisor core
// depends on, plus a SQLite implementation. Implementations can be swapped;
// the core only sees these interfaces.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a uniqueness constraint
	ErrDuplicate = errors.New("already exists")
)

// Job statuses.
const (
	JobPending   = "pending"
	JobQueued    = "queued"
	JobPreparing = "preparing"
	JobRunning   = "running"
	JobPrinting  = "printing"
	JobPaused    = "paused"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
	JobUnknown   = "unknown"
)

// IsTerminalJobStatus reports whether a job status admits no further work.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job is one tracked print job.
type Job struct {
	ID          string          `json:"id"`
	PrinterID   string          `json:"printer_id"`
	PrinterType string          `json:"printer_type"`
	JobName     string          `json:"job_name"`
	Filename    string          `json:"filename,omitempty"`
	Status      string          `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	EstimatedS  *int64          `json:"estimated_duration_s,omitempty"`
	ActualS     *int64          `json:"actual_duration_s,omitempty"`
	Progress    int             `json:"progress"`
	MaterialG   *float64        `json:"material_used_g,omitempty"`
	MaterialCost *float64       `json:"material_cost,omitempty"`
	PowerCost   *float64        `json:"power_cost,omitempty"`
	IsBusiness  bool            `json:"is_business"`
	CustomerInfo json.RawMessage `json:"customer_info,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Notes       string          `json:"notes,omitempty"`
}

// JobFilter narrows job queries. Zero values mean "any".
type JobFilter struct {
	PrinterID  string
	Statuses   []string
	IsBusiness *bool
	Limit      int
	Offset     int
}

// JobPatch is a partial update; nil fields are left untouched.
type JobPatch struct {
	JobName      *string
	Filename     *string
	Status       *string
	StartedAt    *time.Time
	EndedAt      *time.Time
	EstimatedS   *int64
	ActualS      *int64
	Progress     *int
	MaterialG    *float64
	MaterialCost *float64
	PowerCost    *float64
	IsBusiness   *bool
	CustomerInfo json.RawMessage
	Notes        *string
}

// JobStatistics aggregates across all jobs.
type JobStatistics struct {
	TotalJobs      int     `json:"total_jobs"`
	CompletedJobs  int     `json:"completed_jobs"`
	FailedJobs     int     `json:"failed_jobs"`
	CancelledJobs  int     `json:"cancelled_jobs"`
	ActiveJobs     int     `json:"active_jobs"`
	TotalPrintTimeS int64  `json:"total_print_time_s"`
	TotalMaterialG float64 `json:"total_material_g"`
	BusinessJobs   int     `json:"business_jobs"`
}

// JobRepository persists jobs.
type JobRepository interface {
	// Create inserts a job. Returns ErrDuplicate when the
	// (printer_id, filename, started_at) tuple is already present.
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]*Job, error)
	Count(ctx context.Context, filter JobFilter) (int, error)
	Update(ctx context.Context, id string, patch JobPatch) error
	Delete(ctx context.Context, id string) error
	GetByDateRange(ctx context.Context, from, to time.Time, filter JobFilter) ([]*Job, error)
	GetStatistics(ctx context.Context) (*JobStatistics, error)
}

// Library file statuses and source types.
const (
	FileAvailable  = "available"
	FileProcessing = "processing"
	FileError      = "error"
	FileDeleted    = "deleted"

	SourcePrinter     = "printer"
	SourceWatchFolder = "watch_folder"
	SourceUpload      = "upload"
	SourceURL         = "url"
)

// LibraryFile is one content-addressed file in the library.
type LibraryFile struct {
	Checksum        string          `json:"checksum"`
	Filename        string          `json:"filename"`
	DisplayName     string          `json:"display_name,omitempty"`
	LibraryPath     string          `json:"library_path"`
	SizeBytes       int64           `json:"size_bytes"`
	FileType        string          `json:"file_type"` // 3mf, stl, gcode, bgcode, obj, ply, other
	Status          string          `json:"status"`
	AddedAt         time.Time       `json:"added_at"`
	LastModified    *time.Time      `json:"last_modified,omitempty"`
	LastAnalyzed    *time.Time      `json:"last_analyzed,omitempty"`
	IsDuplicate     bool            `json:"is_duplicate"`
	DuplicateOf     string          `json:"duplicate_of_checksum,omitempty"`
	Thumbnail       []byte          `json:"-"`
	ThumbnailWidth  int             `json:"thumbnail_width,omitempty"`
	ThumbnailHeight int             `json:"thumbnail_height,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	SearchIndex     string          `json:"-"`
}

// LibraryFileSource records one location a file was observed at.
type LibraryFileSource struct {
	Checksum     string    `json:"checksum"`
	SourceType   string    `json:"source_type"`
	SourceID     string    `json:"source_id"`
	SourceName   string    `json:"source_name,omitempty"`
	OriginalPath string    `json:"original_path"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	PrinterModel string    `json:"printer_model,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// FileFilter narrows library listings.
type FileFilter struct {
	SourceType     string
	FileType       string
	Status         string
	Search         string
	HasThumbnail   *bool
	HasMetadata    *bool
	Manufacturer   string
	PrinterModel   string
	ShowDuplicates bool
	OnlyDuplicates bool
	SortBy         string // created_at (default), filename, file_size, last_modified
	SortDesc       bool
}

// FilePatch is a partial library-file update.
type FilePatch struct {
	DisplayName     *string
	LibraryPath     *string
	Status          *string
	LastModified    *time.Time
	LastAnalyzed    *time.Time
	IsDuplicate     *bool
	DuplicateOf     *string
	Thumbnail       []byte
	ThumbnailWidth  *int
	ThumbnailHeight *int
	Metadata        json.RawMessage
	SearchIndex     *string
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// LibraryStats aggregates across the library.
type LibraryStats struct {
	TotalFiles     int   `json:"total_files"`
	TotalBytes     int64 `json:"total_bytes"`
	AvailableFiles int   `json:"available_files"`
	DuplicateFiles int   `json:"duplicate_files"`
	SourceCount    int   `json:"source_count"`
	WithThumbnail  int   `json:"files_with_thumbnail"`
}

// LibraryRepository persists library files and their sources.
type LibraryRepository interface {
	CreateFile(ctx context.Context, file *LibraryFile) error
	GetFileByChecksum(ctx context.Context, checksum string) (*LibraryFile, error)
	UpdateFile(ctx context.Context, checksum string, patch FilePatch) error
	DeleteFile(ctx context.Context, checksum string) error
	ListFiles(ctx context.Context, filter FileFilter, page, limit int) ([]*LibraryFile, *Pagination, error)

	// CreateFileSource upserts a source row; re-inserting an identical
	// (checksum, source_type, source_id, original_path) tuple is a no-op.
	CreateFileSource(ctx context.Context, src *LibraryFileSource) error
	// HasFileSource reports whether any source row exists for the given
	// location, regardless of checksum.
	HasFileSource(ctx context.Context, sourceType, sourceID, originalPath string) (bool, error)
	ListFileSources(ctx context.Context, checksum string) ([]*LibraryFileSource, error)
	DeleteFileSource(ctx context.Context, src *LibraryFileSource) error
	DeleteFileSources(ctx context.Context, checksum string) error

	GetStats(ctx context.Context) (*LibraryStats, error)
}

// Printer is the persisted printer record: configuration plus last-known
// liveness written back by the supervisor.
type Printer struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       string     `json:"type"` // bambu_lab, prusa, octoprint
	Host       string     `json:"host"`
	Port       int        `json:"port,omitempty"`
	APIKey     string     `json:"api_key,omitempty"`
	AccessCode string     `json:"access_code,omitempty"`
	Serial     string     `json:"serial,omitempty"`
	IsActive   bool       `json:"is_active"`
	LastStatus string     `json:"last_status,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// PrinterPatch is a partial printer update.
type PrinterPatch struct {
	Name       *string
	Host       *string
	Port       *int
	APIKey     *string
	AccessCode *string
	Serial     *string
	IsActive   *bool
}

// PrinterRepository persists printers.
type PrinterRepository interface {
	Create(ctx context.Context, p *Printer) error
	Get(ctx context.Context, id string) (*Printer, error)
	List(ctx context.Context, activeOnly bool) ([]*Printer, error)
	Update(ctx context.Context, id string, patch PrinterPatch) error
	// UpdateStatus writes the last observed phase and last-seen time.
	UpdateStatus(ctx context.Context, id string, phase string, lastSeen time.Time) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
}

// Notification channel types and history statuses.
const (
	ChannelDiscord = "discord"
	ChannelSlack   = "slack"
	ChannelNtfy    = "ntfy"

	NotifySent    = "sent"
	NotifyFailed  = "failed"
	NotifyPending = "pending"
)

// NotificationChannel is one configured webhook target.
type NotificationChannel struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	WebhookURL string    `json:"webhook_url"`
	Topic      string    `json:"topic,omitempty"` // ntfy only
	IsEnabled  bool      `json:"is_enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// NotificationHistoryEntry is one recorded delivery attempt.
type NotificationHistoryEntry struct {
	ID        int64           `json:"id"`
	ChannelID string          `json:"channel_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data,omitempty"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

// NotificationRepository persists channels, subscriptions, and history.
type NotificationRepository interface {
	CreateChannel(ctx context.Context, ch *NotificationChannel) error
	GetChannel(ctx context.Context, id string) (*NotificationChannel, error)
	ListChannels(ctx context.Context, enabledOnly bool) ([]*NotificationChannel, error)
	UpdateChannel(ctx context.Context, ch *NotificationChannel) error
	DeleteChannel(ctx context.Context, id string) error

	SetSubscriptions(ctx context.Context, channelID string, eventTypes []string) error
	GetSubscriptions(ctx context.Context, channelID string) ([]string, error)
	// ChannelsForEvent returns enabled channels subscribed to eventType.
	ChannelsForEvent(ctx context.Context, eventType string) ([]*NotificationChannel, error)

	Record(ctx context.Context, entry *NotificationHistoryEntry) error
	History(ctx context.Context, channelID string, limit, offset int) ([]*NotificationHistoryEntry, error)
	HistoryCount(ctx context.Context, channelID string) (int, error)
	// Cleanup deletes history older than the given number of days and
	// returns the number of rows removed.
	Cleanup(ctx context.Context, olderThanDays int) (int, error)
}

// UsageEvent is one append-only local telemetry event.
type UsageEvent struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
	Submitted bool            `json:"submitted"`
}

// UsageEventFilter narrows usage-event queries.
type UsageEventFilter struct {
	EventType string
	Since     *time.Time
	Until     *time.Time
	Submitted *bool
	Limit     int
}

// UsageStatisticsRepository persists local usage telemetry.
type UsageStatisticsRepository interface {
	InsertEvent(ctx context.Context, evt *UsageEvent) error
	GetEvents(ctx context.Context, filter UsageEventFilter) ([]*UsageEvent, error)
	GetEventCountsByType(ctx context.Context, since, until time.Time) (map[string]int, error)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	MarkEventsSubmitted(ctx context.Context, since, until time.Time) (int, error)
}

// Snapshot is one stored camera frame.
type Snapshot struct {
	ID              string    `json:"id"`
	PrinterID       string    `json:"printer_id"`
	JobID           string    `json:"job_id,omitempty"`
	Filename        string    `json:"filename"`
	SizeBytes       int64     `json:"size_bytes"`
	CapturedAt      time.Time `json:"captured_at"`
	IsValid         *bool     `json:"is_valid,omitempty"`
	ValidationError string    `json:"validation_error,omitempty"`
}

// SnapshotContext is a snapshot joined with its printer and job labels.
type SnapshotContext struct {
	Snapshot
	PrinterName string `json:"printer_name,omitempty"`
	JobName     string `json:"job_name,omitempty"`
}

// SnapshotRepository persists snapshot metadata.
type SnapshotRepository interface {
	Create(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, id string) (*SnapshotContext, error)
	List(ctx context.Context, printerID, jobID string, page, limit int) ([]*Snapshot, *Pagination, error)
	Delete(ctx context.Context, id string) error
	UpdateValidation(ctx context.Context, id string, valid bool, validationErr string) error
}
