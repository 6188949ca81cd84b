// Package printers defines the uniform contract every vendor driver
// implements and the normalized status types the rest of the system consumes.
package printers

import (
	"context"
	"time"
)

// Phase is the normalized printer state, distinct from vendor state strings.
type Phase string

const (
	PhaseOffline  Phase = "offline"
	PhaseOnline   Phase = "online"
	PhasePrinting Phase = "printing"
	PhasePaused   Phase = "paused"
	PhaseError    Phase = "error"
	PhaseUnknown  Phase = "unknown"
)

// ExternalSpoolSlot is the conventional slot index for filament fed outside
// the AMS.
const ExternalSpoolSlot = 254

// Temperatures holds the reported hotend/bed/chamber temperatures in °C.
// Nil pointers mean the printer did not report that sensor.
type Temperatures struct {
	Nozzle  *float64 `json:"nozzle,omitempty"`
	Bed     *float64 `json:"bed,omitempty"`
	Chamber *float64 `json:"chamber,omitempty"`
}

// Filament describes one loaded filament slot.
type Filament struct {
	Slot         int    `json:"slot"`
	Color        string `json:"color,omitempty"` // #RRGGBB
	MaterialType string `json:"material_type,omitempty"`
	IsActive     bool   `json:"is_active"`
}

// StatusUpdate is one normalized observation of a printer. It is a transient
// value; the supervisor persists only the phase and last-seen time.
type StatusUpdate struct {
	PrinterID       string                 `json:"printer_id"`
	At              time.Time              `json:"at"`
	Phase           Phase                  `json:"phase"`
	Message         string                 `json:"message,omitempty"`
	Temperatures    Temperatures           `json:"temperatures"`
	ProgressPercent int                    `json:"progress_percent"`
	CurrentJobName  string                 `json:"current_job_name,omitempty"`
	RemainingMin    *int                   `json:"remaining_minutes,omitempty"`
	ElapsedMin      *int                   `json:"elapsed_minutes,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	EstimatedEndAt  *time.Time             `json:"estimated_end_at,omitempty"`
	Filaments       []Filament             `json:"filaments,omitempty"`
	Raw             map[string]interface{} `json:"raw,omitempty"`
}

// JobInfo is the printer's own view of its current job.
type JobInfo struct {
	Name            string     `json:"name"`
	Filename        string     `json:"filename,omitempty"`
	ProgressPercent int        `json:"progress_percent"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EstimatedS      *int       `json:"estimated_duration_s,omitempty"`
	ElapsedS        *int       `json:"elapsed_s,omitempty"`
}

// PrinterFile is one file visible on a printer.
type PrinterFile struct {
	Name       string     `json:"name"` // path-like, origin-prefixed for OctoPrint
	SizeBytes  int64      `json:"size_bytes"`
	ModifiedAt *time.Time `json:"modified_at,omitempty"`
}

// Driver wraps one vendor protocol behind a uniform capability set. A driver
// is owned by exactly one monitor; implementations must still be safe for
// concurrent calls because push transports deliver on their own goroutines.
type Driver interface {
	// ID returns the printer id this driver serves.
	ID() string

	// Connect establishes the vendor connection. Calling it on an already
	// connected driver returns nil without side effects.
	Connect(ctx context.Context) error

	// Disconnect suppresses auto-reconnect and releases resources. Safe to
	// call repeatedly.
	Disconnect()

	// GetStatus returns the latest normalized status. It returns last-known
	// state if a refresh is in flight and never blocks past ctx's deadline.
	GetStatus(ctx context.Context) (*StatusUpdate, error)

	// GetJob returns the printer's current job, or nil when idle.
	GetJob(ctx context.Context) (*JobInfo, error)

	// ListFiles tries the driver's listing strategies in priority order;
	// first success wins, exhausted strategies aggregate into one error.
	ListFiles(ctx context.Context) ([]PrinterFile, error)

	// DownloadFile fetches remoteName into localPath via the same strategy
	// chain as ListFiles.
	DownloadFile(ctx context.Context, remoteName, localPath string) error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error

	HasCamera() bool
	// Snapshot returns a camera frame, or nil when no camera is available.
	Snapshot(ctx context.Context) ([]byte, error)
}
