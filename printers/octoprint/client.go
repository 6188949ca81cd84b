// Package octoprint implements the printer driver for OctoPrint (and
// Prusa Connect instances exposing the OctoPrint API): REST polling plus a
// SockJS push channel that keeps a status cache warm. The cache is the
// single source of truth; REST is the refresh path when it goes stale.
package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"printernizer/printers"
)

// Logger is the subset of the logger the driver uses.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// pushMaxAge is how long a pushed status is trusted before REST refreshes it.
const pushMaxAge = 15 * time.Second

// Config holds the connection parameters for one OctoPrint instance.
type Config struct {
	PrinterID string
	Host      string
	Port      int
	APIKey    string
	UseTLS    bool
	Timeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 80
		if c.UseTLS {
			c.Port = 443
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Driver implements printers.Driver against the OctoPrint REST API.
type Driver struct {
	cfg    Config
	logger Logger
	http   *http.Client

	mu        sync.Mutex
	connected bool
	pushed    *printers.StatusUpdate
	pushedAt  time.Time

	push   *pushClient
	now    func() time.Time
}

// New creates an OctoPrint driver. It does not connect.
func New(cfg Config, logger Logger) *Driver {
	cfg.applyDefaults()
	return &Driver{
		cfg:    cfg,
		logger: logger,
		http:   &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

// ID returns the printer id this driver serves.
func (d *Driver) ID() string { return d.cfg.PrinterID }

func (d *Driver) baseURL() string {
	scheme := "http"
	if d.cfg.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, d.cfg.Host, d.cfg.Port)
}

// get performs an authenticated GET and decodes the JSON response into out.
func (d *Driver) get(ctx context.Context, apiPath string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL()+apiPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", d.cfg.APIKey)

	resp, err := d.http.Do(req)
	if err != nil {
		return &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &printers.AuthError{PrinterID: d.cfg.PrinterID, Reason: resp.Status}
	case resp.StatusCode >= 500:
		return &printers.ConnectionError{PrinterID: d.cfg.PrinterID,
			Err: fmt.Errorf("GET %s: %s", apiPath, resp.Status)}
	case resp.StatusCode == http.StatusConflict:
		// Printer not operational; the caller maps this per endpoint.
		return errNotOperational
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("GET %s: unexpected status %s", apiPath, resp.Status)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// post issues an authenticated JSON POST.
func (d *Driver) post(ctx context.Context, apiPath string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL()+apiPath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", d.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		return &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &printers.AuthError{PrinterID: d.cfg.PrinterID, Reason: resp.Status}
	case resp.StatusCode >= 500:
		return &printers.ConnectionError{PrinterID: d.cfg.PrinterID,
			Err: fmt.Errorf("POST %s: %s", apiPath, resp.Status)}
	case resp.StatusCode == http.StatusConflict:
		return errNotOperational
	case resp.StatusCode >= 300:
		return fmt.Errorf("POST %s: unexpected status %s", apiPath, resp.Status)
	}
	return nil
}

var errNotOperational = fmt.Errorf("printer is not operational")

// Connect verifies the REST API is reachable, then starts the push channel
// in the background. Push failures are non-fatal; REST polling keeps working.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	var version struct {
		Server string `json:"server"`
		Text   string `json:"text"`
	}
	if err := d.get(ctx, "/api/version", &version); err != nil {
		return err
	}

	d.mu.Lock()
	d.connected = true
	if d.push == nil {
		d.push = newPushClient(d)
		d.push.start()
	}
	d.mu.Unlock()

	d.logger.Info("octoprint connected",
		"printer", d.cfg.PrinterID, "server", version.Server, "version", version.Text)
	return nil
}

// Disconnect stops the push channel. Safe to call repeatedly.
func (d *Driver) Disconnect() {
	d.mu.Lock()
	push := d.push
	d.push = nil
	wasConnected := d.connected
	d.connected = false
	d.mu.Unlock()

	if push != nil {
		push.stop()
	}
	if wasConnected {
		d.logger.Debug("octoprint disconnected", "printer", d.cfg.PrinterID)
	}
}

// stateFlags mirrors the state.flags object OctoPrint reports.
type stateFlags struct {
	Operational   bool `json:"operational"`
	Printing      bool `json:"printing"`
	Paused        bool `json:"paused"`
	Pausing       bool `json:"pausing"`
	Error         bool `json:"error"`
	Ready         bool `json:"ready"`
	ClosedOrError bool `json:"closedOrError"`
}

// stateResponse mirrors GET /api/printer.
type stateResponse struct {
	State struct {
		Text  string     `json:"text"`
		Flags stateFlags `json:"flags"`
	} `json:"state"`
	Temperature map[string]struct {
		Actual float64 `json:"actual"`
		Target float64 `json:"target"`
	} `json:"temperature"`
}

// jobResponse mirrors GET /api/job.
type jobResponse struct {
	Job struct {
		File struct {
			Name string `json:"name"`
			Path string `json:"path"`
		} `json:"file"`
		EstimatedPrintTime float64 `json:"estimatedPrintTime"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     *int     `json:"printTime"`
		PrintTimeLeft *int     `json:"printTimeLeft"`
	} `json:"progress"`
}

func phaseFromFlags(flags stateFlags) printers.Phase {
	switch {
	case flags.Printing:
		return printers.PhasePrinting
	case flags.Paused || flags.Pausing:
		return printers.PhasePaused
	case flags.Error || flags.ClosedOrError:
		return printers.PhaseError
	case flags.Operational || flags.Ready:
		return printers.PhaseOnline
	default:
		return printers.PhaseUnknown
	}
}

// GetStatus returns the pushed status while it is fresh and refreshes over
// REST otherwise.
func (d *Driver) GetStatus(ctx context.Context) (*printers.StatusUpdate, error) {
	d.mu.Lock()
	connected := d.connected
	pushed := d.pushed
	pushedAt := d.pushedAt
	d.mu.Unlock()

	if !connected {
		return nil, &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: printers.ErrNotConnected}
	}
	if pushed != nil && d.now().Sub(pushedAt) < pushMaxAge {
		return pushed, nil
	}
	return d.fetchStatus(ctx)
}

func (d *Driver) fetchStatus(ctx context.Context) (*printers.StatusUpdate, error) {
	var state stateResponse
	if err := d.get(ctx, "/api/printer", &state); err != nil {
		if err == errNotOperational {
			// No printer attached; the instance itself is up.
			return &printers.StatusUpdate{
				PrinterID: d.cfg.PrinterID,
				At:        d.now(),
				Phase:     printers.PhaseOffline,
				Message:   "printer not operational",
			}, nil
		}
		return nil, err
	}

	update := &printers.StatusUpdate{
		PrinterID: d.cfg.PrinterID,
		At:        d.now(),
		Phase:     phaseFromFlags(state.State.Flags),
		Message:   state.State.Text,
	}
	if t, ok := state.Temperature["tool0"]; ok {
		v := t.Actual
		update.Temperatures.Nozzle = &v
	}
	if t, ok := state.Temperature["bed"]; ok {
		v := t.Actual
		update.Temperatures.Bed = &v
	}

	if update.Phase == printers.PhasePrinting || update.Phase == printers.PhasePaused {
		var job jobResponse
		if err := d.get(ctx, "/api/job", &job); err == nil {
			applyJob(update, &job, d.now())
		} else {
			d.logger.Debug("octoprint job fetch failed", "printer", d.cfg.PrinterID, "error", err)
		}
		if update.CurrentJobName == "" {
			update.CurrentJobName = fmt.Sprintf("print-%s", d.now().Format("20060102-150405"))
		}
	}
	return update, nil
}

func applyJob(update *printers.StatusUpdate, job *jobResponse, now time.Time) {
	update.CurrentJobName = job.Job.File.Name
	if job.Progress.Completion != nil {
		update.ProgressPercent = clampPercent(int(*job.Progress.Completion + 0.5))
	}
	if job.Progress.PrintTime != nil {
		v := *job.Progress.PrintTime / 60
		update.ElapsedMin = &v
		started := now.Add(-time.Duration(*job.Progress.PrintTime) * time.Second)
		update.StartedAt = &started
	}
	if job.Progress.PrintTimeLeft != nil {
		v := *job.Progress.PrintTimeLeft / 60
		update.RemainingMin = &v
		end := now.Add(time.Duration(*job.Progress.PrintTimeLeft) * time.Second)
		update.EstimatedEndAt = &end
	}
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// GetJob returns the current job, or nil when idle.
func (d *Driver) GetJob(ctx context.Context) (*printers.JobInfo, error) {
	var job jobResponse
	if err := d.get(ctx, "/api/job", &job); err != nil {
		if err == errNotOperational {
			return nil, nil
		}
		return nil, err
	}
	if job.Job.File.Name == "" {
		return nil, nil
	}
	info := &printers.JobInfo{
		Name:     job.Job.File.Name,
		Filename: job.Job.File.Path,
	}
	if job.Progress.Completion != nil {
		info.ProgressPercent = clampPercent(int(*job.Progress.Completion + 0.5))
	}
	if job.Job.EstimatedPrintTime > 0 {
		v := int(job.Job.EstimatedPrintTime)
		info.EstimatedS = &v
	}
	if job.Progress.PrintTime != nil {
		v := *job.Progress.PrintTime
		info.ElapsedS = &v
		started := d.now().Add(-time.Duration(v) * time.Second)
		info.StartedAt = &started
	}
	return info, nil
}

// Pause pauses the running print.
func (d *Driver) Pause(ctx context.Context) error {
	return d.post(ctx, "/api/job", map[string]string{"command": "pause", "action": "pause"})
}

// Resume resumes a paused print.
func (d *Driver) Resume(ctx context.Context) error {
	return d.post(ctx, "/api/job", map[string]string{"command": "pause", "action": "resume"})
}

// Stop cancels the running print.
func (d *Driver) Stop(ctx context.Context) error {
	return d.post(ctx, "/api/job", map[string]string{"command": "cancel"})
}

// webcamSettings mirrors the webcam part of GET /api/settings.
type webcamSettings struct {
	Webcam struct {
		SnapshotURL   string `json:"snapshotUrl"`
		WebcamEnabled bool   `json:"webcamEnabled"`
	} `json:"webcam"`
}

// HasCamera reports whether the instance advertises a webcam snapshot URL.
func (d *Driver) HasCamera() bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	var settings webcamSettings
	if err := d.get(ctx, "/api/settings", &settings); err != nil {
		return false
	}
	return settings.Webcam.WebcamEnabled && settings.Webcam.SnapshotURL != ""
}

// Snapshot fetches one webcam frame.
func (d *Driver) Snapshot(ctx context.Context) ([]byte, error) {
	var settings webcamSettings
	if err := d.get(ctx, "/api/settings", &settings); err != nil {
		return nil, err
	}
	if !settings.Webcam.WebcamEnabled || settings.Webcam.SnapshotURL == "" {
		return nil, printers.ErrNoCamera
	}
	snapshotURL := settings.Webcam.SnapshotURL
	if strings.HasPrefix(snapshotURL, "/") {
		snapshotURL = d.baseURL() + snapshotURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapshotURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot: unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
