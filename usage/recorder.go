// Package usage records local, privacy-preserving usage telemetry. Events
// are buffered in memory and flushed to the repository on a timer, so the
// callers on the print path never wait on the database and never see an
// error from here.
package usage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"printernizer/storage"
)

// Logger is the subset of the logger the recorder uses.
type Logger interface {
	Warn(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Well-known event types.
const (
	EventJobCompleted    = "job_completed"
	EventJobFailed       = "job_failed"
	EventFileIngested    = "file_ingested"
	EventPrinterOnline   = "printer_online"
	EventPrinterOffline  = "printer_offline"
	EventAppStarted      = "app_started"
	EventSnapshotCreated = "snapshot_created"
)

const (
	defaultFlushInterval = 30 * time.Second
	maxBuffered          = 1024
)

// Recorder buffers usage events and writes them in the background.
type Recorder struct {
	repo    storage.UsageStatisticsRepository
	logger  Logger
	enabled bool

	mu     sync.Mutex
	buf    []*storage.UsageEvent
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder. A disabled recorder accepts and discards
// everything, so call sites need no conditionals.
func NewRecorder(repo storage.UsageStatisticsRepository, enabled bool, logger Logger) *Recorder {
	r := &Recorder{
		repo:    repo,
		logger:  logger,
		enabled: enabled,
		stopCh:  make(chan struct{}),
	}
	if enabled {
		r.wg.Add(1)
		go r.flushLoop()
	}
	return r
}

// Record buffers one event. Never blocks, never fails; when the buffer is
// full the oldest event is dropped.
func (r *Recorder) Record(eventType string, payload map[string]interface{}) {
	if !r.enabled {
		return
	}
	evt := &storage.UsageEvent{
		EventType: eventType,
		At:        time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			evt.Payload = raw
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if len(r.buf) >= maxBuffered {
		r.buf = r.buf[1:]
		r.logger.Warn("usage buffer full, dropping oldest event")
	}
	r.buf = append(r.buf, evt)
}

// Flush writes the buffered events now. Safe to call concurrently with
// Record.
func (r *Recorder) Flush(ctx context.Context) {
	r.mu.Lock()
	pending := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	for i, evt := range pending {
		if err := r.repo.InsertEvent(ctx, evt); err != nil {
			r.logger.Warn("usage flush failed, requeueing",
				"error", err, "remaining", len(pending)-i)
			r.mu.Lock()
			if !r.closed {
				r.buf = append(pending[i:], r.buf...)
			}
			r.mu.Unlock()
			return
		}
	}
	r.logger.Debug("usage events flushed", "count", len(pending))
}

// Close flushes once more and stops the background loop.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if r.enabled {
		close(r.stopCh)
		r.wg.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Flush(ctx)

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			r.Flush(ctx)
			cancel()
		}
	}
}

// CountsByType reports stored event counts over a window.
func (r *Recorder) CountsByType(ctx context.Context, since, until time.Time) (map[string]int, error) {
	return r.repo.GetEventCountsByType(ctx, since, until)
}
