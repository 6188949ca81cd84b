// Package events implements the in-process event bus that connects the
// supervisor, job service, library service, and notification dispatcher.
//
// Each subscription owns a bounded FIFO queue drained by a dedicated
// goroutine, so a slow handler delays only itself. When a queue exceeds its
// high-water mark the oldest event is dropped with a warning.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Event type constants used on the bus.
const (
	TypePrinterStatus       = "printer_status"
	TypePrinterConnected    = "printer_connected"
	TypePrinterDisconnected = "printer_disconnected"
	TypeJobCreated          = "job_created"
	TypeJobStarted          = "job_started"
	TypeJobCompleted        = "job_completed"
	TypeJobStatusChanged    = "job_status_changed"
	TypeJobUpdate           = "job_update"
	TypeJobProgressUpdated  = "job_progress_updated"
	TypeJobDeleted          = "job_deleted"
	TypeFilesDiscovered     = "files_discovered"
	TypeNewFilesFound       = "new_files_found"
	TypeFileDownloadDone    = "file_download_complete"
	TypeMaterialLowStock    = "material_low_stock"
)

// Event is the shared bus message shape.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler processes one event. Handlers run on the subscription's own
// goroutine; returning an error only logs it.
type Handler func(Event) error

// Logger is the subset of the logger used by the bus.
type Logger interface {
	Warn(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
	Error(msg string, context ...interface{})
}

const defaultQueueSize = 64

type subscription struct {
	name    string
	types   map[string]bool // nil means all types
	queue   []Event
	mu      sync.Mutex
	cond    *sync.Cond
	max     int
	handler Handler
	closed  bool
}

// Bus is a typed publish/subscribe fan-out.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	logger Logger
	wg     sync.WaitGroup
	closed bool
}

// NewBus creates a Bus.
func NewBus(logger Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a handler for the given event types. An empty types
// list subscribes to every event. The returned function cancels the
// subscription.
func (b *Bus) Subscribe(name string, handler Handler, types ...string) func() {
	sub := &subscription{
		name:    name,
		max:     defaultQueueSize,
		handler: handler,
	}
	sub.cond = sync.NewCond(&sub.mu)
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	return func() { b.unsubscribe(sub) }
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.cond.Broadcast()
	sub.mu.Unlock()
}

// Emit publishes an event to all matching subscriptions. It never blocks on
// slow handlers. A zero timestamp is filled with the current time.
func (b *Bus) Emit(eventType string, data map[string]interface{}) {
	evt := Event{Type: eventType, Data: data, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.types != nil && !sub.types[eventType] {
			continue
		}
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		if len(sub.queue) >= sub.max {
			// Drop oldest so fresh state wins.
			dropped := sub.queue[0]
			sub.queue = sub.queue[1:]
			if b.logger != nil {
				b.logger.Warn("event queue over high-water mark, dropping oldest",
					"subscriber", sub.name, "dropped_type", dropped.Type, "max", sub.max)
			}
		}
		sub.queue = append(sub.queue, evt)
		sub.cond.Signal()
		sub.mu.Unlock()
	}
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		for len(sub.queue) == 0 && !sub.closed {
			sub.cond.Wait()
		}
		if len(sub.queue) == 0 && sub.closed {
			sub.mu.Unlock()
			return
		}
		evt := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		b.deliver(sub, evt)
	}
}

func (b *Bus) deliver(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event handler panicked",
				"subscriber", sub.name, "type", evt.Type, "panic", fmt.Sprintf("%v", r))
		}
	}()
	if err := sub.handler(evt); err != nil && b.logger != nil {
		b.logger.Warn("event handler failed",
			"subscriber", sub.name, "type", evt.Type, "error", err)
	}
}

// Close stops all subscriptions after their queues drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.closed = true
		sub.cond.Broadcast()
		sub.mu.Unlock()
	}
	b.wg.Wait()
}
