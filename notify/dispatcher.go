// Package notify fans job and printer events out to configured webhook
// channels. Delivery is fire-and-forget: one goroutine per channel per
// event, a per-attempt timeout, and every attempt recorded in history.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"printernizer/events"
	"printernizer/storage"
)

// Logger is the subset of the logger the dispatcher uses.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// Message is the channel-agnostic notification payload.
type Message struct {
	EventType string
	Title     string
	Body      string
	Data      map[string]interface{}
}

// Sender delivers a message to one channel type.
type Sender interface {
	Send(ctx context.Context, ch *storage.NotificationChannel, msg Message) error
}

// defaultSendTimeout bounds each delivery attempt.
const defaultSendTimeout = 10 * time.Second

// Options configures the dispatcher.
type Options struct {
	SendTimeout   time.Duration
	RetentionDays int // history retention, default 30
}

// Dispatcher subscribes to the bus and routes events to subscribed
// channels.
type Dispatcher struct {
	repo    storage.NotificationRepository
	bus     *events.Bus
	logger  Logger
	senders map[string]Sender
	opts    Options

	wg          sync.WaitGroup
	unsubscribe func()
}

// NewDispatcher creates a dispatcher with the default sender set.
func NewDispatcher(repo storage.NotificationRepository, bus *events.Bus, opts Options, logger Logger) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	return &Dispatcher{
		repo:   repo,
		bus:    bus,
		logger: logger,
		opts:   opts,
		senders: map[string]Sender{
			storage.ChannelDiscord: &discordSender{},
			storage.ChannelSlack:   &slackSender{},
			storage.ChannelNtfy:    &ntfySender{},
		},
	}
}

// Start subscribes to the bus events that can produce notifications.
func (d *Dispatcher) Start() {
	d.unsubscribe = d.bus.Subscribe("notify", d.handleEvent,
		events.TypeJobStarted,
		events.TypeJobCompleted,
		events.TypeJobStatusChanged,
		events.TypePrinterConnected,
		events.TypePrinterDisconnected,
		events.TypeMaterialLowStock,
		events.TypeFileDownloadDone,
	)
}

// Stop unsubscribes and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.wg.Wait()
}

// handleEvent maps a bus event to a notification event type and fans it
// out. Status changes only notify on failure and pause; everything else a
// subscriber already sees via job_started/job_completed.
func (d *Dispatcher) handleEvent(evt events.Event) error {
	eventType := evt.Type
	if evt.Type == events.TypeJobStatusChanged {
		switch fmt.Sprintf("%v", evt.Data["new_status"]) {
		case storage.JobFailed:
			eventType = "job_failed"
		case storage.JobPaused:
			eventType = "job_paused"
		default:
			return nil
		}
	}

	channels, err := d.repo.ChannelsForEvent(context.Background(), eventType)
	if err != nil {
		return fmt.Errorf("resolve channels for %s: %w", eventType, err)
	}
	if len(channels) == 0 {
		return nil
	}

	msg := buildMessage(eventType, evt.Data)
	for _, ch := range channels {
		ch := ch
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.deliver(ch, msg)
		}()
	}
	return nil
}

// deliver runs one attempt against one channel and records the outcome.
func (d *Dispatcher) deliver(ch *storage.NotificationChannel, msg Message) {
	sender, ok := d.senders[ch.Type]
	if !ok {
		d.logger.Error("no sender for channel type", "channel", ch.ID, "type", ch.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
	defer cancel()

	err := sender.Send(ctx, ch, msg)

	entry := &storage.NotificationHistoryEntry{
		ChannelID: ch.ID,
		EventType: msg.EventType,
		Status:    storage.NotifySent,
		At:        time.Now().UTC(),
	}
	if data, merr := json.Marshal(msg.Data); merr == nil {
		entry.EventData = data
	}
	if err != nil {
		entry.Status = storage.NotifyFailed
		entry.Error = err.Error()
		d.logger.Warn("notification delivery failed",
			"channel", ch.ID, "type", ch.Type, "event", msg.EventType, "error", err)
	} else {
		d.logger.Debug("notification delivered",
			"channel", ch.ID, "type", ch.Type, "event", msg.EventType)
	}

	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rcancel()
	if rerr := d.repo.Record(rctx, entry); rerr != nil {
		d.logger.Warn("failed to record notification history",
			"channel", ch.ID, "error", rerr)
	}
}

// SendTest delivers a synthetic message to one channel synchronously so the
// caller learns whether the webhook works.
func (d *Dispatcher) SendTest(ctx context.Context, channelID string) error {
	ch, err := d.repo.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	sender, ok := d.senders[ch.Type]
	if !ok {
		return fmt.Errorf("no sender for channel type %q", ch.Type)
	}

	msg := Message{
		EventType: "test",
		Title:     "Printernizer test notification",
		Body:      fmt.Sprintf("Channel %q is configured correctly.", ch.Name),
	}
	sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	err = sender.Send(sctx, ch, msg)

	entry := &storage.NotificationHistoryEntry{
		ChannelID: ch.ID,
		EventType: "test",
		Status:    storage.NotifySent,
		At:        time.Now().UTC(),
	}
	if err != nil {
		entry.Status = storage.NotifyFailed
		entry.Error = err.Error()
	}
	if rerr := d.repo.Record(ctx, entry); rerr != nil {
		d.logger.Warn("failed to record notification history", "channel", ch.ID, "error", rerr)
	}
	return err
}

// CleanupHistory trims delivery history per the retention setting.
func (d *Dispatcher) CleanupHistory(ctx context.Context) (int, error) {
	n, err := d.repo.Cleanup(ctx, d.opts.RetentionDays)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.logger.Info("notification history trimmed",
			"removed", n, "retention_days", d.opts.RetentionDays)
	}
	return n, nil
}

// buildMessage formats a human-readable title and body per event type.
func buildMessage(eventType string, data map[string]interface{}) Message {
	str := func(key string) string { return stringField(data, key) }

	msg := Message{EventType: eventType, Data: data}
	switch eventType {
	case events.TypeJobStarted:
		msg.Title = "Print started"
		msg.Body = fmt.Sprintf("%s started printing %s", str("printer_name"), str("job_name"))
	case events.TypeJobCompleted:
		msg.Title = "Print complete"
		msg.Body = fmt.Sprintf("%s finished %s", str("printer_name"), str("job_name"))
	case "job_failed":
		msg.Title = "Print failed"
		msg.Body = fmt.Sprintf("%s failed while printing %s", str("printer_name"), str("job_name"))
	case "job_paused":
		msg.Title = "Print paused"
		msg.Body = fmt.Sprintf("%s paused %s", str("printer_name"), str("job_name"))
	case events.TypePrinterConnected:
		msg.Title = "Printer online"
		msg.Body = fmt.Sprintf("%s is reachable again", str("printer_name"))
	case events.TypePrinterDisconnected:
		msg.Title = "Printer offline"
		msg.Body = fmt.Sprintf("%s became unreachable", str("printer_name"))
	case events.TypeMaterialLowStock:
		msg.Title = "Material low"
		msg.Body = fmt.Sprintf("Material %s is running low", str("material"))
	case events.TypeFileDownloadDone:
		msg.Title = "File downloaded"
		msg.Body = fmt.Sprintf("Downloaded %s from %s", str("filename"), str("printer_id"))
	default:
		msg.Title = eventType
		msg.Body = eventType
	}
	if str("printer_name") == "" && str("job_name") == "" && str("filename") == "" && str("material") == "" {
		// No identifying fields; send the title alone rather than a
		// sentence full of blanks.
		msg.Body = msg.Title
	}
	return msg
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
