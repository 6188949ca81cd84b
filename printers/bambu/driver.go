package bambu

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"printernizer/printers"
)

// Logger is the subset of the logger the driver uses.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateReconnecting
	stateDisconnecting
)

// Config holds the connection parameters for one Bambu printer.
type Config struct {
	PrinterID  string
	Host       string
	Port       int // MQTT port, default 8883
	AccessCode string
	Serial     string

	ConnectTimeout     time.Duration
	RetryCount         int
	RetryDelay         time.Duration
	RetryMaxDelay      time.Duration
	AutoReconnectDelay time.Duration
	ReconnectCooldown  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8883
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.RetryCount == 0 {
		c.RetryCount = 5
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 60 * time.Second
	}
	if c.AutoReconnectDelay == 0 {
		c.AutoReconnectDelay = 5 * time.Second
	}
	if c.ReconnectCooldown == 0 {
		c.ReconnectCooldown = 10 * time.Second
	}
}

// Driver implements printers.Driver for Bambu Lab printers.
type Driver struct {
	cfg    Config
	logger Logger

	mu                   sync.Mutex
	client               mqtt.Client
	state                connState
	shouldReconnect      bool
	lastReconnectAttempt time.Time
	reconnectTimer       *time.Timer

	report       printReport
	reportAt     time.Time
	seq          int64
	now          func() time.Time
	newClient    func(*mqtt.ClientOptions) mqtt.Client
	dialFTP      func(ctx context.Context) (ftpSession, error)
}

// New creates a Bambu driver. It does not connect.
func New(cfg Config, logger Logger) *Driver {
	cfg.applyDefaults()
	d := &Driver{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		newClient: mqtt.NewClient,
	}
	d.dialFTP = d.dialImplicitTLS
	return d
}

// ID returns the printer id this driver serves.
func (d *Driver) ID() string { return d.cfg.PrinterID }

func (d *Driver) reportTopic() string { return "device/" + d.cfg.Serial + "/report" }
func (d *Driver) requestTopic() string { return "device/" + d.cfg.Serial + "/request" }

// Connect establishes the MQTT session, retrying with exponential backoff up
// to the configured retry count. Calling Connect on a connected driver
// returns nil.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.state == stateConnected {
		d.mu.Unlock()
		return nil
	}
	d.state = stateConnecting
	d.shouldReconnect = true
	d.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", d.cfg.Host, d.cfg.Port)).
		SetClientID("printernizer-" + d.cfg.PrinterID).
		SetUsername("bblp").
		SetPassword(d.cfg.AccessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(false).
		SetKeepAlive(30 * time.Second).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetConnectionLostHandler(d.onConnectionLost).
		SetDefaultPublishHandler(d.onMessage)

	client := d.newClient(opts)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.RetryDelay
	policy.MaxInterval = d.cfg.RetryMaxDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.1
	policy.MaxElapsedTime = 0

	attempt := func() error {
		token := client.Connect()
		if !token.WaitTimeout(d.cfg.ConnectTimeout) {
			return &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: errors.New("mqtt connect timeout")}
		}
		if err := token.Error(); err != nil {
			if isAuthFailure(err) {
				return backoff.Permanent(&printers.AuthError{PrinterID: d.cfg.PrinterID, Reason: err.Error()})
			}
			return &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: err}
		}
		return nil
	}

	err := backoff.Retry(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.cfg.RetryCount)), ctx))
	if err != nil {
		d.mu.Lock()
		d.state = stateDisconnected
		d.mu.Unlock()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}

	if token := client.Subscribe(d.reportTopic(), 0, nil); token.WaitTimeout(d.cfg.ConnectTimeout) && token.Error() != nil {
		client.Disconnect(250)
		d.mu.Lock()
		d.state = stateDisconnected
		d.mu.Unlock()
		return &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: token.Error()}
	}

	d.mu.Lock()
	d.client = client
	d.state = stateConnected
	d.mu.Unlock()

	d.logger.Info("bambu mqtt connected", "printer", d.cfg.PrinterID, "host", d.cfg.Host)
	d.requestPushAll()
	return nil
}

func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "bad user name or password") ||
		strings.Contains(msg, "identifier rejected")
}

// Disconnect suppresses auto-reconnect before closing the transport, then
// releases the MQTT session. Safe to call repeatedly.
func (d *Driver) Disconnect() {
	d.mu.Lock()
	d.shouldReconnect = false
	if d.reconnectTimer != nil {
		d.reconnectTimer.Stop()
		d.reconnectTimer = nil
	}
	if d.state == stateDisconnected || d.state == stateDisconnecting {
		d.mu.Unlock()
		return
	}
	d.state = stateDisconnecting
	client := d.client
	d.client = nil
	d.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}

	d.mu.Lock()
	d.state = stateDisconnected
	d.mu.Unlock()
	d.logger.Debug("bambu mqtt disconnected", "printer", d.cfg.PrinterID)
}

func (d *Driver) onConnectionLost(_ mqtt.Client, err error) {
	d.logger.Warn("bambu mqtt connection lost", "printer", d.cfg.PrinterID, "error", err)
	d.mu.Lock()
	if !d.shouldReconnect {
		d.mu.Unlock()
		return
	}
	d.state = stateReconnecting
	d.mu.Unlock()
	d.scheduleReconnect(d.cfg.AutoReconnectDelay)
}

func (d *Driver) scheduleReconnect(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.shouldReconnect {
		return
	}
	if d.reconnectTimer != nil {
		d.reconnectTimer.Stop()
	}
	d.reconnectTimer = time.AfterFunc(delay, d.tryReconnect)
}

// tryReconnect runs one reconnect attempt, honoring the cooldown so a
// flapping broker cannot trigger a reconnect storm.
func (d *Driver) tryReconnect() {
	d.mu.Lock()
	if !d.shouldReconnect || d.state == stateConnected {
		d.mu.Unlock()
		return
	}
	now := d.now()
	if since := now.Sub(d.lastReconnectAttempt); !d.lastReconnectAttempt.IsZero() && since < d.cfg.ReconnectCooldown {
		remaining := d.cfg.ReconnectCooldown - since
		d.mu.Unlock()
		d.logger.Debug("reconnect cooldown active",
			"printer", d.cfg.PrinterID, "retry_in", remaining.Round(time.Millisecond).String())
		d.scheduleReconnect(remaining)
		return
	}
	d.lastReconnectAttempt = now
	d.state = stateDisconnected
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ConnectTimeout)
	defer cancel()
	if err := d.Connect(ctx); err != nil {
		d.logger.Warn("bambu reconnect failed", "printer", d.cfg.PrinterID, "error", err)
		d.scheduleReconnect(d.cfg.AutoReconnectDelay)
	}
}

func (d *Driver) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if msg.Topic() != d.reportTopic() {
		return
	}
	var r report
	if err := json.Unmarshal(msg.Payload(), &r); err != nil {
		d.logger.Debug("bambu report parse failed", "printer", d.cfg.PrinterID, "error", err)
		return
	}
	if r.Print == nil {
		return
	}
	d.mu.Lock()
	mergeReport(&d.report, r.Print)
	d.reportAt = d.now()
	d.mu.Unlock()
}

// requestPushAll asks the printer for a full state report.
func (d *Driver) requestPushAll() {
	d.publish(map[string]interface{}{
		"pushing": map[string]interface{}{
			"command":     "pushall",
			"sequence_id": d.nextSeq(),
		},
	})
}

func (d *Driver) nextSeq() string {
	d.seq++
	return fmt.Sprintf("%d", d.seq)
}

func (d *Driver) publish(payload map[string]interface{}) error {
	d.mu.Lock()
	client := d.client
	connected := d.state == stateConnected
	d.mu.Unlock()
	if !connected || client == nil {
		return &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: printers.ErrNotConnected}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(d.requestTopic(), 0, false, data)
	if !token.WaitTimeout(d.cfg.ConnectTimeout) {
		return &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: errors.New("mqtt publish timeout")}
	}
	return token.Error()
}

// GetStatus returns the status derived from the most recent report. It never
// waits for a fresh report; the MQTT push path keeps the cache current.
func (d *Driver) GetStatus(ctx context.Context) (*printers.StatusUpdate, error) {
	d.mu.Lock()
	connected := d.state == stateConnected
	snapshot := d.report
	reportAt := d.reportAt
	d.mu.Unlock()

	if !connected {
		return nil, &printers.ConnectionError{PrinterID: d.cfg.PrinterID, Err: printers.ErrNotConnected}
	}
	if reportAt.IsZero() {
		// Connected but nothing received yet; nudge the printer.
		d.requestPushAll()
		return &printers.StatusUpdate{
			PrinterID: d.cfg.PrinterID,
			At:        d.now(),
			Phase:     printers.PhaseOnline,
			Message:   "awaiting first report",
		}, nil
	}
	return snapshot.toStatusUpdate(d.cfg.PrinterID, d.now()), nil
}

// GetJob returns the current job as the printer reports it, or nil when idle.
func (d *Driver) GetJob(ctx context.Context) (*printers.JobInfo, error) {
	status, err := d.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status.Phase != printers.PhasePrinting && status.Phase != printers.PhasePaused {
		return nil, nil
	}
	info := &printers.JobInfo{
		Name:            status.CurrentJobName,
		Filename:        status.CurrentJobName,
		ProgressPercent: status.ProgressPercent,
		StartedAt:       status.StartedAt,
	}
	if status.ElapsedMin != nil {
		v := *status.ElapsedMin * 60
		info.ElapsedS = &v
	}
	if status.RemainingMin != nil && status.ElapsedMin != nil {
		total := (*status.RemainingMin + *status.ElapsedMin) * 60
		info.EstimatedS = &total
	}
	return info, nil
}

// Pause pauses the current print.
func (d *Driver) Pause(ctx context.Context) error {
	return d.printCommand("pause")
}

// Resume resumes a paused print.
func (d *Driver) Resume(ctx context.Context) error {
	return d.printCommand("resume")
}

// Stop aborts the current print.
func (d *Driver) Stop(ctx context.Context) error {
	return d.printCommand("stop")
}

func (d *Driver) printCommand(command string) error {
	return d.publish(map[string]interface{}{
		"print": map[string]interface{}{
			"command":     command,
			"sequence_id": d.nextSeq(),
			"param":       "",
		},
	})
}

// HasCamera reports false; chamber camera access is not part of the MQTT
// contract this driver speaks.
func (d *Driver) HasCamera() bool { return false }

// Snapshot is unsupported on this driver.
func (d *Driver) Snapshot(ctx context.Context) ([]byte, error) {
	return nil, printers.ErrNoCamera
}
