// Package monitor runs the per-printer polling loop. One monitor owns one
// driver; it polls status on an adaptive interval, fans results out to
// registered callbacks, and backs off exponentially while the printer is
// unreachable.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"printernizer/printers"
)

// Logger is the subset of the logger the monitor uses.
type Logger interface {
	Error(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
	Info(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

// StatusCallback receives each successful status observation. Callbacks run
// sequentially on the monitor goroutine; failures are logged, never
// propagated.
type StatusCallback func(ctx context.Context, update *printers.StatusUpdate) error

// minInterval floors the backoff-with-jitter result.
const minInterval = 500 * time.Millisecond

// Options configures one monitor.
type Options struct {
	BaseInterval  time.Duration // default 30s
	MaxInterval   time.Duration // default 600s
	BackoffFactor float64       // default 2
	OpTimeout     time.Duration // per-poll deadline, default 30s
}

func (o *Options) applyDefaults() {
	if o.BaseInterval == 0 {
		o.BaseInterval = 30 * time.Second
	}
	if o.MaxInterval == 0 {
		o.MaxInterval = 600 * time.Second
	}
	if o.BackoffFactor == 0 {
		o.BackoffFactor = 2
	}
	if o.OpTimeout == 0 {
		o.OpTimeout = 30 * time.Second
	}
}

// Metrics is a snapshot of the monitor's health counters.
type Metrics struct {
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalFailures       int           `json:"total_failures"`
	TotalPolls          int           `json:"total_polls"`
	LastDuration        time.Duration `json:"last_duration"`
	LastError           string        `json:"last_error,omitempty"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	CurrentInterval     time.Duration `json:"current_interval"`
}

// Monitor polls a single driver.
type Monitor struct {
	driver    printers.Driver
	logger    Logger
	opts      Options
	callbacks []StatusCallback

	policy *backoff.ExponentialBackOff

	mu      sync.Mutex
	metrics Metrics
	last    *printers.StatusUpdate
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a monitor for the given driver.
func New(driver printers.Driver, opts Options, logger Logger) *Monitor {
	opts.applyDefaults()

	policy := backoff.NewExponentialBackOff()
	// The first failed poll already doubles the interval, so the policy
	// starts at base*factor.
	policy.InitialInterval = time.Duration(float64(opts.BaseInterval) * opts.BackoffFactor)
	policy.Multiplier = opts.BackoffFactor
	policy.MaxInterval = opts.MaxInterval
	policy.RandomizationFactor = 0.1
	policy.MaxElapsedTime = 0
	policy.Reset()

	return &Monitor{
		driver: driver,
		logger: logger,
		opts:   opts,
		policy: policy,
		stopCh: make(chan struct{}),
	}
}

// OnStatus registers a callback. Must be called before Start.
func (m *Monitor) OnStatus(cb StatusCallback) {
	m.callbacks = append(m.callbacks, cb)
}

// Start launches the polling loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.metrics.CurrentInterval = m.opts.BaseInterval
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// Metrics returns a snapshot of the monitor's counters.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics
}

// LastStatus returns the most recent successful observation, or nil.
func (m *Monitor) LastStatus() *printers.StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) run() {
	defer m.wg.Done()

	interval := m.opts.BaseInterval
	for {
		interval = m.poll(interval)
		select {
		case <-m.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// poll runs one observation and returns the next interval.
func (m *Monitor) poll(current time.Duration) time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.OpTimeout)
	defer cancel()

	start := time.Now()
	update, err := m.driver.GetStatus(ctx)
	if err != nil && errors.Is(err, printers.ErrNotConnected) {
		// The driver has no session, so polling alone will never recover it.
		// Reconnect under the same backoff; a failed attempt feeds the ladder.
		if cerr := m.driver.Connect(ctx); cerr != nil {
			err = cerr
		} else {
			m.logger.Info("printer reconnected", "printer", m.driver.ID())
			update, err = m.driver.GetStatus(ctx)
		}
	}
	elapsed := time.Since(start)

	m.mu.Lock()
	m.metrics.TotalPolls++
	m.metrics.LastDuration = elapsed
	m.mu.Unlock()

	if err != nil {
		next := m.policy.NextBackOff()
		if next < minInterval {
			next = minInterval
		}
		m.mu.Lock()
		m.metrics.ConsecutiveFailures++
		m.metrics.TotalFailures++
		m.metrics.LastError = err.Error()
		m.metrics.CurrentInterval = next
		failures := m.metrics.ConsecutiveFailures
		m.mu.Unlock()

		m.logger.Warn("printer status poll failed",
			"printer", m.driver.ID(), "error", err,
			"consecutive_failures", failures,
			"next_interval", next.Round(time.Millisecond).String(),
			"retryable", printers.IsRetryable(err))
		return next
	}

	m.mu.Lock()
	hadFailures := m.metrics.ConsecutiveFailures > 0
	m.metrics.ConsecutiveFailures = 0
	m.metrics.LastError = ""
	m.metrics.LastSuccessAt = time.Now()
	m.metrics.CurrentInterval = m.opts.BaseInterval
	m.last = update
	m.mu.Unlock()

	if hadFailures {
		m.policy.Reset()
		m.logger.Info("monitoring.backoff.reset",
			"printer", m.driver.ID(), "interval", m.opts.BaseInterval.String())
	}

	m.dispatch(ctx, update)
	return m.opts.BaseInterval
}

// dispatch invokes the callbacks sequentially; a failing or panicking
// callback never stops the others.
func (m *Monitor) dispatch(ctx context.Context, update *printers.StatusUpdate) {
	for i, cb := range m.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("status callback panicked",
						"printer", m.driver.ID(), "callback", i, "panic", fmt.Sprintf("%v", r))
				}
			}()
			if err := cb(ctx, update); err != nil {
				m.logger.Warn("status callback failed",
					"printer", m.driver.ID(), "callback", i, "error", err)
			}
		}()
	}
}
