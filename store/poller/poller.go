// Package poller drains the outbox in the background: reap expired leases,
// reserve a batch, dispatch each entry to a handler, then acknowledge or fail
// it.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/tiered-cache/store/outbox"
	"go.opentelemetry.io/otel/metric"
)

// Handler processes one outbox entry. A returned error (or a panic) fails
// the entry with the error text as reason.
type Handler func(ctx context.Context, entry *outbox.Entry) error

// DLQHandler is told about entries that exhausted their retries. Panics are
// recovered and logged.
type DLQHandler func(ctx context.Context, entry *outbox.Entry)

// Outbox is the subset of *outbox.Outbox the poller drives.
type Outbox interface {
	ReapTimeouts(ctx context.Context) ([]string, error)
	ReservePending(ctx context.Context, limit int) ([]*outbox.Entry, error)
	Acknowledge(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, reason string) (outbox.State, error)
	Statistics(ctx context.Context) (outbox.Stats, error)
}

// Config configures the poller.
type Config struct {
	PollInterval time.Duration // Sleep when nothing is pending (default: 1s)
	BatchSize    int           // Entries reserved per iteration (default: outbox batch size)
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 1 * time.Second,
	}
}

// Result describes one poll iteration.
type Result struct {
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Reaped       int           `json:"reaped"`
	Reserved     int           `json:"reserved"`
	Acknowledged int           `json:"acknowledged"`
	Retried      int           `json:"retried"`
	DeadLettered int           `json:"dead_lettered"`
}

// Poller runs the outbox dispatch loop.
type Poller struct {
	outbox     Outbox
	handler    Handler
	dlqHandler DLQHandler
	config     Config
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	err     error
	lastRun *Result
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger for the poller.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithDLQHandler sets the handler told about dead-lettered entries.
func WithDLQHandler(h DLQHandler) Option {
	return func(p *Poller) {
		p.dlqHandler = h
	}
}

// WithMetrics records poller metrics on meter.
func WithMetrics(meter metric.Meter) Option {
	return func(p *Poller) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			p.logger.Error("failed to create poller metrics", "error", err)
			return
		}
		p.metrics = metrics
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// New creates a poller. The handler is required.
func New(ob Outbox, handler Handler, config Config, opts ...Option) *Poller {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	p := &Poller{
		outbox:  ob,
		handler: handler,
		config:  config,
		logger:  slog.Default(),
		now:     time.Now,
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "poller")
	return p
}

// Start starts the background loop. It is a no-op while already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.err = nil
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.run(ctx, stopCh, doneCh)
}

// Stop asks the loop to exit and waits for the current batch to finish or
// ctx to expire.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	doneCh := p.doneCh
	p.mu.Unlock()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the loop exits, either after Stop or on a fatal outbox
// error.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCh
}

// Err returns the outbox error that stopped the loop, if any.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Status returns the last iteration result.
func (p *Poller) Status() *Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

func (p *Poller) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	p.logger.Info("poller starting",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
	)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			p.logger.Info("poller stopped")
			return
		case <-ctx.Done():
			p.logger.Info("poller context cancelled")
			p.setRunning(false)
			return
		default:
		}

		result, err := p.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				p.logger.Info("poller context cancelled")
				p.setRunning(false)
				return
			}
			p.logger.Error("poller stopping on outbox error", "error", err)
			p.mu.Lock()
			p.err = err
			p.running = false
			p.mu.Unlock()
			return
		}

		if result.Reserved > 0 {
			continue
		}

		timer.Reset(p.config.PollInterval)
		select {
		case <-timer.C:
		case <-stopCh:
			p.logger.Info("poller stopped")
			return
		case <-ctx.Done():
			p.logger.Info("poller context cancelled")
			p.setRunning(false)
			return
		}
	}
}

func (p *Poller) setRunning(running bool) {
	p.mu.Lock()
	p.running = running
	p.mu.Unlock()
}

// RunOnce performs a single reap, reserve and dispatch iteration. Handler
// failures are recorded on the entries; only outbox errors are returned.
func (p *Poller) RunOnce(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{StartedAt: p.now()}

	reaped, err := p.outbox.ReapTimeouts(ctx)
	if err != nil {
		return result, fmt.Errorf("reaping timeouts: %w", err)
	}
	result.Reaped = len(reaped)

	entries, err := p.outbox.ReservePending(ctx, p.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("reserving batch: %w", err)
	}
	result.Reserved = len(entries)

	// Once reserved, the batch runs to completion so every lease is settled.
	settleCtx := context.WithoutCancel(ctx)
	for _, entry := range entries {
		if err := p.dispatch(ctx, settleCtx, entry, result); err != nil {
			return result, err
		}
	}

	// Statistics publishes the bucket depth gauges.
	if _, err := p.outbox.Statistics(settleCtx); err != nil {
		p.logger.Warn("refreshing outbox depth failed", "error", err)
	}

	result.Duration = time.Since(start)

	p.mu.Lock()
	p.lastRun = result
	p.mu.Unlock()

	p.recordMetrics(ctx, result)

	if result.Reserved > 0 || result.Reaped > 0 {
		p.logger.Debug("poll iteration completed",
			"duration", result.Duration,
			"reaped", result.Reaped,
			"reserved", result.Reserved,
			"acknowledged", result.Acknowledged,
			"retried", result.Retried,
			"dead_lettered", result.DeadLettered,
		)
	}
	return result, nil
}

func (p *Poller) dispatch(ctx, settleCtx context.Context, entry *outbox.Entry, result *Result) error {
	herr := p.invoke(ctx, entry)
	if herr == nil {
		if _, err := p.outbox.Acknowledge(settleCtx, entry.ID); err != nil {
			return fmt.Errorf("acknowledging %s: %w", entry.ID, err)
		}
		result.Acknowledged++
		return nil
	}

	reason := herr.Error()
	state, err := p.outbox.Fail(settleCtx, entry.ID, reason)
	if err != nil {
		return fmt.Errorf("failing %s: %w", entry.ID, err)
	}

	switch state {
	case outbox.StateDLQ:
		result.DeadLettered++
		p.logger.Warn("entry dead-lettered", "id", entry.ID, "attempts", entry.Attempts, "reason", reason)
		entry.Failures = append(entry.Failures, outbox.Failure{Reason: reason, Timestamp: p.now().UTC()})
		p.notifyDLQ(settleCtx, entry)
	case outbox.StatePending:
		result.Retried++
		p.logger.Debug("entry failed, will retry", "id", entry.ID, "attempts", entry.Attempts, "reason", reason)
	}
	return nil
}

func (p *Poller) invoke(ctx context.Context, entry *outbox.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, entry)
}

func (p *Poller) notifyDLQ(ctx context.Context, entry *outbox.Entry) {
	if p.dlqHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("dlq handler panicked", "id", entry.ID, "panic", r)
		}
	}()
	p.dlqHandler(ctx, entry)
}

func (p *Poller) recordMetrics(ctx context.Context, result *Result) {
	if p.metrics == nil {
		return
	}

	p.metrics.iterationsTotal.Add(ctx, 1)
	p.metrics.iterationDuration.Record(ctx, result.Duration.Seconds())
	p.metrics.reapedTotal.Add(ctx, int64(result.Reaped))
	p.metrics.reservedTotal.Add(ctx, int64(result.Reserved))
	p.metrics.acknowledgedTotal.Add(ctx, int64(result.Acknowledged))
	p.metrics.retriedTotal.Add(ctx, int64(result.Retried))
	p.metrics.deadLetteredTotal.Add(ctx, int64(result.DeadLettered))
	p.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))
}
