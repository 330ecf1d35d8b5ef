// Package promote moves hot L1 entries to the L2 tier through the outbox.
//
// The Promoter drains the cache promotion queue and records one promote_l2
// event per candidate, carrying a snapshot of the vector. The poller later
// delivers each event to Handler, which writes the L2 record. Delivery is at
// least once and L2 writes are idempotent.
package promote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/tiered-cache/store/l2"
	"github.com/wolfeidau/tiered-cache/store/outbox"
	"github.com/wolfeidau/tiered-cache/store/poller"
	"github.com/wolfeidau/tiered-cache/store/vcache"
)

// EventType is the outbox payload type for promotions.
const EventType = "promote_l2"

// Event is the outbox payload for one promotion.
type Event struct {
	Type        string         `json:"type"`
	OID         string         `json:"oid"`
	AccessCount int            `json:"access_count"`
	Vector      []float32      `json:"vector"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// Cache is the part of the L1 cache the promoter reads. *vcache.Locked
// satisfies it.
type Cache interface {
	DrainPromotions() []vcache.PromotionCandidate
	Peek(oid string) (*vcache.Entry, bool)
}

// Enqueuer records outbox events. *outbox.Outbox satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, metadata map[string]any) (string, error)
}

// Config configures the promoter.
type Config struct {
	Interval time.Duration // How often to drain the queue (default: 5s)
}

// DefaultConfig returns the default promoter configuration.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second}
}

// Result describes one drain.
type Result struct {
	Drained  int `json:"drained"`
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"` // evicted or removed before the drain
	Failed   int `json:"failed"`
}

// Promoter turns promotion candidates into outbox events.
type Promoter struct {
	cache  Cache
	outbox Enqueuer
	config Config
	logger *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// Option configures a Promoter.
type Option func(*Promoter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Promoter) {
		p.logger = logger
	}
}

// New creates a promoter.
func New(cache Cache, ob Enqueuer, config Config, opts ...Option) *Promoter {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	p := &Promoter{
		cache:  cache,
		outbox: ob,
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "promoter")
	return p
}

// RunOnce drains the promotion queue and enqueues an event per live
// candidate. Enqueue failures are counted and returned joined; the affected
// oids re-qualify through further access.
func (p *Promoter) RunOnce(ctx context.Context) (*Result, error) {
	candidates := p.cache.DrainPromotions()
	result := &Result{Drained: len(candidates)}

	var errs []error
	for _, c := range candidates {
		entry, ok := p.cache.Peek(c.OID)
		if !ok {
			result.Skipped++
			continue
		}

		event := Event{
			Type:        EventType,
			OID:         c.OID,
			AccessCount: c.AccessCountAtEnqueue,
			Vector:      entry.Vector,
			Metadata:    entry.Metadata,
			EnqueuedAt:  c.EnqueuedAt,
		}
		id, err := p.outbox.Enqueue(ctx, event, map[string]any{"oid": c.OID})
		if err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("enqueueing promotion for %s: %w", c.OID, err))
			continue
		}
		result.Enqueued++
		p.logger.Debug("promotion enqueued", "oid", c.OID, "id", id)
	}

	if result.Drained > 0 {
		p.logger.Info("promotion queue drained",
			"drained", result.Drained,
			"enqueued", result.Enqueued,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
	}
	return result, errors.Join(errs...)
}

// Start drains the queue every Interval until Stop or ctx cancellation.
func (p *Promoter) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.run(ctx, stopCh, doneCh)
}

// Stop stops the background loop and waits for the current drain.
func (p *Promoter) Stop(ctx context.Context) error {
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

func (p *Promoter) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("promotion drain failed", "error", err)
			}
		case <-stopCh:
			// Flush whatever queued up since the last tick.
			if _, err := p.RunOnce(context.WithoutCancel(ctx)); err != nil {
				p.logger.Error("final promotion drain failed", "error", err)
			}
			p.logger.Info("promoter stopped")
			return
		case <-ctx.Done():
			p.logger.Info("promoter context cancelled")
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		}
	}
}

// Handler returns the poller handler that applies promote_l2 events to store.
func Handler(store *l2.Store) poller.Handler {
	return func(ctx context.Context, entry *outbox.Entry) error {
		var event Event
		if err := entry.DecodePayload(&event); err != nil {
			return fmt.Errorf("decoding promotion event: %w", err)
		}
		if event.Type != EventType {
			return fmt.Errorf("unexpected event type %q", event.Type)
		}
		return store.Put(ctx, l2.Record{
			OID:         event.OID,
			Vector:      event.Vector,
			Metadata:    event.Metadata,
			AccessCount: event.AccessCount,
		})
	}
}

// Register binds Handler(store) to EventType on router.
func Register(router *poller.Router, store *l2.Store) error {
	return router.Register(EventType, Handler(store))
}
