// Package outbox implements a durable transactional outbox over bbolt.
//
// Entries live in exactly one of four buckets: pending, inflight, processed
// and dlq. Every public operation takes a process-wide mutex and runs inside a
// single bbolt transaction, so an entry is never observed in two buckets and
// ReservePending hands out each entry to one caller only.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store/record"
	"github.com/wolfeidau/tiered-cache/telemetry"
	"go.etcd.io/bbolt"
)

const (
	DefaultRetryLimit        = 3
	DefaultBatchSize         = 10
	DefaultVisibilityTimeout = 30 * time.Second
)

// ErrClosed is returned by operations on a closed outbox.
var ErrClosed = errors.New("outbox is closed")

// Outbox is a bbolt-backed transactional outbox.
type Outbox struct {
	mu     sync.Mutex
	db     *bbolt.DB
	codec  *record.Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool

	retryLimit        int
	batchSize         int
	visibilityTimeout time.Duration
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		o.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *Outbox) {
		o.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: entries may be lost on crash. Use only for testing.
func WithNoSync(noSync bool) Option {
	return func(o *Outbox) {
		o.noSync = noSync
	}
}

// WithRetryLimit sets the number of attempts after which a failure moves an
// entry to the dlq. Values <= 0 keep the default.
func WithRetryLimit(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.retryLimit = n
		}
	}
}

// WithBatchSize sets the reservation size used when ReservePending is called
// with a non-positive limit.
func WithBatchSize(n int) Option {
	return func(o *Outbox) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithVisibilityTimeout sets how long a reservation stays leased.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *Outbox) {
		if d > 0 {
			o.visibilityTimeout = d
		}
	}
}

// Open opens (or creates) the outbox database at path.
func Open(path string, opts ...Option) (*Outbox, error) {
	o := &Outbox{
		logger:            slog.Default(),
		now:               time.Now,
		retryLimit:        DefaultRetryLimit,
		batchSize:         DefaultBatchSize,
		visibilityTimeout: DefaultVisibilityTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "outbox")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  o.noSync,
	})
	if err != nil {
		return nil, tieredcache.NewStorageError("open", fmt.Errorf("opening database: %w", err))
	}

	if err := createBuckets(db); err != nil {
		_ = db.Close()
		return nil, tieredcache.NewStorageError("open", err)
	}

	codec, err := record.NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating record codec: %w", err)
	}

	o.db = db
	o.codec = codec

	o.logger.Debug("opened outbox",
		"path", path,
		"retry_limit", o.retryLimit,
		"batch_size", o.batchSize,
		"visibility_timeout", o.visibilityTimeout,
		"noSync", o.noSync,
	)
	return o, nil
}

// Close closes the database. Further operations fail with ErrClosed.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.codec != nil {
		o.codec.Close()
		o.codec = nil
	}
	if o.db == nil {
		return nil
	}
	o.logger.Debug("closing outbox")
	err := o.db.Close()
	o.db = nil
	return tieredcache.NewStorageError("close", err)
}

// DB returns the underlying bbolt database, or nil once closed.
// Used by the l2 package to keep promoted vectors in the same file.
func (o *Outbox) DB() *bbolt.DB {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.db
}

// RetryLimit returns the configured retry limit.
func (o *Outbox) RetryLimit() int { return o.retryLimit }

// BatchSize returns the configured default reservation size.
func (o *Outbox) BatchSize() int { return o.batchSize }

// VisibilityTimeout returns the configured lease duration.
func (o *Outbox) VisibilityTimeout() time.Duration { return o.visibilityTimeout }

// Enqueue durably writes a new pending entry and returns its id.
// payload must be JSON serialisable; json.RawMessage is stored as is.
func (o *Outbox) Enqueue(ctx context.Context, payload any, metadata map[string]any) (string, error) {
	if payload == nil {
		return "", tieredcache.Validationf("outbox: payload is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", tieredcache.Validationf("outbox: payload is not serialisable: %v", err)
	}
	if string(raw) == "null" {
		return "", tieredcache.Validationf("outbox: payload is required")
	}
	if _, err := json.Marshal(metadata); err != nil {
		return "", tieredcache.Validationf("outbox: metadata is not serialisable: %v", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generating entry id: %w", err)
	}

	now := o.now().UTC()
	entry := &Entry{
		ID:        id.String(),
		Payload:   raw,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = o.update(ctx, "enqueue", func(tx *bbolt.Tx) error {
		return o.put(tx, StatePending, entry)
	})
	if err != nil {
		return "", err
	}

	telemetry.RecordOutboxTransition(ctx, "", string(StatePending), 1)
	o.logger.Debug("enqueued entry", "id", entry.ID)
	return entry.ID, nil
}

// ReservePending moves up to limit of the oldest pending entries to inflight
// in one transaction, incrementing attempts and setting the visibility
// deadline. A non-positive limit uses the configured batch size.
func (o *Outbox) ReservePending(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = o.batchSize
	}

	var reserved []*Entry
	err := o.update(ctx, "reserve", func(tx *bbolt.Tx) error {
		reserved = nil
		now := o.now().UTC()
		deadline := now.Add(o.visibilityTimeout)

		var ids [][]byte
		c := bucket(tx, StatePending).Cursor()
		for k, _ := c.First(); k != nil && len(ids) < limit; k, _ = c.Next() {
			ids = append(ids, append([]byte(nil), k...))
		}

		for _, id := range ids {
			entry, err := o.get(tx, StatePending, id)
			if err != nil {
				return err
			}
			entry.Attempts++
			entry.UpdatedAt = now
			d := deadline
			entry.VisibilityDeadline = &d
			if err := o.move(tx, StatePending, StateInflight, entry); err != nil {
				return err
			}
			reserved = append(reserved, entry.clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.RecordOutboxTransition(ctx, string(StatePending), string(StateInflight), len(reserved))
	return reserved, nil
}

// ReleaseInflight returns an inflight entry to pending without recording a
// failure. It reports false when the entry is not inflight.
func (o *Outbox) ReleaseInflight(ctx context.Context, id string) (bool, error) {
	return o.transition(ctx, "release", id, StateInflight, StatePending)
}

// Acknowledge moves an inflight entry to processed. It reports false, and
// changes nothing, when the entry is not inflight.
func (o *Outbox) Acknowledge(ctx context.Context, id string) (bool, error) {
	return o.transition(ctx, "acknowledge", id, StateInflight, StateProcessed)
}

func (o *Outbox) transition(ctx context.Context, op, id string, from, to State) (bool, error) {
	var moved bool
	err := o.update(ctx, op, func(tx *bbolt.Tx) error {
		moved = false
		entry, err := o.get(tx, from, []byte(id))
		if err != nil || entry == nil {
			return err
		}
		entry.UpdatedAt = o.now().UTC()
		entry.VisibilityDeadline = nil
		if err := o.move(tx, from, to, entry); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if moved {
		telemetry.RecordOutboxTransition(ctx, string(from), string(to), 1)
	}
	return moved, nil
}

// Fail records a failure for an inflight (or pending) entry. Once attempts
// reach the retry limit the entry moves to the dlq, otherwise it returns to
// pending. The resulting state is returned; StateNone means the entry was in
// neither bucket.
func (o *Outbox) Fail(ctx context.Context, id, reason string) (State, error) {
	var from, to State
	err := o.update(ctx, "fail", func(tx *bbolt.Tx) error {
		from, to = StateNone, StateNone
		key := []byte(id)
		state := locate(tx, key, StateInflight, StatePending)
		if state == StateNone {
			return nil
		}
		entry, err := o.get(tx, state, key)
		if err != nil {
			return err
		}

		now := o.now().UTC()
		entry.Failures = append(entry.Failures, Failure{Reason: reason, Timestamp: now})
		entry.UpdatedAt = now
		entry.VisibilityDeadline = nil

		next := StatePending
		if entry.Attempts >= o.retryLimit {
			next = StateDLQ
		}
		if err := o.move(tx, state, next, entry); err != nil {
			return err
		}
		from, to = state, next
		return nil
	})
	if err != nil {
		return StateNone, err
	}

	if to != StateNone {
		telemetry.RecordOutboxTransition(ctx, string(from), string(to), 1)
	}
	if to == StateDLQ {
		o.logger.Warn("entry moved to dlq", "id", id, "reason", reason)
	}
	return to, nil
}

// ReapTimeouts returns every inflight entry whose visibility deadline has
// passed to pending and returns their ids. Inflight entries without a
// deadline are treated as expired.
func (o *Outbox) ReapTimeouts(ctx context.Context) ([]string, error) {
	start := time.Now()
	var reaped []string
	err := o.update(ctx, "reap", func(tx *bbolt.Tx) error {
		reaped = nil
		now := o.now().UTC()

		var expired []*Entry
		err := bucket(tx, StateInflight).ForEach(func(k, v []byte) error {
			var entry Entry
			if err := o.codec.Decode(v, &entry); err != nil {
				return fmt.Errorf("decoding inflight entry %s: %w", k, err)
			}
			if entry.VisibilityDeadline == nil || !now.Before(*entry.VisibilityDeadline) {
				expired = append(expired, &entry)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, entry := range expired {
			entry.VisibilityDeadline = nil
			entry.UpdatedAt = now
			if err := o.move(tx, StateInflight, StatePending, entry); err != nil {
				return err
			}
			reaped = append(reaped, entry.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.RecordOutboxTransition(ctx, string(StateInflight), string(StatePending), len(reaped))
	telemetry.RecordReaperCycle(ctx, "outbox_visibility", len(reaped), time.Since(start))
	if len(reaped) > 0 {
		o.logger.Info("reaped expired leases", "count", len(reaped))
	}
	return reaped, nil
}

// FetchDLQ returns up to limit dead-lettered entries, oldest first.
// A non-positive limit returns all of them.
func (o *Outbox) FetchDLQ(ctx context.Context, limit int) ([]*Entry, error) {
	return o.list(ctx, "fetch_dlq", StateDLQ, limit)
}

// FetchPending returns up to limit pending entries without reserving them.
func (o *Outbox) FetchPending(ctx context.Context, limit int) ([]*Entry, error) {
	return o.list(ctx, "fetch_pending", StatePending, limit)
}

func (o *Outbox) list(ctx context.Context, op string, state State, limit int) ([]*Entry, error) {
	var out []*Entry
	err := o.view(ctx, op, func(tx *bbolt.Tx) error {
		out = nil
		c := bucket(tx, state).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var entry Entry
			if err := o.codec.Decode(v, &entry); err != nil {
				return fmt.Errorf("decoding %s entry %s: %w", state, k, err)
			}
			out = append(out, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeProcessed deletes up to maxEntries processed entries, oldest first,
// and returns the number deleted. A non-positive maxEntries purges all.
func (o *Outbox) PurgeProcessed(ctx context.Context, maxEntries int) (int, error) {
	var purged int
	err := o.update(ctx, "purge", func(tx *bbolt.Tx) error {
		purged = 0
		b := bucket(tx, StateProcessed)

		var ids [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if maxEntries > 0 && len(ids) >= maxEntries {
				break
			}
			ids = append(ids, append([]byte(nil), k...))
		}
		for _, id := range ids {
			if err := b.Delete(id); err != nil {
				return fmt.Errorf("deleting processed entry %s: %w", id, err)
			}
		}
		purged = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		o.logger.Debug("purged processed entries", "count", purged)
	}
	return purged, nil
}

// Lookup returns an entry and the bucket it is in. A missing id returns
// nil, StateNone.
func (o *Outbox) Lookup(ctx context.Context, id string) (*Entry, State, error) {
	var (
		entry *Entry
		state State
	)
	err := o.view(ctx, "lookup", func(tx *bbolt.Tx) error {
		key := []byte(id)
		state = locate(tx, key, States...)
		if state == StateNone {
			return nil
		}
		var err error
		entry, err = o.get(tx, state, key)
		return err
	})
	if err != nil {
		return nil, StateNone, err
	}
	return entry, state, nil
}

// Statistics returns bucket sizes and configuration.
func (o *Outbox) Statistics(ctx context.Context) (Stats, error) {
	stats := Stats{
		RetryLimit:        o.retryLimit,
		BatchSize:         o.batchSize,
		VisibilityTimeout: o.visibilityTimeout.Seconds(),
	}
	err := o.view(ctx, "stats", func(tx *bbolt.Tx) error {
		stats.Pending = bucket(tx, StatePending).Stats().KeyN
		stats.Inflight = bucket(tx, StateInflight).Stats().KeyN
		stats.Processed = bucket(tx, StateProcessed).Stats().KeyN
		stats.DLQ = bucket(tx, StateDLQ).Stats().KeyN
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	telemetry.UpdateOutboxDepth(ctx, stats.Pending, stats.Inflight, stats.Processed, stats.DLQ)
	return stats, nil
}

func (o *Outbox) update(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	return o.withTx(ctx, op, true, fn)
}

func (o *Outbox) view(ctx context.Context, op string, fn func(tx *bbolt.Tx) error) error {
	return o.withTx(ctx, op, false, fn)
}

func (o *Outbox) withTx(ctx context.Context, op string, writable bool, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.db == nil {
		return tieredcache.NewStorageError(op, ErrClosed)
	}

	start := time.Now()
	var err error
	if writable {
		err = o.db.Update(fn)
	} else {
		err = o.db.View(fn)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		o.logger.Error("outbox operation failed", "op", op, "error", err)
	}
	telemetry.RecordOutboxOp(ctx, op, outcome, time.Since(start))
	return tieredcache.NewStorageError(op, err)
}

// get decodes id from the bucket for state. A missing key returns nil, nil.
func (o *Outbox) get(tx *bbolt.Tx, state State, id []byte) (*Entry, error) {
	v := bucket(tx, state).Get(id)
	if v == nil {
		return nil, nil
	}
	var entry Entry
	if err := o.codec.Decode(v, &entry); err != nil {
		return nil, fmt.Errorf("decoding %s entry %s: %w", state, id, err)
	}
	return &entry, nil
}

func (o *Outbox) put(tx *bbolt.Tx, state State, entry *Entry) error {
	data, err := o.codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", entry.ID, err)
	}
	if err := bucket(tx, state).Put([]byte(entry.ID), data); err != nil {
		return fmt.Errorf("writing %s entry %s: %w", state, entry.ID, err)
	}
	return nil
}

// move deletes entry from one bucket and writes it to another within tx.
func (o *Outbox) move(tx *bbolt.Tx, from, to State, entry *Entry) error {
	if err := bucket(tx, from).Delete([]byte(entry.ID)); err != nil {
		return fmt.Errorf("removing %s entry %s: %w", from, entry.ID, err)
	}
	return o.put(tx, to, entry)
}
