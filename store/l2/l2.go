// Package l2 is the durable second tier for promoted vectors. Records live in
// a single bbolt bucket, normally inside the outbox database file so the
// promotion handler and the outbox share one store.
package l2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/store/record"
	"go.etcd.io/bbolt"
)

var bucketVectors = []byte("l2_vectors") // oid -> encoded Record

// ErrNotFound is returned when an oid has no L2 record.
var ErrNotFound = errors.New("l2: not found")

// Record is a promoted vector.
type Record struct {
	OID         string           `json:"oid"`
	Vector      []float32        `json:"vector"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	AccessCount int              `json:"access_count"`
	Digest      tieredcache.Hash `json:"digest"`
	PromotedAt  time.Time        `json:"promoted_at"`
}

// Store reads and writes L2 records.
type Store struct {
	db     *bbolt.DB
	codec  *record.Codec
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates the L2 bucket in db if needed.
func New(db *bbolt.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("l2: database is required")
	}
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "l2")

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketVectors)
		return err
	})
	if err != nil {
		return nil, tieredcache.NewStorageError("l2 open", fmt.Errorf("creating bucket: %w", err))
	}

	codec, err := record.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("creating record codec: %w", err)
	}
	s.codec = codec
	return s, nil
}

// Close releases codec resources. The database is owned by the caller.
func (s *Store) Close() {
	s.codec.Close()
}

// Put writes rec, replacing any previous record for the oid. The digest and
// promotion time are filled in. Writing the same record twice is harmless.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.OID == "" {
		return tieredcache.Validationf("l2: oid is required")
	}
	if len(rec.Vector) == 0 {
		return &tieredcache.InvalidVectorError{OID: rec.OID, Reason: "empty vector"}
	}

	rec.Vector = tieredcache.CloneVector(rec.Vector)
	rec.Metadata = tieredcache.CloneMetadata(rec.Metadata)
	rec.Digest = tieredcache.HashVector(rec.Vector)
	if rec.PromotedAt.IsZero() {
		rec.PromotedAt = s.now().UTC()
	}

	data, err := s.codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("encoding l2 record %s: %w", rec.OID, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVectors).Put([]byte(rec.OID), data)
	})
	if err != nil {
		return tieredcache.NewStorageError("l2 put", err)
	}

	s.logger.Debug("stored l2 record", "oid", rec.OID, "digest", rec.Digest.ShortString())
	return nil
}

// Get returns the record for oid or ErrNotFound. A vector that no longer
// matches its digest is reported as a storage error wrapping
// record.ErrCorrupted.
func (s *Store) Get(ctx context.Context, oid string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketVectors).Get([]byte(oid))
		if v == nil {
			return ErrNotFound
		}
		return s.codec.Decode(v, &rec)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, tieredcache.NewStorageError("l2 get", err)
	}

	if tieredcache.HashVector(rec.Vector) != rec.Digest {
		return nil, tieredcache.NewStorageError("l2 get", fmt.Errorf("vector %s: %w", oid, record.ErrCorrupted))
	}
	return &rec, nil
}

// Delete removes oid and reports whether it existed.
func (s *Store) Delete(ctx context.Context, oid string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var existed bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketVectors)
		existed = b.Get([]byte(oid)) != nil
		if !existed {
			return nil
		}
		return b.Delete([]byte(oid))
	})
	if err != nil {
		return false, tieredcache.NewStorageError("l2 delete", err)
	}
	return existed, nil
}

// Len returns the number of L2 records.
func (s *Store) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketVectors).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, tieredcache.NewStorageError("l2 len", err)
	}
	return n, nil
}
