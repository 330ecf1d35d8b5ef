// Package vcache implements the L1 vector cache: a bounded in-memory map of
// vectors with similarity search, least-frequently-used eviction and a
// promotion queue feeding the L2 tier.
//
// Concurrency model:
//   - Cache has no internal locking. It is designed for a single writer at a
//     time; a Search concurrent with a Put is not consistent.
//   - Callers that share a cache between goroutines wrap it in Locked.
package vcache

import (
	"context"
	"log/slog"
	"time"

	tieredcache "github.com/wolfeidau/tiered-cache"
	"github.com/wolfeidau/tiered-cache/index"
	"github.com/wolfeidau/tiered-cache/telemetry"
)

const (
	defaultMaxSize              = 10000
	defaultPromotionThreshold   = 5
	defaultPromotionRequeueStep = 2
)

// Config holds L1 cache configuration.
type Config struct {
	// Dimension is the fixed vector length. Required.
	Dimension int

	// MaxSize is the maximum number of entries. Default: 10000.
	MaxSize int

	// PromotionThreshold is the access count at which an entry becomes a
	// promotion candidate. Default: 5.
	PromotionThreshold int

	// PromotionRequeueStep is subtracted from the access count when an entry
	// is queued for promotion, clamped at zero. Values <= 0 select the
	// default of 2.
	PromotionRequeueStep int

	// Index overrides the similarity index. Default: index.NewFlat(Dimension).
	Index index.Index

	// Logger for eviction and promotion events.
	Logger *slog.Logger

	// Now overrides the clock used for promotion timestamps.
	Now func() time.Time
}

// Entry is a copy of a cached vector returned to callers.
type Entry struct {
	OID         string         `json:"oid"`
	Vector      []float32      `json:"vector"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	AccessCount int            `json:"access_count"`
}

// Match is a similarity search hit.
type Match struct {
	OID             string  `json:"oid"`
	SimilarityScore float64 `json:"similarity_score"`
}

// Stats is a snapshot of cache counters.
type Stats struct {
	CurrentSize          int   `json:"current_size"`
	MaxSize              int   `json:"max_size"`
	Dimension            int   `json:"dimension"`
	EvictionCount        int64 `json:"eviction_count"`
	EvictionCycles       int64 `json:"eviction_cycles"`
	PromotionQueueDepth  int   `json:"promotion_queue_depth"`
	PromotionThreshold   int   `json:"promotion_threshold"`
	PromotionRequeueStep int   `json:"promotion_requeue_step"`
	Hits                 int64 `json:"hits"`
	Misses               int64 `json:"misses"`
}

// record is the owned state of one cache entry.
type record struct {
	vector      []float32
	metadata    map[string]any
	accessCount int
	seq         uint64 // insertion order, used to break eviction ties
}

// Cache is the L1 vector cache.
type Cache struct {
	config Config
	index  index.Index
	logger *slog.Logger
	now    func() time.Time

	entries    map[string]*record
	promotions *promotionQueue
	nextSeq    uint64

	evictions      int64
	evictionCycles int64
	hits           int64
	misses         int64
}

// New creates an empty cache. It fails with a validation error when the
// dimension is not positive.
func New(cfg Config) (*Cache, error) {
	if cfg.Dimension <= 0 {
		return nil, tieredcache.Validationf("vcache: dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = defaultPromotionThreshold
	}
	if cfg.PromotionRequeueStep <= 0 {
		cfg.PromotionRequeueStep = defaultPromotionRequeueStep
	}
	if cfg.Index == nil {
		cfg.Index = index.NewFlat(cfg.Dimension)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Cache{
		config:     cfg,
		index:      cfg.Index,
		logger:     cfg.Logger,
		now:        cfg.Now,
		entries:    make(map[string]*record),
		promotions: newPromotionQueue(),
	}, nil
}

// Put stores or overwrites oid. The access count is reset to zero and the
// eviction check runs afterwards, so the new entry itself may be evicted when
// every other entry has been accessed more often.
func (c *Cache) Put(oid string, vector []float32, metadata map[string]any) (bool, error) {
	if oid == "" {
		return false, tieredcache.Validationf("vcache: oid is required")
	}
	vec, err := tieredcache.CoerceVector(oid, vector, c.config.Dimension)
	if err != nil {
		return false, err
	}

	c.nextSeq++
	c.entries[oid] = &record{
		vector:   vec,
		metadata: tieredcache.CloneMetadata(metadata),
		seq:      c.nextSeq,
	}
	c.index.Add(oid, tieredcache.Normalize(vec))

	c.evictIfNeeded()
	c.recordState()
	return true, nil
}

// Get returns a copy of the entry and counts the access. Reaching the
// promotion threshold queues the oid for promotion. A miss returns nil, false.
func (c *Cache) Get(oid string) (*Entry, bool) {
	ctx := context.Background()

	rec, ok := c.entries[oid]
	if !ok {
		c.misses++
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return nil, false
	}
	c.hits++
	telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)

	rec.accessCount++
	c.checkPromotion(oid, rec)

	return rec.entry(oid), true
}

// Peek returns a copy of the entry without counting an access.
func (c *Cache) Peek(oid string) (*Entry, bool) {
	rec, ok := c.entries[oid]
	if !ok {
		return nil, false
	}
	return rec.entry(oid), true
}

// SearchSimilar returns at most k entries whose cosine similarity to query is
// at least threshold, best first. An empty cache, k <= 0 or a query of the
// wrong dimension yields an empty result.
func (c *Cache) SearchSimilar(query []float32, k int, threshold float64) []Match {
	if k <= 0 || len(c.entries) == 0 || len(query) != c.config.Dimension {
		return []Match{}
	}

	hits := c.index.Search(tieredcache.Normalize(query), k)
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		if h.Score < threshold {
			continue
		}
		out = append(out, Match{OID: h.ID, SimilarityScore: h.Score})
	}
	return out
}

// Remove deletes oid along with its access count and any queued promotion.
func (c *Cache) Remove(oid string) bool {
	if _, ok := c.entries[oid]; !ok {
		return false
	}
	c.remove(oid)
	return true
}

func (c *Cache) remove(oid string) {
	delete(c.entries, oid)
	c.index.Remove(oid)
	c.promotions.remove(oid)
	c.recordState()
}

// recordState publishes the entry count and promotion queue depth gauges.
func (c *Cache) recordState() {
	telemetry.UpdateCacheState(context.Background(), len(c.entries), c.promotions.len())
}

// Clear empties the cache and resets the index and eviction counters.
func (c *Cache) Clear() {
	c.entries = make(map[string]*record)
	c.index.Reset()
	c.promotions = newPromotionQueue()
	c.evictions = 0
	c.evictionCycles = 0
	c.recordState()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Statistics returns a snapshot of the cache counters.
func (c *Cache) Statistics() Stats {
	return Stats{
		CurrentSize:          len(c.entries),
		MaxSize:              c.config.MaxSize,
		Dimension:            c.config.Dimension,
		EvictionCount:        c.evictions,
		EvictionCycles:       c.evictionCycles,
		PromotionQueueDepth:  c.promotions.len(),
		PromotionThreshold:   c.config.PromotionThreshold,
		PromotionRequeueStep: c.config.PromotionRequeueStep,
		Hits:                 c.hits,
		Misses:               c.misses,
	}
}

func (r *record) entry(oid string) *Entry {
	return &Entry{
		OID:         oid,
		Vector:      tieredcache.CloneVector(r.vector),
		Metadata:    tieredcache.CloneMetadata(r.metadata),
		AccessCount: r.accessCount,
	}
}
