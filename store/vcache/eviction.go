package vcache

import (
	"context"
	"sort"

	"github.com/wolfeidau/tiered-cache/telemetry"
)

// evictIfNeeded removes the least-frequently-used entries until the cache is
// back at MaxSize. Ties on access count go to the oldest insertion.
func (c *Cache) evictIfNeeded() {
	over := len(c.entries) - c.config.MaxSize
	if over <= 0 {
		return
	}

	type candidate struct {
		oid   string
		count int
		seq   uint64
	}
	candidates := make([]candidate, 0, len(c.entries))
	for oid, rec := range c.entries {
		candidates = append(candidates, candidate{oid: oid, count: rec.accessCount, seq: rec.seq})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].seq < candidates[j].seq
	})

	for _, cand := range candidates[:over] {
		c.remove(cand.oid)
	}
	c.evictions += int64(over)
	c.evictionCycles++

	ctx := context.Background()
	telemetry.RecordCacheEviction(ctx, over)

	c.logger.Debug("vcache: evicted entries",
		"evicted", over,
		"size", len(c.entries),
		"max_size", c.config.MaxSize,
	)
}
