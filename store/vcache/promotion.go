package vcache

import (
	"context"
	"slices"
	"time"

	"github.com/wolfeidau/tiered-cache/telemetry"
)

// PromotionCandidate is an oid whose access count crossed the promotion
// threshold.
type PromotionCandidate struct {
	OID                  string    `json:"oid"`
	AccessCountAtEnqueue int       `json:"access_count_at_enqueue"`
	EnqueuedAt           time.Time `json:"enqueued_at"`
}

// promotionQueue is an ordered candidate list holding at most one candidate
// per oid.
type promotionQueue struct {
	items  []PromotionCandidate
	queued map[string]struct{}
}

func newPromotionQueue() *promotionQueue {
	return &promotionQueue{queued: make(map[string]struct{})}
}

// push appends c unless its oid is already queued.
func (q *promotionQueue) push(c PromotionCandidate) bool {
	if _, ok := q.queued[c.OID]; ok {
		return false
	}
	q.queued[c.OID] = struct{}{}
	q.items = append(q.items, c)
	return true
}

func (q *promotionQueue) contains(oid string) bool {
	_, ok := q.queued[oid]
	return ok
}

func (q *promotionQueue) remove(oid string) {
	if _, ok := q.queued[oid]; !ok {
		return
	}
	delete(q.queued, oid)
	q.items = slices.DeleteFunc(q.items, func(c PromotionCandidate) bool {
		return c.OID == oid
	})
}

func (q *promotionQueue) drain() []PromotionCandidate {
	out := q.items
	q.items = nil
	q.queued = make(map[string]struct{})
	if out == nil {
		return []PromotionCandidate{}
	}
	return out
}

func (q *promotionQueue) snapshot() []PromotionCandidate {
	return append([]PromotionCandidate{}, q.items...)
}

func (q *promotionQueue) len() int {
	return len(q.items)
}

// checkPromotion queues oid once its access count reaches the threshold.
// The count is stepped down rather than reset so a hot entry can qualify
// again after further accesses.
func (c *Cache) checkPromotion(oid string, rec *record) {
	if rec.accessCount < c.config.PromotionThreshold || c.promotions.contains(oid) {
		return
	}

	c.promotions.push(PromotionCandidate{
		OID:                  oid,
		AccessCountAtEnqueue: rec.accessCount,
		EnqueuedAt:           c.now(),
	})
	rec.accessCount = max(0, rec.accessCount-c.config.PromotionRequeueStep)

	ctx := context.Background()
	telemetry.RecordCachePromotion(ctx)
	c.recordState()

	c.logger.Debug("vcache: promotion candidate queued",
		"oid", oid,
		"queue_depth", c.promotions.len(),
	)
}

// DrainPromotions returns every queued candidate and empties the queue.
func (c *Cache) DrainPromotions() []PromotionCandidate {
	out := c.promotions.drain()
	c.recordState()
	return out
}

// PeekPromotions returns a snapshot of the queue without draining it.
func (c *Cache) PeekPromotions() []PromotionCandidate {
	return c.promotions.snapshot()
}
