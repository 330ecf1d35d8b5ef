package outbox

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

// countMemberships returns, per id, how many buckets hold it.
func countMemberships(t *testing.T, o *Outbox) map[string]int {
	t.Helper()
	counts := make(map[string]int)
	require.NoError(t, o.DB().View(func(tx *bbolt.Tx) error {
		for _, s := range States {
			if err := bucket(tx, s).ForEach(func(k, _ []byte) error {
				counts[string(k)]++
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	return counts
}

// Every entry belongs to exactly one bucket after any sequence of operations.
func TestOutbox_SingleBucketMembership(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	o := newTestOutbox(t, WithNow(clock.Now), WithRetryLimit(3), WithVisibilityTimeout(5*time.Second))
	rng := rand.New(rand.NewPCG(3, 5))

	var ids []string
	pick := func() string {
		if len(ids) == 0 {
			return "none"
		}
		return ids[rng.IntN(len(ids))]
	}

	for range 400 {
		var err error
		switch rng.IntN(8) {
		case 0, 1:
			var id string
			id, err = o.Enqueue(ctx, rng.Int(), nil)
			ids = append(ids, id)
		case 2:
			_, err = o.ReservePending(ctx, 1+rng.IntN(3))
		case 3:
			_, err = o.Acknowledge(ctx, pick())
		case 4:
			_, err = o.Fail(ctx, pick(), "random")
		case 5:
			_, err = o.ReleaseInflight(ctx, pick())
		case 6:
			clock.Advance(time.Duration(rng.IntN(4)) * time.Second)
			_, err = o.ReapTimeouts(ctx)
		case 7:
			_, err = o.PurgeProcessed(ctx, 1)
		}
		require.NoError(t, err)

		for id, n := range countMemberships(t, o) {
			require.Equal(t, 1, n, "entry %s is in %d buckets", id, n)
		}
	}

	stats, err := o.Statistics(ctx)
	require.NoError(t, err)
	require.Equal(t, len(countMemberships(t, o)), stats.Total())
}
