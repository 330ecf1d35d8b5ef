package poller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tiered-cache/store/outbox"
	"github.com/wolfeidau/tiered-cache/telemetry"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestOutbox(t *testing.T, opts ...outbox.Option) *outbox.Outbox {
	t.Helper()
	opts = append([]outbox.Option{outbox.WithNoSync(true)}, opts...)
	o, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func enqueue(t *testing.T, o *outbox.Outbox, payload any) string {
	t.Helper()
	id, err := o.Enqueue(context.Background(), payload, nil)
	require.NoError(t, err)
	return id
}

func stateOf(t *testing.T, o *outbox.Outbox, id string) outbox.State {
	t.Helper()
	_, state, err := o.Lookup(context.Background(), id)
	require.NoError(t, err)
	return state
}

func TestPoller_RunOnceAcknowledges(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t)
	ids := []string{enqueue(t, ob, "a"), enqueue(t, ob, "b")}

	var handled []string
	p := New(ob, func(_ context.Context, e *outbox.Entry) error {
		handled = append(handled, e.ID)
		return nil
	}, DefaultConfig())

	result, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Reserved)
	assert.Equal(t, 2, result.Acknowledged)
	assert.Equal(t, ids, handled, "entries dispatched oldest first")
	assert.Same(t, result, p.Status())

	for _, id := range ids {
		assert.Equal(t, outbox.StateProcessed, stateOf(t, ob, id))
	}

	result, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Reserved)
}

func TestPoller_HandlerFailuresRetryThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t, outbox.WithRetryLimit(2))
	id := enqueue(t, ob, "doomed")

	var dead []*outbox.Entry
	p := New(ob, func(context.Context, *outbox.Entry) error {
		return errors.New("boom")
	}, DefaultConfig(), WithDLQHandler(func(_ context.Context, e *outbox.Entry) {
		dead = append(dead, e)
	}))

	result, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, outbox.StatePending, stateOf(t, ob, id))
	assert.Empty(t, dead)

	result, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Equal(t, outbox.StateDLQ, stateOf(t, ob, id))

	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Equal(t, "boom", dead[0].LastFailure().Reason)

	dlq, err := ob.FetchDLQ(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Len(t, dlq[0].Failures, 2)
	assert.Equal(t, "boom", dlq[0].Failures[1].Reason)
}

func TestPoller_RecoversPanics(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t, outbox.WithRetryLimit(1))
	id := enqueue(t, ob, "x")

	p := New(ob, func(context.Context, *outbox.Entry) error {
		panic("handler exploded")
	}, DefaultConfig(), WithDLQHandler(func(context.Context, *outbox.Entry) {
		panic("dlq handler exploded")
	}))

	result, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)

	entry, state, err := ob.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateDLQ, state)
	assert.Contains(t, entry.LastFailure().Reason, "handler exploded")
}

func TestPoller_ReapsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	var nowNanos atomic.Int64
	nowNanos.Store(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	now := func() time.Time { return time.Unix(0, nowNanos.Load()).UTC() }

	ob := newTestOutbox(t, outbox.WithNow(now), outbox.WithVisibilityTimeout(10*time.Second))
	id := enqueue(t, ob, "abandoned")

	// A consumer that crashed after reserving.
	_, err := ob.ReservePending(ctx, 1)
	require.NoError(t, err)

	var attempts []int
	p := New(ob, func(_ context.Context, e *outbox.Entry) error {
		attempts = append(attempts, e.Attempts)
		return nil
	}, DefaultConfig())

	result, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Reaped)
	assert.Zero(t, result.Reserved)

	nowNanos.Add(int64(10 * time.Second))
	result, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reaped)
	assert.Equal(t, 1, result.Acknowledged)
	assert.Equal(t, []int{2}, attempts)
	assert.Equal(t, outbox.StateProcessed, stateOf(t, ob, id))
}

func TestPoller_StartStop(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t)

	var handled atomic.Int32
	p := New(ob, func(context.Context, *outbox.Entry) error {
		handled.Add(1)
		return nil
	}, Config{PollInterval: 10 * time.Millisecond, BatchSize: 3})

	p.Start(ctx)
	p.Start(ctx) // no-op while running

	for i := range 7 {
		enqueue(t, ob, i)
	}

	require.Eventually(t, func() bool { return handled.Load() == 7 }, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))
	require.NoError(t, p.Stop(stopCtx))
	<-p.Done()
	require.NoError(t, p.Err())

	stats, err := ob.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Processed)
}

func TestPoller_StopWaitsForBatch(t *testing.T) {
	ctx := context.Background()
	ob := newTestOutbox(t)
	ids := []string{enqueue(t, ob, 1), enqueue(t, ob, 2)}

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p := New(ob, func(context.Context, *outbox.Entry) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}, Config{PollInterval: 10 * time.Millisecond, BatchSize: 2})

	p.Start(ctx)
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(ctx) }()

	select {
	case <-stopped:
		t.Fatal("stop returned before the batch finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)

	for _, id := range ids {
		assert.Equal(t, outbox.StateProcessed, stateOf(t, ob, id), "whole batch settled")
	}
}

func TestPoller_StopTimesOut(t *testing.T) {
	ob := newTestOutbox(t)
	enqueue(t, ob, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p := New(ob, func(context.Context, *outbox.Entry) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	}, Config{PollInterval: 10 * time.Millisecond})

	p.Start(context.Background())
	t.Cleanup(func() {
		close(release)
		<-p.Done()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}

type brokenOutbox struct {
	reserveErr error
}

func (b *brokenOutbox) ReapTimeouts(context.Context) ([]string, error) { return nil, nil }

func (b *brokenOutbox) ReservePending(context.Context, int) ([]*outbox.Entry, error) {
	return nil, b.reserveErr
}

func (b *brokenOutbox) Acknowledge(context.Context, string) (bool, error) { return false, nil }

func (b *brokenOutbox) Fail(context.Context, string, string) (outbox.State, error) {
	return outbox.StateNone, nil
}

func (b *brokenOutbox) Statistics(context.Context) (outbox.Stats, error) { return outbox.Stats{}, nil }

func TestPoller_OutboxErrorIsFatal(t *testing.T) {
	storeErr := errors.New("disk on fire")
	var handled atomic.Bool
	p := New(&brokenOutbox{reserveErr: storeErr}, func(context.Context, *outbox.Entry) error {
		handled.Store(true)
		return nil
	}, Config{PollInterval: time.Millisecond})

	p.Start(context.Background())

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop on outbox error")
	}
	require.ErrorIs(t, p.Err(), storeErr)
	require.NoError(t, p.Stop(context.Background()), "stop after a fatal exit is a no-op")
	assert.False(t, handled.Load())
}

func TestPoller_ContextCancelStopsLoop(t *testing.T) {
	ob := newTestOutbox(t)
	p := New(ob, func(context.Context, *outbox.Entry) error { return nil }, Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not exit on cancellation")
	}
	assert.NoError(t, p.Err())
}

func TestPoller_Metrics(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	ob := newTestOutbox(t, outbox.WithRetryLimit(1))
	enqueue(t, ob, "ok")
	enqueue(t, ob, "bad")

	p := New(ob, func(_ context.Context, e *outbox.Entry) error {
		var s string
		require.NoError(t, e.DecodePayload(&s))
		if s == "bad" {
			return errors.New("rejected")
		}
		return nil
	}, DefaultConfig(), WithMetrics(provider.Meter("test")))

	_, err := p.RunOnce(ctx)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), sums["tiered_cache_poller_iterations_total"])
	assert.Equal(t, int64(2), sums["tiered_cache_poller_reserved_total"])
	assert.Equal(t, int64(1), sums["tiered_cache_poller_acknowledged_total"])
	assert.Equal(t, int64(1), sums["tiered_cache_poller_dead_lettered_total"])
}

func TestPoller_RefreshesOutboxDepth(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	restore, err := telemetry.UseMeterProvider(provider)
	require.NoError(t, err)
	t.Cleanup(func() {
		restore()
		_ = provider.Shutdown(ctx)
	})

	ob := newTestOutbox(t, outbox.WithRetryLimit(1))
	enqueue(t, ob, "ok")
	enqueue(t, ob, "bad")
	enqueue(t, ob, "ok")

	p := New(ob, func(_ context.Context, e *outbox.Entry) error {
		var s string
		require.NoError(t, e.DecodePayload(&s))
		if s == "bad" {
			return errors.New("rejected")
		}
		return nil
	}, Config{BatchSize: 2})

	_, err = p.RunOnce(ctx)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	depth := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "tiered_cache_outbox_entries" {
				continue
			}
			g, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok)
			for _, dp := range g.DataPoints {
				bucket, _ := dp.Attributes.Value("bucket")
				depth[bucket.AsString()] = dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"pending": 1, "inflight": 0, "processed": 1, "dlq": 1}, depth)
}
