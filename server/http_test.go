package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tiered-cache/promote"
	"github.com/wolfeidau/tiered-cache/store/l2"
	"github.com/wolfeidau/tiered-cache/store/outbox"
	"github.com/wolfeidau/tiered-cache/store/poller"
	"github.com/wolfeidau/tiered-cache/store/vcache"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	cache  *vcache.Locked
	outbox *outbox.Outbox
	l2     *l2.Store
	poller *poller.Poller
}

func newTestEnv(t *testing.T, withPromoter bool) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := vcache.New(vcache.Config{Dimension: 3, MaxSize: 100, PromotionThreshold: 2, PromotionRequeueStep: 1})
	require.NoError(t, err)
	cache := vcache.NewLocked(c)

	ob, err := outbox.Open(filepath.Join(t.TempDir(), "outbox.db"), outbox.WithNoSync(true), outbox.WithRetryLimit(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ob.Close() })

	store, err := l2.New(ob.DB())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	router := poller.NewRouter()
	require.NoError(t, promote.Register(router, store))
	pl := poller.New(ob, router.Handle, poller.DefaultConfig(), poller.WithLogger(logger))

	cfg := Config{
		Cache:  cache,
		Outbox: ob,
		L2:     store,
		Poller: pl,
		Logger: logger,
	}
	if withPromoter {
		cfg.Promoter = promote.New(cache, ob, promote.DefaultConfig(), promote.WithLogger(logger))
	}

	s, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: s, http: ts, cache: cache, outbox: ob, l2: store, poller: pl}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, false)
	status, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["success"])
}

func TestServer_VectorLifecycle(t *testing.T) {
	env := newTestEnv(t, false)

	status, body := env.do(t, http.MethodPut, "/v1/vectors/a", map[string]any{
		"vector":   []float32{1, 0, 0},
		"metadata": map[string]any{"label": "first"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "a", body["oid"])

	status, body = env.do(t, http.MethodGet, "/v1/vectors/a", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "l1", body["tier"])
	entry := body["entry"].(map[string]any)
	assert.Equal(t, []any{1.0, 0.0, 0.0}, entry["vector"])
	assert.Equal(t, "first", entry["metadata"].(map[string]any)["label"])
	assert.Equal(t, 1.0, entry["access_count"])

	status, body = env.do(t, http.MethodPost, "/v1/search", map[string]any{"vector": []float32{2, 0, 0}, "k": 5})
	require.Equal(t, http.StatusOK, status)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].(map[string]any)["oid"])
	assert.InDelta(t, 1.0, results[0].(map[string]any)["similarity_score"], 1e-6)

	status, body = env.do(t, http.MethodDelete, "/v1/vectors/a", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["removed"])

	status, body = env.do(t, http.MethodGet, "/v1/vectors/a", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "not found", body["error"])
}

func TestServer_ValidationErrors(t *testing.T) {
	env := newTestEnv(t, false)

	status, body := env.do(t, http.MethodPut, "/v1/vectors/a", map[string]any{"vector": []float32{1, 2}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "expected dimension 3")

	status, _ = env.do(t, http.MethodPost, "/v1/search", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/v1/outbox", map[string]any{"metadata": map[string]any{"a": 1}})
	assert.Equal(t, http.StatusBadRequest, status, "payload is required")

	status, _ = env.do(t, http.MethodGet, "/v1/outbox/dlq?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_ClearAndStats(t *testing.T) {
	env := newTestEnv(t, false)
	for _, oid := range []string{"a", "b"} {
		status, _ := env.do(t, http.MethodPut, "/v1/vectors/"+oid, map[string]any{"vector": []float32{1, 1, 1}})
		require.Equal(t, http.StatusOK, status)
	}

	_, body := env.do(t, http.MethodGet, "/stats", nil)
	cache := body["cache"].(map[string]any)
	assert.Equal(t, 2.0, cache["current_size"])
	assert.Equal(t, 100.0, cache["max_size"])
	outboxStats := body["outbox"].(map[string]any)
	assert.Equal(t, 1.0, outboxStats["retry_limit"])
	assert.Equal(t, 30.0, outboxStats["visibility_timeout"])
	assert.Equal(t, 0.0, body["l2_entries"])

	status, _ := env.do(t, http.MethodDelete, "/v1/vectors", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Zero(t, env.cache.Len())
}

func TestServer_PromotionFlowReachesL2(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, true)

	status, _ := env.do(t, http.MethodPut, "/v1/vectors/hot", map[string]any{"vector": []float32{0, 1, 0}})
	require.Equal(t, http.StatusOK, status)
	env.do(t, http.MethodGet, "/v1/vectors/hot", nil)
	env.do(t, http.MethodGet, "/v1/vectors/hot", nil)

	_, body := env.do(t, http.MethodGet, "/v1/promotions", nil)
	require.Len(t, body["promotions"].([]any), 1)

	status, body = env.do(t, http.MethodPost, "/v1/promotions/drain", nil)
	require.Equal(t, http.StatusOK, status)
	result := body["result"].(map[string]any)
	assert.Equal(t, 1.0, result["enqueued"])

	res, err := env.poller.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Acknowledged)

	// Evict from L1; reads now come from L2.
	require.True(t, env.cache.Remove("hot"))
	status, body = env.do(t, http.MethodGet, "/v1/vectors/hot", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "l2", body["tier"])
	assert.Equal(t, []any{0.0, 1.0, 0.0}, body["entry"].(map[string]any)["vector"])
}

func TestServer_DrainWithoutPromoter(t *testing.T) {
	env := newTestEnv(t, false)
	env.do(t, http.MethodPut, "/v1/vectors/x", map[string]any{"vector": []float32{0, 0, 1}})
	env.do(t, http.MethodGet, "/v1/vectors/x", nil)
	env.do(t, http.MethodGet, "/v1/vectors/x", nil)

	_, body := env.do(t, http.MethodPost, "/v1/promotions/drain", nil)
	promotions := body["promotions"].([]any)
	require.Len(t, promotions, 1)
	assert.Equal(t, "x", promotions[0].(map[string]any)["oid"])
	assert.Empty(t, env.cache.PeekPromotions())
}

func TestServer_OutboxRoutes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, false)

	status, body := env.do(t, http.MethodPost, "/v1/outbox", map[string]any{
		"payload":  map[string]any{"type": "unknown_event"},
		"metadata": map[string]any{"source": "test"},
	})
	require.Equal(t, http.StatusOK, status)
	id := body["id"].(string)

	status, body = env.do(t, http.MethodGet, "/v1/outbox/"+id, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pending", body["state"])

	status, _ = env.do(t, http.MethodGet, "/v1/outbox/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, status)

	// No handler for the type and retry limit 1: straight to the dlq.
	res, err := env.poller.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.DeadLettered)

	_, body = env.do(t, http.MethodGet, "/v1/outbox/dlq?limit=10", nil)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].(map[string]any)["id"])

	status, body = env.do(t, http.MethodPost, "/v1/outbox/purge", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0.0, body["purged"])
}

func TestServer_HealthDegradedAfterPollerFailure(t *testing.T) {
	env := newTestEnv(t, false)
	require.NoError(t, env.outbox.Close())

	env.poller.Start(context.Background())
	<-env.poller.Done()

	status, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "degraded", body["status"])
}

func TestDeriveComponent(t *testing.T) {
	tests := map[string]string{
		"/health":              "internal",
		"/metrics":             "internal",
		"/v1/vectors/a":        "vectors",
		"/v1/search":           "vectors",
		"/v1/promotions/drain": "promotions",
		"/v1/outbox/dlq":       "outbox",
		"/elsewhere":           "unknown",
	}
	for path, want := range tests {
		assert.Equal(t, want, deriveComponent(path), path)
	}
}
