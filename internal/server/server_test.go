package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/norm-structurer/internal/cache"
	"github.com/sells-group/norm-structurer/internal/failures"
	"github.com/sells-group/norm-structurer/internal/metrics"
	"github.com/sells-group/norm-structurer/internal/model"
	"github.com/sells-group/norm-structurer/internal/queue"
	"github.com/sells-group/norm-structurer/internal/replay"
)

type fixture struct {
	cache   *cache.SQLiteCache
	tracker *failures.Tracker
	metrics *metrics.Metrics
	srv     *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	c, err := cache.NewSQLite(ctx, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() }) //nolint:errcheck

	mr := miniredis.RunT(t)
	q, err := queue.NewRedisStreams(redis.NewClient(&redis.Options{Addr: mr.Addr()}), queue.Options{Group: "g", Consumer: "c"})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck

	tracker, err := failures.Open(filepath.Join(t.TempDir(), "failures.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { tracker.Close() }) //nolint:errcheck

	m := metrics.New()
	svc, err := replay.New(c, q, replay.Options{Stage: model.StageStructuring, Stream: "norms.structured", Concurrency: 2, Metrics: m})
	require.NoError(t, err)

	s, err := New(svc, c, tracker, Options{Metrics: m, AllowedOrigins: []string{"https://triage.example"}})
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{cache: c, tracker: tracker, metrics: m, srv: ts}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestReplay_Endpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.cache.Put(context.Background(), model.StageStructuring, "7", []byte(`{"document_id":7}`))
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/v1/replay", `{"document_id": 7}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res replay.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, model.DocumentID("7"), res.DocumentID)

	resp, body = f.do(t, http.MethodPost, "/v1/replay", `{"document_id": 8, "version": 2}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), `"reason":"cache_miss"`)

	resp, _ = f.do(t, http.MethodPost, "/v1/replay", `{"document_id":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/replay", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReplayBatch_Endpoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.cache.Put(context.Background(), model.StageStructuring, "1", []byte(`{"document_id":1}`))
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/v1/replay/batch",
		`{"items": [{"document_id": 1}, {"document_id": "2"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out replay.BatchResult
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 2)
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, replay.ReasonCacheMiss, out.Results[1].Reason)

	resp, _ = f.do(t, http.MethodPost, "/v1/replay/batch", `{"items": []}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	items := make([]string, MaxBatch+1)
	for i := range items {
		items[i] = `{"document_id": 1}`
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/replay/batch", `{"items": [`+strings.Join(items, ",")+`]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVersions_Endpoint(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.cache.Put(context.Background(), model.StageStructuring, "7", []byte(`{}`))
		require.NoError(t, err)
	}

	resp, body := f.do(t, http.MethodGet, "/v1/cache/structuring/7/versions", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		DocumentID    model.DocumentID `json:"document_id"`
		Versions      []int            `json:"versions"`
		LatestVersion int              `json:"latest_version"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, model.DocumentID("7"), out.DocumentID)
	assert.Equal(t, []int{1, 2, 3}, out.Versions)
	assert.Equal(t, 3, out.LatestVersion)

	resp, _ = f.do(t, http.MethodGet, "/v1/cache/structuring/99/versions", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFailures_Endpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, r := range []model.FailureRecord{
		{DocumentID: "10", ErrorKind: model.ErrorKindExhausted, Stage: model.StageStructuring},
		{DocumentID: "20", ErrorKind: model.ErrorKindRelational, Stage: model.StageStorage},
		{DocumentID: "10", ErrorKind: model.ErrorKindExhausted, Stage: model.StageStructuring},
	} {
		require.NoError(t, f.tracker.Record(ctx, r))
	}

	resp, body := f.do(t, http.MethodGet, "/v1/failures/summary", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var docs []failures.DocumentSummary
	require.NoError(t, json.Unmarshal(body, &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, 2, docs[0].Count)

	resp, body = f.do(t, http.MethodGet, "/v1/failures/summary?by=kind", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var kinds []failures.KindSummary
	require.NoError(t, json.Unmarshal(body, &kinds))
	require.Len(t, kinds, 2)

	resp, _ = f.do(t, http.MethodGet, "/v1/failures/summary?by=stage", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/failures/export", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10\n20\n", string(body))
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}

func TestMetrics_RecordsRoutes(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/health", "")
	f.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.HTTPRequests.WithLabelValues("/health", "200")))

	resp, body := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "norms_http_requests_total")
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/v1/replay", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://triage.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "https://triage.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, nil, Options{})
	assert.Error(t, err)
}
