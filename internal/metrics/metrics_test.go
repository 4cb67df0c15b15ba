package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Document("success")
	m.QueueFailure()
	m.Attempt("m", true, 0.9, 0.01)
	m.Escalation(2, time.Second)
	m.CacheWrite("structuring", nil)
	m.StorageCommit("relational", true)
	m.Replay("ok")
	m.HTTPRequest("/health", 200, time.Millisecond)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestCounters(t *testing.T) {
	m := New()

	m.Document("success")
	m.Document("success")
	m.Document("failed")
	m.QueueFailure()
	m.Attempt("claude-haiku-4-5-20251001", false, 0.4, 0.002)
	m.CacheWrite("structuring", errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Documents.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Documents.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("claude-haiku-4-5-20251001", "false")))
	assert.InDelta(t, 0.002, testutil.ToFloat64(m.ModelCost.WithLabelValues("claude-haiku-4-5-20251001")), 1e-12)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheWrites.WithLabelValues("structuring", "error")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.Document("malformed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `norms_documents_total{outcome="malformed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewUsesIsolatedRegistries(t *testing.T) {
	// two instances must not collide on registration
	a, b := New(), New()
	a.QueueFailure()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.QueueFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.QueueFailures))
}
