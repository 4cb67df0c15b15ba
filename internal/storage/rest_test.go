package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/norm-structurer/internal/resilience"
)

func fastRetry() resilience.Policy {
	return resilience.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestREST_StoreRelational(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"document_id":1}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"message":"stored","pk_mapping":{"norma_1":42}}`))
	}))
	defer srv.Close()

	reply, err := NewREST(srv.URL, WithRetry(fastRetry())).StoreRelational(context.Background(), []byte(`{"document_id":1}`))
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, int64(42), reply.PKMapping["norma_1"])
}

func TestREST_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"message":"ok"}`))
	}))
	defer srv.Close()

	reply, err := NewREST(srv.URL, WithRetry(fastRetry())).StoreVectorial(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, int32(3), calls.Load())
}

func TestREST_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad record"}`))
	}))
	defer srv.Close()

	_, err := NewREST(srv.URL, WithRetry(fastRetry())).StoreRelational(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestREST_UndecodableReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := NewREST(srv.URL, WithRetry(fastRetry())).StoreRelational(context.Background(), []byte(`{}`))
	assert.ErrorContains(t, err, "decode reply")
}

func TestREST_CommitThroughCoordinator(t *testing.T) {
	rel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"pk_mapping":{"norma_1":42}}`))
	}))
	defer rel.Close()
	var vecBody []byte
	vec := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vecBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer vec.Close()

	client := Split{
		Relational: NewREST(rel.URL, WithRetry(fastRetry())),
		Vectorial:  NewREST(vec.URL, WithRetry(resilience.Policy{MaxAttempts: 1})),
	}
	res := NewCoordinator(client, CoordinatorOptions{Timeout: 5 * time.Second}).Commit(context.Background(), sampleRecord())

	assert.True(t, res.Relational.Success)
	assert.False(t, res.Vectorial.Success)
	assert.False(t, res.PipelineSuccess)
	assert.Contains(t, string(vecBody), `"norma_1":42`)
}
