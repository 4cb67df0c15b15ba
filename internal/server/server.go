// Package server exposes replay, cache inspection and failure triage over
// HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/norm-structurer/internal/cache"
	"github.com/sells-group/norm-structurer/internal/failures"
	"github.com/sells-group/norm-structurer/internal/metrics"
	"github.com/sells-group/norm-structurer/internal/model"
	"github.com/sells-group/norm-structurer/internal/replay"
)

// MaxBatch bounds the number of items in one batch replay request.
const MaxBatch = 1000

const maxBody = 1 << 20

// Replayer re-delivers cached versions.
type Replayer interface {
	Replay(ctx context.Context, req replay.Request) replay.Result
	Batch(ctx context.Context, reqs []replay.Request) replay.BatchResult
}

// VersionReader lists cached versions.
type VersionReader interface {
	ListVersions(ctx context.Context, stage string, id model.DocumentID) ([]int, error)
	Metadata(ctx context.Context, stage string, id model.DocumentID) (*model.CacheMetadata, error)
}

// FailureReader reads the failure log.
type FailureReader interface {
	SummaryByDocument(ctx context.Context) ([]failures.DocumentSummary, error)
	SummaryByKind(ctx context.Context) ([]failures.KindSummary, error)
	WriteExport(ctx context.Context, w io.Writer) (int, error)
}

// Options configure the HTTP surface.
type Options struct {
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Server routes requests to its dependencies.
type Server struct {
	replay   Replayer
	versions VersionReader
	failures FailureReader
	opts     Options
	log      *zap.Logger
	router   chi.Router
}

// New builds the router.
func New(r Replayer, v VersionReader, f FailureReader, opts Options) (*Server, error) {
	if r == nil || v == nil || f == nil {
		return nil, eris.New("server: replayer, version reader and failure reader are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		replay:   r,
		versions: v,
		failures: f,
		opts:     opts,
		log:      opts.Logger.With(zap.String("component", "server")),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.instrument)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.opts.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/replay", s.handleReplay)
		r.Post("/replay/batch", s.handleReplayBatch)
		r.Get("/cache/{stage}/{documentID}/versions", s.handleVersions)
		r.Get("/failures/summary", s.handleFailureSummary)
		r.Get("/failures/export", s.handleFailureExport)
	})
	return r
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.opts.Metrics.HTTPRequest(route, status, time.Since(start))
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replay.Request
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := s.replay.Replay(r.Context(), req)
	writeJSON(w, replayStatus(res), res)
}

func (s *Server) handleReplayBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items []replay.Request `json:"items"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items must not be empty")
		return
	}
	if len(body.Items) > MaxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d items per batch", MaxBatch))
		return
	}
	writeJSON(w, http.StatusOK, s.replay.Batch(r.Context(), body.Items))
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	id := model.DocumentID(chi.URLParam(r, "documentID"))

	versions, err := s.versions.ListVersions(r.Context(), stage, id)
	if err != nil {
		s.log.Error("server: list versions", zap.String("stage", stage), zap.String("document_id", id.String()), zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(versions) == 0 {
		writeError(w, http.StatusNotFound, replay.ReasonCacheMiss)
		return
	}

	resp := map[string]any{
		"stage":       stage,
		"document_id": id,
		"versions":    versions,
	}
	meta, err := s.versions.Metadata(r.Context(), stage, id)
	switch {
	case err == nil:
		resp["latest_version"] = meta.LatestVersion
		resp["updated_at"] = meta.UpdatedAt
	case !errors.Is(err, cache.ErrNotFound):
		s.log.Warn("server: read metadata", zap.String("document_id", id.String()), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFailureSummary(w http.ResponseWriter, r *http.Request) {
	var (
		out any
		err error
	)
	switch by := r.URL.Query().Get("by"); by {
	case "", "document":
		out, err = s.failures.SummaryByDocument(r.Context())
	case "kind":
		out, err = s.failures.SummaryByKind(r.Context())
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown grouping %q", by))
		return
	}
	if err != nil {
		s.log.Error("server: failure summary", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failure log unreadable")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFailureExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := s.failures.WriteExport(r.Context(), w); err != nil {
		s.log.Error("server: failure export", zap.Error(err))
		http.Error(w, "failure log unreadable", http.StatusInternalServerError)
	}
}

// ListenAndServe serves on port until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server listen")
	}
	return nil
}

func replayStatus(res replay.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Reason {
	case replay.ReasonCacheMiss:
		return http.StatusNotFound
	case replay.ReasonInvalidRequest:
		return http.StatusBadRequest
	case replay.ReasonSendFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return eris.Wrap(err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
