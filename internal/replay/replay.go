// Package replay re-delivers cached stage outputs to the downstream stream
// without recomputing them.
package replay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/norm-structurer/internal/cache"
	"github.com/sells-group/norm-structurer/internal/envelope"
	"github.com/sells-group/norm-structurer/internal/metrics"
	"github.com/sells-group/norm-structurer/internal/model"
)

// Failure reasons reported in Result.Reason.
const (
	ReasonCacheMiss      = "cache_miss"
	ReasonInvalidRequest = "invalid_request"
	ReasonCacheError     = "cache_error"
	ReasonSendFailed     = "send_failed"
)

// Getter reads cached versions.
type Getter interface {
	Get(ctx context.Context, stage string, id model.DocumentID, version int) (*model.CacheEntry, error)
}

// Sender publishes a message body to a stream.
type Sender interface {
	Send(ctx context.Context, stream string, body []byte) (string, error)
}

// Request selects one cached version. A zero Version means latest.
type Request struct {
	DocumentID model.DocumentID `json:"document_id"`
	Version    int              `json:"version,omitempty"`
}

// Result reports one replay. Version is the version actually sent.
type Result struct {
	DocumentID model.DocumentID `json:"document_id"`
	Version    int              `json:"version,omitempty"`
	Success    bool             `json:"success"`
	Reason     string           `json:"reason,omitempty"`
	Message    string           `json:"message,omitempty"`
	DispatchID string           `json:"dispatch_id,omitempty"`
	MessageID  string           `json:"message_id,omitempty"`
}

// BatchResult holds per-item results in request order.
type BatchResult struct {
	Results   []Result `json:"results"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
}

// Options configure a Service.
type Options struct {
	Stage       string
	Stream      string
	Concurrency int
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	Now         func() time.Time
}

// Service replays cache entries of one stage onto one stream.
type Service struct {
	cache Getter
	queue Sender
	opts  Options
	log   *zap.Logger
}

// New validates dependencies and applies defaults.
func New(c Getter, q Sender, opts Options) (*Service, error) {
	if c == nil || q == nil {
		return nil, eris.New("replay: cache and queue are required")
	}
	if opts.Stage == "" || opts.Stream == "" {
		return nil, eris.New("replay: stage and stream are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cache: c,
		queue: q,
		opts:  opts,
		log:   opts.Logger.With(zap.String("component", "replay"), zap.String("stage", opts.Stage)),
	}, nil
}

// Replay sends the requested version wrapped in an envelope stamped with
// the dispatch time. The payload itself is the cached bytes, so replaying
// the same version twice delivers identical data.
func (s *Service) Replay(ctx context.Context, req Request) Result {
	res := s.replay(ctx, req)
	if res.Success {
		s.opts.Metrics.Replay("success")
	} else {
		s.opts.Metrics.Replay(res.Reason)
	}
	return res
}

func (s *Service) replay(ctx context.Context, req Request) Result {
	res := Result{DocumentID: req.DocumentID, Version: req.Version}
	log := s.log.With(zap.String("document_id", req.DocumentID.String()), zap.Int("requested_version", req.Version))

	if req.DocumentID.IsZero() || req.Version < 0 {
		res.Reason = ReasonInvalidRequest
		res.Message = "document_id is required and version must be >= 0"
		return res
	}

	entry, err := s.cache.Get(ctx, s.opts.Stage, req.DocumentID, req.Version)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		res.Reason = ReasonCacheMiss
		res.Message = err.Error()
		log.Info("replay: cache miss")
		return res
	case err != nil:
		res.Reason = ReasonCacheError
		res.Message = err.Error()
		log.Error("replay: cache read failed", zap.Error(err))
		return res
	}
	res.Version = entry.Version

	body, err := envelope.Wrap(entry.Payload, s.opts.Now())
	if err != nil {
		res.Reason = ReasonCacheError
		res.Message = err.Error()
		log.Error("replay: cached payload unusable", zap.Error(err))
		return res
	}

	res.DispatchID = uuid.NewString()
	msgID, err := s.queue.Send(ctx, s.opts.Stream, body)
	if err != nil {
		res.Reason = ReasonSendFailed
		res.Message = err.Error()
		log.Error("replay: send failed", zap.String("dispatch_id", res.DispatchID), zap.Error(err))
		return res
	}

	res.Success = true
	res.MessageID = msgID
	log.Info("replayed",
		zap.Int("version", res.Version),
		zap.String("dispatch_id", res.DispatchID),
		zap.String("message_id", msgID),
	)
	return res
}

// Batch replays every request with bounded concurrency. One failing item
// does not stop the others.
func (s *Service) Batch(ctx context.Context, reqs []Request) BatchResult {
	out := BatchResult{Results: make([]Result, len(reqs))}

	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)

	var succeeded atomic.Int64
	for i, req := range reqs {
		g.Go(func() error {
			out.Results[i] = s.Replay(ctx, req)
			if out.Results[i].Success {
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	out.Succeeded = int(succeeded.Load())
	out.Failed = len(reqs) - out.Succeeded
	s.log.Info("replay batch complete",
		zap.Int("requested", len(reqs)),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("failed", out.Failed),
	)
	return out
}
