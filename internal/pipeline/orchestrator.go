package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/norm-structurer/internal/cache"
	"github.com/sells-group/norm-structurer/internal/cost"
	"github.com/sells-group/norm-structurer/internal/envelope"
	"github.com/sells-group/norm-structurer/internal/escalation"
	"github.com/sells-group/norm-structurer/internal/metrics"
	"github.com/sells-group/norm-structurer/internal/model"
	"github.com/sells-group/norm-structurer/internal/queue"
)

// DefaultTextField is the inbound payload field holding the purified text.
const DefaultTextField = "text"

// Engine runs escalation for one document.
type Engine interface {
	Run(ctx context.Context, id model.DocumentID, text string) *escalation.Outcome
}

// FailureRecorder persists documents that could not be structured.
type FailureRecorder interface {
	Record(ctx context.Context, rec model.FailureRecord) error
}

// Options configure an Orchestrator. Zero durations fall back to defaults.
type Options struct {
	Inbound  string
	Outbound string
	// Stage namespaces cache entries and the outbound result; defaults to
	// model.StageStructuring. Failure records always use StageStructuring.
	Stage           string
	TextField       string
	Wait            time.Duration
	SummaryEvery    int
	SummaryInterval time.Duration
	ErrorBackoff    time.Duration
	Cost            *cost.Calculator
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
	Now             func() time.Time
}

// Orchestrator is the structuring worker loop: receive, unwrap, escalate,
// cache and forward. One Orchestrator processes one message at a time.
type Orchestrator struct {
	queue    queue.Queue
	engine   Engine
	cache    cache.Cache
	failures FailureRecorder
	opts     Options
	log      *zap.Logger
	now      func() time.Time

	stats        *counter
	lastSummary  time.Time
	sinceSummary int
}

// New validates dependencies and applies option defaults.
func New(q queue.Queue, engine Engine, c cache.Cache, failures FailureRecorder, opts Options) (*Orchestrator, error) {
	switch {
	case q == nil:
		return nil, eris.New("pipeline: queue is required")
	case engine == nil:
		return nil, eris.New("pipeline: engine is required")
	case c == nil:
		return nil, eris.New("pipeline: cache is required")
	case failures == nil:
		return nil, eris.New("pipeline: failure recorder is required")
	case opts.Inbound == "" || opts.Outbound == "":
		return nil, eris.New("pipeline: inbound and outbound streams are required")
	}

	if opts.Stage == "" {
		opts.Stage = model.StageStructuring
	}
	if opts.TextField == "" {
		opts.TextField = DefaultTextField
	}
	if opts.Wait <= 0 {
		opts.Wait = 5 * time.Second
	}
	if opts.SummaryEvery <= 0 {
		opts.SummaryEvery = 50
	}
	if opts.SummaryInterval <= 0 {
		opts.SummaryInterval = 5 * time.Minute
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	if opts.Cost == nil {
		opts.Cost = cost.NewCalculator(cost.DefaultRates())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Orchestrator{
		queue:       q,
		engine:      engine,
		cache:       c,
		failures:    failures,
		opts:        opts,
		log:         opts.Logger.With(zap.String("component", "pipeline.orchestrator")),
		now:         opts.Now,
		stats:       &counter{},
		lastSummary: opts.Now(),
	}, nil
}

// Stats returns a snapshot of the running counters.
func (o *Orchestrator) Stats() Stats { return o.stats.snapshot() }

// Run consumes the inbound stream until ctx is cancelled. Cancellation is
// only observed between messages; a message already received is processed
// to completion on a context that ignores the cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("structuring worker started",
		zap.String("inbound", o.opts.Inbound),
		zap.String("outbound", o.opts.Outbound),
		zap.Duration("wait", o.opts.Wait),
	)

	for {
		if ctx.Err() != nil {
			o.summary("stopped")
			return nil
		}

		handled, err := o.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				o.summary("stopped")
				return nil
			}
			o.log.Error("pipeline: receive failed", zap.Error(err))
			if !sleep(ctx, o.opts.ErrorBackoff) {
				o.summary("stopped")
				return nil
			}
			continue
		}
		if handled {
			o.sinceSummary++
		}
		o.maybeSummary()
	}
}

// ProcessOnce waits for one inbound message and handles it. It reports
// whether a message was received; an error is only returned when the
// receive itself failed.
func (o *Orchestrator) ProcessOnce(ctx context.Context) (bool, error) {
	msg, err := o.queue.Receive(ctx, o.opts.Inbound, o.opts.Wait)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	o.handle(context.WithoutCancel(ctx), msg)
	return true, nil
}

// handle processes one message and never panics. The message is always
// acknowledged so a poisoned body cannot be redelivered forever.
func (o *Orchestrator) handle(ctx context.Context, msg *queue.Message) {
	log := o.log.With(zap.String("message_id", msg.ID))
	var id model.DocumentID

	defer func() {
		if r := recover(); r != nil {
			o.stats.add(func(s *Stats) { s.Errors++ })
			log.Error("pipeline: recovered from panic",
				zap.String("document_id", id.String()),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			if !id.IsZero() {
				o.recordFailure(ctx, id, model.ErrorKindUnexpected, fmt.Sprint(r), nil)
			}
			o.ack(ctx, log, msg)
			time.Sleep(o.opts.ErrorBackoff)
		}
	}()

	o.process(ctx, log, msg, &id)
	o.ack(ctx, log, msg)
}

// process handles one body. It sets *docID as soon as the identity is known
// so a recovered panic can still be attributed.
func (o *Orchestrator) process(ctx context.Context, log *zap.Logger, msg *queue.Message, docID *model.DocumentID) {
	in, err := envelope.Normalize(msg.Body)
	if err != nil {
		o.malformed(log, err)
		return
	}
	id, err := envelope.DocumentID(in.Payload)
	if err != nil {
		o.malformed(log, err)
		return
	}
	*docID = id
	log = log.With(zap.String("document_id", id.String()))
	if in.CachedAt != nil {
		log = log.With(zap.Time("cached_at", *in.CachedAt))
	}

	o.stats.add(func(s *Stats) { s.Total++ })

	text, source, err := splitText(in.Payload, o.opts.TextField)
	if err != nil {
		log.Warn("pipeline: document has no text", zap.Error(err))
		o.fail(ctx, id, model.ErrorKindInvalidInput, err.Error(), nil)
		return
	}

	started := o.now()
	out := o.engine.Run(ctx, id, text)
	o.observe(out, started)

	if !out.Verified() {
		log.Warn("pipeline: escalation exhausted",
			zap.Int("attempts", len(out.Attempts)),
			zap.String("reason", out.Reason),
		)
		o.fail(ctx, id, model.ErrorKindExhausted, out.Reason, map[string]any{
			"models":   attemptModels(out.Attempts),
			"cost_usd": o.opts.Cost.Attempts(out.Attempts),
		})
		return
	}

	result := Result{
		DocumentID: id,
		Stage:      o.opts.Stage,
		Model:      out.Winner.ModelName,
		Structure:  out.Document.Tree(),
		Attempts:   out.Attempts,
		CostUSD:    o.opts.Cost.Attempts(out.Attempts),
		Source:     source,
	}
	body, err := json.Marshal(result)
	if err != nil {
		o.fail(ctx, id, model.ErrorKindUnexpected, eris.Wrap(err, "pipeline: marshal result").Error(), nil)
		return
	}

	version, err := o.cache.Put(ctx, o.opts.Stage, id, body)
	o.opts.Metrics.CacheWrite(o.opts.Stage, err)
	if err != nil {
		// The structure is still forwarded; only replay is lost for it.
		log.Error("pipeline: cache write failed", zap.Error(err))
		o.recordFailure(ctx, id, model.ErrorKindCacheWrite, err.Error(), nil)
	}

	o.stats.add(func(s *Stats) { s.Successful++ })
	o.opts.Metrics.Document("success")

	sentID, err := o.queue.Send(ctx, o.opts.Outbound, body)
	if err != nil {
		o.stats.add(func(s *Stats) { s.QueueFailures++ })
		o.opts.Metrics.QueueFailure()
		log.Error("pipeline: outbound send failed",
			zap.Int("version", version),
			zap.Error(err),
		)
		return
	}

	log.Info("document structured",
		zap.String("model", result.Model),
		zap.Int("attempts", len(result.Attempts)),
		zap.Float64("similarity", out.Winner.SimilarityScore),
		zap.Int64("tokens", out.TokensUsed()),
		zap.Float64("cost_usd", result.CostUSD),
		zap.Int("version", version),
		zap.String("outbound_id", sentID),
	)
}

func (o *Orchestrator) observe(out *escalation.Outcome, started time.Time) {
	for _, a := range out.Attempts {
		o.opts.Metrics.Attempt(a.ModelName, a.Passed, a.SimilarityScore, o.opts.Cost.Tokens(a.ModelName, a.TokensUsed))
	}
	o.opts.Metrics.Escalation(len(out.Attempts), o.now().Sub(started))
}

func (o *Orchestrator) malformed(log *zap.Logger, err error) {
	o.stats.add(func(s *Stats) { s.Malformed++ })
	o.opts.Metrics.Document("malformed")
	log.Warn("pipeline: dropping malformed message", zap.Error(err))
}

func (o *Orchestrator) fail(ctx context.Context, id model.DocumentID, kind, message string, extra map[string]any) {
	o.stats.add(func(s *Stats) { s.Failed++ })
	o.opts.Metrics.Document("failed")
	o.recordFailure(ctx, id, kind, message, extra)
}

func (o *Orchestrator) recordFailure(ctx context.Context, id model.DocumentID, kind, message string, extra map[string]any) {
	rec := model.FailureRecord{
		DocumentID:   id,
		ErrorKind:    kind,
		ErrorMessage: message,
		Stage:        model.StageStructuring,
		Timestamp:    o.now().UTC(),
		Context:      extra,
	}
	if err := o.failures.Record(ctx, rec); err != nil {
		o.log.Error("pipeline: failure log write failed",
			zap.String("document_id", id.String()),
			zap.String("error_kind", kind),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) ack(ctx context.Context, log *zap.Logger, msg *queue.Message) {
	if err := o.queue.Ack(ctx, msg); err != nil {
		log.Error("pipeline: ack failed", zap.Error(err))
	}
}

func (o *Orchestrator) maybeSummary() {
	if o.sinceSummary >= o.opts.SummaryEvery || o.now().Sub(o.lastSummary) >= o.opts.SummaryInterval {
		o.summary("progress")
	}
}

func (o *Orchestrator) summary(event string) {
	s := o.stats.snapshot()
	o.log.Info("pipeline summary",
		zap.String("event", event),
		zap.Int64("total", s.Total),
		zap.Int64("successful", s.Successful),
		zap.Int64("failed", s.Failed),
		zap.Int64("queue_failures", s.QueueFailures),
		zap.Int64("malformed", s.Malformed),
		zap.Int64("errors", s.Errors),
	)
	o.sinceSummary = 0
	o.lastSummary = o.now()
}

// splitText pulls the text field out of payload and returns the remaining
// fields as the source record.
func splitText(payload json.RawMessage, field string) (string, map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", nil, eris.Wrap(err, "pipeline: decode payload")
	}
	raw, ok := fields[field]
	if !ok {
		return "", nil, eris.Errorf("pipeline: payload has no %q field", field)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", nil, eris.Wrapf(err, "pipeline: %q is not a string", field)
	}
	if text == "" {
		return "", nil, eris.Errorf("pipeline: %q is empty", field)
	}
	delete(fields, field)
	return text, fields, nil
}

func attemptModels(attempts []model.ExtractionAttempt) []string {
	names := make([]string, len(attempts))
	for i, a := range attempts {
		names[i] = a.ModelName
	}
	return names
}

// sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
