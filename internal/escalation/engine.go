// Package escalation drives an ordered chain of extraction models until one
// produces output that passes verification.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/norm-structurer/internal/model"
	"github.com/sells-group/norm-structurer/internal/resilience"
	"github.com/sells-group/norm-structurer/internal/verify"
)

// State is a step of the per-document escalation state machine.
type State string

const (
	StatePending   State = "PENDING"
	StateTrying    State = "TRYING"
	StateEscalate  State = "ESCALATE"
	StateVerified  State = "VERIFIED"
	StateExhausted State = "EXHAUSTED"
)

// ErrInvalidResponse marks model output that could not be parsed into a
// Document.
var ErrInvalidResponse = eris.New("invalid model response")

// Extraction is what a model returns for one call. TokensUsed is reported
// even when ParseErr is set so the call can still be billed.
type Extraction struct {
	Document   *model.Document
	TokensUsed int64
	ParseErr   error
}

// Verifier judges an extraction against its source text.
type Verifier interface {
	Score(original string, doc *model.Document) verify.Result
}

// Model converts source text into a Document.
type Model interface {
	Name() string
	Extract(ctx context.Context, text string) (*Extraction, error)
}

// Outcome is the terminal result of one Run.
type Outcome struct {
	DocumentID model.DocumentID
	State      State
	Document   *model.Document
	Attempts   []model.ExtractionAttempt
	Winner     *model.ExtractionAttempt
	Reason     string
}

// Verified reports whether a model passed verification.
func (o *Outcome) Verified() bool { return o.State == StateVerified }

// TokensUsed sums tokens over every attempt.
func (o *Outcome) TokensUsed() int64 {
	var n int64
	for _, a := range o.Attempts {
		n += a.TokensUsed
	}
	return n
}

// Options tune the engine. Zero values are usable.
type Options struct {
	Retry    resilience.Policy
	Breakers *resilience.BreakerSet
	// RatePerSecond limits calls per model; 0 disables limiting.
	RatePerSecond float64
	Burst         int
	// CallTimeout bounds each model call, retries included separately.
	CallTimeout time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

// Engine runs the escalation chain. It is safe for sequential reuse and
// holds no per-document state.
type Engine struct {
	models   []Model
	scorer   Verifier
	retry    resilience.Policy
	breakers *resilience.BreakerSet
	limiters map[string]*rate.Limiter
	timeout  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// New builds an engine over models, cheapest first.
func New(models []Model, scorer Verifier, opts Options) (*Engine, error) {
	if len(models) == 0 {
		return nil, eris.New("escalation: at least one model is required")
	}
	if scorer == nil {
		return nil, eris.New("escalation: scorer is required")
	}

	e := &Engine{
		models:   models,
		scorer:   scorer,
		retry:    opts.Retry,
		breakers: opts.Breakers,
		limiters: make(map[string]*rate.Limiter, len(models)),
		timeout:  opts.CallTimeout,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}

	seen := make(map[string]bool, len(models))
	for _, m := range models {
		if seen[m.Name()] {
			return nil, eris.Errorf("escalation: model %s listed twice", m.Name())
		}
		seen[m.Name()] = true
		if opts.RatePerSecond > 0 {
			burst := max(opts.Burst, 1)
			e.limiters[m.Name()] = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
		}
	}
	return e, nil
}

// Models returns the chain in escalation order.
func (e *Engine) Models() []string {
	names := make([]string, len(e.models))
	for i, m := range e.models {
		names[i] = m.Name()
	}
	return names
}

// Run tries each model in order and stops at the first verified output.
// Every call is recorded as an attempt, in chain order.
func (e *Engine) Run(ctx context.Context, id model.DocumentID, text string) *Outcome {
	out := &Outcome{DocumentID: id, State: StatePending}
	log := e.log.With(zap.String("document_id", id.String()))

	for i, m := range e.models {
		e.move(log, out, StateTrying, m.Name())

		att, doc := e.attempt(ctx, m, text)
		out.Attempts = append(out.Attempts, att)

		log.Info("extraction attempt",
			zap.String("model", att.ModelName),
			zap.Int("position", i+1),
			zap.Bool("passed", att.Passed),
			zap.Float64("similarity", att.SimilarityScore),
			zap.Int64("tokens", att.TokensUsed),
			zap.Duration("duration", att.Duration),
			zap.String("reason", att.Reason),
		)

		if att.Passed {
			winner := att
			out.Winner = &winner
			out.Document = doc
			e.move(log, out, StateVerified, m.Name())
			return out
		}
		if i < len(e.models)-1 {
			e.move(log, out, StateEscalate, m.Name())
		}
	}

	last := out.Attempts[len(out.Attempts)-1]
	out.Reason = fmt.Sprintf("all %d models failed verification; last %s: %s",
		len(out.Attempts), last.ModelName, attemptFailure(last))
	e.move(log, out, StateExhausted, last.ModelName)
	return out
}

func (e *Engine) move(log *zap.Logger, out *Outcome, to State, modelName string) {
	log.Debug("escalation transition",
		zap.String("from", string(out.State)),
		zap.String("to", string(to)),
		zap.String("model", modelName),
	)
	out.State = to
}

// attempt calls one model with retries and scores the result. Call errors
// that survive the retry policy become a failed attempt with similarity 0.
func (e *Engine) attempt(ctx context.Context, m Model, text string) (model.ExtractionAttempt, *model.Document) {
	name := m.Name()
	started := e.now()

	var breaker *resilience.Breaker
	if e.breakers != nil {
		breaker = e.breakers.Get(name)
	}
	limiter := e.limiters[name]

	ext, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*Extraction, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "escalation: rate limiter")
			}
		}
		return resilience.Call(ctx, breaker, func(ctx context.Context) (*Extraction, error) {
			if e.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, e.timeout)
				defer cancel()
			}
			return m.Extract(ctx, text)
		})
	})

	att := model.ExtractionAttempt{
		ModelName: name,
		StartedAt: started,
	}
	if err != nil {
		att.Error = err.Error()
		att.Reason = "model call failed"
		att.Duration = e.now().Sub(started)
		return att, nil
	}

	att.TokensUsed = ext.TokensUsed
	if ext.ParseErr != nil || ext.Document == nil {
		cause := ext.ParseErr
		if cause == nil {
			cause = ErrInvalidResponse
		}
		att.Error = cause.Error()
		att.Reason = "invalid response"
		att.Duration = e.now().Sub(started)
		return att, nil
	}

	res := e.scorer.Score(text, ext.Document)
	att.SimilarityScore = res.Similarity
	att.Passed = res.Passed
	att.Reason = res.Reason
	att.Duration = e.now().Sub(started)
	return att, ext.Document
}

func attemptFailure(a model.ExtractionAttempt) string {
	if a.Error != "" {
		return a.Reason + ": " + a.Error
	}
	return a.Reason
}
