package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/norm-structurer/internal/envelope"
	"github.com/sells-group/norm-structurer/internal/model"
	"github.com/sells-group/norm-structurer/internal/queue"
)

// FailureRecorder persists documents whose commit did not fully succeed.
type FailureRecorder interface {
	Record(ctx context.Context, rec model.FailureRecord) error
}

// ConsumerStats counts processed messages.
type ConsumerStats struct {
	Total              int64 `json:"total"`
	Committed          int64 `json:"committed"`
	RelationalFailures int64 `json:"relational_failures"`
	PartialFailures    int64 `json:"partial_failures"`
	Malformed          int64 `json:"malformed"`
}

// ConsumerOptions configure a Consumer.
type ConsumerOptions struct {
	Stream       string
	Wait         time.Duration
	ErrorBackoff time.Duration
	Logger       *zap.Logger
}

// Consumer reads embedded norms from a stream and commits each one.
type Consumer struct {
	queue    queue.Queue
	coord    *Coordinator
	failures FailureRecorder
	opts     ConsumerOptions
	log      *zap.Logger
	stats    ConsumerStats
}

// NewConsumer validates dependencies.
func NewConsumer(q queue.Queue, coord *Coordinator, failures FailureRecorder, opts ConsumerOptions) (*Consumer, error) {
	if q == nil || coord == nil || failures == nil {
		return nil, eris.New("storage: consumer needs a queue, a coordinator and a failure recorder")
	}
	if opts.Stream == "" {
		return nil, eris.New("storage: consumer stream is required")
	}
	if opts.Wait <= 0 {
		opts.Wait = 5 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Consumer{
		queue:    q,
		coord:    coord,
		failures: failures,
		opts:     opts,
		log:      opts.Logger.With(zap.String("component", "storage.consumer")),
	}, nil
}

// Stats returns the counters. Not safe to call while Run is active.
func (c *Consumer) Stats() ConsumerStats { return c.stats }

// Run commits messages until ctx is cancelled, finishing the one in flight.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("storage consumer started", zap.String("stream", c.opts.Stream))
	for ctx.Err() == nil {
		if _, err := c.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.log.Error("storage: receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.opts.ErrorBackoff):
			}
		}
	}
	c.log.Info("storage consumer stopped",
		zap.Int64("total", c.stats.Total),
		zap.Int64("committed", c.stats.Committed),
		zap.Int64("relational_failures", c.stats.RelationalFailures),
		zap.Int64("partial_failures", c.stats.PartialFailures),
		zap.Int64("malformed", c.stats.Malformed),
	)
	return nil
}

// ProcessOnce receives and commits one message, reporting whether one
// arrived. Every received message is acknowledged.
func (c *Consumer) ProcessOnce(ctx context.Context) (bool, error) {
	msg, err := c.queue.Receive(ctx, c.opts.Stream, c.opts.Wait)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	ctx = context.WithoutCancel(ctx)
	c.commit(ctx, msg)
	if err := c.queue.Ack(ctx, msg); err != nil {
		c.log.Error("storage: ack failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return true, nil
}

func (c *Consumer) commit(ctx context.Context, msg *queue.Message) {
	log := c.log.With(zap.String("message_id", msg.ID))

	in, err := envelope.Normalize(msg.Body)
	if err != nil {
		c.malformed(log, err)
		return
	}
	id, err := envelope.DocumentID(in.Payload)
	if err != nil {
		c.malformed(log, err)
		return
	}
	log = log.With(zap.String("document_id", id.String()))

	var record map[string]any
	if err := json.Unmarshal(in.Payload, &record); err != nil {
		c.malformed(log, err)
		return
	}

	c.stats.Total++
	res := c.coord.Commit(ctx, record)

	switch {
	case res.PipelineSuccess:
		c.stats.Committed++
		log.Info("norm committed",
			zap.Int("pks", len(res.Relational.PKMapping)),
			zap.String("vectorial", res.Vectorial.Message),
		)
	case !res.Relational.Success:
		c.stats.RelationalFailures++
		c.record(ctx, log, model.FailureRecord{
			DocumentID:   id,
			ErrorKind:    model.ErrorKindRelational,
			ErrorMessage: res.Relational.Message,
			Stage:        model.StageStorage,
		})
	default:
		c.stats.PartialFailures++
		c.record(ctx, log, model.FailureRecord{
			DocumentID:   id,
			ErrorKind:    model.ErrorKindVectorialPartial,
			ErrorMessage: res.Vectorial.Message,
			Stage:        model.StageStorage,
			Context:      map[string]any{"pk_mapping": res.Relational.PKMapping},
		})
	}
}

func (c *Consumer) malformed(log *zap.Logger, err error) {
	c.stats.Malformed++
	log.Warn("storage: dropping malformed message", zap.Error(err))
}

func (c *Consumer) record(ctx context.Context, log *zap.Logger, rec model.FailureRecord) {
	if err := c.failures.Record(ctx, rec); err != nil {
		log.Error("storage: failure log write failed", zap.String("error_kind", rec.ErrorKind), zap.Error(err))
	}
}
