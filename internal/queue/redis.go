package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/norm-structurer/internal/resilience"
)

var _ Queue = (*RedisStreams)(nil)

// bodyField is the stream entry field that carries the JSON body.
const bodyField = "body"

// DefaultClaimIdle is how long an entry may sit unacknowledged in another
// consumer's pending list before it is claimed.
const DefaultClaimIdle = 10 * time.Minute

// claimBatch bounds how many pending entries are inspected per Receive.
const claimBatch = 10

// RedisStreams implements Queue with Redis Streams and one consumer group.
// Several workers sharing the group split the stream between them.
type RedisStreams struct {
	client   *redis.Client
	group    string
	consumer string
	retry    resilience.Policy
	idle     time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	groups map[string]bool
	// drained marks streams whose pending entries for this consumer have
	// been replayed after a restart.
	drained map[string]bool
}

// Options configures RedisStreams.
type Options struct {
	Group    string
	Consumer string
	Retry    resilience.Policy

	// ClaimIdle is the minimum idle time before an entry left pending by
	// another consumer is claimed. Zero means DefaultClaimIdle.
	ClaimIdle time.Duration
	Logger    *zap.Logger
}

// NewRedisStreams wraps client. An empty consumer name gets a unique one.
func NewRedisStreams(client *redis.Client, opts Options) (*RedisStreams, error) {
	if client == nil {
		return nil, eris.New("queue: redis client is required")
	}
	if opts.Group == "" {
		return nil, eris.New("queue: consumer group is required")
	}
	if opts.Consumer == "" {
		opts.Consumer = DefaultConsumerName()
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = DefaultClaimIdle
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &RedisStreams{
		client:   client,
		group:    opts.Group,
		consumer: opts.Consumer,
		retry:    opts.Retry,
		idle:     opts.ClaimIdle,
		log:      opts.Logger,
		groups:   make(map[string]bool),
		drained:  make(map[string]bool),
	}, nil
}

// DefaultConsumerName derives a consumer name from the host and a random
// suffix.
func DefaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// Consumer returns this worker's consumer name.
func (q *RedisStreams) Consumer() string { return q.consumer }

func (q *RedisStreams) ensureGroup(ctx context.Context, stream string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.groups[stream] {
		return nil
	}
	err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return eris.Wrapf(err, "queue: create group %s on %s", q.group, stream)
	}
	q.groups[stream] = true
	return nil
}

func (q *RedisStreams) Receive(ctx context.Context, stream string, wait time.Duration) (*Message, error) {
	if err := q.ensureGroup(ctx, stream); err != nil {
		return nil, err
	}

	// After a restart, first hand back anything this consumer read but
	// never acknowledged.
	q.mu.Lock()
	drained := q.drained[stream]
	q.mu.Unlock()
	if !drained {
		msg, err := q.read(ctx, stream, "0", -1)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
		q.mu.Lock()
		q.drained[stream] = true
		q.mu.Unlock()
	}

	// Entries abandoned by a consumer that crashed, possibly under a name
	// no process uses any more.
	msg, err := q.claimAbandoned(ctx, stream)
	if err != nil {
		return nil, err
	}
	if msg != nil {
		return msg, nil
	}

	if wait <= 0 {
		wait = time.Second
	}
	return q.read(ctx, stream, ">", wait)
}

// claimAbandoned moves the oldest entry idle for at least q.idle in any
// consumer's pending list to this consumer and returns it.
func (q *RedisStreams) claimAbandoned(ctx context.Context, stream string) (*Message, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  claimBatch,
		Idle:   q.idle,
	}).Result()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "queue: list pending on %s", stream)
	}

	for _, p := range pending {
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.idle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			q.log.Warn("queue: claim failed", zap.String("stream", stream), zap.String("id", p.ID), zap.Error(err))
			continue
		}
		if len(claimed) == 0 {
			// another consumer won the claim, or the entry was deleted
			continue
		}
		q.log.Info("queue: claimed abandoned entry",
			zap.String("stream", stream),
			zap.String("id", p.ID),
			zap.String("previous_consumer", p.Consumer),
			zap.Int64("deliveries", p.RetryCount),
		)
		return q.message(stream, claimed[0]), nil
	}
	return nil, nil
}

// read fetches one entry. block < 0 means do not block.
func (q *RedisStreams) read(ctx context.Context, stream, id string, block time.Duration) (*Message, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{stream, id},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "queue: read %s", stream)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	return q.message(stream, streams[0].Messages[0]), nil
}

func (q *RedisStreams) message(stream string, entry redis.XMessage) *Message {
	msg := &Message{ID: entry.ID, Stream: stream}
	switch body := entry.Values[bodyField].(type) {
	case string:
		msg.Body = []byte(body)
	default:
		// Left empty; the consumer treats it as malformed and acks it.
		q.log.Warn("queue: entry without body", zap.String("stream", stream), zap.String("id", entry.ID))
	}
	return msg
}

func (q *RedisStreams) Ack(ctx context.Context, msg *Message) error {
	if msg == nil {
		return nil
	}
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, msg.Stream, q.group, msg.ID)
	pipe.XDel(ctx, msg.Stream, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return eris.Wrapf(err, "queue: ack %s on %s", msg.ID, msg.Stream)
	}
	return nil
}

func (q *RedisStreams) Send(ctx context.Context, stream string, body []byte) (string, error) {
	id, err := resilience.DoVal(ctx, q.retry, func(ctx context.Context) (string, error) {
		id, err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{bodyField: string(body)},
		}).Result()
		if err != nil && resilience.IsTransient(err) {
			return "", resilience.NewTransientError(err, 0)
		}
		return id, err
	})
	if err != nil {
		return "", eris.Wrapf(err, "queue: send to %s", stream)
	}
	return id, nil
}

func (q *RedisStreams) Close() error {
	return q.client.Close()
}
