package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/norm-structurer/internal/cache"
	"github.com/sells-group/norm-structurer/internal/config"
	"github.com/sells-group/norm-structurer/internal/cost"
	"github.com/sells-group/norm-structurer/internal/escalation"
	"github.com/sells-group/norm-structurer/internal/extract"
	"github.com/sells-group/norm-structurer/internal/failures"
	"github.com/sells-group/norm-structurer/internal/metrics"
	"github.com/sells-group/norm-structurer/internal/pipeline"
	"github.com/sells-group/norm-structurer/internal/queue"
	"github.com/sells-group/norm-structurer/internal/replay"
	"github.com/sells-group/norm-structurer/internal/resilience"
	"github.com/sells-group/norm-structurer/internal/storage"
	"github.com/sells-group/norm-structurer/internal/verify"
	anthropicpkg "github.com/sells-group/norm-structurer/pkg/anthropic"
	"github.com/sells-group/norm-structurer/pkg/gemini"
)

// appEnv holds everything a command built from configuration. It is
// created once per process and passed to the components explicitly.
type appEnv struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Queue    *queue.RedisStreams
	Cache    cache.Cache
	Failures *failures.Tracker

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// envParts selects what initEnv opens.
type envParts struct {
	Queue    bool
	Cache    bool
	Failures bool
}

// initEnv validates cfg for mode and opens the requested resources.
// Callers should defer env.Close().
func initEnv(ctx context.Context, cfg *config.Config, mode string, parts envParts) (*appEnv, error) {
	if cfg == nil {
		return nil, eris.New("configuration not loaded")
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{
		Config:  cfg,
		Logger:  zap.L().With(zap.String("mode", mode)),
		Metrics: metrics.New(),
	}

	if parts.Queue {
		q, err := openQueue(ctx, cfg, env.Logger)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Queue = q
		env.closers = append(env.closers, func() { _ = q.Close() })
	}

	if parts.Cache {
		c, err := cache.Open(ctx, cfg.Cache)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "open cache")
		}
		env.Cache = c
		env.closers = append(env.closers, func() { _ = c.Close() })
	}

	if parts.Failures {
		tr, err := failures.Open(cfg.Failures.Path, env.Logger)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Failures = tr
		env.closers = append(env.closers, func() { _ = tr.Close() })
	}

	return env, nil
}

func openQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*queue.RedisStreams, error) {
	opts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		return nil, eris.Wrap(err, "parse queue redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "ping queue redis")
	}
	retry := retryPolicy(cfg.Queue.Retry).WithLogger(logger, "queue", "send")
	return queue.NewRedisStreams(client, queue.Options{
		Group:     cfg.Queue.Group,
		Consumer:  cfg.Queue.Consumer,
		Retry:     retry,
		ClaimIdle: time.Duration(cfg.Queue.ClaimIdleSecs) * time.Second,
		Logger:    logger,
	})
}

func retryPolicy(rc config.RetryConfig) resilience.Policy {
	return resilience.FromSettings(rc.MaxAttempts, rc.BaseDelayMs, rc.MaxDelayMs, rc.Multiplier, rc.Jitter)
}

// newEngine builds the escalation chain from config, reading chain_file
// when set.
func newEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*escalation.Engine, error) {
	chain := cfg.Models.Chain
	if cfg.Models.ChainFile != "" {
		loaded, err := escalation.LoadChain(cfg.Models.ChainFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.ValidateChain(loaded); err != nil {
			return nil, eris.Wrapf(err, "chain file %s", cfg.Models.ChainFile)
		}
		chain = loaded
	}

	var clients extract.Clients
	for _, entry := range chain {
		switch entry.Provider {
		case config.ProviderAnthropic:
			if clients.Anthropic == nil {
				clients.Anthropic = anthropicpkg.NewClient(cfg.Models.AnthropicKey)
			}
		case config.ProviderGemini:
			if clients.Gemini == nil {
				g, err := gemini.NewClient(ctx, cfg.Models.GeminiKey)
				if err != nil {
					return nil, eris.Wrap(err, "gemini client")
				}
				clients.Gemini = g
			}
		}
	}

	models, err := extract.NewModels(chain, cfg.Models.MaxTokens, clients)
	if err != nil {
		return nil, err
	}

	scorer := verify.NewScorer(cfg.Verification.Threshold, cfg.Verification.TruncationRatio)
	return escalation.New(models, scorer, escalation.Options{
		Retry: retryPolicy(cfg.Models.Retry).WithLogger(logger, "escalation", "model"),
		Breakers: resilience.NewBreakerSet(resilience.BreakerConfig{
			FailureThreshold: cfg.Models.Breaker.FailureThreshold,
			Cooldown:         time.Duration(cfg.Models.Breaker.CooldownSecs) * time.Second,
		}),
		RatePerSecond: cfg.Models.RatePerSecond,
		Burst:         cfg.Models.Burst,
		CallTimeout:   time.Duration(cfg.Models.TimeoutSecs) * time.Second,
		Logger:        logger,
	})
}

// newOrchestrator wires the structuring worker.
func newOrchestrator(ctx context.Context, env *appEnv) (*pipeline.Orchestrator, error) {
	engine, err := newEngine(ctx, env.Config, env.Logger)
	if err != nil {
		return nil, err
	}
	cfg := env.Config
	return pipeline.New(env.Queue, engine, env.Cache, env.Failures, pipeline.Options{
		Inbound:         cfg.Queue.Inbound,
		Outbound:        cfg.Queue.Outbound,
		Stage:           cfg.Replay.Stage,
		Wait:            time.Duration(cfg.Queue.BlockSecs) * time.Second,
		SummaryEvery:    cfg.Worker.SummaryEvery,
		SummaryInterval: time.Duration(cfg.Worker.SummaryIntervalSecs) * time.Second,
		ErrorBackoff:    time.Duration(cfg.Worker.ErrorBackoffMs) * time.Millisecond,
		Cost:            cost.FromConfig(cfg.Pricing),
		Metrics:         env.Metrics,
		Logger:          env.Logger,
	})
}

// newReplay wires the replay service onto the outbound stream.
func newReplay(env *appEnv) (*replay.Service, error) {
	return replay.New(env.Cache, env.Queue, replay.Options{
		Stage:       env.Config.Replay.Stage,
		Stream:      env.Config.Queue.Outbound,
		Concurrency: env.Config.Replay.Concurrency,
		Metrics:     env.Metrics,
		Logger:      env.Logger,
	})
}

// newStorageConsumer opens the configured backends and wires the commit
// consumer. The returned func closes the backends.
func newStorageConsumer(ctx context.Context, env *appEnv) (*storage.Consumer, func(), error) {
	cfg := env.Config
	client, closeStorage, err := storage.Open(ctx, cfg.Storage, env.Logger)
	if err != nil {
		return nil, nil, err
	}

	coord := storage.NewCoordinator(client, storage.CoordinatorOptions{
		StripFields: cfg.Storage.StripFields,
		Timeout:     time.Duration(cfg.Storage.TimeoutSecs) * time.Second,
		Metrics:     env.Metrics,
		Logger:      env.Logger,
	})
	consumer, err := storage.NewConsumer(env.Queue, coord, env.Failures, storage.ConsumerOptions{
		Stream:       cfg.Queue.Embedded,
		Wait:         time.Duration(cfg.Queue.BlockSecs) * time.Second,
		ErrorBackoff: time.Duration(cfg.Worker.ErrorBackoffMs) * time.Millisecond,
		Logger:       env.Logger,
	})
	if err != nil {
		closeStorage()
		return nil, nil, err
	}
	return consumer, closeStorage, nil
}
