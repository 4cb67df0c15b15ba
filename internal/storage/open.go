package storage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/norm-structurer/internal/config"
	"github.com/sells-group/norm-structurer/internal/db"
	"github.com/sells-group/norm-structurer/internal/resilience"
)

// Open builds the StorageClient selected by cfg. The returned func closes
// every connection it opened.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (StorageClient, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := resilience.FromSettings(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelayMs, cfg.Retry.MaxDelayMs,
		cfg.Retry.Multiplier, cfg.Retry.Jitter)

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	rel, err := openRelational(ctx, cfg, retry.WithLogger(logger, "storage", "relational"), &closers)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	vec, err := openVectorial(ctx, cfg, retry.WithLogger(logger, "storage", "vectorial"), &closers)
	if err != nil {
		closeAll()
		return nil, nil, err
	}

	logger.Info("storage backends ready",
		zap.String("relational", cfg.Relational.Transport),
		zap.String("vectorial", cfg.Vectorial.Transport),
	)
	return Split{Relational: rel, Vectorial: vec}, closeAll, nil
}

func openRelational(ctx context.Context, cfg config.StorageConfig, retry resilience.Policy, closers *[]func()) (RelationalStore, error) {
	rc := cfg.Relational
	switch rc.Transport {
	case "rest":
		return NewREST(rc.RESTURL, WithRetry(retry), withTimeout(cfg.TimeoutSecs)), nil
	case "grpc":
		conn, err := DialGRPC(rc.GRPCTarget)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { conn.Close() }) //nolint:errcheck
		return NewGRPC(conn, retry), nil
	case "postgres":
		pool, err := db.Open(ctx, rc.DatabaseURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "storage: relational")
		}
		*closers = append(*closers, pool.Close)
		pg := NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, eris.Errorf("storage: unknown relational transport %q", rc.Transport)
	}
}

func openVectorial(ctx context.Context, cfg config.StorageConfig, retry resilience.Policy, closers *[]func()) (VectorialStore, error) {
	vc := cfg.Vectorial
	switch vc.Transport {
	case "rest":
		return NewREST(vc.RESTURL, WithRetry(retry), withTimeout(cfg.TimeoutSecs)), nil
	case "grpc":
		conn, err := DialGRPC(vc.GRPCTarget)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { conn.Close() }) //nolint:errcheck
		return NewGRPC(conn, retry), nil
	case "qdrant":
		client, err := NewQdrantClient(vc.QdrantHost, vc.QdrantPort, vc.QdrantAPIKey, vc.QdrantTLS)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, func() { client.Close() }) //nolint:errcheck
		if err := EnsureCollection(ctx, client, vc.Collection, vc.VectorSize); err != nil {
			return nil, err
		}
		return NewQdrant(client, vc.Collection), nil
	default:
		return nil, eris.Errorf("storage: unknown vectorial transport %q", vc.Transport)
	}
}

func withTimeout(secs int) RESTOption {
	return func(r *REST) {
		if secs > 0 {
			r.http.Timeout = time.Duration(secs) * time.Second
		}
	}
}
