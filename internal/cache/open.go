package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/config"
)

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.CacheConfig) (Cache, error) {
	switch cfg.Driver {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, eris.Wrap(err, "cache: parse redis url")
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "cache: ping redis")
		}
		return NewRedis(client, cfg.Prefix), nil
	case "sqlite":
		return NewSQLite(ctx, cfg.SQLitePath)
	default:
		return nil, eris.Errorf("cache: unknown driver %q", cfg.Driver)
	}
}
