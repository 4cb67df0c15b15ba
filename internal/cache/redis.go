package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/model"
)

var _ Cache = (*RedisCache)(nil)

// metadataRetries bounds optimistic-lock retries on the metadata key.
const metadataRetries = 100

// RedisCache keeps each version as a JSON entry under its payload key, a
// sorted set of versions per document, and a metadata record. Version
// numbers come from INCR on a per-document sequence key.
type RedisCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis wraps an existing client. prefix namespaces every key.
func NewRedis(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

func (c *RedisCache) seqKey(stage string, id model.DocumentID) string {
	return c.prefix + stage + "/" + id.String() + "/seq"
}

func (c *RedisCache) indexKey(stage string, id model.DocumentID) string {
	return c.prefix + stage + "/" + id.String() + "/versions"
}

func (c *RedisCache) payloadKey(stage string, id model.DocumentID, v int) string {
	return c.prefix + PayloadKey(stage, id, v)
}

func (c *RedisCache) metaKey(stage string, id model.DocumentID) string {
	return c.prefix + MetadataKey(stage, id)
}

func (c *RedisCache) Put(ctx context.Context, stage string, id model.DocumentID, payload []byte) (int, error) {
	if err := checkKey(stage, id); err != nil {
		return 0, err
	}
	if err := checkPayload(payload); err != nil {
		return 0, err
	}

	seq, err := c.client.Incr(ctx, c.seqKey(stage, id)).Result()
	if err != nil {
		return 0, eris.Wrap(err, "cache: assign version")
	}
	version := int(seq)
	now := c.now()

	entry := model.CacheEntry{
		Key:        PayloadKey(stage, id, version),
		Stage:      stage,
		DocumentID: id,
		Version:    version,
		Payload:    json.RawMessage(payload),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return 0, eris.Wrap(err, "cache: marshal entry")
	}

	// The payload is written before the index and metadata so a reader that
	// sees a version can always load it.
	if err := c.client.Set(ctx, c.payloadKey(stage, id, version), raw, 0).Err(); err != nil {
		return 0, eris.Wrapf(err, "cache: write %s", entry.Key)
	}
	if err := c.client.ZAdd(ctx, c.indexKey(stage, id), redis.Z{Score: float64(version), Member: strconv.Itoa(version)}).Err(); err != nil {
		return 0, eris.Wrapf(err, "cache: index %s", entry.Key)
	}
	if err := c.advanceMetadata(ctx, stage, id, version, now); err != nil {
		return 0, err
	}
	return version, nil
}

// advanceMetadata moves latest_version forward to version. Concurrent
// writers race under WATCH; a smaller version never overwrites a larger one.
func (c *RedisCache) advanceMetadata(ctx context.Context, stage string, id model.DocumentID, version int, now time.Time) error {
	key := c.metaKey(stage, id)
	return c.watchMetadata(ctx, key, func(meta *model.CacheMetadata) bool {
		if meta.LatestVersion >= version {
			return false
		}
		if meta.CreatedAt.IsZero() {
			meta.CreatedAt = now
		}
		meta.LatestVersion = version
		meta.UpdatedAt = now
		return true
	})
}

// watchMetadata applies update to the metadata record under WATCH. update
// reports whether anything changed; a zero LatestVersion deletes the record.
func (c *RedisCache) watchMetadata(ctx context.Context, key string, update func(meta *model.CacheMetadata) bool) error {
	txf := func(tx *redis.Tx) error {
		var meta model.CacheMetadata
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &meta); err != nil {
				return eris.Wrap(err, "decode metadata")
			}
		}

		if !update(&meta) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if meta.LatestVersion == 0 {
				pipe.Del(ctx, key)
				return nil
			}
			out, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < metadataRetries; i++ {
		err := c.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return eris.Wrapf(err, "cache: update %s", key)
	}
	return eris.Errorf("cache: update %s: too much contention", key)
}

func (c *RedisCache) Get(ctx context.Context, stage string, id model.DocumentID, version int) (*model.CacheEntry, error) {
	if err := checkKey(stage, id); err != nil {
		return nil, err
	}
	if err := checkVersion(version); err != nil {
		return nil, err
	}

	if version == Latest {
		meta, err := c.Metadata(ctx, stage, id)
		if err != nil {
			return nil, err
		}
		version = meta.LatestVersion
	}

	raw, err := c.client.Get(ctx, c.payloadKey(stage, id, version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(ErrNotFound, "%s", PayloadKey(stage, id, version))
	}
	if err != nil {
		return nil, eris.Wrap(err, "cache: get")
	}

	var entry model.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, eris.Wrapf(err, "cache: decode %s", PayloadKey(stage, id, version))
	}
	return &entry, nil
}

func (c *RedisCache) ListVersions(ctx context.Context, stage string, id model.DocumentID) ([]int, error) {
	if err := checkKey(stage, id); err != nil {
		return nil, err
	}
	members, err := c.client.ZRange(ctx, c.indexKey(stage, id), 0, -1).Result()
	if err != nil {
		return nil, eris.Wrap(err, "cache: list versions")
	}
	versions := make([]int, 0, len(members))
	for _, m := range members {
		v, err := strconv.Atoi(m)
		if err != nil {
			return nil, eris.Wrapf(err, "cache: bad version member %q", m)
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (c *RedisCache) Exists(ctx context.Context, stage string, id model.DocumentID, version int) (bool, error) {
	if err := checkKey(stage, id); err != nil {
		return false, err
	}
	if version == Latest {
		_, err := c.Metadata(ctx, stage, id)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	n, err := c.client.Exists(ctx, c.payloadKey(stage, id, version)).Result()
	if err != nil {
		return false, eris.Wrap(err, "cache: exists")
	}
	return n > 0, nil
}

func (c *RedisCache) Delete(ctx context.Context, stage string, id model.DocumentID, version int) error {
	if err := checkKey(stage, id); err != nil {
		return err
	}
	if version <= 0 {
		return eris.Errorf("cache: delete needs an explicit version, got %d", version)
	}

	n, err := c.client.Del(ctx, c.payloadKey(stage, id, version)).Result()
	if err != nil {
		return eris.Wrap(err, "cache: delete payload")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s", PayloadKey(stage, id, version))
	}
	if err := c.client.ZRem(ctx, c.indexKey(stage, id), strconv.Itoa(version)).Err(); err != nil {
		return eris.Wrap(err, "cache: delete index member")
	}

	newest, err := c.client.ZRevRange(ctx, c.indexKey(stage, id), 0, 0).Result()
	if err != nil {
		return eris.Wrap(err, "cache: find newest version")
	}
	remaining := 0
	if len(newest) > 0 {
		if remaining, err = strconv.Atoi(newest[0]); err != nil {
			return eris.Wrapf(err, "cache: bad version member %q", newest[0])
		}
	}

	now := c.now()
	return c.watchMetadata(ctx, c.metaKey(stage, id), func(meta *model.CacheMetadata) bool {
		if meta.LatestVersion != version {
			return false
		}
		meta.LatestVersion = remaining
		meta.UpdatedAt = now
		return true
	})
}

func (c *RedisCache) Metadata(ctx context.Context, stage string, id model.DocumentID) (*model.CacheMetadata, error) {
	if err := checkKey(stage, id); err != nil {
		return nil, err
	}
	raw, err := c.client.Get(ctx, c.metaKey(stage, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, eris.Wrapf(ErrNotFound, "%s", MetadataKey(stage, id))
	}
	if err != nil {
		return nil, eris.Wrap(err, "cache: get metadata")
	}
	var meta model.CacheMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, eris.Wrap(err, "cache: decode metadata")
	}
	return &meta, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
