package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/norm-structurer/internal/model"
)

var _ Cache = (*SQLiteCache)(nil)

// SQLiteCache implements Cache on a local SQLite file. Version assignment,
// the payload insert and the metadata upsert share one transaction.
type SQLiteCache struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens the database at dsn in WAL mode and creates the schema.
func NewSQLite(ctx context.Context, dsn string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "cache: open sqlite")
	}
	// a single writer connection serializes version assignment
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "cache: exec %s", pragma)
		}
	}

	c := &SQLiteCache{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := c.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return c, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	stage       TEXT     NOT NULL,
	document_id TEXT     NOT NULL,
	version     INTEGER  NOT NULL,
	payload     TEXT     NOT NULL,
	created_at  DATETIME NOT NULL,
	updated_at  DATETIME NOT NULL,
	PRIMARY KEY (stage, document_id, version)
);

CREATE TABLE IF NOT EXISTS cache_metadata (
	stage          TEXT     NOT NULL,
	document_id    TEXT     NOT NULL,
	last_assigned  INTEGER  NOT NULL,
	latest_version INTEGER  NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	PRIMARY KEY (stage, document_id)
);
`

func (c *SQLiteCache) migrate(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, sqliteSchema)
	return eris.Wrap(err, "cache: migrate sqlite")
}

func (c *SQLiteCache) Put(ctx context.Context, stage string, id model.DocumentID, payload []byte) (int, error) {
	if err := checkKey(stage, id); err != nil {
		return 0, err
	}
	if err := checkPayload(payload); err != nil {
		return 0, err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "cache: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	now := c.now()
	var version int
	// last_assigned never decreases, so deleted versions are not reissued.
	err = tx.QueryRowContext(ctx, `
		INSERT INTO cache_metadata (stage, document_id, last_assigned, latest_version, created_at, updated_at)
		VALUES (?, ?, 1, 1, ?, ?)
		ON CONFLICT (stage, document_id) DO UPDATE SET
			last_assigned  = cache_metadata.last_assigned + 1,
			latest_version = cache_metadata.last_assigned + 1,
			updated_at     = excluded.updated_at
		RETURNING last_assigned`,
		stage, id.String(), now, now,
	).Scan(&version)
	if err != nil {
		return 0, eris.Wrap(err, "cache: assign version")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cache_entries (stage, document_id, version, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		stage, id.String(), version, string(payload), now, now,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "cache: insert %s", PayloadKey(stage, id, version))
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "cache: commit")
	}
	return version, nil
}

func (c *SQLiteCache) Get(ctx context.Context, stage string, id model.DocumentID, version int) (*model.CacheEntry, error) {
	if err := checkKey(stage, id); err != nil {
		return nil, err
	}
	if err := checkVersion(version); err != nil {
		return nil, err
	}

	var row *sql.Row
	if version == Latest {
		row = c.db.QueryRowContext(ctx, `
			SELECT e.version, e.payload, e.created_at, e.updated_at
			FROM cache_entries e
			JOIN cache_metadata m ON m.stage = e.stage AND m.document_id = e.document_id AND m.latest_version = e.version
			WHERE e.stage = ? AND e.document_id = ?`,
			stage, id.String(),
		)
	} else {
		row = c.db.QueryRowContext(ctx,
			`SELECT version, payload, created_at, updated_at FROM cache_entries WHERE stage = ? AND document_id = ? AND version = ?`,
			stage, id.String(), version,
		)
	}

	entry := model.CacheEntry{Stage: stage, DocumentID: id}
	var payload string
	err := row.Scan(&entry.Version, &payload, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if version == Latest {
			return nil, eris.Wrapf(ErrNotFound, "%s", MetadataKey(stage, id))
		}
		return nil, eris.Wrapf(ErrNotFound, "%s", PayloadKey(stage, id, version))
	}
	if err != nil {
		return nil, eris.Wrap(err, "cache: get")
	}
	entry.Key = PayloadKey(stage, id, entry.Version)
	entry.Payload = json.RawMessage(payload)
	return &entry, nil
}

func (c *SQLiteCache) ListVersions(ctx context.Context, stage string, id model.DocumentID) ([]int, error) {
	if err := checkKey(stage, id); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT version FROM cache_entries WHERE stage = ? AND document_id = ? ORDER BY version`,
		stage, id.String(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "cache: list versions")
	}
	defer rows.Close() //nolint:errcheck

	versions := []int{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, eris.Wrap(err, "cache: scan version")
		}
		versions = append(versions, v)
	}
	return versions, eris.Wrap(rows.Err(), "cache: list versions iterate")
}

func (c *SQLiteCache) Exists(ctx context.Context, stage string, id model.DocumentID, version int) (bool, error) {
	_, err := c.Get(ctx, stage, id, version)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (c *SQLiteCache) Delete(ctx context.Context, stage string, id model.DocumentID, version int) error {
	if err := checkKey(stage, id); err != nil {
		return err
	}
	if version <= 0 {
		return eris.Errorf("cache: delete needs an explicit version, got %d", version)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "cache: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE stage = ? AND document_id = ? AND version = ?`,
		stage, id.String(), version,
	)
	if err != nil {
		return eris.Wrap(err, "cache: delete")
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "cache: rows affected")
	} else if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s", PayloadKey(stage, id, version))
	}

	// Point metadata at the newest survivor; with none left latest is 0 and
	// Get(Latest) misses while last_assigned keeps counting.
	_, err = tx.ExecContext(ctx, `
		UPDATE cache_metadata SET
			latest_version = COALESCE((SELECT MAX(version) FROM cache_entries WHERE stage = ? AND document_id = ?), 0),
			updated_at = ?
		WHERE stage = ? AND document_id = ?`,
		stage, id.String(), c.now(), stage, id.String(),
	)
	if err != nil {
		return eris.Wrap(err, "cache: update metadata")
	}
	return eris.Wrap(tx.Commit(), "cache: commit")
}

func (c *SQLiteCache) Metadata(ctx context.Context, stage string, id model.DocumentID) (*model.CacheMetadata, error) {
	if err := checkKey(stage, id); err != nil {
		return nil, err
	}
	var meta model.CacheMetadata
	err := c.db.QueryRowContext(ctx,
		`SELECT latest_version, created_at, updated_at FROM cache_metadata WHERE stage = ? AND document_id = ? AND latest_version > 0`,
		stage, id.String(),
	).Scan(&meta.LatestVersion, &meta.CreatedAt, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "%s", MetadataKey(stage, id))
	}
	if err != nil {
		return nil, eris.Wrap(err, "cache: get metadata")
	}
	return &meta, nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
