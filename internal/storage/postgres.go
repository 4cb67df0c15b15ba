package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/db"
	"github.com/sells-group/norm-structurer/internal/model"
)

// Schema creates the relational tables. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS normas (
		id          BIGSERIAL PRIMARY KEY,
		document_id TEXT NOT NULL UNIQUE,
		model       TEXT NOT NULL,
		cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
		source      JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS norma_nodes (
		id        BIGSERIAL PRIMARY KEY,
		norma_id  BIGINT NOT NULL REFERENCES normas(id) ON DELETE CASCADE,
		position  INTEGER NOT NULL,
		parent_id BIGINT REFERENCES norma_nodes(id) ON DELETE CASCADE,
		kind      TEXT NOT NULL,
		name      TEXT NOT NULL DEFAULT '',
		ordinal   TEXT NOT NULL DEFAULT '',
		title     TEXT NOT NULL DEFAULT '',
		body      TEXT NOT NULL DEFAULT '',
		UNIQUE (norma_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS norma_attempts (
		norma_id         BIGINT NOT NULL REFERENCES normas(id) ON DELETE CASCADE,
		position         INTEGER NOT NULL,
		model_name       TEXT NOT NULL,
		started_at       TIMESTAMPTZ NOT NULL,
		duration_ms      BIGINT NOT NULL,
		tokens_used      BIGINT NOT NULL,
		similarity_score DOUBLE PRECISION NOT NULL,
		passed           BOOLEAN NOT NULL,
		reason           TEXT NOT NULL DEFAULT '',
		error            TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (norma_id, position)
	)`,
}

var attemptColumns = []string{
	"norma_id", "position", "model_name", "started_at", "duration_ms",
	"tokens_used", "similarity_score", "passed", "reason", "error",
}

const (
	upsertNormaSQL = `INSERT INTO normas (document_id, model, cost_usd, source)
VALUES ($1, $2, $3, $4)
ON CONFLICT (document_id) DO UPDATE
SET model = EXCLUDED.model, cost_usd = EXCLUDED.cost_usd, source = EXCLUDED.source, updated_at = now()
RETURNING id`
	deleteNodesSQL    = `DELETE FROM norma_nodes WHERE norma_id = $1`
	deleteAttemptsSQL = `DELETE FROM norma_attempts WHERE norma_id = $1`
	insertNodeSQL     = `INSERT INTO norma_nodes (norma_id, position, parent_id, kind, name, ordinal, title, body)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`
)

// relationalRecord is the part of a structured record the relational store
// keeps.
type relationalRecord struct {
	DocumentID model.DocumentID          `json:"document_id"`
	Model      string                    `json:"model"`
	Structure  model.Tree                `json:"structure"`
	Attempts   []model.ExtractionAttempt `json:"attempts"`
	CostUSD    float64                   `json:"cost_usd"`
	Source     json.RawMessage           `json:"source"`
}

// Postgres stores norms, their nodes and the extraction audit trail in one
// transaction. Re-committing a document replaces its nodes and attempts.
type Postgres struct {
	pool db.Pool
}

var _ RelationalStore = (*Postgres)(nil)

// NewPostgres wraps a pool.
func NewPostgres(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema applies Schema.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return eris.Wrap(err, "storage: postgres: ensure schema")
		}
	}
	return nil
}

// NormaKey and NodeKey name entries in the pk mapping.
func NormaKey(id model.DocumentID) string { return "norma_" + id.String() }

func NodeKey(position int) string { return "node_" + strconv.Itoa(position) }

func (p *Postgres) StoreRelational(ctx context.Context, data []byte) (RelationalReply, error) {
	var rec relationalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return RelationalReply{Message: "invalid record"}, eris.Wrap(err, "storage: postgres: decode record")
	}
	if rec.DocumentID.IsZero() {
		return RelationalReply{Message: "record has no document_id"}, nil
	}
	doc, err := model.FromTree(rec.Structure)
	if err != nil {
		return RelationalReply{Message: "invalid structure: " + err.Error()}, nil
	}

	pks, err := p.write(ctx, rec, doc)
	if err != nil {
		return RelationalReply{}, err
	}
	return RelationalReply{
		Success:   true,
		Message:   fmt.Sprintf("stored %d nodes", len(doc.Nodes)),
		PKMapping: pks,
	}, nil
}

func (p *Postgres) write(ctx context.Context, rec relationalRecord, doc *model.Document) (map[string]int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "storage: postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var source any
	if len(rec.Source) > 0 {
		source = []byte(rec.Source)
	}

	var normaID int64
	if err := tx.QueryRow(ctx, upsertNormaSQL, rec.DocumentID.String(), rec.Model, rec.CostUSD, source).Scan(&normaID); err != nil {
		return nil, eris.Wrapf(err, "storage: postgres: upsert norma %s", rec.DocumentID)
	}
	if _, err := tx.Exec(ctx, deleteNodesSQL, normaID); err != nil {
		return nil, eris.Wrap(err, "storage: postgres: clear nodes")
	}
	if _, err := tx.Exec(ctx, deleteAttemptsSQL, normaID); err != nil {
		return nil, eris.Wrap(err, "storage: postgres: clear attempts")
	}

	pks := map[string]int64{NormaKey(rec.DocumentID): normaID}
	nodeIDs := make([]int64, len(doc.Nodes))
	for i, n := range doc.Nodes {
		var parent *int64
		if n.Parent != model.NoParent {
			parent = &nodeIDs[n.Parent]
		}
		if err := tx.QueryRow(ctx, insertNodeSQL,
			normaID, i, parent, string(n.Kind), n.Name, n.Ordinal, n.Title, n.Body,
		).Scan(&nodeIDs[i]); err != nil {
			return nil, eris.Wrapf(err, "storage: postgres: insert node %d", i)
		}
		pks[NodeKey(i)] = nodeIDs[i]
	}

	rows := make([][]any, len(rec.Attempts))
	for i, a := range rec.Attempts {
		rows[i] = []any{
			normaID, i, a.ModelName, a.StartedAt, a.Duration.Milliseconds(),
			a.TokensUsed, a.SimilarityScore, a.Passed, a.Reason, a.Error,
		}
	}
	if _, err := db.CopyRows(ctx, tx, pgx.Identifier{"norma_attempts"}, attemptColumns, rows); err != nil {
		return nil, eris.Wrap(err, "storage: postgres: attempts")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "storage: postgres: commit")
	}
	return pks, nil
}
