// Package db holds the Postgres pool abstraction and COPY helpers shared by
// the relational storage transport.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyRows bulk-inserts rows with the COPY protocol. It is a no-op for an
// empty batch, so c may be nil in that case.
func CopyRows(ctx context.Context, c Copier, table pgx.Identifier, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, eris.Errorf("db: COPY INTO %s: no columns", table.Sanitize())
	}

	n, err := c.CopyFrom(ctx, table, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table.Sanitize())
	}
	if n != int64(len(rows)) {
		return n, eris.Errorf("db: COPY INTO %s: wrote %d of %d rows", table.Sanitize(), n, len(rows))
	}
	return n, nil
}
