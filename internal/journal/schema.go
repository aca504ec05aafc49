package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the journal table if it does not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_events (
	id          BIGSERIAL PRIMARY KEY,
	received_at TIMESTAMPTZ NOT NULL,
	conn_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	data        JSONB
);
CREATE INDEX IF NOT EXISTS sync_events_received_at_idx ON sync_events (received_at);
CREATE INDEX IF NOT EXISTS sync_events_type_idx ON sync_events (type, received_at);
`

const insertSQL = `
	INSERT INTO sync_events (received_at, conn_id, type, data)
	VALUES ($1, $2, $3, $4)
`

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create sync_events: %w", err)
	}
	return nil
}
