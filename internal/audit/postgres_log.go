package audit

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLog persists audit events in PostgreSQL.
type PostgresLog struct {
	pool *pgxpool.Pool
}

const auditSchemaSQL = `
CREATE TABLE IF NOT EXISTS escrow_audit_events (
    id        TEXT PRIMARY KEY,
    escrow_id TEXT NOT NULL,
    type      TEXT NOT NULL,
    actor     TEXT NOT NULL,
    detail    JSONB,
    at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS escrow_audit_events_escrow_idx
    ON escrow_audit_events (escrow_id, at);
`

func NewPostgresLog(ctx context.Context, dsn string) (*PostgresLog, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, auditSchemaSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresLog{pool: pool}, nil
}

func (p *PostgresLog) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresLog) Record(ctx context.Context, event Event) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO escrow_audit_events (id, escrow_id, type, actor, detail, at)
VALUES ($1, $2, $3, $4, $5, $6)
`, event.ID, event.EscrowID, event.Type, event.Actor, event.Detail, event.At)
	return err
}

func (p *PostgresLog) ListByEscrow(ctx context.Context, escrowID string) ([]Event, error) {
	rows, err := p.pool.Query(ctx, `
SELECT id, escrow_id, type, actor, detail, at
FROM escrow_audit_events
WHERE escrow_id = $1
ORDER BY at
`, escrowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EscrowID, &e.Type, &e.Actor, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
