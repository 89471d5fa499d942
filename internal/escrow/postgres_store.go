package escrow

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore bundles the Postgres-backed contract, signature and oracle
// stores on a single pool. Status transitions use a conditional UPDATE as
// the compare-and-swap; signature dedup is an ON CONFLICT DO NOTHING insert
// against the (escrow_id, signer_id) primary key.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const escrowSchemaSQL = `
CREATE TABLE IF NOT EXISTS escrow_contracts (
    id                  TEXT PRIMARY KEY,
    payer_id            TEXT NOT NULL,
    payee_id            TEXT NOT NULL,
    creator_id          TEXT NOT NULL,
    account_id          TEXT NOT NULL,
    amount              NUMERIC(24, 8) NOT NULL,
    currency            TEXT NOT NULL,
    escrow_type         TEXT NOT NULL,
    condition_kind      TEXT NOT NULL,
    required_signatures INT NOT NULL DEFAULT 0,
    oracle_event_type   TEXT NOT NULL DEFAULT '',
    oracle_external_id  TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL,
    risk_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
    risk_level          TEXT NOT NULL DEFAULT '',
    risk_insights       TEXT[] NOT NULL DEFAULT '{}',
    risk_degraded       BOOLEAN NOT NULL DEFAULT FALSE,
    metadata            TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS escrow_contracts_oracle_idx
    ON escrow_contracts (oracle_event_type, oracle_external_id)
    WHERE status = 'active' AND condition_kind = 'oracle';

CREATE TABLE IF NOT EXISTS escrow_signatures (
    escrow_id   TEXT NOT NULL,
    signer_id   TEXT NOT NULL,
    signature   BYTEA NOT NULL,
    public_key  BYTEA NOT NULL,
    signed_data BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (escrow_id, signer_id)
);

CREATE TABLE IF NOT EXISTS oracle_events (
    event_type  TEXT NOT NULL,
    external_id TEXT NOT NULL,
    status      TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (event_type, external_id)
);
`

// NewPostgresStore connects using the DSN and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
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

	if _, err := pool.Exec(ctx, escrowSchemaSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Contracts returns the ContractStore view.
func (p *PostgresStore) Contracts() *PostgresContractStore {
	return &PostgresContractStore{pool: p.pool}
}

// Signatures returns the SignatureStore view.
func (p *PostgresStore) Signatures() *PostgresSignatureStore {
	return &PostgresSignatureStore{pool: p.pool}
}

// Oracle returns the OracleStore view.
func (p *PostgresStore) Oracle() *PostgresOracleStore {
	return &PostgresOracleStore{pool: p.pool}
}

type PostgresContractStore struct {
	pool *pgxpool.Pool
}

const contractColumns = `
    id, payer_id, payee_id, creator_id, account_id, amount, currency,
    escrow_type, condition_kind, required_signatures, oracle_event_type,
    oracle_external_id, status, risk_score, risk_level, risk_insights,
    risk_degraded, metadata, created_at, updated_at
`

func scanContract(row pgx.Row) (*Contract, error) {
	var c Contract
	err := row.Scan(
		&c.ID, &c.PayerID, &c.PayeeID, &c.CreatorID, &c.AccountID, &c.Amount, &c.Currency,
		&c.EscrowType, &c.ReleaseConditions.Kind, &c.ReleaseConditions.RequiredSignatures,
		&c.ReleaseConditions.EventType, &c.ReleaseConditions.ExternalID, &c.Status,
		&c.Risk.Score, &c.Risk.Level, &c.Risk.Insights, &c.Risk.Degraded,
		&c.Metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresContractStore) Create(ctx context.Context, c *Contract) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO escrow_contracts (
    id, payer_id, payee_id, creator_id, account_id, amount, currency,
    escrow_type, condition_kind, required_signatures, oracle_event_type,
    oracle_external_id, status, risk_score, risk_level, risk_insights,
    risk_degraded, metadata, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
`, c.ID, c.PayerID, c.PayeeID, c.CreatorID, c.AccountID, c.Amount, c.Currency,
		c.EscrowType, c.ReleaseConditions.Kind, c.ReleaseConditions.RequiredSignatures,
		c.ReleaseConditions.EventType, c.ReleaseConditions.ExternalID, c.Status,
		c.Risk.Score, c.Risk.Level, c.Risk.Insights, c.Risk.Degraded,
		c.Metadata, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *PostgresContractStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM escrow_contracts WHERE id = $1`, id)
	return scanContract(row)
}

func (s *PostgresContractStore) TransitionStatus(ctx context.Context, id string, from, to Status) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE escrow_contracts SET status = $3, updated_at = now()
WHERE id = $1 AND status = $2
`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// CAS missed: distinguish missing contract from wrong status.
	var exists bool
	if err := s.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM escrow_contracts WHERE id = $1)
`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInvalidState
}

func (s *PostgresContractStore) ListActiveByOracle(ctx context.Context, eventType, externalID string) ([]*Contract, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+contractColumns+` FROM escrow_contracts
WHERE status = 'active' AND condition_kind = 'oracle'
  AND oracle_event_type = $1 AND oracle_external_id = $2
`, eventType, externalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type PostgresSignatureStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresSignatureStore) Add(ctx context.Context, sig Signature) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO escrow_signatures (escrow_id, signer_id, signature, public_key, signed_data, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (escrow_id, signer_id) DO NOTHING
`, sig.EscrowID, sig.SignerID, sig.Signature, sig.PublicKey, sig.SignedData, sig.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresSignatureStore) CountDistinctSigners(ctx context.Context, escrowID string) (uint32, error) {
	var count uint32
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM escrow_signatures WHERE escrow_id = $1
`, escrowID).Scan(&count)
	return count, err
}

type PostgresOracleStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresOracleStore) Upsert(ctx context.Context, event OracleEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO oracle_events (event_type, external_id, status, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_type, external_id) DO UPDATE
SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
`, event.EventType, event.ExternalID, event.Status, event.UpdatedAt)
	return err
}

func (s *PostgresOracleStore) Get(ctx context.Context, eventType, externalID string) (*OracleEvent, error) {
	var e OracleEvent
	err := s.pool.QueryRow(ctx, `
SELECT event_type, external_id, status, updated_at
FROM oracle_events WHERE event_type = $1 AND external_id = $2
`, eventType, externalID).Scan(&e.EventType, &e.ExternalID, &e.Status, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
