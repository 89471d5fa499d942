package balance

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists balances and locks in PostgreSQL. Every operation
// runs in its own transaction and takes a row lock on the account row, so
// availability checks and lock writes cannot interleave across requests.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const balanceSchemaSQL = `
CREATE TABLE IF NOT EXISTS account_balances (
    account_id TEXT NOT NULL,
    currency   TEXT NOT NULL,
    total      NUMERIC(24, 8) NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, currency)
);

CREATE TABLE IF NOT EXISTS balance_locks (
    id           TEXT PRIMARY KEY,
    account_id   TEXT NOT NULL,
    currency     TEXT NOT NULL,
    amount       NUMERIC(24, 8) NOT NULL,
    purpose      TEXT NOT NULL,
    reference_id TEXT NOT NULL,
    status       TEXT NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    released_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS balance_locks_ref_idx
    ON balance_locks (purpose, reference_id) WHERE status = 'active';
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

	if _, err := pool.Exec(ctx, balanceSchemaSQL); err != nil {
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

func (p *PostgresStore) Deposit(ctx context.Context, accountID, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errors.New("deposit amount must be positive")
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO account_balances (account_id, currency, total)
VALUES ($1, $2, $3)
ON CONFLICT (account_id, currency) DO UPDATE
SET total = account_balances.total + EXCLUDED.total
`, accountID, currency, amount)
	return err
}

func (p *PostgresStore) Total(ctx context.Context, accountID, currency string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.pool.QueryRow(ctx, `
SELECT total FROM account_balances WHERE account_id = $1 AND currency = $2
`, accountID, currency).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	return total, err
}

func (p *PostgresStore) Available(ctx context.Context, accountID, currency string) (decimal.Decimal, error) {
	var available decimal.Decimal
	err := p.pool.QueryRow(ctx, `
SELECT COALESCE((SELECT total FROM account_balances WHERE account_id = $1 AND currency = $2), 0)
     - COALESCE((SELECT SUM(amount) FROM balance_locks
                 WHERE account_id = $1 AND currency = $2 AND status = 'active'), 0)
`, accountID, currency).Scan(&available)
	return available, err
}

func (p *PostgresStore) Lock(ctx context.Context, accountID, currency string, amount decimal.Decimal, purpose, referenceID string) (string, error) {
	if amount.Sign() <= 0 {
		return "", errors.New("lock amount must be positive")
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	// Row lock on the account serializes concurrent holds.
	var total decimal.Decimal
	err = tx.QueryRow(ctx, `
SELECT total FROM account_balances
WHERE account_id = $1 AND currency = $2
FOR UPDATE
`, accountID, currency).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInsufficientFunds
	}
	if err != nil {
		return "", err
	}

	var held decimal.Decimal
	if err := tx.QueryRow(ctx, `
SELECT COALESCE(SUM(amount), 0) FROM balance_locks
WHERE account_id = $1 AND currency = $2 AND status = 'active'
`, accountID, currency).Scan(&held); err != nil {
		return "", err
	}

	if amount.GreaterThan(total.Sub(held)) {
		return "", ErrInsufficientFunds
	}

	lockID := uuid.NewString()
	if _, err := tx.Exec(ctx, `
INSERT INTO balance_locks (id, account_id, currency, amount, purpose, reference_id, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 'active', now())
`, lockID, accountID, currency, amount, purpose, referenceID); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return lockID, nil
}

func (p *PostgresStore) ReleaseLock(ctx context.Context, lockID, creditAccountID string) error {
	return p.settle(ctx, lockID, &creditAccountID)
}

func (p *PostgresStore) Unlock(ctx context.Context, lockID string) error {
	return p.settle(ctx, lockID, nil)
}

// settle releases the lock and moves its amount. A nil creditAccountID means
// credit the account the funds were held against.
func (p *PostgresStore) settle(ctx context.Context, lockID string, creditAccountID *string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var lock Lock
	err = tx.QueryRow(ctx, `
SELECT id, account_id, currency, amount, status FROM balance_locks
WHERE id = $1
FOR UPDATE
`, lockID).Scan(&lock.ID, &lock.AccountID, &lock.Currency, &lock.Amount, &lock.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrLockNotFound
	}
	if err != nil {
		return err
	}
	if lock.Status != LockActive {
		return ErrLockNotActive
	}

	credit := lock.AccountID
	if creditAccountID != nil {
		credit = *creditAccountID
	}

	if _, err := tx.Exec(ctx, `
UPDATE balance_locks SET status = 'released', released_at = now() WHERE id = $1
`, lockID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
UPDATE account_balances SET total = total - $3
WHERE account_id = $1 AND currency = $2
`, lock.AccountID, lock.Currency, lock.Amount); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO account_balances (account_id, currency, total)
VALUES ($1, $2, $3)
ON CONFLICT (account_id, currency) DO UPDATE
SET total = account_balances.total + EXCLUDED.total
`, credit, lock.Currency, lock.Amount); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (p *PostgresStore) GetLock(ctx context.Context, lockID string) (*Lock, error) {
	return p.scanLock(ctx, `
SELECT id, account_id, currency, amount, purpose, reference_id, status, created_at, released_at
FROM balance_locks WHERE id = $1
`, lockID)
}

func (p *PostgresStore) FindActiveLock(ctx context.Context, purpose, referenceID string) (*Lock, error) {
	lock, err := p.scanLock(ctx, `
SELECT id, account_id, currency, amount, purpose, reference_id, status, created_at, released_at
FROM balance_locks WHERE purpose = $1 AND reference_id = $2 AND status = 'active'
`, purpose, referenceID)
	if errors.Is(err, ErrLockNotFound) {
		return nil, nil
	}
	return lock, err
}

func (p *PostgresStore) scanLock(ctx context.Context, query string, args ...any) (*Lock, error) {
	var lock Lock
	err := p.pool.QueryRow(ctx, query, args...).Scan(
		&lock.ID, &lock.AccountID, &lock.Currency, &lock.Amount,
		&lock.Purpose, &lock.ReferenceID, &lock.Status,
		&lock.CreatedAt, &lock.ReleasedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}
