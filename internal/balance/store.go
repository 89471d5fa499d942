package balance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrLockNotFound      = errors.New("lock not found")
	ErrLockNotActive     = errors.New("lock is not active")
)

// LockStatus tracks whether a hold on funds is still in force.
type LockStatus string

const (
	LockActive   LockStatus = "active"
	LockReleased LockStatus = "released"
)

// Lock is a hold on an account's balance. While active it reduces the
// account's available balance without moving funds out of the total.
type Lock struct {
	ID          string
	AccountID   string
	Currency    string
	Amount      decimal.Decimal
	Purpose     string
	ReferenceID string
	Status      LockStatus
	CreatedAt   time.Time
	ReleasedAt  *time.Time
}

// Store owns per-(account, currency) balances and all locks against them.
//
// Implementations must make availability checks and lock creation a single
// atomic unit per account: two concurrent Lock calls whose combined amount
// exceeds availability must not both succeed.
type Store interface {
	// Deposit credits amount to the account's total balance.
	Deposit(ctx context.Context, accountID, currency string, amount decimal.Decimal) error

	// Total returns the account's total balance, held funds included.
	Total(ctx context.Context, accountID, currency string) (decimal.Decimal, error)

	// Available returns total minus the sum of active locks.
	Available(ctx context.Context, accountID, currency string) (decimal.Decimal, error)

	// Lock places a hold of amount on the account and returns the lock id.
	// Fails with ErrInsufficientFunds when amount exceeds availability.
	Lock(ctx context.Context, accountID, currency string, amount decimal.Decimal, purpose, referenceID string) (string, error)

	// ReleaseLock marks the lock released and credits its amount to
	// creditAccountID. A second call on the same lock fails with
	// ErrLockNotActive and credits nothing.
	ReleaseLock(ctx context.Context, lockID, creditAccountID string) error

	// Unlock marks the lock released and credits its amount back to the
	// account it was held against.
	Unlock(ctx context.Context, lockID string) error

	// GetLock returns the lock by id.
	GetLock(ctx context.Context, lockID string) (*Lock, error)

	// FindActiveLock returns the active lock with the given purpose and
	// reference, or nil when none exists.
	FindActiveLock(ctx context.Context, purpose, referenceID string) (*Lock, error)
}

type balanceKey struct {
	accountID string
	currency  string
}

// MemoryStore keeps balances and locks in process. A single mutex covers the
// availability read and the lock write, which gives the per-account
// linearizability Store requires.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[balanceKey]decimal.Decimal
	locks    map[string]*Lock
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]decimal.Decimal),
		locks:    make(map[string]*Lock),
	}
}

func (m *MemoryStore) Deposit(_ context.Context, accountID, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errors.New("deposit amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{accountID, currency}
	m.balances[key] = m.balances[key].Add(amount)
	return nil
}

func (m *MemoryStore) Total(_ context.Context, accountID, currency string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey{accountID, currency}], nil
}

func (m *MemoryStore) Available(_ context.Context, accountID, currency string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(accountID, currency), nil
}

// availableLocked expects m.mu held.
func (m *MemoryStore) availableLocked(accountID, currency string) decimal.Decimal {
	total := m.balances[balanceKey{accountID, currency}]
	held := decimal.Zero
	for _, l := range m.locks {
		if l.Status == LockActive && l.AccountID == accountID && l.Currency == currency {
			held = held.Add(l.Amount)
		}
	}
	return total.Sub(held)
}

func (m *MemoryStore) Lock(_ context.Context, accountID, currency string, amount decimal.Decimal, purpose, referenceID string) (string, error) {
	if amount.Sign() <= 0 {
		return "", errors.New("lock amount must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.GreaterThan(m.availableLocked(accountID, currency)) {
		return "", ErrInsufficientFunds
	}

	lock := &Lock{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Currency:    currency,
		Amount:      amount,
		Purpose:     purpose,
		ReferenceID: referenceID,
		Status:      LockActive,
		CreatedAt:   time.Now().UTC(),
	}
	m.locks[lock.ID] = lock
	return lock.ID, nil
}

func (m *MemoryStore) ReleaseLock(_ context.Context, lockID, creditAccountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settleLocked(lockID, creditAccountID)
}

func (m *MemoryStore) Unlock(_ context.Context, lockID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[lockID]
	if !ok {
		return ErrLockNotFound
	}
	return m.settleLocked(lockID, lock.AccountID)
}

// settleLocked moves the locked amount to creditAccountID. Expects m.mu held.
func (m *MemoryStore) settleLocked(lockID, creditAccountID string) error {
	lock, ok := m.locks[lockID]
	if !ok {
		return ErrLockNotFound
	}
	if lock.Status != LockActive {
		return ErrLockNotActive
	}

	debitKey := balanceKey{lock.AccountID, lock.Currency}
	creditKey := balanceKey{creditAccountID, lock.Currency}
	m.balances[debitKey] = m.balances[debitKey].Sub(lock.Amount)
	m.balances[creditKey] = m.balances[creditKey].Add(lock.Amount)

	now := time.Now().UTC()
	lock.Status = LockReleased
	lock.ReleasedAt = &now
	return nil
}

func (m *MemoryStore) GetLock(_ context.Context, lockID string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[lockID]
	if !ok {
		return nil, ErrLockNotFound
	}
	cp := *lock
	return &cp, nil
}

func (m *MemoryStore) FindActiveLock(_ context.Context, purpose, referenceID string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.locks {
		if l.Status == LockActive && l.Purpose == purpose && l.ReferenceID == referenceID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}
