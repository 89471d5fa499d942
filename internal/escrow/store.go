package escrow

import (
	"context"
	"sync"
	"time"
)

// ContractStore persists contracts and serializes their status transitions.
type ContractStore interface {
	Create(ctx context.Context, contract *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)

	// TransitionStatus atomically moves the contract from one status to
	// another. It fails with ErrInvalidState when the contract is not in
	// the expected status, which makes it the serialization point for
	// every lifecycle edge: of two racing transitions exactly one wins.
	TransitionStatus(ctx context.Context, id string, from, to Status) error

	// ListActiveByOracle returns active contracts whose release condition
	// references the given oracle event.
	ListActiveByOracle(ctx context.Context, eventType, externalID string) ([]*Contract, error)
}

// SignatureStore records attestations, deduplicated per (escrow, signer).
type SignatureStore interface {
	// Add records the signature unless the signer already has one for this
	// contract. It reports whether a new record was created.
	Add(ctx context.Context, sig Signature) (bool, error)
	CountDistinctSigners(ctx context.Context, escrowID string) (uint32, error)
}

// OracleStore holds the latest report per (eventType, externalId).
type OracleStore interface {
	Upsert(ctx context.Context, event OracleEvent) error
	Get(ctx context.Context, eventType, externalID string) (*OracleEvent, error)
}

// MemoryContractStore is mostly for testing.
type MemoryContractStore struct {
	mu        sync.Mutex
	contracts map[string]*Contract
}

func NewMemoryContractStore() *MemoryContractStore {
	return &MemoryContractStore{contracts: make(map[string]*Contract)}
}

func (m *MemoryContractStore) Create(_ context.Context, contract *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[contract.ID] = contract.Clone()
	return nil
}

func (m *MemoryContractStore) Get(_ context.Context, id string) (*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	contract, ok := m.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return contract.Clone(), nil
}

func (m *MemoryContractStore) TransitionStatus(_ context.Context, id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	contract, ok := m.contracts[id]
	if !ok {
		return ErrNotFound
	}
	if contract.Status != from {
		return ErrInvalidState
	}
	contract.Status = to
	contract.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryContractStore) ListActiveByOracle(_ context.Context, eventType, externalID string) ([]*Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Contract
	for _, c := range m.contracts {
		if c.Status != StatusActive {
			continue
		}
		cond := c.ReleaseConditions
		if cond.Kind == ConditionOracle && cond.EventType == eventType && cond.ExternalID == externalID {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

type signerKey struct {
	escrowID string
	signerID string
}

// MemorySignatureStore is mostly for testing.
type MemorySignatureStore struct {
	mu   sync.Mutex
	sigs map[signerKey]Signature
}

func NewMemorySignatureStore() *MemorySignatureStore {
	return &MemorySignatureStore{sigs: make(map[signerKey]Signature)}
}

func (m *MemorySignatureStore) Add(_ context.Context, sig Signature) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := signerKey{sig.EscrowID, sig.SignerID}
	if _, exists := m.sigs[key]; exists {
		return false, nil
	}
	m.sigs[key] = sig
	return true, nil
}

func (m *MemorySignatureStore) CountDistinctSigners(_ context.Context, escrowID string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count uint32
	for key := range m.sigs {
		if key.escrowID == escrowID {
			count++
		}
	}
	return count, nil
}

type oracleKey struct {
	eventType  string
	externalID string
}

// MemoryOracleStore is mostly for testing.
type MemoryOracleStore struct {
	mu     sync.Mutex
	events map[oracleKey]OracleEvent
}

func NewMemoryOracleStore() *MemoryOracleStore {
	return &MemoryOracleStore{events: make(map[oracleKey]OracleEvent)}
}

func (m *MemoryOracleStore) Upsert(_ context.Context, event OracleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[oracleKey{event.EventType, event.ExternalID}] = event
	return nil
}

func (m *MemoryOracleStore) Get(_ context.Context, eventType, externalID string) (*OracleEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[oracleKey{eventType, externalID}]
	if !ok {
		return nil, nil
	}
	return &event, nil
}
