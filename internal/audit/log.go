package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the escrow engine.
const (
	TypeDrafted           = "escrow.drafted"
	TypeActivated         = "escrow.activated"
	TypeSignatureRecorded = "escrow.signature_recorded"
	TypeOracleReported    = "escrow.oracle_reported"
	TypeReleased          = "escrow.released"
	TypeRefunded          = "escrow.refunded"
	TypeLockCreated       = "escrow.lock_created"
	TypeRiskDegraded      = "escrow.risk_degraded"
)

// Event is one durable audit record. The audit log is the authoritative
// trail for money movement, not a side channel.
type Event struct {
	ID       string            `json:"id"`
	EscrowID string            `json:"escrowId"`
	Type     string            `json:"type"`
	Actor    string            `json:"actor"`
	Detail   map[string]string `json:"detail,omitempty"`
	At       time.Time         `json:"at"`
}

// Log persists audit events and serves them back per escrow contract.
type Log interface {
	Record(ctx context.Context, event Event) error
	ListByEscrow(ctx context.Context, escrowID string) ([]Event, error)
}

// NewEvent stamps id and time; callers fill the rest.
func NewEvent(escrowID, eventType, actor string, detail map[string]string) Event {
	return Event{
		ID:       uuid.NewString(),
		EscrowID: escrowID,
		Type:     eventType,
		Actor:    actor,
		Detail:   detail,
		At:       time.Now().UTC(),
	}
}

// MemoryLog is mostly for testing.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryLog) ListByEscrow(_ context.Context, escrowID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Event
	for _, e := range m.events {
		if e.EscrowID == escrowID {
			out = append(out, e)
		}
	}
	return out, nil
}
