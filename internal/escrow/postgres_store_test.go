package escrow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPostgresContractLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	contracts := store.Contracts()
	now := time.Now().UTC()
	contract := &Contract{
		ID:        fmt.Sprintf("esc_test_%d", now.UnixNano()),
		PayerID:   "alice",
		PayeeID:   "bob",
		CreatorID: "alice",
		AccountID: "acct-alice",
		Amount:    decimal.NewFromInt(100),
		Currency:  "USD",
		ReleaseConditions: ReleaseCondition{
			Kind:               ConditionMultiSig,
			RequiredSignatures: 2,
		},
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := contracts.Create(ctx, contract); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := contracts.Get(ctx, contract.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusDraft || !got.Amount.Equal(contract.Amount) {
		t.Fatalf("unexpected contract: %+v", got)
	}

	if err := contracts.TransitionStatus(ctx, contract.ID, StatusDraft, StatusActive); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := contracts.TransitionStatus(ctx, contract.ID, StatusDraft, StatusActive); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on stale CAS, got %v", err)
	}
	if err := contracts.TransitionStatus(ctx, "esc_missing", StatusDraft, StatusActive); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	sigs := store.Signatures()
	recorded, err := sigs.Add(ctx, Signature{
		EscrowID:   contract.ID,
		SignerID:   "dave",
		Signature:  []byte{1},
		PublicKey:  []byte{2},
		SignedData: []byte{3},
		CreatedAt:  now,
	})
	if err != nil {
		t.Fatalf("add signature: %v", err)
	}
	if !recorded {
		t.Fatal("first signature should be recorded")
	}
	recorded, err = sigs.Add(ctx, Signature{EscrowID: contract.ID, SignerID: "dave", Signature: []byte{9}, PublicKey: []byte{2}, SignedData: []byte{3}, CreatedAt: now})
	if err != nil {
		t.Fatalf("re-add signature: %v", err)
	}
	if recorded {
		t.Fatal("duplicate signer recorded twice")
	}
	count, err := sigs.CountDistinctSigners(ctx, contract.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 distinct signer, got %d", count)
	}

	oracle := store.Oracle()
	externalID := fmt.Sprintf("pkg-%d", now.UnixNano())
	if err := oracle.Upsert(ctx, OracleEvent{EventType: "delivery", ExternalID: externalID, Status: OraclePending, UpdatedAt: now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := oracle.Upsert(ctx, OracleEvent{EventType: "delivery", ExternalID: externalID, Status: OracleVerified, UpdatedAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("upsert verified: %v", err)
	}
	event, err := oracle.Get(ctx, "delivery", externalID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if event == nil || event.Status != OracleVerified {
		t.Fatalf("unexpected event: %+v", event)
	}
}
