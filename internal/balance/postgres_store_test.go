package balance

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPostgresStoreLifecycle(t *testing.T) {
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

	account := "pg-test-" + time.Now().Format("150405.000000000")
	if err := store.Deposit(ctx, account, "USD", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	lockID, err := store.Lock(ctx, account, "USD", decimal.NewFromInt(40), "escrow", account)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	available, err := store.Available(ctx, account, "USD")
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if !available.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected available 60, got %s", available)
	}

	if _, err := store.Lock(ctx, account, "USD", decimal.NewFromInt(70), "escrow", account); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if err := store.ReleaseLock(ctx, lockID, account+"-payee"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.ReleaseLock(ctx, lockID, account+"-payee"); !errors.Is(err, ErrLockNotActive) {
		t.Fatalf("expected ErrLockNotActive on second release, got %v", err)
	}

	payeeTotal, err := store.Total(ctx, account+"-payee", "USD")
	if err != nil {
		t.Fatalf("payee total: %v", err)
	}
	if !payeeTotal.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected payee total 40, got %s", payeeTotal)
	}
}
