package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"escrowrails/internal/audit"
	"escrowrails/internal/balance"
	"escrowrails/internal/config"
	"escrowrails/internal/escrow"
	"escrowrails/internal/idempotency"
	"escrowrails/internal/server"
	"escrowrails/internal/signature"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	deps, err := buildDeps(ctx, cfg)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}

	apiServer := server.NewServer(cfg, deps)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}

// buildDeps wires Postgres-backed stores when a DSN is configured and falls
// back to in-memory stores for local development.
func buildDeps(ctx context.Context, cfg *config.AppConfig) (server.Deps, error) {
	assessor := escrow.NewStaticAssessor()
	if raw := cfg.Settings.Risk.HighValueThreshold; raw != "" {
		threshold, err := decimal.NewFromString(raw)
		if err != nil {
			return server.Deps{}, err
		}
		assessor.HighValueThreshold = threshold
	}

	deps := server.Deps{
		Verifier: signature.New(),
		Assessor: assessor,
	}

	dsn := cfg.Store.PostgresDSN
	if dsn == "" {
		log.Printf("POSTGRES_DSN not set, using in-memory stores")
		deps.Contracts = escrow.NewMemoryContractStore()
		deps.Signatures = escrow.NewMemorySignatureStore()
		deps.Oracle = escrow.NewMemoryOracleStore()
		deps.Balances = balance.NewMemoryStore()
		deps.AuditLog = audit.NewMemoryLog()
		deps.Idempotency = idempotency.NewMemoryStore()
		return deps, nil
	}

	escrowStore, err := escrow.NewPostgresStore(ctx, dsn)
	if err != nil {
		return server.Deps{}, err
	}
	balanceStore, err := balance.NewPostgresStore(ctx, dsn)
	if err != nil {
		return server.Deps{}, err
	}
	auditLog, err := audit.NewPostgresLog(ctx, dsn)
	if err != nil {
		return server.Deps{}, err
	}
	idemStore, err := idempotency.NewPostgresStore(ctx, dsn)
	if err != nil {
		return server.Deps{}, err
	}

	deps.Contracts = escrowStore.Contracts()
	deps.Signatures = escrowStore.Signatures()
	deps.Oracle = escrowStore.Oracle()
	deps.Balances = balanceStore
	deps.AuditLog = auditLog
	deps.Idempotency = idemStore
	return deps, nil
}
