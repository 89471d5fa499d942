package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"escrowrails/internal/audit"
	"escrowrails/internal/balance"
	"escrowrails/internal/config"
	"escrowrails/internal/escrow"
	"escrowrails/internal/hmacauth"
	"escrowrails/internal/idempotency"
	"escrowrails/internal/signature"
)

const callerHeader = "X-Caller-Id"

// Deps bundles the injected collaborators.
type Deps struct {
	Contracts   escrow.ContractStore
	Signatures  escrow.SignatureStore
	Oracle      escrow.OracleStore
	Balances    balance.Store
	Verifier    signature.Verifier
	Assessor    escrow.Assessor
	AuditLog    audit.Log
	Idempotency idempotency.Store
}

type Server struct {
	cfg        *config.AppConfig
	engine     *escrow.Engine
	balances   balance.Store
	idem       idempotency.Store
	hmac       *hmacauth.Verifier
	oracleHMAC *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	dbHealthFn func(context.Context) error
}

// NewServer constructs the engine and the HTTP surface together so the
// engine reports into the server's metrics registry.
func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	metrics := newMetricsRegistry()

	engine := escrow.NewEngine(escrow.EngineConfig{
		Contracts:  deps.Contracts,
		Signatures: deps.Signatures,
		Oracle:     deps.Oracle,
		Balances:   deps.Balances,
		Verifier:   deps.Verifier,
		Assessor:   deps.Assessor,
		AuditLog:   deps.AuditLog,
		Metrics:    metrics,
	})

	hmacVerifier := &hmacauth.Verifier{
		Secret:  cfg.Settings.Secrets.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	oracleVerifier := &hmacauth.Verifier{
		Secret:          cfg.Settings.Secrets.OracleFeedSecret,
		MaxSkew:         cfg.Service.HMACClockSkew,
		SignatureHeader: "X-Oracle-Signature",
		TimestampHeader: "X-Oracle-Timestamp",
	}

	s := &Server{
		cfg:        cfg,
		engine:     engine,
		balances:   deps.Balances,
		idem:       deps.Idempotency,
		hmac:       hmacVerifier,
		oracleHMAC: oracleVerifier,
		metrics:    metrics,
	}

	if checker, ok := deps.Idempotency.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/escrows", s.hmac.Middleware(http.HandlerFunc(s.handleDraft)))
	mux.Handle("GET /api/v1/escrows/{id}", s.hmac.Middleware(http.HandlerFunc(s.handleGet)))
	mux.Handle("GET /api/v1/escrows/{id}/audit", s.hmac.Middleware(http.HandlerFunc(s.handleAudit)))
	mux.Handle("POST /api/v1/escrows/{id}/activate", s.hmac.Middleware(http.HandlerFunc(s.handleActivate)))
	mux.Handle("POST /api/v1/escrows/{id}/signatures", s.hmac.Middleware(http.HandlerFunc(s.handleSubmitSignature)))
	mux.Handle("POST /api/v1/escrows/{id}/refund", s.hmac.Middleware(http.HandlerFunc(s.handleRefund)))
	mux.Handle("POST /api/v1/accounts/{id}/deposits", s.hmac.Middleware(http.HandlerFunc(s.handleDeposit)))
	mux.Handle("POST /api/v1/oracle/events", s.oracleHMAC.Middleware(http.HandlerFunc(s.handleOracleEvent)))
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Engine exposes the wired engine, primarily for tests.
func (s *Server) Engine() *escrow.Engine { return s.engine }

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type draftRequest struct {
	PayerID    string `json:"payerId"`
	PayeeID    string `json:"payeeId"`
	AccountID  string `json:"accountId"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	EscrowType string `json:"escrowType"`
	Conditions struct {
		Kind               string `json:"kind"`
		RequiredSignatures uint32 `json:"requiredSignatures"`
		EventType          string `json:"eventType"`
		ExternalID         string `json:"externalId"`
	} `json:"releaseConditions"`
	Metadata string `json:"metadata"`
}

type signatureRequest struct {
	Signature  string `json:"signature"`
	PublicKey  string `json:"publicKey"`
	SignedData string `json:"signedData"`
}

type oracleEventRequest struct {
	EventType  string `json:"eventType"`
	ExternalID string `json:"externalId"`
	Status     string `json:"status"`
}

type depositRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

func (s *Server) handleDraft(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "missing "+callerHeader+" header", http.StatusBadRequest)
		return
	}

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key != "" {
		if existing, _ := s.idem.Get(ctx, key); existing != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			return
		}
	}

	var payload draftRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	contract, err := s.engine.DraftContract(ctx, caller, escrow.DraftTerms{
		PayerID:    payload.PayerID,
		PayeeID:    payload.PayeeID,
		AccountID:  payload.AccountID,
		Amount:     amount,
		Currency:   payload.Currency,
		EscrowType: payload.EscrowType,
		ReleaseConditions: escrow.ReleaseCondition{
			Kind:               escrow.ConditionKind(payload.Conditions.Kind),
			RequiredSignatures: payload.Conditions.RequiredSignatures,
			EventType:          payload.Conditions.EventType,
			ExternalID:         payload.Conditions.ExternalID,
		},
		Metadata: payload.Metadata,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	body, _ := json.Marshal(contract)
	if key != "" {
		_ = s.idem.Save(ctx, key, idempotency.Record{
			StatusCode: http.StatusCreated,
			Response:   body,
			CreatedAt:  time.Now(),
			ExpiresAt:  time.Now().Add(s.cfg.Service.IdempotencyWindow),
		})
	}

	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	contract, err := s.engine.GetContract(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	body, _ := json.Marshal(contract)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.AuditTrail(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	body, _ := json.Marshal(struct {
		Events []audit.Event `json:"events"`
	}{Events: events})
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "missing "+callerHeader+" header", http.StatusBadRequest)
		return
	}

	contract, err := s.engine.ActivateContract(r.Context(), r.PathValue("id"), caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	body, _ := json.Marshal(contract)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSubmitSignature(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "missing "+callerHeader+" header", http.StatusBadRequest)
		return
	}

	var payload signatureRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	sig, err := base64.StdEncoding.DecodeString(payload.Signature)
	if err != nil {
		http.Error(w, "signature must be base64", http.StatusBadRequest)
		return
	}
	publicKey, err := base64.StdEncoding.DecodeString(payload.PublicKey)
	if err != nil {
		http.Error(w, "publicKey must be base64", http.StatusBadRequest)
		return
	}
	signedData, err := base64.StdEncoding.DecodeString(payload.SignedData)
	if err != nil {
		http.Error(w, "signedData must be base64", http.StatusBadRequest)
		return
	}

	contract, err := s.engine.SubmitSignature(r.Context(), r.PathValue("id"), caller, sig, publicKey, signedData)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	body, _ := json.Marshal(contract)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	caller := callerID(r)
	if caller == "" {
		http.Error(w, "missing "+callerHeader+" header", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := s.engine.RefundPayer(r.Context(), id, caller); err != nil {
		writeEngineError(w, err)
		return
	}
	contract, err := s.engine.GetContract(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	body, _ := json.Marshal(contract)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOracleEvent(w http.ResponseWriter, r *http.Request) {
	var payload oracleEventRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	err := s.engine.RecordOracleEvent(r.Context(), payload.EventType, payload.ExternalID,
		escrow.OracleStatus(payload.Status))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	body, _ := json.Marshal(struct {
		Status string `json:"status"`
	}{Status: "recorded"})
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var payload depositRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil || amount.Sign() <= 0 {
		http.Error(w, "amount must be a positive decimal", http.StatusBadRequest)
		return
	}
	currency, err := escrow.NormalizeCurrency(payload.Currency)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	accountID := r.PathValue("id")
	if err := s.balances.Deposit(r.Context(), accountID, currency, amount); err != nil {
		http.Error(w, "deposit failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.metrics.incDeposit()

	available, err := s.balances.Available(r.Context(), accountID, currency)
	if err != nil {
		http.Error(w, "read balance: "+err.Error(), http.StatusInternalServerError)
		return
	}

	body, _ := json.Marshal(struct {
		AccountID string `json:"accountId"`
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}{AccountID: accountID, Currency: currency, Available: available.String()})
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		Database interface{} `json:"database"`
	}{
		Status:   status,
		Database: dbInfo,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(callerHeader))
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, escrow.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, escrow.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, escrow.ErrInvalidSignature), errors.Is(err, escrow.ErrInsufficientFunds):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
