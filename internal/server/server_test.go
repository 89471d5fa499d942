package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"escrowrails/internal/audit"
	"escrowrails/internal/balance"
	"escrowrails/internal/config"
	"escrowrails/internal/escrow"
	"escrowrails/internal/hmacauth"
	"escrowrails/internal/idempotency"
	"escrowrails/internal/signature"
)

const (
	testSecret       = "test-secret"
	testOracleSecret = "oracle-secret"
)

func newTestServer(t *testing.T) (*Server, *balance.MemoryStore) {
	t.Helper()

	cfg := &config.AppConfig{}
	cfg.Settings.Secrets.HMACSecret = testSecret
	cfg.Settings.Secrets.OracleFeedSecret = testOracleSecret
	cfg.Service.HTTPPort = 0
	cfg.Service.HMACClockSkew = time.Minute
	cfg.Service.IdempotencyWindow = time.Hour

	balances := balance.NewMemoryStore()
	srv := NewServer(cfg, Deps{
		Contracts:   escrow.NewMemoryContractStore(),
		Signatures:  escrow.NewMemorySignatureStore(),
		Oracle:      escrow.NewMemoryOracleStore(),
		Balances:    balances,
		Verifier:    signature.New(),
		Assessor:    escrow.NewStaticAssessor(),
		AuditLog:    audit.NewMemoryLog(),
		Idempotency: idempotency.NewMemoryStore(),
	})
	return srv, balances
}

func signedRequest(t *testing.T, method, target, caller, secret string, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Request-Timestamp", ts)
	req.Header.Set("X-Request-Signature", hmacauth.ComputeSignature(secret, ts, []byte(body)))
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}
	return req
}

func oracleRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/oracle/events", strings.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("X-Oracle-Timestamp", ts)
	req.Header.Set("X-Oracle-Signature", hmacauth.ComputeSignature(testOracleSecret, ts, []byte(body)))
	return req
}

func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func draftBody(kind string) string {
	switch kind {
	case "oracle":
		return `{"payerId":"alice","payeeId":"bob","accountId":"acct-alice","amount":"50","currency":"USD","escrowType":"goods","releaseConditions":{"kind":"oracle","eventType":"delivery","externalId":"pkg-1"}}`
	default:
		return `{"payerId":"alice","payeeId":"bob","accountId":"acct-alice","amount":"100","currency":"USD","escrowType":"goods","releaseConditions":{"kind":"multisig","requiredSignatures":1}}`
	}
}

func TestDraftRequiresHMAC(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/escrows", strings.NewReader(draftBody("multisig")))
	req.Header.Set(callerHeader, "alice")
	rec := do(srv, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", rec.Code)
	}
}

func TestDraftAndActivateFlow(t *testing.T) {
	srv, balances := newTestServer(t)

	depositBody := `{"currency":"USD","amount":"100"}`
	rec := do(srv, signedRequest(t, http.MethodPost, "/api/v1/accounts/acct-alice/deposits", "alice", testSecret, depositBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows", "alice", testSecret, draftBody("multisig")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("draft: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var contract escrow.Contract
	if err := json.Unmarshal(rec.Body.Bytes(), &contract); err != nil {
		t.Fatalf("decode contract: %v", err)
	}
	if contract.Status != escrow.StatusDraft {
		t.Fatalf("expected draft, got %s", contract.Status)
	}

	rec = do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows/"+contract.ID+"/activate", "alice", testSecret, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	available, _ := balances.Available(context.Background(), "acct-alice", "USD")
	if available.String() != "0" {
		t.Fatalf("expected fully locked balance, got %s", available)
	}
}

func TestActivateUnauthorizedCaller(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(srv, signedRequest(t, http.MethodPost, "/api/v1/accounts/acct-alice/deposits", "alice", testSecret, `{"currency":"USD","amount":"100"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: %d", rec.Code)
	}
	rec = do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows", "alice", testSecret, draftBody("multisig")))
	var contract escrow.Contract
	_ = json.Unmarshal(rec.Body.Bytes(), &contract)

	rec = do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows/"+contract.ID+"/activate", "bob", testSecret, ""))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestSignatureSubmissionReleases(t *testing.T) {
	srv, balances := newTestServer(t)

	do(srv, signedRequest(t, http.MethodPost, "/api/v1/accounts/acct-alice/deposits", "alice", testSecret, `{"currency":"USD","amount":"100"}`))
	rec := do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows", "alice", testSecret, draftBody("multisig")))
	var contract escrow.Contract
	if err := json.Unmarshal(rec.Body.Bytes(), &contract); err != nil {
		t.Fatalf("decode: %v", err)
	}
	do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows/"+contract.ID+"/activate", "alice", testSecret, ""))

	payload := escrow.ReleasePayload(&contract)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := crypto.Sign(crypto.Keccak256(payload), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	body := fmt.Sprintf(`{"signature":%q,"publicKey":%q,"signedData":%q}`,
		base64.StdEncoding.EncodeToString(sig),
		base64.StdEncoding.EncodeToString(crypto.FromECDSAPub(&key.PublicKey)),
		base64.StdEncoding.EncodeToString(payload))

	rec = do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows/"+contract.ID+"/signatures", "dave", testSecret, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated escrow.Contract
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Status != escrow.StatusReleased {
		t.Fatalf("expected released, got %s", updated.Status)
	}

	payeeTotal, _ := balances.Total(context.Background(), "bob", "USD")
	if payeeTotal.String() != "100" {
		t.Fatalf("payee not credited: %s", payeeTotal)
	}
}

func TestOracleWebhookReleases(t *testing.T) {
	srv, _ := newTestServer(t)

	do(srv, signedRequest(t, http.MethodPost, "/api/v1/accounts/acct-alice/deposits", "alice", testSecret, `{"currency":"USD","amount":"50"}`))
	rec := do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows", "alice", testSecret, draftBody("oracle")))
	var contract escrow.Contract
	if err := json.Unmarshal(rec.Body.Bytes(), &contract); err != nil {
		t.Fatalf("decode: %v", err)
	}
	do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows/"+contract.ID+"/activate", "alice", testSecret, ""))

	rec = do(srv, oracleRequest(t, `{"eventType":"delivery","externalId":"pkg-1","status":"verified"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("oracle: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(srv, signedRequest(t, http.MethodGet, "/api/v1/escrows/"+contract.ID, "alice", testSecret, ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var updated escrow.Contract
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Status != escrow.StatusReleased {
		t.Fatalf("expected released after oracle verification, got %s", updated.Status)
	}
}

func TestOracleWebhookRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/oracle/events", strings.NewReader(`{}`))
	req.Header.Set("X-Oracle-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set("X-Oracle-Signature", "deadbeef")
	rec := do(srv, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestDraftIdempotencyReplay(t *testing.T) {
	srv, _ := newTestServer(t)

	req := signedRequest(t, http.MethodPost, "/api/v1/escrows", "alice", testSecret, draftBody("multisig"))
	req.Header.Set("X-Idempotency-Key", "draft-1")
	rec := do(srv, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	first := rec.Body.String()

	req = signedRequest(t, http.MethodPost, "/api/v1/escrows", "alice", testSecret, draftBody("multisig"))
	req.Header.Set("X-Idempotency-Key", "draft-1")
	rec = do(srv, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", rec.Code)
	}
	if rec.Body.String() != first {
		t.Fatal("replay returned a different contract")
	}
}

func TestInsufficientFundsActivation(t *testing.T) {
	srv, _ := newTestServer(t)

	do(srv, signedRequest(t, http.MethodPost, "/api/v1/accounts/acct-alice/deposits", "alice", testSecret, `{"currency":"USD","amount":"30"}`))
	rec := do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows", "alice", testSecret, draftBody("multisig")))
	var contract escrow.Contract
	_ = json.Unmarshal(rec.Body.Bytes(), &contract)

	rec = do(srv, signedRequest(t, http.MethodPost, "/api/v1/escrows/"+contract.ID+"/activate", "alice", testSecret, ""))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(srv, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}
