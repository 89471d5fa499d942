package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"escrowrails/internal/audit"
	"escrowrails/internal/balance"
	"escrowrails/internal/signature"
)

// LockPurpose tags balance locks created by this engine.
const LockPurpose = "escrow"

// Engine orchestrates the contract lifecycle. All collaborators are injected;
// the engine holds no long-lived state of its own, so its invariants rest on
// the stores' atomic primitives: ContractStore.TransitionStatus serializes
// lifecycle edges and balance.Store makes holds linearizable per account.
type Engine struct {
	contracts  ContractStore
	signatures SignatureStore
	oracle     OracleStore
	balances   balance.Store
	verifier   signature.Verifier
	evaluator  Evaluator
	assessor   Assessor
	auditLog   audit.Log
	nowFn      func() time.Time
	metrics    Metrics
}

// Metrics receives engine-level counters. The server wires Prometheus here;
// tests leave it nil.
type Metrics interface {
	ContractTransition(op string)
	SignatureSubmission(result string)
	OracleReport(status string)
	RiskAssessmentFailure()
}

// EngineConfig carries the engine's collaborators.
type EngineConfig struct {
	Contracts  ContractStore
	Signatures SignatureStore
	Oracle     OracleStore
	Balances   balance.Store
	Verifier   signature.Verifier
	Evaluator  Evaluator
	Assessor   Assessor
	AuditLog   audit.Log
	Metrics    Metrics
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		contracts:  cfg.Contracts,
		signatures: cfg.Signatures,
		oracle:     cfg.Oracle,
		balances:   cfg.Balances,
		verifier:   cfg.Verifier,
		evaluator:  cfg.Evaluator,
		assessor:   cfg.Assessor,
		auditLog:   cfg.AuditLog,
		metrics:    cfg.Metrics,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	if e.evaluator == nil {
		e.evaluator = NewEvaluator()
	}
	if e.auditLog == nil {
		e.auditLog = audit.NewMemoryLog()
	}
	return e
}

// SetNowFunc overrides the time source, for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

// DraftTerms is the caller-supplied definition of a new contract.
type DraftTerms struct {
	PayerID           string
	PayeeID           string
	AccountID         string
	Amount            decimal.Decimal
	Currency          string
	EscrowType        string
	ReleaseConditions ReleaseCondition
	Metadata          string
}

func (t DraftTerms) validate() error {
	if t.PayerID == "" || t.PayeeID == "" {
		return fmt.Errorf("payer and payee are required")
	}
	if t.PayerID == t.PayeeID {
		return fmt.Errorf("payer and payee must differ")
	}
	if t.AccountID == "" {
		return fmt.Errorf("account is required")
	}
	if t.Amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return t.ReleaseConditions.Validate()
}

// DraftContract creates a contract in draft. No funds move. The risk
// collaborator is consulted best-effort: a failure is logged, counted and
// recorded in the audit trail, never propagated.
func (e *Engine) DraftContract(ctx context.Context, creatorID string, terms DraftTerms) (*Contract, error) {
	if creatorID == "" {
		return nil, fmt.Errorf("creator is required")
	}
	if err := terms.validate(); err != nil {
		return nil, err
	}
	currency, err := NormalizeCurrency(terms.Currency)
	if err != nil {
		return nil, err
	}
	terms.Currency = currency

	risk := RiskMetadata{Level: "unassessed", Degraded: true}
	if e.assessor != nil {
		assessed, err := e.assessor.Assess(ctx, terms)
		if err != nil {
			log.Printf("risk assessment failed for draft by %s: %v", creatorID, err)
			if e.metrics != nil {
				e.metrics.RiskAssessmentFailure()
			}
		} else {
			risk = assessed
		}
	}

	now := e.nowFn()
	contract := &Contract{
		ID:                newContractID(terms, creatorID, now),
		PayerID:           terms.PayerID,
		PayeeID:           terms.PayeeID,
		CreatorID:         creatorID,
		AccountID:         terms.AccountID,
		Amount:            terms.Amount,
		Currency:          terms.Currency,
		EscrowType:        terms.EscrowType,
		ReleaseConditions: terms.ReleaseConditions,
		Status:            StatusDraft,
		Risk:              risk,
		Metadata:          terms.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := e.contracts.Create(ctx, contract); err != nil {
		return nil, fmt.Errorf("store contract: %w", err)
	}

	e.record(ctx, contract.ID, audit.TypeDrafted, creatorID, map[string]string{
		"amount":   contract.Amount.String(),
		"currency": contract.Currency,
		"kind":     string(contract.ReleaseConditions.Kind),
	})
	if risk.Degraded {
		e.record(ctx, contract.ID, audit.TypeRiskDegraded, creatorID, nil)
	}
	e.transitionMetric("drafted")
	return contract.Clone(), nil
}

// newContractID derives a deterministic identifier from the parties, terms
// and draft time.
func newContractID(terms DraftTerms, creatorID string, now time.Time) string {
	digest := crypto.Keccak256(
		[]byte(terms.PayerID),
		[]byte(terms.PayeeID),
		[]byte(creatorID),
		[]byte(terms.AccountID),
		[]byte(terms.Amount.String()),
		[]byte(terms.Currency),
		[]byte(now.Format(time.RFC3339Nano)),
	)
	return fmt.Sprintf("esc_%x", digest[:16])
}

// GetContract returns the contract by id.
func (e *Engine) GetContract(ctx context.Context, id string) (*Contract, error) {
	return e.contracts.Get(ctx, id)
}

// AuditTrail returns the durable event trail for one contract.
func (e *Engine) AuditTrail(ctx context.Context, id string) ([]audit.Event, error) {
	if _, err := e.contracts.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.auditLog.ListByEscrow(ctx, id)
}

// ActivateContract locks the contract amount against the payer's account and
// moves draft -> active. Only the payer may activate. The hold is taken
// first and the status CAS second; when a concurrent activation wins the CAS
// the fresh hold is unwound, so either outcome leaves balances consistent
// and exactly one activation succeeds.
func (e *Engine) ActivateContract(ctx context.Context, id, callerID string) (*Contract, error) {
	contract, err := e.contracts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if contract.Status != StatusDraft {
		return nil, ErrInvalidState
	}
	if callerID != contract.PayerID {
		return nil, ErrUnauthorized
	}

	lockID, err := e.balances.Lock(ctx, contract.AccountID, contract.Currency, contract.Amount, LockPurpose, contract.ID)
	if err != nil {
		if errors.Is(err, balance.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("lock funds: %w", err)
	}

	if err := e.contracts.TransitionStatus(ctx, id, StatusDraft, StatusActive); err != nil {
		if unlockErr := e.balances.Unlock(ctx, lockID); unlockErr != nil {
			log.Printf("unwind lock %s for %s: %v", lockID, id, unlockErr)
		}
		return nil, err
	}

	e.record(ctx, id, audit.TypeActivated, callerID, map[string]string{"lockId": lockID})
	e.record(ctx, id, audit.TypeLockCreated, callerID, map[string]string{
		"lockId": lockID,
		"amount": contract.Amount.String(),
	})
	e.transitionMetric("activated")

	contract.Status = StatusActive
	return contract, nil
}

// ReleasePayload is the canonical byte string a signer must sign to attest a
// release. It is derived from the stored contract, never from caller input.
func ReleasePayload(c *Contract) []byte {
	return []byte(fmt.Sprintf("escrowrails.release|%s|%s|%s|%s|%s",
		c.ID, c.PayerID, c.PayeeID, c.Amount.String(), c.Currency))
}

// SubmitSignature verifies and records one attestation, then re-evaluates
// the release condition. Invalid signatures are never recorded; a repeat
// submission by the same signer does not inflate the count.
func (e *Engine) SubmitSignature(ctx context.Context, id, signerID string, sig, publicKey, signedData []byte) (*Contract, error) {
	if signerID == "" {
		return nil, fmt.Errorf("signer is required")
	}
	contract, err := e.contracts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if contract.Status != StatusActive {
		return nil, ErrInvalidState
	}

	// The signed payload must be the contract-derived canonical data;
	// accepting caller bytes here would allow payload substitution.
	if !bytes.Equal(signedData, ReleasePayload(contract)) {
		e.signatureMetric("payload_mismatch")
		return nil, ErrInvalidSignature
	}
	if !e.verifier.Verify(signedData, sig, publicKey) {
		e.signatureMetric("invalid")
		return nil, ErrInvalidSignature
	}

	recorded, err := e.signatures.Add(ctx, Signature{
		EscrowID:   id,
		SignerID:   signerID,
		Signature:  sig,
		PublicKey:  publicKey,
		SignedData: signedData,
		CreatedAt:  e.nowFn(),
	})
	if err != nil {
		return nil, fmt.Errorf("record signature: %w", err)
	}
	if recorded {
		e.signatureMetric("recorded")
		e.record(ctx, id, audit.TypeSignatureRecorded, signerID, nil)
	} else {
		e.signatureMetric("duplicate")
	}

	if err := e.EvaluateReleaseConditions(ctx, id); err != nil && !errors.Is(err, ErrConditionNotMet) {
		return nil, err
	}
	return e.contracts.Get(ctx, id)
}

// RecordOracleEvent stores the oracle's latest report and, when it verifies,
// re-evaluates every active contract waiting on that event.
func (e *Engine) RecordOracleEvent(ctx context.Context, eventType, externalID string, status OracleStatus) error {
	switch status {
	case OraclePending, OracleVerified, OracleRejected:
	default:
		return fmt.Errorf("unsupported oracle status: %q", status)
	}
	if eventType == "" || externalID == "" {
		return fmt.Errorf("eventType and externalId are required")
	}

	if err := e.oracle.Upsert(ctx, OracleEvent{
		EventType:  eventType,
		ExternalID: externalID,
		Status:     status,
		UpdatedAt:  e.nowFn(),
	}); err != nil {
		return fmt.Errorf("store oracle event: %w", err)
	}
	if e.metrics != nil {
		e.metrics.OracleReport(string(status))
	}

	if status != OracleVerified {
		return nil
	}

	waiting, err := e.contracts.ListActiveByOracle(ctx, eventType, externalID)
	if err != nil {
		return err
	}
	for _, c := range waiting {
		e.record(ctx, c.ID, audit.TypeOracleReported, "oracle", map[string]string{
			"eventType":  eventType,
			"externalId": externalID,
		})
		if err := e.EvaluateReleaseConditions(ctx, c.ID); err != nil && !errors.Is(err, ErrConditionNotMet) {
			log.Printf("evaluate %s after oracle %s/%s: %v", c.ID, eventType, externalID, err)
		}
	}
	return nil
}

// EvaluateReleaseConditions checks the contract's condition against current
// evidence and releases when satisfied. Safe to call redundantly: anything
// other than an active contract is a no-op, and ReleaseFunds tolerates a
// concurrent winner.
func (e *Engine) EvaluateReleaseConditions(ctx context.Context, id string) error {
	contract, err := e.contracts.Get(ctx, id)
	if err != nil {
		return err
	}
	if contract.Status != StatusActive {
		return nil
	}

	ev := Evidence{}
	switch contract.ReleaseConditions.Kind {
	case ConditionMultiSig:
		count, err := e.signatures.CountDistinctSigners(ctx, id)
		if err != nil {
			return err
		}
		ev.DistinctSigners = count
	case ConditionOracle:
		event, err := e.oracle.Get(ctx, contract.ReleaseConditions.EventType, contract.ReleaseConditions.ExternalID)
		if err != nil {
			return err
		}
		ev.OracleEvent = event
	}

	if !e.evaluator.Satisfied(contract.ReleaseConditions, ev) {
		return ErrConditionNotMet
	}

	err = e.ReleaseFunds(ctx, id, string(contract.ReleaseConditions.Kind))
	if errors.Is(err, ErrInvalidState) {
		// A concurrent evaluation already released; redundant calls
		// must stay silent.
		return nil
	}
	return err
}

// ReleaseFunds moves active -> released and credits the locked amount to the
// payee. The status CAS runs first and is the single winner selection: a
// concurrent caller loses the CAS with ErrInvalidState and touches no
// balance.
func (e *Engine) ReleaseFunds(ctx context.Context, id, triggerSource string) error {
	contract, err := e.contracts.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := e.contracts.TransitionStatus(ctx, id, StatusActive, StatusReleased); err != nil {
		return err
	}

	lock, err := e.balances.FindActiveLock(ctx, LockPurpose, id)
	if err != nil {
		return fmt.Errorf("find lock: %w", err)
	}
	if lock == nil {
		return fmt.Errorf("released contract %s has no active lock", id)
	}
	if err := e.balances.ReleaseLock(ctx, lock.ID, contract.PayeeID); err != nil {
		return fmt.Errorf("release lock %s: %w", lock.ID, err)
	}

	e.record(ctx, id, audit.TypeReleased, triggerSource, map[string]string{
		"lockId": lock.ID,
		"payee":  contract.PayeeID,
	})
	e.transitionMetric("released")
	return nil
}

// RefundPayer moves active -> refunded and returns the locked amount to the
// payer's account. The payer or the creator may trigger it; scheduling
// (expiry, dispute outcomes) belongs to the calling policy layer.
func (e *Engine) RefundPayer(ctx context.Context, id, callerID string) error {
	contract, err := e.contracts.Get(ctx, id)
	if err != nil {
		return err
	}
	if callerID != contract.PayerID && callerID != contract.CreatorID {
		return ErrUnauthorized
	}

	if err := e.contracts.TransitionStatus(ctx, id, StatusActive, StatusRefunded); err != nil {
		return err
	}

	lock, err := e.balances.FindActiveLock(ctx, LockPurpose, id)
	if err != nil {
		return fmt.Errorf("find lock: %w", err)
	}
	if lock == nil {
		return fmt.Errorf("refunded contract %s has no active lock", id)
	}
	if err := e.balances.Unlock(ctx, lock.ID); err != nil {
		return fmt.Errorf("unlock %s: %w", lock.ID, err)
	}

	e.record(ctx, id, audit.TypeRefunded, callerID, map[string]string{"lockId": lock.ID})
	e.transitionMetric("refunded")
	return nil
}

// record writes an audit event. Audit failures must not fail the money
// movement they describe; they are logged instead.
func (e *Engine) record(ctx context.Context, escrowID, eventType, actor string, detail map[string]string) {
	if err := e.auditLog.Record(ctx, audit.NewEvent(escrowID, eventType, actor, detail)); err != nil {
		log.Printf("audit %s for %s: %v", eventType, escrowID, err)
	}
}

func (e *Engine) transitionMetric(op string) {
	if e.metrics != nil {
		e.metrics.ContractTransition(op)
	}
}

func (e *Engine) signatureMetric(result string) {
	if e.metrics != nil {
		e.metrics.SignatureSubmission(result)
	}
}
