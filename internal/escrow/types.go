package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a contract. Transitions are monotonic:
// draft -> active -> released | refunded, nothing else.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// ConditionKind discriminates the release condition variant.
type ConditionKind string

const (
	ConditionMultiSig ConditionKind = "multisig"
	ConditionOracle   ConditionKind = "oracle"
)

// ReleaseCondition is a closed tagged variant: either a multi-signature
// threshold or an oracle event reference. Exactly the fields for the active
// kind are set.
type ReleaseCondition struct {
	Kind               ConditionKind `json:"kind"`
	RequiredSignatures uint32        `json:"requiredSignatures,omitempty"`
	EventType          string        `json:"eventType,omitempty"`
	ExternalID         string        `json:"externalId,omitempty"`
}

// Validate checks the condition is one of the supported kinds with its
// required fields present.
func (c ReleaseCondition) Validate() error {
	switch c.Kind {
	case ConditionMultiSig:
		if c.RequiredSignatures < 1 {
			return fmt.Errorf("multisig condition requires at least one signature")
		}
		return nil
	case ConditionOracle:
		if strings.TrimSpace(c.EventType) == "" || strings.TrimSpace(c.ExternalID) == "" {
			return fmt.Errorf("oracle condition requires eventType and externalId")
		}
		return nil
	default:
		return fmt.Errorf("unsupported release condition kind: %q", c.Kind)
	}
}

// RiskMetadata is the risk collaborator's output captured at draft time.
// Degraded marks drafts where the assessment failed and was skipped.
type RiskMetadata struct {
	Score    float64  `json:"score"`
	Level    string   `json:"level"`
	Insights []string `json:"insights,omitempty"`
	Degraded bool     `json:"degraded,omitempty"`
}

// Contract is one escrow agreement.
type Contract struct {
	ID                string           `json:"id"`
	PayerID           string           `json:"payerId"`
	PayeeID           string           `json:"payeeId"`
	CreatorID         string           `json:"creatorId"`
	AccountID         string           `json:"accountId"`
	Amount            decimal.Decimal  `json:"amount"`
	Currency          string           `json:"currency"`
	EscrowType        string           `json:"escrowType"`
	ReleaseConditions ReleaseCondition `json:"releaseConditions"`
	Status            Status           `json:"status"`
	Risk              RiskMetadata     `json:"riskMetadata"`
	Metadata          string           `json:"metadata,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// Clone returns a copy callers can mutate without touching stored state.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Risk.Insights != nil {
		cp.Risk.Insights = append([]string(nil), c.Risk.Insights...)
	}
	return &cp
}

// Signature is one attestation toward a multi-signature release. At most one
// counted signature exists per (escrow, signer).
type Signature struct {
	EscrowID   string    `json:"escrowId"`
	SignerID   string    `json:"signerId"`
	Signature  []byte    `json:"signature"`
	PublicKey  []byte    `json:"publicKey"`
	SignedData []byte    `json:"signedData"`
	CreatedAt  time.Time `json:"createdAt"`
}

// OracleStatus is the current state of an externally asserted fact.
type OracleStatus string

const (
	OraclePending  OracleStatus = "pending"
	OracleVerified OracleStatus = "verified"
	OracleRejected OracleStatus = "rejected"
)

// OracleEvent holds the latest report for (eventType, externalId). Only a
// verified event counts as evidence; the evaluator checks current state,
// not history.
type OracleEvent struct {
	EventType  string       `json:"eventType"`
	ExternalID string       `json:"externalId"`
	Status     OracleStatus `json:"status"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// NormalizeCurrency canonicalizes an ISO currency code.
func NormalizeCurrency(code string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(code))
	if len(trimmed) != 3 {
		return "", fmt.Errorf("invalid currency code: %q", code)
	}
	for _, r := range trimmed {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("invalid currency code: %q", code)
		}
	}
	return trimmed, nil
}
