package escrow

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Assessor scores a draft before it is stored. Drafting never blocks on it:
// a failure degrades to an empty assessment.
type Assessor interface {
	Assess(ctx context.Context, terms DraftTerms) (RiskMetadata, error)
}

// StaticAssessor bands the score by amount. It stands in for an external
// risk service in deployments that have none.
type StaticAssessor struct {
	// HighValueThreshold marks amounts at or above it as elevated risk.
	HighValueThreshold decimal.Decimal
}

func NewStaticAssessor() StaticAssessor {
	return StaticAssessor{HighValueThreshold: decimal.NewFromInt(10_000)}
}

func (a StaticAssessor) Assess(_ context.Context, terms DraftTerms) (RiskMetadata, error) {
	meta := RiskMetadata{Score: 10, Level: "low"}
	if terms.Amount.GreaterThanOrEqual(a.HighValueThreshold) {
		meta.Score = 60
		meta.Level = "elevated"
		meta.Insights = append(meta.Insights,
			fmt.Sprintf("amount %s %s exceeds the high-value threshold", terms.Amount, terms.Currency))
	}
	if terms.ReleaseConditions.Kind == ConditionMultiSig && terms.ReleaseConditions.RequiredSignatures == 1 {
		meta.Insights = append(meta.Insights, "single-signature release offers no co-signer control")
	}
	return meta, nil
}
