package escrow

// Evidence is the accumulated proof gathered for one contract at evaluation
// time: how many distinct signers have valid recorded signatures, and the
// latest matching oracle report, if any.
type Evidence struct {
	DistinctSigners uint32
	OracleEvent     *OracleEvent
}

// Evaluator decides whether a release condition is satisfied by the current
// evidence. It is a pure function of its inputs.
type Evaluator interface {
	Satisfied(cond ReleaseCondition, ev Evidence) bool
}

// ConditionEvaluator implements the two supported condition kinds.
type ConditionEvaluator struct{}

func NewEvaluator() ConditionEvaluator { return ConditionEvaluator{} }

func (ConditionEvaluator) Satisfied(cond ReleaseCondition, ev Evidence) bool {
	switch cond.Kind {
	case ConditionMultiSig:
		return ev.DistinctSigners >= cond.RequiredSignatures
	case ConditionOracle:
		if ev.OracleEvent == nil {
			return false
		}
		return ev.OracleEvent.EventType == cond.EventType &&
			ev.OracleEvent.ExternalID == cond.ExternalID &&
			ev.OracleEvent.Status == OracleVerified
	default:
		return false
	}
}
