package decision

// Outcome is the verdict of a gate or of the whole pipeline.
type Outcome string

const (
	// OutcomeAllow permits the request to proceed to the next gate.
	OutcomeAllow Outcome = "allow"
	// OutcomeRequireApproval suspends the request pending human approval.
	OutcomeRequireApproval Outcome = "require_approval"
	// OutcomeBlock rejects the request.
	OutcomeBlock Outcome = "block"
)

// RiskClass grades the severity behind a decision.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// Decision is the outcome of one gate evaluation. The pipeline returns the
// first non-allow decision unchanged.
type Decision struct {
	// Outcome is the verdict.
	Outcome Outcome `json:"decision"`
	// RiskClass grades the matched signals.
	RiskClass RiskClass `json:"risk_class"`
	// MatchedSignals lists what motivated the decision, in match order.
	MatchedSignals []string `json:"matched_signals,omitempty"`
	// Reason is a human-readable explanation.
	Reason string `json:"reason,omitempty"`
	// Gate names the gate that produced this decision.
	Gate string `json:"gate,omitempty"`
	// ApprovalID references the pending approval record when the outcome
	// is require_approval.
	ApprovalID string `json:"approval_id,omitempty"`
}

// Allowed builds the pass-through decision for a gate.
func Allowed(gate string) Decision {
	return Decision{Outcome: OutcomeAllow, RiskClass: RiskLow, Gate: gate}
}

// Blocked builds a block decision with the given risk class and reason.
func Blocked(gate string, risk RiskClass, reason string, signals ...string) Decision {
	return Decision{
		Outcome:        OutcomeBlock,
		RiskClass:      risk,
		MatchedSignals: signals,
		Reason:         reason,
		Gate:           gate,
	}
}
