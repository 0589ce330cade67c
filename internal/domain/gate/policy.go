package gate

import (
	"fmt"
	"strings"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
)

// EvaluatePolicy inspects a lowercased rendering of the request body plus
// the path and tool names and emits the matched signals. Tie-break: any
// critical pattern blocks at critical risk; any high-risk tool, pattern,
// or path signal requires approval at high risk; otherwise the request is
// allowed at low risk. Informational signals such as the modality are
// carried on the decision without raising the risk class.
//
// Pattern matching is plain substring search over the lowercased JSON
// text. False positives on legitimate documentation are possible; the
// matched text is embedded in the signal so callers can audit the hit.
func EvaluatePolicy(rules catalog.PolicyRules, req *decision.Request) decision.Decision {
	body := req.LoweredBody()
	var signals []string
	critical := false
	highRisk := false

	for _, p := range rules.CriticalPatterns {
		if strings.Contains(body, p) {
			signals = append(signals, "critical-pattern:"+p)
			critical = true
		}
	}
	for _, tool := range req.Tools {
		if catalog.ContainsRule(rules.HighRiskTools, strings.ToLower(tool)) {
			signals = append(signals, "high-risk-tool:"+strings.ToLower(tool))
			highRisk = true
		}
	}
	for _, p := range rules.HighRiskPatterns {
		if strings.Contains(body, p) {
			signals = append(signals, "high-risk-pattern:"+p)
			highRisk = true
		}
	}

	path := strings.ToLower(req.Path)
	method := strings.ToUpper(req.Method)
	if (strings.Contains(path, "admin") || strings.Contains(path, "system")) && method != "GET" {
		signals = append(signals, "high-risk-path:admin-system")
		highRisk = true
	}

	if m := strings.ToLower(req.Modality); m != "" && m != "text" {
		signals = append(signals, "modality:"+m)
	}

	switch {
	case critical:
		return decision.Decision{
			Outcome:        decision.OutcomeBlock,
			RiskClass:      decision.RiskCritical,
			MatchedSignals: signals,
			Reason:         fmt.Sprintf("critical policy signals matched: %s", strings.Join(signals, ", ")),
			Gate:           GatePolicy,
		}
	case highRisk:
		return decision.Decision{
			Outcome:        decision.OutcomeRequireApproval,
			RiskClass:      decision.RiskHigh,
			MatchedSignals: signals,
			Reason:         fmt.Sprintf("high-risk policy signals matched: %s", strings.Join(signals, ", ")),
			Gate:           GatePolicy,
		}
	default:
		d := decision.Allowed(GatePolicy)
		d.MatchedSignals = signals
		return d
	}
}
