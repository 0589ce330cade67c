package gate

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
)

func testPolicyRules() catalog.PolicyRules {
	return catalog.PolicyRules{
		HighRiskTools:    []string{"fs_delete", "shell_exec"},
		CriticalPatterns: []string{"drop table", "rm -rf /"},
		HighRiskPatterns: []string{"production", "secret"},
	}
}

func TestEvaluatePolicy_CriticalPatternBlocks(t *testing.T) {
	t.Parallel()

	req := &decision.Request{
		Method: "POST",
		Path:   "/v1/query",
		Body:   json.RawMessage(`{"sql": "DROP TABLE users"}`),
	}
	d := EvaluatePolicy(testPolicyRules(), req)

	if d.Outcome != decision.OutcomeBlock {
		t.Fatalf("outcome = %q, want block", d.Outcome)
	}
	if d.RiskClass != decision.RiskCritical {
		t.Errorf("risk = %q, want critical", d.RiskClass)
	}
	if !slices.Contains(d.MatchedSignals, "critical-pattern:drop table") {
		t.Errorf("signals %v missing critical-pattern:drop table", d.MatchedSignals)
	}
}

func TestEvaluatePolicy_HighRiskRequiresApproval(t *testing.T) {
	t.Parallel()

	req := &decision.Request{
		Method: "POST",
		Path:   "/v1/deploy",
		Body:   json.RawMessage(`{"env": "production"}`),
	}
	d := EvaluatePolicy(testPolicyRules(), req)

	if d.Outcome != decision.OutcomeRequireApproval {
		t.Fatalf("outcome = %q, want require_approval", d.Outcome)
	}
	if d.RiskClass != decision.RiskHigh {
		t.Errorf("risk = %q, want high", d.RiskClass)
	}
	if !slices.Contains(d.MatchedSignals, "high-risk-pattern:production") {
		t.Errorf("signals %v missing high-risk-pattern:production", d.MatchedSignals)
	}
}

func TestEvaluatePolicy_CriticalWinsOverHighRisk(t *testing.T) {
	t.Parallel()

	req := &decision.Request{
		Method: "POST",
		Path:   "/v1/query",
		Tools:  []string{"shell_exec"},
		Body:   json.RawMessage(`{"sql": "drop table production_users"}`),
	}
	d := EvaluatePolicy(testPolicyRules(), req)

	if d.Outcome != decision.OutcomeBlock {
		t.Fatalf("outcome = %q, want block when critical and high-risk both match", d.Outcome)
	}
	if len(d.MatchedSignals) < 3 {
		t.Errorf("expected critical + tool + pattern signals, got %v", d.MatchedSignals)
	}
}

func TestEvaluatePolicy_AdminPathSignal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		method string
		path   string
		want   bool
	}{
		{"post to admin", "POST", "/admin/users", true},
		{"delete to system", "DELETE", "/api/system/reset", true},
		{"get to admin exempt", "GET", "/admin/users", false},
		{"post elsewhere", "POST", "/v1/chat", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := &decision.Request{Method: tc.method, Path: tc.path, Body: json.RawMessage(`{}`)}
			d := EvaluatePolicy(testPolicyRules(), req)
			got := slices.Contains(d.MatchedSignals, "high-risk-path:admin-system")
			if got != tc.want {
				t.Errorf("admin-system signal = %v, want %v (signals %v)", got, tc.want, d.MatchedSignals)
			}
		})
	}
}

func TestEvaluatePolicy_ModalitySignalIsInformational(t *testing.T) {
	t.Parallel()

	req := &decision.Request{
		Method:   "POST",
		Path:     "/v1/describe",
		Modality: "vision",
		Body:     json.RawMessage(`{}`),
	}
	d := EvaluatePolicy(testPolicyRules(), req)

	if d.Outcome != decision.OutcomeAllow {
		t.Fatalf("clean non-text request: outcome = %q, want allow", d.Outcome)
	}
	if d.RiskClass != decision.RiskLow {
		t.Errorf("risk = %q, want low", d.RiskClass)
	}
	if !slices.Contains(d.MatchedSignals, "modality:vision") {
		t.Errorf("signals %v missing modality:vision", d.MatchedSignals)
	}
}

func TestEvaluatePolicy_ModalityCarriedIntoEscalation(t *testing.T) {
	t.Parallel()

	req := &decision.Request{
		Method:   "POST",
		Path:     "/v1/describe",
		Modality: "audio",
		Body:     json.RawMessage(`{"target": "production"}`),
	}
	d := EvaluatePolicy(testPolicyRules(), req)

	if d.Outcome != decision.OutcomeRequireApproval {
		t.Fatalf("outcome = %q, want require_approval", d.Outcome)
	}
	for _, want := range []string{"high-risk-pattern:production", "modality:audio"} {
		if !slices.Contains(d.MatchedSignals, want) {
			t.Errorf("signals %v missing %s", d.MatchedSignals, want)
		}
	}
}

func TestEvaluatePolicy_CleanRequestAllows(t *testing.T) {
	t.Parallel()

	req := &decision.Request{
		Method: "GET",
		Path:   "/v1/models",
		Body:   json.RawMessage(`{"query": "weather"}`),
	}
	d := EvaluatePolicy(testPolicyRules(), req)

	if d.Outcome != decision.OutcomeAllow {
		t.Fatalf("outcome = %q, want allow (signals %v)", d.Outcome, d.MatchedSignals)
	}
	if d.RiskClass != decision.RiskLow {
		t.Errorf("risk = %q, want low", d.RiskClass)
	}
}
