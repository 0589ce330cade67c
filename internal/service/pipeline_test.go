package service

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/audit"
	"github.com/clawee-dev/clawee/internal/domain/budget"
	"github.com/clawee-dev/clawee/internal/domain/decision"
	"github.com/clawee-dev/clawee/internal/domain/gate"
	"github.com/clawee-dev/clawee/internal/domain/invariant"
)

func TestPipeline_CriticalPatternBlocks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, budget.Caps{HourlyUSD: 100, DailyUSD: 1000})
	ctx := context.Background()

	d, err := env.pipeline.Evaluate(ctx, messageRequest(`{"sql":"DROP TABLE users"}`))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != decision.OutcomeBlock {
		t.Fatalf("outcome = %q, want block", d.Outcome)
	}
	if d.RiskClass != decision.RiskCritical {
		t.Errorf("risk class = %q, want critical", d.RiskClass)
	}
	if d.Gate != gate.GatePolicy {
		t.Errorf("gate = %q, want policy", d.Gate)
	}
	if len(d.MatchedSignals) == 0 || d.MatchedSignals[0] != "critical-pattern:drop table" {
		t.Errorf("signals = %v, want critical-pattern:drop table first", d.MatchedSignals)
	}

	st := invariantState(t, env.invariants, invariant.PolicyGate)
	if st.LastStatus != invariant.StatusFail || st.Failures != 1 {
		t.Errorf("policy invariant = %+v, want one failure", st)
	}
}

func TestPipeline_ApprovalQuorumRoundTrip(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, budget.Caps{HourlyUSD: 100, DailyUSD: 1000})
	ctx := context.Background()
	body := `{"text":"deploy to production"}`

	d, err := env.pipeline.Evaluate(ctx, messageRequest(body))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != decision.OutcomeRequireApproval {
		t.Fatalf("outcome = %q, want require_approval", d.Outcome)
	}
	if d.Gate != gate.GateApproval {
		t.Errorf("gate = %q, want approval", d.Gate)
	}
	if d.ApprovalID == "" {
		t.Fatal("suspension carries no approval id")
	}
	id := d.ApprovalID

	// One vote is below the quorum of two; an equivalent request stays
	// suspended on the same record.
	rec, err := env.approvals.Approve(ctx, id, "alice", "security")
	if err != nil {
		t.Fatalf("Approve(alice): %v", err)
	}
	if rec.Status != "pending" {
		t.Fatalf("status after one vote = %q, want pending", rec.Status)
	}
	d, err = env.pipeline.Evaluate(ctx, messageRequest(body))
	if err != nil {
		t.Fatalf("Evaluate after one vote: %v", err)
	}
	if d.Outcome != decision.OutcomeRequireApproval || d.ApprovalID != id {
		t.Fatalf("after one vote = (%q, %s), want suspension on %s", d.Outcome, d.ApprovalID, id)
	}

	rec, err = env.approvals.Approve(ctx, id, "bob", "platform")
	if err != nil {
		t.Fatalf("Approve(bob): %v", err)
	}
	if rec.Status != "approved" {
		t.Fatalf("status after quorum = %q, want approved", rec.Status)
	}

	d, err = env.pipeline.Evaluate(ctx, messageRequest(body))
	if err != nil {
		t.Fatalf("Evaluate after quorum: %v", err)
	}
	if d.Outcome != decision.OutcomeAllow {
		t.Fatalf("outcome after quorum = %q (%s), want allow", d.Outcome, d.Reason)
	}
	if d.ApprovalID != id {
		t.Errorf("consumed approval id = %s, want %s", d.ApprovalID, id)
	}
	if want := "approved via " + id; d.Reason != want {
		t.Errorf("reason = %q, want %q", d.Reason, want)
	}

	// max_uses is one, so the next equivalent request suspends on a fresh
	// record.
	d, err = env.pipeline.Evaluate(ctx, messageRequest(body))
	if err != nil {
		t.Fatalf("Evaluate after consumption: %v", err)
	}
	if d.Outcome != decision.OutcomeRequireApproval {
		t.Fatalf("outcome after consumption = %q, want require_approval", d.Outcome)
	}
	if d.ApprovalID == "" || d.ApprovalID == id {
		t.Errorf("exhausted approval reused: id = %s", d.ApprovalID)
	}
}

func TestPipeline_DeniedApprovalStaysSuspended(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, budget.Caps{HourlyUSD: 100, DailyUSD: 1000})
	ctx := context.Background()
	body := `{"text":"rotate production credentials"}`

	d, err := env.pipeline.Evaluate(ctx, messageRequest(body))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	rec, err := env.approvals.Deny(ctx, d.ApprovalID, "carol", "too risky")
	if err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if rec.Status != "denied" || rec.Reason != "too risky" {
		t.Fatalf("denied record = %+v", rec)
	}

	// A denied record is terminal; voting on it fails and the next
	// request opens a new pending record.
	if _, err := env.approvals.Approve(ctx, d.ApprovalID, "alice", "security"); err == nil {
		t.Error("vote on denied record succeeded")
	}
	next, err := env.pipeline.Evaluate(ctx, messageRequest(body))
	if err != nil {
		t.Fatalf("Evaluate after deny: %v", err)
	}
	if next.Outcome != decision.OutcomeRequireApproval || next.ApprovalID == d.ApprovalID {
		t.Errorf("after deny = (%q, %s), want fresh suspension", next.Outcome, next.ApprovalID)
	}
}

func TestPipeline_EgressShortCircuitLeavesDownstreamUnknown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, budget.Caps{HourlyUSD: 100, DailyUSD: 1000})
	ctx := context.Background()

	egress := gate.NewEgressGate(gate.EgressPolicyRestricted, nil, testLogger(),
		gate.WithLookupFunc(func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
		}))
	pipeline := NewPipeline(egress, env.catalogs, env.approvals, env.budgets, env.invariants, nil, testLogger())

	req := messageRequest(`{"text":"hello"}`)
	req.Target = "https://attacker.example.com/exfil"
	d, err := pipeline.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != decision.OutcomeBlock || d.Gate != gate.GateEgress {
		t.Fatalf("decision = (%q, %q), want egress block", d.Outcome, d.Gate)
	}

	if st := invariantState(t, env.invariants, invariant.EgressGate); st.LastStatus != invariant.StatusFail {
		t.Errorf("egress invariant = %+v, want fail", st)
	}
	for _, id := range []string{invariant.CapabilityGate, invariant.PolicyGate, invariant.BudgetCap} {
		if st := invariantState(t, env.invariants, id); st.LastStatus != invariant.StatusUnknown {
			t.Errorf("%s = %q after short-circuit, want unknown", id, st.LastStatus)
		}
	}
}

func TestPipeline_UnregisteredModalityBlocksAtModelGate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, budget.Caps{HourlyUSD: 100, DailyUSD: 1000})
	ctx := context.Background()

	req := messageRequest(`{"text":"hello"}`)
	req.Modality = "vision"
	d, err := env.pipeline.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != decision.OutcomeBlock || d.Gate != gate.GateModel {
		t.Fatalf("decision = (%q, %q), want model_registry block", d.Outcome, d.Gate)
	}
	if st := invariantState(t, env.invariants, invariant.ModelGate); st.LastStatus != invariant.StatusFail {
		t.Errorf("model invariant = %+v, want fail", st)
	}
}

func TestPipeline_BenignRequestAllows(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, budget.Caps{HourlyUSD: 100, DailyUSD: 1000})
	ctx := context.Background()

	d, err := env.pipeline.Evaluate(ctx, messageRequest(`{"text":"weekly report attached"}`))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != decision.OutcomeAllow {
		t.Fatalf("outcome = %q (%s), want allow", d.Outcome, d.Reason)
	}
	if d.Gate != gate.GateBudget {
		t.Errorf("final gate = %q, want budget", d.Gate)
	}
	for _, id := range []string{invariant.EgressGate, invariant.CapabilityGate, invariant.ModelGate, invariant.PolicyGate, invariant.BudgetCap} {
		if st := invariantState(t, env.invariants, id); st.LastStatus != invariant.StatusPass {
			t.Errorf("%s = %q, want pass", id, st.LastStatus)
		}
	}
	// The capability and destination gates both report against the
	// capability invariant, so a full pass counts twice.
	if st := invariantState(t, env.invariants, invariant.CapabilityGate); st.Passes != 2 {
		t.Errorf("capability invariant passes = %d, want 2", st.Passes)
	}
}

func TestPipeline_SuspendedBudgetDenialIsAudited(t *testing.T) {
	env := newTestEnv(t, budget.Caps{HourlyUSD: 1.00, DailyUSD: 10.00})
	ctx := context.Background()

	store := &captureAuditStore{}
	rec := NewAuditRecorder(store, nil, testLogger())
	rec.Start(ctx)

	egress := gate.NewEgressGate(gate.EgressPolicyAllow, nil, testLogger())
	pipeline := NewPipeline(egress, env.catalogs, env.approvals, env.budgets, env.invariants, rec, testLogger())

	won, err := env.budgetStore.Suspend(ctx, "hourly budget cap exceeded: 1.04 > 1.00", time.Now().UTC())
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if !won {
		t.Fatal("suspend lost on a fresh store")
	}

	_, err = pipeline.Evaluate(ctx, messageRequest(`{"text":"hello"}`))
	var ge *decision.GateError
	if !errors.As(err, &ge) || ge.Kind != decision.KindBudgetSuspended {
		t.Fatalf("err = %v, want budget_suspended gate error", err)
	}
	rec.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(store.records))
	}
	got := store.records[0]
	if got.EventType != audit.EventTypeGateDecision {
		t.Errorf("event type = %q, want %q", got.EventType, audit.EventTypeGateDecision)
	}
	if got.Decision != string(decision.KindBudgetSuspended) {
		t.Errorf("decision = %q, want %q", got.Decision, decision.KindBudgetSuspended)
	}
	if got.RequestPath != "/v1/messages" {
		t.Errorf("request path = %q, want /v1/messages", got.RequestPath)
	}
}
