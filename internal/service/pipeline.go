// Package service composes the domain into the running core: the gate
// pipeline, the approval and budget controllers, catalog reload, replay
// guarding, attestation export, and the async audit recorder.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/clawee-dev/clawee/internal/domain/audit"
	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
	"github.com/clawee-dev/clawee/internal/domain/gate"
	"github.com/clawee-dev/clawee/internal/domain/invariant"
	"github.com/clawee-dev/clawee/internal/port/inbound"
)

// Pipeline runs the fixed gate order and returns the first non-allow
// decision. Each gate gets its own trace span; the invariant registry is
// updated only for gates that actually ran, so a short-circuited request
// leaves downstream counters untouched.
type Pipeline struct {
	egress     *gate.EgressGate
	catalogs   *catalog.Store
	approvals  *ApprovalService
	budgets    *BudgetService
	invariants *invariant.Registry
	recorder   *AuditRecorder
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
}

var _ inbound.Pipeline = (*Pipeline)(nil)

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithTracer sets the tracer; the default is a noop tracer.
func WithTracer(tracer trace.Tracer) PipelineOption {
	return func(p *Pipeline) { p.tracer = tracer }
}

// WithPipelineClock overrides the clock.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires the gate sequence.
func NewPipeline(egress *gate.EgressGate, catalogs *catalog.Store, approvals *ApprovalService, budgets *BudgetService, invariants *invariant.Registry, recorder *AuditRecorder, logger *slog.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		egress:     egress,
		catalogs:   catalogs,
		approvals:  approvals,
		budgets:    budgets,
		invariants: invariants,
		recorder:   recorder,
		tracer:     noop.NewTracerProvider().Tracer("clawee/pipeline"),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Evaluate runs the gates in order: egress, capability, destination,
// model registry, policy, approval, projected budget. Evaluation completes
// even when ctx is cancelled mid-gate; the decision is recorded either
// way.
func (p *Pipeline) Evaluate(ctx context.Context, req *decision.Request) (decision.Decision, error) {
	snap := p.catalogs.Current()
	now := p.now().UTC()

	d := p.spanned(ctx, gate.GateEgress, func(ctx context.Context) decision.Decision {
		return p.egress.Check(ctx, req.Target)
	})
	p.invariants.Check(invariant.EgressGate, d.Outcome == decision.OutcomeAllow, d.Reason, req.Target)
	if d.Outcome != decision.OutcomeAllow {
		return p.finish(ctx, req, d), nil
	}

	d = p.spanned(ctx, gate.GateCapability, func(context.Context) decision.Decision {
		return gate.EvaluateCapability(snap.Capabilities.Rules, req)
	})
	p.invariants.Check(invariant.CapabilityGate, d.Outcome == decision.OutcomeAllow, d.Reason, req.Channel)
	if d.Outcome != decision.OutcomeAllow {
		return p.finish(ctx, req, d), nil
	}

	// Destination policy rides the capability invariant; it is the same
	// concern scoped to where a message may land.
	d = p.spanned(ctx, gate.GateDestination, func(context.Context) decision.Decision {
		return gate.EvaluateDestination(snap.Destinations.Rules, req.Channel, req.Destination)
	})
	p.invariants.Check(invariant.CapabilityGate, d.Outcome == decision.OutcomeAllow, d.Reason, req.Destination)
	if d.Outcome != decision.OutcomeAllow {
		return p.finish(ctx, req, d), nil
	}

	d = p.spanned(ctx, gate.GateModel, func(context.Context) decision.Decision {
		return gate.EvaluateModel(snap.Models.Rules, req.Model, req.Modality, now)
	})
	p.invariants.Check(invariant.ModelGate, d.Outcome == decision.OutcomeAllow, d.Reason, req.Model)
	if d.Outcome != decision.OutcomeAllow {
		return p.finish(ctx, req, d), nil
	}

	d = p.spanned(ctx, gate.GatePolicy, func(context.Context) decision.Decision {
		return gate.EvaluatePolicy(snap.Policy.Rules, req)
	})
	p.invariants.Check(invariant.PolicyGate, d.Outcome != decision.OutcomeBlock, d.Reason,
		strings.Join(d.MatchedSignals, ","))
	if d.Outcome == decision.OutcomeBlock {
		return p.finish(ctx, req, d), nil
	}

	if d.Outcome == decision.OutcomeRequireApproval {
		var err error
		d, err = p.spannedErr(ctx, gate.GateApproval, func(ctx context.Context) (decision.Decision, error) {
			return p.approvals.Gate(ctx, req, d)
		})
		if err != nil {
			return decision.Decision{}, p.finishErr(ctx, req, err)
		}
		if d.Outcome != decision.OutcomeAllow {
			return p.finish(ctx, req, d), nil
		}
	}

	d, err := p.spannedErr(ctx, gate.GateBudget, func(ctx context.Context) (decision.Decision, error) {
		return p.budgets.CheckProjected(ctx, req)
	})
	if err != nil {
		return decision.Decision{}, p.finishErr(ctx, req, err)
	}

	return p.finish(ctx, req, d), nil
}

// RecordActual forwards observed cost to the budget controller.
func (p *Pipeline) RecordActual(ctx context.Context, req *decision.Request, inputTokens, outputTokens int64) error {
	return p.budgets.RecordActual(ctx, req, inputTokens, outputTokens)
}

// spanned runs one gate inside its own span and annotates the outcome.
func (p *Pipeline) spanned(ctx context.Context, name string, eval func(ctx context.Context) decision.Decision) decision.Decision {
	ctx, span := p.tracer.Start(ctx, "gate."+name)
	defer span.End()
	d := eval(ctx)
	span.SetAttributes(
		attribute.String("gate", name),
		attribute.String("decision", string(d.Outcome)),
		attribute.String("risk_class", string(d.RiskClass)),
	)
	return d
}

func (p *Pipeline) spannedErr(ctx context.Context, name string, eval func(ctx context.Context) (decision.Decision, error)) (decision.Decision, error) {
	ctx, span := p.tracer.Start(ctx, "gate."+name)
	defer span.End()
	d, err := eval(ctx)
	if err != nil {
		span.SetAttributes(
			attribute.String("gate", name),
			attribute.String("error_kind", string(decision.KindOf(err))),
		)
		return d, err
	}
	span.SetAttributes(
		attribute.String("gate", name),
		attribute.String("decision", string(d.Outcome)),
		attribute.String("risk_class", string(d.RiskClass)),
	)
	return d, err
}

// finish records the final decision in the audit trail and logs it.
func (p *Pipeline) finish(ctx context.Context, req *decision.Request, d decision.Decision) decision.Decision {
	if p.recorder != nil {
		var meta json.RawMessage
		if d.ApprovalID != "" {
			meta, _ = json.Marshal(map[string]any{"approval_id": d.ApprovalID})
		}
		p.recorder.Record(audit.Record{
			ID:          uuid.NewString(),
			RecordedAt:  p.now().UTC(),
			EventType:   audit.EventTypeGateDecision,
			Decision:    string(d.Outcome),
			RiskClass:   string(d.RiskClass),
			Signals:     d.MatchedSignals,
			RequestPath: req.Path,
			Metadata:    meta,
		})
	}
	p.logger.InfoContext(ctx, "gate decision",
		"request_id", req.ID,
		"gate", d.Gate,
		"decision", d.Outcome,
		"risk_class", d.RiskClass,
		"signals", d.MatchedSignals,
	)
	return d
}

// finishErr records a denial that surfaced as a GateError, so fail-closed
// blocks land in the audit trail alongside ordinary decisions.
func (p *Pipeline) finishErr(ctx context.Context, req *decision.Request, err error) error {
	var ge *decision.GateError
	if !errors.As(err, &ge) {
		return err
	}
	if p.recorder != nil {
		meta, _ := json.Marshal(map[string]any{"gate": ge.Gate, "reason": ge.Reason})
		p.recorder.Record(audit.Record{
			ID:          uuid.NewString(),
			RecordedAt:  p.now().UTC(),
			EventType:   audit.EventTypeGateDecision,
			Decision:    string(ge.Kind),
			Signals:     ge.Signals,
			RequestPath: req.Path,
			Metadata:    meta,
		})
	}
	p.logger.WarnContext(ctx, "gate denial",
		"request_id", req.ID,
		"gate", ge.Gate,
		"kind", ge.Kind,
		"reason", ge.Reason,
	)
	return err
}
