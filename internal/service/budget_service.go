package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawee-dev/clawee/internal/domain/audit"
	"github.com/clawee-dev/clawee/internal/domain/budget"
	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
	"github.com/clawee-dev/clawee/internal/domain/gate"
	"github.com/clawee-dev/clawee/internal/domain/invariant"
	"github.com/clawee-dev/clawee/internal/port/outbound"
)

// BudgetService enforces the spending caps. Projected checks run before
// the upstream call and never record cost; actual costs are appended after
// the call and re-checked. Suspension is sticky until an operator resumes.
type BudgetService struct {
	store      outbound.BudgetStore
	catalogs   *catalog.Store
	invariants *invariant.Registry
	recorder   *AuditRecorder
	logger     *slog.Logger
	caps       budget.Caps
	now        func() time.Time
}

// BudgetOption configures a BudgetService.
type BudgetOption func(*BudgetService)

// WithBudgetClock overrides the clock.
func WithBudgetClock(now func() time.Time) BudgetOption {
	return func(s *BudgetService) { s.now = now }
}

// NewBudgetService wires the budget controller with the configured caps.
func NewBudgetService(store outbound.BudgetStore, catalogs *catalog.Store, invariants *invariant.Registry, recorder *AuditRecorder, caps budget.Caps, logger *slog.Logger, opts ...BudgetOption) *BudgetService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &BudgetService{
		store:      store,
		catalogs:   catalogs,
		invariants: invariants,
		recorder:   recorder,
		logger:     logger,
		caps:       caps,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckProjected evaluates the projected cost of a request against both
// windows. A request that would cross a cap suspends the budget and is
// blocked; requests during suspension are blocked with the stored reason.
func (s *BudgetService) CheckProjected(ctx context.Context, req *decision.Request) (decision.Decision, error) {
	now := s.now().UTC()

	state, err := s.store.State(ctx)
	if err != nil {
		return decision.Decision{}, decision.WrapGateError(decision.KindTransientBackend, gate.GateBudget,
			"budget store unavailable", err)
	}
	if state.Suspended {
		s.invariants.Check(invariant.BudgetCap, false, state.Reason, req.Path)
		return decision.Decision{}, decision.NewGateError(decision.KindBudgetSuspended, gate.GateBudget,
			state.Reason, "budget:suspended")
	}

	projected, err := s.projectedCost(req)
	if err != nil {
		// Missing pricing fails closed.
		return decision.Decision{}, decision.WrapGateError(decision.KindConfiguration, gate.GateBudget,
			"projected cost unavailable", err)
	}

	overflow, err := s.evaluate(ctx, now, projected)
	if err != nil {
		return decision.Decision{}, decision.WrapGateError(decision.KindTransientBackend, gate.GateBudget,
			"budget store unavailable", err)
	}
	if overflow != nil {
		s.suspend(ctx, overflow, now)
		return decision.Decision{}, decision.NewGateError(decision.KindBudgetSuspended, gate.GateBudget,
			overflow.Reason(), "budget:"+overflow.Window+"-cap")
	}

	s.invariants.Check(invariant.BudgetCap, true, "", "")
	return decision.Allowed(gate.GateBudget), nil
}

// RecordActual appends the observed cost of a completed upstream call and
// re-checks the caps, suspending if the actual spend crossed one.
func (s *BudgetService) RecordActual(ctx context.Context, req *decision.Request, inputTokens, outputTokens int64) error {
	now := s.now().UTC()
	snap := s.catalogs.Current()

	cost, err := budget.Cost(snap.Pricing.Rules, req.Model, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("record actual cost: %w", err)
	}
	if err := s.store.AppendCost(ctx, budget.CostEvent{
		Timestamp:    now,
		Model:        req.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		USDCost:      cost,
		RequestPath:  req.Path,
	}); err != nil {
		return fmt.Errorf("append cost event: %w", err)
	}

	overflow, err := s.evaluate(ctx, now, 0)
	if err != nil {
		return fmt.Errorf("re-check caps: %w", err)
	}
	if overflow != nil {
		s.suspend(ctx, overflow, now)
	}
	return nil
}

// Resume clears suspension on behalf of an operator.
func (s *BudgetService) Resume(ctx context.Context, actor string) error {
	now := s.now().UTC()
	if err := s.store.Resume(ctx, actor, now); err != nil {
		return err
	}
	s.record(audit.EventTypeBudgetResume, actor, "")
	s.logger.InfoContext(ctx, "budget resumed", "actor", actor)
	return nil
}

// State returns the current suspension state.
func (s *BudgetService) State(ctx context.Context) (budget.State, error) {
	return s.store.State(ctx)
}

func (s *BudgetService) projectedCost(req *decision.Request) (float64, error) {
	if req.Model == "" || (req.ProjectedInputTokens == 0 && req.ProjectedOutputTokens == 0) {
		return 0, nil
	}
	snap := s.catalogs.Current()
	return budget.Cost(snap.Pricing.Rules, req.Model, req.ProjectedInputTokens, req.ProjectedOutputTokens)
}

func (s *BudgetService) evaluate(ctx context.Context, now time.Time, projected float64) (*budget.Overflow, error) {
	hourly, err := s.store.SumSince(ctx, budget.HourlyWindowStart(now))
	if err != nil {
		return nil, err
	}
	daily, err := s.store.SumSince(ctx, budget.DailyWindowStart(now))
	if err != nil {
		return nil, err
	}
	return budget.Evaluate(s.caps, hourly, daily, projected), nil
}

// suspend performs the first-writer-wins transition and records it. A
// losing writer leaves the stored reason alone.
func (s *BudgetService) suspend(ctx context.Context, overflow *budget.Overflow, now time.Time) {
	won, err := s.store.Suspend(ctx, overflow.Reason(), now)
	if err != nil {
		s.logger.ErrorContext(ctx, "budget suspend failed", "error", err)
		return
	}
	s.invariants.Check(invariant.BudgetCap, false, overflow.Reason(), overflow.Window)
	if won {
		s.record(audit.EventTypeBudgetSuspend, "system", overflow.Reason())
		s.logger.WarnContext(ctx, "budget suspended",
			"window", overflow.Window, "reason", overflow.Reason())
	}
}

func (s *BudgetService) record(eventType, actor, reason string) {
	if s.recorder == nil {
		return
	}
	var meta json.RawMessage
	if reason != "" {
		meta, _ = json.Marshal(map[string]any{"reason": reason})
	}
	s.recorder.Record(audit.Record{
		ID:         uuid.NewString(),
		RecordedAt: s.now().UTC(),
		EventType:  eventType,
		Actor:      actor,
		Metadata:   meta,
	})
}
