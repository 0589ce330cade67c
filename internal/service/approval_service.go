package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawee-dev/clawee/internal/domain/approval"
	"github.com/clawee-dev/clawee/internal/domain/audit"
	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
	"github.com/clawee-dev/clawee/internal/domain/gate"
	"github.com/clawee-dev/clawee/internal/domain/invariant"
	"github.com/clawee-dev/clawee/internal/port/outbound"
)

// DefaultApprovalTTL bounds how long a pending approval stays actionable.
const DefaultApprovalTTL = time.Hour

// ApprovalService owns the approval gate and the operator approve/deny
// surface. Get-or-create for a fingerprint is serialized by an in-process
// mutex on top of the store's own write serialization, so concurrent
// suspensions of equivalent requests converge on one pending record.
type ApprovalService struct {
	store      outbound.ApprovalStore
	catalogs   *catalog.Store
	invariants *invariant.Registry
	recorder   *AuditRecorder
	logger     *slog.Logger
	ttl        time.Duration
	now        func() time.Time

	createMu sync.Mutex
}

// ApprovalOption configures an ApprovalService.
type ApprovalOption func(*ApprovalService)

// WithApprovalTTL overrides the pending-approval lifetime.
func WithApprovalTTL(ttl time.Duration) ApprovalOption {
	return func(s *ApprovalService) { s.ttl = ttl }
}

// WithApprovalClock overrides the clock.
func WithApprovalClock(now func() time.Time) ApprovalOption {
	return func(s *ApprovalService) { s.now = now }
}

// NewApprovalService wires the approval gate.
func NewApprovalService(store outbound.ApprovalStore, catalogs *catalog.Store, invariants *invariant.Registry, recorder *AuditRecorder, logger *slog.Logger, opts ...ApprovalOption) *ApprovalService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ApprovalService{
		store:      store,
		catalogs:   catalogs,
		invariants: invariants,
		recorder:   recorder,
		logger:     logger,
		ttl:        DefaultApprovalTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Gate resolves a require_approval decision: an existing consumable
// approval for the request's fingerprint is consumed and the request
// allowed; otherwise a pending record is created or upgraded and the
// suspension stands, carrying the approval id.
func (s *ApprovalService) Gate(ctx context.Context, req *decision.Request, suspension decision.Decision) (decision.Decision, error) {
	fingerprint, err := req.Fingerprint()
	if err != nil {
		return decision.Decision{}, decision.WrapGateError(decision.KindConfiguration, gate.GateApproval,
			"request fingerprint failed", err)
	}
	now := s.now().UTC()

	if _, err := s.store.ExpirePending(ctx, now); err != nil {
		return decision.Decision{}, decision.WrapGateError(decision.KindTransientBackend, gate.GateApproval,
			"approval store unavailable", err)
	}

	consumable, err := s.store.FindConsumable(ctx, fingerprint, now)
	if err != nil {
		return decision.Decision{}, decision.WrapGateError(decision.KindTransientBackend, gate.GateApproval,
			"approval store unavailable", err)
	}
	if consumable != nil {
		ok, err := s.store.ConsumeApproved(ctx, consumable.ID, fingerprint, now)
		if err != nil {
			return decision.Decision{}, decision.WrapGateError(decision.KindTransientBackend, gate.GateApproval,
				"approval store unavailable", err)
		}
		if ok {
			s.invariants.Check(invariant.ApprovalGate, true, "", "")
			s.logger.InfoContext(ctx, "approval consumed",
				"approval_id", consumable.ID, "fingerprint", fingerprint)
			return decision.Decision{
				Outcome:        decision.OutcomeAllow,
				RiskClass:      suspension.RiskClass,
				MatchedSignals: suspension.MatchedSignals,
				Reason:         fmt.Sprintf("approved via %s", consumable.ID),
				Gate:           gate.GateApproval,
				ApprovalID:     consumable.ID,
			}, nil
		}
		// Lost the race for the last use; fall through to pending.
	}

	rec, err := s.getOrCreatePending(ctx, req, suspension, fingerprint, now)
	if err != nil {
		return decision.Decision{}, err
	}

	s.invariants.Check(invariant.ApprovalGate, true, "", "")
	return decision.Decision{
		Outcome:        decision.OutcomeRequireApproval,
		RiskClass:      suspension.RiskClass,
		MatchedSignals: suspension.MatchedSignals,
		Reason:         suspension.Reason,
		Gate:           gate.GateApproval,
		ApprovalID:     rec.ID,
	}, nil
}

// getOrCreatePending finds the pending record for the fingerprint and
// upgrades it to the resolved requirement, or creates a new one.
func (s *ApprovalService) getOrCreatePending(ctx context.Context, req *decision.Request, suspension decision.Decision, fingerprint string, now time.Time) (*approval.Record, error) {
	requirement := s.resolveRequirement(req, suspension)

	s.createMu.Lock()
	defer s.createMu.Unlock()

	existing, err := s.store.FindPendingByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, decision.WrapGateError(decision.KindTransientBackend, gate.GateApproval,
			"approval store unavailable", err)
	}
	if existing != nil {
		if err := existing.Upgrade(requirement.RequiredApprovals, requirement.RequiredRoles, requirement.MaxUses); err != nil {
			return nil, decision.WrapGateError(decision.KindConfiguration, gate.GateApproval,
				"pending approval upgrade failed", err)
		}
		if err := s.store.Update(ctx, existing); err != nil {
			return nil, decision.WrapGateError(decision.KindTransientBackend, gate.GateApproval,
				"approval store unavailable", err)
		}
		return existing, nil
	}

	rec, err := approval.NewPending(fingerprint, suspension.Reason,
		requirement.RequiredApprovals, requirement.RequiredRoles, requirement.MaxUses,
		s.ttl, req.Metadata)
	if err != nil {
		return nil, decision.WrapGateError(decision.KindConfiguration, gate.GateApproval,
			"pending approval construction failed", err)
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, decision.WrapGateError(decision.KindTransientBackend, gate.GateApproval,
			"approval store unavailable", err)
	}
	s.logger.InfoContext(ctx, "approval pending",
		"approval_id", rec.ID, "fingerprint", fingerprint,
		"required_approvals", rec.RequiredApprovals, "required_roles", rec.RequiredRoles)
	return rec, nil
}

func (s *ApprovalService) resolveRequirement(req *decision.Request, suspension decision.Decision) catalog.ApprovalRequirement {
	snap := s.catalogs.Current()
	channelAction := strings.ToLower(req.Channel) + ":" + strings.ToLower(req.Action)
	return snap.Approval.Rules.Resolve(string(suspension.RiskClass), req.Tools, channelAction)
}

// Approve records one actor's approval. The quorum transition happens
// inside the record's state machine; the resulting record is persisted and
// returned.
func (s *ApprovalService) Approve(ctx context.Context, id, actor, role string) (*approval.Record, error) {
	now := s.now().UTC()
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("approval %s: not found", id)
	}
	if err := rec.Approve(actor, role, now); err != nil {
		return nil, fmt.Errorf("approval %s: %w", id, err)
	}
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.record(audit.EventTypeApprovalGrant, actor, rec, "")
	s.logger.InfoContext(ctx, "approval vote recorded",
		"approval_id", id, "actor", actor, "role", role, "status", rec.Status)
	return rec, nil
}

// Deny terminates a pending approval.
func (s *ApprovalService) Deny(ctx context.Context, id, actor, reason string) (*approval.Record, error) {
	now := s.now().UTC()
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("approval %s: not found", id)
	}
	if err := rec.Deny(actor, reason, now); err != nil {
		return nil, fmt.Errorf("approval %s: %w", id, err)
	}
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	s.record(audit.EventTypeApprovalDeny, actor, rec, reason)
	s.logger.InfoContext(ctx, "approval denied", "approval_id", id, "actor", actor)
	return rec, nil
}

// List returns records filtered by status, newest first.
func (s *ApprovalService) List(ctx context.Context, status approval.Status, limit int) ([]*approval.Record, error) {
	return s.store.List(ctx, status, limit)
}

// LedgerRecords renders the approval records since the given time as
// attestation source rows in stable order.
func (s *ApprovalService) LedgerRecords(ctx context.Context, since time.Time, limit int) ([]map[string]any, error) {
	recs, err := s.store.ListSince(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(recs))
	for i, rec := range recs {
		out[i] = rec.LedgerFields()
	}
	return out, nil
}

func (s *ApprovalService) record(eventType, actor string, rec *approval.Record, reason string) {
	if s.recorder == nil {
		return
	}
	meta := map[string]any{
		"approval_id": rec.ID,
		"fingerprint": rec.RequestFingerprint,
		"status":      rec.Status,
	}
	if reason != "" {
		meta["reason"] = reason
	}
	encoded, _ := json.Marshal(meta)
	s.recorder.Record(audit.Record{
		ID:         uuid.NewString(),
		RecordedAt: s.now().UTC(),
		EventType:  eventType,
		Actor:      actor,
		Decision:   string(rec.Status),
		Metadata:   encoded,
	})
}
