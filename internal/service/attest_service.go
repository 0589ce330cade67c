package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawee-dev/clawee/internal/domain/attest"
	"github.com/clawee-dev/clawee/internal/domain/audit"
	"github.com/clawee-dev/clawee/internal/domain/invariant"
	"github.com/clawee-dev/clawee/internal/domain/signing"
	"github.com/clawee-dev/clawee/internal/port/outbound"
)

// Ledger names accepted by the attestation surface.
const (
	LedgerApproval    = "approval"
	LedgerAudit       = "audit"
	LedgerConformance = "conformance"
)

// AttestService generates, seals, and verifies attestation ledgers. Each
// ledger has its own JSONL chain log; exports are serialized by a mutex
// on top of the chain log's file lock so tail-read and append stay one
// step.
type AttestService struct {
	approvals  *ApprovalService
	auditStore outbound.AuditStore
	invariants *invariant.Registry
	snapshots  outbound.SnapshotStore
	keyring    *signing.Keyring
	staticKey  string
	recorder   *AuditRecorder
	logger     *slog.Logger
	now        func() time.Time

	exportMu sync.Mutex
}

// AttestOption configures an AttestService.
type AttestOption func(*AttestService)

// WithAttestClock overrides the clock.
func WithAttestClock(now func() time.Time) AttestOption {
	return func(s *AttestService) { s.now = now }
}

// WithStaticKey enables legacy static-key signing when no keyring is
// configured.
func WithStaticKey(key string) AttestOption {
	return func(s *AttestService) { s.staticKey = key }
}

// NewAttestService wires the attestation surface.
func NewAttestService(approvals *ApprovalService, auditStore outbound.AuditStore, invariants *invariant.Registry, snapshots outbound.SnapshotStore, keyring *signing.Keyring, recorder *AuditRecorder, logger *slog.Logger, opts ...AttestOption) *AttestService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &AttestService{
		approvals:  approvals,
		auditStore: auditStore,
		invariants: invariants,
		snapshots:  snapshots,
		keyring:    keyring,
		recorder:   recorder,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate builds and signs a payload for the named ledger. Conformance
// payloads embed the invariant catalog hash so a verifier can detect
// catalog drift.
func (s *AttestService) Generate(ctx context.Context, ledger string, since time.Time, limit int) (*attest.Payload, error) {
	records, err := s.sourceRecords(ctx, ledger, since, limit)
	if err != nil {
		return nil, err
	}
	payload, err := attest.NewPayload(ledger, records, since, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if ledger == LedgerConformance {
		if payload.InvariantCatalogHash, err = invariant.DefinitionHash(); err != nil {
			return nil, err
		}
	}
	switch {
	case s.keyring != nil:
		err = payload.Sign(s.keyring)
	case s.staticKey != "":
		err = payload.SignStatic(s.staticKey)
	default:
		err = fmt.Errorf("ledger %s: no signing key configured", ledger)
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// ExportSealed generates a payload, writes its snapshot file, and appends
// a seal linking it into the ledger's chain log. The snapshot is durable
// on disk before the seal line lands.
func (s *AttestService) ExportSealed(ctx context.Context, ledger string, since time.Time, limit int) (*attest.Seal, error) {
	payload, err := s.Generate(ctx, ledger, since, limit)
	if err != nil {
		return nil, err
	}
	chain := s.snapshots.ChainLog(ledger)

	s.exportMu.Lock()
	defer s.exportMu.Unlock()

	at := s.now().UTC()
	path, err := s.snapshots.WriteSnapshot(payload, at)
	if err != nil {
		return nil, err
	}
	previous, err := chain.TailHash()
	if err != nil {
		return nil, err
	}
	seal, err := attest.NewSeal(path, payload, previous, at, s.keyring)
	if err != nil {
		return nil, err
	}
	if err := chain.Append(seal); err != nil {
		return nil, err
	}

	s.record(ledger, path, payload.Count)
	s.logger.InfoContext(ctx, "attestation exported",
		"ledger", ledger, "snapshot", path, "entries", payload.Count)
	return seal, nil
}

// VerifyPayloadFile opens a snapshot file and verifies its payload. The
// outcome feeds the attestation invariant.
func (s *AttestService) VerifyPayloadFile(path string) (attest.Result, error) {
	payload, err := s.snapshots.ReadSnapshot(path)
	if err != nil {
		return attest.Result{}, err
	}
	res := s.trust().VerifyPayload(payload)
	s.invariants.Check(invariant.AttestIntegrity, res.Valid, res.Reason, path)
	return res, nil
}

// VerifyChain walks a ledger's chain log. With deep set, every referenced
// snapshot is opened and fully re-verified.
func (s *AttestService) VerifyChain(ledger string, deep bool) (attest.ChainResult, error) {
	chain := s.snapshots.ChainLog(ledger)
	seals, err := chain.Entries()
	if err != nil {
		return attest.ChainResult{}, err
	}
	refs := make([]*attest.Seal, len(seals))
	for i := range seals {
		refs[i] = &seals[i]
	}
	var open attest.SnapshotOpener
	if deep {
		open = s.snapshots.ReadSnapshot
	}
	res := s.trust().VerifySealedChain(refs, open)
	s.invariants.Check(invariant.AttestIntegrity, res.Valid, res.Reason, chain.Path())
	return res, nil
}

func (s *AttestService) sourceRecords(ctx context.Context, ledger string, since time.Time, limit int) ([]map[string]any, error) {
	switch ledger {
	case LedgerApproval:
		return s.approvals.LedgerRecords(ctx, since, limit)
	case LedgerAudit:
		recs, err := s.auditStore.ListSince(ctx, since, limit)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(recs))
		for i, rec := range recs {
			out[i] = rec.LedgerFields()
		}
		return out, nil
	case LedgerConformance:
		states := s.invariants.Snapshot()
		out := make([]map[string]any, len(states))
		for i, st := range states {
			out[i] = conformanceFields(st)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown ledger %q", ledger)
	}
}

// conformanceFields renders one invariant state as an attestation source
// row.
func conformanceFields(st invariant.State) map[string]any {
	fields := map[string]any{
		"id":          st.ID,
		"description": st.Description,
		"passes":      st.Passes,
		"failures":    st.Failures,
		"last_status": string(st.LastStatus),
	}
	if st.LastCheckedAt != nil {
		fields["last_checked_at"] = st.LastCheckedAt.UTC().Format(time.RFC3339Nano)
	}
	if st.LastFailureReason != "" {
		fields["last_failure_reason"] = st.LastFailureReason
	}
	return fields
}

func (s *AttestService) trust() attest.Trust {
	return attest.Trust{Keyring: s.keyring, StaticKey: s.staticKey}
}

func (s *AttestService) record(ledger, path string, count int) {
	if s.recorder == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"ledger":   ledger,
		"snapshot": path,
		"entries":  count,
	})
	s.recorder.Record(audit.Record{
		ID:         uuid.NewString(),
		RecordedAt: s.now().UTC(),
		EventType:  audit.EventTypeAttestExport,
		Metadata:   meta,
	})
}
