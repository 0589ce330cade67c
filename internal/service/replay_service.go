package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawee-dev/clawee/internal/domain/audit"
	"github.com/clawee-dev/clawee/internal/domain/decision"
	"github.com/clawee-dev/clawee/internal/domain/invariant"
	"github.com/clawee-dev/clawee/internal/domain/replay"
)

// ReplayService guards the gateway against duplicate delivery. Raw nonces
// and event keys are hashed before they reach a backend; a failed
// registration denies the request, and a backend error fails closed.
type ReplayService struct {
	store       replay.Store
	invariants  *invariant.Registry
	recorder    *AuditRecorder
	logger      *slog.Logger
	nonceTTL    time.Duration
	eventKeyTTL time.Duration
	now         func() time.Time
}

// NewReplayService wires the replay guard with the configured TTLs. TTLs
// below the namespace floors are raised by the backend.
func NewReplayService(store replay.Store, invariants *invariant.Registry, recorder *AuditRecorder, nonceTTL, eventKeyTTL time.Duration, logger *slog.Logger) *ReplayService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayService{
		store:       store,
		invariants:  invariants,
		recorder:    recorder,
		logger:      logger,
		nonceTTL:    nonceTTL,
		eventKeyTTL: eventKeyTTL,
		now:         time.Now,
	}
}

// Check registers the request's nonce and event key, when present. The
// first duplicate denies with KindReplayDetected; a backend failure denies
// with KindTransientBackend.
func (s *ReplayService) Check(ctx context.Context, req *decision.Request) error {
	if req.Nonce != "" {
		ok, err := s.store.RegisterNonce(ctx, replay.HashKey(req.Nonce), s.nonceTTL)
		if err != nil {
			return decision.WrapGateError(decision.KindTransientBackend, "replay",
				"replay backend unavailable", err)
		}
		if !ok {
			s.deny(req, "nonce")
			return decision.NewGateError(decision.KindReplayDetected, "replay",
				"nonce was already used", "replay:nonce")
		}
	}
	if req.EventKey != "" {
		ok, err := s.store.RegisterEventKey(ctx, replay.HashKey(req.EventKey), s.eventKeyTTL)
		if err != nil {
			return decision.WrapGateError(decision.KindTransientBackend, "replay",
				"replay backend unavailable", err)
		}
		if !ok {
			s.deny(req, "event_key")
			return decision.NewGateError(decision.KindReplayDetected, "replay",
				"event key was already processed", "replay:event-key")
		}
	}
	s.invariants.Check(invariant.ReplayGuard, true, "", "")
	return nil
}

func (s *ReplayService) deny(req *decision.Request, kind string) {
	reason := fmt.Sprintf("duplicate %s", kind)
	s.invariants.Check(invariant.ReplayGuard, false, reason, req.Path)
	s.logger.Warn("replay detected", "kind", kind, "path", req.Path)
	if s.recorder != nil {
		meta, _ := json.Marshal(map[string]any{"kind": kind})
		s.recorder.Record(audit.Record{
			ID:          uuid.NewString(),
			RecordedAt:  s.now().UTC(),
			EventType:   audit.EventTypeReplayBlock,
			Decision:    string(decision.OutcomeBlock),
			RequestPath: req.Path,
			Metadata:    meta,
		})
	}
}
