package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clawee-dev/clawee/internal/adapter/outbound/sqlite"
	"github.com/clawee-dev/clawee/internal/domain/decision"
	"github.com/clawee-dev/clawee/internal/domain/invariant"
)

func newReplayService(t *testing.T) (*ReplayService, *invariant.Registry) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	reg := invariant.NewRegistry()
	store := sqlite.NewReplayStore(db, testLogger())
	return NewReplayService(store, reg, nil, time.Minute, time.Hour, testLogger()), reg
}

func TestReplay_DuplicateNonceDenied(t *testing.T) {
	t.Parallel()
	svc, reg := newReplayService(t)
	ctx := context.Background()

	req := messageRequest(`{"text":"hello"}`)
	req.Nonce = "nonce-a1b2"
	if err := svc.Check(ctx, req); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	err := svc.Check(ctx, req)
	var ge *decision.GateError
	if !errors.As(err, &ge) || ge.Kind != decision.KindReplayDetected {
		t.Fatalf("second delivery: %v, want replay_detected", err)
	}
	if want := "nonce was already used"; ge.Reason != want {
		t.Errorf("reason = %q, want %q", ge.Reason, want)
	}
	if st := invariantState(t, reg, invariant.ReplayGuard); st.LastStatus != invariant.StatusFail {
		t.Errorf("replay invariant = %+v, want fail", st)
	}
}

func TestReplay_DuplicateEventKeyDenied(t *testing.T) {
	t.Parallel()
	svc, _ := newReplayService(t)
	ctx := context.Background()

	req := messageRequest(`{"text":"hello"}`)
	req.EventKey = "evt-2026-001"
	if err := svc.Check(ctx, req); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	err := svc.Check(ctx, req)
	var ge *decision.GateError
	if !errors.As(err, &ge) || ge.Kind != decision.KindReplayDetected {
		t.Fatalf("second delivery: %v, want replay_detected", err)
	}
	if want := "event key was already processed"; ge.Reason != want {
		t.Errorf("reason = %q, want %q", ge.Reason, want)
	}
}

func TestReplay_NamespacesAreIndependent(t *testing.T) {
	t.Parallel()
	svc, reg := newReplayService(t)
	ctx := context.Background()

	// The same raw value registers once per namespace.
	req := messageRequest(`{"text":"hello"}`)
	req.Nonce = "shared-value"
	req.EventKey = "shared-value"
	if err := svc.Check(ctx, req); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if st := invariantState(t, reg, invariant.ReplayGuard); st.LastStatus != invariant.StatusPass {
		t.Errorf("replay invariant = %+v, want pass", st)
	}
}

func TestReplay_RequestWithoutIdentifiersPasses(t *testing.T) {
	t.Parallel()
	svc, _ := newReplayService(t)
	if err := svc.Check(context.Background(), messageRequest(`{"text":"hello"}`)); err != nil {
		t.Fatalf("Check without nonce or event key: %v", err)
	}
}
