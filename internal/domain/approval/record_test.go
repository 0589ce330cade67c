package approval

import (
	"errors"
	"testing"
	"time"
)

func pendingRecord(t *testing.T, approvals int, roles []string) *Record {
	t.Helper()
	r, err := NewPending("fp-123", "deploy to production", approvals, roles, 1, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestQuorum_TwoActorsTwoRoles(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	r := pendingRecord(t, 2, []string{"security", "platform"})

	if err := r.Approve("alice", "security", now); err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if r.Status != StatusPending {
		t.Fatalf("status after one approval = %s, want pending", r.Status)
	}

	if err := r.Approve("bob", "platform", now); err != nil {
		t.Fatalf("second approve: %v", err)
	}
	if r.Status != StatusApproved {
		t.Fatalf("status after quorum = %s, want approved", r.Status)
	}
	if r.ResolvedBy != "bob" {
		t.Errorf("resolved_by = %q, want bob", r.ResolvedBy)
	}
}

func TestQuorum_CountWithoutRoleCoverageStaysPending(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	r := pendingRecord(t, 2, []string{"security", "platform"})

	if err := r.Approve("alice", "security", now); err != nil {
		t.Fatal(err)
	}
	if err := r.Approve("carol", "security", now); err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusPending {
		t.Fatalf("status = %s, want pending while platform role is uncovered", r.Status)
	}
}

func TestApprove_DuplicateActorRejected(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	r := pendingRecord(t, 2, nil)
	if err := r.Approve("alice", "security", now); err != nil {
		t.Fatal(err)
	}
	if err := r.Approve("alice", "platform", now); !errors.Is(err, ErrDuplicateActor) {
		t.Fatalf("err = %v, want ErrDuplicateActor", err)
	}
}

func TestDeny_TerminalStatesAbsorb(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	r := pendingRecord(t, 1, nil)
	if err := r.Deny("mallory", "looks wrong", now); err != nil {
		t.Fatal(err)
	}
	if r.Status != StatusDenied {
		t.Fatalf("status = %s, want denied", r.Status)
	}
	if err := r.Approve("alice", "security", now); !errors.Is(err, ErrNotPending) {
		t.Fatalf("approve after deny: err = %v, want ErrNotPending", err)
	}
	if err := r.Deny("mallory", "again", now); !errors.Is(err, ErrNotPending) {
		t.Fatalf("double deny: err = %v, want ErrNotPending", err)
	}
}

func TestApprove_ExpiredRecordTransitionsLazily(t *testing.T) {
	t.Parallel()

	r := pendingRecord(t, 1, nil)
	late := r.ExpiresAt.Add(time.Minute)
	if err := r.Approve("alice", "security", late); !errors.Is(err, ErrNotPending) {
		t.Fatalf("err = %v, want ErrNotPending", err)
	}
	if r.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", r.Status)
	}
}

func TestConsumable(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	r := pendingRecord(t, 1, nil)
	if r.Consumable("fp-123", now) {
		t.Error("pending record must not be consumable")
	}
	if err := r.Approve("alice", "security", now); err != nil {
		t.Fatal(err)
	}
	if !r.Consumable("fp-123", now) {
		t.Error("approved record should be consumable")
	}
	if r.Consumable("fp-other", now) {
		t.Error("fingerprint mismatch must not be consumable")
	}
	if r.Consumable("fp-123", r.ExpiresAt.Add(time.Second)) {
		t.Error("expired approval must not be consumable")
	}
	r.UseCount = r.MaxUses
	if r.Consumable("fp-123", now) {
		t.Error("exhausted approval must not be consumable")
	}
}

func TestUpgrade_MonotoneMerge(t *testing.T) {
	t.Parallel()

	r := pendingRecord(t, 2, []string{"security"})
	r.MaxUses = 3

	if err := r.Upgrade(1, []string{"platform"}, 2); err != nil {
		t.Fatal(err)
	}
	if r.RequiredApprovals != 2 {
		t.Errorf("required_approvals = %d, want 2 (max of old and requested)", r.RequiredApprovals)
	}
	if r.MaxUses != 3 {
		t.Errorf("max_uses = %d, want 3 (upgrade never lowers)", r.MaxUses)
	}
	if len(r.RequiredRoles) != 2 {
		t.Errorf("required_roles = %v, want union of security and platform", r.RequiredRoles)
	}
}
