// Package approval defines the approval record and its state machine:
// pending records accumulate actors until quorum and role coverage are
// met, and terminal states (approved, denied, expired) are absorbing.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an approval record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool { return s != StatusPending }

var (
	ErrNotPending     = errors.New("approval is not pending")
	ErrDuplicateActor = errors.New("actor already approved this record")
	ErrInvalidExpiry  = errors.New("expires_at must be after created_at")
)

// Record is one approvable operation awaiting (or past) its quorum.
// ApprovalActors and RequiredRoles are frozen once the status is terminal.
type Record struct {
	ID                 string            `json:"id"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
	Status             Status            `json:"status"`
	RequiredApprovals  int               `json:"required_approvals"`
	RequiredRoles      []string          `json:"required_roles,omitempty"`
	ApprovalActors     []string          `json:"approval_actors,omitempty"`
	ApprovalActorRoles map[string]string `json:"approval_actor_roles,omitempty"`
	MaxUses            int               `json:"max_uses"`
	UseCount           int               `json:"use_count"`
	LastUsedAt         *time.Time        `json:"last_used_at,omitempty"`
	RequestFingerprint string            `json:"request_fingerprint"`
	Reason             string            `json:"reason,omitempty"`
	Metadata           json.RawMessage   `json:"metadata,omitempty"`
	ResolvedBy         string            `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
}

// NewPending builds a fresh pending record for a request fingerprint.
func NewPending(fingerprint, reason string, requiredApprovals int, requiredRoles []string, maxUses int, ttl time.Duration, metadata json.RawMessage) (*Record, error) {
	if ttl <= 0 {
		return nil, ErrInvalidExpiry
	}
	now := time.Now().UTC()
	return &Record{
		ID:                 uuid.NewString(),
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
		Status:             StatusPending,
		RequiredApprovals:  requiredApprovals,
		RequiredRoles:      append([]string{}, requiredRoles...),
		ApprovalActorRoles: make(map[string]string),
		MaxUses:            maxUses,
		RequestFingerprint: fingerprint,
		Reason:             reason,
		Metadata:           metadata,
	}, nil
}

// Expired reports whether a pending record has outlived its deadline.
func (r *Record) Expired(now time.Time) bool {
	return r.Status == StatusPending && r.ExpiresAt.Before(now)
}

// QuorumMet reports whether enough distinct actors approved and every
// required role is represented among their asserted roles.
func (r *Record) QuorumMet() bool {
	if len(r.ApprovalActors) < r.RequiredApprovals {
		return false
	}
	covered := make(map[string]struct{}, len(r.ApprovalActorRoles))
	for _, role := range r.ApprovalActorRoles {
		covered[role] = struct{}{}
	}
	for _, role := range r.RequiredRoles {
		if _, ok := covered[role]; !ok {
			return false
		}
	}
	return true
}

// Approve records one actor's approval. The record transitions to approved
// when quorum and role coverage are met; otherwise it stays pending with
// the actor accumulated.
func (r *Record) Approve(actor, role string, now time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrNotPending, r.Status)
	}
	if r.Expired(now) {
		r.markExpired(now)
		return fmt.Errorf("%w: status %s", ErrNotPending, r.Status)
	}
	for _, a := range r.ApprovalActors {
		if a == actor {
			return fmt.Errorf("%w: %s", ErrDuplicateActor, actor)
		}
	}
	r.ApprovalActors = append(r.ApprovalActors, actor)
	if r.ApprovalActorRoles == nil {
		r.ApprovalActorRoles = make(map[string]string)
	}
	r.ApprovalActorRoles[actor] = role

	if r.QuorumMet() {
		r.Status = StatusApproved
		r.ResolvedBy = actor
		at := now.UTC()
		r.ResolvedAt = &at
	}
	return nil
}

// Deny transitions a pending record to denied. Any authorized actor may
// deny; authorization is asserted by the control layer.
func (r *Record) Deny(actor, reason string, now time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrNotPending, r.Status)
	}
	if r.Expired(now) {
		r.markExpired(now)
		return fmt.Errorf("%w: status %s", ErrNotPending, r.Status)
	}
	r.Status = StatusDenied
	r.ResolvedBy = actor
	if reason != "" {
		r.Reason = reason
	}
	at := now.UTC()
	r.ResolvedAt = &at
	return nil
}

func (r *Record) markExpired(now time.Time) {
	r.Status = StatusExpired
	at := now.UTC()
	r.ResolvedAt = &at
}

// Consumable reports whether the record can satisfy a request with the
// given fingerprint right now. It does not consume; the store performs
// the atomic use-count increment.
func (r *Record) Consumable(fingerprint string, now time.Time) bool {
	return r.Status == StatusApproved &&
		r.RequestFingerprint == fingerprint &&
		!r.ExpiresAt.Before(now) &&
		r.UseCount < r.MaxUses
}

// LedgerFields renders the record as the untyped field map an attestation
// entry is chained over. Times are RFC 3339 so the canonical form is
// stable across load and store.
func (r *Record) LedgerFields() map[string]any {
	fields := map[string]any{
		"id":                  r.ID,
		"created_at":          r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"expires_at":          r.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"status":              string(r.Status),
		"required_approvals":  r.RequiredApprovals,
		"max_uses":            r.MaxUses,
		"use_count":           r.UseCount,
		"request_fingerprint": r.RequestFingerprint,
	}
	if len(r.RequiredRoles) > 0 {
		fields["required_roles"] = toAnySlice(r.RequiredRoles)
	}
	if len(r.ApprovalActors) > 0 {
		fields["approval_actors"] = toAnySlice(r.ApprovalActors)
	}
	if r.Reason != "" {
		fields["reason"] = r.Reason
	}
	if r.ResolvedBy != "" {
		fields["resolved_by"] = r.ResolvedBy
	}
	if r.ResolvedAt != nil {
		fields["resolved_at"] = r.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Upgrade widens a pending record to cover a stricter requirement:
// required approvals and max uses take the max of old and requested, and
// required roles take the union. The monotone max on MaxUses is
// deliberate; an upgrade never narrows what was already granted.
func (r *Record) Upgrade(requiredApprovals int, requiredRoles []string, maxUses int) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrNotPending, r.Status)
	}
	if requiredApprovals > r.RequiredApprovals {
		r.RequiredApprovals = requiredApprovals
	}
	if maxUses > r.MaxUses {
		r.MaxUses = maxUses
	}
	have := make(map[string]struct{}, len(r.RequiredRoles))
	for _, role := range r.RequiredRoles {
		have[role] = struct{}{}
	}
	for _, role := range requiredRoles {
		if _, ok := have[role]; !ok {
			r.RequiredRoles = append(r.RequiredRoles, role)
			have[role] = struct{}{}
		}
	}
	return nil
}
