// Package outbound defines the driven-side ports of the core: the store
// contracts the services depend on. Interfaces are owned here per the
// hexagonal layout; adapters implement them, services receive them as
// constructor parameters, and no component owns another.
package outbound

import (
	"context"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/approval"
	"github.com/clawee-dev/clawee/internal/domain/audit"
	"github.com/clawee-dev/clawee/internal/domain/budget"
)

// ApprovalStore persists approval records. Implementations serialize
// writes so get-or-create and consume are atomic within the backing
// store.
type ApprovalStore interface {
	// Create inserts a new record.
	Create(ctx context.Context, rec *approval.Record) error
	// Get returns a record by id, applying lazy expiry first.
	Get(ctx context.Context, id string) (*approval.Record, error)
	// Update persists a record mutated by the state machine.
	Update(ctx context.Context, rec *approval.Record) error
	// FindPendingByFingerprint returns the pending record for a request
	// fingerprint, or nil.
	FindPendingByFingerprint(ctx context.Context, fingerprint string) (*approval.Record, error)
	// FindConsumable returns an approved, unexpired, unexhausted record
	// matching the fingerprint, or nil.
	FindConsumable(ctx context.Context, fingerprint string, now time.Time) (*approval.Record, error)
	// ConsumeApproved atomically increments use_count iff the record is
	// approved, matches the fingerprint, is unexpired, and has uses
	// left. Reports whether a row was updated.
	ConsumeApproved(ctx context.Context, id, fingerprint string, now time.Time) (bool, error)
	// ExpirePending transitions every pending record past its deadline
	// to expired. Called lazily on reads.
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
	// List returns records filtered by status (empty status means all),
	// newest first.
	List(ctx context.Context, status approval.Status, limit int) ([]*approval.Record, error)
	// ListSince returns records for attestation in stable order
	// (created_at ASC, id ASC).
	ListSince(ctx context.Context, since time.Time, limit int) ([]*approval.Record, error)
}

// BudgetStore persists the suspension singleton and the append-only cost
// event log.
type BudgetStore interface {
	// State returns the current suspension row.
	State(ctx context.Context) (budget.State, error)
	// Suspend sets the suspended flag with the given reason. Reports
	// whether this call performed the transition; when the state was
	// already suspended the stored reason wins and false is returned.
	Suspend(ctx context.Context, reason string, at time.Time) (bool, error)
	// Resume clears suspension on behalf of an operator.
	Resume(ctx context.Context, actor string, at time.Time) error
	// AppendCost appends one observed cost event.
	AppendCost(ctx context.Context, ev budget.CostEvent) error
	// SumSince returns the USD sum of cost events at or after since.
	SumSince(ctx context.Context, since time.Time) (float64, error)
}

// AuditStore persists audit records in monotone insertion order.
type AuditStore interface {
	// Append stores a batch of records, assigning sequence numbers.
	Append(ctx context.Context, records []audit.Record) error
	// ListSince returns records recorded at or after since in insertion
	// order.
	ListSince(ctx context.Context, since time.Time, limit int) ([]audit.Record, error)
	// Close releases resources.
	Close() error
}

// AlertNotifier delivers operator alerts for failures that must not be
// silently swallowed. Implementations rate-limit per event name.
type AlertNotifier interface {
	Alert(ctx context.Context, event, message string, fields map[string]any)
}
