package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/budget"
	"github.com/clawee-dev/clawee/internal/port/outbound"
)

// BudgetStore persists the suspension singleton and the cost event log.
type BudgetStore struct {
	db *sql.DB
}

var _ outbound.BudgetStore = (*BudgetStore)(nil)

// NewBudgetStore wraps an opened database and seeds the singleton row.
func NewBudgetStore(db *sql.DB) (*BudgetStore, error) {
	s := &BudgetStore{db: db}
	_, err := db.ExecContext(context.Background(), `
		INSERT OR IGNORE INTO budget_state (id, suspended, updated_at)
		VALUES (1, 0, ?)`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("seed budget state: %w", err)
	}
	return s, nil
}

// State returns the current suspension row.
func (s *BudgetStore) State(ctx context.Context) (budget.State, error) {
	var (
		st          budget.State
		suspended   int
		reason      sql.NullString
		triggeredAt sql.NullTime
		resumedAt   sql.NullTime
		resumedBy   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT suspended, reason, triggered_at, resumed_at, resumed_by, updated_at
		FROM budget_state WHERE id = 1`).
		Scan(&suspended, &reason, &triggeredAt, &resumedAt, &resumedBy, &st.UpdatedAt)
	if err != nil {
		return budget.State{}, fmt.Errorf("read budget state: %w", err)
	}
	st.Suspended = suspended == 1
	if reason.Valid {
		st.Reason = reason.String
	}
	if triggeredAt.Valid {
		t := triggeredAt.Time.UTC()
		st.TriggeredAt = &t
	}
	if resumedAt.Valid {
		t := resumedAt.Time.UTC()
		st.ResumedAt = &t
	}
	if resumedBy.Valid {
		st.ResumedBy = resumedBy.String
	}
	return st, nil
}

// Suspend sets the suspended flag. The WHERE clause makes the first
// writer win: a state that is already suspended keeps its stored reason.
func (s *BudgetStore) Suspend(ctx context.Context, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE budget_state
		SET suspended = 1, reason = ?, triggered_at = ?, updated_at = ?
		WHERE id = 1 AND suspended = 0`,
		reason, at.UTC(), at.UTC())
	if err != nil {
		return false, fmt.Errorf("suspend budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Resume clears suspension. Only reachable through the operator control
// surface; the actor is recorded.
func (s *BudgetStore) Resume(ctx context.Context, actor string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE budget_state
		SET suspended = 0, reason = NULL, resumed_at = ?, resumed_by = ?, updated_at = ?
		WHERE id = 1`,
		at.UTC(), actor, at.UTC())
	if err != nil {
		return fmt.Errorf("resume budget: %w", err)
	}
	return nil
}

// AppendCost appends one observed cost event.
func (s *BudgetStore) AppendCost(ctx context.Context, ev budget.CostEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_events (timestamp, model, input_tokens, output_tokens, usd_cost, request_path)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UTC(), ev.Model, ev.InputTokens, ev.OutputTokens, ev.USDCost, ev.RequestPath)
	if err != nil {
		return fmt.Errorf("append cost event: %w", err)
	}
	return nil
}

// SumSince returns the USD sum of cost events at or after since.
func (s *BudgetStore) SumSince(ctx context.Context, since time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(usd_cost) FROM cost_events WHERE timestamp >= ?`, since.UTC()).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum cost events: %w", err)
	}
	return sum.Float64, nil
}
