package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/approval"
	"github.com/clawee-dev/clawee/internal/port/outbound"
)

// ApprovalStore persists approval records in the embedded database.
type ApprovalStore struct {
	db *sql.DB
}

var _ outbound.ApprovalStore = (*ApprovalStore)(nil)

// NewApprovalStore wraps an opened database.
func NewApprovalStore(db *sql.DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

const approvalColumns = `id, created_at, expires_at, status, required_approvals,
	required_roles, approval_actors, approval_actor_roles, max_uses, use_count,
	last_used_at, request_fingerprint, reason, metadata, resolved_by, resolved_at`

// Create inserts a new record.
func (s *ApprovalStore) Create(ctx context.Context, rec *approval.Record) error {
	roles, actors, actorRoles, err := encodeSets(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(), string(rec.Status),
		rec.RequiredApprovals, roles, actors, actorRoles, rec.MaxUses, rec.UseCount,
		nullableTime(rec.LastUsedAt), rec.RequestFingerprint, rec.Reason,
		nullableRaw(rec.Metadata), nullableString(rec.ResolvedBy), nullableTime(rec.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// Get returns a record by id after the lazy expiry sweep. A missing id
// yields (nil, nil).
func (s *ApprovalStore) Get(ctx context.Context, id string) (*approval.Record, error) {
	if _, err := s.ExpirePending(ctx, time.Now().UTC()); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

// Update persists a record mutated by the state machine.
func (s *ApprovalStore) Update(ctx context.Context, rec *approval.Record) error {
	roles, actors, actorRoles, err := encodeSets(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, required_approvals = ?, required_roles = ?,
			approval_actors = ?, approval_actor_roles = ?, max_uses = ?, use_count = ?,
			last_used_at = ?, reason = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ?`,
		string(rec.Status), rec.RequiredApprovals, roles, actors, actorRoles,
		rec.MaxUses, rec.UseCount, nullableTime(rec.LastUsedAt), rec.Reason,
		nullableString(rec.ResolvedBy), nullableTime(rec.ResolvedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update approval %s: no such record", rec.ID)
	}
	return nil
}

// FindPendingByFingerprint returns the pending record for a fingerprint.
func (s *ApprovalStore) FindPendingByFingerprint(ctx context.Context, fingerprint string) (*approval.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE request_fingerprint = ? AND status = ?
		ORDER BY created_at ASC LIMIT 1`,
		fingerprint, string(approval.StatusPending))
	return scanApproval(row)
}

// FindConsumable returns an approved, unexpired, unexhausted record for
// the fingerprint.
func (s *ApprovalStore) FindConsumable(ctx context.Context, fingerprint string, now time.Time) (*approval.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE request_fingerprint = ? AND status = ? AND expires_at >= ? AND use_count < max_uses
		ORDER BY created_at ASC LIMIT 1`,
		fingerprint, string(approval.StatusApproved), now.UTC())
	return scanApproval(row)
}

// ConsumeApproved is the atomic single-row consume: the UPDATE carries
// every precondition, so a rejected consume never advances use_count.
func (s *ApprovalStore) ConsumeApproved(ctx context.Context, id, fingerprint string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET use_count = use_count + 1, last_used_at = ?
		WHERE id = ? AND status = ? AND request_fingerprint = ?
			AND expires_at >= ? AND use_count < max_uses`,
		now.UTC(), id, string(approval.StatusApproved), fingerprint, now.UTC())
	if err != nil {
		return false, fmt.Errorf("consume approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpirePending lazily transitions overdue pending rows to expired.
func (s *ApprovalStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, resolved_at = ?
		WHERE status = ? AND expires_at < ?`,
		string(approval.StatusExpired), now.UTC(), string(approval.StatusPending), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return res.RowsAffected()
}

// List returns records newest first, optionally filtered by status.
func (s *ApprovalStore) List(ctx context.Context, status approval.Status, limit int) ([]*approval.Record, error) {
	if _, err := s.ExpirePending(ctx, time.Now().UTC()); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectApprovals(rows)
}

// ListSince returns records for attestation in stable order
// (created_at ASC, id ASC).
func (s *ApprovalStore) ListSince(ctx context.Context, since time.Time, limit int) ([]*approval.Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE created_at >= ?
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list approvals since: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectApprovals(rows)
}

func encodeSets(rec *approval.Record) (roles, actors, actorRoles string, err error) {
	r, err := json.Marshal(orEmptySlice(rec.RequiredRoles))
	if err != nil {
		return "", "", "", fmt.Errorf("encode roles: %w", err)
	}
	a, err := json.Marshal(orEmptySlice(rec.ApprovalActors))
	if err != nil {
		return "", "", "", fmt.Errorf("encode actors: %w", err)
	}
	m := rec.ApprovalActorRoles
	if m == nil {
		m = map[string]string{}
	}
	ar, err := json.Marshal(m)
	if err != nil {
		return "", "", "", fmt.Errorf("encode actor roles: %w", err)
	}
	return string(r), string(a), string(ar), nil
}

func orEmptySlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*approval.Record, error) {
	var (
		rec        approval.Record
		status     string
		roles      string
		actors     string
		actorRoles string
		lastUsed   sql.NullTime
		reason     sql.NullString
		metadata   sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.ExpiresAt, &status, &rec.RequiredApprovals,
		&roles, &actors, &actorRoles, &rec.MaxUses, &rec.UseCount,
		&lastUsed, &rec.RequestFingerprint, &reason, &metadata, &resolvedBy, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	rec.Status = approval.Status(status)
	if err := json.Unmarshal([]byte(roles), &rec.RequiredRoles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal([]byte(actors), &rec.ApprovalActors); err != nil {
		return nil, fmt.Errorf("decode actors: %w", err)
	}
	if err := json.Unmarshal([]byte(actorRoles), &rec.ApprovalActorRoles); err != nil {
		return nil, fmt.Errorf("decode actor roles: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time.UTC()
		rec.LastUsedAt = &t
	}
	if reason.Valid {
		rec.Reason = reason.String
	}
	if metadata.Valid && metadata.String != "" {
		rec.Metadata = json.RawMessage(metadata.String)
	}
	if resolvedBy.Valid {
		rec.ResolvedBy = resolvedBy.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		rec.ResolvedAt = &t
	}
	return &rec, nil
}

func collectApprovals(rows *sql.Rows) ([]*approval.Record, error) {
	var out []*approval.Record
	for rows.Next() {
		rec, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
