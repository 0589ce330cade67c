package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/audit"
	"github.com/clawee-dev/clawee/internal/port/outbound"
)

// AuditStore persists audit records in monotone insertion order
// (AUTOINCREMENT seq).
type AuditStore struct {
	db *sql.DB
}

var _ outbound.AuditStore = (*AuditStore)(nil)

// NewAuditStore wraps an opened database.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append stores a batch of records inside one transaction.
func (s *AuditStore) Append(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_records (id, recorded_at, event_type, actor, decision, risk_class, signals, request_path, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		signals, err := json.Marshal(orEmptySlice(rec.Signals))
		if err != nil {
			return fmt.Errorf("encode signals: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.RecordedAt.UTC(), rec.EventType,
			nullableString(rec.Actor), nullableString(rec.Decision), nullableString(rec.RiskClass),
			string(signals), nullableString(rec.RequestPath), nullableRaw(rec.Metadata)); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit batch: %w", err)
	}
	return nil
}

// ListSince returns records recorded at or after since in insertion
// order.
func (s *AuditStore) ListSince(ctx context.Context, since time.Time, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, recorded_at, event_type, actor, decision, risk_class, signals, request_path, metadata
		FROM audit_records
		WHERE recorded_at >= ?
		ORDER BY seq ASC LIMIT ?`,
		since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Record
	for rows.Next() {
		var (
			rec         audit.Record
			actor       sql.NullString
			decisionCol sql.NullString
			riskClass   sql.NullString
			signals     string
			requestPath sql.NullString
			metadata    sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.RecordedAt, &rec.EventType,
			&actor, &decisionCol, &riskClass, &signals, &requestPath, &metadata); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if err := json.Unmarshal([]byte(signals), &rec.Signals); err != nil {
			return nil, fmt.Errorf("decode signals: %w", err)
		}
		if actor.Valid {
			rec.Actor = actor.String
		}
		if decisionCol.Valid {
			rec.Decision = decisionCol.String
		}
		if riskClass.Valid {
			rec.RiskClass = riskClass.String
		}
		if requestPath.Valid {
			rec.RequestPath = requestPath.String
		}
		if metadata.Valid && metadata.String != "" {
			rec.Metadata = json.RawMessage(metadata.String)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *AuditStore) Close() error { return nil }
