package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/replay"
)

// ReplayStore is the embedded register-if-absent backend. INSERT OR
// IGNORE over the (namespace, key_hash) primary key gives the atomic
// registration; expired rows are swept opportunistically before each
// write.
type ReplayStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ replay.Store = (*ReplayStore)(nil)

// ReplayOption configures a ReplayStore.
type ReplayOption func(*ReplayStore)

// WithReplayClock overrides the clock (useful for TTL tests).
func WithReplayClock(now func() time.Time) ReplayOption {
	return func(s *ReplayStore) { s.now = now }
}

// NewReplayStore wraps an opened database.
func NewReplayStore(db *sql.DB, logger *slog.Logger, opts ...ReplayOption) *ReplayStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ReplayStore{db: db, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterNonce registers a nonce hash with the nonce TTL floor applied.
func (s *ReplayStore) RegisterNonce(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	return s.register(ctx, replay.NamespaceNonce, hash, ttl)
}

// RegisterEventKey registers an event-key hash with the 60s TTL floor
// applied.
func (s *ReplayStore) RegisterEventKey(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	return s.register(ctx, replay.NamespaceEventKey, hash, ttl)
}

func (s *ReplayStore) register(ctx context.Context, namespace, hash string, ttl time.Duration) (bool, error) {
	clamped, raised := replay.ClampTTL(namespace, ttl)
	if raised {
		s.logger.Warn("replay ttl below floor, raising",
			"namespace", namespace, "requested", ttl, "effective", clamped)
	}
	now := s.now().UTC()

	// Opportunistic sweep: a hash whose registration has expired may
	// register again.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM replay_entries WHERE namespace = ? AND expires_at < ?`,
		namespace, now); err != nil {
		return false, fmt.Errorf("replay sweep: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO replay_entries (namespace, key_hash, seen_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		namespace, hash, now, now.Add(clamped))
	if err != nil {
		return false, fmt.Errorf("replay register: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *ReplayStore) Close() error { return nil }
