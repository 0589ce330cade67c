// Package replaysql is the PostgreSQL replay register for multi-instance
// deployments. INSERT ... ON CONFLICT DO NOTHING over the composite
// primary key gives the atomic register-if-absent; expired rows are swept
// probabilistically on write.
package replaysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	_ "github.com/lib/pq"

	"github.com/clawee-dev/clawee/internal/domain/replay"
)

// Roughly one write in sweepEvery triggers a cleanup of expired rows.
const sweepEvery = 64

// Store registers replay hashes in a shared PostgreSQL table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	chance func() bool
}

var _ replay.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSweepChance overrides the probabilistic sweep trigger.
func WithSweepChance(chance func() bool) Option {
	return func(s *Store) { s.chance = chance }
}

// Open connects to the given DSN and ensures the replay table exists.
func Open(dsn string, logger *slog.Logger, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS replay_entries (
			namespace  TEXT        NOT NULL,
			key_hash   TEXT        NOT NULL,
			seen_at    TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (namespace, key_hash)
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create replay table: %w", err)
	}
	return NewWithDB(db, logger, opts...), nil
}

// NewWithDB wraps an existing handle (used by tests).
func NewWithDB(db *sql.DB, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		chance: func() bool { return rand.Intn(sweepEvery) == 0 },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterNonce registers a nonce hash with the nonce TTL floor applied.
func (s *Store) RegisterNonce(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	return s.register(ctx, replay.NamespaceNonce, hash, ttl)
}

// RegisterEventKey registers an event-key hash with the event-key TTL
// floor applied.
func (s *Store) RegisterEventKey(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	return s.register(ctx, replay.NamespaceEventKey, hash, ttl)
}

func (s *Store) register(ctx context.Context, namespace, hash string, ttl time.Duration) (bool, error) {
	clamped, raised := replay.ClampTTL(namespace, ttl)
	if raised {
		s.logger.Warn("replay ttl below floor, raising",
			"namespace", namespace, "requested", ttl, "effective", clamped)
	}
	now := s.now().UTC()

	if s.chance() {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM replay_entries WHERE expires_at < $1`, now); err != nil {
			s.logger.Warn("replay sweep failed", "error", err)
		}
	}

	// A row whose registration expired counts as absent, so delete it
	// before the conflict-free insert.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM replay_entries WHERE namespace = $1 AND key_hash = $2 AND expires_at < $3`,
		namespace, hash, now); err != nil {
		return false, fmt.Errorf("replay expire: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO replay_entries (namespace, key_hash, seen_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key_hash) DO NOTHING`,
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

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
