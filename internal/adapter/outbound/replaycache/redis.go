// Package replaycache is the Redis-backed replay register: SET NX with a
// TTL gives atomic register-if-absent with server-side expiry, so no
// sweep is needed.
package replaycache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clawee-dev/clawee/internal/domain/replay"
)

// Store registers replay hashes against a Redis server.
type Store struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

var _ replay.Store = (*Store)(nil)

// New connects a Store to the given Redis address.
func New(addr, password string, db int, logger *slog.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewWithClient(client, logger)
}

// NewWithClient wraps an existing client (used by tests).
func NewWithClient(client *redis.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger, prefix: "replay"}
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
	key := fmt.Sprintf("%s:%s:%s", s.prefix, namespace, hash)
	ok, err := s.client.SetNX(ctx, key, "1", clamped).Result()
	if err != nil {
		return false, fmt.Errorf("redis replay register: %w", err)
	}
	return ok, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
