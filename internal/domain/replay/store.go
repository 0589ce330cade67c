// Package replay defines the at-most-once registration contract shared by
// every replay-protection backend. Each Register call returns true exactly
// once per distinct hash within its TTL; callers treat false as a replay.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Namespaces keep nonce and event-key registrations from colliding.
const (
	NamespaceNonce    = "nonce"
	NamespaceEventKey = "event"
)

// TTL floors. Event keys are clamped to a 60-second floor even when the
// caller asks for less; backends warn when they raise a requested TTL.
const (
	MinNonceTTL    = time.Second
	MinEventKeyTTL = 60 * time.Second
)

// Store is the uniform register-if-absent contract. Implementations must
// be linearizable: two concurrent registrations of the same hash yield
// exactly one true. A backend that cannot guarantee this must fail closed
// with an error rather than guess.
type Store interface {
	// RegisterNonce registers a nonce hash, returning true iff it was
	// absent.
	RegisterNonce(ctx context.Context, hash string, ttl time.Duration) (bool, error)
	// RegisterEventKey registers an event-key hash, returning true iff it
	// was absent.
	RegisterEventKey(ctx context.Context, hash string, ttl time.Duration) (bool, error)
	// Close releases backend resources.
	Close() error
}

// HashKey derives the stored hash from a raw nonce or event key. Raw
// values never reach a backend.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ClampTTL applies the namespace floor and reports whether the requested
// TTL had to be raised.
func ClampTTL(namespace string, ttl time.Duration) (time.Duration, bool) {
	floor := MinNonceTTL
	if namespace == NamespaceEventKey {
		floor = MinEventKeyTTL
	}
	if ttl < floor {
		return floor, true
	}
	return ttl, false
}
