package catalog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/signing"
)

// Snapshot is the immutable view of every loaded catalog plus the keyring
// that verified them. Readers hold one snapshot for the duration of a
// request; reloads publish a replacement and never mutate in place.
type Snapshot struct {
	Policy        *Signed[PolicyRules]
	Capabilities  *Signed[CapabilityRules]
	Models        *Signed[ModelRegistry]
	Approval      *Signed[ApprovalPolicy]
	Destinations  *Signed[DestinationRules]
	Connectors    *Signed[ConnectorCatalog]
	Pricing       *Signed[Pricing]
	ControlTokens *Signed[ControlTokens]
	Keyring       *signing.Keyring
	LoadedAt      time.Time
}

// Descriptors lists the descriptors of every present catalog in a stable
// order for the control-status surface.
func (s *Snapshot) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, 8)
	if s.Policy != nil {
		out = append(out, s.Policy.Descriptor)
	}
	if s.Capabilities != nil {
		out = append(out, s.Capabilities.Descriptor)
	}
	if s.Models != nil {
		out = append(out, s.Models.Descriptor)
	}
	if s.Approval != nil {
		out = append(out, s.Approval.Descriptor)
	}
	if s.Destinations != nil {
		out = append(out, s.Destinations.Descriptor)
	}
	if s.Connectors != nil {
		out = append(out, s.Connectors.Descriptor)
	}
	if s.Pricing != nil {
		out = append(out, s.Pricing.Descriptor)
	}
	if s.ControlTokens != nil {
		out = append(out, s.ControlTokens.Descriptor)
	}
	return out
}

// Store publishes catalog snapshots for lock-free reads and serialized
// writes.
type Store struct {
	mu      sync.Mutex
	current atomic.Value
}

// NewStore creates a store publishing the initial snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Current returns the live snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load().(*Snapshot)
}

// Update applies mutate to a copy of the live snapshot and publishes the
// result atomically. Concurrent writers are serialized; readers never
// observe a torn snapshot.
func (s *Store) Update(mutate func(next *Snapshot)) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.Current()
	cp.LoadedAt = time.Now().UTC()
	mutate(&cp)
	s.current.Store(&cp)
	return &cp
}
