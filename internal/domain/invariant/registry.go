// Package invariant maintains the fixed catalog of runtime security
// invariants and their pass/fail counters. The catalog itself never
// changes at runtime; its hash is embedded in every conformance report so
// a verifier can detect drift.
package invariant

import (
	"sort"
	"sync"
	"time"

	"github.com/clawee-dev/clawee/pkg/canonical"
)

// Invariant ids. The set is fixed; gates and services report against
// these and nothing else.
const (
	EgressGate      = "INV-001-EGRESS-GATE"
	CapabilityGate  = "INV-002-CAPABILITY-GATE"
	PolicyGate      = "INV-003-POLICY-GATE"
	ModelGate       = "INV-004-MODEL-REGISTRY-GATE"
	ApprovalGate    = "INV-005-APPROVAL-GATE"
	BudgetCap       = "INV-006-BUDGET-CAP"
	ReplayGuard     = "INV-007-REPLAY-PROTECTION"
	AttestIntegrity = "INV-008-ATTESTATION-CHAIN"
)

// Definition describes one invariant in the catalog.
type Definition struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Definitions is the fixed catalog, in id order.
var Definitions = []Definition{
	{EgressGate, "Outbound targets are allowlisted, loopback, or private; everything else is denied."},
	{CapabilityGate, "Tool and action use stays inside the capability catalog for the channel."},
	{PolicyGate, "Critical patterns block; high-risk signals suspend pending approval."},
	{ModelGate, "Only approved, in-window model registrations are exercised."},
	{ApprovalGate, "Suspended requests proceed only through a valid, unexhausted approval."},
	{BudgetCap, "Projected and actual spend never exceeds the configured caps without suspension."},
	{ReplayGuard, "Nonces and event keys register at most once within their TTL."},
	{AttestIntegrity, "Attestation payloads and seal chains verify against their recorded hashes."},
}

// LastStatus is the most recent check outcome for an invariant.
type LastStatus string

const (
	StatusPass    LastStatus = "pass"
	StatusFail    LastStatus = "fail"
	StatusUnknown LastStatus = "unknown"
)

// State is a point-in-time snapshot of one invariant's counters.
type State struct {
	ID                 string     `json:"id"`
	Description        string     `json:"description"`
	Passes             int64      `json:"passes"`
	Failures           int64      `json:"failures"`
	LastStatus         LastStatus `json:"last_status"`
	LastCheckedAt      *time.Time `json:"last_checked_at,omitempty"`
	LastFailureReason  string     `json:"last_failure_reason,omitempty"`
	LastFailureContext string     `json:"last_failure_context,omitempty"`
}

// Summary aggregates the catalog for the control surface.
type Summary struct {
	Total   int `json:"total"`
	Passing int `json:"passing"`
	Failing int `json:"failing"`
	Unknown int `json:"unknown"`
}

// Registry counts invariant checks. Many writers, many readers; counter
// updates are monotone increments under a single mutex, and snapshots are
// point-in-time copies.
type Registry struct {
	mu     sync.Mutex
	states map[string]*State
	now    func() time.Time
}

// NewRegistry builds a registry over the fixed catalog with every
// invariant in the unknown state.
func NewRegistry() *Registry {
	states := make(map[string]*State, len(Definitions))
	for _, def := range Definitions {
		states[def.ID] = &State{
			ID:          def.ID,
			Description: def.Description,
			LastStatus:  StatusUnknown,
		}
	}
	return &Registry{states: states, now: time.Now}
}

// WithClock overrides the clock for testing.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Check records one pass/fail observation for id. Unknown ids are ignored
// rather than grown: the catalog is fixed.
func (r *Registry) Check(id string, passed bool, reason, context string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		return
	}
	at := r.now().UTC()
	st.LastCheckedAt = &at
	if passed {
		st.Passes++
		st.LastStatus = StatusPass
		return
	}
	st.Failures++
	st.LastStatus = StatusFail
	st.LastFailureReason = reason
	st.LastFailureContext = context
}

// Snapshot returns the current states in id order.
func (r *Registry) Snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]State, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summarize aggregates the snapshot into pass/fail/unknown totals.
func Summarize(states []State) Summary {
	s := Summary{Total: len(states)}
	for _, st := range states {
		switch st.LastStatus {
		case StatusPass:
			s.Passing++
		case StatusFail:
			s.Failing++
		default:
			s.Unknown++
		}
	}
	return s
}

// DefinitionHash is the SHA-256 of the sorted canonical catalog. Embedded
// in conformance reports as invariant_catalog_hash.
func DefinitionHash() (string, error) {
	defs := make([]Definition, len(Definitions))
	copy(defs, Definitions)
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return canonical.Fingerprint(defs)
}
