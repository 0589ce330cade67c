// Package audit contains the domain types of the audit trail: one record
// per pipeline decision or control action, persisted in insertion order
// and attested through the audit ledger.
package audit

import (
	"encoding/json"
	"time"
)

// Event types recorded by the core.
const (
	EventTypeGateDecision  = "gate.decision"
	EventTypeApprovalGrant = "approval.grant"
	EventTypeApprovalDeny  = "approval.deny"
	EventTypeBudgetSuspend = "budget.suspend"
	EventTypeBudgetResume  = "budget.resume"
	EventTypeCatalogReload = "catalog.reload"
	EventTypeAttestExport  = "attest.export"
	EventTypeReplayBlock   = "replay.block"
)

// Record is one audit row. Seq is assigned by the store in monotone
// insertion order and drives the stable ordering of the audit ledger.
type Record struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
	EventType   string          `json:"event_type"`
	Actor       string          `json:"actor,omitempty"`
	Decision    string          `json:"decision,omitempty"`
	RiskClass   string          `json:"risk_class,omitempty"`
	Signals     []string        `json:"signals,omitempty"`
	RequestPath string          `json:"request_path,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// LedgerFields renders the record as the untyped field map an attestation
// entry is chained over.
func (r Record) LedgerFields() map[string]any {
	fields := map[string]any{
		"id":          r.ID,
		"recorded_at": r.RecordedAt.UTC().Format(time.RFC3339Nano),
		"event_type":  r.EventType,
	}
	if r.Actor != "" {
		fields["actor"] = r.Actor
	}
	if r.Decision != "" {
		fields["decision"] = r.Decision
	}
	if r.RiskClass != "" {
		fields["risk_class"] = r.RiskClass
	}
	if len(r.Signals) > 0 {
		signals := make([]any, len(r.Signals))
		for i, s := range r.Signals {
			signals[i] = s
		}
		fields["signals"] = signals
	}
	if r.RequestPath != "" {
		fields["request_path"] = r.RequestPath
	}
	if len(r.Metadata) > 0 {
		fields["metadata"] = json.RawMessage(r.Metadata)
	}
	return fields
}
