package attest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/signing"
	"github.com/clawee-dev/clawee/pkg/canonical"
)

// Seal is one line of a JSONL chain log, linking a snapshot file to its
// predecessor. CurrentSnapshotHash covers the canonical form of every
// other field.
type Seal struct {
	SealedAt             string `json:"sealed_at"`
	SnapshotPath         string `json:"snapshot_path"`
	PayloadHash          string `json:"payload_hash"`
	PreviousSnapshotHash string `json:"previous_snapshot_hash"`
	CurrentSnapshotHash  string `json:"current_snapshot_hash"`
	GeneratedAt          string `json:"generated_at"`
	Signature            string `json:"signature,omitempty"`
	SignatureKid         string `json:"signature_kid,omitempty"`
}

// hashView is the seal without current_snapshot_hash, the input to its
// own hash.
func (s *Seal) hashView() map[string]any {
	view := map[string]any{
		"sealed_at":              s.SealedAt,
		"snapshot_path":          s.SnapshotPath,
		"payload_hash":           s.PayloadHash,
		"previous_snapshot_hash": s.PreviousSnapshotHash,
		"generated_at":           s.GeneratedAt,
	}
	if s.Signature != "" {
		view["signature"] = s.Signature
	}
	if s.SignatureKid != "" {
		view["signature_kid"] = s.SignatureKid
	}
	return view
}

// ComputeHash returns the hash current_snapshot_hash must carry.
func (s *Seal) ComputeHash() (string, error) {
	return canonical.Fingerprint(s.hashView())
}

// NewSeal builds and hashes a seal entry for a written snapshot. The
// optional keyring signs the seal's hash view under the active kid.
func NewSeal(snapshotPath string, payload *Payload, previousHash string, sealedAt time.Time, kr *signing.Keyring) (*Seal, error) {
	payloadHash, err := payload.PayloadHash()
	if err != nil {
		return nil, err
	}
	s := &Seal{
		SealedAt:             sealedAt.UTC().Format(time.RFC3339),
		SnapshotPath:         snapshotPath,
		PayloadHash:          payloadHash,
		PreviousSnapshotHash: previousHash,
		GeneratedAt:          payload.GeneratedAt,
	}
	if kr != nil {
		view, err := canonical.Marshal(s.hashView())
		if err != nil {
			return nil, err
		}
		sig := kr.Sign(view)
		s.Signature = sig.Sig
		s.SignatureKid = sig.Kid
	}
	if s.CurrentSnapshotHash, err = s.ComputeHash(); err != nil {
		return nil, err
	}
	return s, nil
}

// MarshalLine renders the seal as a single JSONL line with a trailing
// newline.
func (s *Seal) MarshalLine() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode seal: %w", err)
	}
	return append(raw, '\n'), nil
}
