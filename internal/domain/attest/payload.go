package attest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/signing"
	"github.com/clawee-dev/clawee/pkg/canonical"
)

// Payload is one generated attestation: the chained entries plus the
// metadata the verifier needs. The signature covers the canonical form of
// every field except signature and signature_kid.
type Payload struct {
	Ledger               string  `json:"ledger"`
	GeneratedAt          string  `json:"generated_at"`
	Since                string  `json:"since,omitempty"`
	Count                int     `json:"count"`
	Entries              []Entry `json:"entries"`
	FinalHash            string  `json:"final_hash"`
	InvariantCatalogHash string  `json:"invariant_catalog_hash,omitempty"`
	Signature            string  `json:"signature,omitempty"`
	SignatureKid         string  `json:"signature_kid,omitempty"`
}

// NewPayload chains the records and assembles the unsigned payload.
func NewPayload(ledger string, records []map[string]any, since time.Time, generatedAt time.Time) (*Payload, error) {
	entries, finalHash, err := BuildChain(records)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", ledger, err)
	}
	p := &Payload{
		Ledger:      ledger,
		GeneratedAt: generatedAt.UTC().Format(time.RFC3339),
		Count:       len(entries),
		Entries:     entries,
		FinalHash:   finalHash,
	}
	if !since.IsZero() {
		p.Since = since.UTC().Format(time.RFC3339)
	}
	return p, nil
}

// signingView returns the payload without its signature fields, as the
// untyped document the canonical form is computed over.
func (p *Payload) signingView() (map[string]any, error) {
	cp := *p
	cp.Signature = ""
	cp.SignatureKid = ""
	raw, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("reshape payload: %w", err)
	}
	delete(doc, "signature")
	delete(doc, "signature_kid")
	return doc, nil
}

// SigningBytes returns the canonical bytes the signature covers.
func (p *Payload) SigningBytes() ([]byte, error) {
	view, err := p.signingView()
	if err != nil {
		return nil, err
	}
	return canonical.Marshal(view)
}

// Sign attaches the keyring signature under the active kid.
func (p *Payload) Sign(kr *signing.Keyring) error {
	b, err := p.SigningBytes()
	if err != nil {
		return err
	}
	sig := kr.Sign(b)
	p.Signature = sig.Sig
	p.SignatureKid = sig.Kid
	return nil
}

// SignStatic attaches a legacy single-key signature with no kid.
func (p *Payload) SignStatic(key string) error {
	b, err := p.SigningBytes()
	if err != nil {
		return err
	}
	p.Signature = signing.SignStatic(key, b)
	p.SignatureKid = ""
	return nil
}

// PayloadHash is the hash a seal entry records for this payload, computed
// over the canonical form of the whole signed document.
func (p *Payload) PayloadHash() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	c, err := canonical.Transform(raw)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(c), nil
}

// DecodePayload parses a snapshot document. Numbers decode as json.Number
// so entry hashes recompute over the original literals, not a float64
// round trip.
func DecodePayload(raw []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return &p, nil
}
