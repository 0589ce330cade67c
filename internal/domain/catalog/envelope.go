// Package catalog loads, verifies, and publishes the signed rule documents
// that feed the gates. Every document is JSON carrying either a legacy
// "signature" (64 hex chars of HMAC-SHA256 over the canonical payload) or a
// "signature_v2" {kid, sig} verified against the keyring. Loaded rules are
// immutable; reloads publish a whole new snapshot.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/signing"
	"github.com/clawee-dev/clawee/pkg/canonical"
)

// Catalog names, used in descriptors, reload endpoints, and error text.
const (
	NamePolicy         = "policy"
	NameCapability     = "capability"
	NameModelRegistry  = "model_registry"
	NameApprovalPolicy = "approval_policy"
	NameDestination    = "destination"
	NameConnector      = "connector"
	NamePricing        = "pricing"
	NameControlTokens  = "control_tokens"
)

// Error classes. ErrConfiguration covers structural problems (unparseable
// document, unsigned catalog without dev mode, missing trust material,
// invalid rules); ErrSignatureMismatch covers failed verification only.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Trust selects the key material available when verifying a document.
type Trust struct {
	// Keyring enables signature_v2 verification and the legacy-signature
	// rotation path. May be nil.
	Keyring *signing.Keyring
	// StaticKey verifies legacy signatures when no keyring is configured.
	StaticKey string
	// AllowUnsigned accepts unsigned documents. Development only.
	AllowUnsigned bool
}

// Descriptor records how a catalog loaded: its content fingerprint and the
// signing mode and key that verified it. Published on the control surface
// for drift detection.
type Descriptor struct {
	Name        string       `json:"name"`
	Fingerprint string       `json:"fingerprint"`
	SigningMode signing.Mode `json:"signing_mode"`
	ActiveKid   string       `json:"active_kid,omitempty"`
	LoadedAt    time.Time    `json:"loaded_at"`
}

// Signed pairs a catalog's normalized rules with its load descriptor.
type Signed[T any] struct {
	Rules      T
	Descriptor Descriptor
}

func configErrf(name, format string, args ...any) error {
	return fmt.Errorf("catalog %s: %w: %s", name, ErrConfiguration, fmt.Sprintf(format, args...))
}

func sigErrf(name, format string, args ...any) error {
	return fmt.Errorf("catalog %s: %w: %s", name, ErrSignatureMismatch, fmt.Sprintf(format, args...))
}

// verifyEnvelope validates the document envelope, verifies its signature
// against the available trust material, and returns the load descriptor.
// The canonical payload excludes the signature fields, so the fingerprint
// identifies content and survives re-signing.
func verifyEnvelope(name string, raw []byte, trust Trust) (Descriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return Descriptor{}, configErrf(name, "parse: %v", err)
	}
	if err := validateEnvelope(doc); err != nil {
		return Descriptor{}, configErrf(name, "envelope: %v", err)
	}

	legacySig, _ := doc["signature"].(string)
	var v2 *signing.Signature
	if rawV2, ok := doc["signature_v2"].(map[string]any); ok {
		kid, _ := rawV2["kid"].(string)
		sig, _ := rawV2["sig"].(string)
		v2 = &signing.Signature{Kid: kid, Sig: sig}
	}
	delete(doc, "signature")
	delete(doc, "signature_v2")

	payload, err := canonical.Marshal(doc)
	if err != nil {
		return Descriptor{}, configErrf(name, "canonicalize: %v", err)
	}

	desc := Descriptor{
		Name:        name,
		Fingerprint: canonical.HashBytes(payload),
		LoadedAt:    time.Now().UTC(),
	}

	switch {
	case v2 != nil:
		if trust.Keyring == nil {
			return Descriptor{}, configErrf(name, "signature_v2 requires a keyring")
		}
		if !trust.Keyring.VerifyKid(payload, *v2) {
			return Descriptor{}, sigErrf(name, "signature_v2 kid %q rejected", v2.Kid)
		}
		desc.SigningMode = signing.ModeKeyring
		desc.ActiveKid = v2.Kid
	case legacySig != "":
		if trust.Keyring != nil {
			ok, kid := trust.Keyring.VerifyAny(payload, legacySig)
			if !ok {
				return Descriptor{}, sigErrf(name, "legacy signature matched no keyring key")
			}
			desc.SigningMode = signing.ModeKeyring
			desc.ActiveKid = kid
		} else if trust.StaticKey != "" {
			if !signing.VerifyStatic(trust.StaticKey, payload, legacySig) {
				return Descriptor{}, sigErrf(name, "legacy signature rejected")
			}
			desc.SigningMode = signing.ModeStatic
		} else {
			return Descriptor{}, configErrf(name, "signed document but no key material configured")
		}
	default:
		if !trust.AllowUnsigned {
			return Descriptor{}, configErrf(name, "document is unsigned")
		}
		desc.SigningMode = signing.ModeNone
	}

	return desc, nil
}

// SignRaw strips any existing signature material from a JSON document,
// signs the canonical payload with the keyring's active key, and returns
// the document with signature_v2 attached, pretty printed.
func SignRaw(raw []byte, kr *signing.Keyring) ([]byte, error) {
	doc, payload, err := unsignedPayload(raw)
	if err != nil {
		return nil, err
	}
	sig := kr.Sign(payload)
	doc["signature_v2"] = map[string]any{"kid": sig.Kid, "sig": sig.Sig}
	return marshalDocument(doc)
}

// SignRawStatic is the legacy single-key variant of SignRaw, attaching a
// bare "signature" field.
func SignRawStatic(raw []byte, key string) ([]byte, error) {
	doc, payload, err := unsignedPayload(raw)
	if err != nil {
		return nil, err
	}
	doc["signature"] = signing.SignStatic(key, payload)
	return marshalDocument(doc)
}

func unsignedPayload(raw []byte) (map[string]any, []byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("parse document: %w", err)
	}
	delete(doc, "signature")
	delete(doc, "signature_v2")
	payload, err := canonical.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("canonicalize document: %w", err)
	}
	return doc, payload, nil
}

func marshalDocument(doc map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// ReadFile is a small helper shared by the per-catalog file loaders.
func ReadFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read catalog: %v", ErrConfiguration, err)
	}
	return raw, nil
}
