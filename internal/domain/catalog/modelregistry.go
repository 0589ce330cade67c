package catalog

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/signing"
	"github.com/clawee-dev/clawee/pkg/canonical"
)

// WildcardModelID is accepted as a registry fallback for any model id.
const WildcardModelID = "*"

var validModalities = map[string]struct{}{
	"text":      {},
	"vision":    {},
	"audio":     {},
	"safety":    {},
	"embedding": {},
}

// ModelEntry is one approved (model_id, modality) registration. Each entry
// carries its own signature over its canonical payload, so individual
// registrations cannot be altered inside an otherwise valid catalog.
type ModelEntry struct {
	ModelID        string     `json:"model_id"`
	Modality       string     `json:"modality"`
	ArtifactDigest string     `json:"artifact_digest"`
	Approved       bool       `json:"approved"`
	ValidFrom      *time.Time `json:"valid_from,omitempty"`
	ValidTo        *time.Time `json:"valid_to,omitempty"`
	Signature      string     `json:"signature"`
}

// payload is the canonical input for the entry signature.
func (e ModelEntry) payload() map[string]any {
	p := map[string]any{
		"model_id":        e.ModelID,
		"modality":        e.Modality,
		"artifact_digest": e.ArtifactDigest,
		"approved":        e.Approved,
	}
	if e.ValidFrom != nil {
		p["valid_from"] = e.ValidFrom.UTC().Format(time.RFC3339)
	}
	if e.ValidTo != nil {
		p["valid_to"] = e.ValidTo.UTC().Format(time.RFC3339)
	}
	return p
}

// CurrentlyValid reports whether the entry is approved and now falls inside
// its validity window.
func (e ModelEntry) CurrentlyValid(now time.Time) bool {
	if !e.Approved {
		return false
	}
	if e.ValidFrom != nil && now.Before(*e.ValidFrom) {
		return false
	}
	if e.ValidTo != nil && now.After(*e.ValidTo) {
		return false
	}
	return true
}

// SignModelEntry computes and attaches the entry signature under the
// keyring's active key. Used by signing tooling and tests.
func SignModelEntry(e ModelEntry, kr *signing.Keyring) (ModelEntry, error) {
	payload, err := canonical.Marshal(e.payload())
	if err != nil {
		return e, err
	}
	e.Signature = kr.Sign(payload).Sig
	return e, nil
}

type modelKey struct {
	id       string
	modality string
}

// ModelRegistry indexes entries by (model_id, modality). Multiple entries
// may share a key when their validity windows differ.
type ModelRegistry struct {
	entries map[modelKey][]ModelEntry
}

// Candidates returns the entries for (modelID, modality), exact matches
// first, then wildcard registrations for the same modality.
func (r ModelRegistry) Candidates(modelID, modality string) []ModelEntry {
	modality = strings.ToLower(modality)
	exact := r.entries[modelKey{id: modelID, modality: modality}]
	wild := r.entries[modelKey{id: WildcardModelID, modality: modality}]
	if len(wild) == 0 {
		return exact
	}
	out := make([]ModelEntry, 0, len(exact)+len(wild))
	out = append(out, exact...)
	out = append(out, wild...)
	return out
}

// Len returns the number of entries in the registry.
func (r ModelRegistry) Len() int {
	n := 0
	for _, es := range r.entries {
		n += len(es)
	}
	return n
}

type modelRegistryDoc struct {
	Entries []ModelEntry `json:"entries"`
}

// LoadModelRegistry verifies a model registry catalog. Any single invalid
// entry (unknown modality, inverted validity window, bad entry signature)
// fails the entire load.
func LoadModelRegistry(raw []byte, trust Trust) (*Signed[ModelRegistry], error) {
	desc, err := verifyEnvelope(NameModelRegistry, raw, trust)
	if err != nil {
		return nil, err
	}
	var doc modelRegistryDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, configErrf(NameModelRegistry, "decode entries: %v", err)
	}

	registry := ModelRegistry{entries: make(map[modelKey][]ModelEntry, len(doc.Entries))}
	for i, e := range doc.Entries {
		e.Modality = strings.ToLower(strings.TrimSpace(e.Modality))
		if e.ModelID == "" {
			return nil, configErrf(NameModelRegistry, "entry %d: empty model_id", i)
		}
		if _, ok := validModalities[e.Modality]; !ok {
			return nil, configErrf(NameModelRegistry, "entry %d (%s): unknown modality %q", i, e.ModelID, e.Modality)
		}
		if e.ValidFrom != nil && e.ValidTo != nil && e.ValidTo.Before(*e.ValidFrom) {
			return nil, configErrf(NameModelRegistry, "entry %d (%s): valid_to precedes valid_from", i, e.ModelID)
		}
		if err := verifyEntrySignature(e, trust); err != nil {
			return nil, err
		}
		k := modelKey{id: e.ModelID, modality: e.Modality}
		registry.entries[k] = append(registry.entries[k], e)
	}

	return &Signed[ModelRegistry]{Rules: registry, Descriptor: desc}, nil
}

func verifyEntrySignature(e ModelEntry, trust Trust) error {
	if e.Signature == "" {
		if trust.AllowUnsigned {
			return nil
		}
		return configErrf(NameModelRegistry, "entry %s/%s: missing signature", e.ModelID, e.Modality)
	}
	payload, err := canonical.Marshal(e.payload())
	if err != nil {
		return configErrf(NameModelRegistry, "entry %s/%s: canonicalize: %v", e.ModelID, e.Modality, err)
	}
	switch {
	case trust.Keyring != nil:
		if ok, _ := trust.Keyring.VerifyAny(payload, e.Signature); !ok {
			return sigErrf(NameModelRegistry, "entry %s/%s: signature matched no keyring key", e.ModelID, e.Modality)
		}
	case trust.StaticKey != "":
		if !signing.VerifyStatic(trust.StaticKey, payload, e.Signature) {
			return sigErrf(NameModelRegistry, "entry %s/%s: signature rejected", e.ModelID, e.Modality)
		}
	default:
		return configErrf(NameModelRegistry, "entry %s/%s: signed entry but no key material configured", e.ModelID, e.Modality)
	}
	return nil
}

// LoadModelRegistryFile loads a model registry catalog from disk.
func LoadModelRegistryFile(path string, trust Trust) (*Signed[ModelRegistry], error) {
	raw, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadModelRegistry(raw, trust)
}
