package attest

import (
	"fmt"

	"github.com/clawee-dev/clawee/internal/domain/signing"
	"github.com/clawee-dev/clawee/pkg/canonical"
)

// Trust is the key material available to the verifier.
type Trust struct {
	Keyring   *signing.Keyring
	StaticKey string
}

// Result is the structured outcome of a payload verification. Entry is
// the index of the first offending entry when the failure is entry-level,
// -1 otherwise.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Entry  int    `json:"entry,omitempty"`
}

func invalid(reason string, entry int) Result {
	return Result{Valid: false, Reason: reason, Entry: entry}
}

// VerifyPayload recomputes every entry hash, walks the chain from genesis,
// checks final_hash and count, and verifies the signature using the
// recorded kid (or the static key in legacy mode). The first mismatch is
// reported with the offending entry index.
func (t Trust) VerifyPayload(p *Payload) Result {
	if p.Count != len(p.Entries) {
		return invalid(fmt.Sprintf("Count %d does not match %d entries.", p.Count, len(p.Entries)), -1)
	}

	prev := canonical.GenesisHash
	for i, entry := range p.Entries {
		gotPrev, _ := entry[keyPreviousHash].(string)
		if gotPrev != prev {
			return invalid("Chain previous_hash mismatch.", i)
		}
		recorded, _ := entry[keyEntryHash].(string)
		computed, err := entry.EntryHash()
		if err != nil {
			return invalid(fmt.Sprintf("Entry hash computation failed: %v.", err), i)
		}
		if recorded != computed {
			return invalid("Entry hash mismatch.", i)
		}
		prev = recorded
	}
	if p.FinalHash != prev {
		return invalid("Final hash mismatch.", -1)
	}

	if p.Signature == "" {
		return invalid("Payload is unsigned.", -1)
	}
	signingBytes, err := p.SigningBytes()
	if err != nil {
		return invalid(fmt.Sprintf("Canonicalization failed: %v.", err), -1)
	}
	switch {
	case p.SignatureKid != "":
		if t.Keyring == nil {
			return invalid("Signature names a kid but no keyring is configured.", -1)
		}
		if !t.Keyring.VerifyKid(signingBytes, signing.Signature{Kid: p.SignatureKid, Sig: p.Signature}) {
			return invalid(fmt.Sprintf("Signature rejected for kid %q.", p.SignatureKid), -1)
		}
	case t.Keyring != nil:
		if ok, _ := t.Keyring.VerifyAny(signingBytes, p.Signature); !ok {
			return invalid("Signature matched no keyring key.", -1)
		}
	case t.StaticKey != "":
		if !signing.VerifyStatic(t.StaticKey, signingBytes, p.Signature) {
			return invalid("Signature rejected.", -1)
		}
	default:
		return invalid("No key material configured for verification.", -1)
	}

	return Result{Valid: true, Entry: -1}
}

// ChainResult is the structured outcome of a sealed-chain verification.
type ChainResult struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Reason  string `json:"reason,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// SnapshotOpener loads the snapshot document a seal references. Deep
// verification is optional; a nil opener checks the seal chain only.
type SnapshotOpener func(snapshotPath string) (*Payload, error)

// VerifySealedChain walks the seals in file order, checking the linkage
// to the previous current_snapshot_hash, the recomputed seal hash, and,
// when an opener is supplied, the referenced snapshot's payload hash and
// full payload verification.
func (t Trust) VerifySealedChain(seals []*Seal, open SnapshotOpener) ChainResult {
	prev := canonical.GenesisHash
	for i, seal := range seals {
		if seal.PreviousSnapshotHash != prev {
			return ChainResult{Entries: i, Reason: "Seal chain linkage mismatch.", Line: i}
		}
		computed, err := seal.ComputeHash()
		if err != nil {
			return ChainResult{Entries: i, Reason: fmt.Sprintf("Seal hash computation failed: %v.", err), Line: i}
		}
		if computed != seal.CurrentSnapshotHash {
			return ChainResult{Entries: i, Reason: "Seal hash mismatch.", Line: i}
		}
		if seal.Signature != "" && t.Keyring != nil {
			// The seal signature covers the hash view before the
			// signature fields were attached.
			unsigned := *seal
			unsigned.Signature = ""
			unsigned.SignatureKid = ""
			view, err := canonical.Marshal(unsigned.hashView())
			if err != nil {
				return ChainResult{Entries: i, Reason: fmt.Sprintf("Seal canonicalization failed: %v.", err), Line: i}
			}
			if !t.Keyring.VerifyKid(view, signing.Signature{Kid: seal.SignatureKid, Sig: seal.Signature}) {
				return ChainResult{Entries: i, Reason: fmt.Sprintf("Seal signature rejected for kid %q.", seal.SignatureKid), Line: i}
			}
		}
		if open != nil {
			payload, err := open(seal.SnapshotPath)
			if err != nil {
				return ChainResult{Entries: i, Reason: fmt.Sprintf("Snapshot %s unreadable: %v.", seal.SnapshotPath, err), Line: i}
			}
			payloadHash, err := payload.PayloadHash()
			if err != nil {
				return ChainResult{Entries: i, Reason: fmt.Sprintf("Snapshot hash computation failed: %v.", err), Line: i}
			}
			if payloadHash != seal.PayloadHash {
				return ChainResult{Entries: i, Reason: "Snapshot payload hash mismatch.", Line: i}
			}
			if res := t.VerifyPayload(payload); !res.Valid {
				return ChainResult{Entries: i, Reason: fmt.Sprintf("Snapshot %s invalid: %s", seal.SnapshotPath, res.Reason), Line: i}
			}
		}
		prev = seal.CurrentSnapshotHash
	}
	return ChainResult{Valid: true, Entries: len(seals)}
}
