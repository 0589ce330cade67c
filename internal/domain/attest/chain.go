// Package attest implements the hash-chained attestation ledgers: entry
// chains over source records, signed payloads, seal entries linking
// snapshot files, and the offline verification protocol over both.
package attest

import (
	"fmt"

	"github.com/clawee-dev/clawee/pkg/canonical"
)

// Reserved entry keys. Source records must not use them.
const (
	keyPreviousHash = "previous_hash"
	keyEntryHash    = "entry_hash"
)

// Entry is one chained ledger entry: the source record's fields plus
// previous_hash and entry_hash. The untyped representation keeps the
// canonical form byte-identical regardless of which source produced the
// record.
type Entry map[string]any

// EntryHash recomputes the hash of the entry over every field except
// entry_hash itself.
func (e Entry) EntryHash() (string, error) {
	view := make(map[string]any, len(e))
	for k, v := range e {
		if k == keyEntryHash {
			continue
		}
		view[k] = v
	}
	return canonical.Fingerprint(view)
}

// BuildChain chains the records in order, starting from the genesis hash.
// Each entry's previous_hash is the predecessor's entry_hash and its
// entry_hash covers the record fields plus previous_hash. Returns the
// entries and the final hash (genesis when records is empty).
func BuildChain(records []map[string]any) ([]Entry, string, error) {
	prev := canonical.GenesisHash
	entries := make([]Entry, 0, len(records))

	for i, record := range records {
		entry := make(Entry, len(record)+2)
		for k, v := range record {
			if k == keyPreviousHash || k == keyEntryHash {
				return nil, "", fmt.Errorf("record %d uses reserved key %q", i, k)
			}
			entry[k] = v
		}
		entry[keyPreviousHash] = prev

		hash, err := entry.EntryHash()
		if err != nil {
			return nil, "", fmt.Errorf("hash entry %d: %w", i, err)
		}
		entry[keyEntryHash] = hash
		entries = append(entries, entry)
		prev = hash
	}

	return entries, prev, nil
}
