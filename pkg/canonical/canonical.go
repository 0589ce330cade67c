// Package canonical implements the deterministic JSON encoding that feeds
// every signature, fingerprint, and cross-process hash comparison: object
// keys sorted lexicographically at every level, array order preserved,
// shortest numeric literals (RFC 8785), no insignificant whitespace.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the predecessor of the first entry in every hash chain:
// a 32-byte zero hash, hex encoded.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Marshal encodes v as canonical JSON. HTML escaping is disabled so the
// canonical bytes match what other tooling produces for the same document.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}
	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Transform canonicalizes a raw JSON document without re-typing it through
// Go values. Used for documents read from disk so numeric literals are
// normalized from their original text, not from a float64 round trip.
func Transform(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// HashBytes returns the hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the hex SHA-256 of the canonical form of v.
func Fingerprint(v any) (string, error) {
	c, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(c), nil
}
