// Package signing implements HMAC-SHA256 signing of canonical JSON payloads
// with a rotating keyring (one designated active key id). Legacy single-key
// documents are supported as a degenerate keyring during rotation.
package signing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode records how a document was signed at load time.
type Mode string

const (
	ModeNone    Mode = "none"
	ModeStatic  Mode = "static"
	ModeKeyring Mode = "keyring"
)

var (
	ErrNoKeys           = errors.New("keyring has no keys")
	ErrActiveKidMissing = errors.New("active kid not present in keys")
	ErrEmptySecret      = errors.New("keyring secret is empty")
	ErrUnknownKid       = errors.New("unknown kid")
)

// Signature is a keyring signature: the key id that produced it and
// 64 hex characters of HMAC-SHA256 over the canonical payload.
type Signature struct {
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

// Keyring is an immutable set of HMAC secrets with one active key id.
// Rotation publishes a new Keyring; readers keep their snapshot for the
// duration of a request.
type Keyring struct {
	activeKid string
	keys      map[string]string
}

// New validates and builds a keyring. The keys map is copied.
func New(activeKid string, keys map[string]string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	cp := make(map[string]string, len(keys))
	for kid, secret := range keys {
		if secret == "" {
			return nil, fmt.Errorf("%w: kid %q", ErrEmptySecret, kid)
		}
		cp[kid] = secret
	}
	if _, ok := cp[activeKid]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrActiveKidMissing, activeKid)
	}
	return &Keyring{activeKid: activeKid, keys: cp}, nil
}

// FromStaticKey wraps a single legacy secret as a degenerate keyring with
// kid "static".
func FromStaticKey(secret string) (*Keyring, error) {
	return New("static", map[string]string{"static": secret})
}

// ActiveKid returns the id of the key used for new signatures.
func (k *Keyring) ActiveKid() string { return k.activeKid }

// Kids returns all key ids in sorted order.
func (k *Keyring) Kids() []string {
	kids := make([]string, 0, len(k.keys))
	for kid := range k.keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	return kids
}

// Len returns the number of keys in the ring.
func (k *Keyring) Len() int { return len(k.keys) }

// WithKey returns a copy of the keyring with kid added or replaced.
func (k *Keyring) WithKey(kid, secret string) (*Keyring, error) {
	cp := make(map[string]string, len(k.keys)+1)
	for id, s := range k.keys {
		cp[id] = s
	}
	cp[kid] = secret
	return New(k.activeKid, cp)
}

// WithoutKey returns a copy of the keyring with kid removed. Removing the
// active kid is rejected; switch the active key first.
func (k *Keyring) WithoutKey(kid string) (*Keyring, error) {
	if kid == k.activeKid {
		return nil, fmt.Errorf("cannot remove active kid %q", kid)
	}
	if _, ok := k.keys[kid]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKid, kid)
	}
	cp := make(map[string]string, len(k.keys)-1)
	for id, s := range k.keys {
		if id != kid {
			cp[id] = s
		}
	}
	return New(k.activeKid, cp)
}

// WithActive returns a copy of the keyring with the active kid switched.
func (k *Keyring) WithActive(kid string) (*Keyring, error) {
	if _, ok := k.keys[kid]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKid, kid)
	}
	cp := make(map[string]string, len(k.keys))
	for id, s := range k.keys {
		cp[id] = s
	}
	return New(kid, cp)
}

// Sign computes the signature of canonical under the active key.
func (k *Keyring) Sign(canonical []byte) Signature {
	return Signature{
		Kid: k.activeKid,
		Sig: hmacHex(k.keys[k.activeKid], canonical),
	}
}

// VerifyKid checks sig against the key it names. The comparison is constant
// time over the decoded bytes; a length mismatch is rejected up front.
func (k *Keyring) VerifyKid(canonical []byte, sig Signature) bool {
	secret, ok := k.keys[sig.Kid]
	if !ok {
		return false
	}
	return verifyHex(secret, canonical, sig.Sig)
}

// VerifyAny checks a bare legacy signature against every key in the ring
// and reports the kid that matched. Only used to accept single-signature
// documents while their key is still in rotation.
func (k *Keyring) VerifyAny(canonical []byte, sigHex string) (bool, string) {
	for _, kid := range k.Kids() {
		if verifyHex(k.keys[kid], canonical, sigHex) {
			return true, kid
		}
	}
	return false, ""
}

// keyringFile is the on-disk document shape shared by JSON and YAML.
type keyringFile struct {
	ActiveKid string            `json:"active_kid" yaml:"active_kid"`
	Keys      map[string]string `json:"keys" yaml:"keys"`
}

// LoadFile reads a keyring document from path. YAML is selected by the
// .yaml/.yml extension; anything else parses as JSON.
func LoadFile(path string) (*Keyring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	var doc keyringFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse keyring %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse keyring %s: %w", path, err)
		}
	}
	return New(doc.ActiveKid, doc.Keys)
}

// SaveFile writes the keyring document to path with 0600 permissions,
// using the same extension convention as LoadFile.
func (k *Keyring) SaveFile(path string) error {
	doc := keyringFile{ActiveKid: k.activeKid, Keys: k.keys}
	var (
		raw []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err = yaml.Marshal(doc)
	default:
		raw, err = json.MarshalIndent(doc, "", "  ")
		raw = append(raw, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode keyring: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("write keyring: %w", err)
	}
	return nil
}
