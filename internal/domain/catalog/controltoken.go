package catalog

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ControlToken is one operator credential for the control surface. The
// token itself is never stored; TokenHash is either an Argon2id PHC string
// or a SHA-256 hex digest.
type ControlToken struct {
	Name      string   `json:"name"`
	TokenHash string   `json:"token_hash"`
	Roles     []string `json:"roles,omitempty"`
}

// ControlTokens is the verified set of operator credentials.
type ControlTokens struct {
	Tokens []ControlToken
}

// Verify checks a presented token against every credential and returns the
// matching one. Matching is constant time per candidate.
func (c ControlTokens) Verify(presented string) (ControlToken, bool) {
	for _, tok := range c.Tokens {
		match, err := verifyTokenHash(presented, tok.TokenHash)
		if err != nil {
			continue
		}
		if match {
			return tok, true
		}
	}
	return ControlToken{}, false
}

// HashToken returns the SHA-256 hex hash of a raw token. Used when seeding
// token catalogs from tooling.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// argon2idParams follows the OWASP minimum configuration.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashTokenArgon2id returns an Argon2id PHC hash of a raw token.
func HashTokenArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

func verifyTokenHash(raw, stored string) (bool, error) {
	switch {
	case strings.HasPrefix(stored, "$argon2id$"):
		return safeArgon2idCompare(raw, stored)
	case len(stored) == 64 && isHexString(stored):
		computed := HashToken(raw)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1, nil
	default:
		return false, fmt.Errorf("unknown token hash format")
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying library panics on malformed PHC parameters
// (t=0, p=0); a bad stored hash must read as no-match, not a crash.
func safeArgon2idCompare(raw, stored string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, stored)
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

type controlTokenDoc struct {
	Tokens []ControlToken `json:"tokens"`
}

// LoadControlTokens verifies a control token catalog document.
func LoadControlTokens(raw []byte, trust Trust) (*Signed[ControlTokens], error) {
	desc, err := verifyEnvelope(NameControlTokens, raw, trust)
	if err != nil {
		return nil, err
	}
	var doc controlTokenDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, configErrf(NameControlTokens, "decode tokens: %v", err)
	}
	seen := make(map[string]struct{}, len(doc.Tokens))
	for i := range doc.Tokens {
		tok := &doc.Tokens[i]
		tok.Name = strings.TrimSpace(tok.Name)
		if tok.Name == "" {
			return nil, configErrf(NameControlTokens, "token %d: empty name", i)
		}
		if _, dup := seen[tok.Name]; dup {
			return nil, configErrf(NameControlTokens, "token %s: duplicate name", tok.Name)
		}
		seen[tok.Name] = struct{}{}
		if !strings.HasPrefix(tok.TokenHash, "$argon2id$") && !(len(tok.TokenHash) == 64 && isHexString(tok.TokenHash)) {
			return nil, configErrf(NameControlTokens, "token %s: token_hash is neither argon2id nor sha256 hex", tok.Name)
		}
		tok.Roles = normalizeSet(tok.Roles)
	}
	return &Signed[ControlTokens]{Rules: ControlTokens{Tokens: doc.Tokens}, Descriptor: desc}, nil
}

// LoadControlTokensFile loads a control token catalog from disk.
func LoadControlTokensFile(path string, trust Trust) (*Signed[ControlTokens], error) {
	raw, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadControlTokens(raw, trust)
}
