package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// SignStatic computes the legacy single-key signature: 64 hex characters of
// HMAC-SHA256 over the canonical payload.
func SignStatic(secret string, canonical []byte) string {
	return hmacHex(secret, canonical)
}

// VerifyStatic checks a legacy signature in constant time.
func VerifyStatic(secret string, canonical []byte, sigHex string) bool {
	return verifyHex(secret, canonical, sigHex)
}

func hmacHex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHex(secret string, payload []byte, sigHex string) bool {
	want, err := hex.DecodeString(strings.ToLower(sigHex))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	got := mac.Sum(nil)
	if len(want) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}
