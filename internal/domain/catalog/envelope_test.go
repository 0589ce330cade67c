package catalog

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/clawee-dev/clawee/internal/domain/signing"
)

func testKeyring(t *testing.T) *signing.Keyring {
	t.Helper()
	kr, err := signing.New("k1", map[string]string{"k1": "secret-one"})
	if err != nil {
		t.Fatal(err)
	}
	return kr
}

const unsignedPolicyDoc = `{
  "high_risk_tools": ["Shell_Exec", "fs_delete"],
  "critical_patterns": ["drop table", "rm -rf /"],
  "high_risk_patterns": ["production", "credentials"]
}`

func TestSignRaw_LoadRoundTrip(t *testing.T) {
	t.Parallel()

	kr := testKeyring(t)
	signed, err := SignRaw([]byte(unsignedPolicyDoc), kr)
	if err != nil {
		t.Fatalf("SignRaw: %v", err)
	}

	loaded, err := LoadPolicy(signed, Trust{Keyring: kr})
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	want := PolicyRules{
		HighRiskTools:    []string{"fs_delete", "shell_exec"},
		CriticalPatterns: []string{"drop table", "rm -rf /"},
		HighRiskPatterns: []string{"credentials", "production"},
	}
	if !reflect.DeepEqual(loaded.Rules, want) {
		t.Errorf("rules = %+v, want %+v", loaded.Rules, want)
	}
	if loaded.Descriptor.SigningMode != signing.ModeKeyring {
		t.Errorf("signing mode = %q, want keyring", loaded.Descriptor.SigningMode)
	}
	if loaded.Descriptor.ActiveKid != "k1" {
		t.Errorf("active kid = %q, want k1", loaded.Descriptor.ActiveKid)
	}
	if len(loaded.Descriptor.Fingerprint) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(loaded.Descriptor.Fingerprint))
	}
}

func TestFingerprint_StableAcrossResigning(t *testing.T) {
	t.Parallel()

	kr := testKeyring(t)
	v2, err := SignRaw([]byte(unsignedPolicyDoc), kr)
	if err != nil {
		t.Fatal(err)
	}
	legacy, err := SignRawStatic([]byte(unsignedPolicyDoc), "legacy-key")
	if err != nil {
		t.Fatal(err)
	}

	fromV2, err := LoadPolicy(v2, Trust{Keyring: kr})
	if err != nil {
		t.Fatal(err)
	}
	fromLegacy, err := LoadPolicy(legacy, Trust{StaticKey: "legacy-key"})
	if err != nil {
		t.Fatal(err)
	}

	if fromV2.Descriptor.Fingerprint != fromLegacy.Descriptor.Fingerprint {
		t.Errorf("fingerprint changed with signature form:\n v2     %s\n legacy %s",
			fromV2.Descriptor.Fingerprint, fromLegacy.Descriptor.Fingerprint)
	}
	if fromLegacy.Descriptor.SigningMode != signing.ModeStatic {
		t.Errorf("legacy mode = %q, want static", fromLegacy.Descriptor.SigningMode)
	}
}

func TestLoad_TamperedDocument(t *testing.T) {
	t.Parallel()

	kr := testKeyring(t)
	signed, err := SignRaw([]byte(unsignedPolicyDoc), kr)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(signed), "drop table", "drop view", 1)

	if _, err := LoadPolicy([]byte(tampered), Trust{Keyring: kr}); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestLoad_UnsignedDocument(t *testing.T) {
	t.Parallel()

	if _, err := LoadPolicy([]byte(unsignedPolicyDoc), Trust{Keyring: testKeyring(t)}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for unsigned catalog, got %v", err)
	}

	loaded, err := LoadPolicy([]byte(unsignedPolicyDoc), Trust{AllowUnsigned: true})
	if err != nil {
		t.Fatalf("dev-mode load: %v", err)
	}
	if loaded.Descriptor.SigningMode != signing.ModeNone {
		t.Errorf("dev-mode signing mode = %q, want none", loaded.Descriptor.SigningMode)
	}
}

func TestLoad_RejectsBothSignatureForms(t *testing.T) {
	t.Parallel()

	doc := `{
  "high_risk_tools": [],
  "critical_patterns": [],
  "high_risk_patterns": [],
  "signature": "` + strings.Repeat("ab", 32) + `",
  "signature_v2": {"kid": "k1", "sig": "` + strings.Repeat("cd", 32) + `"}
}`
	if _, err := LoadPolicy([]byte(doc), Trust{Keyring: testKeyring(t)}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for double-signed document, got %v", err)
	}
}

func TestRotation_LegacyDocumentAcceptedWhileKeyRemains(t *testing.T) {
	t.Parallel()

	oldRing := testKeyring(t)
	signed, err := SignRaw([]byte(unsignedPolicyDoc), oldRing)
	if err != nil {
		t.Fatal(err)
	}

	withK2, err := oldRing.WithKey("k2", "secret-two")
	if err != nil {
		t.Fatal(err)
	}
	rotated, err := withK2.WithActive("k2")
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadPolicy(signed, Trust{Keyring: rotated})
	if err != nil {
		t.Fatalf("document signed under k1 must load while k1 remains in the ring: %v", err)
	}
	if loaded.Descriptor.ActiveKid != "k1" {
		t.Errorf("verified kid = %q, want k1", loaded.Descriptor.ActiveKid)
	}

	resigned, err := SignRaw([]byte(unsignedPolicyDoc), rotated)
	if err != nil {
		t.Fatal(err)
	}
	reloaded, err := LoadPolicy(resigned, Trust{Keyring: rotated})
	if err != nil {
		t.Fatalf("re-signed document failed to load: %v", err)
	}
	if reloaded.Descriptor.ActiveKid != "k2" {
		t.Errorf("re-signed kid = %q, want k2", reloaded.Descriptor.ActiveKid)
	}

	pruned, err := rotated.WithoutKey("k1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(signed, Trust{Keyring: pruned}); !errors.Is(err, ErrSignatureMismatch) {
		t.Errorf("expected ErrSignatureMismatch after k1 removal, got %v", err)
	}
}
