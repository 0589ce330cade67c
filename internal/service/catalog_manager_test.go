package service

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/signing"
)

// writeCatalogFiles lays the signed test catalogs out on disk and returns
// their paths.
func writeCatalogFiles(t *testing.T, kr *signing.Keyring) CatalogPaths {
	t.Helper()
	dir := t.TempDir()
	docs := testCatalogDocs(t, kr)

	write := func(name string) string {
		path := filepath.Join(dir, name+".json")
		if err := os.WriteFile(path, docs[name], 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}
	return CatalogPaths{
		Policy:         write(catalog.NamePolicy),
		Capability:     write(catalog.NameCapability),
		ModelRegistry:  write(catalog.NameModelRegistry),
		ApprovalPolicy: write(catalog.NameApprovalPolicy),
		Destination:    write(catalog.NameDestination),
		Connector:      write(catalog.NameConnector),
		Pricing:        write(catalog.NamePricing),
		ControlTokens:  write(catalog.NameControlTokens),
	}
}

func TestCatalogManager_BootLoadsEveryCatalog(t *testing.T) {
	t.Parallel()
	kr := testKeyring(t)
	paths := writeCatalogFiles(t, kr)

	mgr, err := NewCatalogManager(paths, kr, catalog.Trust{Keyring: kr}, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("NewCatalogManager: %v", err)
	}
	descs := mgr.Store().Current().Descriptors()
	if len(descs) != 8 {
		t.Fatalf("loaded %d catalogs, want 8", len(descs))
	}
	for _, desc := range descs {
		if desc.Fingerprint == "" || desc.SigningMode != signing.ModeKeyring {
			t.Errorf("descriptor %s = %+v, want keyring-signed with fingerprint", desc.Name, desc)
		}
	}
}

func TestCatalogManager_BootFailsOnMissingCatalog(t *testing.T) {
	t.Parallel()
	kr := testKeyring(t)
	paths := writeCatalogFiles(t, kr)
	paths.Pricing = filepath.Join(t.TempDir(), "absent.json")

	if _, err := NewCatalogManager(paths, kr, catalog.Trust{Keyring: kr}, nil, nil, testLogger()); err == nil {
		t.Fatal("boot succeeded with a missing catalog")
	}
}

func TestCatalogManager_ReloadFailureKeepsPrevious(t *testing.T) {
	t.Parallel()
	kr := testKeyring(t)
	paths := writeCatalogFiles(t, kr)
	notifier := &captureNotifier{}

	mgr, err := NewCatalogManager(paths, kr, catalog.Trust{Keyring: kr}, nil, notifier, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	before := mgr.Store().Current().Policy.Descriptor.Fingerprint

	// Rewriting the payload under the old signature must fail
	// verification and leave the live snapshot alone.
	data, err := os.ReadFile(paths.Policy)
	if err != nil {
		t.Fatal(err)
	}
	forged := bytes.Replace(data, []byte("drop table"), []byte("drop_table"), 1)
	if bytes.Equal(forged, data) {
		t.Fatal("tamper target not found in policy document")
	}
	if err := os.WriteFile(paths.Policy, forged, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Reload(context.Background(), catalog.NamePolicy); err == nil {
		t.Fatal("reload of a forged catalog succeeded")
	}
	if got := mgr.Store().Current().Policy.Descriptor.Fingerprint; got != before {
		t.Errorf("live policy fingerprint changed on failed reload: %s != %s", got, before)
	}
	if !notifier.seen("catalog.reload.failed") {
		t.Errorf("alerts = %v, want catalog.reload.failed", notifier.events)
	}
}

func TestCatalogManager_ReloadPublishesNewSnapshot(t *testing.T) {
	t.Parallel()
	kr := testKeyring(t)
	paths := writeCatalogFiles(t, kr)

	mgr, err := NewCatalogManager(paths, kr, catalog.Trust{Keyring: kr}, nil, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	before := mgr.Store().Current().Policy.Descriptor.Fingerprint

	next := signServiceDoc(t, kr, map[string]any{
		"high_risk_tools":    []string{"shell_exec"},
		"critical_patterns":  []string{"drop table", "truncate table"},
		"high_risk_patterns": []string{"production"},
	})
	if err := os.WriteFile(paths.Policy, next, 0o600); err != nil {
		t.Fatal(err)
	}

	desc, err := mgr.Reload(context.Background(), catalog.NamePolicy)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if desc.Fingerprint == before {
		t.Error("reload reported the old fingerprint")
	}
	rules := mgr.Store().Current().Policy.Rules
	if !catalog.ContainsRule(rules.CriticalPatterns, "truncate table") {
		t.Errorf("reloaded patterns = %v, want truncate table present", rules.CriticalPatterns)
	}
}

func TestCatalogManager_UnknownCatalogName(t *testing.T) {
	t.Parallel()
	kr := testKeyring(t)
	paths := writeCatalogFiles(t, kr)

	mgr, err := NewCatalogManager(paths, kr, catalog.Trust{Keyring: kr}, nil, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Reload(context.Background(), "bogus"); err == nil {
		t.Fatal("unknown catalog name accepted")
	}
}
