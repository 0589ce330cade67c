package service

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clawee-dev/clawee/internal/adapter/outbound/sqlite"
	"github.com/clawee-dev/clawee/internal/domain/budget"
	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
	"github.com/clawee-dev/clawee/internal/domain/gate"
	"github.com/clawee-dev/clawee/internal/domain/invariant"
	"github.com/clawee-dev/clawee/internal/domain/signing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKeyring(t *testing.T) *signing.Keyring {
	t.Helper()
	kr, err := signing.New("k1", map[string]string{"k1": "service-test-secret"})
	if err != nil {
		t.Fatal(err)
	}
	return kr
}

// signServiceDoc marshals a catalog payload and signs it with the test
// keyring.
func signServiceDoc(t *testing.T, kr *signing.Keyring, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	signed, err := catalog.SignRaw(raw, kr)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

// testCatalogDocs returns the eight catalog documents the service tests
// run against: "drop table" is a critical pattern, "production" a
// high-risk pattern requiring two approvals from security and platform,
// and gpt-5 is priced at $0.50 per kilotoken each way.
func testCatalogDocs(t *testing.T, kr *signing.Keyring) map[string][]byte {
	t.Helper()

	entry, err := catalog.SignModelEntry(catalog.ModelEntry{
		ModelID:        catalog.WildcardModelID,
		Modality:       "text",
		ArtifactDigest: "sha256:test",
		Approved:       true,
	}, kr)
	if err != nil {
		t.Fatal(err)
	}

	return map[string][]byte{
		catalog.NamePolicy: signServiceDoc(t, kr, map[string]any{
			"high_risk_tools":    []string{"shell_exec"},
			"critical_patterns":  []string{"drop table"},
			"high_risk_patterns": []string{"production"},
		}),
		catalog.NameCapability: signServiceDoc(t, kr, map[string]any{
			"default": map[string]any{"mode": "allow"},
		}),
		catalog.NameModelRegistry: signServiceDoc(t, kr, map[string]any{
			"entries": []catalog.ModelEntry{entry},
		}),
		catalog.NameApprovalPolicy: signServiceDoc(t, kr, map[string]any{
			"default": map[string]any{
				"required_approvals": 2,
				"required_roles":     []string{"security", "platform"},
				"max_uses":           1,
			},
		}),
		catalog.NameDestination: signServiceDoc(t, kr, map[string]any{
			"default": map[string]any{"mode": "allow"},
		}),
		catalog.NameConnector: signServiceDoc(t, kr, map[string]any{
			"connectors": []map[string]any{
				{"channel": "slack", "endpoint": "https://hooks.example.com/slack"},
			},
		}),
		catalog.NamePricing: signServiceDoc(t, kr, map[string]any{
			"models": map[string]any{
				"gpt-5": map[string]any{"input_per_1k": 0.5, "output_per_1k": 0.5},
			},
		}),
		catalog.NameControlTokens: signServiceDoc(t, kr, map[string]any{
			"tokens": []map[string]any{
				{"name": "ops", "token_hash": catalog.HashToken("ops-token"), "roles": []string{"security"}},
			},
		}),
	}
}

func newTestCatalogStore(t *testing.T, kr *signing.Keyring) *catalog.Store {
	t.Helper()
	docs := testCatalogDocs(t, kr)
	trust := catalog.Trust{Keyring: kr}
	snap := &catalog.Snapshot{Keyring: kr, LoadedAt: time.Now().UTC()}

	var err error
	if snap.Policy, err = catalog.LoadPolicy(docs[catalog.NamePolicy], trust); err != nil {
		t.Fatal(err)
	}
	if snap.Capabilities, err = catalog.LoadCapability(docs[catalog.NameCapability], trust); err != nil {
		t.Fatal(err)
	}
	if snap.Models, err = catalog.LoadModelRegistry(docs[catalog.NameModelRegistry], trust); err != nil {
		t.Fatal(err)
	}
	if snap.Approval, err = catalog.LoadApprovalPolicy(docs[catalog.NameApprovalPolicy], trust); err != nil {
		t.Fatal(err)
	}
	if snap.Destinations, err = catalog.LoadDestination(docs[catalog.NameDestination], trust); err != nil {
		t.Fatal(err)
	}
	if snap.Connectors, err = catalog.LoadConnectors(docs[catalog.NameConnector], trust); err != nil {
		t.Fatal(err)
	}
	if snap.Pricing, err = catalog.LoadPricing(docs[catalog.NamePricing], trust); err != nil {
		t.Fatal(err)
	}
	if snap.ControlTokens, err = catalog.LoadControlTokens(docs[catalog.NameControlTokens], trust); err != nil {
		t.Fatal(err)
	}
	return catalog.NewStore(snap)
}

// testEnv wires a full pipeline over in-memory sqlite stores.
type testEnv struct {
	keyring     *signing.Keyring
	catalogs    *catalog.Store
	invariants  *invariant.Registry
	approvals   *ApprovalService
	budgets     *BudgetService
	budgetStore *sqlite.BudgetStore
	pipeline    *Pipeline
}

func newTestEnv(t *testing.T, caps budget.Caps) *testEnv {
	t.Helper()
	kr := testKeyring(t)
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	budgetStore, err := sqlite.NewBudgetStore(db)
	if err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		keyring:     kr,
		catalogs:    newTestCatalogStore(t, kr),
		invariants:  invariant.NewRegistry(),
		budgetStore: budgetStore,
	}
	env.approvals = NewApprovalService(sqlite.NewApprovalStore(db), env.catalogs, env.invariants, nil, testLogger())
	env.budgets = NewBudgetService(budgetStore, env.catalogs, env.invariants, nil, caps, testLogger())
	egress := gate.NewEgressGate(gate.EgressPolicyAllow, nil, testLogger())
	env.pipeline = NewPipeline(egress, env.catalogs, env.approvals, env.budgets, env.invariants, nil, testLogger())
	return env
}

// messageRequest builds a slack message request with the given raw JSON
// body. Fingerprint-relevant fields are held constant so equal bodies
// converge on the same approval record.
func messageRequest(body string) *decision.Request {
	return &decision.Request{
		ID:          uuid.NewString(),
		ReceivedAt:  time.Now().UTC(),
		Method:      "POST",
		Path:        "/v1/messages",
		Channel:     "slack",
		Action:      "message.send",
		Destination: "#eng-infra",
		Model:       "gpt-5",
		Modality:    "text",
		Body:        json.RawMessage(body),
	}
}

func invariantState(t *testing.T, reg *invariant.Registry, id string) invariant.State {
	t.Helper()
	for _, st := range reg.Snapshot() {
		if st.ID == id {
			return st
		}
	}
	t.Fatalf("invariant %s not in snapshot", id)
	return invariant.State{}
}
