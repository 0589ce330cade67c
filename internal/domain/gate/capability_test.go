package gate

import (
	"testing"
	"time"

	"github.com/clawee-dev/clawee/internal/domain/catalog"
	"github.com/clawee-dev/clawee/internal/domain/decision"
	"github.com/clawee-dev/clawee/internal/domain/signing"
	"github.com/clawee-dev/clawee/pkg/canonical"
)

func capRules() catalog.CapabilityRules {
	return catalog.CapabilityRules{
		Default: catalog.CapabilityScope{
			Mode:         catalog.ModeDeny,
			AllowTools:   []string{"calc", "search"},
			DenyTools:    []string{"shell_exec"},
			AllowActions: []string{"message.send", "tool.execute"},
		},
		Channels: map[string]catalog.CapabilityScope{
			"slack": {
				Mode:         catalog.ModeAllow,
				DenyTools:    []string{"fs_delete"},
				DenyActions:  []string{"channel.archive"},
				AllowActions: []string{},
				AllowTools:   []string{},
			},
		},
	}
}

func TestEvaluateCapability_ToolResolution(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		channel string
		action  string
		tools   []string
		want    decision.Outcome
	}{
		{"allowlisted tool under deny mode", "", "tool.execute", []string{"search"}, decision.OutcomeAllow},
		{"unlisted tool under deny mode", "", "tool.execute", []string{"browse"}, decision.OutcomeBlock},
		{"denylisted tool wins", "", "tool.execute", []string{"shell_exec"}, decision.OutcomeBlock},
		{"one bad tool fails the batch", "", "tool.execute", []string{"search", "shell_exec"}, decision.OutcomeBlock},
		{"unlisted tool under channel allow mode", "slack", "tool.execute", []string{"browse"}, decision.OutcomeAllow},
		{"channel denylist wins", "slack", "tool.execute", []string{"fs_delete"}, decision.OutcomeBlock},
		{"denied channel action", "slack", "channel.archive", nil, decision.OutcomeBlock},
		{"allowed message action", "", "message.send", nil, decision.OutcomeAllow},
		{"unlisted action under deny mode", "", "channel.join", nil, decision.OutcomeBlock},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := &decision.Request{Channel: tc.channel, Action: tc.action, Tools: tc.tools}
			d := EvaluateCapability(capRules(), req)
			if d.Outcome != tc.want {
				t.Errorf("outcome = %q, want %q (%s)", d.Outcome, tc.want, d.Reason)
			}
		})
	}
}

func TestEvaluateCapability_ToolBatchGatedByExecuteAction(t *testing.T) {
	t.Parallel()

	rules := catalog.CapabilityRules{
		Default: catalog.CapabilityScope{
			Mode:       catalog.ModeDeny,
			AllowTools: []string{"search"},
			// tool.execute deliberately not allowed
		},
	}
	req := &decision.Request{Action: "tool.execute", Tools: []string{"search"}}
	d := EvaluateCapability(rules, req)
	if d.Outcome != decision.OutcomeBlock {
		t.Fatalf("outcome = %q, want block when tool.execute is not granted", d.Outcome)
	}
}

func TestEvaluateModel_RegistryResolution(t *testing.T) {
	t.Parallel()

	kr, err := signing.New("k1", map[string]string{"k1": "model-secret"})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	entry := func(id, modality string, approved bool, from, to *time.Time) map[string]any {
		e := catalog.ModelEntry{
			ModelID:        id,
			Modality:       modality,
			ArtifactDigest: "sha256:abc",
			Approved:       approved,
			ValidFrom:      from,
			ValidTo:        to,
		}
		signed, err := catalog.SignModelEntry(e, kr)
		if err != nil {
			t.Fatal(err)
		}
		m := map[string]any{
			"model_id":        signed.ModelID,
			"modality":        signed.Modality,
			"artifact_digest": signed.ArtifactDigest,
			"approved":        signed.Approved,
			"signature":       signed.Signature,
		}
		if from != nil {
			m["valid_from"] = from.Format(time.RFC3339)
		}
		if to != nil {
			m["valid_to"] = to.Format(time.RFC3339)
		}
		return m
	}

	doc := map[string]any{
		"entries": []any{
			entry("gpt-5", "text", true, &past, &future),
			entry("gpt-5", "vision", false, nil, nil),
			entry("old-model", "text", true, nil, &past),
			entry("*", "embedding", true, nil, nil),
		},
	}
	raw, err := canonical.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	signedDoc, err := catalog.SignRaw(raw, kr)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := catalog.LoadModelRegistry(signedDoc, catalog.Trust{Keyring: kr})
	if err != nil {
		t.Fatalf("LoadModelRegistry: %v", err)
	}
	reg := loaded.Rules

	cases := []struct {
		name     string
		model    string
		modality string
		want     decision.Outcome
	}{
		{"approved in window", "gpt-5", "text", decision.OutcomeAllow},
		{"not approved", "gpt-5", "vision", decision.OutcomeBlock},
		{"window elapsed", "old-model", "text", decision.OutcomeBlock},
		{"wildcard fallback", "any-embedder", "embedding", decision.OutcomeAllow},
		{"no entry", "mystery", "text", decision.OutcomeBlock},
		{"no model passes", "", "text", decision.OutcomeAllow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := EvaluateModel(reg, tc.model, tc.modality, now)
			if d.Outcome != tc.want {
				t.Errorf("outcome = %q, want %q (%s)", d.Outcome, tc.want, d.Reason)
			}
		})
	}
}
