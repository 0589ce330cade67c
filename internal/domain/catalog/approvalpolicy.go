package catalog

import (
	"encoding/json"
	"strings"
)

// ApprovalRequirement is the quorum one approvable operation must meet.
// MaxUses defaults to 1 (single-use approval).
type ApprovalRequirement struct {
	RequiredApprovals int      `json:"required_approvals"`
	RequiredRoles     []string `json:"required_roles,omitempty"`
	MaxUses           int      `json:"max_uses,omitempty"`
}

// ApprovalPolicy holds the default requirement plus override maps keyed by
// risk class, tool name, and "channel:action".
type ApprovalPolicy struct {
	Default         ApprovalRequirement            `json:"default"`
	ByRiskClass     map[string]ApprovalRequirement `json:"by_risk_class,omitempty"`
	ByTool          map[string]ApprovalRequirement `json:"by_tool,omitempty"`
	ByChannelAction map[string]ApprovalRequirement `json:"by_channel_action,omitempty"`
}

// Resolve merges the default with every override matched by the request:
// union of required roles, max of required approvals, max of max uses.
func (p ApprovalPolicy) Resolve(riskClass string, tools []string, channelAction string) ApprovalRequirement {
	merged := p.Default
	merge := func(r ApprovalRequirement) {
		if r.RequiredApprovals > merged.RequiredApprovals {
			merged.RequiredApprovals = r.RequiredApprovals
		}
		if r.MaxUses > merged.MaxUses {
			merged.MaxUses = r.MaxUses
		}
		merged.RequiredRoles = normalizeSet(append(append([]string{}, merged.RequiredRoles...), r.RequiredRoles...))
	}

	if r, ok := p.ByRiskClass[strings.ToLower(riskClass)]; ok {
		merge(r)
	}
	for _, tool := range tools {
		if r, ok := p.ByTool[strings.ToLower(tool)]; ok {
			merge(r)
		}
	}
	if r, ok := p.ByChannelAction[strings.ToLower(channelAction)]; ok {
		merge(r)
	}
	return merged
}

func normalizeRequirement(name, key string, r ApprovalRequirement) (ApprovalRequirement, error) {
	if r.RequiredApprovals < 1 || r.RequiredApprovals > 5 {
		return r, configErrf(name, "%s: required_approvals must be 1..5, got %d", key, r.RequiredApprovals)
	}
	if r.MaxUses == 0 {
		r.MaxUses = 1
	}
	if r.MaxUses < 1 {
		return r, configErrf(name, "%s: max_uses must be positive, got %d", key, r.MaxUses)
	}
	r.RequiredRoles = normalizeSet(r.RequiredRoles)
	return r, nil
}

// LoadApprovalPolicy verifies and normalizes an approval policy catalog.
func LoadApprovalPolicy(raw []byte, trust Trust) (*Signed[ApprovalPolicy], error) {
	desc, err := verifyEnvelope(NameApprovalPolicy, raw, trust)
	if err != nil {
		return nil, err
	}
	var policy ApprovalPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return nil, configErrf(NameApprovalPolicy, "decode rules: %v", err)
	}
	if policy.Default, err = normalizeRequirement(NameApprovalPolicy, "default", policy.Default); err != nil {
		return nil, err
	}
	if policy.ByRiskClass, err = normalizeOverrides(policy.ByRiskClass); err != nil {
		return nil, err
	}
	if policy.ByTool, err = normalizeOverrides(policy.ByTool); err != nil {
		return nil, err
	}
	if policy.ByChannelAction, err = normalizeOverrides(policy.ByChannelAction); err != nil {
		return nil, err
	}
	return &Signed[ApprovalPolicy]{Rules: policy, Descriptor: desc}, nil
}

func normalizeOverrides(overrides map[string]ApprovalRequirement) (map[string]ApprovalRequirement, error) {
	if overrides == nil {
		return nil, nil
	}
	out := make(map[string]ApprovalRequirement, len(overrides))
	for key, r := range overrides {
		normalized, err := normalizeRequirement(NameApprovalPolicy, key, r)
		if err != nil {
			return nil, err
		}
		out[strings.ToLower(key)] = normalized
	}
	return out, nil
}

// LoadApprovalPolicyFile loads an approval policy catalog from disk.
func LoadApprovalPolicyFile(path string, trust Trust) (*Signed[ApprovalPolicy], error) {
	raw, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadApprovalPolicy(raw, trust)
}
