package catalog

import (
	"encoding/json"
	"strings"
)

// Capability modes. Under ModeDeny everything not allowlisted is denied;
// under ModeAllow everything not denylisted is allowed.
const (
	ModeAllow = "allow"
	ModeDeny  = "deny"
)

// CapabilityScope is one allow/deny rule set for tools and actions. All
// sets are normalized to lowercase and sorted at load time.
type CapabilityScope struct {
	Mode         string   `json:"mode"`
	AllowTools   []string `json:"allow_tools"`
	DenyTools    []string `json:"deny_tools"`
	AllowActions []string `json:"allow_actions"`
	DenyActions  []string `json:"deny_actions"`
}

// AllowsTool applies the deny-first resolution for a single tool name.
func (s CapabilityScope) AllowsTool(tool string) bool {
	tool = strings.ToLower(tool)
	if containsString(s.DenyTools, tool) {
		return false
	}
	if containsString(s.AllowTools, tool) {
		return true
	}
	return s.Mode == ModeAllow
}

// AllowsAction applies the deny-first resolution for a channel action.
func (s CapabilityScope) AllowsAction(action string) bool {
	action = strings.ToLower(action)
	if containsString(s.DenyActions, action) {
		return false
	}
	if containsString(s.AllowActions, action) {
		return true
	}
	return s.Mode == ModeAllow
}

// CapabilityRules holds the default scope plus per-channel overrides.
type CapabilityRules struct {
	Default  CapabilityScope            `json:"default"`
	Channels map[string]CapabilityScope `json:"channels,omitempty"`
}

// Scope returns the rules for channel, falling back to the default scope.
func (r CapabilityRules) Scope(channel string) CapabilityScope {
	if s, ok := r.Channels[strings.ToLower(channel)]; ok {
		return s
	}
	return r.Default
}

func normalizeCapabilityScope(name, scope string, s CapabilityScope) (CapabilityScope, error) {
	s.Mode = strings.ToLower(strings.TrimSpace(s.Mode))
	if s.Mode != ModeAllow && s.Mode != ModeDeny {
		return s, configErrf(name, "scope %s: mode must be allow or deny, got %q", scope, s.Mode)
	}
	s.AllowTools = normalizeSet(s.AllowTools)
	s.DenyTools = normalizeSet(s.DenyTools)
	s.AllowActions = normalizeSet(s.AllowActions)
	s.DenyActions = normalizeSet(s.DenyActions)
	return s, nil
}

// LoadCapability verifies and normalizes a capability catalog document.
func LoadCapability(raw []byte, trust Trust) (*Signed[CapabilityRules], error) {
	desc, err := verifyEnvelope(NameCapability, raw, trust)
	if err != nil {
		return nil, err
	}
	var rules CapabilityRules
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, configErrf(NameCapability, "decode rules: %v", err)
	}
	if rules.Default, err = normalizeCapabilityScope(NameCapability, "default", rules.Default); err != nil {
		return nil, err
	}
	normalized := make(map[string]CapabilityScope, len(rules.Channels))
	for channel, scope := range rules.Channels {
		s, err := normalizeCapabilityScope(NameCapability, channel, scope)
		if err != nil {
			return nil, err
		}
		normalized[strings.ToLower(channel)] = s
	}
	rules.Channels = normalized
	return &Signed[CapabilityRules]{Rules: rules, Descriptor: desc}, nil
}

// LoadCapabilityFile loads a capability catalog from disk.
func LoadCapabilityFile(path string, trust Trust) (*Signed[CapabilityRules], error) {
	raw, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadCapability(raw, trust)
}
