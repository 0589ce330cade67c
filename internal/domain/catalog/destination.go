package catalog

import (
	"encoding/json"
	"regexp"
	"strings"
)

// DestinationScope holds the compiled allow/deny patterns for one channel.
// Evaluation order: a deny match wins; otherwise mode=deny requires an
// allow match, and mode=allow allows unless an allowlist is configured and
// nothing matches.
type DestinationScope struct {
	Mode          string
	Allow         []*regexp.Regexp
	Deny          []*regexp.Regexp
	AllowPatterns []string
	DenyPatterns  []string
}

// Evaluate resolves a destination against the scope. The returned pattern
// is the text of the rule that decided, for decision reasons.
func (s DestinationScope) Evaluate(destination string) (allowed bool, pattern string) {
	for i, re := range s.Deny {
		if re.MatchString(destination) {
			return false, s.DenyPatterns[i]
		}
	}
	for i, re := range s.Allow {
		if re.MatchString(destination) {
			return true, s.AllowPatterns[i]
		}
	}
	if s.Mode == ModeDeny {
		return false, ""
	}
	// mode=allow: an allowlist with no match denies; no allowlist allows.
	if len(s.Allow) > 0 {
		return false, ""
	}
	return true, ""
}

// DestinationRules holds the default scope plus per-channel overrides.
type DestinationRules struct {
	Default  DestinationScope
	Channels map[string]DestinationScope
}

// Scope returns the rules for channel, falling back to the default scope.
func (r DestinationRules) Scope(channel string) DestinationScope {
	if s, ok := r.Channels[strings.ToLower(channel)]; ok {
		return s
	}
	return r.Default
}

type destinationScopeDoc struct {
	Mode  string   `json:"mode"`
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

type destinationDoc struct {
	Default  destinationScopeDoc            `json:"default"`
	Channels map[string]destinationScopeDoc `json:"channels,omitempty"`
}

// compileDestinationScope compiles every pattern up front; a single compile
// failure fails the load.
func compileDestinationScope(scope string, doc destinationScopeDoc) (DestinationScope, error) {
	mode := strings.ToLower(strings.TrimSpace(doc.Mode))
	if mode != ModeAllow && mode != ModeDeny {
		return DestinationScope{}, configErrf(NameDestination, "scope %s: mode must be allow or deny, got %q", scope, doc.Mode)
	}
	out := DestinationScope{
		Mode:          mode,
		Allow:         make([]*regexp.Regexp, 0, len(doc.Allow)),
		Deny:          make([]*regexp.Regexp, 0, len(doc.Deny)),
		AllowPatterns: append([]string{}, doc.Allow...),
		DenyPatterns:  append([]string{}, doc.Deny...),
	}
	for _, p := range doc.Allow {
		re, err := regexp.Compile(p)
		if err != nil {
			return DestinationScope{}, configErrf(NameDestination, "scope %s: allow pattern %q: %v", scope, p, err)
		}
		out.Allow = append(out.Allow, re)
	}
	for _, p := range doc.Deny {
		re, err := regexp.Compile(p)
		if err != nil {
			return DestinationScope{}, configErrf(NameDestination, "scope %s: deny pattern %q: %v", scope, p, err)
		}
		out.Deny = append(out.Deny, re)
	}
	return out, nil
}

// LoadDestination verifies and compiles a destination policy catalog.
func LoadDestination(raw []byte, trust Trust) (*Signed[DestinationRules], error) {
	desc, err := verifyEnvelope(NameDestination, raw, trust)
	if err != nil {
		return nil, err
	}
	var doc destinationDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, configErrf(NameDestination, "decode rules: %v", err)
	}

	rules := DestinationRules{Channels: make(map[string]DestinationScope, len(doc.Channels))}
	if rules.Default, err = compileDestinationScope("default", doc.Default); err != nil {
		return nil, err
	}
	for channel, scopeDoc := range doc.Channels {
		scope, err := compileDestinationScope(channel, scopeDoc)
		if err != nil {
			return nil, err
		}
		rules.Channels[strings.ToLower(channel)] = scope
	}
	return &Signed[DestinationRules]{Rules: rules, Descriptor: desc}, nil
}

// LoadDestinationFile loads a destination policy catalog from disk.
func LoadDestinationFile(path string, trust Trust) (*Signed[DestinationRules], error) {
	raw, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadDestination(raw, trust)
}
