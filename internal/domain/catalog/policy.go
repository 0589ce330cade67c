package catalog

import "encoding/json"

// PolicyRules drive the policy engine: three lowercase pattern sets matched
// against tool names and the request body.
type PolicyRules struct {
	HighRiskTools    []string `json:"high_risk_tools"`
	CriticalPatterns []string `json:"critical_patterns"`
	HighRiskPatterns []string `json:"high_risk_patterns"`
}

// LoadPolicy verifies and normalizes a policy catalog document.
func LoadPolicy(raw []byte, trust Trust) (*Signed[PolicyRules], error) {
	desc, err := verifyEnvelope(NamePolicy, raw, trust)
	if err != nil {
		return nil, err
	}
	var rules PolicyRules
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, configErrf(NamePolicy, "decode rules: %v", err)
	}
	rules.HighRiskTools = normalizeSet(rules.HighRiskTools)
	rules.CriticalPatterns = normalizeSet(rules.CriticalPatterns)
	rules.HighRiskPatterns = normalizeSet(rules.HighRiskPatterns)
	return &Signed[PolicyRules]{Rules: rules, Descriptor: desc}, nil
}

// LoadPolicyFile loads a policy catalog from disk.
func LoadPolicyFile(path string, trust Trust) (*Signed[PolicyRules], error) {
	raw, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadPolicy(raw, trust)
}
