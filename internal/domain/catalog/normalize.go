package catalog

import (
	"sort"
	"strings"
)

// normalizeSet lowercases, trims, dedupes, and sorts a string set.
func normalizeSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// containsString reports set membership in a normalized (sorted) set.
func containsString(set []string, s string) bool {
	i := sort.SearchStrings(set, s)
	return i < len(set) && set[i] == s
}

// ContainsRule reports membership of s in a normalized rule set. The set
// must have been produced by a catalog loader (lowercased, sorted).
func ContainsRule(set []string, s string) bool {
	return containsString(set, s)
}
