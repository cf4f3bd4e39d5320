package policy

import "sort"

// ScopeRules holds the compiled rules contributed by one scope.
type ScopeRules struct {
	Scope Scope
	Rules []Rule
}

// ResolvedRule is an effective rule together with its provenance.
type ResolvedRule struct {
	Rule
	Source Scope `json:"source"`
	// IsDefault is true when the rule came from the default scope or is
	// identical to the default entry for the same key.
	IsDefault bool `json:"is_default"`
}

// EffectiveRuleSet is the merged, read-only view of all scopes.
type EffectiveRuleSet struct {
	rules map[string]ResolvedRule
}

// Resolve merges scopes from lowest to highest precedence. Scopes are
// ordered by precedence before merging, so the policy scope always wins.
// An Unset rule removes the key merged so far; a higher scope can set it
// again. When ignoreDefaults is set the default scope is skipped.
func Resolve(scopes []ScopeRules, ignoreDefaults bool) EffectiveRuleSet {
	ordered := append([]ScopeRules(nil), scopes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Scope < ordered[j].Scope
	})

	defaults := make(map[string]Rule)
	merged := make(map[string]ResolvedRule)

	for _, sr := range ordered {
		if sr.Scope == ScopeDefault {
			if ignoreDefaults {
				continue
			}
			for _, r := range sr.Rules {
				if r.Verdict == RuleUnset {
					delete(defaults, r.Key)
				} else {
					defaults[r.Key] = r
				}
			}
		}
		for _, r := range sr.Rules {
			if r.Verdict == RuleUnset {
				delete(merged, r.Key)
				continue
			}
			def, ok := defaults[r.Key]
			merged[r.Key] = ResolvedRule{
				Rule:      r,
				Source:    sr.Scope,
				IsDefault: sr.Scope == ScopeDefault || (ok && def == r),
			}
		}
	}
	return EffectiveRuleSet{rules: merged}
}

// Get returns the effective rule for key.
func (s EffectiveRuleSet) Get(key string) (ResolvedRule, bool) {
	r, ok := s.rules[key]
	return r, ok
}

// Len returns the number of effective rules.
func (s EffectiveRuleSet) Len() int {
	return len(s.rules)
}

// Rules returns the effective rules ordered by key.
func (s EffectiveRuleSet) Rules() []ResolvedRule {
	out := make([]ResolvedRule, 0, len(s.rules))
	for _, k := range sortedKeys(s.rules) {
		out = append(out, s.rules[k])
	}
	return out
}
