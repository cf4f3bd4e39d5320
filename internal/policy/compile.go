package policy

import "errors"

// CompileRules turns the raw entries of one scope into rules. A null value
// produces an Unset rule; entries of an invalid shape are reported and
// skipped without affecting the others. Rules are returned in key order.
func CompileRules(scope Scope, raw map[string]RawValue) ([]Rule, []Diagnostic) {
	rules := make([]Rule, 0, len(raw))
	var diags []Diagnostic

	for _, key := range sortedKeys(raw) {
		v := raw[key]
		switch v.kind {
		case rawNull:
			rules = append(rules, Rule{Key: key, Verdict: RuleUnset})
		case rawBool:
			rules = append(rules, Rule{Key: key, Verdict: verdictOf(v.approve)})
		case rawObject:
			match := MatchSubCommand
			if v.matchCommandLine {
				match = MatchCommandLine
			}
			rules = append(rules, Rule{Key: key, Verdict: verdictOf(v.approve), Match: match})
		default:
			diags = append(diags, Diagnostic{Scope: scope, Key: key, Err: errors.New(v.problem)})
		}
	}
	return rules, diags
}

func verdictOf(approve bool) RuleVerdict {
	if approve {
		return RuleApprove
	}
	return RuleDeny
}
