package policy

import (
	"fmt"

	"github.com/agentsh/autoapprove/internal/policy/pattern"
)

type matcher struct {
	rule   ResolvedRule
	exact  *pattern.Pattern
	folded *pattern.Pattern
}

func (m matcher) match(s string, caseInsensitive bool) bool {
	if caseInsensitive {
		return m.folded.Match(s)
	}
	return m.exact.Match(s)
}

func (m matcher) matched(subject string) MatchedRule {
	return MatchedRule{
		Key:       m.rule.Key,
		Verdict:   m.rule.Verdict,
		Match:     m.rule.Match,
		Source:    m.rule.Source,
		IsDefault: m.rule.IsDefault,
		Subject:   subject,
	}
}

// RuleSet is an effective rule set with every key compiled. It is
// immutable once built and safe for concurrent evaluation.
type RuleSet struct {
	effective EffectiveRuleSet

	subDeny     []matcher
	subApprove  []matcher
	lineDeny    []matcher
	lineApprove []matcher
}

// NewRuleSet compiles each distinct key once into a case-sensitive and a
// case-insensitive matcher. Keys that fail to compile are reported and
// never match.
func NewRuleSet(eff EffectiveRuleSet) (*RuleSet, []Diagnostic) {
	rs := &RuleSet{effective: eff}
	var diags []Diagnostic

	for _, r := range eff.Rules() {
		exact, err := pattern.Compile(r.Key)
		if err != nil {
			diags = append(diags, Diagnostic{Scope: r.Source, Key: r.Key, Err: fmt.Errorf("rule ignored: %w", err)})
			continue
		}
		folded, err := pattern.CompileWithOptions(r.Key, pattern.CompileOptions{CaseInsensitive: true})
		if err != nil {
			diags = append(diags, Diagnostic{Scope: r.Source, Key: r.Key, Err: fmt.Errorf("rule ignored: %w", err)})
			continue
		}

		m := matcher{rule: r, exact: exact, folded: folded}
		switch {
		case r.Match == MatchCommandLine && r.Verdict == RuleDeny:
			rs.lineDeny = append(rs.lineDeny, m)
		case r.Match == MatchCommandLine:
			rs.lineApprove = append(rs.lineApprove, m)
		case r.Verdict == RuleDeny:
			rs.subDeny = append(rs.subDeny, m)
		default:
			rs.subApprove = append(rs.subApprove, m)
		}
	}
	return rs, diags
}

// Effective returns the rule set the matchers were built from.
func (rs *RuleSet) Effective() EffectiveRuleSet {
	return rs.effective
}

// Len returns the number of usable rules.
func (rs *RuleSet) Len() int {
	return len(rs.subDeny) + len(rs.subApprove) + len(rs.lineDeny) + len(rs.lineApprove)
}

func firstMatch(ms []matcher, s string, caseInsensitive bool) (matcher, bool) {
	for _, m := range ms {
		if m.match(s, caseInsensitive) {
			return m, true
		}
	}
	return matcher{}, false
}
