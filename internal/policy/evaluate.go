package policy

import (
	"fmt"
	"strings"

	"github.com/agentsh/autoapprove/internal/shell"
)

// Verdict is the final outcome for a command line.
type Verdict int

const (
	ManualApprovalRequired Verdict = iota
	Approved
	Denied
)

func (v Verdict) String() string {
	switch v {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	default:
		return "manual_approval_required"
	}
}

// MarshalText renders the verdict by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// ParseVerdict parses a verdict name as rendered by String.
func ParseVerdict(s string) (Verdict, error) {
	var v Verdict
	err := v.UnmarshalText([]byte(s))
	return v, err
}

func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "approved":
		*v = Approved
	case "denied":
		*v = Denied
	case "manual_approval_required":
		*v = ManualApprovalRequired
	default:
		return fmt.Errorf("unknown verdict %q", b)
	}
	return nil
}

// MatchedRule records a rule that contributed to a decision.
type MatchedRule struct {
	Key       string      `json:"key"`
	Verdict   RuleVerdict `json:"verdict"`
	Match     ScopeMatch  `json:"match"`
	Source    Scope       `json:"source"`
	IsDefault bool        `json:"is_default"`
	// Subject is the sub-command or command line the rule matched.
	Subject string `json:"subject"`
}

// Decision is the result of evaluating a command line.
type Decision struct {
	Verdict     Verdict            `json:"verdict"`
	Reason      string             `json:"reason"`
	Rules       []MatchedRule      `json:"rules,omitempty"`
	SubCommands []shell.SubCommand `json:"sub_commands"`
	Degraded    bool               `json:"degraded,omitempty"`
	FileWrites  []string           `json:"file_writes,omitempty"`
}

// Evaluate decides a decomposed command line against rs. Deny rules win
// over approve rules; a line is approved when a command-line rule approves
// it or when every sub-command is approved by some rule. A line with no
// sub-commands is never approved by sub-command rules.
func Evaluate(rs *RuleSet, d shell.Decomposition, dialect shell.Dialect) Decision {
	fold := dialect.CaseInsensitive()
	out := Decision{SubCommands: d.SubCommands, Degraded: d.Degraded}
	line := d.FullLine

	if m, ok := firstMatch(rs.lineDeny, line, fold); ok {
		out.Verdict = Denied
		out.Reason = fmt.Sprintf("Command line '%s' is denied by deny list rule: %s", line, m.rule.Key)
		out.Rules = []MatchedRule{m.matched(line)}
		return out
	}

	for _, sub := range d.SubCommands {
		subject := matchSubject(sub.Text, dialect)
		if m, ok := firstMatch(rs.subDeny, subject, fold); ok {
			out.Verdict = Denied
			out.Reason = fmt.Sprintf("Command '%s' is denied by deny list rule: %s", sub.Text, m.rule.Key)
			out.Rules = []MatchedRule{m.matched(sub.Text)}
			return out
		}
	}

	lineApproval, lineApproved := firstMatch(rs.lineApprove, line, fold)

	var (
		approvals  []MatchedRule
		reasons    []string
		unapproved = -1
	)
	for i, sub := range d.SubCommands {
		m, ok := firstMatch(rs.subApprove, matchSubject(sub.Text, dialect), fold)
		if !ok {
			if unapproved < 0 {
				unapproved = i
			}
			continue
		}
		approvals = append(approvals, m.matched(sub.Text))
		reasons = append(reasons, fmt.Sprintf("Command '%s' is approved by allow list rule: %s", sub.Text, m.rule.Key))
	}
	allApproved := len(d.SubCommands) > 0 && unapproved < 0

	switch {
	case lineApproved:
		out.Verdict = Approved
		out.Reason = fmt.Sprintf("Command line '%s' is approved by allow list rule: %s", line, lineApproval.rule.Key)
		out.Rules = []MatchedRule{lineApproval.matched(line)}
	case allApproved:
		out.Verdict = Approved
		out.Reason = strings.Join(reasons, ", ")
		out.Rules = approvals
	case len(d.SubCommands) == 0:
		out.Verdict = ManualApprovalRequired
		out.Reason = fmt.Sprintf("Command line '%s' has no sub-commands to approve", line)
	default:
		out.Verdict = ManualApprovalRequired
		out.Reason = fmt.Sprintf("Command '%s' has no matching auto approve entries", d.SubCommands[unapproved].Text)
		out.Rules = approvals
	}
	return out
}

// matchSubject is the text sub-command rules are tested against. PowerShell
// sub-commands may start with the "(" of a grouping expression.
func matchSubject(text string, dialect shell.Dialect) string {
	if dialect == shell.DialectPwsh {
		return strings.TrimLeft(text, "(")
	}
	return text
}
