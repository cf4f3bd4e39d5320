package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleVerdict is the outcome a single rule assigns to a matching command.
type RuleVerdict int

const (
	RuleUnset RuleVerdict = iota
	RuleApprove
	RuleDeny
)

func (v RuleVerdict) String() string {
	switch v {
	case RuleApprove:
		return "approve"
	case RuleDeny:
		return "deny"
	default:
		return "unset"
	}
}

// MarshalText renders the verdict by name.
func (v RuleVerdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *RuleVerdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "approve":
		*v = RuleApprove
	case "deny":
		*v = RuleDeny
	case "unset":
		*v = RuleUnset
	default:
		return fmt.Errorf("unknown rule verdict %q", b)
	}
	return nil
}

// ScopeMatch selects what a rule is matched against.
type ScopeMatch int

const (
	// MatchSubCommand tests each sub-command individually.
	MatchSubCommand ScopeMatch = iota
	// MatchCommandLine tests the whole, undecomposed command line.
	MatchCommandLine
)

func (m ScopeMatch) String() string {
	if m == MatchCommandLine {
		return "commandLine"
	}
	return "subCommand"
}

// MarshalText renders the match scope by name.
func (m ScopeMatch) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ScopeMatch) UnmarshalText(b []byte) error {
	switch string(b) {
	case "subCommand":
		*m = MatchSubCommand
	case "commandLine":
		*m = MatchCommandLine
	default:
		return fmt.Errorf("unknown match scope %q", b)
	}
	return nil
}

// Rule is one compiled configuration entry.
type Rule struct {
	Key     string      `json:"key"`
	Verdict RuleVerdict `json:"verdict"`
	Match   ScopeMatch  `json:"match"`
}

type rawKind int

const (
	// rawNull is the zero value so that YAML and JSON nulls, which skip
	// custom unmarshalers, still decode to "unset".
	rawNull rawKind = iota
	rawBool
	rawObject
	rawInvalid
)

// RawValue is the configured value of a rule key: a boolean, null, or an
// object {approve: bool, matchCommandLine?: bool}. Values of any other
// shape decode without error and are rejected per entry by CompileRules.
type RawValue struct {
	kind             rawKind
	approve          bool
	matchCommandLine bool
	problem          string
}

// Null returns the value that clears a key inherited from a lower scope.
func Null() RawValue { return RawValue{} }

// Bool returns a plain approve (true) or deny (false) value.
func Bool(approve bool) RawValue { return RawValue{kind: rawBool, approve: approve} }

// Object returns the structured form of a value.
func Object(approve, matchCommandLine bool) RawValue {
	return RawValue{kind: rawObject, approve: approve, matchCommandLine: matchCommandLine}
}

// IsNull reports whether the value clears its key.
func (r RawValue) IsNull() bool { return r.kind == rawNull }

// FromAny converts a generically decoded value (as produced by
// encoding/json or yaml.v3 into an interface{}) into a RawValue.
func FromAny(v any) RawValue {
	switch x := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case map[string]any:
		return objectFromMap(x)
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[fmt.Sprint(k)] = val
		}
		return objectFromMap(m)
	default:
		return RawValue{kind: rawInvalid, problem: fmt.Sprintf("value must be a boolean, null or an object, got %s", describe(v))}
	}
}

func objectFromMap(m map[string]any) RawValue {
	approve, ok := m["approve"]
	if !ok {
		return RawValue{kind: rawInvalid, problem: `object is missing "approve"`}
	}
	a, ok := approve.(bool)
	if !ok {
		return RawValue{kind: rawInvalid, problem: fmt.Sprintf(`"approve" must be a boolean, got %s`, describe(approve))}
	}
	out := Object(a, false)
	if mcl, ok := m["matchCommandLine"]; ok && mcl != nil {
		b, ok := mcl.(bool)
		if !ok {
			return RawValue{kind: rawInvalid, problem: fmt.Sprintf(`"matchCommandLine" must be a boolean, got %s`, describe(mcl))}
		}
		out.matchCommandLine = b
	}
	return out
}

func describe(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int, int64, uint64:
		return "number"
	case []any:
		return "list"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *RawValue) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return err
	}
	*r = FromAny(v)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RawValue) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = FromAny(v)
	return nil
}

// MarshalJSON renders the value in its configuration form.
func (r RawValue) MarshalJSON() ([]byte, error) {
	switch r.kind {
	case rawBool:
		return json.Marshal(r.approve)
	case rawObject:
		return json.Marshal(map[string]bool{"approve": r.approve, "matchCommandLine": r.matchCommandLine})
	default:
		return []byte("null"), nil
	}
}

// Scope is a configuration layer. Higher scopes override lower ones.
type Scope int

const (
	ScopeDefault Scope = iota
	ScopeUser
	ScopeRemote
	ScopeWorkspace
	ScopePolicy
)

// Scopes lists every scope in precedence order, lowest first.
var Scopes = []Scope{ScopeDefault, ScopeUser, ScopeRemote, ScopeWorkspace, ScopePolicy}

func (s Scope) String() string {
	switch s {
	case ScopeDefault:
		return "default"
	case ScopeUser:
		return "user"
	case ScopeRemote:
		return "remote"
	case ScopeWorkspace:
		return "workspace"
	case ScopePolicy:
		return "policy"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// MarshalText renders the scope by name.
func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(b []byte) error {
	parsed, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseScope parses a scope name.
func ParseScope(name string) (Scope, error) {
	for _, s := range Scopes {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown scope %q", name)
}

// Diagnostic reports a configuration entry that could not be used.
type Diagnostic struct {
	Scope Scope  `json:"scope"`
	Key   string `json:"key"`
	Err   error  `json:"-"`
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s rule %q: %v", d.Scope, d.Key, d.Err)
}

// MarshalJSON includes the error message.
func (d Diagnostic) MarshalJSON() ([]byte, error) {
	msg := ""
	if d.Err != nil {
		msg = d.Err.Error()
	}
	return json.Marshal(struct {
		Scope Scope  `json:"scope"`
		Key   string `json:"key"`
		Error string `json:"error"`
	}{d.Scope, d.Key, msg})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
