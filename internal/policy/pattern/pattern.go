// Package pattern compiles auto-approve rule keys into matchers.
// Supports literal prefixes (the default) and delimited regular
// expressions written as /body/flags.
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// PatternType indicates the type of pattern.
type PatternType int

const (
	// PatternTypeLiteral is a prefix match (e.g., "git status").
	PatternTypeLiteral PatternType = iota
	// PatternTypeRegex is a delimited regex (e.g., "/^git (status|log)/i").
	PatternTypeRegex
)

// String returns the string representation of a PatternType.
func (t PatternType) String() string {
	switch t {
	case PatternTypeLiteral:
		return "literal"
	case PatternTypeRegex:
		return "regex"
	default:
		return "unknown"
	}
}

var (
	// ErrEmptyPattern is returned for the empty key and for "//".
	ErrEmptyPattern = errors.New("empty pattern")

	// ErrMatchesEmpty is returned for a regex whose body matches the empty
	// string, such as "/a*/" or "/(?:)/". Such a body would otherwise match
	// every candidate. "/.*/" is the exception.
	ErrMatchesEmpty = errors.New("regex matches the empty string")
)

// matchAllBodies are the empty-matching bodies accepted as an explicit
// match-everything rule.
var matchAllBodies = map[string]bool{
	".*":   true,
	"^.*":  true,
	".*$":  true,
	"^.*$": true,
}

// jsFlags are the flag letters accepted after the closing delimiter. Only
// i, s and m change matching; the rest are accepted for compatibility with
// JavaScript-style keys and ignored.
const jsFlags = "dgimsuvy"

// Pattern represents a compiled rule key.
type Pattern struct {
	Raw   string      // Original key
	Type  PatternType // Type of pattern
	Flags string      // Regex flags as written, empty for literals

	re *regexp.Regexp
}

// CompileOptions configures pattern compilation.
type CompileOptions struct {
	// CaseInsensitive forces case-insensitive matching for every pattern
	// type. Used for shells with case-insensitive command names.
	CaseInsensitive bool
}

// IsDelimited reports whether key uses the /body/flags form. A key that
// starts with "/" but whose trailing segment is not made of flag letters
// (e.g. "/usr/bin/ls") is a literal.
func IsDelimited(key string) bool {
	_, _, ok := splitDelimited(key)
	return ok
}

func splitDelimited(key string) (body, flags string, ok bool) {
	if len(key) < 2 || key[0] != '/' {
		return "", "", false
	}
	end := strings.LastIndexByte(key, '/')
	if end == 0 {
		return "", "", false
	}
	flags = key[end+1:]
	for _, r := range flags {
		if !strings.ContainsRune(jsFlags, r) {
			return "", "", false
		}
	}
	return key[1:end], flags, true
}

// Compile compiles a rule key with default options.
func Compile(key string) (*Pattern, error) {
	return CompileWithOptions(key, CompileOptions{})
}

// CompileWithOptions compiles a rule key with custom options.
func CompileWithOptions(key string, opts CompileOptions) (*Pattern, error) {
	if key == "" {
		return nil, ErrEmptyPattern
	}
	if body, flags, ok := splitDelimited(key); ok {
		return compileRegex(key, body, flags, opts)
	}
	return compileLiteral(key, opts)
}

func compileRegex(key, body, flags string, opts CompileOptions) (*Pattern, error) {
	if body == "" {
		return nil, ErrEmptyPattern
	}

	var mode strings.Builder
	for _, f := range "ism" {
		if strings.ContainsRune(flags, f) || (f == 'i' && opts.CaseInsensitive) {
			mode.WriteRune(f)
		}
	}
	expr := body
	if mode.Len() > 0 {
		expr = "(?" + mode.String() + ")" + body
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	if re.MatchString("") && !matchAllBodies[body] {
		return nil, fmt.Errorf("regex pattern %s: %w", key, ErrMatchesEmpty)
	}

	return &Pattern{
		Raw:   key,
		Type:  PatternTypeRegex,
		Flags: flags,
		re:    re,
	}, nil
}

// compileLiteral builds an anchored prefix expression for key. Path
// separators match either "/" or "\" and path-like keys also accept a
// leading "./" or ".\" on the candidate.
func compileLiteral(key string, opts CompileOptions) (*Pattern, error) {
	var b strings.Builder
	if opts.CaseInsensitive {
		b.WriteString("(?i)")
	}
	b.WriteString("^")
	if strings.ContainsAny(key, `/\`) {
		b.WriteString(`(?:\.[/\\])?`)
	}
	for _, r := range key {
		if r == '/' || r == '\\' {
			b.WriteString(`[/\\]`)
			continue
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	if isWordByte(key[len(key)-1]) {
		b.WriteString(`\b`)
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid literal pattern: %w", err)
	}

	return &Pattern{
		Raw:  key,
		Type: PatternTypeLiteral,
		re:   re,
	}, nil
}

// isWordByte matches the ASCII word class used by \b.
func isWordByte(c byte) bool {
	return c == '_' ||
		('0' <= c && c <= '9') ||
		('a' <= c && c <= 'z') ||
		('A' <= c && c <= 'Z')
}

// Match checks if the candidate matches the pattern.
func (p *Pattern) Match(s string) bool {
	if p == nil || p.re == nil {
		return false
	}
	return p.re.MatchString(s)
}

// String returns the original key.
func (p *Pattern) String() string {
	return p.Raw
}
