// Package shell splits command lines into the sub-commands an approval
// policy is evaluated against, and detects file writes they perform.
package shell

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Dialect identifies the shell grammar used to read a command line.
type Dialect string

const (
	DialectBash Dialect = "bash"
	DialectSh   Dialect = "sh"
	DialectZsh  Dialect = "zsh"
	DialectPwsh Dialect = "pwsh"
)

// ParseDialect validates a configured dialect name.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DialectBash, nil
	case DialectBash, DialectSh, DialectZsh, DialectPwsh:
		return d, nil
	case "powershell":
		return DialectPwsh, nil
	default:
		return "", fmt.Errorf("unknown shell dialect %q", s)
	}
}

// DetectDialect guesses the dialect from a shell executable path or name,
// e.g. "/usr/bin/pwsh" or "powershell.exe". Unknown shells read as bash.
func DetectDialect(shellPath string) Dialect {
	base := strings.ToLower(filepath.Base(strings.ReplaceAll(shellPath, `\`, "/")))
	base = strings.TrimSuffix(base, ".exe")
	switch base {
	case "pwsh", "powershell", "pwsh-preview":
		return DialectPwsh
	case "sh", "dash", "ash":
		return DialectSh
	case "zsh":
		return DialectZsh
	default:
		return DialectBash
	}
}

// CaseInsensitive reports whether command names are case-insensitive.
func (d Dialect) CaseInsensitive() bool {
	return d == DialectPwsh
}

// Kind describes where a sub-command was found.
type Kind int

const (
	// KindPrimary is the first top-level command of the line.
	KindPrimary Kind = iota
	// KindChained follows a top-level &&, ||, ;, | or & operator.
	KindChained
	// KindSubstituted was found inside $(...), `...`, <(...) or a grouping.
	KindSubstituted
)

func (k Kind) String() string {
	switch k {
	case KindPrimary:
		return "primary"
	case KindChained:
		return "chained"
	case KindSubstituted:
		return "substituted"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for _, c := range []Kind{KindPrimary, KindChained, KindSubstituted} {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown sub-command kind %q", b)
}

// SubCommand is one command invocation extracted from a command line.
type SubCommand struct {
	Text string `json:"text"`
	Kind Kind   `json:"kind"`
}

// Decomposition is the result of splitting a command line.
type Decomposition struct {
	FullLine    string       `json:"full_line"`
	SubCommands []SubCommand `json:"sub_commands"`
	// Degraded is set when the line could not be parsed and the whole
	// input was kept as a single primary sub-command.
	Degraded bool  `json:"degraded,omitempty"`
	ParseErr error `json:"-"`
}

// Texts returns the sub-command texts in order.
func (d Decomposition) Texts() []string {
	out := make([]string, 0, len(d.SubCommands))
	for _, s := range d.SubCommands {
		out = append(out, s.Text)
	}
	return out
}

// Decomposer splits command lines for one dialect.
type Decomposer interface {
	Decompose(commandLine string) Decomposition
	// FileWrites returns the targets the command line writes to, as written
	// (unquoted where the target is a plain word).
	FileWrites(commandLine string) []string
}

// For returns the decomposer for a dialect.
func For(d Dialect) Decomposer {
	if d == DialectPwsh {
		return pwshDecomposer{}
	}
	return newGrammarDecomposer(d)
}

// Decompose splits commandLine using the dialect's decomposer.
func Decompose(d Dialect, commandLine string) Decomposition {
	return For(d).Decompose(commandLine)
}

// FileWrites detects file-write targets using the dialect's decomposer.
func FileWrites(d Dialect, commandLine string) []string {
	return For(d).FileWrites(commandLine)
}

func degraded(commandLine string, err error) Decomposition {
	out := Decomposition{FullLine: commandLine, Degraded: true, ParseErr: err}
	if text := strings.TrimSpace(commandLine); text != "" {
		out.SubCommands = []SubCommand{{Text: text, Kind: KindPrimary}}
	}
	return out
}

// builder assigns kinds as sub-commands are discovered.
type builder struct {
	subs       []SubCommand
	substDepth int
	topLevel   int
}

func (b *builder) emit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	kind := KindSubstituted
	if b.substDepth == 0 {
		kind = KindChained
		if b.topLevel == 0 {
			kind = KindPrimary
		}
		b.topLevel++
	}
	b.subs = append(b.subs, SubCommand{Text: text, Kind: kind})
}
