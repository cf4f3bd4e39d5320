package shell

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// grammarDecomposer reads POSIX-family command lines with a full shell
// parser.
type grammarDecomposer struct {
	lang syntax.LangVariant
}

func newGrammarDecomposer(d Dialect) grammarDecomposer {
	switch d {
	case DialectSh:
		return grammarDecomposer{lang: syntax.LangPOSIX}
	default:
		// zsh lines are read with the bash grammar; the constructs that
		// matter here (lists, pipelines, substitutions, redirects) agree.
		return grammarDecomposer{lang: syntax.LangBash}
	}
}

func (g grammarDecomposer) parse(commandLine string) (*syntax.File, error) {
	parser := syntax.NewParser(syntax.Variant(g.lang))
	return parser.Parse(strings.NewReader(commandLine), "")
}

func (g grammarDecomposer) Decompose(commandLine string) Decomposition {
	f, err := g.parse(commandLine)
	if err != nil {
		return degraded(commandLine, err)
	}

	w := &walker{src: commandLine}
	for _, stmt := range f.Stmts {
		w.stmt(stmt)
	}
	return Decomposition{FullLine: commandLine, SubCommands: w.subs}
}

// walker collects sub-commands from a parsed file in source order: each
// command first, then the substitutions nested in it.
type walker struct {
	builder
	src string
}

func (w *walker) text(n syntax.Node) string {
	start, end := int(n.Pos().Offset()), int(n.End().Offset())
	if start < 0 || end > len(w.src) || start >= end {
		return ""
	}
	return w.src[start:end]
}

func (w *walker) stmt(s *syntax.Stmt) {
	switch cmd := s.Cmd.(type) {
	case nil:
	case *syntax.BinaryCmd:
		w.stmt(cmd.X)
		w.stmt(cmd.Y)
	case *syntax.CallExpr:
		// Redirections live on the statement, so the call's span is the
		// command without them.
		w.emit(w.text(cmd))
		w.substitutions(cmd)
	case *syntax.DeclClause, *syntax.LetClause:
		w.emit(w.text(cmd))
		w.substitutions(cmd)
	case *syntax.TestClause, *syntax.ArithmCmd:
		w.substitutions(cmd)
	default:
		w.compound(cmd)
	}
	for _, r := range s.Redirs {
		w.substitutions(r)
	}
}

// compound descends into if/while/for/case clauses, blocks, subshells and
// function bodies.
func (w *walker) compound(n syntax.Node) {
	syntax.Walk(n, func(node syntax.Node) bool {
		switch x := node.(type) {
		case *syntax.Stmt:
			w.stmt(x)
			return false
		case *syntax.CmdSubst:
			w.nested(x.Stmts)
			return false
		case *syntax.ProcSubst:
			w.nested(x.Stmts)
			return false
		}
		return true
	})
}

func (w *walker) substitutions(n syntax.Node) {
	syntax.Walk(n, func(node syntax.Node) bool {
		switch x := node.(type) {
		case *syntax.CmdSubst:
			w.nested(x.Stmts)
			return false
		case *syntax.ProcSubst:
			w.nested(x.Stmts)
			return false
		}
		return true
	})
}

func (w *walker) nested(stmts []*syntax.Stmt) {
	w.substDepth++
	defer func() { w.substDepth-- }()
	for _, s := range stmts {
		w.stmt(s)
	}
}

// FileWrites returns output redirection targets and tee arguments. A line
// that does not parse reports no writes; it is already degraded for
// evaluation.
func (g grammarDecomposer) FileWrites(commandLine string) []string {
	f, err := g.parse(commandLine)
	if err != nil {
		return nil
	}

	var out []string
	syntax.Walk(f, func(node syntax.Node) bool {
		switch x := node.(type) {
		case *syntax.Redirect:
			if isOutputRedirect(x) {
				out = append(out, wordText(commandLine, x.Word))
			}
		case *syntax.CallExpr:
			out = append(out, teeTargets(commandLine, x)...)
		}
		return true
	})
	return out
}

func isOutputRedirect(r *syntax.Redirect) bool {
	if r.Word == nil {
		return false
	}
	switch r.Op {
	case syntax.RdrOut, syntax.AppOut, syntax.ClbOut, syntax.RdrAll, syntax.AppAll, syntax.RdrInOut:
		return true
	case syntax.DplOut:
		// >&2, >&- and 2>&1- duplicate or close descriptors; >& file
		// sends stdout and stderr to the file.
		return !isDescriptor(r.Word.Lit())
	default:
		// <& duplicates input and here-documents read.
		return false
	}
}

func isDescriptor(s string) bool {
	s = strings.TrimSuffix(s, "-")
	if s == "" {
		// A bare "-" closes the descriptor.
		return true
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func teeTargets(src string, call *syntax.CallExpr) []string {
	if len(call.Args) == 0 || call.Args[0].Lit() != "tee" {
		return nil
	}
	var out []string
	for _, arg := range call.Args[1:] {
		text := wordText(src, arg)
		if strings.HasPrefix(text, "-") {
			continue
		}
		out = append(out, text)
	}
	return out
}

// wordText returns the unquoted value of a plain word, or its source text
// when it contains expansions.
func wordText(src string, w *syntax.Word) string {
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			if p.Dollar {
				return rawText(src, w)
			}
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return rawText(src, w)
				}
				b.WriteString(lit.Value)
			}
		default:
			return rawText(src, w)
		}
	}
	return b.String()
}

func rawText(src string, w *syntax.Word) string {
	start, end := int(w.Pos().Offset()), int(w.End().Offset())
	if start < 0 || end > len(src) || start >= end {
		return ""
	}
	return src[start:end]
}
