package shell

import (
	"errors"
	"strings"
)

var (
	errUnterminatedQuote = errors.New("unterminated quoted string")
	errUnbalanced        = errors.New("unbalanced grouping")
)

// pwshDecomposer reads PowerShell command lines with a quote-aware scanner.
// Every grouping ((...), $(...), @(...), {...}) is decomposed again as a
// substituted sub-command list.
type pwshDecomposer struct{}

func (pwshDecomposer) Decompose(commandLine string) Decomposition {
	b := &builder{}
	if err := decomposePwsh(b, commandLine); err != nil {
		return degraded(commandLine, err)
	}
	return Decomposition{FullLine: commandLine, SubCommands: b.subs}
}

func decomposePwsh(b *builder, src string) error {
	res, err := scanPwsh(src)
	if err != nil {
		return err
	}
	for i, seg := range res.segments {
		b.emit(src[seg.start:seg.end])
		for _, g := range res.groups {
			if g.segment != i {
				continue
			}
			b.substDepth++
			err := decomposePwsh(b, src[g.start:g.end])
			b.substDepth--
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// pwshWriteCmdlets write to their -FilePath/-Path argument or, failing
// that, to their first positional argument.
var pwshWriteCmdlets = map[string]bool{
	"out-file":    true,
	"set-content": true,
	"add-content": true,
	"tee-object":  true,
}

func (d pwshDecomposer) FileWrites(commandLine string) []string {
	res, err := scanPwsh(commandLine)
	if err != nil {
		return nil
	}
	out := append([]string(nil), res.writes...)
	for _, sub := range d.Decompose(commandLine).SubCommands {
		out = append(out, cmdletWriteTarget(sub.Text)...)
	}
	return out
}

func cmdletWriteTarget(text string) []string {
	tokens := tokenize(text)
	if len(tokens) < 2 || !pwshWriteCmdlets[strings.ToLower(tokens[0])] {
		return nil
	}
	args := tokens[1:]
	for i, a := range args {
		switch strings.ToLower(a) {
		case "-filepath", "-path", "-literalpath":
			if i+1 < len(args) {
				return []string{args[i+1]}
			}
			return nil
		}
	}
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return []string{a}
		}
	}
	return nil
}

type span struct {
	start, end int
	segment    int
}

type scanResult struct {
	segments []span
	groups   []span
	writes   []string
}

type frame struct {
	open  byte // '(', '{' or '"'
	start int
}

// scanPwsh splits src on top-level ;, |, &&, || and newlines, records the
// groupings directly inside each segment, and collects redirect targets at
// any depth.
func scanPwsh(src string) (scanResult, error) {
	var (
		res      scanResult
		stack    []frame
		segStart int
	)

	codeDepth := func() int {
		n := 0
		for _, f := range stack {
			if f.open != '"' {
				n++
			}
		}
		return n
	}
	cut := func(end int) {
		res.segments = append(res.segments, span{start: segStart, end: end})
	}

	for i := 0; i < len(src); i++ {
		c := src[i]
		inString := len(stack) > 0 && stack[len(stack)-1].open == '"'

		if inString {
			switch {
			case c == '`':
				i++
			case c == '"':
				stack = stack[:len(stack)-1]
			case c == '$' && i+1 < len(src) && src[i+1] == '(':
				stack = append(stack, frame{open: '(', start: i + 2})
				i++
			}
			continue
		}

		switch c {
		case '`':
			i++
		case '\'':
			j := strings.IndexByte(src[i+1:], '\'')
			if j < 0 {
				return res, errUnterminatedQuote
			}
			i += j + 1
		case '"':
			stack = append(stack, frame{open: '"', start: i + 1})
		case '(', '{':
			stack = append(stack, frame{open: c, start: i + 1})
		case ')', '}':
			want := byte('(')
			if c == '}' {
				want = '{'
			}
			if len(stack) == 0 || stack[len(stack)-1].open != want {
				return res, errUnbalanced
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if codeDepth() == 0 {
				res.groups = append(res.groups, span{start: top.start, end: i, segment: len(res.segments)})
			}
		case '#':
			if len(stack) == 0 && (i == 0 || isSpace(src[i-1])) {
				nl := strings.IndexByte(src[i:], '\n')
				if nl < 0 {
					cut(i)
					segStart = len(src)
					i = len(src)
					continue
				}
				cut(i)
				i += nl
				segStart = i + 1
			}
		case '>':
			target, next := redirectTarget(src, i)
			if target != "" {
				res.writes = append(res.writes, target)
			}
			i = next
		case ';', '\n', '\r':
			if len(stack) == 0 {
				cut(i)
				segStart = i + 1
			}
		case '|', '&':
			if len(stack) != 0 {
				continue
			}
			if i+1 < len(src) && src[i+1] == c {
				cut(i)
				i++
				segStart = i + 1
			} else if c == '|' {
				cut(i)
				segStart = i + 1
			}
			// A single & is the call operator.
		}
	}

	if len(stack) > 0 {
		if stack[len(stack)-1].open == '"' {
			return res, errUnterminatedQuote
		}
		return res, errUnbalanced
	}
	if segStart < len(src) {
		cut(len(src))
	}
	return res, nil
}

// redirectTarget reads the target of the redirect operator at src[i]. It
// returns the target ("" for stream merges such as 2>&1) and the index of
// the last byte consumed.
func redirectTarget(src string, i int) (string, int) {
	j := i + 1
	if j < len(src) && src[j] == '>' {
		j++
	}
	if j < len(src) && src[j] == '&' {
		return "", j
	}
	for j < len(src) && isSpace(src[j]) {
		j++
	}
	if j >= len(src) {
		return "", j - 1
	}

	if q := src[j]; q == '"' || q == '\'' {
		end := strings.IndexByte(src[j+1:], q)
		if end < 0 {
			return "", len(src) - 1
		}
		return src[j+1 : j+1+end], j + 1 + end
	}

	start := j
	for j < len(src) && !isSpace(src[j]) && !strings.ContainsRune(";|&)}\n", rune(src[j])) {
		j++
	}
	return src[start:j], j - 1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

// tokenize splits a sub-command into arguments, honoring quotes.
func tokenize(s string) []string {
	var (
		tokens  []string
		current strings.Builder
		inQuote byte
		started bool
	)
	flush := func() {
		if started {
			tokens = append(tokens, current.String())
			current.Reset()
			started = false
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '"' || c == '\'':
			inQuote = c
			started = true
		case isSpace(c):
			flush()
		default:
			current.WriteByte(c)
			started = true
		}
	}
	flush()
	return tokens
}
