package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"github.com/agentsh/autoapprove/internal/shell"
)

// FileWritePolicy controls whether approved commands that write files
// still need confirmation.
type FileWritePolicy int

const (
	// FileWritesNever leaves decisions unchanged.
	FileWritesNever FileWritePolicy = iota
	// FileWritesOutsideWorkspace requires confirmation for writes that
	// leave the workspace root or cannot be resolved.
	FileWritesOutsideWorkspace
	// FileWritesAll requires confirmation for any detected write.
	FileWritesAll
)

func (p FileWritePolicy) String() string {
	switch p {
	case FileWritesOutsideWorkspace:
		return "outsideWorkspace"
	case FileWritesAll:
		return "all"
	default:
		return "never"
	}
}

// MarshalText renders the policy by name.
func (p FileWritePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParseFileWritePolicy parses "never", "outsideWorkspace" or "all".
func ParseFileWritePolicy(s string) (FileWritePolicy, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "", "never":
		return FileWritesNever, nil
	case "outsideworkspace":
		return FileWritesOutsideWorkspace, nil
	case "all":
		return FileWritesAll, nil
	default:
		return FileWritesNever, fmt.Errorf("unknown file write policy %q", s)
	}
}

// FileWriteGuard downgrades approvals of commands that write files.
type FileWriteGuard struct {
	Policy        FileWritePolicy
	WorkspaceRoot string
	AllowPaths    []string

	allow []allowPath
}

// allowPath is one allow_paths entry. Literal entries also match the raw
// target text, so unresolvable names like NUL or $null can be listed.
// Globs only match the cleaned absolute path.
type allowPath struct {
	literal string
	glob    glob.Glob
}

// NewFileWriteGuard compiles the allow-listed path globs. Targets matching
// an allow glob never trigger a downgrade.
func NewFileWriteGuard(policy FileWritePolicy, workspaceRoot string, allowPaths []string) (*FileWriteGuard, error) {
	g := &FileWriteGuard{Policy: policy, WorkspaceRoot: workspaceRoot, AllowPaths: allowPaths}
	for _, p := range allowPaths {
		if !strings.ContainsAny(p, "*?[{") {
			g.allow = append(g.allow, allowPath{literal: p})
			continue
		}
		compiled, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("compile allow path %q: %w", p, err)
		}
		g.allow = append(g.allow, allowPath{glob: compiled})
	}
	return g, nil
}

// GuardFileWrites applies policy to d without any allow-listed paths.
func GuardFileWrites(d Decision, commandLine string, policy FileWritePolicy, workspaceRoot string, dialect shell.Dialect) Decision {
	g := &FileWriteGuard{Policy: policy, WorkspaceRoot: workspaceRoot}
	return g.Apply(d, commandLine, dialect)
}

// Apply returns d, downgraded from Approved to ManualApprovalRequired when
// the command line writes files the policy does not allow. Denied and
// manual decisions are returned unchanged.
func (g *FileWriteGuard) Apply(d Decision, commandLine string, dialect shell.Dialect) Decision {
	if g == nil || g.Policy == FileWritesNever || d.Verdict != Approved {
		return d
	}

	targets := shell.FileWrites(dialect, commandLine)
	if len(targets) == 0 {
		return d
	}
	d.FileWrites = targets

	for _, target := range targets {
		resolved, ok := resolveTarget(g.WorkspaceRoot, target)
		if g.allowed(target, resolved, ok) {
			continue
		}
		switch g.Policy {
		case FileWritesAll:
			d.Verdict = ManualApprovalRequired
			d.Reason = fmt.Sprintf("Command line '%s' writes to '%s' and file writes require confirmation", commandLine, target)
			return d
		case FileWritesOutsideWorkspace:
			if !ok || !within(toSlash(g.WorkspaceRoot), resolved) {
				d.Verdict = ManualApprovalRequired
				d.Reason = fmt.Sprintf("Command line '%s' writes to '%s' outside the workspace", commandLine, target)
				return d
			}
		}
	}
	return d
}

func (g *FileWriteGuard) allowed(target, resolved string, ok bool) bool {
	for _, a := range g.allow {
		if a.glob == nil {
			if target == a.literal || (ok && resolved == a.literal) {
				return true
			}
			continue
		}
		if ok && a.glob.Match(resolved) {
			return true
		}
	}
	return false
}

// resolveTarget returns the cleaned, slash-separated absolute form of
// target. Targets that depend on expansions, or relative targets with no
// workspace root, cannot be resolved.
func resolveTarget(root, target string) (string, bool) {
	if target == "" || strings.ContainsAny(target, "$`") || strings.HasPrefix(target, "~") {
		return "", false
	}
	t := toSlash(target)
	if !isAbs(t) {
		if root == "" {
			return "", false
		}
		t = toSlash(root) + "/" + t
	}
	return path.Clean(t), true
}

func within(root, target string) bool {
	if root == "" {
		return false
	}
	root = path.Clean(root)
	if hasDrive(root) || hasDrive(target) {
		root, target = strings.ToLower(root), strings.ToLower(target)
	}
	if root == "/" {
		return strings.HasPrefix(target, "/")
	}
	return target == root || strings.HasPrefix(target, root+"/")
}

func toSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

func isAbs(p string) bool {
	return strings.HasPrefix(p, "/") || hasDrive(p)
}

func hasDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}
