package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/autoapprove/internal/shell"
)

func approved() Decision {
	return Decision{Verdict: Approved, Reason: "ok"}
}

func TestParseFileWritePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FileWritePolicy
		wantErr bool
	}{
		{"", FileWritesNever, false},
		{"never", FileWritesNever, false},
		{"outsideWorkspace", FileWritesOutsideWorkspace, false},
		{"outside_workspace", FileWritesOutsideWorkspace, false},
		{"ALL", FileWritesAll, false},
		{"sometimes", FileWritesNever, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFileWritePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			again, err := ParseFileWritePolicy(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestGuardFileWrites_All(t *testing.T) {
	d := GuardFileWrites(approved(), "echo hi > /etc/passwd", FileWritesAll, "/anything", shell.DialectBash)
	assert.Equal(t, ManualApprovalRequired, d.Verdict)
	assert.Contains(t, d.Reason, "/etc/passwd")
	assert.Equal(t, []string{"/etc/passwd"}, d.FileWrites)

	d = GuardFileWrites(approved(), "echo hi > out.txt", FileWritesAll, "/work", shell.DialectBash)
	assert.Equal(t, ManualApprovalRequired, d.Verdict)
}

func TestGuardFileWrites_OutsideWorkspace(t *testing.T) {
	tests := []struct {
		name string
		line string
		root string
		want Verdict
	}{
		{"relative inside", "echo hi > out.txt", "/work", Approved},
		{"nested inside", "echo hi >> logs/today.log", "/work", Approved},
		{"parent dir", `echo "abc" > ../file.txt`, "/work", ManualApprovalRequired},
		{"dot-dot back inside", "echo hi > sub/../out.txt", "/work", Approved},
		{"absolute inside", "echo hi > /work/out.txt", "/work", Approved},
		{"absolute outside", "echo hi > /etc/hosts", "/work", ManualApprovalRequired},
		{"sibling prefix", "echo hi > /workspace2/x", "/work", ManualApprovalRequired},
		{"variable target", "echo hi > $HOME/x", "/work", ManualApprovalRequired},
		{"home target", "echo hi > ~/x", "/work", ManualApprovalRequired},
		{"no root", "echo hi > out.txt", "", ManualApprovalRequired},
		{"stream merge only", "ls 2>&1", "/work", Approved},
		{"no writes", "ls -la", "/work", Approved},
		{"windows root", `echo hi > C:\Work\out.txt`, `c:\work`, Approved},
		{"windows outside", `echo hi > D:\out.txt`, `C:\work`, ManualApprovalRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := GuardFileWrites(approved(), tt.line, FileWritesOutsideWorkspace, tt.root, shell.DialectBash)
			assert.Equal(t, tt.want, d.Verdict, d.Reason)
		})
	}
}

func TestGuardFileWrites_NeverDowngradesOnly(t *testing.T) {
	for _, v := range []Verdict{Denied, ManualApprovalRequired} {
		in := Decision{Verdict: v, Reason: "kept"}
		out := GuardFileWrites(in, "echo hi > /etc/passwd", FileWritesAll, "/work", shell.DialectBash)
		assert.Equal(t, in, out)
	}

	out := GuardFileWrites(approved(), "echo hi > /etc/passwd", FileWritesNever, "/work", shell.DialectBash)
	assert.Equal(t, approved(), out)
}

func TestFileWriteGuard_AllowPaths(t *testing.T) {
	g, err := NewFileWriteGuard(FileWritesAll, "/work", []string{"/dev/null", "/tmp/**"})
	require.NoError(t, err)

	assert.Equal(t, Approved, g.Apply(approved(), "make > /dev/null 2>&1", shell.DialectBash).Verdict)
	assert.Equal(t, Approved, g.Apply(approved(), "echo x > /tmp/a/b.txt", shell.DialectBash).Verdict)
	assert.Equal(t, ManualApprovalRequired, g.Apply(approved(), "echo x > /tmp/a > out.txt", shell.DialectBash).Verdict)

	// Globs see the cleaned path, so dot-dot cannot escape them.
	d := g.Apply(approved(), "echo hi > /tmp/../etc/passwd", shell.DialectBash)
	assert.Equal(t, ManualApprovalRequired, d.Verdict)
	assert.Equal(t, []string{"/tmp/../etc/passwd"}, d.FileWrites)
	assert.Equal(t, ManualApprovalRequired, g.Apply(approved(), "echo hi > /tmp/$X/../../etc/passwd", shell.DialectBash).Verdict)
	assert.Equal(t, Approved, g.Apply(approved(), "echo hi > /tmp/a/../b.txt", shell.DialectBash).Verdict)

	_, err = NewFileWriteGuard(FileWritesAll, "/work", []string{"[unclosed"})
	assert.Error(t, err)
}

func TestFileWriteGuard_LiteralAllowPaths(t *testing.T) {
	g, err := NewFileWriteGuard(FileWritesAll, `C:\repo`, []string{"NUL", "$null"})
	require.NoError(t, err)

	assert.Equal(t, Approved, g.Apply(approved(), "Get-Date > $null", shell.DialectPwsh).Verdict)
	assert.Equal(t, Approved, g.Apply(approved(), "Get-Date > NUL", shell.DialectPwsh).Verdict)
	assert.Equal(t, ManualApprovalRequired, g.Apply(approved(), "Get-Date > $nullx", shell.DialectPwsh).Verdict)
}

func TestGuardFileWrites_DuplicateOutput(t *testing.T) {
	tests := []struct {
		line string
		want Verdict
	}{
		{"echo hi >& /etc/passwd", ManualApprovalRequired},
		{"echo hi >&/etc/passwd", ManualApprovalRequired},
		{"echo hi 1>& out.txt", ManualApprovalRequired},
		{"echo hi >&2", Approved},
		{"echo hi 2>&1", Approved},
		{"echo hi >&-", Approved},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			d := GuardFileWrites(approved(), tt.line, FileWritesAll, "/work", shell.DialectBash)
			assert.Equal(t, tt.want, d.Verdict, d.Reason)
		})
	}
}

func TestFileWriteGuard_Pwsh(t *testing.T) {
	g, err := NewFileWriteGuard(FileWritesOutsideWorkspace, `C:\repo`, nil)
	require.NoError(t, err)

	assert.Equal(t, Approved, g.Apply(approved(), "Get-Date > out.txt", shell.DialectPwsh).Verdict)
	assert.Equal(t, ManualApprovalRequired, g.Apply(approved(), `Get-Date | Out-File C:\other\x.txt`, shell.DialectPwsh).Verdict)
}

func TestFileWriteGuard_Nil(t *testing.T) {
	var g *FileWriteGuard
	assert.Equal(t, approved(), g.Apply(approved(), "echo hi > x", shell.DialectBash))
}
