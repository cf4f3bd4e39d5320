package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(WithDefaultRules(), WithLogger(discardLogger()))
	snap := e.Rebuild()
	require.Empty(t, snap.Diagnostics, "default rules must all compile")
	return e
}

func TestDefaultRules_Approved(t *testing.T) {
	e := defaultEngine(t)

	for _, cmd := range []string{
		`echo "abc"`,
		"ls -la",
		"pwd",
		"cat file.txt",
		"head -n 10 file.txt",
		"tail -f log.txt",
		"findstr pattern file.txt",
		"wc -l file.txt",
		"tr a-z A-Z",
		"cut -d: -f1",
		"cmp file1 file2",
		"which node",
		"basename /path/to/file",
		"dirname /path/to/file",
		"realpath .",
		"readlink -f symlink",
		"stat file.txt",
		"file document.pdf",
		"du -sh folder",
		"df -h",
		"sleep 5",
		"cd /home/user",
		"nl -ba path/to/file.txt",
		"git status",
		"git log --oneline",
		"git show HEAD",
		"git diff main",
		`git grep "TODO"`,
		"Get-ChildItem",
		"Get-Date",
		"Get-Random",
		"Get-Location",
		`Write-Host "Hello"`,
		`Write-Output "Test"`,
		`Split-Path C:\\Users\\test`,
		"Join-Path C:\\Users test",
		"Start-Sleep 2",
		"Select-Object Name",
		"Measure-Object",
		"Compare-Object $a $b",
		"Format-Table",
		"Sort-Object Name",
		"column data.txt",
		"date +%Y-%m-%d",
		`find . -name "*.txt"`,
		"grep pattern file.txt",
		"sort file.txt",
		"tree directory",
		"cat file.txt | sort | head -5",
		"echo $(pwd) && ls",
	} {
		t.Run(cmd, func(t *testing.T) {
			d, err := e.Evaluate(cmd)
			require.NoError(t, err)
			assert.Equal(t, Approved, d.Verdict, d.Reason)
		})
	}
}

func TestDefaultRules_RequireConfirmation(t *testing.T) {
	e := defaultEngine(t)

	for _, cmd := range []string{
		"rm file.txt",
		"rmdir folder",
		"del file.txt",
		"Remove-Item file.txt",
		"ri file.txt",
		"rd folder",
		"erase file.txt",
		"dd if=/dev/zero of=file",
		"kill 1234",
		"ps aux",
		"top",
		"Stop-Process -Id 1234",
		"spps notepad",
		"taskkill /f /im notepad.exe",
		"taskkill.exe /f /im cmd.exe",
		"curl https://example.com",
		"wget https://example.com/file",
		"Invoke-RestMethod https://api.example.com",
		"Invoke-WebRequest https://example.com",
		"irm https://example.com",
		"iwr https://example.com",
		"chmod 755 file.sh",
		"chown user file.txt",
		"Set-ItemProperty file.txt IsReadOnly $true",
		"sp file.txt IsReadOnly $true",
		"Set-Acl file.txt $acl",
		"jq '.name' file.json",
		"xargs rm",
		`eval "echo hello"`,
		`Invoke-Expression "Get-Date"`,
		`iex "Write-Host test"`,
		"column -c 10000 file.txt",
		`date --set="2023-01-01"`,
		"date -s tomorrow",
		"find . -delete",
		`find . -exec rm {} \;`,
		"find . -execdir rm {} +",
		"find . -fprint output.txt",
		"sort -o /etc/passwd file.txt",
		"sort -S 100G file.txt",
		"tree -o output.txt",
		"VAR=value command",
		`ls="test" curl https://api.example.com`,
		"A=1 B=2 C=3 ./script.sh",
		"echo hello && rm file.txt",
		"ls $(rm -rf /)",
		"make",
	} {
		t.Run(cmd, func(t *testing.T) {
			d, err := e.Evaluate(cmd)
			require.NoError(t, err)
			assert.NotEqual(t, Approved, d.Verdict, d.Reason)
		})
	}
}

func TestDefaultRules_IsDefault(t *testing.T) {
	e := defaultEngine(t)
	d, err := e.Evaluate("echo hello")
	require.NoError(t, err)
	require.Len(t, d.Rules, 1)
	assert.True(t, d.Rules[0].IsDefault)
	assert.Equal(t, ScopeDefault, d.Rules[0].Source)
}

func TestDefaultRules_ReturnsCopy(t *testing.T) {
	a := DefaultRules()
	delete(a, "echo")
	_, ok := DefaultRules()["echo"]
	assert.True(t, ok)
}
