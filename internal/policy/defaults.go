package policy

// defaultRules are read-only commands that are safe to run without
// confirmation, and commands or arguments that must always be confirmed.
var defaultRules = map[string]RawValue{
	// Navigation and inspection.
	"cd":       Bool(true),
	"echo":     Bool(true),
	"ls":       Bool(true),
	"dir":      Bool(true),
	"pwd":      Bool(true),
	"cat":      Bool(true),
	"head":     Bool(true),
	"tail":     Bool(true),
	"findstr":  Bool(true),
	"wc":       Bool(true),
	"tr":       Bool(true),
	"cut":      Bool(true),
	"cmp":      Bool(true),
	"which":    Bool(true),
	"basename": Bool(true),
	"dirname":  Bool(true),
	"realpath": Bool(true),
	"readlink": Bool(true),
	"stat":     Bool(true),
	"file":     Bool(true),
	"du":       Bool(true),
	"df":       Bool(true),
	"sleep":    Bool(true),
	"nl":       Bool(true),

	// Read-only git.
	"git status": Bool(true),
	"git log":    Bool(true),
	"git show":   Bool(true),
	"git diff":   Bool(true),
	"git grep":   Bool(true),

	// PowerShell equivalents.
	"Get-ChildItem":        Bool(true),
	"Get-Content":          Bool(true),
	"Get-Date":             Bool(true),
	"Get-Random":           Bool(true),
	"Get-Location":         Bool(true),
	"Write-Host":           Bool(true),
	"Write-Output":         Bool(true),
	"Split-Path":           Bool(true),
	"Join-Path":            Bool(true),
	"Start-Sleep":          Bool(true),
	"Where-Object":         Bool(true),
	"/^Select-[a-z0-9]/i":  Bool(true),
	"/^Measure-[a-z0-9]/i": Bool(true),
	"/^Compare-[a-z0-9]/i": Bool(true),
	"/^Format-[a-z0-9]/i":  Bool(true),
	"/^Sort-[a-z0-9]/i":    Bool(true),

	// Safe unless given a dangerous argument.
	"column": Bool(true),
	"date":   Bool(true),
	"find":   Bool(true),
	"grep":   Bool(true),
	"sort":   Bool(true),
	"tree":   Bool(true),

	`/^column\b.*\s-c\s+[0-9]{4,}/`: Bool(false),

	`/^date\b.*\s(-s|--set)\b/`: Bool(false),

	`/^find\b.*\s-(delete|exec|execdir|fprint|fprintf|fls|ok|okdir)\b/`: Bool(false),

	`/^grep\b.*\s(-P|--perl-regexp)\b/`: Bool(false),

	`/^sort\b.*\s(-o|-S|--output|--compress-program)\b/`: Bool(false),

	`/^tree\b.*\s-o\b/`: Bool(false),

	// Deleting files.
	"rm":          Bool(false),
	"rmdir":       Bool(false),
	"del":         Bool(false),
	"Remove-Item": Bool(false),
	"ri":          Bool(false),
	"rd":          Bool(false),
	"erase":       Bool(false),
	"dd":          Bool(false),

	// Managing processes.
	"kill":         Bool(false),
	"ps":           Bool(false),
	"top":          Bool(false),
	"Stop-Process": Bool(false),
	"spps":         Bool(false),
	"taskkill":     Bool(false),
	"taskkill.exe": Bool(false),

	// Web requests.
	"curl":              Bool(false),
	"wget":              Bool(false),
	"Invoke-RestMethod": Bool(false),
	"Invoke-WebRequest": Bool(false),
	"irm":               Bool(false),
	"iwr":               Bool(false),

	// Changing permissions.
	"chmod":            Bool(false),
	"chown":            Bool(false),
	"Set-ItemProperty": Bool(false),
	"sp":               Bool(false),
	"Set-Acl":          Bool(false),

	// Running arbitrary code.
	"jq":                Bool(false),
	"xargs":             Bool(false),
	"eval":              Bool(false),
	"Invoke-Expression": Bool(false),
	"iex":               Bool(false),

	// Transient environment variables, e.g. "FOO=bar cmd".
	`/^[A-Za-z_][A-Za-z0-9_]*=/`: Bool(false),
}

// DefaultRules returns a copy of the built-in default scope entries.
func DefaultRules() map[string]RawValue {
	out := make(map[string]RawValue, len(defaultRules))
	for k, v := range defaultRules {
		out[k] = v
	}
	return out
}
