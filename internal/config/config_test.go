package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/autoapprove/internal/policy"
)

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes(nil)
	require.NoError(t, err)

	assert.False(t, cfg.Rules.IgnoreDefaultRules)
	assert.True(t, cfg.WatchEnabled())
	assert.Equal(t, 200*time.Millisecond, cfg.DebounceDuration())
	assert.Equal(t, ".autoapprove.yaml", cfg.Rules.Scopes.Workspace)
	assert.Equal(t, "outsideWorkspace", cfg.FileWrites.Block)
	assert.Equal(t, []string{"/dev/null", "/dev/stdout", "/dev/stderr"}, cfg.FileWrites.AllowPaths)
	assert.Equal(t, "bash", cfg.Shell.Dialect)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1:8089", cfg.Server.Addr)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
	assert.Equal(t, "/healthz", cfg.Server.HealthPath)
	assert.Equal(t, int64(64*1024), cfg.MaxRequestBytes())
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, "history.db", filepath.Base(cfg.HistoryPath()))
	assert.Equal(t, 720*time.Hour, cfg.RetentionDuration())
	assert.Zero(t, cfg.Server.RateLimit.RequestsPerSecond)
	assert.Zero(t, cfg.Server.RateLimit.Burst)
}

func TestLoad_ParsesAllSections(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
rules:
  ignore_default_rules: true
  watch: false
  debounce: 1s
  scopes:
    user: /etc/aa/user.yaml
    remote: /etc/aa/remote.json
    workspace: .agent/rules.yaml
    policy: /etc/aa/policy.yaml
file_writes:
  block: all
  workspace_root: /work
  allow_paths: []
shell:
  dialect: pwsh
logging:
  level: debug
  format: json
audit:
  enabled: true
  path: /var/log/autoapprove.jsonl
tracing:
  enabled: true
history:
  enabled: true
  path: /var/lib/autoapprove/history.db
  retention: "0"
webhooks:
  - name: alerts
    url: https://hooks.example.com/aa
    verdicts: [denied]
    retry_count: 2
server:
  addr: 127.0.0.1:9999
  max_request_size: 1MB
  rate_limit:
    requests_per_second: 2.5
`), 0o600))

	t.Setenv("AUTOAPPROVE_LOG_LEVEL", "")
	t.Setenv("AUTOAPPROVE_WORKSPACE", "")
	t.Setenv("AUTOAPPROVE_FILE_WRITES", "")
	t.Setenv("AUTOAPPROVE_ADDR", "")
	t.Setenv("AUTOAPPROVE_SHELL", "")
	t.Setenv("AUTOAPPROVE_IGNORE_DEFAULT_RULES", "")
	t.Setenv("AUTOAPPROVE_HISTORY", "")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.True(t, cfg.Rules.IgnoreDefaultRules)
	assert.False(t, cfg.WatchEnabled())
	assert.Equal(t, time.Second, cfg.DebounceDuration())
	assert.Equal(t, "all", cfg.FileWrites.Block)
	assert.Equal(t, "/work", cfg.FileWrites.WorkspaceRoot)
	assert.Empty(t, cfg.FileWrites.AllowPaths)
	assert.Equal(t, "pwsh", cfg.Shell.Dialect)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "/var/log/autoapprove.jsonl", cfg.Audit.Path)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, int64(1000*1000), cfg.MaxRequestBytes())
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "/var/lib/autoapprove/history.db", cfg.HistoryPath())
	assert.Zero(t, cfg.RetentionDuration())
	assert.Equal(t, 2.5, cfg.Server.RateLimit.RequestsPerSecond)
	assert.Equal(t, 3, cfg.Server.RateLimit.Burst)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, "POST", cfg.Webhooks[0].Method)
	assert.Equal(t, "10s", cfg.Webhooks[0].Timeout)
	assert.Equal(t, []string{"denied"}, cfg.Webhooks[0].Verdicts)
	assert.Equal(t, 2, cfg.Webhooks[0].RetryCount)

	files := cfg.ScopeFiles("/work")
	assert.Equal(t, map[policy.Scope]string{
		policy.ScopeUser:      "/etc/aa/user.yaml",
		policy.ScopeRemote:    "/etc/aa/remote.json",
		policy.ScopeWorkspace: filepath.Join("/work", ".agent/rules.yaml"),
		policy.ScopePolicy:    "/etc/aa/policy.yaml",
	}, files)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: info\n"), 0o600))

	t.Setenv("AUTOAPPROVE_LOG_LEVEL", "warn")
	t.Setenv("AUTOAPPROVE_WORKSPACE", "/repo")
	t.Setenv("AUTOAPPROVE_FILE_WRITES", "never")
	t.Setenv("AUTOAPPROVE_ADDR", "0.0.0.0:1234")
	t.Setenv("AUTOAPPROVE_SHELL", "zsh")
	t.Setenv("AUTOAPPROVE_IGNORE_DEFAULT_RULES", "true")
	t.Setenv("AUTOAPPROVE_HISTORY", "1")

	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/repo", cfg.FileWrites.WorkspaceRoot)
	assert.Equal(t, "never", cfg.FileWrites.Block)
	assert.Equal(t, "0.0.0.0:1234", cfg.Server.Addr)
	assert.Equal(t, "zsh", cfg.Shell.Dialect)
	assert.True(t, cfg.Rules.IgnoreDefaultRules)
	assert.True(t, cfg.History.Enabled)

	t.Setenv("AUTOAPPROVE_HISTORY", "")
	t.Setenv("AUTOAPPROVE_IGNORE_DEFAULT_RULES", "maybe")
	_, err = Load(cfgPath)
	assert.Error(t, err)
}

func TestAllowPathDefaults_FollowDialect(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("shell:\n  dialect: pwsh\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/null", "/dev/stdout", "/dev/stderr", "NUL", "$null"}, cfg.FileWrites.AllowPaths)

	cfg, err = LoadFromBytes([]byte("shell:\n  dialect: bash\n"))
	require.NoError(t, err)
	assert.NotContains(t, cfg.FileWrites.AllowPaths, "$null")
	assert.NotContains(t, cfg.FileWrites.AllowPaths, "NUL")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("shell:\n  dialect: bash\n"), 0o600))
	t.Setenv("AUTOAPPROVE_SHELL", "pwsh")
	cfg, err = Load(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, cfg.FileWrites.AllowPaths, "$null")

	cfg, err = LoadFromBytes([]byte("shell:\n  dialect: pwsh\nfile_writes:\n  allow_paths: [/tmp/**]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/**"}, cfg.FileWrites.AllowPaths)
}

func TestDefault_AppliesEnv(t *testing.T) {
	t.Setenv("AUTOAPPROVE_FILE_WRITES", "all")
	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "all", cfg.FileWrites.Block)

	t.Setenv("AUTOAPPROVE_FILE_WRITES", "sometimes")
	_, err = Default()
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "rules: [\n"},
		{"bad block", "file_writes:\n  block: sometimes\n"},
		{"bad dialect", "shell:\n  dialect: fish\n"},
		{"bad level", "logging:\n  level: loud\n"},
		{"bad format", "logging:\n  format: xml\n"},
		{"bad debounce", "rules:\n  debounce: soon\n"},
		{"bad timeout", "server:\n  read_timeout: 10\n"},
		{"bad size", "server:\n  max_request_size: lots\n"},
		{"bad metrics path", "server:\n  metrics_path: metrics\n"},
		{"bad retention", "history:\n  retention: forever\n"},
		{"negative retention", "history:\n  retention: -1h\n"},
		{"negative rate", "server:\n  rate_limit:\n    requests_per_second: -1\n"},
		{"webhook without name", "webhooks:\n  - url: http://x\n"},
		{"webhook bad url", "webhooks:\n  - name: a\n    url: ftp://x\n"},
		{"webhook duplicate", "webhooks:\n  - name: a\n    url: http://x\n  - name: a\n    url: http://y\n"},
		{"webhook bad verdict", "webhooks:\n  - name: a\n    url: http://x\n    verdicts: [maybe]\n"},
		{"webhook bad timeout", "webhooks:\n  - name: a\n    url: http://x\n    timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestScopeFiles(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := LoadFromBytes([]byte(`
rules:
  scopes:
    user: ~/.config/autoapprove/user.yaml
    workspace: /abs/workspace.yaml
`))
	require.NoError(t, err)

	files := cfg.ScopeFiles("/work")
	assert.Equal(t, filepath.Join(home, ".config/autoapprove/user.yaml"), files[policy.ScopeUser])
	assert.Equal(t, "/abs/workspace.yaml", files[policy.ScopeWorkspace])
	_, ok := files[policy.ScopeRemote]
	assert.False(t, ok)

	cfg, err = LoadFromBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, ".autoapprove.yaml", cfg.ScopeFiles("")[policy.ScopeWorkspace])
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512B", 512, false},
		{"64KiB", 64 * 1024, false},
		{"64kib", 64 * 1024, false},
		{"1MB", 1000 * 1000, false},
		{"2GiB", 2 << 30, false},
		{"1_000", 1000, false},
		{"", 0, true},
		{"KB", 0, true},
		{"-1", 0, true},
		{"ten", 0, true},
		{"99999999999999GB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
