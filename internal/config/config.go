package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/shell"
)

type Config struct {
	Rules      RulesConfig      `yaml:"rules"`
	FileWrites FileWritesConfig `yaml:"file_writes"`
	Shell      ShellConfig      `yaml:"shell"`
	Logging    LoggingConfig    `yaml:"logging"`
	Audit      AuditConfig      `yaml:"audit"`
	Tracing    TracingConfig    `yaml:"tracing"`
	History    HistoryConfig    `yaml:"history"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
	Server     ServerConfig     `yaml:"server"`
}

// RulesConfig locates the scope files and controls how they are combined.
type RulesConfig struct {
	// IgnoreDefaultRules drops the built-in default scope.
	IgnoreDefaultRules bool `yaml:"ignore_default_rules"`

	Scopes ScopesConfig `yaml:"scopes"`

	// Watch rebuilds the rules when a scope file changes. Defaults to true.
	Watch *bool `yaml:"watch"`
	// Debounce is how long a file must be quiet before it is reloaded.
	Debounce string `yaml:"debounce"`
}

// ScopesConfig maps each configurable scope to a YAML or JSON file. An
// empty path leaves the scope unset. A relative workspace path is taken
// relative to the workspace root.
type ScopesConfig struct {
	User      string `yaml:"user"`
	Remote    string `yaml:"remote"`
	Workspace string `yaml:"workspace"`
	Policy    string `yaml:"policy"`
}

type FileWritesConfig struct {
	// Block is never, outsideWorkspace or all.
	Block string `yaml:"block"`
	// WorkspaceRoot is detected from the working directory when empty.
	WorkspaceRoot string   `yaml:"workspace_root"`
	AllowPaths    []string `yaml:"allow_paths"`
}

type ShellConfig struct {
	Dialect string `yaml:"dialect"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuditConfig enables the JSON decision log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is a file to append to; stderr when empty.
	Path string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HistoryConfig enables the SQLite decision history.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Retention is how long decisions are kept. "0" keeps them forever.
	Retention string `yaml:"retention"`
}

// WebhookConfig posts decisions to an HTTP endpoint.
type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	// Template is a text/template for the request body; the decision is
	// sent as JSON when empty.
	Template string `yaml:"template"`
	// Verdicts limits which decisions are sent. Empty sends all of them.
	Verdicts   []string `yaml:"verdicts"`
	Timeout    string   `yaml:"timeout"`
	RetryCount int      `yaml:"retry_count"`
	RetryDelay string   `yaml:"retry_delay"`
}

type ServerConfig struct {
	Addr           string          `yaml:"addr"`
	MetricsPath    string          `yaml:"metrics_path"`
	HealthPath     string          `yaml:"health_path"`
	ReadTimeout    string          `yaml:"read_timeout"`
	WriteTimeout   string          `yaml:"write_timeout"`
	MaxRequestSize string          `yaml:"max_request_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits evaluate requests per client address. A zero
// rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "autoapprove", "config.yaml")
	}
	return ".autoapprove-config.yaml"
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyAllowPathDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultHistoryPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "autoapprove", "history.db")
	}
	return ".autoapprove-history.db"
}

// Default returns the built-in configuration with environment overrides.
func Default() (*Config, error) {
	var cfg Config
	applyDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyAllowPathDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	applyAllowPathDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Rules.Watch == nil {
		watch := true
		cfg.Rules.Watch = &watch
	}
	if cfg.Rules.Debounce == "" {
		cfg.Rules.Debounce = "200ms"
	}
	if cfg.Rules.Scopes.Workspace == "" {
		cfg.Rules.Scopes.Workspace = ".autoapprove.yaml"
	}

	if cfg.FileWrites.Block == "" {
		cfg.FileWrites.Block = policy.FileWritesOutsideWorkspace.String()
	}

	if cfg.Shell.Dialect == "" {
		cfg.Shell.Dialect = string(shell.DialectBash)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.History.Path == "" {
		cfg.History.Path = defaultHistoryPath()
	}
	if cfg.History.Retention == "" {
		cfg.History.Retention = "720h"
	}

	for i := range cfg.Webhooks {
		wh := &cfg.Webhooks[i]
		if wh.Method == "" {
			wh.Method = "POST"
		}
		if wh.Timeout == "" {
			wh.Timeout = "10s"
		}
		if wh.RetryDelay == "" {
			wh.RetryDelay = "1s"
		}
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8089"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = "/healthz"
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "10s"
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = "10s"
	}
	if cfg.Server.MaxRequestSize == "" {
		cfg.Server.MaxRequestSize = "64KiB"
	}
	if rl := &cfg.Server.RateLimit; rl.RequestsPerSecond > 0 && rl.Burst == 0 {
		rl.Burst = int(math.Ceil(rl.RequestsPerSecond))
	}
}

// applyAllowPathDefaults fills file_writes.allow_paths once the dialect is
// final. NUL and $null name the null device only in PowerShell; elsewhere
// they are ordinary file names.
func applyAllowPathDefaults(cfg *Config) {
	if cfg.FileWrites.AllowPaths != nil {
		return
	}
	paths := []string{"/dev/null", "/dev/stdout", "/dev/stderr"}
	if d, err := shell.ParseDialect(cfg.Shell.Dialect); err == nil && d == shell.DialectPwsh {
		paths = append(paths, "NUL", "$null")
	}
	cfg.FileWrites.AllowPaths = paths
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("AUTOAPPROVE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AUTOAPPROVE_WORKSPACE"); v != "" {
		cfg.FileWrites.WorkspaceRoot = v
	}
	if v := os.Getenv("AUTOAPPROVE_FILE_WRITES"); v != "" {
		cfg.FileWrites.Block = v
	}
	if v := os.Getenv("AUTOAPPROVE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("AUTOAPPROVE_SHELL"); v != "" {
		cfg.Shell.Dialect = v
	}
	if v := os.Getenv("AUTOAPPROVE_HISTORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AUTOAPPROVE_HISTORY %q: %w", v, err)
		}
		cfg.History.Enabled = b
	}
	if v := os.Getenv("AUTOAPPROVE_IGNORE_DEFAULT_RULES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AUTOAPPROVE_IGNORE_DEFAULT_RULES %q: %w", v, err)
		}
		cfg.Rules.IgnoreDefaultRules = b
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if _, err := policy.ParseFileWritePolicy(cfg.FileWrites.Block); err != nil {
		return fmt.Errorf("invalid file_writes.block: %w", err)
	}
	if _, err := shell.ParseDialect(cfg.Shell.Dialect); err != nil {
		return fmt.Errorf("invalid shell.dialect: %w", err)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	if _, err := time.ParseDuration(cfg.Rules.Debounce); err != nil {
		return fmt.Errorf("invalid rules.debounce: %w", err)
	}
	for name, v := range map[string]string{
		"server.read_timeout":  cfg.Server.ReadTimeout,
		"server.write_timeout": cfg.Server.WriteTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if _, err := parseRetention(cfg.History.Retention); err != nil {
		return fmt.Errorf("invalid history.retention: %w", err)
	}
	if err := validateWebhooks(cfg.Webhooks); err != nil {
		return err
	}
	if cfg.Server.RateLimit.RequestsPerSecond < 0 || cfg.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit values must not be negative")
	}
	if _, err := ParseByteSize(cfg.Server.MaxRequestSize); err != nil {
		return fmt.Errorf("invalid server.max_request_size: %w", err)
	}
	for name, p := range map[string]string{
		"server.metrics_path": cfg.Server.MetricsPath,
		"server.health_path":  cfg.Server.HealthPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with /", name)
		}
	}
	return nil
}

func validateWebhooks(hooks []WebhookConfig) error {
	seen := make(map[string]bool, len(hooks))
	for i, wh := range hooks {
		if wh.Name == "" {
			return fmt.Errorf("webhooks[%d]: name is required", i)
		}
		if seen[wh.Name] {
			return fmt.Errorf("webhooks[%d]: duplicate name %q", i, wh.Name)
		}
		seen[wh.Name] = true
		if !strings.HasPrefix(wh.URL, "http://") && !strings.HasPrefix(wh.URL, "https://") {
			return fmt.Errorf("webhook %q: url must be http or https", wh.Name)
		}
		for _, v := range wh.Verdicts {
			if _, err := policy.ParseVerdict(v); err != nil {
				return fmt.Errorf("webhook %q: %w", wh.Name, err)
			}
		}
		for field, v := range map[string]string{"timeout": wh.Timeout, "retry_delay": wh.RetryDelay} {
			if d, err := time.ParseDuration(v); err != nil || d < 0 {
				return fmt.Errorf("webhook %q: invalid %s %q", wh.Name, field, v)
			}
		}
		if wh.RetryCount < 0 {
			return fmt.Errorf("webhook %q: retry_count must not be negative", wh.Name)
		}
	}
	return nil
}

// WatchEnabled reports whether scope files should be watched.
func (c *Config) WatchEnabled() bool {
	return c.Rules.Watch == nil || *c.Rules.Watch
}

// DebounceDuration returns rules.debounce. Invalid values were rejected at load.
func (c *Config) DebounceDuration() time.Duration {
	d, _ := time.ParseDuration(c.Rules.Debounce)
	return d
}

// HistoryPath returns history.path with "~/" expanded.
func (c *Config) HistoryPath() string {
	return expandHome(c.History.Path)
}

// RetentionDuration returns history.retention; zero means keep forever.
func (c *Config) RetentionDuration() time.Duration {
	d, _ := parseRetention(c.History.Retention)
	return d
}

func parseRetention(s string) (time.Duration, error) {
	if s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return d, nil
}

// ScopeFiles resolves the configured scope files. "~/" is expanded and a
// relative workspace path is joined to workspaceRoot. Unset scopes are omitted.
func (c *Config) ScopeFiles(workspaceRoot string) map[policy.Scope]string {
	out := make(map[policy.Scope]string)
	for scope, path := range map[policy.Scope]string{
		policy.ScopeUser:      c.Rules.Scopes.User,
		policy.ScopeRemote:    c.Rules.Scopes.Remote,
		policy.ScopeWorkspace: c.Rules.Scopes.Workspace,
		policy.ScopePolicy:    c.Rules.Scopes.Policy,
	} {
		if path == "" {
			continue
		}
		path = expandHome(path)
		if scope == policy.ScopeWorkspace && !filepath.IsAbs(path) && workspaceRoot != "" {
			path = filepath.Join(workspaceRoot, path)
		}
		out[scope] = path
	}
	return out
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
