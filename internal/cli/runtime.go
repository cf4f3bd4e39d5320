package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/term"

	"github.com/agentsh/autoapprove/internal/config"
	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/shell"
	"github.com/agentsh/autoapprove/internal/store"
	"github.com/agentsh/autoapprove/internal/store/composite"
	"github.com/agentsh/autoapprove/internal/store/sqlite"
	"github.com/agentsh/autoapprove/internal/webhook"
	"github.com/agentsh/autoapprove/pkg/observability"
)

// runtime is the engine and its inputs assembled from configuration.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	engine    *policy.Engine
	loader    *policy.Loader
	workspace string
	dialect   shell.Dialect

	// loadErr holds scope files that failed to parse. The engine is still
	// initialized without them.
	loadErr error
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	path := opts.configPath
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}

	var (
		cfg *config.Config
		err error
	)
	if _, statErr := os.Stat(path); statErr == nil || explicit {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.workspace != "" {
		cfg.FileWrites.WorkspaceRoot = opts.workspace
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// newRuntime loads configuration and scope files into a ready engine.
func newRuntime(cmd *cobra.Command, opts *rootOptions, engineOpts ...policy.Option) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())

	workspace := cfg.FileWrites.WorkspaceRoot
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		workspace, err = policy.DetectWorkspaceRoot(wd, policy.DefaultWorkspaceMarkers())
		if err != nil {
			return nil, err
		}
	}

	dialect, err := shell.ParseDialect(cfg.Shell.Dialect)
	if err != nil {
		return nil, err
	}
	block, err := policy.ParseFileWritePolicy(cfg.FileWrites.Block)
	if err != nil {
		return nil, err
	}
	guard, err := policy.NewFileWriteGuard(block, workspace, cfg.FileWrites.AllowPaths)
	if err != nil {
		return nil, fmt.Errorf("file_writes.allow_paths: %w", err)
	}

	all := append([]policy.Option{
		policy.WithDefaultRules(),
		policy.WithIgnoreDefaults(cfg.Rules.IgnoreDefaultRules),
		policy.WithFileWriteGuard(guard),
		policy.WithDialect(dialect),
		policy.WithLogger(logger),
	}, engineOpts...)
	engine := policy.NewEngine(all...)

	loader := policy.NewLoader(engine, cfg.ScopeFiles(workspace), logger)
	loadErr := loader.LoadAll()
	if loadErr != nil {
		logger.Warn("scope files ignored", "error", loadErr)
	}

	logger.Debug("auto-approve engine ready",
		"workspace", workspace,
		"dialect", string(dialect),
		"file_writes", block.String(),
		"scope_files", loader.Paths(),
	)

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		engine:    engine,
		loader:    loader,
		workspace: workspace,
		dialect:   dialect,
		loadErr:   loadErr,
	}, nil
}

// auditLogger opens the decision log when audit is enabled. The returned
// close function is never nil.
func (rt *runtime) auditLogger(cmd *cobra.Command, source string) (*observability.AuditLogger, func() error, error) {
	noop := func() error { return nil }
	if !rt.cfg.Audit.Enabled {
		return nil, noop, nil
	}
	if rt.cfg.Audit.Path == "" {
		return observability.NewAuditLogger(observability.AuditLoggerConfig{Output: cmd.ErrOrStderr(), Source: source}), noop, nil
	}
	f, err := os.OpenFile(rt.cfg.Audit.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, noop, fmt.Errorf("open audit log: %w", err)
	}
	return observability.NewAuditLogger(observability.AuditLoggerConfig{Output: f, Source: source}), f.Close, nil
}

// openHistory opens the decision history database and drops records older
// than history.retention. It returns nil when history is disabled.
func (rt *runtime) openHistory(ctx context.Context) (*sqlite.Store, error) {
	if !rt.cfg.History.Enabled {
		return nil, nil
	}
	db, err := sqlite.Open(rt.cfg.HistoryPath())
	if err != nil {
		return nil, fmt.Errorf("open decision history: %w", err)
	}
	if keep := rt.cfg.RetentionDuration(); keep > 0 {
		n, err := db.Prune(ctx, time.Now().Add(-keep))
		if err != nil {
			rt.logger.Warn("failed to prune decision history", "error", err)
		} else if n > 0 {
			rt.logger.Debug("pruned decision history", "removed", n)
		}
	}
	return db, nil
}

// openDecisions combines the history database and configured webhooks with
// any extra sinks. Closing the result closes all of them.
func (rt *runtime) openDecisions(ctx context.Context, extra ...store.Sink) (*composite.Store, error) {
	history, err := rt.openHistory(ctx)
	if err != nil {
		return nil, err
	}
	// A nil *sqlite.Store must not become a non-nil interface.
	var primary store.DecisionStore
	if history != nil {
		primary = history
	}
	sinks := extra
	hooks, err := webhook.FromConfig(rt.cfg.Webhooks, rt.logger)
	if err != nil {
		if history != nil {
			_ = history.Close()
		}
		return nil, err
	}
	if hooks != nil {
		sinks = append(sinks, hooks)
	}
	return composite.New(primary, sinks...), nil
}

// setupTracing installs an SDK tracer provider so evaluation spans carry
// trace IDs that appear in the audit log.
func setupTracing(cfg *config.Config) func(context.Context) error {
	if !cfg.Tracing.Enabled {
		return func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// wantJSON resolves --output: auto prints JSON unless stdout is a terminal.
func wantJSON(cmd *cobra.Command, output string) (bool, error) {
	switch output {
	case "json":
		return true, nil
	case "text":
		return false, nil
	case "", "auto":
		f, ok := cmd.OutOrStdout().(*os.File)
		return !ok || !term.IsTerminal(int(f.Fd())), nil
	default:
		return false, fmt.Errorf("invalid --output %q (want auto|text|json)", output)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
