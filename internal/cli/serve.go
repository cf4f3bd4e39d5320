package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentsh/autoapprove/internal/events"
	"github.com/agentsh/autoapprove/internal/metrics"
	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/server"
	"github.com/agentsh/autoapprove/pkg/hotreload"
	"github.com/agentsh/autoapprove/pkg/observability"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve decisions over HTTP and reload scope files when they change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			collector := metrics.New()
			rt, err := newRuntime(cmd, opts, policy.WithObserver(collector))
			if err != nil {
				return err
			}
			if addr != "" {
				rt.cfg.Server.Addr = addr
			}
			if rt.loadErr != nil {
				collector.IncReloadError()
			}

			shutdown := setupTracing(rt.cfg)
			defer shutdown(context.Background())

			audit, closeAudit, err := rt.auditLogger(cmd, "server")
			if err != nil {
				return err
			}
			defer closeAudit()

			watcher, err := newScopeWatcher(rt, collector, audit)
			if err != nil {
				return err
			}

			broker := events.NewBroker(rt.logger)
			decisions, err := rt.openDecisions(ctx, broker)
			if err != nil {
				return err
			}
			defer decisions.Close()

			s, err := server.New(rt.cfg, server.Deps{
				Engine:    rt.engine,
				Loader:    rt.loader,
				Watcher:   watcher,
				Metrics:   collector,
				Audit:     audit,
				Logger:    rt.logger,
				Decisions: decisions,
				Broker:    broker,
			})
			if err != nil {
				return err
			}
			defer s.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "autoapprove server listening on %s\n", s.Addr())
			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// newScopeWatcher watches the configured scope files. It returns nil when
// watching is disabled or no scope file lives in an existing directory.
func newScopeWatcher(rt *runtime, collector *metrics.Collector, audit *observability.AuditLogger) (*hotreload.FileWatcher, error) {
	if !rt.cfg.WatchEnabled() {
		return nil, nil
	}
	var paths []string
	for _, p := range rt.loader.Paths() {
		if fi, err := os.Stat(filepath.Dir(p)); err != nil || !fi.IsDir() {
			rt.logger.Info("not watching scope file, directory does not exist", "path", p)
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		return nil, nil
	}
	return hotreload.NewFileWatcher(hotreload.WatcherConfig{
		Files:    paths,
		Loader:   rt.loader,
		Debounce: rt.cfg.DebounceDuration(),
		OnChange: func(path string, err error) {
			ctx, span := observability.ReloadSpan(context.Background(), path)
			defer span.End()

			var version int64
			if err != nil {
				observability.RecordError(span, err)
				collector.IncReloadError()
				rt.logger.Warn("scope file reload failed, keeping previous rules", "path", path, "error", err)
			} else if snap, snapErr := rt.engine.Snapshot(); snapErr == nil {
				version = snap.Version
			}
			audit.LogReload(ctx, path, version, err)
		},
	})
}
