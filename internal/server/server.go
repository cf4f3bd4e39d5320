package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentsh/autoapprove/internal/config"
	"github.com/agentsh/autoapprove/internal/events"
	"github.com/agentsh/autoapprove/internal/metrics"
	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/store"
	"github.com/agentsh/autoapprove/pkg/hotreload"
	"github.com/agentsh/autoapprove/pkg/observability"
	"github.com/agentsh/autoapprove/pkg/ratelimit"
)

// Deps are the collaborators the server exposes over HTTP. Engine is
// required; the rest may be nil.
type Deps struct {
	Engine  *policy.Engine
	Loader  *policy.Loader
	Watcher *hotreload.FileWatcher
	Metrics *metrics.Collector
	Audit   *observability.AuditLogger
	Logger  *slog.Logger

	// Decisions receives every decision and answers history queries.
	Decisions store.DecisionStore
	// Broker feeds the live decision stream.
	Broker *events.Broker
}

type Server struct {
	cfg *config.Config

	engine  *policy.Engine
	loader  *policy.Loader
	watcher *hotreload.FileWatcher
	metrics *metrics.Collector
	audit   *observability.AuditLogger
	logger  *slog.Logger

	decisions store.DecisionStore
	broker    *events.Broker
	limiter   *ratelimit.KeyedLimiter

	maxRequestBytes int64

	// streamCtx is cancelled on shutdown to end hijacked stream connections.
	streamCtx     context.Context
	cancelStreams context.CancelFunc

	httpServer *http.Server
	httpLn     net.Listener
}

// New builds the server and binds its listener. Serving starts with Run.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	s, err := newServer(cfg, deps)
	if err != nil {
		return nil, err
	}

	if !isLoopbackListenAddr(cfg.Server.Addr) {
		s.logger.Warn("decision server listening on a non-loopback address", "addr", cfg.Server.Addr)
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		s.cancelStreams()
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	s.httpLn = ln
	return s, nil
}

func newServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("server: engine is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	readTimeout, err := time.ParseDuration(cfg.Server.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server.read_timeout: %w", err)
	}
	writeTimeout, err := time.ParseDuration(cfg.Server.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse server.write_timeout: %w", err)
	}

	s := &Server{
		cfg:             cfg,
		engine:          deps.Engine,
		loader:          deps.Loader,
		watcher:         deps.Watcher,
		metrics:         deps.Metrics,
		audit:           deps.Audit,
		logger:          logger,
		decisions:       deps.Decisions,
		broker:          deps.Broker,
		maxRequestBytes: cfg.MaxRequestBytes(),
	}
	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond > 0 {
		s.limiter = ratelimit.NewKeyedLimiter(rl.RequestsPerSecond, rl.Burst, 0)
	}
	s.streamCtx, s.cancelStreams = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}
	s.httpServer.RegisterOnShutdown(s.cancelStreams)
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

func (s *Server) metricsHandler() http.Handler {
	opts := metrics.HandlerOptions{
		SnapshotVersion: func() int64 {
			snap, err := s.engine.Snapshot()
			if err != nil {
				return 0
			}
			return snap.Version
		},
	}
	if s.broker != nil {
		opts.StreamSubscribers = s.broker.Subscribers
		opts.StreamDropped = s.broker.DroppedCount
	}
	return s.metrics.Handler(opts)
}

// Run serves until ctx is cancelled or the process is interrupted. The scope
// file watcher, when configured, runs for the same lifetime.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start scope watcher: %w", err)
		}
		defer s.watcher.Stop()
	}

	s.logger.Info("decision server listening", "addr", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("decision server shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}
}

// Close releases the listener without a graceful shutdown.
func (s *Server) Close() error {
	if s.cancelStreams != nil {
		s.cancelStreams()
	}
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.watcher != nil {
		_ = s.watcher.Stop()
	}
	return nil
}

func withRequestBodyLimit(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" || strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
