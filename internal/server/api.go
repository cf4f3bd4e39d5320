package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/shell"
	"github.com/agentsh/autoapprove/internal/store"
	"github.com/agentsh/autoapprove/pkg/observability"
)

type evaluateRequest struct {
	Command *string `json:"command"`
	Shell   string  `json:"shell"`
	Explain bool    `json:"explain"`
}

type evaluateResponse struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	policy.Decision
	LineRules         []policy.MatchedRule       `json:"line_rules,omitempty"`
	SubCommandMatches []policy.SubCommandMatches `json:"sub_command_matches,omitempty"`
}

type guardInfo struct {
	Policy        policy.FileWritePolicy `json:"policy"`
	WorkspaceRoot string                 `json:"workspace_root"`
	AllowPaths    []string               `json:"allow_paths,omitempty"`
}

type rulesResponse struct {
	Version        int64                 `json:"version"`
	BuiltAt        time.Time             `json:"built_at"`
	IgnoreDefaults bool                  `json:"ignore_defaults"`
	Dialect        shell.Dialect         `json:"dialect"`
	FileWrites     *guardInfo            `json:"file_writes,omitempty"`
	Rules          []policy.ResolvedRule `json:"rules"`
}

type diagnosticsResponse struct {
	Version     int64               `json:"version"`
	Diagnostics []policy.Diagnostic `json:"diagnostics"`
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get(s.cfg.Server.HealthPath, func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.engine.Snapshot(); err != nil {
			writeText(w, http.StatusServiceUnavailable, "rules not loaded\n")
			return
		}
		writeText(w, http.StatusOK, "ok\n")
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, s.cfg.Server.MetricsPath, s.metricsHandler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.rateLimit).Post("/evaluate", s.evaluate)
		r.Get("/rules", s.rules)
		r.Get("/diagnostics", s.diagnostics)
		r.Post("/reload", s.reload)

		r.Get("/decisions", s.listDecisions)
		r.Get("/decisions/summary", s.decisionSummary)
		r.Get("/decisions/stream", s.streamDecisions)
	})

	return withRequestBodyLimit(r, s.maxRequestBytes)
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeJSON(w, r, &req, "") {
		return
	}
	if req.Command == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "command is required"})
		return
	}

	dialect := s.engine.Dialect()
	if req.Shell != "" {
		d, err := shell.ParseDialect(req.Shell)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		dialect = d
	}

	id := uuid.NewString()
	ctx, span := observability.TraceEvaluation(r.Context(), &observability.Evaluation{
		ID:          id,
		CommandLine: *req.Command,
		Shell:       string(dialect),
		Source:      "server",
	})
	defer span.End()

	start := time.Now()
	ex, err := s.engine.Explain(*req.Command, dialect)
	latency := time.Since(start)
	if err != nil {
		observability.RecordError(span, err)
		status := http.StatusInternalServerError
		if errors.Is(err, policy.ErrNotInitialized) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"error": err.Error(), "id": id})
		return
	}
	s.metrics.ObserveLatency(latency)

	d := ex.Decision
	rec := store.NewRecord(id, "server", *req.Command, string(dialect), d, ex.Version, start)
	observability.RecordDecision(span, d.Verdict.String(), rec.Rules, len(d.SubCommands))
	s.audit.LogDecision(ctx, observability.DecisionRecord{
		ID:          id,
		CommandLine: *req.Command,
		Shell:       string(dialect),
		Verdict:     d.Verdict.String(),
		Reason:      d.Reason,
		Rules:       rec.Rules,
		FileWrites:  d.FileWrites,
		Degraded:    d.Degraded,
		Latency:     latency,
	})
	s.record(ctx, rec)
	s.logger.Debug("command evaluated", "id", id, "verdict", d.Verdict.String(), "shell", string(dialect), "latency", latency)

	resp := evaluateResponse{ID: id, Version: ex.Version, Decision: d}
	if req.Explain {
		resp.LineRules = ex.LineRules
		resp.SubCommandMatches = ex.SubCommands
	}
	writeJSON(w, http.StatusOK, resp)
}

// record hands the decision to the history store and stream. Failures are
// counted and logged; they never fail the request.
func (s *Server) record(ctx context.Context, rec store.Record) {
	if s.decisions == nil {
		return
	}
	if err := s.decisions.AppendDecision(ctx, rec); err != nil {
		s.metrics.IncHistoryError()
		s.logger.Warn("failed to record decision", "id", rec.ID, "error", err)
	}
}

// rateLimit rejects requests from clients that exceed server.rate_limit.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry := s.limiter.Allow(clientKey(r))
		if !ok {
			s.metrics.IncRateLimited()
			secs := int(math.Ceil(retry.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rules(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	resp := rulesResponse{
		Version:        snap.Version,
		BuiltAt:        snap.BuiltAt,
		IgnoreDefaults: snap.IgnoreDefaults,
		Dialect:        s.engine.Dialect(),
		Rules:          snap.Effective.Rules(),
	}
	if g := snap.Guard; g != nil {
		resp.FileWrites = &guardInfo{Policy: g.Policy, WorkspaceRoot: g.WorkspaceRoot, AllowPaths: g.AllowPaths}
	}
	if resp.Rules == nil {
		resp.Rules = []policy.ResolvedRule{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) diagnostics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	diags := snap.Diagnostics
	if diags == nil {
		diags = []policy.Diagnostic{}
	}
	writeJSON(w, http.StatusOK, diagnosticsResponse{Version: snap.Version, Diagnostics: diags})
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	if s.loader == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no scope files configured"})
		return
	}
	err := s.loader.LoadAll()
	snap, snapErr := s.engine.Snapshot()
	if snapErr != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": snapErr.Error()})
		return
	}
	if err != nil {
		s.metrics.IncReloadError()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "version": snap.Version})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version, "rules": snap.Effective.Len()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, invalidMsg string) bool {
	if invalidMsg == "" {
		invalidMsg = "invalid json"
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": invalidMsg})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
