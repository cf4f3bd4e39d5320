package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentsh/autoapprove/internal/policy"
)

var _ policy.Observer = (*Collector)(nil)

func TestHandlerExportsCountersAndEscapes(t *testing.T) {
	c := New()
	c.IncEvaluation("approved")
	c.IncEvaluation("approved")
	c.IncEvaluation("bar\n\"x\"")
	c.IncRebuild()
	c.AddDiagnostics(3)
	c.AddDiagnostics(0)
	c.IncWriteDowngrade()
	c.IncReloadError()
	c.IncRateLimited()
	c.IncRateLimited()
	c.IncHistoryError()
	c.SetRules(42)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	c.Handler(HandlerOptions{
		SnapshotVersion:   func() int64 { return 7 },
		StreamSubscribers: func() int { return 2 },
		StreamDropped:     func() int64 { return 5 },
	}).ServeHTTP(rec, req)

	body := rec.Body.String()
	assertContains := func(substr string) {
		t.Helper()
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics output missing %q. Got:\n%s", substr, body)
		}
	}

	assertContains("autoapprove_up 1")
	assertContains("autoapprove_evaluations_total 3")
	assertContains(`autoapprove_evaluations_by_verdict_total{verdict="approved"} 2`)
	assertContains(`autoapprove_evaluations_by_verdict_total{verdict="bar\n\"x\""} 1`)
	assertContains("autoapprove_rule_rebuilds_total 1")
	assertContains("autoapprove_rule_diagnostics_total 3")
	assertContains("autoapprove_file_write_downgrades_total 1")
	assertContains("autoapprove_scope_reload_errors_total 1")
	assertContains("autoapprove_rules 42")
	assertContains("autoapprove_rules_version 7")
	assertContains("autoapprove_rate_limited_total 2")
	assertContains("autoapprove_history_errors_total 1")
	assertContains("autoapprove_stream_subscribers 2")
	assertContains("autoapprove_stream_dropped_total 5")
}

func TestHandlerExportsLatencyHistogram(t *testing.T) {
	c := New()

	render := func() string {
		rec := httptest.NewRecorder()
		c.Handler(HandlerOptions{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rec.Body.String()
	}
	if body := render(); strings.Contains(body, "autoapprove_evaluation_latency_seconds") {
		t.Fatalf("histogram should be omitted before any observation:\n%s", body)
	}
	if body := render(); strings.Contains(body, "autoapprove_rules_version") || strings.Contains(body, "autoapprove_stream_") {
		t.Fatalf("callback gauges should be omitted without a callback:\n%s", body)
	}

	c.ObserveLatency(5 * time.Microsecond)
	c.ObserveLatency(500 * time.Microsecond)
	c.ObserveLatency(time.Second)

	body := render()
	for _, want := range []string{
		`autoapprove_evaluation_latency_seconds_bucket{le="1e-05"} 1`,
		`autoapprove_evaluation_latency_seconds_bucket{le="0.001"} 2`,
		`autoapprove_evaluation_latency_seconds_bucket{le="0.1"} 2`,
		`autoapprove_evaluation_latency_seconds_bucket{le="+Inf"} 3`,
		"autoapprove_evaluation_latency_seconds_sum 1.000505000",
		"autoapprove_evaluation_latency_seconds_count 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q. Got:\n%s", want, body)
		}
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.IncEvaluation("approved")
	c.IncRebuild()
	c.AddDiagnostics(1)
	c.SetRules(1)
	c.IncWriteDowngrade()
	c.IncReloadError()
	c.IncRateLimited()
	c.IncHistoryError()
	c.ObserveLatency(time.Millisecond)
	if got := c.Evaluations("approved"); got != 0 {
		t.Fatalf("Evaluations = %d, want 0", got)
	}
}

func TestCollectorObservesEngine(t *testing.T) {
	c := New()
	e := policy.NewEngine(
		policy.WithObserver(c),
		policy.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	e.SetScope(policy.ScopeUser, map[string]policy.RawValue{
		"ls": policy.Bool(true),
		"rm": policy.Bool(false),
		"//": policy.Bool(true),
	})

	for _, line := range []string{"ls -la", "rm -rf /", "make"} {
		if _, err := e.Evaluate(line); err != nil {
			t.Fatalf("Evaluate(%q): %v", line, err)
		}
	}

	if got := c.Evaluations("approved"); got != 1 {
		t.Errorf("approved = %d, want 1", got)
	}
	if got := c.Evaluations("denied"); got != 1 {
		t.Errorf("denied = %d, want 1", got)
	}
	if got := c.Evaluations("manual_approval_required"); got != 1 {
		t.Errorf("manual = %d, want 1", got)
	}
	if got := c.rebuildsTotal.Load(); got != 1 {
		t.Errorf("rebuilds = %d, want 1", got)
	}
	if got := c.diagnosticsTotal.Load(); got != 1 {
		t.Errorf("diagnostics = %d, want 1", got)
	}
	if got := c.rules.Load(); got != 2 {
		t.Errorf("rules = %d, want 2", got)
	}
}

func TestSnapshotKeysReturnsSorted(t *testing.T) {
	var m sync.Map
	m.Store("b", 1)
	m.Store("a", 1)
	m.Store("c", 1)

	keys := snapshotKeys(&m)
	if strings.Join(keys, ",") != "a,b,c" {
		t.Fatalf("snapshotKeys = %v", keys)
	}
}
