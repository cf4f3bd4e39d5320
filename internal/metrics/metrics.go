// Package metrics exports auto-approval counters in the Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector counts evaluations and rule-set rebuilds. It satisfies
// policy.Observer. A nil Collector ignores every update.
type Collector struct {
	startedAt time.Time

	evaluationsTotal atomic.Uint64
	byVerdict        sync.Map // string -> *atomic.Uint64

	rebuildsTotal    atomic.Uint64
	diagnosticsTotal atomic.Uint64
	downgradesTotal  atomic.Uint64
	rules            atomic.Int64

	reloadErrors  atomic.Uint64
	rateLimited   atomic.Uint64
	historyErrors atomic.Uint64

	latencyBuckets [len(latencyBounds)]atomic.Uint64
	latencyCount   atomic.Uint64
	latencySumNs   atomic.Uint64
}

// Histogram bucket upper bounds in seconds.
var latencyBounds = [...]float64{0.00001, 0.0001, 0.001, 0.01, 0.1}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncEvaluation(verdict string) {
	if c == nil {
		return
	}
	c.evaluationsTotal.Add(1)
	if verdict == "" {
		verdict = "unknown"
	}
	ptr, _ := c.byVerdict.LoadOrStore(verdict, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncRebuild() {
	if c == nil {
		return
	}
	c.rebuildsTotal.Add(1)
}

func (c *Collector) AddDiagnostics(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.diagnosticsTotal.Add(uint64(n))
}

func (c *Collector) SetRules(n int) {
	if c == nil {
		return
	}
	c.rules.Store(int64(n))
}

func (c *Collector) IncWriteDowngrade() {
	if c == nil {
		return
	}
	c.downgradesTotal.Add(1)
}

// IncReloadError counts scope files that failed to reload.
func (c *Collector) IncReloadError() {
	if c == nil {
		return
	}
	c.reloadErrors.Add(1)
}

// IncRateLimited counts evaluate requests rejected by the rate limiter.
func (c *Collector) IncRateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Add(1)
}

// IncHistoryError counts decisions that could not be recorded.
func (c *Collector) IncHistoryError() {
	if c == nil {
		return
	}
	c.historyErrors.Add(1)
}

// ObserveLatency records how long one evaluation took.
func (c *Collector) ObserveLatency(d time.Duration) {
	if c == nil {
		return
	}
	if d < 0 {
		d = 0
	}
	c.latencyCount.Add(1)
	c.latencySumNs.Add(uint64(d.Nanoseconds()))
	secs := d.Seconds()
	for i, bound := range latencyBounds {
		if secs <= bound {
			c.latencyBuckets[i].Add(1)
		}
	}
}

// Evaluations returns the number of evaluations recorded for verdict.
func (c *Collector) Evaluations(verdict string) uint64 {
	if c == nil {
		return 0
	}
	ptr, ok := c.byVerdict.Load(verdict)
	if !ok {
		return 0
	}
	return ptr.(*atomic.Uint64).Load()
}

type HandlerOptions struct {
	// SnapshotVersion reports the version of the active rule set.
	SnapshotVersion func() int64
	// StreamSubscribers and StreamDropped describe the live decision stream.
	StreamSubscribers func() int
	StreamDropped     func() int64
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP autoapprove_up Whether the autoapprove server is running.\n")
		fmt.Fprint(w, "# TYPE autoapprove_up gauge\n")
		fmt.Fprint(w, "autoapprove_up 1\n")

		fmt.Fprint(w, "# HELP autoapprove_uptime_seconds Seconds since the collector was created.\n")
		fmt.Fprint(w, "# TYPE autoapprove_uptime_seconds gauge\n")
		fmt.Fprintf(w, "autoapprove_uptime_seconds %d\n", int64(time.Since(c.startedAt).Seconds()))

		fmt.Fprint(w, "# HELP autoapprove_evaluations_total Total number of command lines evaluated.\n")
		fmt.Fprint(w, "# TYPE autoapprove_evaluations_total counter\n")
		fmt.Fprintf(w, "autoapprove_evaluations_total %d\n", c.evaluationsTotal.Load())

		verdicts := snapshotKeys(&c.byVerdict)
		if len(verdicts) > 0 {
			fmt.Fprint(w, "# HELP autoapprove_evaluations_by_verdict_total Evaluations by verdict.\n")
			fmt.Fprint(w, "# TYPE autoapprove_evaluations_by_verdict_total counter\n")
			for _, v := range verdicts {
				ptr, _ := c.byVerdict.Load(v)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "autoapprove_evaluations_by_verdict_total{verdict=\"%s\"} %d\n", escapeLabelValue(v), n)
			}
		}

		fmt.Fprint(w, "# HELP autoapprove_rule_rebuilds_total Rule set rebuilds.\n")
		fmt.Fprint(w, "# TYPE autoapprove_rule_rebuilds_total counter\n")
		fmt.Fprintf(w, "autoapprove_rule_rebuilds_total %d\n", c.rebuildsTotal.Load())

		fmt.Fprint(w, "# HELP autoapprove_rule_diagnostics_total Rules dropped during rebuilds.\n")
		fmt.Fprint(w, "# TYPE autoapprove_rule_diagnostics_total counter\n")
		fmt.Fprintf(w, "autoapprove_rule_diagnostics_total %d\n", c.diagnosticsTotal.Load())

		fmt.Fprint(w, "# HELP autoapprove_file_write_downgrades_total Approvals downgraded by the file-write guard.\n")
		fmt.Fprint(w, "# TYPE autoapprove_file_write_downgrades_total counter\n")
		fmt.Fprintf(w, "autoapprove_file_write_downgrades_total %d\n", c.downgradesTotal.Load())

		fmt.Fprint(w, "# HELP autoapprove_scope_reload_errors_total Scope files that failed to reload.\n")
		fmt.Fprint(w, "# TYPE autoapprove_scope_reload_errors_total counter\n")
		fmt.Fprintf(w, "autoapprove_scope_reload_errors_total %d\n", c.reloadErrors.Load())

		fmt.Fprint(w, "# HELP autoapprove_rate_limited_total Evaluate requests rejected by the rate limiter.\n")
		fmt.Fprint(w, "# TYPE autoapprove_rate_limited_total counter\n")
		fmt.Fprintf(w, "autoapprove_rate_limited_total %d\n", c.rateLimited.Load())

		fmt.Fprint(w, "# HELP autoapprove_history_errors_total Decisions that could not be recorded.\n")
		fmt.Fprint(w, "# TYPE autoapprove_history_errors_total counter\n")
		fmt.Fprintf(w, "autoapprove_history_errors_total %d\n", c.historyErrors.Load())

		fmt.Fprint(w, "# HELP autoapprove_rules Effective rules in the active rule set.\n")
		fmt.Fprint(w, "# TYPE autoapprove_rules gauge\n")
		fmt.Fprintf(w, "autoapprove_rules %d\n", c.rules.Load())

		c.writeLatencies(w)

		if opts.SnapshotVersion != nil {
			fmt.Fprint(w, "# HELP autoapprove_rules_version Version of the active rule set.\n")
			fmt.Fprint(w, "# TYPE autoapprove_rules_version gauge\n")
			fmt.Fprintf(w, "autoapprove_rules_version %d\n", opts.SnapshotVersion())
		}
		if opts.StreamSubscribers != nil {
			fmt.Fprint(w, "# HELP autoapprove_stream_subscribers Connected decision stream clients.\n")
			fmt.Fprint(w, "# TYPE autoapprove_stream_subscribers gauge\n")
			fmt.Fprintf(w, "autoapprove_stream_subscribers %d\n", opts.StreamSubscribers())
		}
		if opts.StreamDropped != nil {
			fmt.Fprint(w, "# HELP autoapprove_stream_dropped_total Decisions dropped for slow stream clients.\n")
			fmt.Fprint(w, "# TYPE autoapprove_stream_dropped_total counter\n")
			fmt.Fprintf(w, "autoapprove_stream_dropped_total %d\n", opts.StreamDropped())
		}
	})
}

func (c *Collector) writeLatencies(w http.ResponseWriter) {
	count := c.latencyCount.Load()
	if count == 0 {
		return
	}
	fmt.Fprint(w, "# HELP autoapprove_evaluation_latency_seconds Evaluation latency.\n")
	fmt.Fprint(w, "# TYPE autoapprove_evaluation_latency_seconds histogram\n")
	for i, bound := range latencyBounds {
		fmt.Fprintf(w, "autoapprove_evaluation_latency_seconds_bucket{le=\"%g\"} %d\n", bound, c.latencyBuckets[i].Load())
	}
	fmt.Fprintf(w, "autoapprove_evaluation_latency_seconds_bucket{le=\"+Inf\"} %d\n", count)
	fmt.Fprintf(w, "autoapprove_evaluation_latency_seconds_sum %.9f\n", time.Duration(c.latencySumNs.Load()).Seconds())
	fmt.Fprintf(w, "autoapprove_evaluation_latency_seconds_count %d\n", count)
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
