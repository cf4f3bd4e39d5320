package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentsh/autoapprove/internal/config"
	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/store"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type receiver struct {
	mu      sync.Mutex
	bodies  []string
	headers []http.Header
	status  atomic.Int32
	calls   atomic.Int32
}

func newReceiver(t *testing.T) (*receiver, *httptest.Server) {
	r := &receiver{}
	r.status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.calls.Add(1)
		b, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.bodies = append(r.bodies, string(b))
		r.headers = append(r.headers, req.Header.Clone())
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func record(id string, v policy.Verdict) store.Record {
	return store.Record{ID: id, Source: "server", CommandLine: `rm -rf "/"`, Shell: "bash", Verdict: v}
}

func TestDispatcher_SendsJSON(t *testing.T) {
	r, srv := newReceiver(t)
	d := NewDispatcher(discard())
	if err := d.Register(Endpoint{Name: "all", URL: srv.URL, Headers: map[string]string{"X-Token": "abc"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_ = d.AppendDecision(context.Background(), record("1", policy.Denied))
	_ = d.Close()

	if len(r.bodies) != 1 {
		t.Fatalf("got %d requests, want 1", len(r.bodies))
	}
	var got store.Record
	if err := json.Unmarshal([]byte(r.bodies[0]), &got); err != nil {
		t.Fatalf("body is not a record: %v", err)
	}
	if got.ID != "1" || got.Verdict != policy.Denied {
		t.Errorf("unexpected record %+v", got)
	}
	if r.headers[0].Get("X-Token") != "abc" || r.headers[0].Get("Content-Type") != "application/json" {
		t.Errorf("unexpected headers %v", r.headers[0])
	}
	if d.Failures() != 0 {
		t.Errorf("Failures = %d", d.Failures())
	}
}

func TestDispatcher_VerdictFilter(t *testing.T) {
	r, srv := newReceiver(t)
	d := NewDispatcher(discard())
	_ = d.Register(Endpoint{Name: "denied", URL: srv.URL, Verdicts: []policy.Verdict{policy.Denied}})

	_ = d.AppendDecision(context.Background(), record("1", policy.Approved))
	_ = d.AppendDecision(context.Background(), record("2", policy.ManualApprovalRequired))
	_ = d.AppendDecision(context.Background(), record("3", policy.Denied))
	_ = d.Close()

	if n := r.calls.Load(); n != 1 {
		t.Fatalf("got %d requests, want 1", n)
	}
	if !strings.Contains(r.bodies[0], `"id":"3"`) {
		t.Errorf("unexpected body %s", r.bodies[0])
	}
}

func TestDispatcher_Template(t *testing.T) {
	r, srv := newReceiver(t)
	d := NewDispatcher(discard())
	err := d.Register(Endpoint{
		Name:     "chat",
		URL:      srv.URL,
		Template: `{"text": {{json .CommandLine}}, "verdict": "{{.Verdict}}"}`,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_ = d.AppendDecision(context.Background(), record("1", policy.Denied))
	_ = d.Close()

	var got map[string]string
	if err := json.Unmarshal([]byte(r.bodies[0]), &got); err != nil {
		t.Fatalf("template output is not JSON: %v (%s)", err, r.bodies[0])
	}
	if got["text"] != `rm -rf "/"` || got["verdict"] != "denied" {
		t.Errorf("unexpected body %v", got)
	}
}

func TestDispatcher_Retries(t *testing.T) {
	r, srv := newReceiver(t)
	r.status.Store(http.StatusInternalServerError)
	d := NewDispatcher(discard())
	_ = d.Register(Endpoint{Name: "flaky", URL: srv.URL, RetryCount: 2, RetryDelay: time.Millisecond})

	_ = d.AppendDecision(context.Background(), record("1", policy.Denied))
	_ = d.Close()

	if n := r.calls.Load(); n != 3 {
		t.Errorf("got %d attempts, want 3", n)
	}
	if d.Failures() != 1 {
		t.Errorf("Failures = %d, want 1", d.Failures())
	}
}

func TestDispatcher_RegisterErrors(t *testing.T) {
	d := NewDispatcher(discard())
	if err := d.Register(Endpoint{URL: "http://x"}); err == nil {
		t.Error("expected error without name")
	}
	if err := d.Register(Endpoint{Name: "bad", URL: "http://x", Template: "{{.Nope"}); err == nil {
		t.Error("expected template parse error")
	}
	_ = d.Register(Endpoint{Name: "b", URL: "http://x"})
	_ = d.Register(Endpoint{Name: "a", URL: "http://x"})
	if got := strings.Join(d.List(), ","); got != "a,b" {
		t.Errorf("List = %s", got)
	}
	d.Unregister("a")
	if got := strings.Join(d.List(), ","); got != "b" {
		t.Errorf("List after Unregister = %s", got)
	}
}

func TestFromConfig(t *testing.T) {
	d, err := FromConfig(nil, discard())
	if err != nil || d != nil {
		t.Fatalf("expected nil dispatcher without webhooks, got %v %v", d, err)
	}

	d, err = FromConfig([]config.WebhookConfig{{
		Name: "alerts", URL: "http://x", Method: "PUT", Verdicts: []string{"denied"},
		Timeout: "2s", RetryDelay: "1s", RetryCount: 1,
	}}, discard())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	ep := d.endpoints["alerts"]
	if ep.Method != "PUT" || ep.Timeout != 2*time.Second || !ep.verdicts[policy.Denied] || ep.verdicts[policy.Approved] {
		t.Errorf("unexpected endpoint %+v", ep)
	}

	if _, err := FromConfig([]config.WebhookConfig{{Name: "x", URL: "http://x", Timeout: "soon", RetryDelay: "1s"}}, discard()); err == nil {
		t.Error("expected error for bad timeout")
	}
}
