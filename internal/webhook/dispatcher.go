// Package webhook posts recorded decisions to HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/agentsh/autoapprove/internal/config"
	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/store"
)

// Endpoint is one webhook target.
type Endpoint struct {
	Name    string
	URL     string
	Method  string
	Headers map[string]string

	// Template renders the request body from a store.Record. The record is
	// sent as JSON when empty. The json function quotes a value.
	Template string

	// Verdicts limits which decisions are sent; empty sends all.
	Verdicts []policy.Verdict

	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration

	tmpl     *template.Template
	verdicts map[policy.Verdict]bool
}

// Dispatcher sends each decision to every matching endpoint. Sends run in
// the background; Close waits for them.
type Dispatcher struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	client    *http.Client
	logger    *slog.Logger

	inflight sync.WaitGroup
	failures atomic.Int64
}

var _ store.Sink = (*Dispatcher)(nil)

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		endpoints: make(map[string]*Endpoint),
		client:    &http.Client{},
		logger:    logger,
	}
}

// FromConfig registers the configured webhooks. It returns nil when none
// are configured.
func FromConfig(hooks []config.WebhookConfig, logger *slog.Logger) (*Dispatcher, error) {
	if len(hooks) == 0 {
		return nil, nil
	}
	d := NewDispatcher(logger)
	for _, h := range hooks {
		ep := Endpoint{
			Name:       h.Name,
			URL:        h.URL,
			Method:     h.Method,
			Headers:    h.Headers,
			Template:   h.Template,
			RetryCount: h.RetryCount,
		}
		for _, name := range h.Verdicts {
			v, err := policy.ParseVerdict(name)
			if err != nil {
				return nil, fmt.Errorf("webhook %q: %w", h.Name, err)
			}
			ep.Verdicts = append(ep.Verdicts, v)
		}
		var err error
		if ep.Timeout, err = time.ParseDuration(h.Timeout); err != nil {
			return nil, fmt.Errorf("webhook %q: timeout: %w", h.Name, err)
		}
		if ep.RetryDelay, err = time.ParseDuration(h.RetryDelay); err != nil {
			return nil, fmt.Errorf("webhook %q: retry_delay: %w", h.Name, err)
		}
		if err := d.Register(ep); err != nil {
			return nil, err
		}
	}
	return d, nil
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// Register adds or replaces an endpoint.
func (d *Dispatcher) Register(ep Endpoint) error {
	if ep.Name == "" || ep.URL == "" {
		return fmt.Errorf("webhook needs a name and url")
	}
	if ep.Method == "" {
		ep.Method = http.MethodPost
	}
	if ep.Timeout <= 0 {
		ep.Timeout = 10 * time.Second
	}
	if ep.Template != "" {
		tmpl, err := template.New(ep.Name).Funcs(funcs).Parse(ep.Template)
		if err != nil {
			return fmt.Errorf("webhook %q: invalid template: %w", ep.Name, err)
		}
		ep.tmpl = tmpl
	}
	ep.verdicts = make(map[policy.Verdict]bool, len(ep.Verdicts))
	for _, v := range ep.Verdicts {
		ep.verdicts[v] = true
	}

	d.mu.Lock()
	d.endpoints[ep.Name] = &ep
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.endpoints, name)
}

// List returns the registered endpoint names in order.
func (d *Dispatcher) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.endpoints))
	for name := range d.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AppendDecision queues rec for every endpoint whose verdict filter
// matches. It never blocks on the network.
func (d *Dispatcher) AppendDecision(_ context.Context, rec store.Record) error {
	d.mu.RLock()
	var targets []*Endpoint
	for _, ep := range d.endpoints {
		if ep.matches(rec.Verdict) {
			targets = append(targets, ep)
		}
	}
	d.mu.RUnlock()

	for _, ep := range targets {
		body, err := ep.render(rec)
		if err != nil {
			d.failures.Add(1)
			d.logger.Warn("webhook body render failed", "webhook", ep.Name, "id", rec.ID, "error", err)
			continue
		}
		d.inflight.Add(1)
		go func(ep *Endpoint) {
			defer d.inflight.Done()
			d.send(ep, rec.ID, body)
		}(ep)
	}
	return nil
}

// Failures counts decisions that could not be delivered.
func (d *Dispatcher) Failures() int64 { return d.failures.Load() }

// Close waits for in-flight sends.
func (d *Dispatcher) Close() error {
	d.inflight.Wait()
	return nil
}

func (ep *Endpoint) matches(v policy.Verdict) bool {
	return len(ep.verdicts) == 0 || ep.verdicts[v]
}

func (ep *Endpoint) render(rec store.Record) ([]byte, error) {
	if ep.tmpl == nil {
		return json.Marshal(rec)
	}
	var buf bytes.Buffer
	if err := ep.tmpl.Execute(&buf, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Dispatcher) send(ep *Endpoint, id string, body []byte) {
	var lastErr error
	for attempt := 0; attempt <= ep.RetryCount; attempt++ {
		if attempt > 0 {
			time.Sleep(ep.RetryDelay)
		}
		if lastErr = d.post(ep, body); lastErr == nil {
			return
		}
	}
	d.failures.Add(1)
	d.logger.Warn("webhook delivery failed", "webhook", ep.Name, "id", id, "attempts", ep.RetryCount+1, "error", lastErr)
}

func (d *Dispatcher) post(ep *Endpoint, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), ep.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, ep.Method, ep.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
