package observability

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel represents the severity level of an audit entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// AuditLogger writes one JSON line per decision or reload, for ingestion by
// log pipelines.
type AuditLogger struct {
	output   io.Writer
	mu       *sync.Mutex
	source   string
	minLevel LogLevel
}

// AuditLoggerConfig configures the audit logger.
type AuditLoggerConfig struct {
	Output   io.Writer
	Source   string
	MinLevel LogLevel
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(cfg AuditLoggerConfig) *AuditLogger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	minLevel := cfg.MinLevel
	if minLevel == "" {
		minLevel = LogInfo
	}
	return &AuditLogger{
		output:   output,
		mu:       &sync.Mutex{},
		source:   cfg.Source,
		minLevel: minLevel,
	}
}

// LogEntry is one audit line.
type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"ts"`
	Message   string         `json:"msg"`
	Source    string         `json:"source,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	Fields    map[string]any `json:"-"`
}

// MarshalJSON flattens Fields into the top-level object.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+6)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["level"] = e.Level
	m["ts"] = e.Timestamp
	m["msg"] = e.Message
	if e.Source != "" {
		m["source"] = e.Source
	}
	if e.TraceID != "" {
		m["trace_id"] = e.TraceID
	}
	if e.SpanID != "" {
		m["span_id"] = e.SpanID
	}
	return json.Marshal(m)
}

// WithSource returns a logger sharing the same output with a different source.
func (l *AuditLogger) WithSource(source string) *AuditLogger {
	return &AuditLogger{
		output:   l.output,
		mu:       l.mu,
		source:   source,
		minLevel: l.minLevel,
	}
}

var levelRank = map[LogLevel]int{
	LogDebug: 0,
	LogInfo:  1,
	LogWarn:  2,
	LogError: 3,
}

func (l *AuditLogger) shouldLog(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

func (l *AuditLogger) log(ctx context.Context, level LogLevel, msg string, fields map[string]any) {
	if l == nil || !l.shouldLog(level) {
		return
	}

	entry := LogEntry{
		Level:     string(level),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Message:   msg,
		Source:    l.source,
		TraceID:   ExtractTraceID(ctx),
		SpanID:    ExtractSpanID(ctx),
		Fields:    fields,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write(append(data, '\n'))
}

// DecisionRecord is the audited outcome of one evaluation.
type DecisionRecord struct {
	ID          string
	CommandLine string
	Shell       string
	Verdict     string
	Reason      string
	Rules       []string
	FileWrites  []string
	Degraded    bool
	Latency     time.Duration
}

// LogDecision writes a decision. Denials are logged at warn.
func (l *AuditLogger) LogDecision(ctx context.Context, rec DecisionRecord) {
	fields := map[string]any{
		"id":         rec.ID,
		"command":    rec.CommandLine,
		"shell":      rec.Shell,
		"verdict":    rec.Verdict,
		"reason":     rec.Reason,
		"latency_us": rec.Latency.Microseconds(),
	}
	if len(rec.Rules) > 0 {
		fields["rules"] = rec.Rules
	}
	if len(rec.FileWrites) > 0 {
		fields["file_writes"] = rec.FileWrites
	}
	if rec.Degraded {
		fields["degraded"] = true
	}

	level := LogInfo
	if rec.Verdict == "denied" {
		level = LogWarn
	}
	l.log(ctx, level, "decision", fields)
}

// LogReload writes the outcome of re-reading a scope file.
func (l *AuditLogger) LogReload(ctx context.Context, path string, version int64, err error) {
	fields := map[string]any{"path": path}
	if err != nil {
		fields["error"] = err.Error()
		l.log(ctx, LogError, "reload_failed", fields)
		return
	}
	fields["version"] = version
	l.log(ctx, LogInfo, "reload", fields)
}
