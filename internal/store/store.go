// Package store persists evaluated decisions so they can be reviewed later.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentsh/autoapprove/internal/policy"
)

// ErrNoHistory is returned by queries when no decision store is configured.
var ErrNoHistory = errors.New("decision history is not enabled")

// Record is one evaluated command line.
type Record struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"ts"`
	Source      string         `json:"source"`
	CommandLine string         `json:"command"`
	Shell       string         `json:"shell"`
	Verdict     policy.Verdict `json:"verdict"`
	Reason      string         `json:"reason"`
	Rules       []string       `json:"rules,omitempty"`
	FileWrites  []string       `json:"file_writes,omitempty"`
	Degraded    bool           `json:"degraded,omitempty"`
	// RulesVersion is the snapshot version the decision was made against.
	RulesVersion int64 `json:"rules_version"`
}

// NewRecord builds the record for a decision made at time at.
func NewRecord(id, source, commandLine, shell string, d policy.Decision, rulesVersion int64, at time.Time) Record {
	keys := make([]string, 0, len(d.Rules))
	for _, m := range d.Rules {
		keys = append(keys, m.Key)
	}
	return Record{
		ID:           id,
		Timestamp:    at.UTC(),
		Source:       source,
		CommandLine:  commandLine,
		Shell:        shell,
		Verdict:      d.Verdict,
		Reason:       d.Reason,
		Rules:        keys,
		FileWrites:   d.FileWrites,
		Degraded:     d.Degraded,
		RulesVersion: rulesVersion,
	}
}

// Query filters stored decisions. Zero fields do not filter.
type Query struct {
	Verdict *policy.Verdict
	Source  string
	Since   *time.Time
	Until   *time.Time
	// Contains matches records whose command line contains the text.
	Contains string
	Limit    int
	Offset   int
	Asc      bool
}

// Sink receives every decision as it is made.
type Sink interface {
	AppendDecision(ctx context.Context, rec Record) error
}

// DecisionStore is a Sink that can also be queried.
type DecisionStore interface {
	Sink
	QueryDecisions(ctx context.Context, q Query) ([]Record, error)
	CountByVerdict(ctx context.Context, since *time.Time) (map[policy.Verdict]int64, error)
	// Prune deletes decisions made before the cutoff and returns how many
	// were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// ParseTime reads an absolute RFC 3339 time or a duration before now,
// such as "24h". An empty string returns nil.
func ParseTime(s string, now time.Time) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return nil, fmt.Errorf("invalid time %q: want RFC 3339 or a duration such as 24h", s)
	}
	t := now.Add(-d)
	return &t, nil
}
