package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/store"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, s *Store, base time.Time) {
	t.Helper()
	recs := []store.Record{
		{ID: "a", Timestamp: base, Source: "cli", CommandLine: "ls -la", Shell: "bash", Verdict: policy.Approved, Rules: []string{"ls"}},
		{ID: "b", Timestamp: base.Add(time.Second), Source: "server", CommandLine: "rm -rf /", Shell: "bash", Verdict: policy.Denied, Rules: []string{"rm"}},
		{ID: "c", Timestamp: base.Add(2 * time.Second), Source: "server", CommandLine: "make build", Shell: "bash", Verdict: policy.ManualApprovalRequired},
		{ID: "d", Timestamp: base.Add(3 * time.Second), Source: "server", CommandLine: "Get-ChildItem -Recurse", Shell: "pwsh", Verdict: policy.Approved, RulesVersion: 4},
	}
	for _, rec := range recs {
		if err := s.AppendDecision(context.Background(), rec); err != nil {
			t.Fatalf("AppendDecision(%s): %v", rec.ID, err)
		}
	}
}

func ids(recs []store.Record) string {
	out := ""
	for _, r := range recs {
		out += r.ID
	}
	return out
}

func TestAppendAndQueryDecisions(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, s, base)

	approved := policy.Approved
	since := base.Add(time.Second)
	until := base.Add(2 * time.Second)

	tests := []struct {
		name string
		q    store.Query
		want string
	}{
		{"newest first", store.Query{}, "dcba"},
		{"oldest first", store.Query{Asc: true}, "abcd"},
		{"verdict", store.Query{Verdict: &approved}, "da"},
		{"source", store.Query{Source: "cli"}, "a"},
		{"window", store.Query{Since: &since, Until: &until}, "cb"},
		{"contains", store.Query{Contains: "-R"}, "d"},
		{"contains is literal", store.Query{Contains: "%"}, ""},
		{"limit and offset", store.Query{Limit: 2, Offset: 1}, "cb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryDecisions(context.Background(), tt.q)
			if err != nil {
				t.Fatalf("QueryDecisions: %v", err)
			}
			if ids(got) != tt.want {
				t.Fatalf("got %q, want %q", ids(got), tt.want)
			}
		})
	}

	got, err := s.QueryDecisions(context.Background(), store.Query{Source: "server", Contains: "Get-"})
	if err != nil || len(got) != 1 {
		t.Fatalf("QueryDecisions: %v %+v", err, got)
	}
	if got[0].Shell != "pwsh" || got[0].RulesVersion != 4 || !got[0].Timestamp.Equal(base.Add(3*time.Second)) {
		t.Fatalf("record did not round trip: %+v", got[0])
	}
}

func TestAppendDecisionValidation(t *testing.T) {
	s := openStore(t)
	if err := s.AppendDecision(context.Background(), store.Record{}); err == nil {
		t.Fatal("expected error for record without id")
	}

	rec := store.Record{ID: "dup", Verdict: policy.Approved}
	if err := s.AppendDecision(context.Background(), rec); err != nil {
		t.Fatalf("AppendDecision: %v", err)
	}
	if err := s.AppendDecision(context.Background(), rec); err == nil {
		t.Fatal("expected error for duplicate id")
	}

	got, err := s.QueryDecisions(context.Background(), store.Query{})
	if err != nil || len(got) != 1 || got[0].Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be filled in: %v %+v", err, got)
	}
}

func TestQueryLimitClamp(t *testing.T) {
	s := openStore(t)
	base := time.Now().UTC()
	for i := 0; i < defaultLimit+5; i++ {
		rec := store.Record{ID: fmt.Sprintf("r%03d", i), Timestamp: base.Add(time.Duration(i) * time.Millisecond)}
		if err := s.AppendDecision(context.Background(), rec); err != nil {
			t.Fatalf("AppendDecision: %v", err)
		}
	}
	got, err := s.QueryDecisions(context.Background(), store.Query{Limit: maxLimit + 1})
	if err != nil {
		t.Fatalf("QueryDecisions: %v", err)
	}
	if len(got) != defaultLimit {
		t.Fatalf("got %d records, want %d", len(got), defaultLimit)
	}
}

func TestCountByVerdictAndPrune(t *testing.T) {
	s := openStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed(t, s, base)

	counts, err := s.CountByVerdict(context.Background(), nil)
	if err != nil {
		t.Fatalf("CountByVerdict: %v", err)
	}
	if counts[policy.Approved] != 2 || counts[policy.Denied] != 1 || counts[policy.ManualApprovalRequired] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	since := base.Add(2 * time.Second)
	counts, err = s.CountByVerdict(context.Background(), &since)
	if err != nil {
		t.Fatalf("CountByVerdict: %v", err)
	}
	if counts[policy.Approved] != 1 || counts[policy.Denied] != 0 {
		t.Fatalf("unexpected counts since %v: %v", since, counts)
	}

	n, err := s.Prune(context.Background(), base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	got, _ := s.QueryDecisions(context.Background(), store.Query{Asc: true})
	if ids(got) != "cd" {
		t.Fatalf("after prune got %q", ids(got))
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
