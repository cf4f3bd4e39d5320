package composite

import (
	"context"
	"io"
	"time"

	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/store"
)

// Store sends each decision to a primary store, when one is configured,
// and to every sink. Queries go to the primary.
type Store struct {
	primary store.DecisionStore
	sinks   []store.Sink
}

var _ store.DecisionStore = (*Store)(nil)

func New(primary store.DecisionStore, sinks ...store.Sink) *Store {
	return &Store{primary: primary, sinks: sinks}
}

// HasHistory reports whether decisions are persisted.
func (s *Store) HasHistory() bool {
	return s != nil && s.primary != nil
}

func (s *Store) AppendDecision(ctx context.Context, rec store.Record) error {
	if s == nil {
		return nil
	}
	var firstErr error
	if s.primary != nil {
		if err := s.primary.AppendDecision(ctx, rec); err != nil {
			firstErr = err
		}
	}
	for _, o := range s.sinks {
		if err := o.AppendDecision(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) QueryDecisions(ctx context.Context, q store.Query) ([]store.Record, error) {
	if !s.HasHistory() {
		return nil, store.ErrNoHistory
	}
	return s.primary.QueryDecisions(ctx, q)
}

func (s *Store) CountByVerdict(ctx context.Context, since *time.Time) (map[policy.Verdict]int64, error) {
	if !s.HasHistory() {
		return nil, store.ErrNoHistory
	}
	return s.primary.CountByVerdict(ctx, since)
}

func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	if !s.HasHistory() {
		return 0, store.ErrNoHistory
	}
	return s.primary.Prune(ctx, before)
}

// Close closes the primary and any sink that is an io.Closer.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var firstErr error
	if s.primary != nil {
		if err := s.primary.Close(); err != nil {
			firstErr = err
		}
	}
	for _, o := range s.sinks {
		c, ok := o.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
