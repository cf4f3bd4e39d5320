// Package events fans decisions out to live subscribers.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/store"
)

// Filter selects the decisions a subscriber receives. A nil filter
// receives everything.
type Filter struct {
	Verdicts map[policy.Verdict]bool
	Source   string
}

func (f *Filter) match(rec store.Record) bool {
	if f == nil {
		return true
	}
	if len(f.Verdicts) > 0 && !f.Verdicts[rec.Verdict] {
		return false
	}
	return f.Source == "" || f.Source == rec.Source
}

type Broker struct {
	mu      sync.RWMutex
	subs    map[chan store.Record]*Filter
	dropped atomic.Int64
	logger  *slog.Logger
}

var _ store.Sink = (*Broker)(nil)

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{subs: make(map[chan store.Record]*Filter), logger: logger}
}

func (b *Broker) Subscribe(filter *Filter, buf int) chan store.Record {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan store.Record, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = filter
	return ch
}

// Unsubscribe removes and closes ch. It is safe to call more than once.
func (b *Broker) Unsubscribe(ch chan store.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) Publish(rec store.Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, f := range b.subs {
		if !f.match(rec) {
			continue
		}
		select {
		case ch <- rec:
		default:
			// Slow subscriber.
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				b.logger.Warn("decision stream subscriber is falling behind", "id", rec.ID, "dropped_total", count)
			}
		}
	}
}

// AppendDecision publishes rec so the broker can sit behind a store.
func (b *Broker) AppendDecision(_ context.Context, rec store.Record) error {
	b.Publish(rec)
	return nil
}

// DroppedCount returns the total number of decisions dropped due to slow subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
