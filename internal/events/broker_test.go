package events

import (
	"context"
	"testing"
	"time"

	"github.com/agentsh/autoapprove/internal/policy"
	"github.com/agentsh/autoapprove/internal/store"
)

func TestBrokerPublishAndSubscribe(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe(nil, 10)
	defer b.Unsubscribe(ch)

	rec := store.Record{ID: "d1", Verdict: policy.Denied}
	if err := b.AppendDecision(context.Background(), rec); err != nil {
		t.Fatalf("AppendDecision: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != rec.ID || got.Verdict != rec.Verdict {
			t.Fatalf("decision mismatch: got %+v want %+v", got, rec)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decision")
	}
}

func TestBrokerFilters(t *testing.T) {
	b := NewBroker(nil)
	denied := b.Subscribe(&Filter{Verdicts: map[policy.Verdict]bool{policy.Denied: true}}, 10)
	cli := b.Subscribe(&Filter{Source: "cli"}, 10)
	defer b.Unsubscribe(denied)
	defer b.Unsubscribe(cli)

	b.Publish(store.Record{ID: "1", Verdict: policy.Approved, Source: "server"})
	b.Publish(store.Record{ID: "2", Verdict: policy.Denied, Source: "server"})
	b.Publish(store.Record{ID: "3", Verdict: policy.Approved, Source: "cli"})

	if n := len(denied); n != 1 {
		t.Fatalf("denied subscriber got %d decisions, want 1", n)
	}
	if got := <-denied; got.ID != "2" {
		t.Fatalf("denied subscriber got %q", got.ID)
	}
	if n := len(cli); n != 1 {
		t.Fatalf("cli subscriber got %d decisions, want 1", n)
	}
	if got := <-cli; got.ID != "3" {
		t.Fatalf("cli subscriber got %q", got.ID)
	}
}

func TestBrokerDropsWhenSlowSubscriber(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe(nil, 1)
	defer b.Unsubscribe(ch)

	rec := store.Record{ID: "d"}
	b.Publish(rec) // fills buffer
	b.Publish(rec) // should drop

	if n := len(ch); n != 1 {
		t.Fatalf("expected buffer length 1 after drop, got %d", n)
	}
	if b.DroppedCount() != 1 {
		t.Fatalf("DroppedCount = %d, want 1", b.DroppedCount())
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	ch := b.Subscribe(nil, 1)
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d, want 1", b.Subscribers())
	}
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	default:
		t.Fatal("expected channel to be closed and readable")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("Subscribers = %d, want 0", b.Subscribers())
	}
}
