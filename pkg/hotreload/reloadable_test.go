package hotreload

import (
	"sync"
	"testing"
)

type ruleTable struct {
	name  string
	rules int
}

func TestReloadable(t *testing.T) {
	r := NewReloadable(&ruleTable{name: "initial", rules: 1})

	t.Run("Get", func(t *testing.T) {
		got := r.Get()
		if got == nil || got.name != "initial" {
			t.Errorf("Get() = %v, want initial", got)
		}
	})

	t.Run("Swap", func(t *testing.T) {
		old := r.Swap(&ruleTable{name: "updated", rules: 2})
		if old == nil || old.name != "initial" {
			t.Errorf("Swap() returned %v, want initial", old)
		}
		if got := r.Get(); got == nil || got.name != "updated" {
			t.Errorf("Get() after Swap = %v, want updated", got)
		}
		if v := r.Version(); v != 1 {
			t.Errorf("Version() = %d, want 1", v)
		}
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		current := r.Get()
		stale := &ruleTable{name: "stale"}
		next := &ruleTable{name: "next"}

		if r.CompareAndSwap(stale, next) {
			t.Error("CompareAndSwap should fail with a stale value")
		}
		if !r.CompareAndSwap(current, next) {
			t.Error("CompareAndSwap should succeed with the current value")
		}
		if got := r.Get(); got != next {
			t.Errorf("Get() after CAS = %v, want next", got)
		}
		if v := r.Version(); v != 2 {
			t.Errorf("Version() = %d, want 2", v)
		}
	})
}

func TestReloadable_Nil(t *testing.T) {
	r := NewReloadable[ruleTable](nil)
	if got := r.Get(); got != nil {
		t.Errorf("Get() on empty = %v, want nil", got)
	}
	if v := r.Version(); v != 0 {
		t.Errorf("Version() = %d, want 0", v)
	}

	r.Swap(&ruleTable{name: "first"})
	if got := r.Get(); got == nil || got.name != "first" {
		t.Errorf("Get() after Swap = %v, want first", got)
	}
}

func TestReloadable_ConcurrentReaders(t *testing.T) {
	r := NewReloadable(&ruleTable{rules: 0})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if r.Get() == nil {
					t.Error("Get() returned nil after initialization")
					return
				}
			}
		}()
	}
	for i := 1; i <= 100; i++ {
		r.Swap(&ruleTable{rules: i})
	}
	wg.Wait()

	if got := r.Get().rules; got != 100 {
		t.Errorf("rules = %d, want 100", got)
	}
}
