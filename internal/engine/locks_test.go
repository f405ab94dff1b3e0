package engine

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestLockAll_SortsAndDeduplicates(t *testing.T) {
	r := NewLockRegistry()
	h := r.LockAll("PETR4", []string{"carol", "alice", "bob", "alice"})
	defer h.ReleaseAll()

	want := []string{"alice", "bob", "carol"}
	if got := h.Clients(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for _, c := range want {
		if !h.Holds(c) {
			t.Errorf("expected lock on %s", c)
		}
	}
}

func TestHeldLocks_ReleaseIsIdempotent(t *testing.T) {
	r := NewLockRegistry()
	h := r.LockAll("PETR4", []string{"alice", "bob"})

	h.Release("alice")
	h.Release("alice")
	if h.Holds("alice") {
		t.Fatal("alice should be released")
	}

	// alice's lock is free again while bob's is still held.
	unlock := r.Lock("alice", "PETR4")
	unlock()

	h.ReleaseAll()
	h.ReleaseAll()
	unlock = r.Lock("bob", "PETR4")
	unlock()
}

func TestLock_PerTicker(t *testing.T) {
	r := NewLockRegistry()
	unlock := r.Lock("alice", "PETR4")
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := r.Lock("alice", "VALE3")
		u()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("locks on different tickers must not contend")
	}
}

func TestLockAll_OpposingOrderDoesNotDeadlock(t *testing.T) {
	r := NewLockRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := r.LockAll("PETR4", []string{"alice", "bob"})
			h.ReleaseAll()
		}()
		go func() {
			defer wg.Done()
			h := r.LockAll("PETR4", []string{"bob", "alice"})
			h.ReleaseAll()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock acquiring opposing lock sets")
	}
}
