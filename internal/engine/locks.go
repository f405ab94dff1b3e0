package engine

import (
	"sort"
	"sync"
)

type lockKey struct {
	client string
	ticker string
}

// LockRegistry hands out one mutex per (client, ticker) pair. Mutexes are
// created on first use under the registry lock and never removed.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[lockKey]*sync.Mutex)}
}

func (r *LockRegistry) get(client, ticker string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := lockKey{client: client, ticker: ticker}
	m, ok := r.locks[k]
	if !ok {
		m = &sync.Mutex{}
		r.locks[k] = m
	}
	return m
}

// Lock acquires the (client, ticker) mutex and returns its release func.
func (r *LockRegistry) Lock(client, ticker string) (unlock func()) {
	m := r.get(client, ticker)
	m.Lock()
	return m.Unlock
}

// LockAll acquires the mutexes of every client for ticker in lexicographic
// client order. Duplicate names are locked once.
func (r *LockRegistry) LockAll(ticker string, clients []string) *HeldLocks {
	names := make([]string, 0, len(clients))
	seen := make(map[string]bool, len(clients))
	for _, c := range clients {
		if !seen[c] {
			seen[c] = true
			names = append(names, c)
		}
	}
	sort.Strings(names)

	h := &HeldLocks{ticker: ticker, clients: names, held: make(map[string]*sync.Mutex, len(names))}
	for _, c := range names {
		m := r.get(c, ticker)
		m.Lock()
		h.held[c] = m
	}
	return h
}

// HeldLocks is a set of (client, ticker) mutexes acquired by LockAll. It is
// owned by a single goroutine.
type HeldLocks struct {
	ticker  string
	clients []string
	held    map[string]*sync.Mutex
}

// Clients returns the locked client names in lock order.
func (h *HeldLocks) Clients() []string {
	return h.clients
}

// Holds reports whether client's lock is still held.
func (h *HeldLocks) Holds(client string) bool {
	_, ok := h.held[client]
	return ok
}

// Release unlocks client early. Releasing a client twice is a no-op.
func (h *HeldLocks) Release(client string) {
	if m, ok := h.held[client]; ok {
		delete(h.held, client)
		m.Unlock()
	}
}

// ReleaseAll unlocks every lock still held.
func (h *HeldLocks) ReleaseAll() {
	for c, m := range h.held {
		delete(h.held, c)
		m.Unlock()
	}
}
