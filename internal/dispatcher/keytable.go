package dispatcher

import (
	"sync"
)

// keyTable tracks concurrency-key occupancy for jobs this dispatcher has
// in flight. It is owned by the Dispatcher instance, never global, so
// independent dispatchers can coexist in tests. The store's saturated-key
// exclusion is the durable guard; this table keeps a single loop from
// over-dispatching within one batch, before the store sees the claims.
type keyTable struct {
	mu       sync.Mutex
	inflight map[string]int
}

func newKeyTable() *keyTable {
	return &keyTable{inflight: make(map[string]int)}
}

// tryReserve takes a slot for key if fewer than limit are occupied.
// Keyless jobs always succeed.
func (t *keyTable) tryReserve(key *string, limit int) bool {
	if key == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight[*key] >= limit {
		return false
	}
	t.inflight[*key]++
	return true
}

// release frees a slot taken by tryReserve.
func (t *keyTable) release(key *string) {
	if key == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.inflight[*key]; n <= 1 {
		delete(t.inflight, *key)
	} else {
		t.inflight[*key] = n - 1
	}
}

// occupied returns the number of keys with at least one slot taken.
func (t *keyTable) occupied() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
