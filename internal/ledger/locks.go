package ledger

import (
	"slices"
	"sync"
)

// lockTable hands out one mutex per account id.
// Entries are never removed; the account set is small and long-lived.
type lockTable struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[int64]*sync.Mutex)}
}

// get returns the mutex for id, creating it if needed.
func (t *lockTable) get(id int64) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	t.locks[id] = l
	return l
}

// lock acquires the mutexes of every distinct id in ascending order and
// returns the matching unlock. Fixed ordering keeps two transfers over the
// same pair from deadlocking.
func (t *lockTable) lock(ids ...int64) (unlock func()) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		l := t.get(id)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
