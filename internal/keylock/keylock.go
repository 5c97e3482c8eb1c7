// Package keylock provides named critical sections so unrelated keys never
// contend on a shared lock.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table hands out one mutex per key. Entries are dropped once no goroutine
// holds or waits on them.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

func (t *Table) acquire(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) release(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Lock blocks until the key's critical section is free and returns its unlock func
func (t *Table) Lock(key string) func() {
	e := t.acquire(key)
	e.mu.Lock()
	return t.unlocker(key, e)
}

// TryLock enters the key's critical section only if nobody else holds it
func (t *Table) TryLock(key string) (func(), bool) {
	e := t.acquire(key)
	if !e.mu.TryLock() {
		t.release(key, e)
		return nil, false
	}
	return t.unlocker(key, e), true
}

// Len returns the number of keys currently held or awaited
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			t.release(key, e)
		})
	}
}
