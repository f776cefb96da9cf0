// Package partition provides string-keyed maps split into independently
// locked shards, so work on one key never waits on an unrelated key's shard
// lock for longer than a single map operation.
package partition

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is used when New is given a non-positive shard count.
const DefaultShards = 64

// Map holds *V values keyed by string. Values are only touched while their
// shard lock is held; callers must not retain the pointers passed to callbacks.
type Map[V any] struct {
	shards []shard[V]
}

type shard[V any] struct {
	mu    sync.Mutex
	items map[string]*V
}

// New creates a map with n shards.
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{shards: make([]shard[V], n)}
	for i := range m.shards {
		m.shards[i].items = make(map[string]*V)
	}
	return m
}

func (m *Map[V]) shardFor(key string) *shard[V] {
	return &m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// Do runs fn atomically for key. fn receives the current value (nil when
// absent) and returns the value to store; returning nil deletes the key.
func (m *Map[V]) Do(key string, fn func(cur *V) *V) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.items[key])
	if next == nil {
		delete(s.items, key)
		return
	}
	s.items[key] = next
}

// Load returns a copy of the value stored under key.
func (m *Map[V]) Load(key string) (V, bool) {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero V
	v, ok := s.items[key]
	if !ok {
		return zero, false
	}
	return *v, true
}

// Delete removes key and reports whether it was present.
func (m *Map[V]) Delete(key string) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Sweep visits every entry shard by shard and deletes those for which keep
// returns false. It returns the number of deleted entries.
func (m *Map[V]) Sweep(keep func(key string, v *V) bool) int {
	removed := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.items {
			if !keep(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Each visits every entry. fn runs under the entry's shard lock.
func (m *Map[V]) Each(fn func(key string, v *V)) {
	m.Sweep(func(k string, v *V) bool {
		fn(k, v)
		return true
	})
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
