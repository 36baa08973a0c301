// Package cmap contains a small thread-safe concurrent map, generalized
// from thought-machine/please's src/cmap package for this module's needs:
// a get-or-insert registry keyed by string (package name, platform name)
// that multiple goroutines may touch concurrently (the Compiler Cache
// dispatch loop and the Builder's event handlers run on different
// goroutines).
package cmap

import (
	"fmt"
	"sync"
)

// DefaultShardCount is a reasonable default for a map expected to hold at
// most a few hundred entries (packages, targets, workers); content builds
// don't approach the tens-of-thousands scale please's own cmap is tuned
// for, so a much smaller shard count is used by default.
const DefaultShardCount = 1 << 4

// Map is a sharded, thread-safe map from string keys to values of type V.
// Use New to construct one.
type Map[V any] struct {
	shards []shard[V]
	mask   uint32
}

// New creates a Map with the given shard count, which must be a power of 2.
func New[V any](shardCount uint32) *Map[V] {
	mask := shardCount - 1
	if shardCount&mask != 0 {
		panic(fmt.Sprintf("shard count %d is not a power of 2", shardCount))
	}
	m := &Map[V]{shards: make([]shard[V], shardCount), mask: mask}
	for i := range m.shards {
		m.shards[i].m = map[string]V{}
	}
	return m
}

// Get returns the value for key and whether it was present.
func (m *Map[V]) Get(key string) (V, bool) {
	return m.shard(key).get(key)
}

// Set unconditionally stores val under key.
func (m *Map[V]) Set(key string, val V) {
	m.shard(key).set(key, val)
}

// GetOrInsert returns the existing value for key, or calls create and
// stores and returns its result if the key is absent. create is called at
// most once per missing key, while the shard lock is held, so it must not
// itself touch the same Map.
func (m *Map[V]) GetOrInsert(key string, create func() V) V {
	return m.shard(key).getOrInsert(key, create)
}

// Delete removes key, if present.
func (m *Map[V]) Delete(key string) {
	m.shard(key).delete(key)
}

// Values returns a snapshot of all current values. No particular ordering
// or consistency is guaranteed across shards.
func (m *Map[V]) Values() []V {
	ret := make([]V, 0, len(m.shards)*4)
	for i := range m.shards {
		ret = append(ret, m.shards[i].values()...)
	}
	return ret
}

// Len returns the total number of entries across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for i := range m.shards {
		n += m.shards[i].len()
	}
	return n
}

func (m *Map[V]) shard(key string) *shard[V] {
	return &m.shards[fnv32(key)&m.mask]
}

type shard[V any] struct {
	m map[string]V
	l sync.Mutex
}

func (s *shard[V]) get(key string) (V, bool) {
	s.l.Lock()
	defer s.l.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *shard[V]) set(key string, val V) {
	s.l.Lock()
	defer s.l.Unlock()
	s.m[key] = val
}

func (s *shard[V]) getOrInsert(key string, create func() V) V {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok {
		return v
	}
	v := create()
	s.m[key] = v
	return v
}

func (s *shard[V]) delete(key string) {
	s.l.Lock()
	defer s.l.Unlock()
	delete(s.m, key)
}

func (s *shard[V]) values() []V {
	s.l.Lock()
	defer s.l.Unlock()
	ret := make([]V, 0, len(s.m))
	for _, v := range s.m {
		ret = append(ret, v)
	}
	return ret
}

func (s *shard[V]) len() int {
	s.l.Lock()
	defer s.l.Unlock()
	return len(s.m)
}

// fnv32 is a small non-cryptographic string hash used only to pick a shard.
func fnv32(s string) uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}
