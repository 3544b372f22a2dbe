// Package cache keeps process-local bookkeeping for the downloader: resolved
// model directories and per-model usage counters. Nothing here is required for
// correctness; every entry can be recomputed from the model id.
package cache

import (
	"sort"
	"sync"
)

// Counters are the usage counts of one model.
type Counters struct {
	Downloads int64 `json:"downloads"`
	Accesses  int64 `json:"accesses"`
}

// Store is safe for concurrent use. Its mutex is independent of the per-model
// locks held by the downloader.
type Store struct {
	mu       sync.RWMutex
	paths    map[string]string
	counters map[string]*Counters
}

func NewStore() *Store {
	return &Store{
		paths:    make(map[string]string),
		counters: make(map[string]*Counters),
	}
}

// Path returns the cached directory for key.
func (s *Store) Path(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.paths[key]

	return p, ok
}

func (s *Store) SetPath(key, dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paths[key] = dir
}

// Keys returns the keys with a cached path, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.paths))

	for k := range s.paths {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)

	return keys
}

// Clear drops every cached path. Counters are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.paths)
}

func (s *Store) IncDownloads(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter(key).Downloads++
}

func (s *Store) IncAccesses(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter(key).Accesses++
}

// counter must be called with mu held.
func (s *Store) counter(key string) *Counters {
	c, ok := s.counters[key]
	if !ok {
		c = &Counters{}
		s.counters[key] = c
	}

	return c
}

// Stats returns a copy of key's counters.
func (s *Store) Stats(key string) Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.counters[key]; ok {
		return *c
	}

	return Counters{}
}

// Snapshot returns a copy of all counters.
func (s *Store) Snapshot() map[string]Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Counters, len(s.counters))
	for k, c := range s.counters {
		out[k] = *c
	}

	return out
}

// ResetStats zeroes every counter.
func (s *Store) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.counters)
}
