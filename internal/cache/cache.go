// Package cache provides short-lived storage for extraction metadata and
// counters for per-client download throttling. Deployments choose between an
// in-process store and a Redis-backed store shared across replicas.
package cache

import (
	"context"
	"sync"
	"time"
)

// Store caches opaque payloads with a TTL and maintains expiring counters.
type Store interface {
	// Get returns the cached payload for key, reporting whether a live
	// entry was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Increment bumps an expiring counter and returns its new value. The
	// ttl applies from the first increment.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Close releases backend resources.
	Close() error
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

type memoryCounter struct {
	count   int64
	expires time.Time
}

// MemoryStore is an in-process Store. Entries expire lazily on access and
// are swept periodically.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	counters map[string]memoryCounter
	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewMemoryStore constructs a MemoryStore and starts its sweep loop.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries:  make(map[string]memoryEntry),
		counters: make(map[string]memoryCounter),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(entry.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: stored, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[key]
	if !ok || s.now().After(counter.expires) {
		counter = memoryCounter{expires: s.now().Add(ttl)}
	}
	counter.count++
	s.counters[key] = counter
	return counter.count, nil
}

func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.entries {
		if now.After(entry.expires) {
			delete(s.entries, key)
		}
	}
	for key, counter := range s.counters {
		if now.After(counter.expires) {
			delete(s.counters, key)
		}
	}
}
