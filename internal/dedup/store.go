// Package dedup remembers recently delivered event IDs so that a redelivered
// event is recognised and suppressed. Entries expire after a TTL; memory is
// bounded by TTL x event rate rather than by the total number of events.
package dedup

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL matches the platform's redelivery horizon.
const DefaultTTL = 24 * time.Hour

// Store is the check-and-mark primitive shared by every transport.
type Store interface {
	// Seen reports whether id was already recorded within the TTL. The first
	// call for an id records it and returns false. Empty ids are never
	// recorded and always return false.
	Seen(ctx context.Context, id string) (bool, error)
	Close() error
}

// MemoryStore is an in-process Store backed by an expirable LRU.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.LRU[string, struct{}]
}

// NewMemoryStore creates a MemoryStore. maxEntries <= 0 means no size bound
// beyond TTL expiry.
func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &MemoryStore{
		cache: lru.NewLRU[string, struct{}](maxEntries, nil, ttl),
	}
}

// Seen implements Store.
func (s *MemoryStore) Seen(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}

	// Get and Add are each atomic; the mutex makes the pair atomic.
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache.Get(id); ok {
		return true, nil
	}
	s.cache.Add(id, struct{}{})
	return false, nil
}

// Len returns the number of tracked ids, including ones pending expiry sweep.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// Close drops every entry.
func (s *MemoryStore) Close() error {
	s.cache.Purge()
	return nil
}
