package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"revenue-forecast-api/pkg/models"
)

// ErrNoChange is returned by an UpdateFunc to leave the stored entry untouched.
var ErrNoChange = errors.New("cache: no change")

// UpdateFunc receives the current entry (nil when absent) and returns the entry to store.
type UpdateFunc func(current *models.CacheEntry) (*models.CacheEntry, error)

// Store persists analytics cache entries. Update must be atomic per key.
type Store interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (*models.CacheEntry, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryItem
	now     func() time.Time
}

type memoryItem struct {
	entry     *models.CacheEntry
	evictAt   time.Time
	permanent bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryItem),
		now:     time.Now,
	}
}

// Get returns a copy of the entry, or nil when absent.
func (s *MemoryStore) Get(_ context.Context, key string) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(key).Clone(), nil
}

// Update applies fn under the store lock.
func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.load(key)
	next, err := fn(current.Clone())
	if errors.Is(err, ErrNoChange) {
		return current.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	if next == nil {
		delete(s.entries, key)
		return nil, nil
	}

	item := memoryItem{entry: next.Clone(), permanent: ttl <= 0}
	if ttl > 0 {
		item.evictAt = s.now().Add(ttl)
	}
	s.entries[key] = item
	return next.Clone(), nil
}

// DeletePrefix removes every key starting with prefix.
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) load(key string) *models.CacheEntry {
	item, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !item.permanent && s.now().After(item.evictAt) {
		delete(s.entries, key)
		return nil
	}
	return item.entry
}
