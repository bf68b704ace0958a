package cache

import (
	"container/list"
	"context"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is an in-process Store with LRU eviction and per-entry TTL.
// It suits single-instance deployments and tests.
type MemoryStore struct {
	mu          sync.Mutex
	items       map[string]*memoryItem
	lru         *list.List
	maxItems    int
	maxBytes    int64
	currentSize int64
	evictions   int64

	logger *zap.Logger
	now    func() time.Time
}

type memoryItem struct {
	key     string
	value   []byte
	size    int64
	expiry  time.Time
	element *list.Element
}

// NewMemoryStore creates a store holding at most maxItems entries and
// maxBytes of keys plus values. Non-positive limits mean unbounded.
func NewMemoryStore(maxItems int, maxBytes int64, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		items:    make(map[string]*memoryItem),
		lru:      list.New(),
		maxItems: maxItems,
		maxBytes: maxBytes,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(item.expiry) {
		s.remove(item)
		return nil, false, nil
	}
	s.lru.MoveToFront(item.element)
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(key) + len(value))
	if s.maxBytes > 0 && size > s.maxBytes {
		s.logger.Warn("item too large for cache", zap.String("key", key), zap.Int64("size", size))
		return nil
	}
	if old, ok := s.items[key]; ok {
		s.remove(old)
	}
	for s.full(size) && s.lru.Len() > 0 {
		s.remove(s.lru.Back().Value.(*memoryItem))
		s.evictions++
	}

	item := &memoryItem{
		key:    key,
		value:  append([]byte(nil), value...),
		size:   size,
		expiry: s.now().Add(ttl),
	}
	item.element = s.lru.PushFront(item)
	s.items[key] = item
	s.currentSize += size
	return nil
}

func (s *MemoryStore) full(incoming int64) bool {
	if s.maxItems > 0 && len(s.items) >= s.maxItems {
		return true
	}
	return s.maxBytes > 0 && s.currentSize+incoming > s.maxBytes
}

// DeleteMatching removes every key matching a glob pattern such as
// "solution:*".
func (s *MemoryStore) DeleteMatching(_ context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*memoryItem
	for key, item := range s.items {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return 0, err
		}
		if ok {
			doomed = append(doomed, item)
		}
	}
	for _, item := range doomed {
		s.remove(item)
	}
	return len(doomed), nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len reports the number of live and not yet collected entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Evictions reports how many entries were dropped to make room.
func (s *MemoryStore) Evictions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

// StartCleanup drops expired entries every interval until ctx is done.
func (s *MemoryStore) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupExpired()
			}
		}
	}()
}

func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for _, item := range s.items {
		if !now.Before(item.expiry) {
			s.remove(item)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("cleaned up expired cache items", zap.Int("count", n))
	}
}

// remove must be called with the lock held.
func (s *MemoryStore) remove(item *memoryItem) {
	if item.element != nil {
		s.lru.Remove(item.element)
	}
	delete(s.items, item.key)
	s.currentSize -= item.size
}
