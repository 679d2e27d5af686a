package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryCache is an in-process LRU cache with per-entry TTL.
// Suitable for single-instance deployments and tests.
type MemoryCache struct {
	mu       sync.Mutex
	items    map[string]*memoryItem
	lru      *list.List
	maxItems int
	now      func() time.Time

	hits      int64
	misses    int64
	evictions int64

	logger *zap.Logger
}

type memoryItem struct {
	key     string
	value   []byte
	expiry  time.Time
	element *list.Element
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an LRU cache holding at most maxItems entries.
func NewMemoryCache(maxItems int, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxItems <= 0 {
		maxItems = 10000
	}
	return &MemoryCache{
		items:    make(map[string]*memoryItem),
		lru:      list.New(),
		maxItems: maxItems,
		now:      time.Now,
		logger:   logger.Named("memory-cache"),
	}
}

func (c *MemoryCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	item, ok := c.items[key]
	if ok && c.now().After(item.expiry) {
		c.remove(item)
		ok = false
	}
	if !ok {
		c.misses++
		c.mu.Unlock()
		return false, nil
	}
	c.lru.MoveToFront(item.element)
	c.hits++
	raw := item.value
	c.mu.Unlock()

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached value for %s: %w", key, err)
	}
	return true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[key]; ok {
		c.remove(existing)
	}
	for len(c.items) >= c.maxItems && c.lru.Len() > 0 {
		c.remove(c.lru.Back().Value.(*memoryItem))
		c.evictions++
	}

	item := &memoryItem{key: key, value: raw, expiry: c.now().Add(ttl)}
	item.element = c.lru.PushFront(item)
	c.items[key] = item
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !isPattern(pattern) {
		if item, ok := c.items[pattern]; ok {
			c.remove(item)
		}
		return nil
	}

	removed := 0
	for key, item := range c.items {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return fmt.Errorf("invalid cache pattern %q: %w", pattern, err)
		}
		if matched {
			c.remove(item)
			removed++
		}
	}
	c.logger.Debug("Invalidated cache entries",
		zap.String("pattern", pattern),
		zap.Int("count", removed))
	return nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

// Stats returns hit/miss counters since creation.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Items:     len(c.items),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// must be called with c.mu held
func (c *MemoryCache) remove(item *memoryItem) {
	c.lru.Remove(item.element)
	delete(c.items, item.key)
}
