package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxEntries is the default in-process cache capacity
const DefaultMaxEntries = 100_000

// Stats reports cache usage
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	ItemCount int64   `json:"item_count"`
	HitRate   float64 `json:"hit_rate"`
}

// MemoryCache is a per-process LRU decision cache
type MemoryCache struct {
	cache *lru.LRU[string, Entry]
	now   func() time.Time

	mu     sync.Mutex
	global uint64
	users  map[string]uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewMemoryCache creates an LRU holding at most maxEntries decisions.
// maxTTL is a hard ceiling on entry lifetime regardless of the ttl passed to Put.
func NewMemoryCache(maxEntries int, maxTTL time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxTTL <= 0 {
		maxTTL = DefaultTTL
	}
	return &MemoryCache{
		cache: lru.NewLRU[string, Entry](maxEntries, nil, maxTTL),
		now:   time.Now,
		users: make(map[string]uint64),
	}
}

func (c *MemoryCache) Name() string { return "memory" }

func (c *MemoryCache) current(userID string) Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stamp{Global: c.global, User: c.users[userID]}
}

// Get returns the entry for key if it is unexpired and was computed under the current generations
func (c *MemoryCache) Get(ctx context.Context, key Key) (Entry, bool, error) {
	entry, ok := c.cache.Get(key.String())
	if !ok {
		c.misses.Add(1)
		return Entry{}, false, nil
	}
	if !c.now().Before(entry.ExpiresAt) || entry.Stamp != c.current(key.UserID) {
		c.cache.Remove(key.String())
		c.misses.Add(1)
		return Entry{}, false, nil
	}
	c.hits.Add(1)
	return entry, true, nil
}

// Put stores an entry
func (c *MemoryCache) Put(ctx context.Context, key Key, entry Entry, ttl time.Duration) error {
	c.cache.Add(key.String(), prepare(entry, ttl, c.now()))
	return nil
}

// Stamp returns the current generations for userID
func (c *MemoryCache) Stamp(ctx context.Context, userID string) (Stamp, error) {
	return c.current(userID), nil
}

// Invalidate bumps the selected generation. A global bump also purges the LRU and
// forgets per-user generations, since no older entry can match the new global one.
func (c *MemoryCache) Invalidate(ctx context.Context, sel Selector) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sel.IsAll() {
		c.global++
		c.users = make(map[string]uint64)
		c.cache.Purge()
		return nil
	}
	c.users[sel.UserID]++
	return nil
}

// Stats returns hit/miss counters
func (c *MemoryCache) Stats() Stats {
	stats := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: int64(c.cache.Len()),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *MemoryCache) Close() error {
	c.cache.Purge()
	return nil
}
