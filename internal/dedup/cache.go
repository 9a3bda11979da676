// Package dedup keeps a bounded, time-expiring record of recently seen
// message ids.
package dedup

import (
	"strings"
	"sync"
	"time"

	"github.com/danmuck/wabridge/internal/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL  = 5 * time.Minute
	DefaultSize = 10000
)

// Cache records message ids for TTL, holding at most Size entries. The least
// recently added id is evicted first when full.
//
// Entries are stamped and expired on the injected clock. The LRU's own
// wall-time expiry only reclaims memory.
type Cache struct {
	mu    sync.Mutex
	items *expirable.LRU[string, time.Time]
	ttl   time.Duration
	clock clock.Clock
}

// New constructs a cache. Non-positive size or ttl fall back to defaults; a
// nil clock uses wall time.
func New(size int, ttl time.Duration, clk clock.Clock) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		items: expirable.NewLRU[string, time.Time](size, nil, ttl),
		ttl:   ttl,
		clock: clk,
	}
}

// lookup returns id's stamp, dropping it once ttl has elapsed on the clock.
// Caller holds mu.
func (c *Cache) lookup(id string) (time.Time, bool) {
	at, ok := c.items.Peek(id)
	if !ok {
		return time.Time{}, false
	}
	if !c.clock.Now().Before(at.Add(c.ttl)) {
		c.items.Remove(id)
		return time.Time{}, false
	}
	return at, true
}

// FirstSeen records id and reports true only the first time it is seen
// within the TTL window. Empty ids are never recorded and report true.
func (c *Cache) FirstSeen(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lookup(id); ok {
		return false
	}
	c.items.Add(id, c.clock.Now())
	return true
}

// Add records id without checking it.
func (c *Cache) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Add(id, c.clock.Now())
}

// Contains reports whether id is currently recorded.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookup(strings.TrimSpace(id))
	return ok
}

// SeenAt returns when id was first recorded.
func (c *Cache) SeenAt(id string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(strings.TrimSpace(id))
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}
