// Package cache stores replies keyed by request fingerprint so repeated
// questions skip the expensive path.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/citizen-chat/resilience-core/pkg/logger"
	"github.com/citizen-chat/resilience-core/pkg/metrics"
)

// Entry is a stored reply.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Reply       string    `json:"reply"`
	CreatedAt   time.Time `json:"created_at"`
	LastAccess  time.Time `json:"last_access"`
	HitCount    int64     `json:"hit_count"`
}

// Stats reports cache effectiveness.
type Stats struct {
	Enabled bool    `json:"enabled"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Options configures a Cache.
type Options struct {
	Enabled    bool
	MaxEntries int
	// TTL bounds entry age; zero keeps entries until evicted.
	TTL time.Duration
	Now func() time.Time
}

// Cache is a bounded LRU map from fingerprint to reply.
type Cache struct {
	opts    Options
	logger  *logger.Logger
	enabled atomic.Bool
	hits    atomic.Int64
	misses  atomic.Int64

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List
}

// New creates a cache.
func New(opts Options, log *logger.Logger) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Cache{
		opts:   opts,
		logger: log.Named("cache"),
		items:  make(map[string]*list.Element),
		order:  list.New(),
	}
	c.enabled.Store(opts.Enabled)
	return c
}

// Lookup returns the entry for fp and marks it most recently used. A
// disabled cache always misses without counting.
func (c *Cache) Lookup(fp string) (Entry, bool) {
	if !c.enabled.Load() {
		return Entry{}, false
	}

	now := c.opts.Now()
	c.mu.Lock()
	el, ok := c.items[fp]
	if ok {
		e := el.Value.(*Entry)
		if c.opts.TTL > 0 && now.Sub(e.CreatedAt) >= c.opts.TTL {
			c.removeLocked(el)
			ok = false
		} else {
			e.HitCount++
			e.LastAccess = now
			c.order.MoveToFront(el)
			out := *e
			c.mu.Unlock()

			c.hits.Add(1)
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return out, true
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	c.misses.Add(1)
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	metrics.CacheEntries.Set(float64(size))
	return Entry{}, false
}

// Store saves reply under fp, evicting least recently used entries beyond
// the bound. It is a no-op while the cache is disabled.
func (c *Cache) Store(fp, reply string) {
	if !c.enabled.Load() {
		return
	}

	now := c.opts.Now()
	c.mu.Lock()
	if el, ok := c.items[fp]; ok {
		e := el.Value.(*Entry)
		e.Reply = reply
		e.CreatedAt = now
		e.LastAccess = now
		c.order.MoveToFront(el)
	} else {
		c.items[fp] = c.order.PushFront(&Entry{
			Fingerprint: fp,
			Reply:       reply,
			CreatedAt:   now,
			LastAccess:  now,
		})
	}
	evicted := 0
	for len(c.items) > c.opts.MaxEntries {
		c.removeLocked(c.order.Back())
		evicted++
	}
	size := len(c.items)
	c.mu.Unlock()

	metrics.CacheEntries.Set(float64(size))
	if evicted > 0 {
		c.logger.Debug("evicted cache entries", zap.Int("count", evicted))
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*Entry)
	c.order.Remove(el)
	delete(c.items, e.Fingerprint)
}

// InvalidateAll drops every entry and returns how many were removed.
func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	n := len(c.items)
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	metrics.CacheEntries.Set(0)
	c.logger.Info("cache invalidated", zap.Int("entries", n))
	return n
}

// SetEnabled switches the cache on or off. Switching off also drops every
// entry so a later re-enable never serves replies from before the switch.
func (c *Cache) SetEnabled(enabled bool) {
	prev := c.enabled.Swap(enabled)
	if prev == enabled {
		return
	}
	if !enabled {
		c.InvalidateAll()
	}
	c.logger.Info("cache toggled", zap.Bool("enabled", enabled))
}

// Enabled reports whether the cache is consulted.
func (c *Cache) Enabled() bool {
	return c.enabled.Load()
}

// Stats returns counters and the current size.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	s := Stats{
		Enabled: c.enabled.Load(),
		Hits:    hits,
		Misses:  misses,
		Size:    size,
	}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
