// Package dedup implements a shard-locked cache of recently persisted
// poc_ids. It fronts the store's beacon-existence check under redelivery:
// a hit skips one round trip, a miss proves nothing. The store's idempotent
// writes remain the sole source of truth, so the cache may forget entries
// at any time without affecting correctness.
package dedup

import (
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// shardCount must remain a power of two so shard selection can bit-mask the
// hash.
const shardCount = 64

// Cache tracks poc_ids seen within a sliding window. A nil *Cache is a
// valid no-op cache, which is how the feature is disabled.
type Cache struct {
	window time.Duration
	shards []cacheShard
	now    func() time.Time

	shutdown chan struct{}
	once     sync.Once
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

// New creates a cache with the given retention window and starts its sweep
// loop. A non-positive window returns nil: the disabled cache.
func New(window time.Duration) *Cache {
	if window <= 0 {
		return nil
	}
	c := newCache(window, time.Now)
	go c.sweepLoop()
	return c
}

func newCache(window time.Duration, now func() time.Time) *Cache {
	c := &Cache{
		window:   window,
		shards:   make([]cacheShard, shardCount),
		now:      now,
		shutdown: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]time.Time)
	}
	return c
}

func (c *Cache) shard(pocID string) *cacheShard {
	return &c.shards[xxh3.HashString(pocID)&(shardCount-1)]
}

// Seen reports whether the poc_id was added within the window.
func (c *Cache) Seen(pocID string) bool {
	if c == nil {
		return false
	}
	now := c.now()
	s := c.shard(pocID)
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.entries[pocID]
	if !ok {
		return false
	}
	if now.Sub(at) > c.window {
		delete(s.entries, pocID)
		return false
	}
	return true
}

// Add records a poc_id as persisted, refreshing any existing entry.
func (c *Cache) Add(pocID string) {
	if c == nil {
		return
	}
	s := c.shard(pocID)
	s.mu.Lock()
	s.entries[pocID] = c.now()
	s.mu.Unlock()
}

// Close stops the sweep loop. Safe to call repeatedly and on nil.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.once.Do(func() { close(c.shutdown) })
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	cutoff := c.now().Add(-c.window)
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for id, at := range s.entries {
			if at.Before(cutoff) {
				delete(s.entries, id)
			}
		}
		s.mu.Unlock()
	}
}
