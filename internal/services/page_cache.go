package services

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultPageCacheSize is the capacity used when none is configured.
const DefaultPageCacheSize = 10

// Artifact is a cached value that owns a resource released exactly once.
type Artifact interface {
	comparable
	Release() error
}

// CacheStats are cumulative counters plus the current occupancy.
type CacheStats struct {
	Inserted int
	Evicted  int
	Replaced int
	Resident int
}

// PageCache is an LRU of rendered pages keyed by page number. An entry is
// resident iff its artifact has not been released. Release runs outside the
// lock so a slow or panicking release cannot stall other callers.
type PageCache[A Artifact] struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[int, A]
	dropped []droppedEntry[A]
	stats   CacheStats

	logger  *slog.Logger
	metrics *Metrics
}

type droppedEntry[A Artifact] struct {
	page     int
	artifact A
}

// NewPageCache returns a cache holding at most capacity pages. A capacity
// below one selects DefaultPageCacheSize.
func NewPageCache[A Artifact](capacity int, logger *slog.Logger, metrics *Metrics) *PageCache[A] {
	if capacity < 1 {
		capacity = DefaultPageCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &PageCache[A]{logger: logger, metrics: metrics}
	lru, err := simplelru.NewLRU[int, A](capacity, c.onEvict)
	if err != nil {
		// only returned for a non-positive size
		panic(fmt.Sprintf("page cache: %v", err))
	}
	c.lru = lru
	return c
}

// onEvict runs under c.mu for every entry simplelru drops.
func (c *PageCache[A]) onEvict(page int, a A) {
	c.dropped = append(c.dropped, droppedEntry[A]{page: page, artifact: a})
}

// Put stores a under page and marks it most recently used. Re-putting the
// resident artifact only refreshes its recency. Putting a different artifact
// for a resident page replaces and releases the old one.
func (c *PageCache[A]) Put(page int, a A) {
	c.mu.Lock()
	if old, ok := c.lru.Peek(page); ok {
		if old == a {
			c.lru.Get(page)
			c.mu.Unlock()
			return
		}
		c.lru.Remove(page)
		c.stats.Replaced++
	} else {
		c.stats.Inserted++
		c.metrics.cacheInsert()
	}
	if c.lru.Add(page, a) {
		c.stats.Evicted++
		c.metrics.cacheEvict()
	}
	victims := c.drainLocked()
	c.mu.Unlock()

	c.release(victims)
}

// Get returns the artifact for page and marks it most recently used.
func (c *PageCache[A]) Get(page int) (A, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(page)
}

// Contains reports residency without touching recency.
func (c *PageCache[A]) Contains(page int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(page)
}

// Keys returns resident pages from least to most recently used.
func (c *PageCache[A]) Keys() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// ClearRange evicts every resident page outside [start-margin, end+margin].
func (c *PageCache[A]) ClearRange(start, end, margin int) {
	if margin < 0 {
		margin = 0
	}
	lo, hi := start-margin, end+margin
	c.mu.Lock()
	for _, page := range c.lru.Keys() {
		if page < lo || page > hi {
			c.lru.Remove(page)
			c.stats.Evicted++
			c.metrics.cacheEvict()
		}
	}
	victims := c.drainLocked()
	c.mu.Unlock()

	c.release(victims)
}

// ClearAll evicts every resident page.
func (c *PageCache[A]) ClearAll() {
	c.mu.Lock()
	n := c.lru.Len()
	c.lru.Purge()
	c.stats.Evicted += n
	for i := 0; i < n; i++ {
		c.metrics.cacheEvict()
	}
	victims := c.drainLocked()
	c.mu.Unlock()

	c.release(victims)
}

// Stats returns a snapshot of the counters.
func (c *PageCache[A]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Resident = c.lru.Len()
	return s
}

func (c *PageCache[A]) drainLocked() []droppedEntry[A] {
	victims := c.dropped
	c.dropped = nil
	c.metrics.cacheSize(c.lru.Len())
	return victims
}

func (c *PageCache[A]) release(victims []droppedEntry[A]) {
	for _, v := range victims {
		c.releaseOne(v)
	}
}

func (c *PageCache[A]) releaseOne(v droppedEntry[A]) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Page release panicked.", "page", v.page, "panic", r)
		}
	}()
	if err := v.artifact.Release(); err != nil {
		c.logger.Warn("Page release failed.", "page", v.page, "error", err)
	}
}
