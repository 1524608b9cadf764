package view

import (
	"sync"
	"weak"
)

// handleCache maps a record address to the live *Handle materialized
// for it, so that navigating to the same address twice within one
// view yields the identical handle (required for structural-sharing
// identity checks in the diff package).
type handleCache interface {
	get(addr int64) (*Handle, bool)
	put(addr int64, h *Handle)
	stats() (hits, misses uint64, size int)
}

// weakCache is the read view's cache: entries are reclaimable by the
// garbage collector, so a long-lived read view over a large database
// does not pin every handle it has ever touched in memory. A
// reclaimed entry is silently treated as a miss; the caller
// re-materializes an equivalent handle from the record.
type weakCache struct {
	mu      sync.Mutex
	items   map[int64]weak.Pointer[Handle]
	hits    uint64
	misses  uint64
	hintCap int
}

func newWeakCache(hintCap int) *weakCache {
	if hintCap <= 0 {
		hintCap = 64
	}
	return &weakCache{items: make(map[int64]weak.Pointer[Handle], hintCap), hintCap: hintCap}
}

func (c *weakCache) get(addr int64) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wp, ok := c.items[addr]
	if !ok {
		c.misses++
		return nil, false
	}
	h := wp.Value()
	if h == nil {
		// Reclaimed since it was cached; prune and report a miss.
		delete(c.items, addr)
		c.misses++
		return nil, false
	}
	c.hits++
	return h, true
}

func (c *weakCache) put(addr int64, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[addr] = weak.Make(h)
}

func (c *weakCache) stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items)
}

// strongCache is the write view's cache: a handle obtained early in a
// transaction and mutated later must still be found (with its dirty
// state intact) at commit time, so entries are never evicted.
type strongCache struct {
	mu     sync.Mutex
	items  map[int64]*Handle
	hits   uint64
	misses uint64
}

func newStrongCache(hintCap int) *strongCache {
	if hintCap <= 0 {
		hintCap = 64
	}
	return &strongCache{items: make(map[int64]*Handle, hintCap)}
}

func (c *strongCache) get(addr int64) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.items[addr]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return h, ok
}

func (c *strongCache) put(addr int64, h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[addr] = h
}

func (c *strongCache) stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items)
}
