// Package view materializes on-disk records into navigable, lazily
// resolved mapping handles. A View anchors a snapshot at one root
// address and caches the handles it has minted, keyed by address, so
// that repeated navigation to the same address within one view
// yields the identical handle object.
//
// Read views use a weak, garbage-collectable cache (spec: "bounds
// memory for long-lived read views over large databases"); the single
// write view backing an in-flight transaction uses a strong cache,
// because mutation state lives on the handle and must survive until
// commit.
package view

import (
	"math/rand"
	"sync"

	"github.com/markavellan/driftdb/storage"
)

// unaddressed marks a handle for a mapping that has not yet been
// written to disk (created fresh within the current transaction).
const unaddressed int64 = -1

// Option configures a View at construction time.
type Option func(*viewConfig)

type viewConfig struct {
	cacheHint int
	stress    *rand.Rand
}

// WithCacheHint preallocates the view's handle cache for roughly n
// distinct addresses. Purely a sizing hint; never required for
// correctness.
func WithCacheHint(n int) Option {
	return func(c *viewConfig) { c.cacheHint = n }
}

// WithStressEviction is a test-only option: on a fraction of reads, a
// read view additionally drops its own reference to a materialized
// handle's state, forcing re-materialization through the weak cache
// on the next access. Ignored on write (mutable) views, since
// discarding mutation state would lose writes.
func WithStressEviction(rng *rand.Rand) Option {
	return func(c *viewConfig) { c.stress = rng }
}

// View is a snapshot of the database rooted at one address.
type View struct {
	db      *storage.Database
	cache   handleCache
	mutable bool
	root    int64
	stress  *rand.Rand

	mu         sync.Mutex
	rootHandle *Handle
}

// Open returns a read-only snapshot view rooted at root.
func Open(db *storage.Database, root int64, opts ...Option) *View {
	return newView(db, root, false, opts...)
}

// OpenWritable returns a mutable view rooted at root, backed by a
// strong handle cache, for use by a single in-flight write
// transaction.
func OpenWritable(db *storage.Database, root int64, opts ...Option) *View {
	return newView(db, root, true, opts...)
}

func newView(db *storage.Database, root int64, mutable bool, opts ...Option) *View {
	cfg := viewConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	var cache handleCache
	if mutable {
		cache = newStrongCache(cfg.cacheHint)
	} else {
		cache = newWeakCache(cfg.cacheHint)
	}
	var stress *rand.Rand
	if !mutable {
		stress = cfg.stress
	}
	return &View{db: db, cache: cache, mutable: mutable, root: root, stress: stress}
}

// DB returns the database this view is anchored to.
func (v *View) DB() *storage.Database { return v.db }

// Mutable reports whether handles born from this view accept writes.
func (v *View) Mutable() bool { return v.mutable }

// RootAddress returns the address this view was opened at.
func (v *View) RootAddress() int64 { return v.root }

// Root returns the (lazily minted) handle for the view's root mapping.
func (v *View) Root() *Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rootHandle == nil {
		v.rootHandle = v.HandleAt(v.root)
	}
	return v.rootHandle
}

// HandleAt returns the cached handle for addr, minting an
// unmaterialized one on first reference.
func (v *View) HandleAt(addr int64) *Handle {
	if h, ok := v.cache.get(addr); ok {
		return h
	}
	h := &Handle{v: v, addr: addr}
	v.cache.put(addr, h)
	return h
}

// NewHandle mints a brand-new, unaddressed mapping handle for
// assignment into this (necessarily mutable) view's tree. It starts
// materialized-empty since there is no record to lazily read yet.
func (v *View) NewHandle() *Handle {
	return &Handle{v: v, addr: unaddressed, state: &mapState{}}
}

// CacheStats reports the view's handle cache hit/miss counters and
// current size, mirroring the teacher's page-cache introspection.
func (v *View) CacheStats() (hits, misses uint64, size int) {
	return v.cache.stats()
}
