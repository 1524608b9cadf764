package driftdb

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/markavellan/driftdb/view"
)

func TestRoundTripScalarsAndNesting(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	err = db.Transaction(context.Background(), func(root *view.Handle) error {
		if err := root.Set("name", "ok"); err != nil {
			return err
		}
		if err := root.Set("count", int64(3)); err != nil {
			return err
		}
		return root.Set("nested", map[string]interface{}{"a": int64(1), "b": "x"})
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	v, err := db.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	name, err := v.Root().Get("name")
	if err != nil || name != "ok" {
		t.Fatalf("name: %v %#v", err, name)
	}
	nested, err := v.Root().Get("nested")
	if err != nil {
		t.Fatalf("nested: %v", err)
	}
	nh, ok := nested.(*view.Handle)
	if !ok {
		t.Fatalf("expected nested handle, got %T", nested)
	}
	a, err := nh.Get("a")
	if err != nil {
		t.Fatalf("nested.a: %v", err)
	}
	if fmt.Sprint(a) != "1" {
		t.Fatalf("unexpected nested.a: %#v", a)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.driftdb")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = db.Transaction(context.Background(), func(root *view.Handle) error {
		return root.Set("durable", "yes")
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	v, err := reopened.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	val, err := v.Root().Get("durable")
	if err != nil || val != "yes" {
		t.Fatalf("durable: %v %#v", err, val)
	}
}

func TestSnapshotImmutableAcrossLaterCommit(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Transaction(context.Background(), func(root *view.Handle) error {
		return root.Set("k", "v1")
	}); err != nil {
		t.Fatalf("transaction 1: %v", err)
	}

	snapshot, err := db.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}

	if err := db.Transaction(context.Background(), func(root *view.Handle) error {
		return root.Set("k", "v2")
	}); err != nil {
		t.Fatalf("transaction 2: %v", err)
	}

	val, err := snapshot.Root().Get("k")
	if err != nil {
		t.Fatalf("snapshot get: %v", err)
	}
	if val != "v1" {
		t.Fatalf("expected snapshot to still see v1, got %#v", val)
	}

	fresh, err := db.View()
	if err != nil {
		t.Fatalf("fresh view: %v", err)
	}
	val2, err := fresh.Root().Get("k")
	if err != nil {
		t.Fatalf("fresh get: %v", err)
	}
	if val2 != "v2" {
		t.Fatalf("expected fresh view to see v2, got %#v", val2)
	}
}

func TestStructuralSharingAcrossSiblingWrite(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Transaction(context.Background(), func(root *view.Handle) error {
		if err := root.Set("a", map[string]interface{}{"v": int64(1)}); err != nil {
			return err
		}
		return root.Set("b", map[string]interface{}{"v": int64(2)})
	}); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	v1, err := db.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	bBefore, err := v1.Root().Get("b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	bBeforeAddr := bBefore.(*view.Handle).Address()

	if err := db.Transaction(context.Background(), func(root *view.Handle) error {
		aVal, err := root.Get("a")
		if err != nil {
			return err
		}
		return aVal.(*view.Handle).Set("v", int64(99))
	}); err != nil {
		t.Fatalf("mutate a: %v", err)
	}

	v2, err := db.View()
	if err != nil {
		t.Fatalf("view 2: %v", err)
	}
	bAfter, err := v2.Root().Get("b")
	if err != nil {
		t.Fatalf("get b after: %v", err)
	}
	bAfterAddr := bAfter.(*view.Handle).Address()
	if bAfterAddr != bBeforeAddr {
		t.Fatalf("expected b's address to be reused: before=%d after=%d", bBeforeAddr, bAfterAddr)
	}
}

func TestNoOpTransactionPublishesNothing(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Transaction(context.Background(), func(root *view.Handle) error {
		return root.Set("k", "same")
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	before, err := db.Size()
	if err != nil {
		t.Fatalf("size: %v", err)
	}

	if err := db.Transaction(context.Background(), func(root *view.Handle) error {
		return root.Set("k", "same")
	}); err != nil {
		t.Fatalf("no-op: %v", err)
	}
	after, err := db.Size()
	if err != nil {
		t.Fatalf("size after: %v", err)
	}
	if after != before {
		t.Fatalf("expected no new bytes appended by a no-op transaction: before=%d after=%d", before, after)
	}
}

func TestCompactionPreservesQueryableState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compact.driftdb")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 20; i++ {
		if err := db.Transaction(context.Background(), func(root *view.Handle) error {
			return root.Set("counter", fmt.Sprintf("%d", i))
		}); err != nil {
			t.Fatalf("transaction %d: %v", i, err)
		}
	}
	if err := db.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
	v, err := db.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	val, err := v.Root().Get("counter")
	if err != nil || val != "19" {
		t.Fatalf("counter: %v %#v", err, val)
	}
}

func TestStringSentinelDoesNotMisdecodeAsAddress(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Transaction(context.Background(), func(root *view.Handle) error {
		return root.Set("looksLikeHex", "deadbeef")
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}
	v, err := db.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	val, err := v.Root().Get("looksLikeHex")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "deadbeef" {
		t.Fatalf("expected literal string survived round-trip, got %#v", val)
	}
}

// TestConcurrentReadersDuringWriterWorkload exercises the
// single-writer/many-readers concurrency model: a background writer
// keeps advancing the root while several readers take and discard
// snapshots concurrently, each of which must see a self-consistent
// tree (never a torn write).
func TestConcurrentReadersDuringWriterWorkload(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Transaction(context.Background(), func(root *view.Handle) error {
		return root.Set("counter", int64(0))
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const writes = 100
	const readers = 8

	var g errgroup.Group
	g.Go(func() error {
		for i := 1; i <= writes; i++ {
			n := int64(i)
			err := db.Transaction(context.Background(), func(root *view.Handle) error {
				return root.Set("counter", n)
			})
			if err != nil {
				return fmt.Errorf("writer at %d: %w", i, err)
			}
		}
		return nil
	})

	for r := 0; r < readers; r++ {
		g.Go(func() error {
			for i := 0; i < writes; i++ {
				v, err := db.View()
				if err != nil {
					return fmt.Errorf("reader view: %w", err)
				}
				val, err := v.Root().Get("counter")
				if err != nil {
					return fmt.Errorf("reader get: %w", err)
				}
				if _, ok := val.(json.Number); !ok {
					return fmt.Errorf("reader saw unexpected counter type %T", val)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("workload failed: %v", err)
	}

	v, err := db.View()
	if err != nil {
		t.Fatalf("final view: %v", err)
	}
	final, err := v.Root().Get("counter")
	if err != nil {
		t.Fatalf("final get: %v", err)
	}
	if fmt.Sprint(final) != fmt.Sprint(writes) {
		t.Fatalf("expected final counter %d, got %#v", writes, final)
	}
}

// TestLargeDeterministicWorkload writes many keys across a few levels
// of nesting and spot-checks a sample, exercising the lazy
// materialization and structural-sharing paths at scale.
func TestLargeDeterministicWorkload(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	const n = 2000
	err = db.Transaction(context.Background(), func(root *view.Handle) error {
		for i := 0; i < n; i++ {
			key := fmt.Sprintf("k%d", i)
			if err := root.Set(key, map[string]interface{}{
				"id":   int64(i),
				"name": fmt.Sprintf("item-%d", i),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("bulk transaction: %v", err)
	}

	v, err := db.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	for _, i := range []int{0, 1, 999, 1999} {
		key := fmt.Sprintf("k%d", i)
		val, err := v.Root().Get(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		h, ok := val.(*view.Handle)
		if !ok {
			t.Fatalf("expected handle for %s, got %T", key, val)
		}
		name, err := h.Get("name")
		if err != nil {
			t.Fatalf("get %s.name: %v", key, err)
		}
		if name != fmt.Sprintf("item-%d", i) {
			t.Fatalf("unexpected name for %s: %#v", key, name)
		}
	}
}

// ensureChild returns the existing mapping handle bound to key under
// parent, or mints and attaches a new one if key is absent — the
// pattern a caller uses to grow a tree incrementally across many
// transactions without clobbering siblings added by earlier ones.
func ensureChild(parent *view.Handle, key string) (*view.Handle, error) {
	val, found, err := parent.Lookup(key)
	if err != nil {
		return nil, err
	}
	if found {
		h, ok := val.(*view.Handle)
		if !ok {
			return nil, fmt.Errorf("expected handle at %q, got %T", key, val)
		}
		return h, nil
	}
	child := parent.View().NewHandle()
	if err := parent.Set(key, child); err != nil {
		return nil, err
	}
	return child, nil
}

// TestCompactionRereadsAllKeysAfterLargeNestedWorkload writes 10,000
// keys five levels deep, spread across 100 separate transactions so
// that every decade of keys shares and grows the same upper branches
// of the tree, then compacts the file and re-reads every key from a
// fresh view opened straight off the compacted root.
func TestCompactionRereadsAllKeysAfterLargeNestedWorkload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scale.driftdb")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	const total = 10000
	const perTx = 100
	const txCount = total / perTx

	for tx := 0; tx < txCount; tx++ {
		start := tx * perTx
		err := db.Transaction(context.Background(), func(root *view.Handle) error {
			for i := start; i < start+perTx; i++ {
				digits := fmt.Sprintf("%04d", i)
				d0, err := ensureChild(root, string(digits[0]))
				if err != nil {
					return err
				}
				d1, err := ensureChild(d0, string(digits[1]))
				if err != nil {
					return err
				}
				d2, err := ensureChild(d1, string(digits[2]))
				if err != nil {
					return err
				}
				d3, err := ensureChild(d2, string(digits[3]))
				if err != nil {
					return err
				}
				if err := d3.Set("v", int64(i)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("transaction %d (keys %d-%d): %v", tx, start, start+perTx-1, err)
		}
	}

	if err := db.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}

	root, err := db.storage.ReadRoot()
	if err != nil {
		t.Fatalf("read compacted root: %v", err)
	}
	rv := view.Open(db.storage, root, view.WithCacheHint(total*5))

	for i := 0; i < total; i++ {
		digits := fmt.Sprintf("%04d", i)
		cur := rv.Root()
		for _, d := range digits {
			val, err := cur.Get(string(d))
			if err != nil {
				t.Fatalf("key %d: get %q: %v", i, string(d), err)
			}
			h, ok := val.(*view.Handle)
			if !ok {
				t.Fatalf("key %d: expected handle navigating %q, got %T", i, string(d), val)
			}
			cur = h
		}
		val, err := cur.Get("v")
		if err != nil {
			t.Fatalf("key %d: get v: %v", i, err)
		}
		if fmt.Sprint(val) != fmt.Sprint(i) {
			t.Fatalf("key %d: expected v=%d, got %#v", i, i, val)
		}
	}

	hits, misses, size := rv.CacheStats()
	if hits+misses == 0 {
		t.Fatalf("expected the full re-read to register cache activity, got hits=%d misses=%d", hits, misses)
	}
	if size == 0 {
		t.Fatalf("expected a populated handle cache after traversing every key, got size=%d", size)
	}
}
