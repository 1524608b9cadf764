package view

import (
	"iter"
	"sync"

	"github.com/markavellan/driftdb/errs"
	"github.com/markavellan/driftdb/record"
	"github.com/markavellan/driftdb/storage"
)

// mapState is a handle's in-memory materialized form: an ordered copy
// of its record's entries, with mapping children already resolved
// into further (still-unmaterialized) handles.
type mapState struct {
	entries []mapEntry
}

type mapEntry struct {
	key   string
	value interface{}
}

// Handle is a lazy accessor bound to (view, address). Field access
// triggers a record read and one-level materialization; children that
// are themselves mappings are minted as further unmaterialized
// handles, never read until navigated to.
type Handle struct {
	v    *View
	addr int64

	mu    sync.Mutex
	state *mapState
}

// Address returns the address this handle was born at. It is
// preserved across a clean (no-op) mutation so the writer can detect
// "nothing actually changed" and reuse the on-disk record.
func (h *Handle) Address() int64 { return h.addr }

// Unmaterialized reports whether this handle has read its record yet.
// An unmaterialized handle of this database cannot have been mutated,
// since Set always materializes first — this is exactly what lets
// diff.CompareAndWrite trust its address without walking it.
func (h *Handle) Unmaterialized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == nil
}

// BelongsTo reports whether this handle was minted from a view over
// db — the "cross-view reuse" identity check: a handle obtained from
// one view may be assigned into a mutation performed in a different
// transaction of the same file. Identity is by *storage.Database
// instance, which is exactly one per open file within a process.
func (h *Handle) BelongsTo(db *storage.Database) bool {
	return h.v.db == db
}

// View returns the view this handle belongs to.
func (h *Handle) View() *View { return h.v }

func (h *Handle) materializeLocked() error {
	if h.state != nil {
		return nil
	}
	if h.addr == unaddressed {
		h.state = &mapState{}
		return nil
	}
	payload, err := h.v.db.ReadRecord(h.addr)
	if err != nil {
		return err
	}
	m, err := record.DecodeMapping(payload)
	if err != nil {
		return err
	}
	entries := make([]mapEntry, len(m))
	for i, e := range m {
		entries[i] = mapEntry{key: e.Key, value: h.v.resolveSlot(e.Value)}
	}
	h.state = &mapState{entries: entries}
	return nil
}

// resolveSlot turns a decoded record.Ref into a lazy child handle
// within this view, recursing through inline sequences; scalars and
// already-literal strings pass through unchanged.
func (v *View) resolveSlot(s interface{}) interface{} {
	switch val := s.(type) {
	case record.Ref:
		return v.HandleAt(int64(val))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = v.resolveSlot(e)
		}
		return out
	default:
		return val
	}
}

func (h *Handle) withState(fn func(*mapState) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.materializeLocked(); err != nil {
		return err
	}
	return fn(h.state)
}

// stressEvictIfDue optionally drops this handle's materialized state
// after a read, to exercise re-materialization through the weak
// cache. Never applied to write (mutable) views.
func (h *Handle) stressEvictIfDue() {
	st := h.v.stress
	if st == nil || h.v.mutable {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.addr != unaddressed && st.Intn(10) == 0 {
		h.state = nil
	}
}

// Lookup returns the value stored under key without raising an error
// for a missing key.
func (h *Handle) Lookup(key string) (interface{}, bool, error) {
	var val interface{}
	var found bool
	err := h.withState(func(s *mapState) error {
		for _, e := range s.entries {
			if e.key == key {
				val, found = e.value, true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	h.stressEvictIfDue()
	return val, found, nil
}

// Get returns the value stored under key, or errs.ErrNotFound wrapped
// if it is absent — conventional mapping-subscript semantics.
func (h *Handle) Get(key string) (interface{}, error) {
	val, found, err := h.Lookup(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.NotFound(key)
	}
	return val, nil
}

// Set assigns value under key, materializing this handle first. value
// may be a scalar, a nested map[string]interface{} literal, a
// []interface{} sequence, or another *Handle (possibly from a
// different view of the same file — "cross-view reuse").
func (h *Handle) Set(key string, value interface{}) error {
	if !h.v.mutable {
		return errs.InvalidState("mutation through a read view")
	}
	return h.withState(func(s *mapState) error {
		for i, e := range s.entries {
			if e.key == key {
				s.entries[i].value = value
				return nil
			}
		}
		s.entries = append(s.entries, mapEntry{key: key, value: value})
		return nil
	})
}

// Delete removes key, if present.
func (h *Handle) Delete(key string) error {
	if !h.v.mutable {
		return errs.InvalidState("mutation through a read view")
	}
	return h.withState(func(s *mapState) error {
		for i, e := range s.entries {
			if e.key == key {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// Contains reports whether key is present.
func (h *Handle) Contains(key string) (bool, error) {
	_, found, err := h.Lookup(key)
	return found, err
}

// Len returns the number of keys.
func (h *Handle) Len() (int, error) {
	var n int
	err := h.withState(func(s *mapState) error {
		n = len(s.entries)
		return nil
	})
	return n, err
}

// Keys returns the keys in the record's (insertion) order.
func (h *Handle) Keys() ([]string, error) {
	var keys []string
	err := h.withState(func(s *mapState) error {
		keys = make([]string, len(s.entries))
		for i, e := range s.entries {
			keys[i] = e.key
		}
		return nil
	})
	return keys, err
}

// All returns a range-over-func iterator of (key, value) pairs in
// record order.
func (h *Handle) All() (iter.Seq2[string, interface{}], error) {
	var entries []mapEntry
	err := h.withState(func(s *mapState) error {
		entries = append([]mapEntry(nil), s.entries...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return func(yield func(string, interface{}) bool) {
		for _, e := range entries {
			if !yield(e.key, e.value) {
				return
			}
		}
	}, nil
}

// DeepCopy recursively materializes this handle and every reachable
// descendant into a detached map[string]interface{}, with no
// remaining *Handle references.
func (h *Handle) DeepCopy() (map[string]interface{}, error) {
	var out map[string]interface{}
	err := h.withState(func(s *mapState) error {
		out = make(map[string]interface{}, len(s.entries))
		for _, e := range s.entries {
			v, err := detach(e.value)
			if err != nil {
				return err
			}
			out[e.key] = v
		}
		return nil
	})
	return out, err
}

func detach(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case *Handle:
		return val.DeepCopy()
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			d, err := detach(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return val, nil
	}
}
