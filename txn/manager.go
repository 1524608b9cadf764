// Package txn serializes writers against a single database file. At
// most one write transaction is in flight at a time; readers never
// block on it and never block each other, since each opens its own
// snapshot view rooted at whatever root address was current at open
// time.
package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/markavellan/driftdb/diff"
	"github.com/markavellan/driftdb/errs"
	"github.com/markavellan/driftdb/record"
	"github.com/markavellan/driftdb/storage"
	"github.com/markavellan/driftdb/view"
)

// Manager admits one write transaction at a time against db, grounded
// on the teacher's record-level LockManager but coarsened to a single
// file-wide write lock — this store's concurrency model has no
// secondary indexes or per-record granularity to preserve. The write
// slot is a single-token buffered channel rather than a sync.Mutex so
// that a Begin waiting on a cancelled context can walk away without
// ever taking the token, and without leaking a goroutine blocked on
// Lock().
type Manager struct {
	db   *storage.Database
	slot chan struct{}

	owner    sync.Mutex
	active   context.Context
	activeID uuid.UUID
}

// NewManager returns a transaction manager for db.
func NewManager(db *storage.Database) *Manager {
	m := &Manager{db: db, slot: make(chan struct{}, 1)}
	m.slot <- struct{}{}
	return m
}

// Tx is a single in-flight write transaction: a writable view rooted
// at the snapshot current when the transaction began, tagged with a
// random id used only to make error messages about stale/double use
// unambiguous.
type Tx struct {
	id     uuid.UUID
	mgr    *Manager
	view   *view.View
	before int64
	done   bool
}

// ID returns the transaction's tag, for logging.
func (tx *Tx) ID() uuid.UUID { return tx.id }

// View returns the transaction's writable view. Root() on it is the
// entry point for all mutation.
func (tx *Tx) View() *view.View { return tx.view }

// Begin blocks until it is the sole writer, then opens a writable view
// rooted at db's current published root. ctx cancellation unblocks a
// queued Begin without side effects.
//
// A Begin called with the same ctx value as an already-active
// transaction's is a reentrant call — the same logical caller, still
// inside its own fn, trying to open a second write view — and fails
// immediately with errs.InvalidState instead of deadlocking on slot,
// mirroring the original source's reentrant check on
// current_write_view. A Begin with a different ctx value still queues
// and blocks exactly as before. context.Background() returns the same
// value on every call, so two callers that both pass it count as the
// same ctx here: the second fails with errs.InvalidState.
func (m *Manager) Begin(ctx context.Context) (*Tx, error) {
	m.owner.Lock()
	if m.active != nil && m.active == ctx {
		id := m.activeID
		m.owner.Unlock()
		return nil, errs.InvalidState("transaction %s already active on this context", id)
	}
	m.owner.Unlock()

	select {
	case <-m.slot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	root, err := m.db.ReadRoot()
	if err != nil {
		m.slot <- struct{}{}
		return nil, fmt.Errorf("txn: begin: %w", err)
	}

	tx := &Tx{
		id:     uuid.New(),
		mgr:    m,
		view:   view.OpenWritable(m.db, root),
		before: root,
	}

	m.owner.Lock()
	m.active = ctx
	m.activeID = tx.id
	m.owner.Unlock()

	return tx, nil
}

// release clears the active-writer marker and returns the write slot.
func (m *Manager) release() {
	m.owner.Lock()
	m.active = nil
	m.activeID = uuid.UUID{}
	m.owner.Unlock()
	m.slot <- struct{}{}
}

// Commit diffs the transaction's mutated root against the snapshot it
// began from and, unless the result is a structural no-op, appends the
// new tree and publishes it as the database's root. It always
// releases the write lock, even on error.
func (tx *Tx) Commit() error {
	if tx.done {
		return errs.InvalidState("transaction %s already finished", tx.id)
	}
	tx.done = true
	defer tx.mgr.release()

	oldView := view.Open(tx.mgr.db, tx.before)
	slot, same, err := diff.CompareAndWrite(tx.mgr.db, oldView.Root(), tx.view.Root())
	if err != nil {
		return fmt.Errorf("txn: commit %s: %w", tx.id, err)
	}
	if same {
		return nil
	}

	ref, ok := slot.(record.Ref)
	if !ok {
		return fmt.Errorf("txn: commit %s: root diff produced non-mapping slot %T", tx.id, slot)
	}
	if err := tx.mgr.db.PublishRoot(int64(ref)); err != nil {
		return fmt.Errorf("txn: commit %s: %w", tx.id, err)
	}
	return nil
}

// Rollback discards the transaction's mutations without touching the
// database. It always releases the write lock, even on error.
func (tx *Tx) Rollback() error {
	if tx.done {
		return errs.InvalidState("transaction %s already finished", tx.id)
	}
	tx.done = true
	tx.mgr.release()
	return nil
}

// Transaction runs fn inside a transaction begun and, on success,
// committed; a returned error (or a panic, re-raised after rollback)
// rolls the transaction back instead.
func (m *Manager) Transaction(ctx context.Context, fn func(root *view.Handle) error) (err error) {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx.View().Root()); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}
