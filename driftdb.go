// Package driftdb is an embedded, single-file, persistent hierarchical
// key-value store with copy-on-write snapshot semantics. A database is
// a tree of mappings rooted at one address in an append-only file;
// writes never overwrite an existing record, so every past root
// remains a valid, immutable snapshot until compacted away.
package driftdb

import (
	"context"
	"fmt"

	"github.com/markavellan/driftdb/compact"
	"github.com/markavellan/driftdb/storage"
	"github.com/markavellan/driftdb/txn"
	"github.com/markavellan/driftdb/view"
)

// DB is an open database file plus its transaction manager.
type DB struct {
	storage *storage.Database
	txns    *txn.Manager
}

// Open opens or creates a database at path.
func Open(path string) (*DB, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, fmt.Errorf("driftdb: %w", err)
	}
	return &DB{storage: db, txns: txn.NewManager(db)}, nil
}

// OpenReadOnly opens an existing database at path. Every write —
// through a transaction, or an attempt to Compact — fails with
// errs.ErrReadOnly.
func OpenReadOnly(path string) (*DB, error) {
	db, err := storage.OpenReadOnly(path)
	if err != nil {
		return nil, fmt.Errorf("driftdb: %w", err)
	}
	return &DB{storage: db, txns: txn.NewManager(db)}, nil
}

// OpenMemory creates a database entirely in memory, with no backing
// file. Compact is unsupported on it, since compaction is a file
// rebuild.
func OpenMemory() (*DB, error) {
	db, err := storage.OpenMemory()
	if err != nil {
		return nil, fmt.Errorf("driftdb: %w", err)
	}
	return &DB{storage: db, txns: txn.NewManager(db)}, nil
}

// View opens a read-only snapshot rooted at the database's current
// root. The snapshot is stable: later commits on the database never
// change what it sees.
func (db *DB) View() (*view.View, error) {
	root, err := db.storage.ReadRoot()
	if err != nil {
		return nil, fmt.Errorf("driftdb: %w", err)
	}
	return view.Open(db.storage, root), nil
}

// Tx is an explicit write transaction. Begin must be paired with
// exactly one of Commit or Rollback.
type Tx struct {
	inner *txn.Tx
}

// Root returns the transaction's writable root handle.
func (tx *Tx) Root() *view.Handle { return tx.inner.View().Root() }

// Commit publishes the transaction's changes, unless they amount to a
// structural no-op, in which case the database's root is left
// untouched.
func (tx *Tx) Commit() error {
	if err := tx.inner.Commit(); err != nil {
		return fmt.Errorf("driftdb: %w", err)
	}
	return nil
}

// Rollback discards the transaction's changes.
func (tx *Tx) Rollback() error {
	if err := tx.inner.Rollback(); err != nil {
		return fmt.Errorf("driftdb: %w", err)
	}
	return nil
}

// Begin starts an explicit write transaction, blocking until any
// other in-flight transaction finishes or ctx is cancelled. If ctx is
// the very context value of the in-flight transaction, Begin fails at
// once with errs.ErrInvalidState instead.
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	inner, err := db.txns.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("driftdb: %w", err)
	}
	return &Tx{inner: inner}, nil
}

// Transaction runs fn against a writable root handle inside a
// transaction that commits on a nil return and rolls back otherwise.
func (db *DB) Transaction(ctx context.Context, fn func(root *view.Handle) error) error {
	if err := db.txns.Transaction(ctx, fn); err != nil {
		return fmt.Errorf("driftdb: %w", err)
	}
	return nil
}

// Size returns the current backing file size in bytes.
func (db *DB) Size() (int64, error) {
	return db.storage.Size()
}

// Compact rebuilds the backing file, reclaiming every record
// unreachable from the current root except the empty "{}" record that
// a newly created file starts with. It blocks until it holds the
// exclusive write slot, same as a transaction.
func (db *DB) Compact(ctx context.Context) error {
	if err := compact.Compact(ctx, db.txns, db.storage); err != nil {
		return fmt.Errorf("driftdb: %w", err)
	}
	return nil
}

// Close closes the backing file and releases the OS-level lock.
func (db *DB) Close() error {
	if err := db.storage.Close(); err != nil {
		return fmt.Errorf("driftdb: %w", err)
	}
	return nil
}

// Drop closes the database and deletes its backing file. A no-op
// beyond Close for an in-memory database.
func (db *DB) Drop() error {
	if err := db.storage.Drop(); err != nil {
		return fmt.Errorf("driftdb: %w", err)
	}
	return nil
}
