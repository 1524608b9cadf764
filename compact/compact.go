// Package compact rebuilds a database file: every live record is
// rewritten, in a post-order walk of the live tree, into a fresh file,
// and records no longer reachable from the root are dropped. The one
// unreachable record the rebuilt file keeps is the empty "{}" mapping
// that every newly created database file starts with.
package compact

import (
	"context"
	"fmt"
	"os"

	"github.com/markavellan/driftdb/diff"
	"github.com/markavellan/driftdb/errs"
	"github.com/markavellan/driftdb/record"
	"github.com/markavellan/driftdb/storage"
	"github.com/markavellan/driftdb/txn"
	"github.com/markavellan/driftdb/view"
)

// Compact rewrites db's backing file in place. It holds db's write
// lock for the duration (via mgr), so no transaction can begin while
// a compaction is in progress, and a concurrent compaction cannot
// race another one.
//
// The rebuild targets "<path>.compacting": a brand-new database is
// opened there, the live tree is walked once with
// diff.CompareAndWrite against an empty old value (so nothing is
// eligible for address reuse and every reachable record is rewritten
// fresh), and the new file's root is published. The temp file then
// atomically replaces the original via os.Rename, and db reopens its
// file descriptor to see the replacement.
func Compact(ctx context.Context, mgr *txn.Manager, db *storage.Database) error {
	if db.Path() == "" {
		return errs.InvalidState("cannot compact an in-memory database")
	}
	if db.ReadOnly() {
		return fmt.Errorf("compact: %w", errs.ErrReadOnly)
	}

	tx, err := mgr.Begin(ctx)
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	root, err := db.ReadRoot()
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	live := view.Open(db, root)

	tmpPath := db.Path() + ".compacting"
	tmpDB, err := storage.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("compact: open temp file: %w", err)
	}
	// Best-effort cleanup if anything below fails before the rename.
	cleanTemp := true
	defer func() {
		if cleanTemp {
			tmpDB.Drop()
		}
	}()

	slot, _, err := diff.CompareAndWrite(tmpDB, nil, live.Root())
	if err != nil {
		return fmt.Errorf("compact: rewrite: %w", err)
	}
	ref, ok := slot.(record.Ref)
	if !ok {
		return fmt.Errorf("compact: rewrite produced non-mapping root slot %T", slot)
	}
	if err := tmpDB.PublishRoot(int64(ref)); err != nil {
		return fmt.Errorf("compact: publish rewritten root: %w", err)
	}
	if err := tmpDB.Close(); err != nil {
		return fmt.Errorf("compact: close temp file: %w", err)
	}
	cleanTemp = false

	// os.Rename replaces the destination atomically on POSIX, so there
	// is no window where the original path is missing.
	if err := os.Rename(tmpPath, db.Path()); err != nil {
		return fmt.Errorf("compact: replace original file: %w", err)
	}

	if err := db.Reopen(); err != nil {
		return fmt.Errorf("compact: reopen replaced file: %w", err)
	}
	return nil
}
