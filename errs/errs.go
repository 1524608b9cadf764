// Package errs defines the error taxonomy shared by driftdb's packages:
// IO failures, malformed on-disk records, illegal state transitions,
// missing keys, and structural type mismatches.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap with fmt.Errorf("%w: ...", ErrX) for context,
// and unwrap with errors.Is.
var (
	// ErrInvalidState covers nested transactions, a transaction finished
	// twice, mutation attempted through a read-only view, and compacting
	// or reopening an in-memory database. Use of a database after Close
	// is not checked: a closed file reports IO errors, and a closed
	// in-memory database keeps working.
	ErrInvalidState = errors.New("driftdb: invalid state")

	// ErrCorrupt covers an unparseable header, an unparseable record,
	// or a reference that points outside the file or at a non-record.
	ErrCorrupt = errors.New("driftdb: corrupt database")

	// ErrNotFound is returned by key lookups that demand presence.
	ErrNotFound = errors.New("driftdb: key not found")

	// ErrTypeError is the sentinel for a structural operation attempted
	// on a scalar. No package of this module returns it, since every
	// Handle is a mapping.
	ErrTypeError = errors.New("driftdb: not a mapping or sequence")

	// ErrReadOnly is returned by writes (appending a record, publishing
	// a root, compacting) to a database opened read-only. Mutation
	// through a read view fails with ErrInvalidState instead.
	ErrReadOnly = errors.New("driftdb: database opened read-only")
)

// IOError wraps a failure from the underlying storage (open, seek,
// read, write, fsync, rename, unlink). It is always non-recoverable
// locally: the caller's only remedy is to reopen.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("driftdb: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Wrap builds an *IOError, or returns nil if err is nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Err: err}
}

// Corrupt builds an error that wraps ErrCorrupt with a formatted reason.
func Corrupt(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// InvalidState builds an error that wraps ErrInvalidState with a
// formatted reason.
func InvalidState(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// NotFound builds an error that wraps ErrNotFound for the given key.
func NotFound(key string) error {
	return fmt.Errorf("%w: %q", ErrNotFound, key)
}

// TypeError builds an error that wraps ErrTypeError with the offending
// Go type.
func TypeError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTypeError, fmt.Sprintf(format, args...))
}
