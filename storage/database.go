// Package storage implements the append-only on-disk layout: a fixed
// 9-byte header holding the current root address, followed by an
// append-only region of newline-terminated JSON records. It exposes
// the low-level primitives (ReadRoot, ReadRecord, AppendRecord,
// PublishRoot) that the view, diff, and transaction layers build on,
// plus the StorageFile abstraction that lets the whole stack run
// against either a real file or an in-memory buffer.
package storage

import (
	"fmt"
	"os"
	"sync"

	"github.com/markavellan/driftdb/errs"
)

// HeaderSize is the fixed width of the root-pointer header: 8 lowercase
// hex digits followed by a newline.
const HeaderSize = 9

// initialHeader and initialRecord are the header and the empty root
// mapping written by a brand-new database.
const initialHeader = "00000009\n"
const initialRecord = "{}\n"

// Database is a single append-only record file plus its header.
// It is safe for concurrent use by multiple readers and (serialized by
// the caller's transaction manager) a single writer.
type Database struct {
	mu       sync.Mutex
	file     StorageFile
	lockFile *fileLock // nil for in-memory databases
	path     string
	readOnly bool
	memory   bool
	size     int64
	closed   bool
}

// Open opens or creates a database at path.
func Open(path string) (*Database, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing database at path; all writes fail
// with errs.ErrReadOnly.
func OpenReadOnly(path string) (*Database, error) {
	return open(path, true)
}

func open(path string, readOnly bool) (*Database, error) {
	lock, err := lockFile(path)
	if err != nil {
		return nil, err
	}

	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		lock.unlock()
		return nil, errs.Wrap("open", err)
	}

	db := &Database{
		file:     f,
		lockFile: lock,
		path:     path,
		readOnly: readOnly,
	}
	if err := db.init(readOnly); err != nil {
		f.Close()
		lock.unlock()
		return nil, err
	}
	return db, nil
}

// OpenMemory creates a fresh database backed by an in-memory buffer;
// useful for tests and for callers that want CoW semantics without a
// backing file.
func OpenMemory() (*Database, error) {
	db := &Database{
		file:   NewMemFile(),
		memory: true,
	}
	if err := db.init(false); err != nil {
		return nil, err
	}
	return db, nil
}

func (d *Database) init(readOnly bool) error {
	info, err := d.file.Stat()
	if err != nil {
		return errs.Wrap("stat", err)
	}
	if info.Size() == 0 {
		if readOnly {
			return errs.InvalidState("cannot create database %q in read-only mode", d.path)
		}
		if _, err := d.file.WriteAt([]byte(initialHeader+initialRecord), 0); err != nil {
			return errs.Wrap("write initial header", err)
		}
		if err := d.file.Sync(); err != nil {
			return errs.Wrap("sync", err)
		}
		d.size = int64(len(initialHeader) + len(initialRecord))
		return nil
	}
	d.size = info.Size()
	return nil
}

// Path returns the filesystem path this database was opened from, or
// "" for an in-memory database.
func (d *Database) Path() string { return d.path }

// ReadOnly reports whether writes are rejected.
func (d *Database) ReadOnly() bool { return d.readOnly }

// ReadRoot reads the current root address from the header.
func (d *Database) ReadRoot() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readRootLocked()
}

func (d *Database) readRootLocked() (int64, error) {
	buf := make([]byte, 8)
	if _, err := d.file.ReadAt(buf, 0); err != nil {
		return 0, errs.Wrap("read header", err)
	}
	addr, err := parseHexAddr(buf)
	if err != nil {
		return 0, err
	}
	return addr, nil
}

// ReadRecord reads and returns the decoded payload bytes (without the
// trailing newline) of the record at addr.
func (d *Database) ReadRecord(addr int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if addr < HeaderSize || addr >= d.size {
		return nil, errs.Corrupt("address %d is outside the record region", addr)
	}
	n := d.size - addr
	buf := make([]byte, n)
	if _, err := d.file.ReadAt(buf, addr); err != nil {
		return nil, errs.Wrap("read record", err)
	}
	nl := indexByte(buf, '\n')
	if nl < 0 {
		return nil, errs.Corrupt("record at %d is not newline-terminated", addr)
	}
	return buf[:nl], nil
}

// AppendRecord appends payload followed by a newline and returns the
// address at which it begins. The write is not individually fsynced;
// durability is bound to the next PublishRoot commit fence.
func (d *Database) AppendRecord(payload []byte) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOnly {
		return 0, errs.ErrReadOnly
	}

	addr := d.size
	buf := make([]byte, len(payload)+1)
	copy(buf, payload)
	buf[len(payload)] = '\n'
	if _, err := d.file.WriteAt(buf, addr); err != nil {
		return 0, errs.Wrap("append record", err)
	}
	d.size += int64(len(buf))
	return addr, nil
}

// PublishRoot is the commit fence: fsync the appended region, then
// overwrite the 8-byte header with newRoot, then fsync again. This
// ordering (data before header) is what makes a crash between the two
// fsyncs leave the header pointing only at a root whose records are
// already durable.
func (d *Database) PublishRoot(newRoot int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readOnly {
		return errs.ErrReadOnly
	}

	if err := d.file.Sync(); err != nil {
		return errs.Wrap("pre-publish sync", err)
	}

	hdr := []byte(fmt.Sprintf("%08x", newRoot))
	if _, err := d.file.WriteAt(hdr, 0); err != nil {
		return errs.Wrap("publish root", err)
	}

	if err := d.file.Sync(); err != nil {
		return errs.Wrap("post-publish sync", err)
	}
	return nil
}

// Reopen closes and reopens the backing file at Path(), picking up
// whatever is there now. It is used by the compact package after
// atomically renaming a rebuilt replacement over this database's file:
// the file descriptor this Database holds open refers to the old
// inode, so it must reopen the path to see the new one. The
// file-lock sidecar is untouched, since it lives at a separate
// "<path>.lock" path and was never part of the rename.
func (d *Database) Reopen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memory || d.path == "" {
		return errs.InvalidState("cannot reopen an in-memory database")
	}

	flags := os.O_RDWR
	if d.readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(d.path, flags, 0644)
	if err != nil {
		return errs.Wrap("reopen", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errs.Wrap("reopen stat", err)
	}

	if err := d.file.Close(); err != nil {
		f.Close()
		return errs.Wrap("reopen: close previous handle", err)
	}
	d.file = f
	d.size = info.Size()
	return nil
}

// Size returns the current file size in bytes.
func (d *Database) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size, nil
}

// Close closes the backing file and releases the OS-level lock.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.file.Close()
	if d.lockFile != nil {
		if unlockErr := d.lockFile.unlock(); err == nil {
			err = unlockErr
		}
	}
	if err != nil {
		return errs.Wrap("close", err)
	}
	return nil
}

// Drop closes the database and deletes its backing file. A no-op
// beyond Close for in-memory databases.
func (d *Database) Drop() error {
	path := d.path
	if err := d.Close(); err != nil {
		return err
	}
	if d.memory || path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.Wrap("drop", err)
	}
	return nil
}

func parseHexAddr(buf []byte) (int64, error) {
	var addr int64
	for _, c := range buf {
		var digit int64
		switch {
		case c >= '0' && c <= '9':
			digit = int64(c - '0')
		case c >= 'a' && c <= 'f':
			digit = int64(c-'a') + 10
		default:
			return 0, errs.Corrupt("header %q is not a lowercase hex address", buf)
		}
		addr = addr<<4 | digit
	}
	return addr, nil
}

func indexByte(buf []byte, b byte) int {
	for i, c := range buf {
		if c == b {
			return i
		}
	}
	return -1
}
