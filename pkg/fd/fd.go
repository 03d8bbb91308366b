// Package fd implements open-file handles and per-process descriptor tables.
//
// An open file is shared by every descriptor that refers to it, across fork
// included. Each holder owns one Handle; the open file counts the live
// handles and closes the underlying file when the last one is released.
package fd

import (
	"errors"
	"fmt"

	"taskos/pkg/abi"
	"taskos/pkg/fs"
)

// ErrBadFD is returned for descriptors that are out of range or empty.
var ErrBadFD = errors.New("fd: bad file descriptor")

// openFile is the state shared by all handles to one opened file.
type openFile struct {
	file     fs.File
	readable bool
	writable bool
	refs     int
}

// Handle is one holder's reference to an open file.
type Handle struct {
	of       *openFile
	released bool
}

// NewHandle opens a new shared file state with one holder. The access flags
// are fixed for the lifetime of the open file.
func NewHandle(file fs.File, readable, writable bool) *Handle {
	return &Handle{of: &openFile{file: file, readable: readable, writable: writable, refs: 1}}
}

func (h *Handle) check() {
	if h.released {
		panic("fd: use of released handle")
	}
}

// Clone returns a new holder of the same open file.
func (h *Handle) Clone() *Handle {
	h.check()
	h.of.refs++
	return &Handle{of: h.of}
}

// Release drops this holder. The file is closed when no holders remain.
// Releasing a handle twice panics.
func (h *Handle) Release() error {
	h.check()
	h.released = true
	h.of.refs--
	if h.of.refs == 0 {
		return h.of.file.Close()
	}
	return nil
}

// Refs returns the number of live holders of the open file.
func (h *Handle) Refs() int {
	return h.of.refs
}

// File returns the underlying file.
func (h *Handle) File() fs.File {
	h.check()
	return h.of.file
}

// Node returns the underlying file when it is inode backed.
func (h *Handle) Node() (fs.Node, bool) {
	n, ok := h.File().(fs.Node)
	return n, ok
}

func (h *Handle) Readable() bool { return h.of.readable }
func (h *Handle) Writable() bool { return h.of.writable }

// Table maps descriptors to handles. Empty slots are nil and are reused
// lowest first.
type Table struct {
	slots []*Handle
}

// NewTable returns a table with stdin, stdout and stderr installed.
func NewTable(stdin, stdout fs.File) *Table {
	out := NewHandle(stdout, false, true)
	return &Table{slots: []*Handle{
		abi.Stdin:  NewHandle(stdin, true, false),
		abi.Stdout: out,
		abi.Stderr: out.Clone(),
	}}
}

// Alloc returns the lowest free descriptor, extending the table if none is
// free. The slot stays empty until Install or Set.
func (t *Table) Alloc() int {
	for i, h := range t.slots {
		if h == nil {
			return i
		}
	}
	t.slots = append(t.slots, nil)
	return len(t.slots) - 1
}

// Install stores h in the lowest free slot and returns its descriptor. The
// table takes over the caller's hold.
func (t *Table) Install(h *Handle) int {
	fd := t.Alloc()
	t.slots[fd] = h
	return fd
}

func (t *Table) lookup(fd int) (*Handle, error) {
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, fmt.Errorf("%w: %d", ErrBadFD, fd)
	}
	return t.slots[fd], nil
}

// Get returns a new holder of the file at fd. The caller must release it.
func (t *Table) Get(fd int) (*Handle, error) {
	h, err := t.lookup(fd)
	if err != nil {
		return nil, err
	}
	return h.Clone(), nil
}

// Close empties slot fd and releases its handle.
func (t *Table) Close(fd int) error {
	h, err := t.lookup(fd)
	if err != nil {
		return err
	}
	t.slots[fd] = nil
	return h.Release()
}

// Fork returns a copy of the table whose slots hold new handles to the same
// open files.
func (t *Table) Fork() *Table {
	slots := make([]*Handle, len(t.slots))
	for i, h := range t.slots {
		if h != nil {
			slots[i] = h.Clone()
		}
	}
	return &Table{slots: slots}
}

// Clear releases every handle and empties the table.
func (t *Table) Clear() {
	for i, h := range t.slots {
		if h != nil {
			h.Release()
			t.slots[i] = nil
		}
	}
	t.slots = nil
}

// Len returns the number of slots, empty ones included.
func (t *Table) Len() int {
	return len(t.slots)
}

// Open returns the number of occupied slots.
func (t *Table) Open() int {
	n := 0
	for _, h := range t.slots {
		if h != nil {
			n++
		}
	}
	return n
}
