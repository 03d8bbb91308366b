// Package memfs provides an in-memory filesystem with a single flat root
// directory. Names map to inodes; an inode may carry several names through
// hard links and lives until its last name and last open file are gone.
package memfs

import (
	"slices"
	"strings"
	"sync"

	"taskos/pkg/abi"
	"taskos/pkg/fs"
	"taskos/pkg/mm"
)

// rootIno is the inode number of the root directory.
const rootIno = 0

// inode holds the data of a file or the root directory.
type inode struct {
	mu    sync.RWMutex
	ino   uint64
	data  []byte
	nlink uint32
	isDir bool
}

// FS represents an in-memory filesystem.
type FS struct {
	mu      sync.RWMutex
	root    *inode
	entries map[string]*inode
	nextIno uint64
}

// New creates a new in-memory filesystem holding only the root directory.
func New() *FS {
	return &FS{
		root:    &inode{ino: rootIno, nlink: 1, isDir: true},
		entries: make(map[string]*inode),
		nextIno: rootIno + 1,
	}
}

// name resolves a path to an entry name in the root directory. The root
// itself resolves to the empty name.
func name(path string) (string, error) {
	if err := fs.ValidatePath(path); err != nil {
		return "", err
	}
	clean := fs.Clean(path)[1:]
	if strings.Contains(clean, "/") {
		return "", fs.ErrNotFound
	}
	return clean, nil
}

func (r *FS) newInode() *inode {
	n := &inode{ino: r.nextIno}
	r.nextIno++
	return n
}

// Open implements fs.FileSystem.Open.
func (r *FS) Open(path string, flags abi.OpenFlags) (fs.Node, error) {
	n, err := name(path)
	if err != nil {
		return nil, err
	}
	readable, writable := flags.ReadWrite()

	r.mu.Lock()
	defer r.mu.Unlock()

	if n == "" {
		if writable || flags.Has(abi.OpenCreate) {
			return nil, fs.ErrIsDirectory
		}
		return newFile(r.root, readable, writable), nil
	}

	node, ok := r.entries[n]
	switch {
	case !ok && flags.Has(abi.OpenCreate):
		node = r.newInode()
		node.nlink = 1
		r.entries[n] = node
	case !ok:
		return nil, fs.ErrNotFound
	case flags.Has(abi.OpenCreate), flags.Has(abi.OpenTruncate):
		node.mu.Lock()
		node.data = nil
		node.mu.Unlock()
	}
	return newFile(node, readable, writable), nil
}

// Link implements fs.FileSystem.Link.
func (r *FS) Link(oldPath, newPath string) error {
	oldName, err := name(oldPath)
	if err != nil {
		return err
	}
	newName, err := name(newPath)
	if err != nil {
		return err
	}
	if oldName == newName {
		return fs.ErrSamePath
	}
	if oldName == "" || newName == "" {
		return fs.ErrIsDirectory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.entries[oldName]
	if !ok {
		return fs.ErrNotFound
	}
	if _, exists := r.entries[newName]; exists {
		return fs.ErrExists
	}

	node.mu.Lock()
	node.nlink++
	node.mu.Unlock()
	r.entries[newName] = node
	return nil
}

// Unlink implements fs.FileSystem.Unlink.
func (r *FS) Unlink(path string) error {
	n, err := name(path)
	if err != nil {
		return err
	}
	if n == "" {
		return fs.ErrIsDirectory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.entries[n]
	if !ok {
		return fs.ErrNotFound
	}
	delete(r.entries, n)

	node.mu.Lock()
	node.nlink--
	node.mu.Unlock()
	return nil
}

// WriteFile creates or replaces the named file with data.
func (r *FS) WriteFile(path string, data []byte) error {
	n, err := name(path)
	if err != nil {
		return err
	}
	if n == "" {
		return fs.ErrIsDirectory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.entries[n]
	if !ok {
		node = r.newInode()
		node.nlink = 1
		r.entries[n] = node
	}
	node.mu.Lock()
	node.data = append([]byte(nil), data...)
	node.mu.Unlock()
	return nil
}

// ReadFile returns a copy of the named file's contents.
func (r *FS) ReadFile(path string) ([]byte, error) {
	n, err := name(path)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	node, ok := r.entries[n]
	r.mu.RUnlock()
	if !ok {
		return nil, fs.ErrNotFound
	}

	node.mu.RLock()
	defer node.mu.RUnlock()
	return append([]byte(nil), node.data...), nil
}

// Names returns the entries of the root directory in sorted order.
func (r *FS) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// memFile is an open file backed by an inode.
type memFile struct {
	node     *inode
	readable bool
	writable bool
	offset   int
	closed   bool
}

func newFile(node *inode, readable, writable bool) *memFile {
	return &memFile{node: node, readable: readable, writable: writable}
}

func (f *memFile) Readable() bool { return f.readable }
func (f *memFile) Writable() bool { return f.writable }

// Read implements fs.File.Read.
func (f *memFile) Read(buf mm.UserBuffer) (int, error) {
	if !f.readable || f.closed {
		return 0, fs.ErrNotReadable
	}
	if f.node.isDir {
		return 0, fs.ErrIsDirectory
	}

	f.node.mu.RLock()
	defer f.node.mu.RUnlock()

	if f.offset >= len(f.node.data) {
		return 0, nil
	}
	n := buf.CopyFrom(f.node.data[f.offset:])
	f.offset += n
	return n, nil
}

// Write implements fs.File.Write.
func (f *memFile) Write(buf mm.UserBuffer) (int, error) {
	if !f.writable || f.closed {
		return 0, fs.ErrNotWritable
	}

	f.node.mu.Lock()
	defer f.node.mu.Unlock()

	n := 0
	for _, b := range buf.Buffers {
		end := f.offset + len(b)
		if end > len(f.node.data) {
			f.node.data = slices.Grow(f.node.data, end-len(f.node.data))[:end]
		}
		copy(f.node.data[f.offset:], b)
		f.offset = end
		n += len(b)
	}
	return n, nil
}

// Close implements io.Closer. The inode is untouched.
func (f *memFile) Close() error {
	f.closed = true
	return nil
}

// ReadAll implements fs.Node.ReadAll.
func (f *memFile) ReadAll() ([]byte, error) {
	if f.node.isDir {
		return nil, fs.ErrIsDirectory
	}
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	return append([]byte(nil), f.node.data...), nil
}

func (f *memFile) StorageID() uint64 { return f.node.ino }

func (f *memFile) LinkCount() uint32 {
	f.node.mu.RLock()
	defer f.node.mu.RUnlock()
	return f.node.nlink
}

func (f *memFile) IsDir() bool { return f.node.isDir }
