package fs

import (
	"errors"
	"io"
	"strings"

	"taskos/pkg/abi"
	"taskos/pkg/mm"
)

// Common filesystem errors.
var (
	ErrNotFound    = errors.New("fs: file not found")
	ErrExists      = errors.New("fs: file already exists")
	ErrIsDirectory = errors.New("fs: is a directory")
	ErrSamePath    = errors.New("fs: link source and target are the same")
	ErrNotReadable = errors.New("fs: file not open for reading")
	ErrNotWritable = errors.New("fs: file not open for writing")
	ErrEmptyPath   = errors.New("fs: empty path")
	ErrPathTooLong = errors.New("fs: path too long")
	ErrInvalidPath = errors.New("fs: invalid path")
)

// MaxPathLength is the maximum allowed path length.
const MaxPathLength = 4096

// File is an open file as seen by a descriptor. Reads and writes move data
// directly between the file and translated user memory.
type File interface {
	Readable() bool
	Writable() bool

	// Read fills buf from the file and returns the number of bytes copied.
	// Zero means end of file.
	Read(buf mm.UserBuffer) (int, error)

	// Write copies buf into the file and returns the number of bytes
	// written.
	Write(buf mm.UserBuffer) (int, error)

	io.Closer
}

// Node is a File backed by an inode in a filesystem.
type Node interface {
	File

	// ReadAll returns the whole contents of the node regardless of the
	// current offset.
	ReadAll() ([]byte, error)

	// StorageID returns the inode number.
	StorageID() uint64

	// LinkCount returns the number of directory entries naming the inode.
	LinkCount() uint32

	IsDir() bool
}

// FileSystem is the capability the kernel uses to resolve paths.
type FileSystem interface {
	// Open resolves path. OpenCreate creates a missing file and truncates
	// an existing one; OpenTruncate truncates an existing file.
	Open(path string, flags abi.OpenFlags) (Node, error)

	// Link adds newPath as another name for the inode at oldPath.
	Link(oldPath, newPath string) error

	// Unlink removes the name path. The inode survives while other names
	// or open descriptors hold it.
	Unlink(path string) error
}

// Clean normalizes a path by removing empty, "." and ".." elements. The
// result always starts with a slash.
func Clean(p string) string {
	var result []string
	for _, comp := range strings.Split(p, "/") {
		switch comp {
		case "", ".":
			continue
		case "..":
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
		default:
			result = append(result, comp)
		}
	}
	return "/" + strings.Join(result, "/")
}

// ValidatePath checks if the path can be resolved at all.
func ValidatePath(p string) error {
	if p == "" {
		return ErrEmptyPath
	}
	if len(p) > MaxPathLength {
		return ErrPathTooLong
	}
	if strings.Contains(p, "\x00") {
		return ErrInvalidPath
	}
	return nil
}
