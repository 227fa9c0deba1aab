package wasi

import (
	"path"
	"strings"

	"github.com/coralsh/coral/pkg/filesystem"
)

// Reserved descriptors. 0/1/2 alias the owning process's standard streams
// and never appear in the table; 3 is the single pre-opened root directory.
const (
	fdStdin  int32 = 0
	fdStdout int32 = 1
	fdStderr int32 = 2
	fdRoot   int32 = 3

	firstDynamicFD int32 = 4
)

type fdEntry struct {
	fd        int32
	path      string
	file      filesystem.File
	handle    filesystem.FileHandle
	writable  filesystem.WritableFileHandle // nil for read-only opens
	directory bool
	cursor    uint64
	append    bool
	readable  bool
	preopened bool
	closed    bool
}

// close releases the underlying handle. Closing twice is a no-op.
func (e *fdEntry) close() error {
	if e.closed {
		return nil
	}

	e.closed = true

	if e.handle != nil {
		return e.handle.Close()
	}

	return nil
}

type fdTable struct {
	entries map[int32]*fdEntry
	next    int32
}

func newFDTable(root filesystem.Directory) *fdTable {
	t := &fdTable{
		entries: make(map[int32]*fdEntry),
		next:    firstDynamicFD,
	}

	t.entries[fdRoot] = &fdEntry{
		fd:        fdRoot,
		path:      "/",
		file:      root,
		directory: true,
		readable:  true,
		preopened: true,
	}

	return t
}

func (t *fdTable) get(fd int32) (*fdEntry, bool) {
	ent, ok := t.entries[fd]
	if !ok || ent.closed {
		return nil, false
	}

	return ent, true
}

// insert allocates the next virtual descriptor. Numbering is monotonic for
// the lifetime of the run; descriptors are never reused.
func (t *fdTable) insert(ent *fdEntry) int32 {
	fd := t.next
	t.next++

	ent.fd = fd
	t.entries[fd] = ent

	return fd
}

func (t *fdTable) remove(fd int32) (*fdEntry, bool) {
	ent, ok := t.entries[fd]
	if !ok {
		return nil, false
	}

	if !ent.preopened {
		delete(t.entries, fd)
	}

	return ent, true
}

// closeAll releases every open handle, swallowing errors from handles that
// are already closed.
func (t *fdTable) closeAll() {
	for _, ent := range t.entries {
		_ = ent.close()
	}
}

// resolvePath resolves p against the directory identified by dirFD.
// Absolute paths and reserved descriptors both resolve against root,
// mirroring POSIX *at() semantics.
func (t *fdTable) resolvePath(dirFD int32, p string) (string, Errno) {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p), ErrnoSuccess
	}

	if dirFD <= fdRoot {
		return path.Clean("/" + p), ErrnoSuccess
	}

	ent, ok := t.get(dirFD)
	if !ok {
		return "", ErrnoBadf
	}

	if !ent.directory {
		return "", ErrnoNotdir
	}

	return path.Clean(path.Join(ent.path, p)), ErrnoSuccess
}
