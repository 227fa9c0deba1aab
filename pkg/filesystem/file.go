package filesystem

import (
	"bytes"
	"io"
	"io/fs"
	"sync/atomic"
	"time"
)

type BasicFileHandle interface {
	io.Reader
	io.ReaderAt
}

type FileHandle interface {
	BasicFileHandle
	io.Closer
}

type WritableFileHandle interface {
	FileHandle
	io.Writer
	io.WriterAt

	Truncate(size int64) error
	Sync() error
}

type nopCloserFileHandle struct {
	BasicFileHandle
}

// Close implements FileHandle.
func (n *nopCloserFileHandle) Close() error { return nil }

var (
	_ FileHandle = &nopCloserFileHandle{}
)

func NewNopCloserFileHandle(fh BasicFileHandle) FileHandle {
	return &nopCloserFileHandle{BasicFileHandle: fh}
}

type FileInfo interface {
	fs.FileInfo

	Kind() FileType
}

type File interface {
	Open() (FileHandle, error)
	Stat() (FileInfo, error)
}

type MutableFile interface {
	File

	OpenWritable() (WritableFileHandle, error)

	Chmod(mode fs.FileMode) error
	Chown(uid int, gid int) error
	Chtimes(mtime time.Time) error
	Overwrite(contents []byte) error
}

type FileType byte

const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "Regular"
	case TypeDirectory:
		return "Directory"
	case TypeSymlink:
		return "Symlink"
	default:
		return "<unknown>"
	}
}

var nextInode atomic.Uint64

// Inode returns a stable identity for files backed by this package. Files
// from other sources report inode zero.
func Inode(f File) uint64 {
	switch f := f.(type) {
	case *memoryDirectory:
		return f.memoryFile.ino
	case *memoryFile:
		return f.ino
	default:
		return 0
	}
}

// GetLinkName returns the target of a symlink node.
func GetLinkName(ent File) (string, error) {
	switch ent := ent.(type) {
	case *memoryFile:
		if ent.kind != TypeSymlink {
			return "", ErrInvalid
		}
		return string(ent.contents), nil
	default:
		return "", ErrInvalid
	}
}

func GetUidAndGid(ent File) (int, int, error) {
	switch ent := ent.(type) {
	case *memoryDirectory:
		return ent.memoryFile.uid, ent.memoryFile.gid, nil
	case *memoryFile:
		return ent.uid, ent.gid, nil
	default:
		return 0, 0, nil
	}
}

type memoryFile struct {
	ino      uint64
	kind     FileType
	mTime    time.Time
	mode     fs.FileMode
	uid      int
	gid      int
	contents []byte
}

func (m *memoryFile) Kind() FileType     { return m.kind }
func (m *memoryFile) IsDir() bool        { return m.kind == TypeDirectory }
func (m *memoryFile) ModTime() time.Time { return m.mTime }
func (m *memoryFile) Mode() fs.FileMode  { return m.mode }
func (m *memoryFile) Name() string       { return "" }
func (m *memoryFile) Size() int64        { return int64(len(m.contents)) }
func (m *memoryFile) Sys() any           { return m }

// Chmod implements MutableFile.
func (m *memoryFile) Chmod(mode fs.FileMode) error {
	m.mode = mode

	return nil
}

// Chown implements MutableFile.
func (m *memoryFile) Chown(uid int, gid int) error {
	m.uid = uid
	m.gid = gid

	return nil
}

// Chtimes implements MutableFile.
func (m *memoryFile) Chtimes(mtime time.Time) error {
	m.mTime = mtime

	return nil
}

// Open implements MutableFile.
func (m *memoryFile) Open() (FileHandle, error) {
	if m.kind == TypeDirectory {
		return nil, ErrIsDirectory
	}

	return NewNopCloserFileHandle(bytes.NewReader(m.contents)), nil
}

// OpenWritable implements MutableFile.
func (m *memoryFile) OpenWritable() (WritableFileHandle, error) {
	if m.kind != TypeRegular {
		return nil, ErrInvalid
	}

	return &memoryFileHandle{file: m}, nil
}

// Overwrite implements MutableFile.
func (m *memoryFile) Overwrite(contents []byte) error {
	m.contents = contents
	m.mTime = time.Now()

	return nil
}

// Stat implements MutableFile.
func (m *memoryFile) Stat() (FileInfo, error) {
	return m, nil
}

var (
	_ MutableFile = &memoryFile{}
)

func NewMemoryFile(kind FileType) MutableFile {
	return &memoryFile{
		ino:   nextInode.Add(1),
		kind:  kind,
		mode:  fs.FileMode(0755),
		mTime: time.Now(),
	}
}

func NewSymlink(target string) MutableFile {
	f := NewMemoryFile(TypeSymlink).(*memoryFile)
	f.contents = []byte(target)
	return f
}

// memoryFileHandle is a write-through handle over a memory file. The handle
// keeps its own sequential cursor; positional reads and writes go straight
// to the backing slice.
type memoryFileHandle struct {
	file   *memoryFile
	cursor int64
	closed bool
}

// Read implements WritableFileHandle.
func (h *memoryFileHandle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}

	n, err := h.ReadAt(p, h.cursor)
	h.cursor += int64(n)

	return n, err
}

// ReadAt implements WritableFileHandle.
func (h *memoryFileHandle) ReadAt(p []byte, off int64) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}

	if off < 0 {
		return 0, ErrInvalid
	}

	if off >= int64(len(h.file.contents)) {
		return 0, io.EOF
	}

	n := copy(p, h.file.contents[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// Write implements WritableFileHandle.
func (h *memoryFileHandle) Write(p []byte) (int, error) {
	n, err := h.WriteAt(p, h.cursor)
	h.cursor += int64(n)

	return n, err
}

// WriteAt implements WritableFileHandle.
func (h *memoryFileHandle) WriteAt(p []byte, off int64) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}

	if off < 0 {
		return 0, ErrInvalid
	}

	if grown := off + int64(len(p)); grown > int64(len(h.file.contents)) {
		contents := make([]byte, grown)
		copy(contents, h.file.contents)
		h.file.contents = contents
	}

	copy(h.file.contents[off:], p)
	h.file.mTime = time.Now()

	return len(p), nil
}

// Truncate implements WritableFileHandle.
func (h *memoryFileHandle) Truncate(size int64) error {
	if h.closed {
		return fs.ErrClosed
	}

	if size < 0 {
		return ErrInvalid
	}

	if size <= int64(len(h.file.contents)) {
		h.file.contents = h.file.contents[:size]
	} else {
		contents := make([]byte, size)
		copy(contents, h.file.contents)
		h.file.contents = contents
	}

	h.file.mTime = time.Now()

	return nil
}

// Sync implements WritableFileHandle.
func (h *memoryFileHandle) Sync() error {
	if h.closed {
		return fs.ErrClosed
	}

	return nil
}

// Close implements WritableFileHandle. Closing twice is a no-op.
func (h *memoryFileHandle) Close() error {
	h.closed = true

	return nil
}

var (
	_ WritableFileHandle = &memoryFileHandle{}
)
