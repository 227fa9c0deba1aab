package wasi

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/coralsh/coral/pkg/filesystem"
)

// guestMemory is a hand-assembled module exporting a single one-page
// memory and nothing else, enough to exercise the syscall handlers
// against real linear memory.
var guestMemory = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x05, 0x03, 0x01, 0x00, 0x01, // memory section: min 1 page
	0x07, 0x0a, 0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
}

func testModule(t *testing.T) api.Module {
	t.Helper()

	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	mod, err := rt.Instantiate(ctx, guestMemory)
	if err != nil {
		t.Fatal(err)
	}

	return mod
}

// Scratch layout used by the tests below.
const (
	resultPtr  uint32 = 0x20
	result2Ptr uint32 = 0x28
	pathPtr    uint32 = 0x100
	iovsPtr    uint32 = 0x200
	dataPtr    uint32 = 0x300
	direntPtr  uint32 = 0x400
)

func writeIOVecs(t *testing.T, mod api.Module, base uint32, vecs ...iovec) {
	t.Helper()

	for i, v := range vecs {
		off := base + uint32(i)*8
		if !mod.Memory().WriteUint32Le(off, v.ptr) || !mod.Memory().WriteUint32Le(off+4, v.length) {
			t.Fatal("iovec out of range")
		}
	}
}

func openPath(t *testing.T, b *Bridge, mod api.Module, name string, oflags uint32, rights uint64) (uint32, Errno) {
	t.Helper()

	if !mod.Memory().Write(pathPtr, []byte(name)) {
		t.Fatal("path out of range")
	}

	rc := Errno(b.pathOpen(context.Background(), mod, uint32(fdRoot), lookupSymlinkFollow,
		pathPtr, uint32(len(name)), oflags, rights, 0, 0, resultPtr))
	if rc != ErrnoSuccess {
		return 0, rc
	}

	fd, ok := mod.Memory().ReadUint32Le(resultPtr)
	if !ok {
		t.Fatal("opened fd out of range")
	}

	return fd, ErrnoSuccess
}

func TestFdReadStdinPartialVectors(t *testing.T) {
	b := New(Options{Root: filesystem.NewMemoryDirectory()})
	t.Cleanup(b.Close)

	b.stdin.closed = false // keep open without a backing stream
	b.suspendCapable = true
	b.stdin.inject([]byte("ping"))

	mod := testModule(t)

	writeIOVecs(t, mod, iovsPtr,
		iovec{ptr: dataPtr, length: 4},
		iovec{ptr: dataPtr + 16, length: 4})

	// The queue holds exactly enough for the first vector. Once those
	// bytes land in guest memory the call must return, not park waiting
	// to fill the second vector.
	done := make(chan uint32, 1)

	go func() {
		done <- b.fdRead(context.Background(), mod, 0, iovsPtr, 2, resultPtr)
	}()

	select {
	case rc := <-done:
		if Errno(rc) != ErrnoSuccess {
			t.Fatalf("fd_read = %s", Errno(rc))
		}
	case <-time.After(time.Second):
		t.Fatal("fd_read blocked after bytes were already transferred")
	}

	nread, _ := mod.Memory().ReadUint32Le(resultPtr)
	if nread != 4 {
		t.Fatalf("nread = %d, want 4", nread)
	}

	buf, _ := mod.Memory().Read(dataPtr, 4)
	if string(buf) != "ping" {
		t.Fatalf("guest memory %q", buf)
	}

	if b.SuspendState() != SuspendIdle {
		t.Fatalf("suspend state %s", b.SuspendState())
	}
}

func TestPathOpenCreate(t *testing.T) {
	root := filesystem.NewMemoryDirectory()
	b := New(Options{Root: root})
	t.Cleanup(b.Close)

	mod := testModule(t)

	if _, rc := openPath(t, b, mod, "new.txt", 0, rightFDRead); rc != ErrnoNoent {
		t.Fatalf("open missing = %s, want ENOENT", rc)
	}

	fd, rc := openPath(t, b, mod, "new.txt", oflagCreat, rightFDRead|rightFDWrite)
	if rc != ErrnoSuccess {
		t.Fatalf("create = %s", rc)
	}

	if int32(fd) < firstDynamicFD {
		t.Fatalf("fd %d below dynamic range", fd)
	}

	if !filesystem.Exists(root, "/new.txt") {
		t.Fatal("created file missing from the tree")
	}

	if _, rc := openPath(t, b, mod, "new.txt", oflagCreat|oflagExcl, rightFDWrite); rc != ErrnoExist {
		t.Fatalf("exclusive reopen = %s, want EEXIST", rc)
	}

	// O_CREAT does not create missing parents.
	if _, rc := openPath(t, b, mod, "nodir/child.txt", oflagCreat, rightFDWrite); rc != ErrnoNoent {
		t.Fatalf("create under missing parent = %s, want ENOENT", rc)
	}
}

func TestPathOpenTruncateNeedsWrite(t *testing.T) {
	root := filesystem.NewMemoryDirectory()

	f, err := filesystem.CreateFile(root, "/data.txt")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.Overwrite([]byte("keep me")); err != nil {
		t.Fatal(err)
	}

	b := New(Options{Root: root})
	t.Cleanup(b.Close)

	mod := testModule(t)

	if _, rc := openPath(t, b, mod, "data.txt", oflagTrunc, rightFDRead); rc != ErrnoInval {
		t.Fatalf("read-only truncate = %s, want EINVAL", rc)
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}

	if info.Size() != int64(len("keep me")) {
		t.Fatalf("size %d after rejected truncate", info.Size())
	}
}

func TestFdWriteReadRoundTrip(t *testing.T) {
	b := New(Options{Root: filesystem.NewMemoryDirectory()})
	t.Cleanup(b.Close)

	mod := testModule(t)
	ctx := context.Background()

	fd, rc := openPath(t, b, mod, "log.txt", oflagCreat, rightFDRead|rightFDWrite)
	if rc != ErrnoSuccess {
		t.Fatalf("path_open = %s", rc)
	}

	payload := []byte("first line\n")
	mod.Memory().Write(dataPtr, payload)
	writeIOVecs(t, mod, iovsPtr, iovec{ptr: dataPtr, length: uint32(len(payload))})

	if rc := Errno(b.fdWrite(ctx, mod, fd, iovsPtr, 1, resultPtr)); rc != ErrnoSuccess {
		t.Fatalf("fd_write = %s", rc)
	}

	if nwritten, _ := mod.Memory().ReadUint32Le(resultPtr); nwritten != uint32(len(payload)) {
		t.Fatalf("nwritten = %d", nwritten)
	}

	if rc := Errno(b.fdSeek(ctx, mod, fd, 0, whenceSet, result2Ptr)); rc != ErrnoSuccess {
		t.Fatalf("fd_seek = %s", rc)
	}

	writeIOVecs(t, mod, iovsPtr, iovec{ptr: dataPtr + 64, length: 32})

	if rc := Errno(b.fdRead(ctx, mod, fd, iovsPtr, 1, resultPtr)); rc != ErrnoSuccess {
		t.Fatalf("fd_read = %s", rc)
	}

	nread, _ := mod.Memory().ReadUint32Le(resultPtr)
	if nread != uint32(len(payload)) {
		t.Fatalf("nread = %d", nread)
	}

	buf, _ := mod.Memory().Read(dataPtr+64, nread)
	if string(buf) != string(payload) {
		t.Fatalf("read back %q", buf)
	}

	if rc := Errno(b.fdClose(ctx, mod, fd)); rc != ErrnoSuccess {
		t.Fatalf("fd_close = %s", rc)
	}

	if rc := Errno(b.fdClose(ctx, mod, fd)); rc != ErrnoBadf {
		t.Fatalf("double close = %s, want EBADF", rc)
	}
}

type parsedDirent struct {
	next     uint64
	name     string
	filetype byte
}

func parseDirents(t *testing.T, mod api.Module, buf uint32, used uint32) []parsedDirent {
	t.Helper()

	var ret []parsedDirent
	off := uint32(0)

	for off+direntSize <= used {
		header, ok := mod.Memory().Read(buf+off, direntSize)
		if !ok {
			t.Fatal("dirent out of range")
		}

		next := binary.LittleEndian.Uint64(header[0:8])
		namlen := binary.LittleEndian.Uint32(header[16:20])

		if off+direntSize+namlen > used {
			break // truncated tail
		}

		name, ok := mod.Memory().Read(buf+off+direntSize, namlen)
		if !ok {
			t.Fatal("name out of range")
		}

		ret = append(ret, parsedDirent{next: next, name: string(name), filetype: header[20]})
		off += direntSize + namlen
	}

	return ret
}

func TestFdReaddirCookie(t *testing.T) {
	root := filesystem.NewMemoryDirectory()

	if _, err := filesystem.Mkdir(root, "/dir"); err != nil {
		t.Fatal(err)
	}
	if _, err := filesystem.CreateFile(root, "/dir/a"); err != nil {
		t.Fatal(err)
	}
	if _, err := filesystem.CreateFile(root, "/dir/b"); err != nil {
		t.Fatal(err)
	}

	b := New(Options{Root: root})
	t.Cleanup(b.Close)

	mod := testModule(t)
	ctx := context.Background()

	fd, rc := openPath(t, b, mod, "dir", oflagDirectory, 0)
	if rc != ErrnoSuccess {
		t.Fatalf("path_open = %s", rc)
	}

	// A 64-byte buffer fits "." and ".." but truncates the next record.
	if rc := Errno(b.fdReaddir(ctx, mod, fd, direntPtr, 64, 0, resultPtr)); rc != ErrnoSuccess {
		t.Fatalf("fd_readdir = %s", rc)
	}

	used, _ := mod.Memory().ReadUint32Le(resultPtr)
	if used != 64 {
		t.Fatalf("bufused = %d, want the full buffer on truncation", used)
	}

	ents := parseDirents(t, mod, direntPtr, used)
	if len(ents) != 2 || ents[0].name != "." || ents[1].name != ".." {
		t.Fatalf("first page %+v", ents)
	}

	if ents[0].filetype != filetypeDirectory || ents[1].filetype != filetypeDirectory {
		t.Fatalf("dot entry filetypes %+v", ents)
	}

	// Resume from the last complete entry's cookie.
	if rc := Errno(b.fdReaddir(ctx, mod, fd, direntPtr, 256, ents[1].next, resultPtr)); rc != ErrnoSuccess {
		t.Fatalf("fd_readdir resume = %s", rc)
	}

	used, _ = mod.Memory().ReadUint32Le(resultPtr)

	ents = parseDirents(t, mod, direntPtr, used)
	if len(ents) != 2 || ents[0].name != "a" || ents[1].name != "b" {
		t.Fatalf("second page %+v", ents)
	}

	if ents[0].filetype != filetypeRegular || ents[1].filetype != filetypeRegular {
		t.Fatalf("child filetypes %+v", ents)
	}

	if rc := Errno(b.fdReaddir(ctx, mod, 99, direntPtr, 64, 0, resultPtr)); rc != ErrnoBadf {
		t.Fatalf("bad fd = %s, want EBADF", rc)
	}

	file, rc := openPath(t, b, mod, "dir/a", 0, rightFDRead)
	if rc != ErrnoSuccess {
		t.Fatalf("path_open = %s", rc)
	}

	if rc := Errno(b.fdReaddir(ctx, mod, file, direntPtr, 64, 0, resultPtr)); rc != ErrnoNotdir {
		t.Fatalf("readdir on file = %s, want ENOTDIR", rc)
	}
}
