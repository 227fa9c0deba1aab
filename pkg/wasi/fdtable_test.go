package wasi

import (
	"testing"

	"github.com/coralsh/coral/pkg/filesystem"
)

func TestFDTablePreopen(t *testing.T) {
	table := newFDTable(filesystem.NewMemoryDirectory())

	ent, ok := table.get(fdRoot)
	if !ok {
		t.Fatal("expected preopened root descriptor")
	}

	if !ent.preopened || !ent.directory || ent.path != "/" {
		t.Fatalf("unexpected root entry: %+v", ent)
	}
}

func TestFDTableMonotonic(t *testing.T) {
	table := newFDTable(filesystem.NewMemoryDirectory())

	first := table.insert(&fdEntry{path: "/a"})
	if first != firstDynamicFD {
		t.Fatalf("expected first dynamic fd %d, got %d", firstDynamicFD, first)
	}

	if _, ok := table.remove(first); !ok {
		t.Fatal("remove failed")
	}

	second := table.insert(&fdEntry{path: "/b"})
	if second <= first {
		t.Fatalf("descriptor %d was reused after %d", second, first)
	}
}

func TestFDTableRemovePreopened(t *testing.T) {
	table := newFDTable(filesystem.NewMemoryDirectory())

	if _, ok := table.remove(fdRoot); !ok {
		t.Fatal("remove failed")
	}

	if _, ok := table.get(fdRoot); !ok {
		t.Fatal("preopened descriptor should survive removal")
	}
}

func TestResolvePath(t *testing.T) {
	root := filesystem.NewMemoryDirectory()

	table := newFDTable(root)

	dirFD := table.insert(&fdEntry{path: "/usr/lib", directory: true})
	fileFD := table.insert(&fdEntry{path: "/etc/hostname"})

	for _, tc := range []struct {
		fd     int32
		in     string
		out    string
		errno  Errno
	}{
		{fdRoot, "etc/hostname", "/etc/hostname", ErrnoSuccess},
		{fdRoot, "/abs/path", "/abs/path", ErrnoSuccess},
		{dirFD, "libc.so", "/usr/lib/libc.so", ErrnoSuccess},
		{dirFD, "../bin/sh", "/usr/bin/sh", ErrnoSuccess},
		{fileFD, "x", "", ErrnoNotdir},
		{99, "x", "", ErrnoBadf},
	} {
		got, errno := table.resolvePath(tc.fd, tc.in)
		if errno != tc.errno {
			t.Fatalf("resolvePath(%d, %q): errno %s, want %s", tc.fd, tc.in, errno, tc.errno)
		}

		if got != tc.out {
			t.Fatalf("resolvePath(%d, %q) = %q, want %q", tc.fd, tc.in, got, tc.out)
		}
	}
}
