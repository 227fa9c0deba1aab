package filesystem

import (
	"io"
	"testing"
)

func TestWritableHandleRoundTrip(t *testing.T) {
	f := NewMemoryFile(TypeRegular)

	wh, err := f.OpenWritable()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := wh.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 5)
	if _, err := wh.ReadAt(buf, 0); err != nil && err != io.EOF {
		t.Fatal(err)
	}

	if string(buf) != "hello" {
		t.Fatalf("round trip failed: %q", buf)
	}

	if err := wh.Close(); err != nil {
		t.Fatal(err)
	}

	// Double close is a no-op.
	if err := wh.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}

	if info.Size() != 5 {
		t.Fatalf("expected size 5 got %d", info.Size())
	}
}

func TestWritableHandleSparseWrite(t *testing.T) {
	f := NewMemoryFile(TypeRegular)

	wh, err := f.OpenWritable()
	if err != nil {
		t.Fatal(err)
	}
	defer wh.Close()

	if _, err := wh.WriteAt([]byte("x"), 4); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 5)
	if _, err := wh.ReadAt(buf, 0); err != nil && err != io.EOF {
		t.Fatal(err)
	}

	if string(buf) != "\x00\x00\x00\x00x" {
		t.Fatalf("unexpected contents: %q", buf)
	}
}

func TestTruncate(t *testing.T) {
	f := NewMemoryFile(TypeRegular)

	if err := f.Overwrite([]byte("some longer contents")); err != nil {
		t.Fatal(err)
	}

	wh, err := f.OpenWritable()
	if err != nil {
		t.Fatal(err)
	}
	defer wh.Close()

	if err := wh.Truncate(4); err != nil {
		t.Fatal(err)
	}

	info, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}

	if info.Size() != 4 {
		t.Fatalf("expected size 4 got %d", info.Size())
	}
}

func TestInodeIdentity(t *testing.T) {
	a := NewMemoryFile(TypeRegular)
	b := NewMemoryFile(TypeRegular)

	if Inode(a) == 0 || Inode(b) == 0 {
		t.Fatal("memory files must have inodes")
	}

	if Inode(a) == Inode(b) {
		t.Fatal("distinct files share an inode")
	}

	if Inode(a) != Inode(a) {
		t.Fatal("inode is not stable")
	}
}
