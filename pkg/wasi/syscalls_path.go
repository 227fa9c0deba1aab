package wasi

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/coralsh/coral/pkg/filesystem"
)

const (
	oflagCreat     uint32 = 1
	oflagDirectory uint32 = 2
	oflagExcl      uint32 = 4
	oflagTrunc     uint32 = 8

	lookupSymlinkFollow uint32 = 1
)

func nsToTime(ns uint64) time.Time {
	return time.Unix(0, int64(ns))
}

func (b *Bridge) pathCreateDirectory(ctx context.Context, mod api.Module, fd uint32, pathPtr uint32, pathLen uint32) uint32 {
	p, errno := b.resolveGuestPath(mod, fd, pathPtr, pathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	if _, err := filesystem.Mkdir(b.root, p); err != nil {
		return uint32(errnoFor(err))
	}

	return uint32(ErrnoSuccess)
}

func (b *Bridge) pathFilestatGet(ctx context.Context, mod api.Module, fd uint32, flags uint32, pathPtr uint32, pathLen uint32, buf uint32) uint32 {
	p, errno := b.resolveGuestPath(mod, fd, pathPtr, pathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	ent, err := b.lookupFlags(p, flags)
	if err != nil {
		return uint32(errnoFor(err))
	}

	return uint32(writeFilestat(mod, buf, ent.File))
}

func (b *Bridge) pathFilestatSetTimes(ctx context.Context, mod api.Module, fd uint32, flags uint32, pathPtr uint32, pathLen uint32, atim uint64, mtim uint64, fstFlags uint32) uint32 {
	p, errno := b.resolveGuestPath(mod, fd, pathPtr, pathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	ent, err := b.lookupFlags(p, flags)
	if err != nil {
		return uint32(errnoFor(err))
	}

	return uint32(setTimes(ent.File, mtim, fstFlags, b))
}

// Hard links are not part of the node model; every node has exactly one
// name.
func (b *Bridge) pathLink(ctx context.Context, mod api.Module, oldFD uint32, oldFlags uint32, oldPathPtr uint32, oldPathLen uint32, newFD uint32, newPathPtr uint32, newPathLen uint32) uint32 {
	return uint32(ErrnoNotsup)
}

func (b *Bridge) pathOpen(ctx context.Context, mod api.Module, fd uint32, dirflags uint32, pathPtr uint32, pathLen uint32, oflags uint32, rightsBase uint64, rightsInheriting uint64, fdflags uint32, openedFDPtr uint32) uint32 {
	p, errno := b.resolveGuestPath(mod, fd, pathPtr, pathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	wantWrite := rightsBase&rightFDWrite != 0
	wantRead := rightsBase&rightFDRead != 0 || !wantWrite

	// Truncation needs write access.
	if oflags&oflagTrunc != 0 && !wantWrite {
		return uint32(ErrnoInval)
	}

	ent, err := b.lookupFlags(p, dirflags)
	if errors.Is(err, fs.ErrNotExist) {
		if oflags&oflagCreat == 0 {
			return uint32(ErrnoNoent)
		}

		created, err := filesystem.CreateFile(b.root, p)
		if err != nil {
			return uint32(errnoFor(err))
		}

		ent = filesystem.DirectoryEntry{File: created}
	} else if err != nil {
		return uint32(errnoFor(err))
	} else if oflags&oflagCreat != 0 && oflags&oflagExcl != 0 {
		return uint32(ErrnoExist)
	}

	if dir, ok := ent.File.(filesystem.Directory); ok {
		if wantWrite {
			return uint32(ErrnoIsdir)
		}

		newFD := b.fds.insert(&fdEntry{
			path:      p,
			file:      dir,
			directory: true,
			readable:  true,
		})

		return uint32(memWriteU32(mod, openedFDPtr, uint32(newFD)))
	}

	if oflags&oflagDirectory != 0 {
		return uint32(ErrnoNotdir)
	}

	entry := &fdEntry{
		path:     p,
		file:     ent.File,
		readable: wantRead,
		append:   fdflags&fdflagAppend != 0,
	}

	if wantWrite {
		mut, ok := ent.File.(filesystem.MutableFile)
		if !ok {
			return uint32(ErrnoRofs)
		}

		writable, err := mut.OpenWritable()
		if err != nil {
			return uint32(errnoFor(err))
		}

		if oflags&oflagTrunc != 0 {
			if err := writable.Truncate(0); err != nil {
				_ = writable.Close()
				return uint32(errnoFor(err))
			}
		}

		entry.handle = writable
		entry.writable = writable
	} else {
		handle, err := ent.File.Open()
		if err != nil {
			return uint32(errnoFor(err))
		}

		entry.handle = handle
	}

	newFD := b.fds.insert(entry)

	return uint32(memWriteU32(mod, openedFDPtr, uint32(newFD)))
}

func (b *Bridge) pathReadlink(ctx context.Context, mod api.Module, fd uint32, pathPtr uint32, pathLen uint32, buf uint32, bufLen uint32, bufusedPtr uint32) uint32 {
	p, errno := b.resolveGuestPath(mod, fd, pathPtr, pathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	target, err := filesystem.Readlink(b.root, p)
	if err != nil {
		return uint32(errnoFor(err))
	}

	contents := []byte(target)
	if uint32(len(contents)) > bufLen {
		contents = contents[:bufLen]
	}

	if errno := memWrite(mod, buf, contents); errno != ErrnoSuccess {
		return uint32(errno)
	}

	return uint32(memWriteU32(mod, bufusedPtr, uint32(len(contents))))
}

func (b *Bridge) pathRemoveDirectory(ctx context.Context, mod api.Module, fd uint32, pathPtr uint32, pathLen uint32) uint32 {
	p, errno := b.resolveGuestPath(mod, fd, pathPtr, pathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	if err := filesystem.Rmdir(b.root, p); err != nil {
		return uint32(errnoFor(err))
	}

	return uint32(ErrnoSuccess)
}

func (b *Bridge) pathRename(ctx context.Context, mod api.Module, fd uint32, oldPathPtr uint32, oldPathLen uint32, newFD uint32, newPathPtr uint32, newPathLen uint32) uint32 {
	oldPath, errno := b.resolveGuestPath(mod, fd, oldPathPtr, oldPathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	newPath, errno := b.resolveGuestPath(mod, newFD, newPathPtr, newPathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	if err := filesystem.Rename(b.root, oldPath, newPath); err != nil {
		return uint32(errnoFor(err))
	}

	return uint32(ErrnoSuccess)
}

func (b *Bridge) pathSymlink(ctx context.Context, mod api.Module, oldPathPtr uint32, oldPathLen uint32, fd uint32, newPathPtr uint32, newPathLen uint32) uint32 {
	target, errno := readPath(mod, oldPathPtr, oldPathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	linkPath, errno := b.resolveGuestPath(mod, fd, newPathPtr, newPathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	if err := filesystem.Symlink(b.root, target, linkPath); err != nil {
		return uint32(errnoFor(err))
	}

	return uint32(ErrnoSuccess)
}

func (b *Bridge) pathUnlinkFile(ctx context.Context, mod api.Module, fd uint32, pathPtr uint32, pathLen uint32) uint32 {
	p, errno := b.resolveGuestPath(mod, fd, pathPtr, pathLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	if err := filesystem.Unlink(b.root, p); err != nil {
		return uint32(errnoFor(err))
	}

	return uint32(ErrnoSuccess)
}

func (b *Bridge) resolveGuestPath(mod api.Module, dirFD uint32, pathPtr uint32, pathLen uint32) (string, Errno) {
	p, errno := readPath(mod, pathPtr, pathLen)
	if errno != ErrnoSuccess {
		return "", errno
	}

	return b.fds.resolvePath(int32(dirFD), p)
}

func (b *Bridge) lookupFlags(p string, flags uint32) (filesystem.DirectoryEntry, error) {
	if flags&lookupSymlinkFollow != 0 {
		return filesystem.Resolve(b.root, p)
	}

	return filesystem.Lookup(b.root, p)
}
