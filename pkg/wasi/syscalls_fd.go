package wasi

import (
	"context"
	"io"

	"github.com/tetratelabs/wazero/api"

	"github.com/coralsh/coral/pkg/filesystem"
)

// ABI filetype codes.
const (
	filetypeUnknown   byte = 0
	filetypeCharacter byte = 2
	filetypeDirectory byte = 3
	filetypeRegular   byte = 4
	filetypeSymlink   byte = 7
)

// fdflags and rights bits.
const (
	fdflagAppend   uint32 = 1
	fdflagNonblock uint32 = 4

	rightFDRead  uint64 = 1 << 1
	rightFDWrite uint64 = 1 << 6
)

const (
	filestatSize uint32 = 64
	direntSize   uint32 = 24
)

func filetypeOf(kind filesystem.FileType) byte {
	switch kind {
	case filesystem.TypeRegular:
		return filetypeRegular
	case filesystem.TypeDirectory:
		return filetypeDirectory
	case filesystem.TypeSymlink:
		return filetypeSymlink
	default:
		return filetypeUnknown
	}
}

// writeFilestat lays out the 64-byte stat structure for a node.
func writeFilestat(mod api.Module, ptr uint32, f filesystem.File) Errno {
	info, err := f.Stat()
	if err != nil {
		return errnoFor(err)
	}

	mtime := uint64(info.ModTime().UnixNano())

	fields := []struct {
		off uint32
		v   uint64
	}{
		{0, 0},                   // dev
		{8, filesystem.Inode(f)}, // ino
		{16, 0},                  // filetype + pad, patched below
		{24, 1},                  // nlink
		{32, uint64(info.Size())},
		{40, mtime}, // atim
		{48, mtime}, // mtim
		{56, mtime}, // ctim
	}

	for _, field := range fields {
		if errno := memWriteU64(mod, ptr+field.off, field.v); errno != ErrnoSuccess {
			return errno
		}
	}

	return memWriteByte(mod, ptr+16, filetypeOf(info.Kind()))
}

func writeStreamFilestat(mod api.Module, ptr uint32) Errno {
	for off := uint32(0); off < filestatSize; off += 8 {
		if errno := memWriteU64(mod, ptr+off, 0); errno != ErrnoSuccess {
			return errno
		}
	}

	return memWriteByte(mod, ptr+16, filetypeCharacter)
}

// readStdin satisfies a read from the input queue, parking the call when
// the queue is empty and suspension is available. Without suspension an
// empty queue reports would-block instead.
func (b *Bridge) readStdin(dst []byte) (int, Errno) {
	n, eof := b.stdin.tryRead(dst)
	if n > 0 || eof {
		return n, ErrnoSuccess
	}

	if !b.suspendCapable {
		return 0, ErrnoAgain
	}

	token := b.susp.suspend()
	interrupted := b.stdin.wait()
	b.susp.resume(token)
	defer b.susp.complete()

	if interrupted {
		return 0, ErrnoIntr
	}

	n, _ = b.stdin.tryRead(dst)

	return n, ErrnoSuccess
}

func (b *Bridge) fdAdvise(ctx context.Context, mod api.Module, fd uint32, offset uint64, length uint64, advice uint32) uint32 {
	if int32(fd) > fdRoot {
		if _, ok := b.fds.get(int32(fd)); !ok {
			return uint32(ErrnoBadf)
		}
	}

	return uint32(ErrnoSuccess)
}

func (b *Bridge) fdClose(ctx context.Context, mod api.Module, fd uint32) uint32 {
	// The standard streams belong to the owning process, not the table;
	// closing them is accepted and ignored.
	if int32(fd) < fdRoot {
		return uint32(ErrnoSuccess)
	}

	ent, ok := b.fds.remove(int32(fd))
	if !ok || ent.closed {
		return uint32(ErrnoBadf)
	}

	if err := ent.close(); err != nil {
		return uint32(errnoFor(err))
	}

	return uint32(ErrnoSuccess)
}

func (b *Bridge) fdDatasync(ctx context.Context, mod api.Module, fd uint32) uint32 {
	return b.fdSync(ctx, mod, fd)
}

func (b *Bridge) fdSync(ctx context.Context, mod api.Module, fd uint32) uint32 {
	if int32(fd) < fdRoot {
		return uint32(ErrnoSuccess)
	}

	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	if ent.writable != nil {
		if err := ent.writable.Sync(); err != nil {
			return uint32(errnoFor(err))
		}
	}

	return uint32(ErrnoSuccess)
}

func (b *Bridge) fdFdstatGet(ctx context.Context, mod api.Module, fd uint32, buf uint32) uint32 {
	var filetype byte
	var flags uint16
	var rights uint64

	switch int32(fd) {
	case fdStdin:
		filetype = filetypeCharacter
		rights = rightFDRead
	case fdStdout, fdStderr:
		filetype = filetypeCharacter
		rights = rightFDWrite
	default:
		ent, ok := b.fds.get(int32(fd))
		if !ok {
			return uint32(ErrnoBadf)
		}

		if ent.directory {
			filetype = filetypeDirectory
			rights = ^uint64(0)
		} else {
			filetype = filetypeRegular

			if ent.readable {
				rights |= rightFDRead
			}
			if ent.writable != nil {
				rights |= rightFDWrite
			}
			if ent.append {
				flags |= uint16(fdflagAppend)
			}
		}
	}

	if errno := memWrite(mod, buf, []byte{filetype, 0}); errno != ErrnoSuccess {
		return uint32(errno)
	}

	if errno := memWrite(mod, buf+2, []byte{byte(flags), byte(flags >> 8), 0, 0, 0, 0}); errno != ErrnoSuccess {
		return uint32(errno)
	}

	if errno := memWriteU64(mod, buf+8, rights); errno != ErrnoSuccess {
		return uint32(errno)
	}

	return uint32(memWriteU64(mod, buf+16, rights))
}

// fdFdstatSetFlags updates the append flag. Other flags are accepted and
// ignored; permission bits on the virtual filesystem are advisory.
func (b *Bridge) fdFdstatSetFlags(ctx context.Context, mod api.Module, fd uint32, flags uint32) uint32 {
	if int32(fd) <= fdRoot {
		return uint32(ErrnoSuccess)
	}

	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	ent.append = flags&fdflagAppend != 0

	return uint32(ErrnoSuccess)
}

func (b *Bridge) fdFilestatGet(ctx context.Context, mod api.Module, fd uint32, buf uint32) uint32 {
	if int32(fd) < fdRoot {
		return uint32(writeStreamFilestat(mod, buf))
	}

	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	return uint32(writeFilestat(mod, buf, ent.file))
}

func (b *Bridge) fdFilestatSetSize(ctx context.Context, mod api.Module, fd uint32, size uint64) uint32 {
	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	if ent.writable == nil {
		return uint32(ErrnoBadf)
	}

	if err := ent.writable.Truncate(int64(size)); err != nil {
		return uint32(errnoFor(err))
	}

	return uint32(ErrnoSuccess)
}

const (
	fstflagMtim    uint32 = 4
	fstflagMtimNow uint32 = 8
)

func (b *Bridge) fdFilestatSetTimes(ctx context.Context, mod api.Module, fd uint32, atim uint64, mtim uint64, fstFlags uint32) uint32 {
	if int32(fd) < fdRoot {
		return uint32(ErrnoSuccess)
	}

	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	return uint32(setTimes(ent.file, mtim, fstFlags, b))
}

func setTimes(f filesystem.File, mtim uint64, fstFlags uint32, b *Bridge) Errno {
	mut, ok := f.(filesystem.MutableFile)
	if !ok {
		// Advisory on nodes that do not track times.
		return ErrnoSuccess
	}

	switch {
	case fstFlags&fstflagMtimNow != 0:
		if err := mut.Chtimes(b.now()); err != nil {
			return errnoFor(err)
		}
	case fstFlags&fstflagMtim != 0:
		if err := mut.Chtimes(nsToTime(mtim)); err != nil {
			return errnoFor(err)
		}
	}

	return ErrnoSuccess
}

func (b *Bridge) fdRead(ctx context.Context, mod api.Module, fd uint32, iovs uint32, iovsLen uint32, nreadPtr uint32) uint32 {
	vecs, errno := readIOVecs(mod, iovs, iovsLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	if int32(fd) == fdStdin {
		return b.readStdinVecs(mod, vecs, nreadPtr)
	}

	if int32(fd) < fdRoot {
		return uint32(ErrnoBadf)
	}

	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	if ent.directory {
		return uint32(ErrnoIsdir)
	}

	if !ent.readable || ent.handle == nil {
		return uint32(ErrnoBadf)
	}

	var total uint32

	for _, vec := range vecs {
		if vec.length == 0 {
			continue
		}

		chunk := make([]byte, vec.length)

		n, err := ent.handle.ReadAt(chunk, int64(ent.cursor))
		if n > 0 {
			if errno := memWrite(mod, vec.ptr, chunk[:n]); errno != ErrnoSuccess {
				return uint32(errno)
			}

			ent.cursor += uint64(n)
			total += uint32(n)
		}

		if err == io.EOF {
			break
		} else if err != nil {
			return uint32(errnoFor(err))
		}

		if uint32(n) < vec.length {
			break
		}
	}

	return uint32(memWriteU32(mod, nreadPtr, total))
}

func (b *Bridge) readStdinVecs(mod api.Module, vecs []iovec, nreadPtr uint32) uint32 {
	var total uint32

	for _, vec := range vecs {
		if vec.length == 0 {
			continue
		}

		chunk := make([]byte, vec.length)

		var n int

		if total == 0 {
			var errno Errno

			n, errno = b.readStdin(chunk)
			if errno != ErrnoSuccess {
				return uint32(errno)
			}
		} else {
			// Bytes already copied into the guest must not be lost to a
			// suspension; later vectors only drain what is queued.
			n, _ = b.stdin.tryRead(chunk)
		}

		if n > 0 {
			if errno := memWrite(mod, vec.ptr, chunk[:n]); errno != ErrnoSuccess {
				return uint32(errno)
			}

			total += uint32(n)
		}

		if n == 0 || uint32(n) < vec.length {
			break
		}
	}

	return uint32(memWriteU32(mod, nreadPtr, total))
}

func (b *Bridge) fdWrite(ctx context.Context, mod api.Module, fd uint32, iovs uint32, iovsLen uint32, nwrittenPtr uint32) uint32 {
	vecs, errno := readIOVecs(mod, iovs, iovsLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	var stream io.Writer

	switch int32(fd) {
	case fdStdout:
		stream = b.stdout
	case fdStderr:
		stream = b.stderr
	case fdStdin:
		return uint32(ErrnoBadf)
	}

	if stream != nil {
		var total uint32

		for _, vec := range vecs {
			buf, errno := memRead(mod, vec.ptr, vec.length)
			if errno != ErrnoSuccess {
				return uint32(errno)
			}

			n, err := stream.Write(buf)
			total += uint32(n)

			if err != nil {
				return uint32(ErrnoIo)
			}
		}

		return uint32(memWriteU32(mod, nwrittenPtr, total))
	}

	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	if ent.directory {
		return uint32(ErrnoIsdir)
	}

	if ent.writable == nil {
		return uint32(ErrnoBadf)
	}

	if ent.append {
		info, err := ent.file.Stat()
		if err != nil {
			return uint32(errnoFor(err))
		}

		ent.cursor = uint64(info.Size())
	}

	var total uint32

	for _, vec := range vecs {
		buf, errno := memRead(mod, vec.ptr, vec.length)
		if errno != ErrnoSuccess {
			return uint32(errno)
		}

		n, err := ent.writable.WriteAt(buf, int64(ent.cursor))
		ent.cursor += uint64(n)
		total += uint32(n)

		if err != nil {
			return uint32(errnoFor(err))
		}
	}

	return uint32(memWriteU32(mod, nwrittenPtr, total))
}

func (b *Bridge) fdPread(ctx context.Context, mod api.Module, fd uint32, iovs uint32, iovsLen uint32, offset uint64, nreadPtr uint32) uint32 {
	if int32(fd) < fdRoot {
		return uint32(ErrnoSpipe)
	}

	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	if ent.directory {
		return uint32(ErrnoIsdir)
	}

	if !ent.readable || ent.handle == nil {
		return uint32(ErrnoBadf)
	}

	vecs, errno := readIOVecs(mod, iovs, iovsLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	var total uint32
	pos := offset

	for _, vec := range vecs {
		if vec.length == 0 {
			continue
		}

		chunk := make([]byte, vec.length)

		n, err := ent.handle.ReadAt(chunk, int64(pos))
		if n > 0 {
			if errno := memWrite(mod, vec.ptr, chunk[:n]); errno != ErrnoSuccess {
				return uint32(errno)
			}

			pos += uint64(n)
			total += uint32(n)
		}

		if err == io.EOF {
			break
		} else if err != nil {
			return uint32(errnoFor(err))
		}

		if uint32(n) < vec.length {
			break
		}
	}

	return uint32(memWriteU32(mod, nreadPtr, total))
}

func (b *Bridge) fdPwrite(ctx context.Context, mod api.Module, fd uint32, iovs uint32, iovsLen uint32, offset uint64, nwrittenPtr uint32) uint32 {
	if int32(fd) < fdRoot {
		return uint32(ErrnoSpipe)
	}

	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	if ent.writable == nil {
		return uint32(ErrnoBadf)
	}

	vecs, errno := readIOVecs(mod, iovs, iovsLen)
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	var total uint32
	pos := offset

	for _, vec := range vecs {
		buf, errno := memRead(mod, vec.ptr, vec.length)
		if errno != ErrnoSuccess {
			return uint32(errno)
		}

		n, err := ent.writable.WriteAt(buf, int64(pos))
		pos += uint64(n)
		total += uint32(n)

		if err != nil {
			return uint32(errnoFor(err))
		}
	}

	return uint32(memWriteU32(mod, nwrittenPtr, total))
}

const (
	whenceSet uint32 = 0
	whenceCur uint32 = 1
	whenceEnd uint32 = 2
)

func (b *Bridge) fdSeek(ctx context.Context, mod api.Module, fd uint32, offset int64, whence uint32, newOffsetPtr uint32) uint32 {
	if int32(fd) < fdRoot {
		return uint32(ErrnoSpipe)
	}

	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	if ent.directory {
		return uint32(ErrnoBadf)
	}

	var base int64

	switch whence {
	case whenceSet:
		base = 0
	case whenceCur:
		base = int64(ent.cursor)
	case whenceEnd:
		info, err := ent.file.Stat()
		if err != nil {
			return uint32(errnoFor(err))
		}

		base = info.Size()
	default:
		return uint32(ErrnoInval)
	}

	pos := base + offset
	if pos < 0 {
		return uint32(ErrnoInval)
	}

	ent.cursor = uint64(pos)

	return uint32(memWriteU64(mod, newOffsetPtr, ent.cursor))
}

func (b *Bridge) fdTell(ctx context.Context, mod api.Module, fd uint32, offsetPtr uint32) uint32 {
	if int32(fd) < fdRoot {
		return uint32(ErrnoSpipe)
	}

	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	return uint32(memWriteU64(mod, offsetPtr, ent.cursor))
}

// fdReaddir streams directory entries with a stable cookie order: "." and
// ".." first, then children in name order. The cookie is the index of the
// next entry, so repeated calls with the same cookie see the same listing
// as long as the directory is unchanged.
func (b *Bridge) fdReaddir(ctx context.Context, mod api.Module, fd uint32, buf uint32, bufLen uint32, cookie uint64, bufusedPtr uint32) uint32 {
	ent, ok := b.fds.get(int32(fd))
	if !ok {
		return uint32(ErrnoBadf)
	}

	if !ent.directory {
		return uint32(ErrnoNotdir)
	}

	dir, ok := ent.file.(filesystem.Directory)
	if !ok {
		return uint32(ErrnoNotdir)
	}

	children, err := dir.Readdir()
	if err != nil {
		return uint32(errnoFor(err))
	}

	type dirent struct {
		name     string
		ino      uint64
		filetype byte
	}

	listing := []dirent{
		{name: ".", ino: filesystem.Inode(dir), filetype: filetypeDirectory},
		{name: "..", ino: filesystem.Inode(dir), filetype: filetypeDirectory},
	}

	for _, child := range children {
		filetype := filetypeUnknown
		if info, err := child.Stat(); err == nil {
			filetype = filetypeOf(info.Kind())
		}

		listing = append(listing, dirent{
			name:     child.Name,
			ino:      filesystem.Inode(child.File),
			filetype: filetype,
		})
	}

	var used uint32

	for i := cookie; i < uint64(len(listing)); i++ {
		d := listing[i]

		header := make([]byte, direntSize)
		putU64 := func(off int, v uint64) {
			for j := 0; j < 8; j++ {
				header[off+j] = byte(v >> (8 * j))
			}
		}

		putU64(0, i+1) // d_next
		putU64(8, d.ino)
		header[16] = byte(len(d.name))
		header[17] = byte(len(d.name) >> 8)
		header[18] = byte(len(d.name) >> 16)
		header[19] = byte(len(d.name) >> 24)
		header[20] = d.filetype

		record := append(header, d.name...)

		remaining := bufLen - used
		if uint32(len(record)) > remaining {
			// Truncated tail tells the caller the buffer filled.
			if errno := memWrite(mod, buf+used, record[:remaining]); errno != ErrnoSuccess {
				return uint32(errno)
			}

			used = bufLen
			break
		}

		if errno := memWrite(mod, buf+used, record); errno != ErrnoSuccess {
			return uint32(errno)
		}

		used += uint32(len(record))
	}

	return uint32(memWriteU32(mod, bufusedPtr, used))
}

func (b *Bridge) fdPrestatGet(ctx context.Context, mod api.Module, fd uint32, buf uint32) uint32 {
	ent, ok := b.fds.get(int32(fd))
	if !ok || !ent.preopened {
		return uint32(ErrnoBadf)
	}

	if errno := memWriteU32(mod, buf, 0); errno != ErrnoSuccess {
		return uint32(errno)
	}

	return uint32(memWriteU32(mod, buf+4, uint32(len(ent.path))))
}

func (b *Bridge) fdPrestatDirName(ctx context.Context, mod api.Module, fd uint32, pathPtr uint32, pathLen uint32) uint32 {
	ent, ok := b.fds.get(int32(fd))
	if !ok || !ent.preopened {
		return uint32(ErrnoBadf)
	}

	if pathLen < uint32(len(ent.path)) {
		return uint32(ErrnoNametoolong)
	}

	return uint32(memWrite(mod, pathPtr, []byte(ent.path)))
}
