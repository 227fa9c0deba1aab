package wasi

import (
	"context"
	"crypto/rand"
	"runtime"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

const (
	clockRealtime  uint32 = 0
	clockMonotonic uint32 = 1
)

func (b *Bridge) argsGet(ctx context.Context, mod api.Module, argv uint32, argvBuf uint32) uint32 {
	return uint32(writeStringList(mod, b.args, argv, argvBuf))
}

func (b *Bridge) argsSizesGet(ctx context.Context, mod api.Module, argc uint32, argvBufSize uint32) uint32 {
	count, size := stringListSizes(b.args)

	if errno := memWriteU32(mod, argc, count); errno != ErrnoSuccess {
		return uint32(errno)
	}

	return uint32(memWriteU32(mod, argvBufSize, size))
}

func (b *Bridge) environGet(ctx context.Context, mod api.Module, environ uint32, environBuf uint32) uint32 {
	return uint32(writeStringList(mod, b.environ, environ, environBuf))
}

func (b *Bridge) environSizesGet(ctx context.Context, mod api.Module, count uint32, bufSize uint32) uint32 {
	n, size := stringListSizes(b.environ)

	if errno := memWriteU32(mod, count, n); errno != ErrnoSuccess {
		return uint32(errno)
	}

	return uint32(memWriteU32(mod, bufSize, size))
}

func stringListSizes(list []string) (count uint32, bufSize uint32) {
	for _, s := range list {
		bufSize += uint32(len(s)) + 1
	}

	return uint32(len(list)), bufSize
}

// writeStringList lays out a NUL-terminated string table: ptrs receives one
// pointer per string, buf receives the packed bytes.
func writeStringList(mod api.Module, list []string, ptrs uint32, buf uint32) Errno {
	for i, s := range list {
		if errno := memWriteU32(mod, ptrs+uint32(i)*4, buf); errno != ErrnoSuccess {
			return errno
		}

		if errno := memWrite(mod, buf, append([]byte(s), 0)); errno != ErrnoSuccess {
			return errno
		}

		buf += uint32(len(s)) + 1
	}

	return ErrnoSuccess
}

func (b *Bridge) clockResGet(ctx context.Context, mod api.Module, id uint32, resPtr uint32) uint32 {
	switch id {
	case clockRealtime, clockMonotonic:
		return uint32(memWriteU64(mod, resPtr, uint64(time.Millisecond)))
	default:
		return uint32(ErrnoInval)
	}
}

func (b *Bridge) clockTimeGet(ctx context.Context, mod api.Module, id uint32, precision uint64, timePtr uint32) uint32 {
	var now uint64

	switch id {
	case clockRealtime:
		now = uint64(b.now().UnixNano())
	case clockMonotonic:
		now = uint64(b.now().Sub(b.start))
	default:
		return uint32(ErrnoInval)
	}

	return uint32(memWriteU64(mod, timePtr, now))
}

func (b *Bridge) randomGet(ctx context.Context, mod api.Module, buf uint32, bufLen uint32) uint32 {
	contents := make([]byte, bufLen)
	if _, err := rand.Read(contents); err != nil {
		return uint32(ErrnoIo)
	}

	return uint32(memWrite(mod, buf, contents))
}

func (b *Bridge) schedYield(ctx context.Context, mod api.Module) uint32 {
	runtime.Gosched()

	return uint32(ErrnoSuccess)
}

func (b *Bridge) procExit(ctx context.Context, mod api.Module, code uint32) {
	_ = mod.CloseWithExitCode(ctx, code)

	// Unwinds the guest call stack; the runner converts the exit error back
	// into a plain exit code.
	panic(sys.NewExitError(code))
}

func (b *Bridge) procID(ctx context.Context, mod api.Module) uint32 {
	return uint32(b.pid)
}

// poll_oneoff subscription/event layout offsets.
const (
	subscriptionSize uint32 = 48
	eventSize        uint32 = 32

	eventTypeClock   byte = 0
	eventTypeFDRead  byte = 1
	eventTypeFDWrite byte = 2
)

type subscription struct {
	userdata uint64
	tag      byte

	// clock
	timeout time.Duration

	// fd_read / fd_write
	fd int32
}

func readSubscription(mod api.Module, base uint32) (subscription, Errno) {
	var sub subscription

	userdata, ok := mod.Memory().ReadUint64Le(base)
	if !ok {
		return sub, ErrnoFault
	}

	tag, ok := mod.Memory().ReadByte(base + 8)
	if !ok {
		return sub, ErrnoFault
	}

	sub.userdata = userdata
	sub.tag = tag

	switch tag {
	case eventTypeClock:
		timeout, ok := mod.Memory().ReadUint64Le(base + 24)
		if !ok {
			return sub, ErrnoFault
		}

		sub.timeout = time.Duration(timeout)
	case eventTypeFDRead, eventTypeFDWrite:
		fd, ok := mod.Memory().ReadUint32Le(base + 16)
		if !ok {
			return sub, ErrnoFault
		}

		sub.fd = int32(fd)
	default:
		return sub, ErrnoInval
	}

	return sub, ErrnoSuccess
}

func writeEvent(mod api.Module, base uint32, sub subscription, nbytes uint64) Errno {
	if errno := memWriteU64(mod, base, sub.userdata); errno != ErrnoSuccess {
		return errno
	}

	// errno u16 then event type.
	if errno := memWrite(mod, base+8, []byte{0, 0}); errno != ErrnoSuccess {
		return errno
	}

	if errno := memWriteByte(mod, base+10, sub.tag); errno != ErrnoSuccess {
		return errno
	}

	if sub.tag == eventTypeFDRead || sub.tag == eventTypeFDWrite {
		if errno := memWriteU64(mod, base+16, nbytes); errno != ErrnoSuccess {
			return errno
		}

		if errno := memWrite(mod, base+24, []byte{0, 0}); errno != ErrnoSuccess {
			return errno
		}
	}

	return ErrnoSuccess
}

// pollOneoff covers the cases sandboxed programs actually hit: sleeping on
// a clock, waiting for input, and probing output writability. Write
// descriptors are always ready and reads on anything but the input stream
// are treated as ready so callers fall through to fd_read.
func (b *Bridge) pollOneoff(ctx context.Context, mod api.Module, inPtr uint32, outPtr uint32, nsubscriptions uint32, neventsPtr uint32) uint32 {
	if nsubscriptions == 0 {
		return uint32(ErrnoInval)
	}

	subs := make([]subscription, 0, nsubscriptions)

	for i := uint32(0); i < nsubscriptions; i++ {
		sub, errno := readSubscription(mod, inPtr+i*subscriptionSize)
		if errno != ErrnoSuccess {
			return uint32(errno)
		}

		subs = append(subs, sub)
	}

	writeReady := func() (nevents uint32, errno Errno) {
		for _, sub := range subs {
			ready := false
			var nbytes uint64

			switch sub.tag {
			case eventTypeFDWrite:
				ready = true
			case eventTypeFDRead:
				if sub.fd == fdStdin {
					pending := b.stdin.pending()
					if pending > 0 {
						ready = true
						nbytes = uint64(pending)
					} else if _, eof := b.stdin.tryRead(nil); eof {
						ready = true
					}
				} else {
					ready = true
				}
			}

			if ready {
				if errno := writeEvent(mod, outPtr+nevents*eventSize, sub, nbytes); errno != ErrnoSuccess {
					return 0, errno
				}

				nevents++
			}
		}

		return nevents, ErrnoSuccess
	}

	nevents, errno := writeReady()
	if errno != ErrnoSuccess {
		return uint32(errno)
	}

	if nevents == 0 {
		// Nothing ready yet. Sleep on the shortest clock if one was
		// submitted, otherwise park on the input queue.
		var shortest *subscription

		for i := range subs {
			if subs[i].tag != eventTypeClock {
				continue
			}

			if shortest == nil || subs[i].timeout < shortest.timeout {
				shortest = &subs[i]
			}
		}

		if shortest != nil {
			time.Sleep(shortest.timeout)

			if errno := writeEvent(mod, outPtr, *shortest, 0); errno != ErrnoSuccess {
				return uint32(errno)
			}

			nevents = 1
		} else {
			if !b.suspendCapable {
				return uint32(ErrnoAgain)
			}

			token := b.susp.suspend()
			interrupted := b.stdin.wait()
			b.susp.resume(token)
			defer b.susp.complete()

			if interrupted {
				return uint32(ErrnoIntr)
			}

			nevents, errno = writeReady()
			if errno != ErrnoSuccess {
				return uint32(errno)
			}
		}
	}

	return uint32(memWriteU32(mod, neventsPtr, nevents))
}
