package wasi

import (
	"errors"
	"io/fs"

	"github.com/coralsh/coral/pkg/filesystem"
)

// Errno is a WASI preview1 error code. Zero is success. Handlers return
// Errno values at the ABI surface instead of Go errors.
type Errno uint32

const (
	ErrnoSuccess     Errno = 0
	ErrnoAcces       Errno = 2
	ErrnoAgain       Errno = 6
	ErrnoBadf        Errno = 8
	ErrnoExist       Errno = 20
	ErrnoFault       Errno = 21
	ErrnoIntr        Errno = 27
	ErrnoInval       Errno = 28
	ErrnoIo          Errno = 29
	ErrnoIsdir       Errno = 31
	ErrnoLoop        Errno = 32
	ErrnoNametoolong Errno = 37
	ErrnoNoent       Errno = 44
	ErrnoNosys       Errno = 52
	ErrnoNotdir      Errno = 54
	ErrnoNotempty    Errno = 55
	ErrnoNotsup      Errno = 58
	ErrnoPerm        Errno = 63
	ErrnoRofs        Errno = 69
	ErrnoSpipe       Errno = 70
)

func (e Errno) String() string {
	switch e {
	case ErrnoSuccess:
		return "ESUCCESS"
	case ErrnoAcces:
		return "EACCES"
	case ErrnoAgain:
		return "EAGAIN"
	case ErrnoBadf:
		return "EBADF"
	case ErrnoExist:
		return "EEXIST"
	case ErrnoFault:
		return "EFAULT"
	case ErrnoIntr:
		return "EINTR"
	case ErrnoInval:
		return "EINVAL"
	case ErrnoIo:
		return "EIO"
	case ErrnoIsdir:
		return "EISDIR"
	case ErrnoLoop:
		return "ELOOP"
	case ErrnoNametoolong:
		return "ENAMETOOLONG"
	case ErrnoNoent:
		return "ENOENT"
	case ErrnoNosys:
		return "ENOSYS"
	case ErrnoNotdir:
		return "ENOTDIR"
	case ErrnoNotempty:
		return "ENOTEMPTY"
	case ErrnoNotsup:
		return "ENOTSUP"
	case ErrnoPerm:
		return "EPERM"
	case ErrnoRofs:
		return "EROFS"
	case ErrnoSpipe:
		return "ESPIPE"
	default:
		return "EIO"
	}
}

// errnoFor maps a virtual filesystem error onto an errno. It is total:
// anything unrecognized becomes a generic I/O error rather than escaping as
// a host exception.
func errnoFor(err error) Errno {
	switch {
	case err == nil:
		return ErrnoSuccess
	case errors.Is(err, fs.ErrNotExist):
		return ErrnoNoent
	case errors.Is(err, fs.ErrExist):
		return ErrnoExist
	case errors.Is(err, fs.ErrPermission):
		return ErrnoAcces
	case errors.Is(err, fs.ErrInvalid):
		return ErrnoInval
	case errors.Is(err, fs.ErrClosed):
		return ErrnoBadf
	case errors.Is(err, filesystem.ErrNotDirectory):
		return ErrnoNotdir
	case errors.Is(err, filesystem.ErrIsDirectory):
		return ErrnoIsdir
	case errors.Is(err, filesystem.ErrNotEmpty):
		return ErrnoNotempty
	case errors.Is(err, filesystem.ErrLoop):
		return ErrnoLoop
	case errors.Is(err, filesystem.ErrReadOnly):
		return ErrnoRofs
	default:
		return ErrnoIo
	}
}
