package wasi

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/coralsh/coral/pkg/filesystem"
)

// hostModuleName is the import namespace the sandboxed binary expects.
const hostModuleName = "wasi_snapshot_preview1"

// auxModuleName carries the small set of host calls outside the standard
// surface (process identity).
const auxModuleName = "coral"

// SuspendMode controls whether empty reads from the input queue may park
// the call until data arrives.
type SuspendMode int

const (
	// SuspendAuto enables suspension unless the module declares an
	// asyncify-style export set, in which case the module manages its own
	// unwinding and the bridge only parks between unwind and rewind.
	SuspendAuto SuspendMode = iota
	SuspendAlways
	SuspendNever
)

type Options struct {
	Root filesystem.Directory

	Args    []string
	Environ []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Pid int

	Suspend SuspendMode

	// Linear memory limit in 64KiB pages. Zero means no explicit cap.
	MemoryLimitPages uint32
}

// Bridge presents a POSIX-like ABI to a sandboxed binary, backed entirely
// by the virtual filesystem and the owning process's streams.
type Bridge struct {
	root    filesystem.Directory
	args    []string
	environ []string

	stdin  *inputPump
	stdout io.Writer
	stderr io.Writer

	fds *fdTable
	pid int

	suspendMode    SuspendMode
	suspendCapable bool
	susp           suspension

	memoryLimitPages uint32

	now   func() time.Time
	start time.Time
}

func New(opts Options) *Bridge {
	b := &Bridge{
		root:             opts.Root,
		args:             opts.Args,
		environ:          opts.Environ,
		stdin:            newInputPump(opts.Stdin),
		stdout:           opts.Stdout,
		stderr:           opts.Stderr,
		fds:              newFDTable(opts.Root),
		pid:              opts.Pid,
		suspendMode:      opts.Suspend,
		memoryLimitPages: opts.MemoryLimitPages,
		now:              time.Now,
		start:            time.Now(),
	}

	if b.stdout == nil {
		b.stdout = io.Discard
	}
	if b.stderr == nil {
		b.stderr = io.Discard
	}

	return b
}

// SuspendState exposes the blocking-emulation state machine; a pending
// suspension is observable as plain state.
func (b *Bridge) SuspendState() SuspendState {
	return b.susp.current()
}

// Interrupt cancels the input subscription, unblocking any pending
// read-wait without closing shared streams.
func (b *Bridge) Interrupt() {
	b.stdin.interrupt()
}

// CloseInput signals end-of-input: pending and future reads observe EOF
// once the queue drains.
func (b *Bridge) CloseInput() {
	b.stdin.closeInput()
}

// Close releases every handle in the virtual descriptor table.
func (b *Bridge) Close() {
	b.fds.closeAll()
}

func (b *Bridge) instantiateHost(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder(hostModuleName)

	type export struct {
		name string
		fn   any
	}

	for _, e := range []export{
		{"args_get", b.argsGet},
		{"args_sizes_get", b.argsSizesGet},
		{"environ_get", b.environGet},
		{"environ_sizes_get", b.environSizesGet},
		{"clock_res_get", b.clockResGet},
		{"clock_time_get", b.clockTimeGet},
		{"fd_advise", b.fdAdvise},
		{"fd_close", b.fdClose},
		{"fd_datasync", b.fdDatasync},
		{"fd_fdstat_get", b.fdFdstatGet},
		{"fd_fdstat_set_flags", b.fdFdstatSetFlags},
		{"fd_filestat_get", b.fdFilestatGet},
		{"fd_filestat_set_size", b.fdFilestatSetSize},
		{"fd_filestat_set_times", b.fdFilestatSetTimes},
		{"fd_pread", b.fdPread},
		{"fd_prestat_get", b.fdPrestatGet},
		{"fd_prestat_dir_name", b.fdPrestatDirName},
		{"fd_pwrite", b.fdPwrite},
		{"fd_read", b.fdRead},
		{"fd_readdir", b.fdReaddir},
		{"fd_seek", b.fdSeek},
		{"fd_sync", b.fdSync},
		{"fd_tell", b.fdTell},
		{"fd_write", b.fdWrite},
		{"path_create_directory", b.pathCreateDirectory},
		{"path_filestat_get", b.pathFilestatGet},
		{"path_filestat_set_times", b.pathFilestatSetTimes},
		{"path_link", b.pathLink},
		{"path_open", b.pathOpen},
		{"path_readlink", b.pathReadlink},
		{"path_remove_directory", b.pathRemoveDirectory},
		{"path_rename", b.pathRename},
		{"path_symlink", b.pathSymlink},
		{"path_unlink_file", b.pathUnlinkFile},
		{"poll_oneoff", b.pollOneoff},
		{"proc_exit", b.procExit},
		{"random_get", b.randomGet},
		{"sched_yield", b.schedYield},
	} {
		builder = builder.NewFunctionBuilder().WithFunc(e.fn).Export(e.name)
	}

	if _, err := builder.Instantiate(ctx); err != nil {
		return err
	}

	if _, err := rt.NewHostModuleBuilder(auxModuleName).
		NewFunctionBuilder().WithFunc(b.procID).Export("proc_id").
		Instantiate(ctx); err != nil {
		return err
	}

	return nil
}

// entryCandidates is the probe order for the best-effort dynamic entry
// point used by bare modules that do not follow the command ABI.
var entryCandidates = []string{"_start", "_initialize", "main", "run"}

// Run instantiates the module and executes its command entry point,
// returning the program's exit code.
func (b *Bridge) Run(ctx context.Context, contents []byte) (int, error) {
	return b.run(ctx, contents, false)
}

// RunDynamic executes a bare module through an ABI-agnostic entry point:
// the first exported function from the candidate list, called with no
// arguments.
func (b *Bridge) RunDynamic(ctx context.Context, contents []byte) (int, error) {
	return b.run(ctx, contents, true)
}

func (b *Bridge) run(ctx context.Context, contents []byte, dynamic bool) (int, error) {
	defer b.Close()

	runtimeConfig := wazero.NewRuntimeConfig()
	if b.memoryLimitPages > 0 {
		runtimeConfig = runtimeConfig.WithMemoryLimitPages(b.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	defer rt.Close(ctx)

	if err := b.instantiateHost(ctx, rt); err != nil {
		return -1, fmt.Errorf("failed to install host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, contents)
	if err != nil {
		return -1, fmt.Errorf("failed to compile module: %w", err)
	}

	b.suspendCapable = b.detectSuspension(compiled)

	config := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions() // entry points are invoked explicitly below

	mod, err := rt.InstantiateModule(ctx, compiled, config)
	if err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok {
			return int(exitErr.ExitCode()), nil
		}

		return -1, fmt.Errorf("failed to instantiate module: %w", err)
	}
	defer mod.Close(ctx)

	entry := mod.ExportedFunction("_start")
	if dynamic {
		entry = nil
		for _, name := range entryCandidates {
			if fn := mod.ExportedFunction(name); fn != nil {
				entry = fn
				break
			}
		}
	}

	if entry == nil {
		return -1, fmt.Errorf("wasm: no start function found")
	}

	if _, err := entry.Call(ctx); err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok {
			return int(exitErr.ExitCode()), nil
		}

		return -1, fmt.Errorf("failed to call start: %w", err)
	}

	return 0, nil
}

func (b *Bridge) detectSuspension(compiled wazero.CompiledModule) bool {
	switch b.suspendMode {
	case SuspendAlways:
		return true
	case SuspendNever:
		return false
	}

	// Asyncify-instrumented modules coordinate their own unwind/rewind and
	// expect the host to return control promptly; everything else runs on a
	// goroutine the host is free to park.
	for name := range compiled.ExportedFunctions() {
		if name == "asyncify_start_unwind" {
			return false
		}
	}

	return true
}

// Memory access helpers. The module's memory may be replaced on growth, so
// every call resolves the current view through mod.Memory(); nothing is
// cached across syscalls.

func memRead(mod api.Module, ptr uint32, length uint32) ([]byte, Errno) {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, ErrnoFault
	}

	return buf, ErrnoSuccess
}

func memWrite(mod api.Module, ptr uint32, contents []byte) Errno {
	if !mod.Memory().Write(ptr, contents) {
		return ErrnoFault
	}

	return ErrnoSuccess
}

func memWriteU32(mod api.Module, ptr uint32, v uint32) Errno {
	if !mod.Memory().WriteUint32Le(ptr, v) {
		return ErrnoFault
	}

	return ErrnoSuccess
}

func memWriteU64(mod api.Module, ptr uint32, v uint64) Errno {
	if !mod.Memory().WriteUint64Le(ptr, v) {
		return ErrnoFault
	}

	return ErrnoSuccess
}

func memWriteByte(mod api.Module, ptr uint32, v byte) Errno {
	if !mod.Memory().WriteByte(ptr, v) {
		return ErrnoFault
	}

	return ErrnoSuccess
}

type iovec struct {
	ptr    uint32
	length uint32
}

func readIOVecs(mod api.Module, iovs uint32, count uint32) ([]iovec, Errno) {
	ret := make([]iovec, 0, count)

	for i := uint32(0); i < count; i++ {
		base := iovs + i*8

		ptr, ok := mod.Memory().ReadUint32Le(base)
		if !ok {
			return nil, ErrnoFault
		}

		length, ok := mod.Memory().ReadUint32Le(base + 4)
		if !ok {
			return nil, ErrnoFault
		}

		ret = append(ret, iovec{ptr: ptr, length: length})
	}

	return ret, ErrnoSuccess
}

func readPath(mod api.Module, ptr uint32, length uint32) (string, Errno) {
	buf, errno := memRead(mod, ptr, length)
	if errno != ErrnoSuccess {
		return "", errno
	}

	return string(buf), ErrnoSuccess
}
