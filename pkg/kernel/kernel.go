package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/coralsh/coral/pkg/filesystem"
	"github.com/coralsh/coral/pkg/kernel/resolve"
	"github.com/coralsh/coral/pkg/kernel/shared"
	"github.com/coralsh/coral/pkg/wasi"
)

// DispatchFailure is the exit code reported when no process could be
// started at all: unresolvable command, unreadable header, no execution
// strategy.
const DispatchFailure = 127

const defaultRunDir = "/run"

type Params struct {
	Root filesystem.Directory

	// RunDir holds per-command pid marker directories. Defaults to /run.
	RunDir string

	// Env is the baseline environment inherited by dispatches that do not
	// carry their own.
	Env shared.Environment

	// Uid and Gid are assigned to every process.
	Uid int
	Gid int

	Listener Listener
}

// Kernel owns the root filesystem, the process arena and the built-in
// command registry. It is the single dispatch point for every program the
// system runs.
type Kernel struct {
	mu sync.Mutex

	root   filesystem.Directory
	runDir string
	bootID string

	uid int
	gid int

	env      shared.Environment
	listener Listener

	processes map[int]*Process
	nextPid   int

	commands map[string]shared.Program
}

func New(params Params) (*Kernel, error) {
	if params.Root == nil {
		return nil, fmt.Errorf("kernel: no root filesystem")
	}

	runDir := params.RunDir
	if runDir == "" {
		runDir = defaultRunDir
	}

	env := params.Env
	if env == nil {
		env = make(shared.Environment)
	}

	k := &Kernel{
		root:      params.Root,
		runDir:    runDir,
		bootID:    uuid.NewString(),
		uid:       params.Uid,
		gid:       params.Gid,
		env:       env,
		listener:  params.Listener,
		processes: make(map[int]*Process),
		nextPid:   1,
		commands:  make(map[string]shared.Program),
	}

	if _, err := filesystem.MkdirAll(k.root, runDir); err != nil {
		return nil, fmt.Errorf("failed to create run dir: %w", err)
	}

	return k, nil
}

func (k *Kernel) Root() filesystem.Directory { return k.root }

func (k *Kernel) BootID() string { return k.bootID }

// Register installs a built-in program under /bin. The program appears in
// the filesystem as its own node, so path lookup and resolution find it
// like any other executable.
func (k *Kernel) Register(prog shared.Program) error {
	k.mu.Lock()
	k.commands[prog.Name()] = prog
	k.mu.Unlock()

	if _, err := filesystem.MkdirAll(k.root, "/bin"); err != nil {
		return err
	}

	return filesystem.CreateChild(k.root, path.Join("/bin", prog.Name()), prog)
}

// Process returns the registered process for pid.
func (k *Kernel) Process(pid int) (*Process, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	proc, ok := k.processes[pid]

	return proc, ok
}

// Processes snapshots the arena in pid order.
func (k *Kernel) Processes() []*Process {
	k.mu.Lock()
	defer k.mu.Unlock()

	ret := make([]*Process, 0, len(k.processes))
	for _, proc := range k.processes {
		ret = append(ret, proc)
	}

	return ret
}

func (k *Kernel) notify(n Notification) {
	if k.listener != nil {
		k.listener(n)
	}
}

func (k *Kernel) deregister(pid int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.processes, pid)
}

type ExecRequest struct {
	// Argv[0] is the command: a bare name looked up in /bin or a path
	// containing a slash.
	Argv []string

	Cwd string

	// Env is the caller's environment. The dispatch writes the exit code
	// into its "?" slot.
	Env shared.Environment

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// StdinIsTTY/StdoutIsTTY describe the outermost terminal. They only
	// apply when the corresponding stream is inherited from it.
	StdinIsTTY  bool
	StdoutIsTTY bool

	// KeepAlive processes stay registered after their entry returns and
	// leave a pid marker while running.
	KeepAlive bool

	// parent is the spawning process's pid, zero for top-level dispatches.
	parent int
}

// Dispatch resolves Argv[0], creates a process and runs it under the
// strategy for the resolved program type. The exit code is returned and
// also written to the caller environment's "?" slot. Failures before a
// process starts report DispatchFailure.
func (k *Kernel) Dispatch(ctx context.Context, req ExecRequest) (int, error) {
	code, err := k.dispatch(ctx, req)

	if req.Env != nil {
		req.Env.Set("?", strconv.Itoa(code))
	}

	return code, err
}

func (k *Kernel) dispatch(ctx context.Context, req ExecRequest) (int, error) {
	if len(req.Argv) == 0 {
		return DispatchFailure, fmt.Errorf("kernel: empty command")
	}

	if req.Cwd == "" {
		req.Cwd = "/"
	}

	target := req.Argv[0]
	if !strings.Contains(target, "/") {
		target = path.Join("/bin", target)
	} else if !path.IsAbs(target) {
		target = path.Join(req.Cwd, target)
	}

	t, err := resolve.Detect(k.root, target)
	if err != nil {
		return DispatchFailure, fmt.Errorf("failed to resolve %s: %w", req.Argv[0], err)
	}

	slog.Debug("dispatch", "command", req.Argv[0], "target", target, "kind", t.Kind)

	switch t.Kind {
	case resolve.KindNotFound:
		return DispatchFailure, fmt.Errorf("%s: command not found", req.Argv[0])
	case resolve.KindCommand:
		prog, ok := k.lookupCommand(t.Name)
		if !ok {
			return DispatchFailure, fmt.Errorf("%s: not a registered command", t.Name)
		}

		return k.runProcess(ctx, req, func(proc *Process) error {
			return prog.Run(proc, req.Argv)
		})
	case resolve.KindScript:
		if len(t.Interpreter) > 0 {
			return k.runInterpreter(ctx, req, t.Interpreter)
		}

		return k.runProcess(ctx, req, func(proc *Process) error {
			return runScript(proc, target, req.Argv)
		})
	case resolve.KindInterpreted:
		return k.runInterpreter(ctx, req, t.Interpreter)
	case resolve.KindBinary:
		return k.runProcess(ctx, req, func(proc *Process) error {
			return k.runBinary(ctx, proc, target, req.Argv, false)
		})
	case resolve.KindApp:
		return k.runProcess(ctx, req, func(proc *Process) error {
			return k.runBinary(ctx, proc, target, req.Argv, true)
		})
	default:
		return DispatchFailure, fmt.Errorf("%s: cannot execute %s content", req.Argv[0], t.Kind)
	}
}

func (k *Kernel) lookupCommand(name string) (shared.Program, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	prog, ok := k.commands[name]

	return prog, ok
}

// runInterpreter re-dispatches through the interpreter's own argv,
// appending the original command line.
func (k *Kernel) runInterpreter(ctx context.Context, req ExecRequest, interpreter []string) (int, error) {
	if len(interpreter) == 0 {
		return DispatchFailure, fmt.Errorf("%s: no interpreter", req.Argv[0])
	}

	argv := append(append([]string{}, interpreter...), req.Argv...)

	child := req
	child.Argv = argv

	return k.dispatch(ctx, child)
}

// runProcess allocates a pid, registers the process and runs entry under
// the process state machine.
func (k *Kernel) runProcess(ctx context.Context, req ExecRequest, entry func(proc *Process) error) (int, error) {
	env := req.Env
	if env == nil {
		env = k.env.Clone()
	}

	k.mu.Lock()

	pid := k.nextPid
	k.nextPid++

	proc := &Process{
		kernel:      k,
		ctx:         ctx,
		pid:         pid,
		parent:      req.parent,
		uid:         k.uid,
		gid:         k.gid,
		command:     path.Base(req.Argv[0]),
		cwd:         req.Cwd,
		env:         env,
		stdin:       req.Stdin,
		stdout:      req.Stdout,
		stderr:      req.Stderr,
		stdinIsTTY:  req.StdinIsTTY,
		stdoutIsTTY: req.StdoutIsTTY,
		keepAlive:   req.KeepAlive,
	}

	if proc.stdout == nil {
		proc.stdout = io.Discard
	}
	if proc.stderr == nil {
		proc.stderr = io.Discard
	}

	k.processes[pid] = proc

	k.mu.Unlock()

	code := proc.run(func() error {
		return entry(proc)
	})

	return code, nil
}

// runBinary executes a sandboxed module through the syscall bridge.
// Dynamic entry is the best-effort path for bare modules that do not
// follow the command ABI.
func (k *Kernel) runBinary(ctx context.Context, proc *Process, target string, argv []string, dynamic bool) error {
	handle, err := proc.Open(target)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", target, err)
	}

	contents, err := io.ReadAll(handle)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", target, err)
	}

	bridge := wasi.New(wasi.Options{
		Root:    k.root,
		Args:    argv,
		Environ: proc.Environ().Flatten(),
		Stdin:   proc.Stdin(),
		Stdout:  NewSerialWriter(proc.Stdout()),
		Stderr:  NewSerialWriter(proc.Stderr()),
		Pid:     proc.Pid(),
	})

	var code int
	if dynamic {
		code, err = bridge.RunDynamic(ctx, contents)
	} else {
		code, err = bridge.Run(ctx, contents)
	}
	if err != nil {
		return err
	}

	if code != 0 {
		return &shared.ExitError{Code: code}
	}

	return nil
}
