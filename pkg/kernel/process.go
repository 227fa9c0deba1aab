package kernel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"runtime/debug"
	"strconv"

	"github.com/coralsh/coral/pkg/filesystem"
	"github.com/coralsh/coral/pkg/kernel/shared"
)

type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusPaused
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusExited:
		return "exited"
	default:
		return "<unknown>"
	}
}

type Event int

const (
	EventStart Event = iota
	EventPause
	EventResume
	EventExit
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventExit:
		return "exit"
	default:
		return "<unknown>"
	}
}

type Notification struct {
	Pid     int
	Command string
	Event   Event

	// ExitCode is meaningful only for EventExit.
	ExitCode int
}

type Listener func(Notification)

// Process is a single dispatched program: its streams, environment,
// working directory and tracked file handles. The descriptor table and
// stream ownership are private to the process; nothing is shared across
// pids.
type Process struct {
	kernel *Kernel
	ctx    context.Context

	pid    int
	parent int // 0 for top-level dispatches
	uid    int
	gid    int

	command string
	cwd     string
	env     shared.Environment

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	stdinIsTTY  bool
	stdoutIsTTY bool

	keepAlive bool

	status   Status
	exitCode int

	tracked   []filesystem.FileHandle
	cleanedUp bool

	markerPath string
}

var (
	_ shared.Process = &Process{}
)

// Read implements io.Reader against the process's input stream.
func (p *Process) Read(buf []byte) (int, error) {
	if p.stdin == nil {
		return 0, io.EOF
	}

	return p.stdin.Read(buf)
}

// Write implements io.Writer against the process's output stream.
func (p *Process) Write(buf []byte) (int, error) {
	return p.stdout.Write(buf)
}

func (p *Process) Pid() int         { return p.pid }
func (p *Process) Parent() int      { return p.parent }
func (p *Process) Uid() int         { return p.uid }
func (p *Process) Gid() int         { return p.gid }
func (p *Process) Command() string  { return p.command }
func (p *Process) Getwd() string    { return p.cwd }
func (p *Process) Status() Status   { return p.status }
func (p *Process) ExitCode() int    { return p.exitCode }
func (p *Process) KeepAlive() bool  { return p.keepAlive }

func (p *Process) Stdin() io.Reader  { return p.stdin }
func (p *Process) Stdout() io.Writer { return p.stdout }
func (p *Process) Stderr() io.Writer { return p.stderr }

func (p *Process) StdinIsTTY() bool  { return p.stdinIsTTY }
func (p *Process) StdoutIsTTY() bool { return p.stdoutIsTTY }

func (p *Process) Root() filesystem.Directory { return p.kernel.root }

// Resolve makes a name absolute against the working directory.
func (p *Process) Resolve(name string) string {
	if path.IsAbs(name) {
		return path.Clean(name)
	}

	return path.Join(p.cwd, name)
}

func (p *Process) Chdir(name string) error {
	target := p.Resolve(name)

	ent, err := filesystem.Resolve(p.kernel.root, target)
	if err != nil {
		return err
	}

	if _, ok := ent.File.(filesystem.Directory); !ok {
		return filesystem.ErrNotDirectory
	}

	p.cwd = target

	return nil
}

func (p *Process) Getenv(name string) string { return p.env.Get(name) }

func (p *Process) Setenv(name string, value string) { p.env.Set(name, value) }

func (p *Process) Environ() shared.Environment { return p.env }

// Open returns a read handle tracked by the process so cleanup closes it
// even if the caller forgets.
func (p *Process) Open(name string) (filesystem.FileHandle, error) {
	ent, err := filesystem.Resolve(p.kernel.root, p.Resolve(name))
	if err != nil {
		return nil, err
	}

	handle, err := ent.Open()
	if err != nil {
		return nil, err
	}

	p.tracked = append(p.tracked, handle)

	return handle, nil
}

func (p *Process) Stat(name string) (filesystem.FileInfo, error) {
	ent, err := filesystem.Resolve(p.kernel.root, p.Resolve(name))
	if err != nil {
		return nil, err
	}

	return ent.Stat()
}

// Spawn implements shared.Process by dispatching a child program through
// the owning kernel. Streams default to the parent's when nil.
func (p *Process) Spawn(cwd string, argv []string, env map[string]string, stdin io.Reader, stdout io.Writer, stderr io.Writer) (int, error) {
	if cwd == "" {
		cwd = p.cwd
	}

	// A redirected stream is never a terminal; only streams inherited from
	// the parent carry its TTY flags.
	stdinIsTTY := (stdin == nil || stdin == p.stdin) && p.stdinIsTTY
	stdoutIsTTY := (stdout == nil || stdout == p.stdout) && p.stdoutIsTTY

	if stdin == nil {
		stdin = p.stdin
	}
	if stdout == nil {
		stdout = p.stdout
	}
	if stderr == nil {
		stderr = p.stderr
	}

	childEnv := p.env.Clone()
	for k, v := range env {
		childEnv.Set(k, v)
	}

	code, err := p.kernel.Dispatch(p.ctx, ExecRequest{
		Argv:        argv,
		Cwd:         cwd,
		Env:         childEnv,
		Stdin:       stdin,
		Stdout:      stdout,
		Stderr:      stderr,
		StdinIsTTY:  stdinIsTTY,
		StdoutIsTTY: stdoutIsTTY,
		parent:      p.pid,
	})

	// The child env is a discarded clone; the status lands in the caller's
	// own environment.
	p.env.Set("?", strconv.Itoa(code))

	return code, err
}

// run executes the entry closure under the process state machine. A panic
// inside the entry is logged and converted to exit code 1; cleanup still
// runs.
func (p *Process) run(entry func() error) int {
	p.status = StatusRunning
	p.kernel.notify(Notification{Pid: p.pid, Command: p.command, Event: EventStart})

	slog.Debug("process started", "pid", p.pid, "command", p.command)

	if p.keepAlive {
		if err := p.writeMarker(); err != nil {
			slog.Warn("failed to write pid marker", "pid", p.pid, "error", err)
		}
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("process panicked", "pid", p.pid, "command", p.command, "error", r)
				slog.Debug("panic trace", "stack", string(debug.Stack()))

				err = fmt.Errorf("process panicked: %v", r)
			}
		}()

		return entry()
	}()

	code := shared.ExitCode(err)
	if err != nil {
		if _, ok := err.(*shared.ExitError); !ok {
			slog.Debug("process failed", "pid", p.pid, "command", p.command, "error", err)
		}
	}

	if p.keepAlive {
		// Init-style processes stay registered after their entry returns.
		p.exitCode = code
		return code
	}

	p.Exit(code)

	return code
}

// Pause flips a running process to paused. The transition is advisory;
// no work is actually suspended.
func (p *Process) Pause() error {
	if p.status != StatusRunning {
		return fmt.Errorf("cannot pause process in state %s", p.status)
	}

	p.status = StatusPaused
	p.kernel.notify(Notification{Pid: p.pid, Command: p.command, Event: EventPause})

	return nil
}

func (p *Process) Resume() error {
	if p.status != StatusPaused {
		return fmt.Errorf("cannot resume process in state %s", p.status)
	}

	p.status = StatusRunning
	p.kernel.notify(Notification{Pid: p.pid, Command: p.command, Event: EventResume})

	return nil
}

// Exit records the exit code, transitions to the terminal state and runs
// cleanup. Calling Exit on an already-exited process is a no-op.
func (p *Process) Exit(code int) {
	if p.status == StatusExited {
		return
	}

	p.status = StatusExited
	p.exitCode = code

	p.cleanup()

	slog.Debug("process exited", "pid", p.pid, "command", p.command, "code", code)

	p.kernel.notify(Notification{Pid: p.pid, Command: p.command, Event: EventExit, ExitCode: code})
}

// cleanup closes every tracked handle, removes the pid marker and
// deregisters the process. It is idempotent; errors from already-closed
// resources are swallowed.
func (p *Process) cleanup() {
	if p.cleanedUp {
		return
	}

	p.cleanedUp = true

	for _, handle := range p.tracked {
		_ = handle.Close()
	}
	p.tracked = nil

	p.removeMarker()

	p.kernel.deregister(p.pid)
}

func (p *Process) writeMarker() error {
	dir := path.Join(p.kernel.runDir, p.command)

	if _, err := filesystem.MkdirAll(p.kernel.root, dir); err != nil {
		return err
	}

	p.markerPath = path.Join(dir, fmt.Sprintf("%d.marker", p.pid))

	f, err := filesystem.CreateFile(p.kernel.root, p.markerPath)
	if err != nil {
		return err
	}

	return f.Overwrite(fmt.Appendf(nil, "%d %s\n", p.pid, p.kernel.bootID))
}

// removeMarker unlinks the pid marker and removes the per-command
// directory once it is empty.
func (p *Process) removeMarker() {
	if p.markerPath == "" {
		return
	}

	if err := filesystem.Unlink(p.kernel.root, p.markerPath); err != nil {
		slog.Debug("failed to remove pid marker", "path", p.markerPath, "error", err)
	}

	// Best effort; fails quietly while siblings remain.
	_ = filesystem.Rmdir(p.kernel.root, path.Dir(p.markerPath))

	p.markerPath = ""
}
