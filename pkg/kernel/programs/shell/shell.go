package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/coralsh/coral/pkg/filesystem"
	"github.com/coralsh/coral/pkg/kernel/shared"
)

// Open flag values from the POSIX open(2) vocabulary the interpreter hands
// to its open handler.
const (
	flagWriteOnly = 0x1
	flagReadWrite = 0x2
	flagAppend    = 0x400
	flagCreate    = 0x40
	flagTrunc     = 0x200
)

type readOnlyFile struct{ io.ReadCloser }

// Write implements io.ReadWriteCloser.
func (r *readOnlyFile) Write(p []byte) (n int, err error) {
	return 0, fs.ErrInvalid
}

type devNull struct{}

func (d *devNull) Close() error                { return nil }
func (d *devNull) Read(p []byte) (int, error)  { return 0, io.EOF }
func (d *devNull) Write(p []byte) (int, error) { return len(p), nil }

// appendFile routes every write to the current end of the file.
type appendFile struct {
	filesystem.WritableFileHandle

	file filesystem.File
}

func (a *appendFile) Write(p []byte) (int, error) {
	info, err := a.file.Stat()
	if err != nil {
		return 0, err
	}

	return a.WriteAt(p, info.Size())
}

// renamedInfo overrides the empty name in-memory nodes report.
type renamedInfo struct {
	filesystem.FileInfo

	name string
}

func (r *renamedInfo) Name() string { return r.name }

type dirEntry struct {
	name string
	info filesystem.FileInfo
}

func (d *dirEntry) Name() string { return d.name }
func (d *dirEntry) IsDir() bool  { return d.info.Kind() == filesystem.TypeDirectory }
func (d *dirEntry) Type() fs.FileMode {
	if d.IsDir() {
		return fs.ModeDir
	}
	if d.info.Kind() == filesystem.TypeSymlink {
		return fs.ModeSymlink
	}
	return 0
}
func (d *dirEntry) Info() (fs.FileInfo, error) {
	return &renamedInfo{FileInfo: d.info, name: d.name}, nil
}

// Shell is the /bin/sh program: the POSIX interpreter wired to the kernel's
// spawn entry point and the virtual filesystem.
type Shell struct {
	filesystem.File

	proc shared.Process
}

var (
	_ shared.Program = &Shell{}
)

func New() shared.Program {
	f := filesystem.NewMemoryFile(filesystem.TypeRegular)

	if err := f.Overwrite([]byte("coral:command:core:sh\n")); err != nil {
		panic(err)
	}

	return &Shell{File: f}
}

// Name implements shared.Program.
func (sh *Shell) Name() string { return "sh" }

func (sh *Shell) open(ctx context.Context, p string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if p == "/dev/null" {
		return &devNull{}, nil
	}

	if flag&(flagWriteOnly|flagReadWrite) == 0 {
		fh, err := sh.proc.Open(p)
		if err != nil {
			return nil, err
		}

		return &readOnlyFile{fh}, nil
	}

	root := sh.proc.Root()
	target := sh.proc.Resolve(p)

	ent, err := filesystem.Resolve(root, target)
	if errors.Is(err, fs.ErrNotExist) && flag&flagCreate != 0 {
		created, err := filesystem.CreateFile(root, target)
		if err != nil {
			return nil, err
		}

		ent = filesystem.DirectoryEntry{File: created}
	} else if err != nil {
		return nil, err
	}

	mut, ok := ent.File.(filesystem.MutableFile)
	if !ok {
		return nil, filesystem.ErrReadOnly
	}

	handle, err := mut.OpenWritable()
	if err != nil {
		return nil, err
	}

	if flag&flagTrunc != 0 {
		if err := handle.Truncate(0); err != nil {
			_ = handle.Close()
			return nil, err
		}
	}

	if flag&flagAppend != 0 {
		return &appendFile{WritableFileHandle: handle, file: ent.File}, nil
	}

	return handle, nil
}

func (sh *Shell) readDir(ctx context.Context, p string) ([]fs.DirEntry, error) {
	ent, err := filesystem.Resolve(sh.proc.Root(), sh.proc.Resolve(p))
	if err != nil {
		return nil, err
	}

	dir, ok := ent.File.(filesystem.Directory)
	if !ok {
		return nil, filesystem.ErrNotDirectory
	}

	children, err := dir.Readdir()
	if err != nil {
		return nil, err
	}

	var ret []fs.DirEntry
	for _, child := range children {
		info, err := child.Stat()
		if err != nil {
			continue
		}

		ret = append(ret, &dirEntry{name: child.Name, info: info})
	}

	return ret, nil
}

func (sh *Shell) stat(ctx context.Context, name string, followSymlinks bool) (fs.FileInfo, error) {
	root := sh.proc.Root()
	target := sh.proc.Resolve(name)

	var ent filesystem.DirectoryEntry
	var err error

	if followSymlinks {
		ent, err = filesystem.Resolve(root, target)
	} else {
		ent, err = filesystem.Lookup(root, target)
	}
	if err != nil {
		return nil, err
	}

	info, err := ent.Stat()
	if err != nil {
		return nil, err
	}

	return &renamedInfo{FileInfo: info, name: nameOf(target)}, nil
}

func nameOf(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 && i+1 < len(p) {
		return p[i+1:]
	}

	return p
}

func (sh *Shell) exec(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		hc := interp.HandlerCtx(ctx)

		env := map[string]string{}

		hc.Env.Each(func(name string, vr expand.Variable) bool {
			if vr.Exported {
				env[name] = vr.String()
			}

			return true
		})

		code, err := sh.proc.Spawn(hc.Dir, args, env, hc.Stdin, hc.Stdout, hc.Stderr)
		if err != nil {
			if code == 0 {
				return err
			}

			fmt.Fprintf(hc.Stderr, "sh: %s\n", err)
		}

		if code != 0 {
			return interp.NewExitStatus(uint8(code))
		}

		return nil
	}
}

func (sh *Shell) newRunner(params []string) (*interp.Runner, error) {
	runner, err := interp.New(
		interp.OpenHandler(sh.open),
		interp.ReadDirHandler2(sh.readDir),
		interp.StatHandler(sh.stat),
		interp.Env(expand.FuncEnviron(sh.proc.Getenv)),
		interp.Params(params...),
		interp.ExecHandlers(sh.exec),
		interp.StdIO(sh.proc.Stdin(), sh.proc.Stdout(), sh.proc.Stderr()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create shell: %w", err)
	}

	runner.Dir = sh.proc.Getwd()

	return runner, nil
}

func (sh *Shell) runReader(runner *interp.Runner, r io.Reader, name string) error {
	parser := syntax.NewParser()

	var runErr error

	parseErr := parser.Stmts(r, func(stmt *syntax.Stmt) bool {
		runErr = runner.Run(context.Background(), stmt)
		return runErr == nil && !runner.Exited()
	})
	if parseErr != nil {
		return fmt.Errorf("%s: %w", name, parseErr)
	}

	return runErr
}

func (sh *Shell) runScript(runner *interp.Runner, filename string) error {
	fh, err := sh.proc.Open(filename)
	if err != nil {
		return err
	}
	defer fh.Close()

	return sh.runReader(runner, fh, filename)
}

// runInteractive evaluates one line at a time from the process input,
// prompting when attached to a terminal. Errors are reported and the loop
// continues; only an explicit exit ends the session.
func (sh *Shell) runInteractive(runner *interp.Runner) error {
	scanner := bufio.NewScanner(sh.proc.Stdin())

	for {
		if sh.proc.StdinIsTTY() {
			fmt.Fprint(sh.proc.Stdout(), "$ ")
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		err := sh.runReader(runner, strings.NewReader(scanner.Text()), "<stdin>")
		if runner.Exited() {
			return err
		}

		if err != nil {
			if _, ok := interp.IsExitStatus(err); !ok {
				fmt.Fprintf(sh.proc.Stderr(), "sh: %s\n", err)
			}
		}
	}
}

// Run implements shared.Program.
func (sh *Shell) Run(proc shared.Process, argv []string) error {
	instance := &Shell{File: sh.File, proc: proc}

	var err error

	switch {
	case len(argv) >= 3 && argv[1] == "-c":
		var runner *interp.Runner

		runner, err = instance.newRunner(argv[3:])
		if err == nil {
			err = instance.runReader(runner, bytes.NewReader([]byte(argv[2])), "<command>")
		}
	case len(argv) >= 2:
		var runner *interp.Runner

		runner, err = instance.newRunner(argv[2:])
		if err == nil {
			err = instance.runScript(runner, argv[1])
		}
	default:
		var runner *interp.Runner

		runner, err = instance.newRunner(nil)
		if err == nil {
			err = instance.runInteractive(runner)
		}
	}

	if status, ok := interp.IsExitStatus(err); ok {
		if status == 0 {
			return nil
		}

		return &shared.ExitError{Code: int(status)}
	}

	return err
}
