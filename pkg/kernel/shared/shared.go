package shared

import (
	"fmt"
	"io"
	"slices"

	"github.com/coralsh/coral/pkg/filesystem"
)

type Environment map[string]string

func (env Environment) Set(key string, value string) {
	env[key] = value
}

func (env Environment) Get(key string) string {
	return env[key]
}

func (env Environment) Has(key string) bool {
	_, ok := env[key]
	return ok
}

func (env Environment) Clone() Environment {
	ret := make(Environment)

	for k, v := range env {
		ret[k] = v
	}

	return ret
}

// Flatten renders the environment as KEY=VALUE pairs in key order, the form
// the syscall surface hands to a program.
func (env Environment) Flatten() []string {
	var keys []string
	for k := range env {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	var ret []string
	for _, k := range keys {
		ret = append(ret, k+"="+env[k])
	}

	return ret
}

// ExitError carries a program's non-zero exit code through the error return
// without losing it to formatting.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode converts a program error into a shell-visible exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	if exitErr, ok := err.(*ExitError); ok {
		return exitErr.Code
	}

	return 1
}

type Process interface {
	io.Reader
	io.Writer

	Pid() int
	Command() string

	Getwd() string
	Chdir(name string) error
	Resolve(name string) string

	Getenv(name string) string
	Setenv(name string, value string)
	Environ() Environment

	Stdin() io.Reader
	Stdout() io.Writer
	Stderr() io.Writer
	StdinIsTTY() bool
	StdoutIsTTY() bool

	Root() filesystem.Directory

	// Open returns a read handle tracked by the process so it is closed on
	// cleanup even if the caller forgets.
	Open(name string) (filesystem.FileHandle, error)
	Stat(name string) (filesystem.FileInfo, error)

	// Spawn dispatches a child program and returns its exit code.
	Spawn(cwd string, argv []string, env map[string]string, stdin io.Reader, stdout io.Writer, stderr io.Writer) (int, error)
}

type Program interface {
	filesystem.File

	Name() string
	Run(proc Process, argv []string) error
}
