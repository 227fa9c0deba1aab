package programs

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/fatih/color"

	"github.com/coralsh/coral/pkg/filesystem"
	"github.com/coralsh/coral/pkg/kernel/shared"
)

// builtin is a command whose entry point lives in the host. It still
// appears in the filesystem as a regular file carrying a command marker,
// so resolution and listing treat it like any other executable.
type builtin struct {
	filesystem.File

	name string
	run  func(proc shared.Process, argv []string) error
}

var (
	_ shared.Program = &builtin{}
)

func (b *builtin) Name() string { return b.name }

// Run implements shared.Program.
func (b *builtin) Run(proc shared.Process, argv []string) error {
	return b.run(proc, argv)
}

func newBuiltin(name string, run func(proc shared.Process, argv []string) error) shared.Program {
	f := filesystem.NewMemoryFile(filesystem.TypeRegular)

	if err := f.Overwrite([]byte("coral:command:core:" + name + "\n")); err != nil {
		panic(err)
	}

	return &builtin{File: f, name: name, run: run}
}

// All returns the core command set.
func All() []shared.Program {
	return []shared.Program{Echo(), Cat(), Ls(), Rm()}
}

func Echo() shared.Program {
	return newBuiltin("echo", func(proc shared.Process, argv []string) error {
		_, err := fmt.Fprintln(proc.Stdout(), strings.Join(argv[1:], " "))
		return err
	})
}

func Cat() shared.Program {
	return newBuiltin("cat", func(proc shared.Process, argv []string) error {
		if len(argv) < 2 {
			_, err := io.Copy(proc.Stdout(), proc.Stdin())
			return err
		}

		for _, name := range argv[1:] {
			handle, err := proc.Open(name)
			if err != nil {
				return fmt.Errorf("cat: %s: %w", name, err)
			}

			if _, err := io.Copy(proc.Stdout(), handle); err != nil {
				return fmt.Errorf("cat: %s: %w", name, err)
			}

			if err := handle.Close(); err != nil {
				return err
			}
		}

		return nil
	})
}

func Ls() shared.Program {
	return newBuiltin("ls", func(proc shared.Process, argv []string) error {
		target := proc.Getwd()
		if len(argv) > 1 {
			target = argv[1]
		}

		ent, err := filesystem.Resolve(proc.Root(), proc.Resolve(target))
		if err != nil {
			return fmt.Errorf("ls: %s: %w", target, err)
		}

		dir, ok := ent.File.(filesystem.Directory)
		if !ok {
			_, err := fmt.Fprintln(proc.Stdout(), path.Base(proc.Resolve(target)))
			return err
		}

		children, err := dir.Readdir()
		if err != nil {
			return fmt.Errorf("ls: %s: %w", target, err)
		}

		dirColor := color.New(color.FgCyan, color.Bold)
		if proc.StdoutIsTTY() {
			dirColor.EnableColor()
		} else {
			dirColor.DisableColor()
		}

		for _, child := range children {
			name := child.Name

			if info, err := child.Stat(); err == nil && info.Kind() == filesystem.TypeDirectory {
				name = dirColor.Sprint(name)
			}

			if _, err := fmt.Fprintln(proc.Stdout(), name); err != nil {
				return err
			}
		}

		return nil
	})
}

func Rm() shared.Program {
	return newBuiltin("rm", func(proc shared.Process, argv []string) error {
		recursive := false

		var targets []string
		for _, arg := range argv[1:] {
			if arg == "-r" || arg == "-rf" {
				recursive = true
				continue
			}

			targets = append(targets, arg)
		}

		if len(targets) == 0 {
			return fmt.Errorf("rm: missing operand")
		}

		for _, target := range targets {
			p := proc.Resolve(target)

			if err := remove(proc.Root(), p, recursive); err != nil {
				return fmt.Errorf("rm: %s: %w", target, err)
			}
		}

		return nil
	})
}

func remove(root filesystem.Directory, p string, recursive bool) error {
	ent, err := filesystem.Lookup(root, p)
	if err != nil {
		return err
	}

	info, err := ent.Stat()
	if err != nil {
		return err
	}

	if info.Kind() != filesystem.TypeDirectory {
		return filesystem.Unlink(root, p)
	}

	if !recursive {
		return filesystem.ErrIsDirectory
	}

	dir, ok := ent.File.(filesystem.Directory)
	if !ok {
		return filesystem.ErrNotDirectory
	}

	children, err := dir.Readdir()
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := remove(root, path.Join(p, child.Name), true); err != nil {
			return err
		}
	}

	return filesystem.Rmdir(root, p)
}
