package coral

import (
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/coralsh/coral/pkg/config"
	"github.com/coralsh/coral/pkg/filesystem"
	"github.com/coralsh/coral/pkg/kernel"
	"github.com/coralsh/coral/pkg/kernel/programs"
	"github.com/coralsh/coral/pkg/kernel/programs/shell"
	"github.com/coralsh/coral/pkg/kernel/shared"
)

// Boot builds the root filesystem described by the config and returns a
// kernel with the core command set installed.
func Boot(cfg config.BootConfig) (*kernel.Kernel, error) {
	root := filesystem.NewMemoryDirectory()

	for i, frag := range cfg.RootFilesystem {
		if err := applyFragment(root, cfg, frag); err != nil {
			return nil, fmt.Errorf("root_filesystem[%d]: %w", i, err)
		}
	}

	env := make(shared.Environment)
	env.Set("HOSTNAME", cfg.Hostname)
	env.Set("PATH", "/bin")
	env.Set("HOME", "/root")
	env.Set("UID", fmt.Sprintf("%d", cfg.Uid))
	env.Set("GID", fmt.Sprintf("%d", cfg.Gid))

	for k, v := range cfg.Environment {
		env.Set(k, v)
	}

	k, err := kernel.New(kernel.Params{
		Root:   root,
		RunDir: cfg.RunDir,
		Env:    env,
		Uid:    cfg.Uid,
		Gid:    cfg.Gid,
		Listener: func(n kernel.Notification) {
			slog.Debug("process event", "pid", n.Pid, "command", n.Command, "event", n.Event)
		},
	})
	if err != nil {
		return nil, err
	}

	for _, prog := range programs.All() {
		if err := k.Register(prog); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", prog.Name(), err)
		}
	}

	if err := k.Register(shell.New()); err != nil {
		return nil, fmt.Errorf("failed to register sh: %w", err)
	}

	return k, nil
}

func applyFragment(root filesystem.MutableDirectory, cfg config.BootConfig, frag config.Fragment) error {
	switch {
	case frag.Archive != nil:
		return applyArchive(root, cfg.Resolve(frag.Archive.HostFilename), frag.Archive.Target)
	case frag.LocalFile != nil:
		contents, err := os.ReadFile(cfg.Resolve(frag.LocalFile.HostFilename))
		if err != nil {
			return err
		}

		return writeFile(root, frag.LocalFile.GuestFilename, contents)
	case frag.FileContents != nil:
		return writeFile(root, frag.FileContents.GuestFilename, []byte(frag.FileContents.Contents))
	case frag.Directory != nil:
		_, err := filesystem.MkdirAll(root, frag.Directory.GuestFilename)
		return err
	default:
		return fmt.Errorf("empty fragment")
	}
}

func applyArchive(root filesystem.MutableDirectory, filename string, target string) error {
	fh, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer fh.Close()

	reader, err := filesystem.NewArchiveReader(fh)
	if err != nil {
		return fmt.Errorf("%s: %w", filename, err)
	}

	dir := filesystem.MutableDirectory(root)
	if target != "" && target != "/" {
		dir, err = filesystem.MkdirAll(root, target)
		if err != nil {
			return err
		}
	}

	return filesystem.ExtractTar(reader, dir)
}

func writeFile(root filesystem.MutableDirectory, guest string, contents []byte) error {
	if _, err := filesystem.MkdirAll(root, path.Dir(guest)); err != nil {
		return err
	}

	f, err := filesystem.CreateFile(root, guest)
	if err != nil {
		return err
	}

	return f.Overwrite(contents)
}
