package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type LocalFileFragment struct {
	HostFilename  string `json:"host_filename" yaml:"host_filename"`
	GuestFilename string `json:"guest_filename" yaml:"guest_filename"`
}

type FileContentsFragment struct {
	Contents      string `json:"contents" yaml:"contents"`
	GuestFilename string `json:"guest_filename" yaml:"guest_filename"`
}

type ArchiveFragment struct {
	HostFilename string `json:"host_filename" yaml:"host_filename"`
	Target       string `json:"target" yaml:"target"`
}

type DirectoryFragment struct {
	GuestFilename string `json:"guest_filename" yaml:"guest_filename"`
}

// Fragment is one root filesystem contribution. Exactly one member is set.
type Fragment struct {
	LocalFile    *LocalFileFragment    `json:"local_file,omitempty" yaml:"local_file,omitempty"`
	FileContents *FileContentsFragment `json:"file_contents,omitempty" yaml:"file_contents,omitempty"`
	Archive      *ArchiveFragment      `json:"archive,omitempty" yaml:"archive,omitempty"`
	Directory    *DirectoryFragment    `json:"directory,omitempty" yaml:"directory,omitempty"`
}

// BootConfig describes a coral machine: its root filesystem, environment
// and init command.
type BootConfig struct {
	// The base directory all host filenames resolve from. Defaults to the
	// config file's directory.
	BaseDirectory string `json:"base_directory" yaml:"base_directory"`

	Hostname string `json:"hostname" yaml:"hostname"`

	// RunDir holds pid markers. Defaults to /run.
	RunDir string `json:"run_dir" yaml:"run_dir"`

	// Init is the command dispatched by `coral run`, kept alive as pid 1.
	Init []string `json:"init" yaml:"init"`

	Environment map[string]string `json:"environment" yaml:"environment"`

	Uid int `json:"uid" yaml:"uid"`
	Gid int `json:"gid" yaml:"gid"`

	RootFilesystem []Fragment `json:"root_filesystem" yaml:"root_filesystem"`
}

// Resolve makes a host filename absolute against the base directory.
func (cfg BootConfig) Resolve(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}

	return filepath.Join(cfg.BaseDirectory, filename)
}

// Load reads and validates a boot config. Relative host paths resolve
// against the config file's directory unless the config overrides it.
func Load(filename string) (BootConfig, error) {
	var cfg BootConfig

	contents, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.BaseDirectory == "" {
		cfg.BaseDirectory = filepath.Dir(filename)
	}

	if cfg.Hostname == "" {
		cfg.Hostname = "coral"
	}

	for i, frag := range cfg.RootFilesystem {
		count := 0
		if frag.LocalFile != nil {
			count++
		}
		if frag.FileContents != nil {
			count++
		}
		if frag.Archive != nil {
			count++
		}
		if frag.Directory != nil {
			count++
		}

		if count != 1 {
			return cfg, fmt.Errorf("root_filesystem[%d]: expected exactly one fragment member, got %d", i, count)
		}
	}

	return cfg, nil
}
