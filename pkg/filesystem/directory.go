package filesystem

import (
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
)

type DirectoryEntry struct {
	File
	Name string
}

type Directory interface {
	File

	GetChild(name string) (DirectoryEntry, error)
	Readdir() ([]DirectoryEntry, error)
}

type MutableDirectory interface {
	Directory
	MutableFile

	Mkdir(name string) (MutableDirectory, error)
	Create(name string, f File) error
	Unlink(name string) error
}

// maxLinkDepth bounds symlink chains during path resolution.
const maxLinkDepth = 40

func getMutable(dir Directory) MutableDirectory {
	if mut, ok := dir.(MutableDirectory); ok {
		return mut
	}

	return nil
}

func splitPath(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}

	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

func resolveDirectory(root Directory, file File, name string, depth int) (Directory, error) {
	if dir, ok := file.(Directory); ok {
		return dir, nil
	}

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}

	switch info.Kind() {
	case TypeSymlink:
		if depth > maxLinkDepth {
			return nil, ErrLoop
		}

		target, err := GetLinkName(file)
		if err != nil {
			return nil, err
		}

		if !strings.HasPrefix(target, "/") {
			target = path.Join(path.Dir("/"+name), target)
		}

		ent, err := lookup(root, target, true, depth+1)
		if err != nil {
			return nil, err
		}

		return resolveDirectory(root, ent.File, target, depth+1)
	default:
		return nil, fmt.Errorf("%s: %w", name, ErrNotDirectory)
	}
}

func lookup(root Directory, p string, followFinal bool, depth int) (DirectoryEntry, error) {
	if depth > maxLinkDepth {
		return DirectoryEntry{}, ErrLoop
	}

	tokens := splitPath(p)

	if len(tokens) == 0 {
		return DirectoryEntry{File: root, Name: "/"}, nil
	}

	var currentDir = root

	for i, token := range tokens[:len(tokens)-1] {
		child, err := currentDir.GetChild(token)
		if err != nil {
			return DirectoryEntry{}, err
		}

		childDir, err := resolveDirectory(root, child.File, path.Join(tokens[:i+1]...), depth)
		if err != nil {
			return DirectoryEntry{}, err
		}

		currentDir = childDir
	}

	ent, err := currentDir.GetChild(tokens[len(tokens)-1])
	if err != nil {
		return DirectoryEntry{}, err
	}

	if followFinal {
		info, err := ent.File.Stat()
		if err != nil {
			return DirectoryEntry{}, err
		}

		if info.Kind() == TypeSymlink {
			target, err := GetLinkName(ent.File)
			if err != nil {
				return DirectoryEntry{}, err
			}

			if !strings.HasPrefix(target, "/") {
				target = path.Join(path.Dir("/"+path.Join(tokens...)), target)
			}

			return lookup(root, target, true, depth+1)
		}
	}

	return ent, nil
}

// Lookup resolves a path without following a final symlink component.
// Intermediate symlinks are always followed.
func Lookup(root Directory, p string) (DirectoryEntry, error) {
	return lookup(root, p, false, 0)
}

// Resolve resolves a path, following a final symlink component.
func Resolve(root Directory, p string) (DirectoryEntry, error) {
	return lookup(root, p, true, 0)
}

func Exists(root Directory, p string) bool {
	_, err := Resolve(root, p)
	return err == nil
}

// LookupParent resolves the directory containing the final component of p
// and returns it along with that component. The parent chain must already
// exist; nothing is created implicitly.
func LookupParent(root Directory, p string) (MutableDirectory, string, error) {
	tokens := splitPath(p)

	if len(tokens) == 0 {
		return nil, "", ErrInvalid
	}

	var currentDir Directory = root

	for i, token := range tokens[:len(tokens)-1] {
		child, err := currentDir.GetChild(token)
		if err != nil {
			return nil, "", err
		}

		childDir, err := resolveDirectory(root, child.File, path.Join(tokens[:i+1]...), 0)
		if err != nil {
			return nil, "", err
		}

		currentDir = childDir
	}

	mut := getMutable(currentDir)
	if mut == nil {
		return nil, "", fmt.Errorf("directory %T is not mutable: %w", currentDir, ErrPermission)
	}

	return mut, tokens[len(tokens)-1], nil
}

// Mkdir creates a single directory. The parent must exist.
func Mkdir(root Directory, p string) (MutableDirectory, error) {
	parent, name, err := LookupParent(root, p)
	if err != nil {
		return nil, err
	}

	if _, err := parent.GetChild(name); err == nil {
		return nil, ErrExist
	}

	return parent.Mkdir(name)
}

// MkdirAll creates a directory along with any missing parents. Used when
// populating a filesystem image, not by the syscall surface.
func MkdirAll(root Directory, p string) (MutableDirectory, error) {
	tokens := splitPath(p)

	var currentDir = root

	for i, token := range tokens {
		child, err := currentDir.GetChild(token)
		if err == fs.ErrNotExist {
			mut := getMutable(currentDir)
			if mut == nil {
				return nil, ErrPermission
			}

			newChild, err := mut.Mkdir(token)
			if err != nil {
				return nil, err
			}

			child = DirectoryEntry{File: newChild, Name: token}
		} else if err != nil {
			return nil, err
		}

		childDir, err := resolveDirectory(root, child.File, path.Join(tokens[:i+1]...), 0)
		if err != nil {
			return nil, err
		}

		currentDir = childDir
	}

	mut := getMutable(currentDir)
	if mut == nil {
		return nil, ErrPermission
	}

	return mut, nil
}

// CreateChild places f at p, replacing any existing entry. The parent must
// exist.
func CreateChild(root Directory, p string, f File) error {
	parent, name, err := LookupParent(root, p)
	if err != nil {
		return err
	}

	return parent.Create(name, f)
}

// CreateFile creates an empty regular file at p.
func CreateFile(root Directory, p string) (MutableFile, error) {
	parent, name, err := LookupParent(root, p)
	if err != nil {
		return nil, err
	}

	f := NewMemoryFile(TypeRegular)

	if err := parent.Create(name, f); err != nil {
		return nil, err
	}

	return f, nil
}

// Unlink removes a non-directory entry.
func Unlink(root Directory, p string) error {
	parent, name, err := LookupParent(root, p)
	if err != nil {
		return err
	}

	ent, err := parent.GetChild(name)
	if err != nil {
		return err
	}

	info, err := ent.File.Stat()
	if err != nil {
		return err
	}

	if info.Kind() == TypeDirectory {
		return ErrIsDirectory
	}

	return parent.Unlink(name)
}

// Rmdir removes an empty directory.
func Rmdir(root Directory, p string) error {
	parent, name, err := LookupParent(root, p)
	if err != nil {
		return err
	}

	ent, err := parent.GetChild(name)
	if err != nil {
		return err
	}

	dir, ok := ent.File.(Directory)
	if !ok {
		return ErrNotDirectory
	}

	children, err := dir.Readdir()
	if err != nil {
		return err
	}

	if len(children) > 0 {
		return ErrNotEmpty
	}

	return parent.Unlink(name)
}

// Rename moves oldPath to newPath, replacing a compatible entry at the
// destination.
func Rename(root Directory, oldPath string, newPath string) error {
	oldParent, oldName, err := LookupParent(root, oldPath)
	if err != nil {
		return err
	}

	ent, err := oldParent.GetChild(oldName)
	if err != nil {
		return err
	}

	info, err := ent.File.Stat()
	if err != nil {
		return err
	}

	newParent, newName, err := LookupParent(root, newPath)
	if err != nil {
		return err
	}

	if existing, err := newParent.GetChild(newName); err == nil {
		existingInfo, err := existing.File.Stat()
		if err != nil {
			return err
		}

		if info.Kind() == TypeDirectory {
			dir, ok := existing.File.(Directory)
			if !ok || existingInfo.Kind() != TypeDirectory {
				return ErrNotDirectory
			}

			children, err := dir.Readdir()
			if err != nil {
				return err
			}

			if len(children) > 0 {
				return ErrNotEmpty
			}
		} else if existingInfo.Kind() == TypeDirectory {
			return ErrIsDirectory
		}

		if err := newParent.Unlink(newName); err != nil {
			return err
		}
	}

	if err := newParent.Create(newName, ent.File); err != nil {
		return err
	}

	return oldParent.Unlink(oldName)
}

// Symlink creates a symlink at linkPath pointing at target. The target is
// not required to exist.
func Symlink(root Directory, target string, linkPath string) error {
	parent, name, err := LookupParent(root, linkPath)
	if err != nil {
		return err
	}

	if _, err := parent.GetChild(name); err == nil {
		return ErrExist
	}

	return parent.Create(name, NewSymlink(target))
}

// Readlink returns the target of the symlink at p.
func Readlink(root Directory, p string) (string, error) {
	ent, err := Lookup(root, p)
	if err != nil {
		return "", err
	}

	return GetLinkName(ent.File)
}

type memoryDirectory struct {
	*memoryFile

	entries map[string]File
}

// IsDir implements FileInfo.
func (m *memoryDirectory) IsDir() bool {
	return true
}

// Sys implements FileInfo.
func (m *memoryDirectory) Sys() any {
	return m
}

// Unlink implements MutableDirectory.
func (m *memoryDirectory) Unlink(name string) error {
	if path.Base(name) != name {
		return fmt.Errorf("MutableDirectory methods can not handle paths: %s", name)
	}

	if _, ok := m.entries[name]; !ok {
		return fs.ErrNotExist
	}

	delete(m.entries, name)

	return nil
}

// Create implements MutableDirectory. An existing entry with the same name
// is replaced.
func (m *memoryDirectory) Create(name string, f File) error {
	if name == "" || name == "." {
		return fmt.Errorf("invalid name specified for child: %s", name)
	}

	if path.Base(name) != name {
		return fmt.Errorf("MutableDirectory methods can not handle paths: %s", name)
	}

	m.entries[name] = f

	return nil
}

// GetChild implements MutableDirectory.
func (m *memoryDirectory) GetChild(name string) (DirectoryEntry, error) {
	if name == "" || name == "." {
		return DirectoryEntry{File: m, Name: "."}, nil
	}

	if path.Base(name) != name {
		return DirectoryEntry{}, fmt.Errorf("MutableDirectory methods can not handle paths: %s", name)
	}

	child, ok := m.entries[name]
	if !ok {
		return DirectoryEntry{}, fs.ErrNotExist
	}

	return DirectoryEntry{File: child, Name: name}, nil
}

// Mkdir implements MutableDirectory.
func (m *memoryDirectory) Mkdir(name string) (MutableDirectory, error) {
	if name == "" || name == "." {
		return nil, fmt.Errorf("invalid name specified for child: %s", name)
	}

	if path.Base(name) != name {
		return nil, fmt.Errorf("MutableDirectory methods can not handle paths: %s", name)
	}

	if ent, exists := m.entries[name]; exists {
		if dir, ok := ent.(Directory); ok {
			if mut := getMutable(dir); mut != nil {
				return mut, nil
			}

			return nil, ErrPermission
		}

		return nil, ErrNotDirectory
	}

	child := NewMemoryDirectory()

	if err := m.Create(name, child); err != nil {
		return nil, err
	}

	return child, nil
}

// Open implements MutableDirectory.
func (m *memoryDirectory) Open() (FileHandle, error) {
	return nil, ErrIsDirectory
}

// OpenWritable implements MutableDirectory.
func (m *memoryDirectory) OpenWritable() (WritableFileHandle, error) {
	return nil, ErrIsDirectory
}

// Overwrite implements MutableDirectory.
func (m *memoryDirectory) Overwrite(contents []byte) error {
	return ErrIsDirectory
}

// Readdir implements MutableDirectory. Entries come back in name order so
// repeated listings are stable.
func (m *memoryDirectory) Readdir() ([]DirectoryEntry, error) {
	var names []string
	for name := range m.entries {
		names = append(names, name)
	}

	slices.Sort(names)

	var ret []DirectoryEntry
	for _, name := range names {
		ret = append(ret, DirectoryEntry{File: m.entries[name], Name: name})
	}

	return ret, nil
}

// Stat implements MutableDirectory.
func (m *memoryDirectory) Stat() (FileInfo, error) {
	return m, nil
}

var (
	_ MutableDirectory = &memoryDirectory{}
)

func NewMemoryDirectory() MutableDirectory {
	f := NewMemoryFile(TypeDirectory).(*memoryFile)
	f.mode = fs.ModeDir | fs.FileMode(0755)
	return &memoryDirectory{
		memoryFile: f,
		entries:    make(map[string]File),
	}
}
