package filesystem

import (
	"errors"
	"io/fs"
)

// Sentinel errors shared with io/fs so callers can use errors.Is against
// either vocabulary.
var (
	ErrNotExist     = fs.ErrNotExist
	ErrExist        = fs.ErrExist
	ErrPermission   = fs.ErrPermission
	ErrInvalid      = fs.ErrInvalid
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
	ErrNotEmpty     = errors.New("directory not empty")
	ErrLoop         = errors.New("too many levels of symbolic links")
	ErrReadOnly     = errors.New("file is read only")
)
