package filesystem

import (
	"archive/tar"
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// NewArchiveReader wraps r with the right decompressor based on the stream's
// leading magic bytes. Plain tar streams pass through unchanged.
func NewArchiveReader(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)

	magic, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		return gzip.NewReader(br)
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return br, nil
	}
}

// ExtractTar unpacks a tar stream into dir, creating parents as needed.
func ExtractTar(r io.Reader, dir MutableDirectory) error {
	decoded, err := NewArchiveReader(r)
	if err != nil {
		return err
	}

	reader := tar.NewReader(decoded)

	for {
		hdr, err := reader.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			child, err := MkdirAll(dir, hdr.Name)
			if err != nil {
				return err
			}

			if err := child.Chmod(hdr.FileInfo().Mode()); err != nil {
				return err
			}

			if err := child.Chown(hdr.Uid, hdr.Gid); err != nil {
				return err
			}

			if err := child.Chtimes(hdr.ModTime); err != nil {
				return err
			}
		case tar.TypeReg:
			contents, err := io.ReadAll(reader)
			if err != nil {
				return err
			}

			f := NewMemoryFile(TypeRegular)

			if err := f.Overwrite(contents); err != nil {
				return err
			}

			if err := f.Chmod(hdr.FileInfo().Mode()); err != nil {
				return err
			}

			if err := f.Chown(hdr.Uid, hdr.Gid); err != nil {
				return err
			}

			if err := f.Chtimes(hdr.ModTime); err != nil {
				return err
			}

			if err := createWithParents(dir, hdr.Name, f); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := createWithParents(dir, hdr.Name, NewSymlink(hdr.Linkname)); err != nil {
				return err
			}
		case tar.TypeXGlobalHeader:
			// pax metadata, nothing to place.
		default:
			return fmt.Errorf("unsupported tar entry type %d for %s", hdr.Typeflag, hdr.Name)
		}
	}

	return nil
}

func createWithParents(dir MutableDirectory, p string, f File) error {
	tokens := splitPath(p)

	if len(tokens) == 0 {
		return ErrInvalid
	}

	if len(tokens) > 1 {
		parent, err := MkdirAll(dir, "/"+strings.Join(tokens[:len(tokens)-1], "/"))
		if err != nil {
			return err
		}

		return parent.Create(tokens[len(tokens)-1], f)
	}

	return dir.Create(tokens[0], f)
}
