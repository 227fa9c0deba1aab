package resolve

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/anmitsu/go-shlex"
	"github.com/gabriel-vasile/mimetype"

	"github.com/coralsh/coral/pkg/filesystem"
	"github.com/coralsh/coral/pkg/kernel/shared"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindCommand
	KindApp
	KindScript
	KindBinary
	KindInterpreted
	KindView
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindCommand:
		return "Command"
	case KindApp:
		return "App"
	case KindScript:
		return "Script"
	case KindBinary:
		return "Binary"
	case KindInterpreted:
		return "Interpreted"
	case KindView:
		return "View"
	default:
		return "Unknown"
	}
}

// Type describes the execution strategy for a file.
type Type struct {
	Kind        Kind
	Namespace   string
	Name        string
	Interpreter []string // argv prefix for interpreter-backed programs
	Format      string   // MIME type for view content
}

// MarkerPrefix introduces a program header marker on the first line of an
// executable file: coral:<type>:<namespace>:<name>.
const MarkerPrefix = "coral:"

// legacyInterpreter is the single shebang path recognized for compatibility
// with plain shell scripts.
const legacyInterpreter = "/bin/sh"

// sniffLimit bounds how much of a file the resolver reads. Classification
// must stay cheap for large files.
const sniffLimit = 512

// Detect classifies the file at p. A missing file reports KindNotFound
// rather than an error.
func Detect(root filesystem.Directory, p string) (Type, error) {
	ent, err := filesystem.Resolve(root, p)
	if errors.Is(err, fs.ErrNotExist) {
		return Type{Kind: KindNotFound}, nil
	} else if err != nil {
		return Type{}, err
	}

	// Registered programs carry their own entry point.
	if _, ok := ent.File.(shared.Program); ok {
		return Type{Kind: KindCommand, Name: path.Base(p)}, nil
	}

	info, err := ent.Stat()
	if err != nil {
		return Type{}, err
	}

	if info.Kind() == filesystem.TypeDirectory {
		return Type{Kind: KindUnknown, Format: "inode/directory"}, nil
	}

	fh, err := ent.Open()
	if err != nil {
		return Type{}, err
	}
	defer fh.Close()

	header := make([]byte, sniffLimit)
	n, err := fh.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Type{}, err
	}
	header = header[:n]

	if t, ok := matchMagic(header); ok {
		return t, nil
	}

	if t, ok := parseMarker(firstLine(header)); ok {
		return t, nil
	}

	return detectFallback(p, header), nil
}

func firstLine(header []byte) string {
	if i := bytes.IndexByte(header, '\n'); i >= 0 {
		header = header[:i]
	}

	return strings.TrimSuffix(string(header), "\r")
}

func parseMarker(line string) (Type, bool) {
	if rest, ok := strings.CutPrefix(line, MarkerPrefix); ok {
		tokens := strings.SplitN(rest, ":", 3)
		if len(tokens) != 3 {
			return Type{}, false
		}

		return Type{
			Kind:      kindFromMarker(tokens[0], tokens[1]),
			Namespace: tokens[1],
			Name:      tokens[2],
		}, true
	}

	if rest, ok := strings.CutPrefix(line, "#!"); ok {
		tokens, err := shlex.Split(strings.TrimSpace(rest), true)
		if err != nil || len(tokens) == 0 {
			return Type{}, false
		}

		if tokens[0] == legacyInterpreter {
			return Type{
				Kind:        KindScript,
				Interpreter: tokens,
			}, true
		}

		return Type{
			Kind:        KindInterpreted,
			Interpreter: tokens,
		}, true
	}

	return Type{}, false
}

func kindFromMarker(typ string, namespace string) Kind {
	switch typ {
	case "command":
		return KindCommand
	case "app":
		return KindApp
	case "script":
		return KindScript
	case "bin":
		switch namespace {
		case "script":
			return KindScript
		case "wasm":
			return KindBinary
		default:
			return KindInterpreted
		}
	default:
		return KindInterpreted
	}
}

var extensionTable = map[string]Type{
	".sh":   {Kind: KindScript, Interpreter: []string{legacyInterpreter}},
	".wasm": {Kind: KindBinary},
	".txt":  {Kind: KindView, Format: "text/plain"},
	".md":   {Kind: KindView, Format: "text/markdown"},
}

func detectFallback(p string, header []byte) Type {
	if t, ok := extensionTable[strings.ToLower(path.Ext(p))]; ok {
		return t
	}

	mime := mimetype.Detect(header)

	if strings.HasPrefix(mime.String(), "text/") {
		return Type{Kind: KindView, Format: mime.String()}
	}

	// Unknown binary content is an opaque stream.
	return Type{Kind: KindView, Format: "application/octet-stream"}
}
