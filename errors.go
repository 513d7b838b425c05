package bootforge

import (
	"fmt"

	"github.com/pkg/errors"
)

// FormatKind classifies structural problems found in untrusted image input.
type FormatKind int

const (
	BadMagic FormatKind = iota
	Truncated
	UnsupportedVersion
	CorruptConfig
	SizeOverflow
)

func (k FormatKind) String() string {
	switch k {
	case BadMagic:
		return "bad magic"
	case Truncated:
		return "truncated"
	case UnsupportedVersion:
		return "unsupported header version"
	case CorruptConfig:
		return "corrupt embedded config"
	case SizeOverflow:
		return "size overflow"
	default:
		return "unknown format error"
	}
}

// FormatError is the typed failure for codec-internal input problems. Path and
// Version carry the offending file and the detected/expected header version
// where known; Detail holds the concrete values involved.
type FormatError struct {
	Kind    FormatKind
	Path    string
	Version uint32
	Detail  string
}

func (e *FormatError) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	if e.Kind == UnsupportedVersion || e.Kind == SizeOverflow {
		msg += fmt.Sprintf(" (header version %d)", e.Version)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches any FormatError of the same kind, so callers can branch with
// errors.Is(err, &FormatError{Kind: Truncated}).
func (e *FormatError) Is(target error) bool {
	t, ok := target.(*FormatError)
	return ok && t.Kind == e.Kind
}

func formatErr(kind FormatKind, path string, version uint32, format string, args ...interface{}) error {
	return &FormatError{
		Kind:    kind,
		Path:    path,
		Version: version,
		Detail:  fmt.Sprintf(format, args...),
	}
}

// ErrMissingComponent signals a rebuild request lacking a component the header
// version requires (currently only the kernel blob).
var ErrMissingComponent = errors.New("missing required component")

// ErrToolchainUnavailable signals that no repack backend, external or builtin,
// can handle the requested header version.
var ErrToolchainUnavailable = errors.New("no repack backend available")
