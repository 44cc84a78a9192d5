package elfsplice

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a merge failure the way the spec's error-handling design
// requires: fail-fast, with enough context to diagnose without retry.
type Kind int

const (
	KindParse Kind = iota
	KindShapeMismatch
	KindInvariant
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse error"
	case KindShapeMismatch:
		return "shape mismatch"
	case KindInvariant:
		return "invariant violation"
	case KindIO:
		return "io error"
	default:
		return "unknown error"
	}
}

// ExitCode maps an error Kind to the process exit status the CLI reports.
func (k Kind) ExitCode() int {
	switch k {
	case KindParse:
		return 2
	case KindShapeMismatch:
		return 3
	case KindInvariant:
		return 4
	case KindIO:
		return 5
	default:
		return 1
	}
}

// Role names which input a Context refers to, for messages like
// "source: relocation at offset 0x238 references nonexistent segment".
type Role string

const (
	RoleTarget Role = "target"
	RoleSource Role = "source"
	RoleOutput Role = "output"
)

// Context carries the file/record/offset detail the spec requires every
// error to surface (§7: "enough context to diagnose: file, record kind,
// offset").
type Context struct {
	File   string
	Role   Role
	Record string // record kind, e.g. "Sym", "Rela", "Verneed"
	Offset int64
}

func (c Context) String() string {
	s := string(c.Role)
	if c.File != "" {
		s = fmt.Sprintf("%s(%s)", c.Role, c.File)
	}
	if c.Record != "" {
		s = fmt.Sprintf("%s %s", s, c.Record)
	}
	if c.Offset != 0 {
		s = fmt.Sprintf("%s @0x%x", s, c.Offset)
	}
	return s
}

// MergeError is the single error type returned across all components.
// Message carries the human-readable cause; Context locates it.
type MergeError struct {
	Kind    Kind
	Message string
	Context Context
}

func (e *MergeError) Error() string {
	ctx := e.Context.String()
	if ctx == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, ctx, e.Message)
}

func newErr(kind Kind, ctx Context, format string, args ...any) error {
	return &MergeError{Kind: kind, Message: fmt.Sprintf(format, args...), Context: ctx}
}

// ParseError reports malformed input: truncated tables, unsupported
// class/endianness combinations, or dangling references.
func ParseError(ctx Context, format string, args ...any) error {
	return newErr(KindParse, ctx, format, args...)
}

// ShapeMismatchError reports target/source disagreeing on class or order.
func ShapeMismatchError(format string, args ...any) error {
	return newErr(KindShapeMismatch, Context{}, format, args...)
}

// InvariantError reports a structural invariant the merge cannot proceed
// without: missing PT_DYNAMIC, a non-NUL-terminated .dynstr, a misaligned
// appended region, or a dynamic tag that must be unique but isn't.
func InvariantError(ctx Context, format string, args ...any) error {
	return newErr(KindInvariant, ctx, format, args...)
}

// IOErrorf reports a read/write/chmod failure, wrapped with pkg/errors so
// the underlying os error chain is preserved for %+v formatting.
func IOErrorf(cause error, format string, args ...any) error {
	wrapped := errors.Wrapf(cause, format, args...)
	return &MergeError{Kind: KindIO, Message: wrapped.Error()}
}

// Wrap attaches additional context to an existing error without discarding
// its kind, the way pkg/errors.Wrap preserves a causal chain.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	var me *MergeError
	if e, ok := err.(*MergeError); ok {
		me = e
		return &MergeError{Kind: me.Kind, Message: msg + ": " + me.Message, Context: me.Context}
	}
	return errors.Wrap(err, msg)
}

// KindOf extracts the Kind from an error for exit-code mapping, defaulting
// to KindIO for errors this package didn't originate (os/io failures that
// reach main without ever being wrapped through IOErrorf).
func KindOf(err error) Kind {
	var me *MergeError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindIO
}
