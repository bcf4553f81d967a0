// Package errors defines the closed error-kind taxonomy shared by the
// heap, compiler, and VM: every error raised by the core carries one of
// these kinds, a source location when one is known, and a stack trace
// captured at the point it was raised via github.com/pkg/errors.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind is one entry of the closed error taxonomy from the error handling
// design: no new kinds are added at call sites, only here.
type Kind string

const (
	BadRequest         Kind = "BadRequest"
	OutOfMemory        Kind = "OutOfMemory"
	BorrowError        Kind = "BorrowError"
	IndexOutOfBounds   Kind = "IndexOutOfBounds"
	UnboundName        Kind = "UnboundName"
	NotCallable        Kind = "NotCallable"
	ArityMismatch      Kind = "ArityMismatch"
	TypeMismatch       Kind = "TypeMismatch"
	ArithmeticOverflow Kind = "ArithmeticOverflow"
	ParseError         Kind = "ParseError"
)

// SourceLocation names a position in a source string, used by the parse
// error path; the heap and VM leave it zero.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

// StackFrame is one frame of a CoreError's call stack, added through
// WithFrame. The VM does not record frames on its runtime errors.
type StackFrame struct {
	Function string
	Line     int
}

// CoreError is the concrete type every constructor below wraps with a
// stack trace. It carries the taxonomy Kind plus whatever source
// location and VM call stack context was available when it was raised.
type CoreError struct {
	Kind     Kind
	Message  string
	Location SourceLocation
	Frames   []StackFrame
}

func (e *CoreError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s: %s", e.Kind, e.Message))
	if e.Location.File != "" || e.Location.Line != 0 {
		sb.WriteString(fmt.Sprintf(" (at %s:%d:%d)", e.Location.File, e.Location.Line, e.Location.Column))
	}
	for _, f := range e.Frames {
		if f.Function != "" {
			sb.WriteString(fmt.Sprintf("\n  in %s (line %d)", f.Function, f.Line))
		} else {
			sb.WriteString(fmt.Sprintf("\n  at line %d", f.Line))
		}
	}
	return sb.String()
}

// WithLocation attaches a source location and returns the receiver for
// chaining, matching the teacher's builder-method style.
func (e *CoreError) WithLocation(loc SourceLocation) *CoreError {
	e.Location = loc
	return e
}

// WithFrame appends one call-stack frame after those already recorded;
// Frames keeps the order in which they were added.
func (e *CoreError) WithFrame(function string, line int) *CoreError {
	e.Frames = append(e.Frames, StackFrame{Function: function, Line: line})
	return e
}

// New wraps a message of the given kind with a stack trace taken at the
// call site.
func New(kind Kind, msg string) error {
	return errors.WithStack(&CoreError{Kind: kind, Message: msg})
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return New(kind, fmt.Sprintf(format, args...))
}

func BadRequestf(format string, args ...interface{}) error {
	return Newf(BadRequest, format, args...)
}

func OutOfMemoryf(format string, args ...interface{}) error {
	return Newf(OutOfMemory, format, args...)
}

func BorrowErrorf(format string, args ...interface{}) error {
	return Newf(BorrowError, format, args...)
}

func IndexOutOfBoundsf(format string, args ...interface{}) error {
	return Newf(IndexOutOfBounds, format, args...)
}

func UnboundNamef(format string, args ...interface{}) error {
	return Newf(UnboundName, format, args...)
}

func NotCallablef(format string, args ...interface{}) error {
	return Newf(NotCallable, format, args...)
}

func ArityMismatchf(format string, args ...interface{}) error {
	return Newf(ArityMismatch, format, args...)
}

func TypeMismatchf(format string, args ...interface{}) error {
	return Newf(TypeMismatch, format, args...)
}

func ArithmeticOverflowf(format string, args ...interface{}) error {
	return Newf(ArithmeticOverflow, format, args...)
}

// NewParseError builds a ParseError already carrying a source location,
// since the reader always knows where it failed.
func NewParseError(loc SourceLocation, format string, args ...interface{}) error {
	ce := &CoreError{Kind: ParseError, Message: fmt.Sprintf(format, args...), Location: loc}
	return errors.WithStack(ce)
}

// CoreOf unwraps a github.com/pkg/errors stack annotation to recover the
// underlying *CoreError, if the error originated in this package.
func CoreOf(err error) (*CoreError, bool) {
	cause := errors.Cause(err)
	ce, ok := cause.(*CoreError)
	return ce, ok
}

// KindOf recovers the taxonomy Kind from an error produced by this
// package.
func KindOf(err error) (Kind, bool) {
	ce, ok := CoreOf(err)
	if !ok {
		return "", false
	}
	return ce.Kind, true
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
