// Package xerrors implements the closed error taxonomy that every AgentFS
// component (the vfs engine, the snapshot/branch manager, the control-plane
// dispatcher and the supervisor) surfaces to its callers. A FUSE or
// interposition adapter translates a *Error's Code into the host's errno;
// that translation is outside this package's contract (spec §6).
package xerrors

import (
	"errors"
	"fmt"
)

// Code is one member of the closed taxonomy from spec.md §7.
type Code int

const (
	// Unknown is the zero value of Code, so it is not mistaken for a real
	// outcome; CodeOf reports it for an error that is not (and does not
	// wrap) an *Error.
	Unknown Code = iota
	NotFound
	AlreadyExists
	AccessDenied
	InvalidArgument
	NotADirectory
	IsADirectory
	Busy
	NotSupported
	WouldBlock
	IO
	Loop
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case AccessDenied:
		return "access_denied"
	case InvalidArgument:
		return "invalid_argument"
	case NotADirectory:
		return "not_a_directory"
	case IsADirectory:
		return "is_a_directory"
	case Busy:
		return "busy"
	case NotSupported:
		return "not_supported"
	case WouldBlock:
		return "would_block"
	case IO:
		return "io"
	case Loop:
		return "loop"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every AgentFS component.
// Component names the originating subsystem (e.g. "vfs", "snapshot",
// "controlplane", "supervisor", "registry") so that logs and the
// control-plane Error response can carry provenance without exposing
// internal state, per spec.md §7 ("User-visible messages embed the
// originating component tag but not internal state").
type Error struct {
	Code      Code
	Component string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, target) match when target is (or wraps) an *Error
// with the same Code, whatever its component, message or wrapped cause. A
// bare Code is not an error; compare against one with CodeOf or Is below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New constructs a tagged *Error with no wrapped cause.
func New(component string, code Code, format string, args ...any) *Error {
	return &Error{Component: component, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a tagged *Error that wraps an underlying cause (typically
// a backstore I/O failure surfaced as Code IO).
func Wrap(component string, code Code, err error, format string, args ...any) *Error {
	return &Error{Component: component, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code carried by err, or Unknown if err is not (and
// does not wrap) an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// Is reports whether err's code equals code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
