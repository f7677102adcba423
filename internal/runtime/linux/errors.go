//go:build linux

package linux

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorKind classifies a sandbox construction failure. Every kind is a system
// failure of the judging task, never a verdict on the submission.
type ErrorKind string

const (
	KindPrivilege   ErrorKind = "privilege"
	KindResource    ErrorKind = "resource"
	KindMissingPath ErrorKind = "missing_path"
	KindPivot       ErrorKind = "pivot"
	KindSetup       ErrorKind = "setup"
)

// SetupError is returned by every step of namespace creation and root assembly.
type SetupError struct {
	Kind  ErrorKind
	Stage string
	Op    string
	Path  string
	Err   error
}

func (e *SetupError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s %s: %v", e.Stage, e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a SetupError anywhere in err's chain, or
// KindSetup for anything else.
func KindOf(err error) ErrorKind {
	var se *SetupError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindSetup
}

func classify(err error) ErrorKind {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return KindSetup
	}
	switch errno {
	case unix.EPERM, unix.EACCES:
		return KindPrivilege
	case unix.ENOSPC, unix.ENOMEM, unix.EAGAIN, unix.EMFILE, unix.ENFILE, unix.EUSERS:
		return KindResource
	case unix.ENOENT:
		return KindMissingPath
	default:
		return KindSetup
	}
}

func setupErr(stage, op, path string, err error) *SetupError {
	return &SetupError{Kind: classify(err), Stage: stage, Op: op, Path: path, Err: err}
}

// pivotErr marks failures past the point of no return.
func pivotErr(op, path string, err error) *SetupError {
	return &SetupError{Kind: KindPivot, Stage: "pivot", Op: op, Path: path, Err: err}
}
