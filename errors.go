package fileio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Error kinds. Every error returned by this module matches exactly one of
// the first nine sentinels under errors.Is; use Kind to classify.
var (
	ErrNotExist          = errors.New("file does not exist")
	ErrPermission        = errors.New("permission denied")
	ErrExist             = errors.New("file already exists")
	ErrNotEmpty          = errors.New("directory not empty")
	ErrIsDir             = errors.New("is a directory")
	ErrUnsupportedScheme = errors.New("unsupported uri scheme")
	ErrNotSupported      = errors.New("operation not supported")
	ErrCancelled         = errors.New("operation cancelled")
	ErrIO                = errors.New("i/o error")
)

// Finer-grained errors. Each one also matches one of the kinds above.
var (
	ErrNotDir     = &kindError{msg: "not a directory", kind: ErrNotExist}
	ErrClosed     = &kindError{msg: "stream already closed", kind: ErrIO}
	ErrInvalidURI = &kindError{msg: "invalid uri", kind: ErrUnsupportedScheme}
	ErrReadOnly   = &kindError{msg: "backend is read-only", kind: ErrPermission}
)

var kinds = []error{
	ErrCancelled,
	ErrNotExist,
	ErrPermission,
	ErrExist,
	ErrNotEmpty,
	ErrIsDir,
	ErrUnsupportedScheme,
	ErrNotSupported,
	ErrIO,
}

type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string        { return e.msg }
func (e *kindError) Is(target error) bool { return target == e.kind }

// PathError records an error and the operation and URI that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// IOError is a transport failure that has no more specific kind.
// It matches ErrIO and unwraps to the cause.
type IOError struct {
	Err error
}

func (e *IOError) Error() string {
	return "i/o error: " + e.Err.Error()
}

func (e *IOError) Unwrap() error        { return e.Err }
func (e *IOError) Is(target error) bool { return target == ErrIO }

// Kind classifies err into one of the taxonomy sentinels. It returns nil
// for a nil error and ErrIO for anything it does not recognise.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	if k := kindOfOS(err); k != nil {
		return Kind(k)
	}
	return ErrIO
}

func kindOfOS(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT:
			return ErrNotExist
		case syscall.EACCES, syscall.EPERM, syscall.EROFS:
			return ErrPermission
		case syscall.EEXIST:
			return ErrExist
		case syscall.ENOTEMPTY:
			return ErrNotEmpty
		case syscall.EISDIR:
			return ErrIsDir
		case syscall.EXDEV, syscall.ENOSYS, syscall.EOPNOTSUPP:
			return ErrNotSupported
		case syscall.ENOTDIR:
			return ErrNotDir
		}
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotExist
	case errors.Is(err, fs.ErrPermission):
		return ErrPermission
	case errors.Is(err, fs.ErrExist):
		return ErrExist
	case errors.Is(err, fs.ErrClosed):
		return ErrClosed
	}
	return nil
}

// FromOSError converts an error from the os package or a syscall into a
// *PathError carrying the matching kind. Errors that already carry a kind
// are wrapped unchanged.
func FromOSError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &PathError{Op: op, Path: path, Err: ErrCancelled}
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return &PathError{Op: op, Path: path, Err: err}
		}
	}
	if k := kindOfOS(err); k != nil {
		return &PathError{Op: op, Path: path, Err: k}
	}
	return &PathError{Op: op, Path: path, Err: &IOError{Err: err}}
}

// IsNotExist reports whether an error indicates that a file or directory
// does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsExist reports whether an error indicates that a file or directory
// already exists
func IsExist(err error) bool {
	return errors.Is(err, ErrExist)
}

// IsPermission reports whether an error indicates that permission is denied
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsCancelled reports whether an error is a cancellation, either ours or
// one coming from a context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ContextError returns ErrCancelled if ctx is done and nil otherwise.
func ContextError(ctx context.Context) error {
	if ctx == nil || ctx.Err() == nil {
		return nil
	}
	return ErrCancelled
}
