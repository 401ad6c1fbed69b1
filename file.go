package fileio

import (
	"context"
	"iter"
)

// File is a lightweight handle on a resource addressed by URI. It holds no
// open descriptors; streams and monitors are opened on demand.
//
// Every File supports QueryInfo. The remaining operations are optional
// capabilities, detected with a type assertion:
//
//	if r, ok := f.(fileio.Readable); ok {
//	    in, err := r.OpenRead(ctx)
//	    ...
//	}
//
// The helpers OpenRead, OpenWrite, ListChildren and friends perform the
// assertion and return ErrNotSupported when the capability is missing.
type File interface {
	// URI returns the URI this file was resolved from, normalised.
	URI() string

	// Name returns the last path element.
	Name() string

	// Path returns the backend-relative path, always starting with "/".
	Path() string

	// Backend returns the backend that produced this file.
	Backend() Backend

	// Parent returns the containing directory, or nil at the root.
	Parent() File

	// Child returns a handle for name inside this file.
	Child(name string) File

	// QueryInfo returns the attributes selected by attrs (see
	// AttributeMatcher). Attributes the backend cannot supply are omitted.
	QueryInfo(ctx context.Context, attrs string) (*FileInfo, error)
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// Readable files can be opened for sequential reading.
type Readable interface {
	OpenRead(ctx context.Context) (*InputStream, error)
}

// Writable files can be opened for sequential writing.
type Writable interface {
	OpenWrite(ctx context.Context, mode WriteMode) (*OutputStream, error)
}

// Enumerable files are directories whose children can be listed.
//
// ListChildren returns a lazy sequence; each range over it performs a new
// enumeration. An error is yielded at most once and ends the sequence.
type Enumerable interface {
	ListChildren(ctx context.Context, attrs string) iter.Seq2[*FileInfo, error]
}

// Monitorable files report changes to their direct children.
type Monitorable interface {
	Monitor(ctx context.Context) (Monitor, error)
}

// Deleter removes a single entry. Directories must be empty.
type Deleter interface {
	Delete(ctx context.Context) error
}

// DirMaker creates the directory the file refers to. The parent must exist.
type DirMaker interface {
	MakeDirectory(ctx context.Context) error
}

// Renamer moves a file natively within its backend. Implementations return
// ErrNotSupported when dst is not reachable natively, which lets callers
// fall back to copy and delete.
type Renamer interface {
	MoveTo(ctx context.Context, dst File, flags CopyFlags) error
}

// Copier copies a regular file natively within its backend. It must call
// progress after each unit of work it completes and return ErrNotSupported
// when dst is not reachable natively. Copiers that move data in chunks use
// ChunkSize(ctx) as the unit when it is set.
type Copier interface {
	CopyTo(ctx context.Context, dst File, flags CopyFlags, progress ProgressFunc) error
}

// Symlinker creates a symbolic link at the file's location pointing to
// target, which is stored verbatim and may be relative.
type Symlinker interface {
	MakeSymbolicLink(ctx context.Context, target string) error
}

// Trasher moves a file to a recoverable trash location.
type Trasher interface {
	Trash(ctx context.Context) error
}

// LocalFile is implemented by files that live on a local filesystem.
type LocalFile interface {
	LocalPath() string
}

// WriteMode selects how OpenWrite treats an existing file.
type WriteMode int

const (
	// WriteReplace truncates an existing file or creates a new one.
	WriteReplace WriteMode = iota
	// WriteCreate fails with ErrExist when the file exists.
	WriteCreate
	// WriteAppend appends to an existing file or creates a new one.
	WriteAppend
)

func (m WriteMode) String() string {
	switch m {
	case WriteCreate:
		return "create"
	case WriteAppend:
		return "append"
	default:
		return "replace"
	}
}

// CopyFlags controls copy, move and delete preconditions.
type CopyFlags uint32

const (
	CopyNone CopyFlags = 0
	// CopyOverwrite replaces an existing destination.
	CopyOverwrite CopyFlags = 1 << (iota - 1)
	// CopyBackup is accepted for compatibility and currently ignored.
	CopyBackup
	// CopyNoFallbackForMove makes a move fail instead of copying when a
	// native rename is not possible.
	CopyNoFallbackForMove
	// CopyRecursive descends into directories for copy and delete.
	CopyRecursive
)

// Has reports whether all bits of f are set.
func (c CopyFlags) Has(f CopyFlags) bool { return c&f == f }

// ProgressFunc receives the bytes transferred so far and the expected
// total, which is 0 when the size is unknown.
type ProgressFunc func(current, total int64)

type chunkSizeKey struct{}

// WithChunkSize returns a copy of ctx asking Copier implementations to
// transfer n bytes between progress calls.
func WithChunkSize(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, chunkSizeKey{}, n)
}

// ChunkSize returns the chunk size set with WithChunkSize, or 0.
func ChunkSize(ctx context.Context) int {
	n, _ := ctx.Value(chunkSizeKey{}).(int)
	if n < 0 {
		return 0
	}
	return n
}

// ============================================================================
// Capability helpers
// ============================================================================

// OpenRead opens f for reading.
func OpenRead(ctx context.Context, f File) (*InputStream, error) {
	r, ok := f.(Readable)
	if !ok {
		return nil, &PathError{Op: "read", Path: f.URI(), Err: ErrNotSupported}
	}
	return r.OpenRead(ctx)
}

// OpenWrite opens f for writing.
func OpenWrite(ctx context.Context, f File, mode WriteMode) (*OutputStream, error) {
	w, ok := f.(Writable)
	if !ok {
		return nil, &PathError{Op: "write", Path: f.URI(), Err: ErrNotSupported}
	}
	return w.OpenWrite(ctx, mode)
}

// ListChildren lists f's children. For files that are not Enumerable the
// sequence yields a single ErrNotSupported.
func ListChildren(ctx context.Context, f File, attrs string) iter.Seq2[*FileInfo, error] {
	e, ok := f.(Enumerable)
	if !ok {
		return func(yield func(*FileInfo, error) bool) {
			yield(nil, &PathError{Op: "list", Path: f.URI(), Err: ErrNotSupported})
		}
	}
	return e.ListChildren(ctx, attrs)
}

// Children collects f's children into a slice.
func Children(ctx context.Context, f File, attrs string) ([]*FileInfo, error) {
	var out []*FileInfo
	for info, err := range ListChildren(ctx, f, attrs) {
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Delete removes f, which must be a file or an empty directory.
func Delete(ctx context.Context, f File) error {
	d, ok := f.(Deleter)
	if !ok {
		return &PathError{Op: "delete", Path: f.URI(), Err: ErrNotSupported}
	}
	return d.Delete(ctx)
}

// MakeDirectory creates the directory f refers to.
func MakeDirectory(ctx context.Context, f File) error {
	d, ok := f.(DirMaker)
	if !ok {
		return &PathError{Op: "mkdir", Path: f.URI(), Err: ErrNotSupported}
	}
	return d.MakeDirectory(ctx)
}

// StartMonitor opens a monitor on f.
func StartMonitor(ctx context.Context, f File) (Monitor, error) {
	m, ok := f.(Monitorable)
	if !ok {
		return nil, &PathError{Op: "monitor", Path: f.URI(), Err: ErrNotSupported}
	}
	return m.Monitor(ctx)
}

// MakeSymbolicLink creates a symbolic link at f pointing to target.
func MakeSymbolicLink(ctx context.Context, f File, target string) error {
	s, ok := f.(Symlinker)
	if !ok {
		return &PathError{Op: "symlink", Path: f.URI(), Err: ErrNotSupported}
	}
	return s.MakeSymbolicLink(ctx, target)
}

// Exists reports whether f refers to an existing entry. Errors other than
// ErrNotExist are returned.
func Exists(ctx context.Context, f File) (bool, error) {
	_, err := f.QueryInfo(ctx, AttrStandardType)
	if err == nil {
		return true, nil
	}
	if IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// SameBackend reports whether a and b were produced by the same backend.
func SameBackend(a, b File) bool {
	return a.Backend() == b.Backend()
}
