package fileio

import (
	"context"
	"iter"
)

// ============================================================================
// ReadOnly Backend Decorator
// ============================================================================

// ReadOnlyOptions configures the ReadOnly decorator.
type ReadOnlyOptions struct {
	// AllowCreateDir permits MakeDirectory.
	// Default: false
	AllowCreateDir bool

	// AllowDelete permits Delete and Trash.
	// Default: false
	AllowDelete bool
}

// ReadOnlyBackend wraps a Backend so that every file it resolves refuses
// mutation with ErrReadOnly. Reads, listings and monitors pass through.
//
//	ro := fileio.ReadOnly(local.New())
//	f, _ := ro.Resolve("file:///srv/data/report.pdf")
//	err := fileio.Delete(ctx, f) // matches ErrReadOnly and ErrPermission
type ReadOnlyBackend struct {
	inner Backend
	opts  ReadOnlyOptions
}

// ReadOnly wraps b with default options.
func ReadOnly(b Backend, opts ...ReadOnlyOptions) *ReadOnlyBackend {
	var o ReadOnlyOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return &ReadOnlyBackend{inner: b, opts: o}
}

// Unwrap returns the wrapped backend.
func (b *ReadOnlyBackend) Unwrap() Backend { return b.inner }

func (b *ReadOnlyBackend) Name() string { return b.inner.Name() + "+ro" }

func (b *ReadOnlyBackend) Supports(scheme string) bool { return b.inner.Supports(scheme) }

func (b *ReadOnlyBackend) Resolve(uri string) (File, error) {
	f, err := b.inner.Resolve(uri)
	if err != nil {
		return nil, err
	}
	return b.wrap(f), nil
}

func (b *ReadOnlyBackend) wrap(f File) File {
	if f == nil {
		return nil
	}
	return &readOnlyFile{inner: f, backend: b}
}

type readOnlyFile struct {
	inner   File
	backend *ReadOnlyBackend
}

var (
	_ Readable    = (*readOnlyFile)(nil)
	_ Writable    = (*readOnlyFile)(nil)
	_ Enumerable  = (*readOnlyFile)(nil)
	_ Monitorable = (*readOnlyFile)(nil)
	_ Deleter     = (*readOnlyFile)(nil)
	_ DirMaker    = (*readOnlyFile)(nil)
	_ Renamer     = (*readOnlyFile)(nil)
	_ Trasher     = (*readOnlyFile)(nil)
)

func (f *readOnlyFile) URI() string      { return f.inner.URI() }
func (f *readOnlyFile) Name() string     { return f.inner.Name() }
func (f *readOnlyFile) Path() string     { return f.inner.Path() }
func (f *readOnlyFile) Backend() Backend { return f.backend }
func (f *readOnlyFile) Parent() File     { return f.backend.wrap(f.inner.Parent()) }

func (f *readOnlyFile) Child(name string) File { return f.backend.wrap(f.inner.Child(name)) }

func (f *readOnlyFile) QueryInfo(ctx context.Context, attrs string) (*FileInfo, error) {
	info, err := f.inner.QueryInfo(ctx, attrs)
	if err != nil {
		return nil, err
	}
	if info.Has(AttrAccessCanWrite) {
		info.SetBool(AttrAccessCanWrite, false)
	}
	if info.Has(AttrAccessCanDelete) {
		info.SetBool(AttrAccessCanDelete, f.backend.opts.AllowDelete)
	}
	if info.Has(AttrAccessCanTrash) {
		info.SetBool(AttrAccessCanTrash, f.backend.opts.AllowDelete)
	}
	return info, nil
}

func (f *readOnlyFile) OpenRead(ctx context.Context) (*InputStream, error) {
	return OpenRead(ctx, f.inner)
}

func (f *readOnlyFile) ListChildren(ctx context.Context, attrs string) iter.Seq2[*FileInfo, error] {
	return ListChildren(ctx, f.inner, attrs)
}

func (f *readOnlyFile) Monitor(ctx context.Context) (Monitor, error) {
	return StartMonitor(ctx, f.inner)
}

func (f *readOnlyFile) OpenWrite(ctx context.Context, mode WriteMode) (*OutputStream, error) {
	return nil, f.denied("write")
}

func (f *readOnlyFile) MoveTo(ctx context.Context, dst File, flags CopyFlags) error {
	return f.denied("move")
}

func (f *readOnlyFile) MakeSymbolicLink(ctx context.Context, target string) error {
	return f.denied("symlink")
}

func (f *readOnlyFile) Delete(ctx context.Context) error {
	if !f.backend.opts.AllowDelete {
		return f.denied("delete")
	}
	return Delete(ctx, f.inner)
}

func (f *readOnlyFile) Trash(ctx context.Context) error {
	if !f.backend.opts.AllowDelete {
		return f.denied("trash")
	}
	t, ok := f.inner.(Trasher)
	if !ok {
		return &PathError{Op: "trash", Path: f.URI(), Err: ErrNotSupported}
	}
	return t.Trash(ctx)
}

func (f *readOnlyFile) MakeDirectory(ctx context.Context) error {
	if !f.backend.opts.AllowCreateDir {
		return f.denied("mkdir")
	}
	return MakeDirectory(ctx, f.inner)
}

func (f *readOnlyFile) denied(op string) error {
	return &PathError{Op: op, Path: f.URI(), Err: ErrReadOnly}
}
