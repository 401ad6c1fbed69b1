// Package gcs provides the gs:// backend for Google Cloud Storage. URIs
// name the bucket as authority: gs://bucket/object.
//
// Directories are prefixes, optionally backed by a marker object with a
// trailing slash. Writes stream through a resumable upload that only
// becomes visible when the stream closes; aborting cancels the upload.
// Monitors poll.
package gcs

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
)

const directoryContentType = "application/x-directory"

// Backend serves gs:// URIs.
type Backend struct {
	client *storage.Client
	prefix string
	poll   time.Duration
	logger *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix places every object below prefix inside its bucket.
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		b.prefix = prefix
	}
}

// WithPollInterval sets how often monitors list their directory.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) { b.poll = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a Google Cloud Storage backend.
func New(client *storage.Client, opts ...Option) *Backend {
	b := &Backend{client: client}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Named(b.logger, "gcs")
	return b
}

// Name implements fileio.Backend.
func (b *Backend) Name() string { return "gcs" }

// Supports implements fileio.Backend.
func (b *Backend) Supports(scheme string) bool { return scheme == "gs" }

// Resolve implements fileio.Backend.
func (b *Backend) Resolve(uri string) (fileio.File, error) {
	_, bucket, p, err := fileio.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	if bucket == "" {
		return nil, &fileio.PathError{Op: "resolve", Path: uri, Err: fileio.ErrInvalidURI}
	}
	return &File{b: b, bucket: bucket, path: p}, nil
}

// Close releases the client's connections.
func (b *Backend) Close() error {
	return b.client.Close()
}

// ============================================================================
// File
// ============================================================================

// File is an object or object prefix in a bucket.
type File struct {
	b      *Backend
	bucket string
	path   string
}

var (
	_ fileio.Readable    = (*File)(nil)
	_ fileio.Writable    = (*File)(nil)
	_ fileio.Enumerable  = (*File)(nil)
	_ fileio.Monitorable = (*File)(nil)
	_ fileio.Deleter     = (*File)(nil)
	_ fileio.DirMaker    = (*File)(nil)
	_ fileio.Copier      = (*File)(nil)
)

func (f *File) URI() string             { return fileio.BuildURI("gs", f.bucket, f.path) }
func (f *File) Name() string            { return fileio.BaseName(f.path) }
func (f *File) Path() string            { return f.path }
func (f *File) Backend() fileio.Backend { return f.b }

func (f *File) Parent() fileio.File {
	p, ok := fileio.ParentPath(f.path)
	if !ok {
		return nil
	}
	return &File{b: f.b, bucket: f.bucket, path: p}
}

func (f *File) Child(name string) fileio.File {
	return &File{b: f.b, bucket: f.bucket, path: fileio.CleanPath(path.Join(f.path, name))}
}

// key is the object name, "" for the bucket root
func (f *File) key() string {
	if f.path == "/" {
		return strings.TrimSuffix(f.b.prefix, "/")
	}
	return f.b.prefix + strings.TrimPrefix(f.path, "/")
}

// dirPrefix is the name prefix of the file's children
func (f *File) dirPrefix() string {
	if f.path == "/" {
		return f.b.prefix
	}
	return f.key() + "/"
}

func (f *File) object() *storage.ObjectHandle {
	return f.b.client.Bucket(f.bucket).Object(f.key())
}

func (f *File) fail(op string, err error) error {
	return mapError(op, f.URI(), err)
}

func (f *File) QueryInfo(ctx context.Context, attrs string) (*fileio.FileInfo, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "query", Path: f.URI(), Err: err}
	}
	m := fileio.NewAttributeMatcher(attrs)
	if f.path == "/" {
		return dirInfo(f.bucket).Filter(m), nil
	}

	oa, err := f.object().Attrs(ctx)
	if err == nil {
		return objectInfo(f.Name(), oa).Filter(m), nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return nil, f.fail("query", err)
	}

	isDir, err := f.hasChildren(ctx)
	if err != nil {
		return nil, f.fail("query", err)
	}
	if !isDir {
		return nil, &fileio.PathError{Op: "query", Path: f.URI(), Err: fileio.ErrNotExist}
	}
	return dirInfo(f.Name()).Filter(m), nil
}

// hasChildren reports whether a marker or any object exists below the file
func (f *File) hasChildren(ctx context.Context) (bool, error) {
	names, err := f.firstObjects(ctx, 1)
	return len(names) > 0, err
}

// firstObjects returns up to n object names below the file's prefix
func (f *File) firstObjects(ctx context.Context, n int) ([]string, error) {
	q := &storage.Query{Prefix: f.dirPrefix()}
	if err := q.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, err
	}
	it := f.b.client.Bucket(f.bucket).Objects(ctx, q)
	var names []string
	for len(names) < n {
		oa, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, oa.Name)
	}
	return names, nil
}

func dirInfo(name string) *fileio.FileInfo {
	info := fileio.NewFileInfo()
	info.SetName(name)
	info.SetString(fileio.AttrStandardDisplayName, name)
	fileio.SetTypeAttributes(info, name, fileio.FileTypeDirectory, nil)
	info.SetSize(0)
	return info
}

func objectInfo(name string, oa *storage.ObjectAttrs) *fileio.FileInfo {
	info := fileio.NewFileInfo()
	info.SetName(name)
	info.SetString(fileio.AttrStandardDisplayName, name)
	fileio.SetTypeAttributes(info, name, fileio.FileTypeRegular, nil)
	info.SetSize(uint64(oa.Size))
	if !oa.Updated.IsZero() {
		info.SetModTime(oa.Updated)
	}
	if oa.Etag != "" {
		info.SetString(fileio.AttrEtagValue, oa.Etag)
	}
	if oa.ContentType != "" {
		info.SetContentType(oa.ContentType)
	}
	return info
}

func (f *File) OpenRead(ctx context.Context) (*fileio.InputStream, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: err}
	}
	if f.path == "/" {
		return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrIsDir}
	}

	r, err := f.object().NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			if isDir, derr := f.hasChildren(ctx); derr == nil && isDir {
				return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrIsDir}
			}
		}
		return nil, f.fail("read", err)
	}
	return fileio.NewInputStream(ctx, f.URI(), r), nil
}

// OpenWrite implements fileio.Writable. WriteCreate is enforced again at
// upload time with a DoesNotExist precondition. Objects are immutable, so
// append rewrites the object with the old content first.
func (f *File) OpenWrite(ctx context.Context, mode fileio.WriteMode) (*fileio.OutputStream, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: err}
	}

	info, err := f.QueryInfo(ctx, fileio.AttrStandardType)
	switch {
	case err == nil && info.IsDir():
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: fileio.ErrIsDir}
	case err == nil && mode == fileio.WriteCreate:
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: fileio.ErrExist}
	case err != nil && !fileio.IsNotExist(err):
		return nil, err
	}
	exists := err == nil

	var existing []byte
	if mode == fileio.WriteAppend && exists {
		if existing, err = fileio.ReadAll(ctx, f); err != nil {
			return nil, err
		}
	}

	obj := f.object()
	if mode == fileio.WriteCreate {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	wctx, cancel := context.WithCancel(ctx)
	sw := obj.NewWriter(wctx)
	if ct := fileio.GuessContentType(f.Name(), nil); ct != fileio.ContentTypeUnknown {
		sw.ContentType = ct
	}

	w := &writer{f: f, w: sw, cancel: cancel}
	if len(existing) > 0 {
		if _, err := sw.Write(existing); err != nil {
			_ = w.Abort()
			return nil, f.fail("write", err)
		}
	}
	return fileio.NewOutputStream(ctx, f.URI(), w), nil
}

// writer wraps a resumable upload; cancelling its context abandons it
type writer struct {
	f      *File
	w      *storage.Writer
	cancel context.CancelFunc
}

func (w *writer) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *writer) Abort() error {
	w.cancel()
	_ = w.w.Close()
	return nil
}

func (w *writer) Close() error {
	defer w.cancel()
	if err := w.w.Close(); err != nil {
		return mapError("write", w.f.URI(), err)
	}
	return nil
}

// ListChildren implements fileio.Enumerable. The listing uses "/" as
// delimiter so deeper objects show up as directories.
func (f *File) ListChildren(ctx context.Context, attrs string) iter.Seq2[*fileio.FileInfo, error] {
	return func(yield func(*fileio.FileInfo, error) bool) {
		m := fileio.NewAttributeMatcher(attrs)
		prefix := f.dirPrefix()
		it := f.b.client.Bucket(f.bucket).Objects(ctx, &storage.Query{
			Prefix:    prefix,
			Delimiter: "/",
		})

		found := false
		for {
			if err := fileio.ContextError(ctx); err != nil {
				yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
				return
			}
			oa, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				yield(nil, f.fail("list", err))
				return
			}

			if oa.Prefix != "" {
				name := strings.TrimSuffix(strings.TrimPrefix(oa.Prefix, prefix), "/")
				if name == "" {
					continue
				}
				found = true
				if !yield(dirInfo(name).Filter(m), nil) {
					return
				}
				continue
			}

			found = true
			if oa.Name == prefix {
				// directory marker
				continue
			}
			name := strings.TrimPrefix(oa.Name, prefix)
			if !yield(objectInfo(name, oa).Filter(m), nil) {
				return
			}
		}

		if !found && f.path != "/" {
			info, err := f.QueryInfo(ctx, fileio.AttrStandardType)
			if err != nil {
				yield(nil, err)
				return
			}
			if !info.IsDir() {
				yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: fileio.ErrNotDir})
			}
		}
	}
}

// Delete implements fileio.Deleter. A directory can be deleted when
// nothing but its marker is left.
func (f *File) Delete(ctx context.Context) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "delete", Path: f.URI(), Err: err}
	}
	if f.path == "/" {
		return &fileio.PathError{Op: "delete", Path: f.URI(), Err: fileio.ErrPermission}
	}

	obj := f.object()
	_, err := obj.Attrs(ctx)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrObjectNotExist):
		names, lerr := f.firstObjects(ctx, 2)
		if lerr != nil {
			return f.fail("delete", lerr)
		}
		if len(names) == 0 {
			return &fileio.PathError{Op: "delete", Path: f.URI(), Err: fileio.ErrNotExist}
		}
		if len(names) > 1 || names[0] != f.dirPrefix() {
			return &fileio.PathError{Op: "delete", Path: f.URI(), Err: fileio.ErrNotEmpty}
		}
		obj = f.b.client.Bucket(f.bucket).Object(f.dirPrefix())
	default:
		return f.fail("delete", err)
	}

	if err := obj.Delete(ctx); err != nil {
		return f.fail("delete", err)
	}
	return nil
}

// MakeDirectory implements fileio.DirMaker by writing a marker object.
func (f *File) MakeDirectory(ctx context.Context) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "mkdir", Path: f.URI(), Err: err}
	}
	if _, err := f.QueryInfo(ctx, fileio.AttrStandardType); err == nil {
		return &fileio.PathError{Op: "mkdir", Path: f.URI(), Err: fileio.ErrExist}
	} else if !fileio.IsNotExist(err) {
		return err
	}
	if parent := f.Parent(); parent != nil && parent.Path() != "/" {
		info, err := parent.QueryInfo(ctx, fileio.AttrStandardType)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return &fileio.PathError{Op: "mkdir", Path: f.URI(), Err: fileio.ErrNotDir}
		}
	}

	w := f.b.client.Bucket(f.bucket).Object(f.dirPrefix()).NewWriter(ctx)
	w.ContentType = directoryContentType
	if err := w.Close(); err != nil {
		return f.fail("mkdir", err)
	}
	return nil
}

// CopyTo implements fileio.Copier with a server side rewrite, which also
// works across buckets. Progress is reported once.
func (f *File) CopyTo(ctx context.Context, dst fileio.File, flags fileio.CopyFlags, progress fileio.ProgressFunc) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: err}
	}
	d, ok := dst.(*File)
	if !ok || d.b != f.b {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: fileio.ErrNotSupported}
	}

	info, err := f.QueryInfo(ctx, "standard::type,standard::size")
	if err != nil {
		return err
	}
	if info.IsDir() {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: fileio.ErrNotSupported}
	}
	dinfo, err := d.QueryInfo(ctx, fileio.AttrStandardType)
	switch {
	case err == nil && dinfo.IsDir():
		return &fileio.PathError{Op: "copy", Path: d.URI(), Err: fileio.ErrIsDir}
	case err == nil && !flags.Has(fileio.CopyOverwrite):
		return &fileio.PathError{Op: "copy", Path: d.URI(), Err: fileio.ErrExist}
	case err != nil && !fileio.IsNotExist(err):
		return err
	}

	target := d.object()
	if !flags.Has(fileio.CopyOverwrite) {
		target = target.If(storage.Conditions{DoesNotExist: true})
	}
	if _, err := target.CopierFrom(f.object()).Run(ctx); err != nil {
		return f.fail("copy", err)
	}

	size, _ := info.Size()
	if progress != nil {
		progress(int64(size), int64(size))
	}
	return nil
}

// Monitor implements fileio.Monitorable by polling the listing.
func (f *File) Monitor(ctx context.Context) (fileio.Monitor, error) {
	m, err := fileio.NewPollingMonitor(ctx, f, fileio.PollingConfig{Interval: f.b.poll})
	if err != nil {
		return nil, err
	}
	f.b.logger.Debug("polling monitor started", logging.URI(f.URI()))
	return m, nil
}

// mapError maps GCS errors to fileio errors
func mapError(op, uri string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotExist}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotExist}
		case http.StatusForbidden, http.StatusUnauthorized:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrPermission}
		case http.StatusPreconditionFailed:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrExist}
		case http.StatusNotImplemented:
			return &fileio.PathError{Op: op, Path: uri, Err: fileio.ErrNotSupported}
		}
	}
	return fileio.FromOSError(op, uri, err)
}

var _ io.Closer = (*Backend)(nil)
