// Package s3 provides the s3:// backend for Amazon S3 and compatible
// object stores. URIs name the bucket as authority: s3://bucket/key.
//
// S3 has no directories. A directory exists when a marker object with a
// trailing slash exists or when any key lives below it. Writes are
// buffered and uploaded with a single PutObject on Close. Monitors poll.
package s3

import (
	"bytes"
	"context"
	"iter"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
)

const directoryContentType = "application/x-directory"

// Client is the subset of *s3.Client the backend uses.
type Client interface {
	s3.ListObjectsV2APIClient
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

var _ Client = (*s3.Client)(nil)

// Backend serves s3:// URIs.
type Backend struct {
	client Client
	prefix string
	poll   time.Duration
	logger *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix places every key below prefix inside its bucket.
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

// New creates an S3 backend.
func New(client Client, opts ...Option) *Backend {
	b := &Backend{client: client}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Named(b.logger, "s3")
	return b
}

// Name implements fileio.Backend.
func (b *Backend) Name() string { return "s3" }

// Supports implements fileio.Backend.
func (b *Backend) Supports(scheme string) bool { return scheme == "s3" }

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

// ============================================================================
// File
// ============================================================================

// File is an object or key prefix in a bucket.
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

func (f *File) URI() string             { return fileio.BuildURI("s3", f.bucket, f.path) }
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

// key is the object key, "" for the bucket root
func (f *File) key() string {
	if f.path == "/" {
		return strings.TrimSuffix(f.b.prefix, "/")
	}
	return f.b.prefix + strings.TrimPrefix(f.path, "/")
}

// dirPrefix is the key prefix of the file's children
func (f *File) dirPrefix() string {
	if f.path == "/" {
		return f.b.prefix
	}
	return f.key() + "/"
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

	head, err := f.b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key()),
	})
	if err == nil {
		info := objectInfo(f.Name(), aws.ToInt64(head.ContentLength), head.LastModified, head.ETag)
		if ct := aws.ToString(head.ContentType); ct != "" {
			info.SetContentType(ct)
		}
		return info.Filter(m), nil
	}
	if !isNotFound(err) {
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

// hasChildren reports whether a marker or any key exists below the file
func (f *File) hasChildren(ctx context.Context) (bool, error) {
	out, err := f.b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(f.bucket),
		Prefix:  aws.String(f.dirPrefix()),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func dirInfo(name string) *fileio.FileInfo {
	info := fileio.NewFileInfo()
	info.SetName(name)
	info.SetString(fileio.AttrStandardDisplayName, name)
	fileio.SetTypeAttributes(info, name, fileio.FileTypeDirectory, nil)
	info.SetSize(0)
	return info
}

func objectInfo(name string, size int64, modified *time.Time, etag *string) *fileio.FileInfo {
	info := fileio.NewFileInfo()
	info.SetName(name)
	info.SetString(fileio.AttrStandardDisplayName, name)
	fileio.SetTypeAttributes(info, name, fileio.FileTypeRegular, nil)
	info.SetSize(uint64(size))
	if modified != nil {
		info.SetModTime(*modified)
	}
	if etag != nil {
		info.SetString(fileio.AttrEtagValue, strings.Trim(*etag, `"`))
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

	out, err := f.b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(f.key()),
	})
	if err != nil {
		if isNotFound(err) {
			if isDir, derr := f.hasChildren(ctx); derr == nil && isDir {
				return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrIsDir}
			}
		}
		return nil, f.fail("read", err)
	}
	return fileio.NewInputStream(ctx, f.URI(), out.Body), nil
}

// OpenWrite implements fileio.Writable. WriteCreate is enforced again at
// upload time with a conditional put.
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

	w := &writer{ctx: ctx, f: f, mode: mode}
	if mode == fileio.WriteAppend && err == nil {
		existing, err := fileio.ReadAll(ctx, f)
		if err != nil {
			return nil, err
		}
		w.buf.Write(existing)
	}
	return fileio.NewOutputStream(ctx, f.URI(), w), nil
}

// writer buffers the object and uploads it on Close
type writer struct {
	ctx  context.Context
	f    *File
	mode fileio.WriteMode
	buf  bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *writer) Abort() error {
	w.buf.Reset()
	return nil
}

func (w *writer) Close() error {
	if err := fileio.ContextError(w.ctx); err != nil {
		return err
	}
	data := w.buf.Bytes()
	sniff := data
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(w.f.bucket),
		Key:         aws.String(w.f.key()),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(fileio.GuessContentType(w.f.Name(), sniff)),
	}
	if w.mode == fileio.WriteCreate {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := w.f.b.client.PutObject(w.ctx, in); err != nil {
		return mapError("write", w.f.URI(), err)
	}
	return nil
}

// ListChildren implements fileio.Enumerable. Keys are grouped on "/" so
// deeper keys show up as directories.
func (f *File) ListChildren(ctx context.Context, attrs string) iter.Seq2[*fileio.FileInfo, error] {
	return func(yield func(*fileio.FileInfo, error) bool) {
		m := fileio.NewAttributeMatcher(attrs)
		prefix := f.dirPrefix()
		pages := s3.NewListObjectsV2Paginator(f.b.client, &s3.ListObjectsV2Input{
			Bucket:    aws.String(f.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
		})

		found := false
		for pages.HasMorePages() {
			if err := fileio.ContextError(ctx); err != nil {
				yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
				return
			}
			page, err := pages.NextPage(ctx)
			if err != nil {
				yield(nil, f.fail("list", err))
				return
			}

			for _, cp := range page.CommonPrefixes {
				name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
				if name == "" {
					continue
				}
				found = true
				if !yield(dirInfo(name).Filter(m), nil) {
					return
				}
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				found = true
				if key == prefix {
					// directory marker
					continue
				}
				name := strings.TrimPrefix(key, prefix)
				if !yield(objectInfo(name, aws.ToInt64(obj.Size), obj.LastModified, obj.ETag).Filter(m), nil) {
					return
				}
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

	key := f.key()
	_, err := f.b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
	case isNotFound(err):
		out, lerr := f.b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(f.bucket),
			Prefix:  aws.String(f.dirPrefix()),
			MaxKeys: aws.Int32(2),
		})
		if lerr != nil {
			return f.fail("delete", lerr)
		}
		if len(out.Contents) == 0 {
			return &fileio.PathError{Op: "delete", Path: f.URI(), Err: fileio.ErrNotExist}
		}
		if len(out.Contents) > 1 || aws.ToString(out.Contents[0].Key) != f.dirPrefix() {
			return &fileio.PathError{Op: "delete", Path: f.URI(), Err: fileio.ErrNotEmpty}
		}
		key = f.dirPrefix()
	default:
		return f.fail("delete", err)
	}

	if _, err := f.b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(key),
	}); err != nil {
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

	if _, err := f.b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(f.bucket),
		Key:         aws.String(f.dirPrefix()),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String(directoryContentType),
	}); err != nil {
		return f.fail("mkdir", err)
	}
	return nil
}

// CopyTo implements fileio.Copier with a server side CopyObject, which
// also works across buckets. Progress is reported once.
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

	source := (&url.URL{Path: f.bucket + "/" + f.key()}).EscapedPath()
	if _, err := f.b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(d.bucket),
		Key:        aws.String(d.key()),
		CopySource: aws.String(source),
	}); err != nil {
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
