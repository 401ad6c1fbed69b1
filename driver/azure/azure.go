// Package azure provides the azure:// backend for Azure Blob Storage. URIs
// name the container as authority: azure://container/path.
//
// Like every object store, containers have no directories. A directory
// exists when a marker blob with a trailing slash exists or when any blob
// lives below it. Writes are buffered and uploaded on Close; copies run
// server side and are awaited. Monitors poll.
package azure

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"go.uber.org/zap"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
)

const (
	directoryContentType = "application/x-directory"

	// copySASExpiry bounds the read token handed to the copy source
	copySASExpiry = 15 * time.Minute
	// copyPollInterval is how often a pending server side copy is checked
	copyPollInterval = 200 * time.Millisecond
)

// Backend serves azure:// URIs.
type Backend struct {
	client *azblob.Client
	cred   *azblob.SharedKeyCredential
	prefix string
	poll   time.Duration
	logger *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithPrefix places every blob below prefix inside its container.
func WithPrefix(prefix string) Option {
	return func(b *Backend) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		b.prefix = prefix
	}
}

// WithSharedKey signs copy sources with a short lived SAS token.
func WithSharedKey(cred *azblob.SharedKeyCredential) Option {
	return func(b *Backend) { b.cred = cred }
}

// WithPollInterval sets how often monitors list their directory.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) { b.poll = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates an Azure Blob Storage backend.
func New(client *azblob.Client, opts ...Option) *Backend {
	b := &Backend{client: client}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Named(b.logger, "azure")
	return b
}

// Name implements fileio.Backend.
func (b *Backend) Name() string { return "azure" }

// Supports implements fileio.Backend.
func (b *Backend) Supports(scheme string) bool { return scheme == "azure" }

// Resolve implements fileio.Backend.
func (b *Backend) Resolve(uri string) (fileio.File, error) {
	_, ctr, p, err := fileio.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	if ctr == "" {
		return nil, &fileio.PathError{Op: "resolve", Path: uri, Err: fileio.ErrInvalidURI}
	}
	return &File{b: b, container: ctr, path: p}, nil
}

// ptr is a helper function to create a pointer to a value
func ptr[T any](v T) *T {
	return &v
}

// ============================================================================
// File
// ============================================================================

// File is a blob or blob prefix in a container.
type File struct {
	b         *Backend
	container string
	path      string
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

func (f *File) URI() string             { return fileio.BuildURI("azure", f.container, f.path) }
func (f *File) Name() string            { return fileio.BaseName(f.path) }
func (f *File) Path() string            { return f.path }
func (f *File) Backend() fileio.Backend { return f.b }

func (f *File) Parent() fileio.File {
	p, ok := fileio.ParentPath(f.path)
	if !ok {
		return nil
	}
	return &File{b: f.b, container: f.container, path: p}
}

func (f *File) Child(name string) fileio.File {
	return &File{b: f.b, container: f.container, path: fileio.CleanPath(path.Join(f.path, name))}
}

// blobName is the blob name, "" for the container root
func (f *File) blobName() string {
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
	return f.blobName() + "/"
}

func (f *File) containerClient() *container.Client {
	return f.b.client.ServiceClient().NewContainerClient(f.container)
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
		return dirInfo(f.container).Filter(m), nil
	}

	props, err := f.containerClient().NewBlobClient(f.blobName()).GetProperties(ctx, nil)
	if err == nil {
		return blobInfo(f.Name(), props.ContentLength, props.LastModified, props.ETag, props.ContentType).Filter(m), nil
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

// hasChildren reports whether a marker or any blob exists below the file
func (f *File) hasChildren(ctx context.Context) (bool, error) {
	names, err := f.firstBlobs(ctx, 1)
	return len(names) > 0, err
}

// firstBlobs returns up to n blob names below the file's prefix
func (f *File) firstBlobs(ctx context.Context, n int32) ([]string, error) {
	pager := f.containerClient().NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix:     ptr(f.dirPrefix()),
		MaxResults: ptr(n),
	})
	if !pager.More() {
		return nil, nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, item := range resp.Segment.BlobItems {
		if item.Name != nil {
			names = append(names, *item.Name)
		}
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

func blobInfo(name string, size *int64, modified *time.Time, etag *azcore.ETag, contentType *string) *fileio.FileInfo {
	info := fileio.NewFileInfo()
	info.SetName(name)
	info.SetString(fileio.AttrStandardDisplayName, name)
	fileio.SetTypeAttributes(info, name, fileio.FileTypeRegular, nil)
	if size != nil {
		info.SetSize(uint64(*size))
	} else {
		info.SetSize(0)
	}
	if modified != nil {
		info.SetModTime(*modified)
	}
	if etag != nil {
		info.SetString(fileio.AttrEtagValue, strings.Trim(string(*etag), `"`))
	}
	if contentType != nil && *contentType != "" {
		info.SetContentType(*contentType)
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

	resp, err := f.b.client.DownloadStream(ctx, f.container, f.blobName(), nil)
	if err != nil {
		if isNotFound(err) {
			if isDir, derr := f.hasChildren(ctx); derr == nil && isDir {
				return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrIsDir}
			}
		}
		return nil, f.fail("read", err)
	}
	return fileio.NewInputStream(ctx, f.URI(), resp.Body), nil
}

// OpenWrite implements fileio.Writable. WriteCreate is enforced again at
// upload time with an If-None-Match condition.
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

// writer buffers the blob and uploads it on Close
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
	opts := &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: ptr(fileio.GuessContentType(w.f.Name(), sniff)),
		},
	}
	if w.mode == fileio.WriteCreate {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: ptr(azcore.ETagAny)},
		}
	}
	if _, err := w.f.b.client.UploadBuffer(w.ctx, w.f.container, w.f.blobName(), data, opts); err != nil {
		return mapError("write", w.f.URI(), err)
	}
	return nil
}

// ListChildren implements fileio.Enumerable with a hierarchy listing on
// "/", so deeper blobs show up as directories.
func (f *File) ListChildren(ctx context.Context, attrs string) iter.Seq2[*fileio.FileInfo, error] {
	return func(yield func(*fileio.FileInfo, error) bool) {
		m := fileio.NewAttributeMatcher(attrs)
		prefix := f.dirPrefix()
		pager := f.containerClient().NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
			Prefix: ptr(prefix),
		})

		found := false
		for pager.More() {
			if err := fileio.ContextError(ctx); err != nil {
				yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
				return
			}
			resp, err := pager.NextPage(ctx)
			if err != nil {
				yield(nil, f.fail("list", err))
				return
			}

			for _, bp := range resp.Segment.BlobPrefixes {
				if bp.Name == nil {
					continue
				}
				name := strings.TrimSuffix(strings.TrimPrefix(*bp.Name, prefix), "/")
				if name == "" {
					continue
				}
				found = true
				if !yield(dirInfo(name).Filter(m), nil) {
					return
				}
			}
			for _, item := range resp.Segment.BlobItems {
				if item.Name == nil {
					continue
				}
				found = true
				if *item.Name == prefix {
					// directory marker
					continue
				}
				name := strings.TrimPrefix(*item.Name, prefix)
				var info *fileio.FileInfo
				if p := item.Properties; p != nil {
					info = blobInfo(name, p.ContentLength, p.LastModified, p.ETag, p.ContentType)
				} else {
					info = blobInfo(name, nil, nil, nil, nil)
				}
				if !yield(info.Filter(m), nil) {
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

	name := f.blobName()
	_, err := f.containerClient().NewBlobClient(name).GetProperties(ctx, nil)
	switch {
	case err == nil:
	case isNotFound(err):
		names, lerr := f.firstBlobs(ctx, 2)
		if lerr != nil {
			return f.fail("delete", lerr)
		}
		if len(names) == 0 {
			return &fileio.PathError{Op: "delete", Path: f.URI(), Err: fileio.ErrNotExist}
		}
		if len(names) > 1 || names[0] != f.dirPrefix() {
			return &fileio.PathError{Op: "delete", Path: f.URI(), Err: fileio.ErrNotEmpty}
		}
		name = f.dirPrefix()
	default:
		return f.fail("delete", err)
	}

	if _, err := f.b.client.DeleteBlob(ctx, f.container, name, nil); err != nil {
		return f.fail("delete", err)
	}
	return nil
}

// MakeDirectory implements fileio.DirMaker by uploading an empty marker
// blob with a trailing slash.
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

	_, err := f.b.client.UploadBuffer(ctx, f.container, f.dirPrefix(), []byte{}, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: ptr(directoryContentType)},
	})
	if err != nil {
		return f.fail("mkdir", err)
	}
	return nil
}

// sourceURL is the blob URL handed to a copy, signed when the backend
// holds a shared key
func (f *File) sourceURL() (string, error) {
	u := f.containerClient().NewBlobClient(f.blobName()).URL()
	if f.b.cred == nil {
		return u, nil
	}
	now := time.Now().UTC()
	qp, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPSandHTTP,
		StartTime:     now.Add(-time.Minute),
		ExpiryTime:    now.Add(copySASExpiry),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: f.container,
		BlobName:      f.blobName(),
	}.SignWithSharedKey(f.b.cred)
	if err != nil {
		return "", err
	}
	return u + "?" + qp.Encode(), nil
}

// CopyTo implements fileio.Copier with a server side copy, which also
// works across containers. A pending copy is polled until it settles.
// Progress is reported once.
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

	src, err := f.sourceURL()
	if err != nil {
		return f.fail("copy", err)
	}
	target := d.containerClient().NewBlobClient(d.blobName())
	resp, err := target.StartCopyFromURL(ctx, src, nil)
	if err != nil {
		return f.fail("copy", err)
	}
	if err := d.awaitCopy(ctx, target, resp.CopyStatus); err != nil {
		return err
	}

	size, _ := info.Size()
	if progress != nil {
		progress(int64(size), int64(size))
	}
	return nil
}

func (f *File) awaitCopy(ctx context.Context, target *blob.Client, status *blob.CopyStatusType) error {
	ticker := time.NewTicker(copyPollInterval)
	defer ticker.Stop()
	for {
		if status == nil || *status == blob.CopyStatusTypeSuccess {
			return nil
		}
		if *status != blob.CopyStatusTypePending {
			return &fileio.PathError{Op: "copy", Path: f.URI(), Err: &fileio.IOError{
				Err: fmt.Errorf("server side copy %s", *status),
			}}
		}
		select {
		case <-ctx.Done():
			return &fileio.PathError{Op: "copy", Path: f.URI(), Err: fileio.ErrCancelled}
		case <-ticker.C:
		}
		props, err := target.GetProperties(ctx, nil)
		if err != nil {
			return f.fail("copy", err)
		}
		status = props.CopyStatus
	}
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
