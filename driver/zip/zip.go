// Package zip provides the read-only zip:// backend for browsing ZIP
// archives on the local filesystem.
//
// A URI names the archive and the entry inside it, separated by "!":
//
//	zip:///home/me/photos.zip!/2024/beach.jpg
//	zip:///home/me/photos.zip        (the archive root)
//
// Directories that only exist implicitly in entry names are synthesized.
// Entries compressed with zstd (method 93) are readable alongside the
// stored and deflate methods.
package zip

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
)

const scheme = "zip"

// Backend serves zip:// URIs. Archive indexes are cached until the
// archive's size or modification time changes.
type Backend struct {
	mu       sync.Mutex
	archives map[string]*archive
	poll     time.Duration
	logger   *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithPollInterval sets how often monitors re-read their directory.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) { b.poll = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a zip backend.
func New(opts ...Option) *Backend {
	b := &Backend{archives: make(map[string]*archive)}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Named(b.logger, "zip")
	return b
}

// Name implements fileio.Backend.
func (b *Backend) Name() string { return "zip" }

// Supports implements fileio.Backend.
func (b *Backend) Supports(s string) bool { return s == scheme }

// Resolve implements fileio.Backend.
func (b *Backend) Resolve(uri string) (fileio.File, error) {
	archivePath, entry, err := splitURI(uri)
	if err != nil {
		return nil, err
	}
	return &File{b: b, archive: archivePath, path: entry}, nil
}

// splitURI separates the archive path and the entry path
func splitURI(uri string) (archivePath, entry string, err error) {
	bad := &fileio.PathError{Op: "parse", Path: uri, Err: fileio.ErrInvalidURI}
	if fileio.Scheme(uri) != scheme {
		return "", "", bad
	}
	rest := uri[len(scheme)+len("://"):]
	if !strings.HasPrefix(rest, "/") {
		return "", "", bad
	}

	rawArchive, rawEntry := rest, "/"
	if i := strings.Index(rest, "!/"); i >= 0 {
		rawArchive, rawEntry = rest[:i], rest[i+1:]
	} else if strings.HasSuffix(rest, "!") {
		rawArchive = strings.TrimSuffix(rest, "!")
	}

	a, err := url.PathUnescape(rawArchive)
	if err != nil {
		return "", "", bad
	}
	e, err := url.PathUnescape(rawEntry)
	if err != nil {
		return "", "", bad
	}
	a = path.Clean(a)
	if a == "/" {
		return "", "", bad
	}
	return a, fileio.CleanPath(e), nil
}

// ============================================================================
// Archive index
// ============================================================================

type zipEntry struct {
	header *zip.FileHeader // nil for synthesized directories
	isDir  bool
}

type archive struct {
	entries  map[string]*zipEntry
	children map[string][]string
	modTime  time.Time
	size     int64
}

// index returns the cached index of archivePath, reading it again when
// the file changed.
func (b *Backend) index(archivePath string) (*archive, error) {
	fi, err := os.Stat(archivePath)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fileio.ErrIsDir
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.archives[archivePath]; ok && a.modTime.Equal(fi.ModTime()) && a.size == fi.Size() {
		return a, nil
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, err
	}
	defer zr.Close()

	a := &archive{
		entries:  map[string]*zipEntry{"/": {isDir: true}},
		children: make(map[string][]string),
		modTime:  fi.ModTime(),
		size:     fi.Size(),
	}
	for _, f := range zr.File {
		name := fileio.CleanPath(f.Name)
		if name == "/" {
			continue
		}
		header := f.FileHeader
		a.add(name, &zipEntry{header: &header, isDir: f.FileInfo().IsDir()})
	}
	for _, names := range a.children {
		slices.Sort(names)
	}

	b.archives[archivePath] = a
	b.logger.Debug("archive indexed", logging.String("archive", archivePath), logging.Int64("entries", int64(len(a.entries))))
	return a, nil
}

// add records name and synthesizes its missing parent directories
func (a *archive) add(name string, e *zipEntry) {
	if existing, ok := a.entries[name]; ok {
		// a real header wins over a synthesized directory
		if existing.header == nil {
			a.entries[name] = e
		}
		return
	}
	a.entries[name] = e
	parent := path.Dir(name)
	a.children[parent] = append(a.children[parent], path.Base(name))
	if _, ok := a.entries[parent]; !ok {
		a.add(parent, &zipEntry{isDir: true})
	}
}

// ============================================================================
// File
// ============================================================================

// File is an entry inside an archive.
type File struct {
	b       *Backend
	archive string
	path    string
}

var (
	_ fileio.Readable    = (*File)(nil)
	_ fileio.Writable    = (*File)(nil)
	_ fileio.Enumerable  = (*File)(nil)
	_ fileio.Monitorable = (*File)(nil)
	_ fileio.Deleter     = (*File)(nil)
	_ fileio.DirMaker    = (*File)(nil)
)

func (f *File) URI() string {
	a := url.URL{Path: f.archive}
	if f.path == "/" {
		return scheme + "://" + a.EscapedPath()
	}
	e := url.URL{Path: f.path}
	return scheme + "://" + a.EscapedPath() + "!" + e.EscapedPath()
}

// Name returns the entry name, or the archive's file name at the root.
func (f *File) Name() string {
	if f.path == "/" {
		return path.Base(f.archive)
	}
	return fileio.BaseName(f.path)
}

func (f *File) Path() string            { return f.path }
func (f *File) Backend() fileio.Backend { return f.b }

// Archive returns the local path of the archive.
func (f *File) Archive() string { return f.archive }

func (f *File) Parent() fileio.File {
	p, ok := fileio.ParentPath(f.path)
	if !ok {
		return nil
	}
	return &File{b: f.b, archive: f.archive, path: p}
}

func (f *File) Child(name string) fileio.File {
	return &File{b: f.b, archive: f.archive, path: fileio.CleanPath(path.Join(f.path, name))}
}

func (f *File) lookup(ctx context.Context, op string) (*archive, *zipEntry, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, nil, &fileio.PathError{Op: op, Path: f.URI(), Err: err}
	}
	a, err := f.b.index(f.archive)
	if err != nil {
		return nil, nil, fileio.FromOSError(op, f.URI(), err)
	}
	e, ok := a.entries[f.path]
	if !ok {
		return nil, nil, &fileio.PathError{Op: op, Path: f.URI(), Err: fileio.ErrNotExist}
	}
	return a, e, nil
}

func (f *File) QueryInfo(ctx context.Context, attrs string) (*fileio.FileInfo, error) {
	a, e, err := f.lookup(ctx, "query")
	if err != nil {
		return nil, err
	}
	return entryInfo(f.Name(), e, a).Filter(fileio.NewAttributeMatcher(attrs)), nil
}

func entryInfo(name string, e *zipEntry, a *archive) *fileio.FileInfo {
	info := fileio.NewFileInfo()
	info.SetName(name)
	info.SetString(fileio.AttrStandardDisplayName, name)
	info.SetBool(fileio.AttrAccessCanRead, true)
	info.SetBool(fileio.AttrAccessCanWrite, false)
	info.SetBool(fileio.AttrAccessCanDelete, false)
	info.SetBool(fileio.AttrAccessCanTrash, false)

	if e.isDir {
		fileio.SetTypeAttributes(info, name, fileio.FileTypeDirectory, nil)
		info.SetSize(0)
	} else {
		fileio.SetTypeAttributes(info, name, fileio.FileTypeRegular, nil)
		info.SetSize(e.header.UncompressedSize64)
		info.SetUint32(fileio.AttrUnixMode, uint32(e.header.Mode().Perm()))
	}

	switch {
	case e.header != nil && !e.header.Modified.IsZero():
		info.SetModTime(e.header.Modified)
	default:
		info.SetModTime(a.modTime)
	}
	if e.header != nil && !e.isDir {
		info.SetString(fileio.AttrEtagValue, fmt.Sprintf("%08x-%d", e.header.CRC32, e.header.UncompressedSize64))
	}
	return info
}

// OpenRead opens the archive again for every stream, so a stream stays
// valid when the archive is replaced on disk.
func (f *File) OpenRead(ctx context.Context) (*fileio.InputStream, error) {
	_, e, err := f.lookup(ctx, "read")
	if err != nil {
		return nil, err
	}
	if e.isDir {
		return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrIsDir}
	}

	zr, err := openReader(f.archive)
	if err != nil {
		return nil, fileio.FromOSError("read", f.URI(), err)
	}
	for _, zf := range zr.File {
		if fileio.CleanPath(zf.Name) != f.path || zf.FileInfo().IsDir() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			zr.Close()
			if errors.Is(err, zip.ErrAlgorithm) {
				return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrNotSupported}
			}
			return nil, fileio.FromOSError("read", f.URI(), err)
		}
		return fileio.NewInputStream(ctx, f.URI(), &entryReader{ReadCloser: rc, archive: zr}), nil
	}
	zr.Close()
	return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrNotExist}
}

// openReader opens an archive with the klauspost decompressors installed
func openReader(archivePath string) (*zip.ReadCloser, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, err
	}
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser { return flate.NewReader(r) })
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	return zr, nil
}

// entryReader closes the archive with the entry
type entryReader struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (r *entryReader) Close() error {
	err := r.ReadCloser.Close()
	if cerr := r.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func (f *File) ListChildren(ctx context.Context, attrs string) iter.Seq2[*fileio.FileInfo, error] {
	return func(yield func(*fileio.FileInfo, error) bool) {
		a, e, err := f.lookup(ctx, "list")
		if err != nil {
			yield(nil, err)
			return
		}
		if !e.isDir {
			yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: fileio.ErrNotDir})
			return
		}
		m := fileio.NewAttributeMatcher(attrs)
		for _, name := range a.children[f.path] {
			if err := fileio.ContextError(ctx); err != nil {
				yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
				return
			}
			child := a.entries[path.Join(f.path, name)]
			if !yield(entryInfo(name, child, a).Filter(m), nil) {
				return
			}
		}
	}
}

// Monitor polls the archive listing; changes show up when the archive
// file is rewritten.
func (f *File) Monitor(ctx context.Context) (fileio.Monitor, error) {
	return fileio.NewPollingMonitor(ctx, f, fileio.PollingConfig{Interval: f.b.poll})
}

func (f *File) OpenWrite(context.Context, fileio.WriteMode) (*fileio.OutputStream, error) {
	return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: fileio.ErrReadOnly}
}

func (f *File) Delete(context.Context) error {
	return &fileio.PathError{Op: "delete", Path: f.URI(), Err: fileio.ErrReadOnly}
}

func (f *File) MakeDirectory(context.Context) error {
	return &fileio.PathError{Op: "mkdir", Path: f.URI(), Err: fileio.ErrReadOnly}
}
