// Package local provides the file:// backend on top of the operating
// system's filesystem.
//
// Writes are staged in a temporary file next to the target and moved into
// place on Close, so readers never observe a partial file. Monitors use
// fsnotify; trash follows the freedesktop.org layout.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
	"github.com/gobeaver/fileio/trash"
)

const (
	// entries read from a directory per batch
	readDirBatch = 256

	sniffLen = 512
)

// Config holds configuration for the local backend.
type Config struct {
	// TrashDir overrides the home trash directory
	TrashDir string
	// Mounts is consulted to find per-volume trash directories
	// (default: /proc/self/mountinfo)
	Mounts fileio.MountSource
	// Logger receives monitor diagnostics (default: global logger named "local")
	Logger *zap.Logger
}

// Backend serves file:// URIs.
type Backend struct {
	trash  *trash.Trash
	logger *zap.Logger
}

// New creates a local backend.
func New(cfg ...Config) *Backend {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}

	logger := logging.Named(c.Logger, "local")
	opts := []trash.Option{trash.WithLogger(logger.Named("trash"))}
	if c.TrashDir != "" {
		opts = append(opts, trash.WithHomeTrash(c.TrashDir))
	}
	if c.Mounts != nil {
		opts = append(opts, trash.WithMountSource(c.Mounts))
	}

	return &Backend{
		trash:  trash.New(opts...),
		logger: logger,
	}
}

// Name implements fileio.Backend.
func (b *Backend) Name() string { return "local" }

// Supports implements fileio.Backend.
func (b *Backend) Supports(scheme string) bool { return scheme == "file" }

// Resolve implements fileio.Backend. Only empty and "localhost"
// authorities are accepted.
func (b *Backend) Resolve(uri string) (fileio.File, error) {
	_, authority, p, err := fileio.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	if authority != "" && authority != "localhost" {
		return nil, &fileio.PathError{Op: "resolve", Path: uri, Err: fileio.ErrInvalidURI}
	}
	return b.file(p), nil
}

// File returns the handle for an absolute OS path.
func (b *Backend) File(osPath string) fileio.File {
	return b.file(fileio.CleanPath(filepath.ToSlash(osPath)))
}

func (b *Backend) file(p string) *File {
	return &File{b: b, path: p}
}

// ============================================================================
// File
// ============================================================================

// File is a handle on a local path.
type File struct {
	b    *Backend
	path string // slash separated, cleaned
}

var (
	_ fileio.Readable    = (*File)(nil)
	_ fileio.Writable    = (*File)(nil)
	_ fileio.Enumerable  = (*File)(nil)
	_ fileio.Monitorable = (*File)(nil)
	_ fileio.Deleter     = (*File)(nil)
	_ fileio.DirMaker    = (*File)(nil)
	_ fileio.Renamer     = (*File)(nil)
	_ fileio.Copier      = (*File)(nil)
	_ fileio.Trasher     = (*File)(nil)
	_ fileio.LocalFile   = (*File)(nil)
)

func (f *File) URI() string             { return fileio.BuildURI("file", "", f.path) }
func (f *File) Name() string            { return fileio.BaseName(f.path) }
func (f *File) Path() string            { return f.path }
func (f *File) Backend() fileio.Backend { return f.b }

// LocalPath implements fileio.LocalFile.
func (f *File) LocalPath() string { return filepath.FromSlash(f.path) }

func (f *File) Parent() fileio.File {
	p, ok := fileio.ParentPath(f.path)
	if !ok {
		return nil
	}
	return f.b.file(p)
}

func (f *File) Child(name string) fileio.File {
	return f.b.file(path.Join(f.path, name))
}

func (f *File) fail(op string, err error) error {
	return fileio.FromOSError(op, f.URI(), err)
}

// QueryInfo implements fileio.File. Symbolic links are not followed: a
// link reports the symlink type, and its target is in
// standard::symlink-target.
func (f *File) QueryInfo(ctx context.Context, attrs string) (*fileio.FileInfo, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "query", Path: f.URI(), Err: err}
	}
	fi, err := os.Lstat(f.LocalPath())
	if err != nil {
		return nil, f.fail("query", err)
	}
	m := fileio.NewAttributeMatcher(attrs)
	return buildInfo(f.LocalPath(), f.Name(), fi, m).Filter(m), nil
}

// buildInfo describes the entry at osPath from its lstat result
func buildInfo(osPath, name string, fi fs.FileInfo, m *fileio.AttributeMatcher) *fileio.FileInfo {
	info := fileio.NewFileInfo()
	info.SetName(name)
	info.SetString(fileio.AttrStandardDisplayName, name)

	if fi.Mode()&fs.ModeSymlink != 0 {
		info.SetBool(fileio.AttrStandardIsSymlink, true)
		if target, err := os.Readlink(osPath); err == nil {
			info.SetString(fileio.AttrStandardTarget, target)
		}
	}

	ft := fileType(fi.Mode())
	var sniff []byte
	if ft == fileio.FileTypeRegular && m.Matches(fileio.AttrStandardContentType) &&
		fileio.GuessContentType(name, nil) == fileio.ContentTypeUnknown {
		sniff = readHead(osPath)
	}
	fileio.SetTypeAttributes(info, name, ft, sniff)

	if ft == fileio.FileTypeDirectory {
		info.SetSize(0)
	} else {
		info.SetSize(uint64(fi.Size()))
	}
	mtime := fi.ModTime()
	info.SetModTime(mtime)
	info.SetString(fileio.AttrEtagValue, fmt.Sprintf("%d:%d", mtime.Unix(), mtime.Nanosecond()/1000))

	setPlatformAttributes(info, osPath, fi, m)
	return info
}

func fileType(mode fs.FileMode) fileio.FileType {
	switch {
	case mode.IsRegular():
		return fileio.FileTypeRegular
	case mode.IsDir():
		return fileio.FileTypeDirectory
	case mode&fs.ModeSymlink != 0:
		return fileio.FileTypeSymbolicLink
	default:
		return fileio.FileTypeSpecial
	}
}

func readHead(osPath string) []byte {
	fh, err := os.Open(osPath)
	if err != nil {
		return nil
	}
	defer fh.Close()
	buf := make([]byte, sniffLen)
	n, _ := io.ReadFull(fh, buf)
	return buf[:n]
}

func (f *File) OpenRead(ctx context.Context) (*fileio.InputStream, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: err}
	}
	fh, err := os.Open(f.LocalPath())
	if err != nil {
		return nil, f.fail("read", err)
	}
	fi, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, f.fail("read", err)
	}
	if fi.IsDir() {
		fh.Close()
		return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrIsDir}
	}
	return fileio.NewInputStream(ctx, f.URI(), fh), nil
}

// OpenWrite implements fileio.Writable. Appends go straight to the file;
// the other modes stage the data and publish it on Close.
func (f *File) OpenWrite(ctx context.Context, mode fileio.WriteMode) (*fileio.OutputStream, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: err}
	}

	target := f.LocalPath()
	existing, err := os.Stat(target)
	switch {
	case err == nil && existing.IsDir():
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: fileio.ErrIsDir}
	case err == nil && mode == fileio.WriteCreate:
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: fileio.ErrExist}
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, f.fail("write", err)
	}

	if mode == fileio.WriteAppend {
		fh, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, f.fail("write", err)
		}
		return fileio.NewOutputStream(ctx, f.URI(), fh), nil
	}

	w, err := newStagedWriter(ctx, target, mode, existing)
	if err != nil {
		return nil, f.fail("write", err)
	}
	return fileio.NewOutputStream(ctx, f.URI(), w), nil
}

// stagedWriter writes to a temporary sibling of target and moves it into
// place on Close
type stagedWriter struct {
	ctx    context.Context
	tmp    *os.File
	target string
	mode   fileio.WriteMode
}

func newStagedWriter(ctx context.Context, target string, mode fileio.WriteMode, existing fs.FileInfo) (*stagedWriter, error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".fileio-*")
	if err != nil {
		return nil, err
	}
	perm := fs.FileMode(0o644)
	if existing != nil {
		perm = existing.Mode().Perm()
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return &stagedWriter{ctx: ctx, tmp: tmp, target: target, mode: mode}, nil
}

func (w *stagedWriter) Write(p []byte) (int, error) { return w.tmp.Write(p) }

func (w *stagedWriter) Sync() error { return w.tmp.Sync() }

// Abort removes the staged file
func (w *stagedWriter) Abort() error {
	w.tmp.Close()
	return ignoreNotExist(os.Remove(w.tmp.Name()))
}

func (w *stagedWriter) Close() error {
	if err := fileio.ContextError(w.ctx); err != nil {
		w.Abort()
		return err
	}
	if err := w.tmp.Close(); err != nil {
		os.Remove(w.tmp.Name())
		return err
	}

	if w.mode == fileio.WriteCreate {
		// link fails if the target appeared in the meantime
		err := os.Link(w.tmp.Name(), w.target)
		if err == nil || errors.Is(err, fs.ErrExist) {
			os.Remove(w.tmp.Name())
			return err
		}
		if _, serr := os.Lstat(w.target); serr == nil {
			os.Remove(w.tmp.Name())
			return fs.ErrExist
		}
	}
	if err := os.Rename(w.tmp.Name(), w.target); err != nil {
		os.Remove(w.tmp.Name())
		return err
	}
	return nil
}

func ignoreNotExist(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ListChildren implements fileio.Enumerable. Entries come in directory
// order, read in batches.
func (f *File) ListChildren(ctx context.Context, attrs string) iter.Seq2[*fileio.FileInfo, error] {
	return func(yield func(*fileio.FileInfo, error) bool) {
		if err := fileio.ContextError(ctx); err != nil {
			yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
			return
		}
		dir, err := os.Open(f.LocalPath())
		if err != nil {
			yield(nil, f.fail("list", err))
			return
		}
		defer dir.Close()

		m := fileio.NewAttributeMatcher(attrs)
		for {
			entries, err := dir.ReadDir(readDirBatch)
			for _, e := range entries {
				fi, ierr := e.Info()
				if errors.Is(ierr, fs.ErrNotExist) {
					// removed while listing
					continue
				}
				if ierr != nil {
					yield(nil, f.fail("list", ierr))
					return
				}
				childPath := filepath.Join(f.LocalPath(), e.Name())
				if !yield(buildInfo(childPath, e.Name(), fi, m).Filter(m), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, f.fail("list", err))
				return
			}
			if err := fileio.ContextError(ctx); err != nil {
				yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
				return
			}
		}
	}
}

func (f *File) Delete(ctx context.Context) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "delete", Path: f.URI(), Err: err}
	}
	if err := os.Remove(f.LocalPath()); err != nil {
		return f.fail("delete", err)
	}
	return nil
}

func (f *File) MakeDirectory(ctx context.Context) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "mkdir", Path: f.URI(), Err: err}
	}
	if err := os.Mkdir(f.LocalPath(), 0o755); err != nil {
		return f.fail("mkdir", err)
	}
	return nil
}

// MakeSymbolicLink implements fileio.Symlinker.
func (f *File) MakeSymbolicLink(ctx context.Context, target string) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "symlink", Path: f.URI(), Err: err}
	}
	if err := os.Symlink(target, f.LocalPath()); err != nil {
		return f.fail("symlink", err)
	}
	return nil
}

// Trash implements fileio.Trasher.
func (f *File) Trash(ctx context.Context) error {
	if f.b.trash == nil {
		return &fileio.PathError{Op: "trash", Path: f.URI(), Err: fileio.ErrNotSupported}
	}
	_, err := f.b.trash.Put(ctx, f.LocalPath())
	return err
}

// MoveTo implements fileio.Renamer with rename(2). Moving across devices
// fails with fileio.ErrNotSupported.
func (f *File) MoveTo(ctx context.Context, dst fileio.File, flags fileio.CopyFlags) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "move", Path: f.URI(), Err: err}
	}
	d, ok := dst.(*File)
	if !ok {
		return &fileio.PathError{Op: "move", Path: f.URI(), Err: fileio.ErrNotSupported}
	}

	src, err := os.Lstat(f.LocalPath())
	if err != nil {
		return f.fail("move", err)
	}
	if existing, err := os.Lstat(d.LocalPath()); err == nil {
		switch {
		case !flags.Has(fileio.CopyOverwrite):
			return &fileio.PathError{Op: "move", Path: d.URI(), Err: fileio.ErrExist}
		case existing.IsDir() && !src.IsDir():
			return &fileio.PathError{Op: "move", Path: d.URI(), Err: fileio.ErrIsDir}
		case !existing.IsDir() && src.IsDir():
			return &fileio.PathError{Op: "move", Path: d.URI(), Err: fileio.ErrNotDir}
		}
	}

	if err := os.Rename(f.LocalPath(), d.LocalPath()); err != nil {
		return f.fail("move", err)
	}
	return nil
}

// CopyTo implements fileio.Copier for regular files. The destination is
// staged like a normal write and keeps the source permissions. Progress
// follows fileio.ChunkSize(ctx) when it is set.
func (f *File) CopyTo(ctx context.Context, dst fileio.File, flags fileio.CopyFlags, progress fileio.ProgressFunc) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: err}
	}
	d, ok := dst.(*File)
	if !ok {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: fileio.ErrNotSupported}
	}

	in, err := os.Open(f.LocalPath())
	if err != nil {
		return f.fail("copy", err)
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return f.fail("copy", err)
	}
	if !fi.Mode().IsRegular() {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: fileio.ErrNotSupported}
	}

	mode := fileio.WriteCreate
	if flags.Has(fileio.CopyOverwrite) {
		mode = fileio.WriteReplace
	}
	existing, err := os.Stat(d.LocalPath())
	switch {
	case err == nil && existing.IsDir():
		return &fileio.PathError{Op: "copy", Path: d.URI(), Err: fileio.ErrIsDir}
	case err == nil && mode == fileio.WriteCreate:
		return &fileio.PathError{Op: "copy", Path: d.URI(), Err: fileio.ErrExist}
	}

	w, err := newStagedWriter(ctx, d.LocalPath(), mode, fi)
	if err != nil {
		return d.fail("copy", err)
	}
	if err := copyContents(ctx, w.tmp, in, fi.Size(), progress); err != nil {
		w.Abort()
		return f.fail("copy", err)
	}
	if err := w.Close(); err != nil {
		return d.fail("copy", err)
	}
	return nil
}
