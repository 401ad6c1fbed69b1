// Package sftp provides the sftp:// backend over an SSH connection.
//
// URIs name the server as authority: sftp://user@host:port/path. A
// backend serves a single server; the user and the default port are
// ignored when matching authorities. Writes are staged in a temporary
// file and renamed into place on Close. Monitors poll.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"math/rand/v2"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
)

// Backend serves sftp:// URIs for one server.
type Backend struct {
	mu      sync.Mutex
	client  *sftp.Client
	sshConn *ssh.Client
	dial    func() (*ssh.Client, *sftp.Client, error)

	host     string
	basePath string
	poll     time.Duration
	logger   *zap.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithBasePath roots every URI path at basePath on the server.
func WithBasePath(basePath string) Option {
	return func(b *Backend) {
		b.basePath = path.Clean("/" + basePath)
	}
}

// WithHost restricts the backend to URIs naming host (host or host:port).
func WithHost(host string) Option {
	return func(b *Backend) { b.host = normalizeHost(host) }
}

// WithPollInterval sets how often monitors list their directory.
func WithPollInterval(d time.Duration) Option {
	return func(b *Backend) { b.poll = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates a backend on an established SFTP session. The backend does
// not reconnect and Close closes client.
func New(client *sftp.Client, opts ...Option) *Backend {
	b := &Backend{client: client}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Named(b.logger, "sftp")
	return b
}

// Dial connects to the server described by cfg. A lost connection is
// re-established on the next operation.
func Dial(cfg Config, opts ...Option) (*Backend, error) {
	sshConfig, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)

	b := &Backend{host: normalizeHost(addr)}
	if cfg.BasePath != "" {
		WithBasePath(cfg.BasePath)(b)
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Named(b.logger, "sftp")
	if cfg.KnownHosts == "" {
		b.logger.Warn("host key verification disabled", logging.String("host", addr))
	}

	b.dial = func() (*ssh.Client, *sftp.Client, error) {
		sshConn, err := ssh.Dial("tcp", addr, sshConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to SSH: %w", err)
		}
		client, err := sftp.NewClient(sshConn)
		if err != nil {
			sshConn.Close()
			return nil, nil, fmt.Errorf("failed to create SFTP client: %w", err)
		}
		return sshConn, client, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.connectLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) connectLocked() error {
	sshConn, client, err := b.dial()
	if err != nil {
		return err
	}
	b.sshConn, b.client = sshConn, client
	b.logger.Debug("connected", logging.String("host", b.host))
	return nil
}

// conn returns the live client, reconnecting when the last one was lost.
func (b *Backend) conn() (*sftp.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	if b.dial == nil {
		return nil, fileio.ErrClosed
	}
	if err := b.connectLocked(); err != nil {
		return nil, &fileio.IOError{Err: err}
	}
	return b.client, nil
}

// dropIfLost forgets client when err says its connection is gone.
func (b *Backend) dropIfLost(client *sftp.Client, err error) {
	if !errors.Is(err, sftp.ErrSSHFxConnectionLost) && !errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != client || b.dial == nil {
		return
	}
	b.logger.Warn("connection lost", logging.Err(err))
	b.client.Close()
	if b.sshConn != nil {
		b.sshConn.Close()
	}
	b.client, b.sshConn = nil, nil
}

// Close closes the SFTP and SSH connections
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dial = nil

	var errs []error
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
		b.client = nil
	}
	if b.sshConn != nil {
		if err := b.sshConn.Close(); err != nil {
			errs = append(errs, err)
		}
		b.sshConn = nil
	}
	return errors.Join(errs...)
}

// Name implements fileio.Backend.
func (b *Backend) Name() string { return "sftp" }

// Supports implements fileio.Backend.
func (b *Backend) Supports(scheme string) bool { return scheme == "sftp" }

// Resolve implements fileio.Backend.
func (b *Backend) Resolve(uri string) (fileio.File, error) {
	_, authority, p, err := fileio.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	host := normalizeHost(authority)
	if host == "" || (b.host != "" && host != b.host) {
		return nil, &fileio.PathError{Op: "resolve", Path: uri, Err: fileio.ErrInvalidURI}
	}
	return &File{b: b, host: host, path: p}, nil
}

// normalizeHost drops user info and the default port
func normalizeHost(authority string) string {
	if i := strings.LastIndexByte(authority, '@'); i >= 0 {
		authority = authority[i+1:]
	}
	return strings.TrimSuffix(strings.ToLower(authority), ":22")
}

// ============================================================================
// File
// ============================================================================

// File is a path on the server.
type File struct {
	b    *Backend
	host string
	path string
}

var (
	_ fileio.Readable    = (*File)(nil)
	_ fileio.Writable    = (*File)(nil)
	_ fileio.Enumerable  = (*File)(nil)
	_ fileio.Monitorable = (*File)(nil)
	_ fileio.Deleter     = (*File)(nil)
	_ fileio.DirMaker    = (*File)(nil)
	_ fileio.Renamer     = (*File)(nil)
)

func (f *File) URI() string             { return fileio.BuildURI("sftp", f.host, f.path) }
func (f *File) Name() string            { return fileio.BaseName(f.path) }
func (f *File) Path() string            { return f.path }
func (f *File) Backend() fileio.Backend { return f.b }

func (f *File) Parent() fileio.File {
	p, ok := fileio.ParentPath(f.path)
	if !ok {
		return nil
	}
	return &File{b: f.b, host: f.host, path: p}
}

func (f *File) Child(name string) fileio.File {
	return &File{b: f.b, host: f.host, path: fileio.CleanPath(path.Join(f.path, name))}
}

// remote is the path on the server
func (f *File) remote() string {
	if f.b.basePath == "" {
		return f.path
	}
	return path.Join(f.b.basePath, f.path)
}

// begin checks ctx and returns the client for one operation
func (f *File) begin(ctx context.Context, op string) (*sftp.Client, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: op, Path: f.URI(), Err: err}
	}
	c, err := f.b.conn()
	if err != nil {
		return nil, &fileio.PathError{Op: op, Path: f.URI(), Err: err}
	}
	return c, nil
}

func (f *File) fail(c *sftp.Client, op string, err error) error {
	f.b.dropIfLost(c, err)
	return mapError(op, f.URI(), err)
}

func (f *File) QueryInfo(ctx context.Context, attrs string) (*fileio.FileInfo, error) {
	c, err := f.begin(ctx, "query")
	if err != nil {
		return nil, err
	}
	fi, err := c.Lstat(f.remote())
	if err != nil {
		return nil, f.fail(c, "query", err)
	}
	return f.b.buildInfo(c, f.remote(), f.Name(), fi, fileio.NewAttributeMatcher(attrs)), nil
}

// buildInfo converts a server lstat. Symlinks are not followed.
func (b *Backend) buildInfo(c *sftp.Client, remote, name string, fi os.FileInfo, m *fileio.AttributeMatcher) *fileio.FileInfo {
	info := fileio.NewFileInfo()
	info.SetName(name)
	info.SetString(fileio.AttrStandardDisplayName, name)

	if fi.Mode()&os.ModeSymlink != 0 {
		info.SetBool(fileio.AttrStandardIsSymlink, true)
		if m.Matches(fileio.AttrStandardTarget) {
			if target, err := c.ReadLink(remote); err == nil {
				info.SetString(fileio.AttrStandardTarget, target)
			}
		}
	}

	fileio.SetTypeAttributes(info, name, fileType(fi.Mode()), nil)
	info.SetSize(uint64(fi.Size()))
	info.SetModTime(fi.ModTime())
	info.SetUint32(fileio.AttrUnixMode, uint32(fi.Mode().Perm()))
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		info.SetUint32(fileio.AttrUnixUID, st.UID)
		info.SetUint32(fileio.AttrUnixGID, st.GID)
		info.SetUint64(fileio.AttrTimeAccess, uint64(st.Atime))
	}
	info.SetString(fileio.AttrEtagValue, strconv.FormatInt(fi.ModTime().Unix(), 10)+":"+strconv.FormatInt(fi.Size(), 10))
	return info.Filter(m)
}

func fileType(mode os.FileMode) fileio.FileType {
	switch {
	case mode.IsDir():
		return fileio.FileTypeDirectory
	case mode.IsRegular():
		return fileio.FileTypeRegular
	case mode&os.ModeSymlink != 0:
		return fileio.FileTypeSymbolicLink
	}
	return fileio.FileTypeSpecial
}

func (f *File) OpenRead(ctx context.Context) (*fileio.InputStream, error) {
	c, err := f.begin(ctx, "read")
	if err != nil {
		return nil, err
	}
	fi, err := c.Stat(f.remote())
	if err != nil {
		return nil, f.fail(c, "read", err)
	}
	if fi.IsDir() {
		return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrIsDir}
	}
	rf, err := c.Open(f.remote())
	if err != nil {
		return nil, f.fail(c, "read", err)
	}
	return fileio.NewInputStream(ctx, f.URI(), rf), nil
}

// OpenWrite implements fileio.Writable. Append writes in place; the other
// modes stage the content and rename it over the target on Close.
func (f *File) OpenWrite(ctx context.Context, mode fileio.WriteMode) (*fileio.OutputStream, error) {
	c, err := f.begin(ctx, "write")
	if err != nil {
		return nil, err
	}

	target := f.remote()
	fi, err := c.Stat(target)
	switch {
	case err == nil && fi.IsDir():
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: fileio.ErrIsDir}
	case err == nil && mode == fileio.WriteCreate:
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: fileio.ErrExist}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, f.fail(c, "write", err)
	}
	exists := err == nil

	if mode == fileio.WriteAppend {
		af, err := c.OpenFile(target, os.O_WRONLY|os.O_CREATE)
		if err != nil {
			return nil, f.fail(c, "write", err)
		}
		if exists {
			if _, err := af.Seek(fi.Size(), io.SeekStart); err != nil {
				af.Close()
				return nil, f.fail(c, "write", err)
			}
		}
		return fileio.NewOutputStream(ctx, f.URI(), af), nil
	}

	tmp := path.Join(path.Dir(target), fmt.Sprintf(".%s.fileio-%d", path.Base(target), rand.Uint64()))
	tf, err := c.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return nil, f.fail(c, "write", err)
	}
	if exists {
		if err := c.Chmod(tmp, fi.Mode().Perm()); err != nil {
			f.b.logger.Debug("permissions not copied", logging.URI(f.URI()), logging.Err(err))
		}
	}

	w := &stagedWriter{file: tf, ctx: ctx, f: f, client: c, tmp: tmp, target: target, mode: mode}
	return fileio.NewOutputStream(ctx, f.URI(), w), nil
}

// stagedWriter writes a temporary file and renames it into place
type stagedWriter struct {
	file   *sftp.File
	ctx    context.Context
	f      *File
	client *sftp.Client
	tmp    string
	target string
	mode   fileio.WriteMode
	done   bool
}

func (w *stagedWriter) Write(p []byte) (int, error) { return w.file.Write(p) }

func (w *stagedWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.file.Close()
	return w.client.Remove(w.tmp)
}

func (w *stagedWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.file.Close(); err != nil {
		w.client.Remove(w.tmp)
		return w.f.fail(w.client, "write", err)
	}
	if err := fileio.ContextError(w.ctx); err != nil {
		w.client.Remove(w.tmp)
		return err
	}

	// SFTP v3 rename refuses to replace an existing target
	if _, err := w.client.Lstat(w.target); err == nil {
		if w.mode == fileio.WriteCreate {
			w.client.Remove(w.tmp)
			return &fileio.PathError{Op: "write", Path: w.f.URI(), Err: fileio.ErrExist}
		}
		if err := w.client.Remove(w.target); err != nil {
			w.client.Remove(w.tmp)
			return w.f.fail(w.client, "write", err)
		}
	}
	if err := w.client.Rename(w.tmp, w.target); err != nil {
		w.client.Remove(w.tmp)
		return w.f.fail(w.client, "write", err)
	}
	return nil
}

func (f *File) ListChildren(ctx context.Context, attrs string) iter.Seq2[*fileio.FileInfo, error] {
	return func(yield func(*fileio.FileInfo, error) bool) {
		c, err := f.begin(ctx, "list")
		if err != nil {
			yield(nil, err)
			return
		}
		dir := f.remote()
		fi, err := c.Stat(dir)
		if err != nil {
			yield(nil, f.fail(c, "list", err))
			return
		}
		if !fi.IsDir() {
			yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: fileio.ErrNotDir})
			return
		}

		entries, err := c.ReadDir(dir)
		if err != nil {
			yield(nil, f.fail(c, "list", err))
			return
		}
		m := fileio.NewAttributeMatcher(attrs)
		for _, entry := range entries {
			if err := fileio.ContextError(ctx); err != nil {
				yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
				return
			}
			info := f.b.buildInfo(c, path.Join(dir, entry.Name()), entry.Name(), entry, m)
			if !yield(info, nil) {
				return
			}
		}
	}
}

// Delete implements fileio.Deleter. Directories must be empty.
func (f *File) Delete(ctx context.Context) error {
	c, err := f.begin(ctx, "delete")
	if err != nil {
		return err
	}
	if f.path == "/" {
		return &fileio.PathError{Op: "delete", Path: f.URI(), Err: fileio.ErrPermission}
	}
	fi, err := c.Lstat(f.remote())
	if err != nil {
		return f.fail(c, "delete", err)
	}
	if !fi.IsDir() {
		if err := c.Remove(f.remote()); err != nil {
			return f.fail(c, "delete", err)
		}
		return nil
	}

	// SFTP v3 has no status code for a non-empty directory
	entries, err := c.ReadDir(f.remote())
	if err != nil {
		return f.fail(c, "delete", err)
	}
	if len(entries) > 0 {
		return &fileio.PathError{Op: "delete", Path: f.URI(), Err: fileio.ErrNotEmpty}
	}
	if err := c.RemoveDirectory(f.remote()); err != nil {
		return f.fail(c, "delete", err)
	}
	return nil
}

func (f *File) MakeDirectory(ctx context.Context) error {
	c, err := f.begin(ctx, "mkdir")
	if err != nil {
		return err
	}
	if _, err := c.Lstat(f.remote()); err == nil {
		return &fileio.PathError{Op: "mkdir", Path: f.URI(), Err: fileio.ErrExist}
	}
	if parent := path.Dir(f.remote()); parent != f.remote() {
		pfi, err := c.Stat(parent)
		if err != nil {
			return f.fail(c, "mkdir", err)
		}
		if !pfi.IsDir() {
			return &fileio.PathError{Op: "mkdir", Path: f.URI(), Err: fileio.ErrNotDir}
		}
	}
	if err := c.Mkdir(f.remote()); err != nil {
		return f.fail(c, "mkdir", err)
	}
	return nil
}

// MakeSymbolicLink implements fileio.Symlinker.
func (f *File) MakeSymbolicLink(ctx context.Context, target string) error {
	c, err := f.begin(ctx, "symlink")
	if err != nil {
		return err
	}
	if _, err := c.Lstat(f.remote()); err == nil {
		return &fileio.PathError{Op: "symlink", Path: f.URI(), Err: fileio.ErrExist}
	}
	if err := c.Symlink(target, f.remote()); err != nil {
		return f.fail(c, "symlink", err)
	}
	return nil
}

// MoveTo implements fileio.Renamer with a server side rename. Only
// destinations on the same backend are supported.
func (f *File) MoveTo(ctx context.Context, dst fileio.File, flags fileio.CopyFlags) error {
	c, err := f.begin(ctx, "move")
	if err != nil {
		return err
	}
	d, ok := dst.(*File)
	if !ok || d.b != f.b {
		return &fileio.PathError{Op: "move", Path: f.URI(), Err: fileio.ErrNotSupported}
	}

	sfi, err := c.Lstat(f.remote())
	if err != nil {
		return f.fail(c, "move", err)
	}
	dfi, err := c.Lstat(d.remote())
	switch {
	case err == nil && !flags.Has(fileio.CopyOverwrite):
		return &fileio.PathError{Op: "move", Path: d.URI(), Err: fileio.ErrExist}
	case err == nil && dfi.IsDir() && !sfi.IsDir():
		return &fileio.PathError{Op: "move", Path: d.URI(), Err: fileio.ErrIsDir}
	case err == nil && !dfi.IsDir() && sfi.IsDir():
		return &fileio.PathError{Op: "move", Path: d.URI(), Err: fileio.ErrNotDir}
	case err == nil:
		if err := d.Delete(ctx); err != nil {
			return err
		}
	case !errors.Is(err, os.ErrNotExist):
		return d.fail(c, "move", err)
	}

	if err := c.Rename(f.remote(), d.remote()); err != nil {
		return f.fail(c, "move", err)
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
