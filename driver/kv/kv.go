// Package kv provides the kv:// backend, a file tree stored in a badger
// database. It serves as a derived cache: thumbnails, extracted previews and
// other data that is cheap to rebuild but worth keeping across restarts.
//
// Every mutation runs in a single badger transaction, so renames of whole
// trees are atomic. Monitors poll.
package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"path"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
)

// Key namespaces:
//
//	e:<path>          entry metadata (JSON)
//	d:<path>          file content
//	c:<parent>\x00<n> child link, empty value
const (
	prefixEntry = "e:"
	prefixData  = "d:"
	prefixChild = "c:"
)

func keyEntry(p string) []byte { return []byte(prefixEntry + p) }
func keyData(p string) []byte  { return []byte(prefixData + p) }

func keyChildPrefix(dir string) []byte { return []byte(prefixChild + dir + "\x00") }

func keyChild(p string) []byte {
	parent, _ := fileio.ParentPath(p)
	return append(keyChildPrefix(parent), path.Base(p)...)
}

// entry is the stored metadata of a file or directory.
type entry struct {
	Dir         bool   `json:"dir,omitempty"`
	Size        int64  `json:"size"`
	ModTime     int64  `json:"mtime"`
	ETag        string `json:"etag,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

func encodeEntry(e *entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*entry, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return &e, nil
}

// Config configures a Backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps the database in memory only.
	InMemory bool
	// PollInterval is how often monitors list their directory.
	PollInterval time.Duration
	// Logger defaults to the package logger named "kv".
	Logger *zap.Logger
}

// Backend serves kv:// URIs from a badger database.
type Backend struct {
	db     *badger.DB
	poll   time.Duration
	logger *zap.Logger
}

// Open opens or creates the database and makes sure the root exists.
func Open(cfg Config) (*Backend, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, errors.New("kv: database path is required")
	}

	opts := badger.DefaultOptions(cfg.Path).WithLoggingLevel(badger.WARNING)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	b := &Backend{
		db:     db,
		poll:   cfg.PollInterval,
		logger: logging.Named(cfg.Logger, "kv"),
	}
	if err := b.initRoot(); err != nil {
		_ = db.Close()
		return nil, err
	}
	b.logger.Debug("database opened", logging.String("path", cfg.Path))
	return b, nil
}

func (b *Backend) initRoot() error {
	return b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyEntry("/"))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putEntry(txn, "/", &entry{Dir: true, ModTime: time.Now().UnixNano()})
	})
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Name implements fileio.Backend.
func (b *Backend) Name() string { return "kv" }

// Supports implements fileio.Backend.
func (b *Backend) Supports(scheme string) bool { return scheme == "kv" }

// Resolve implements fileio.Backend. As with mem://, an authority is taken
// as the first path element.
func (b *Backend) Resolve(uri string) (fileio.File, error) {
	_, authority, p, err := fileio.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	if authority != "" {
		p = fileio.CleanPath(authority + p)
	}
	return b.file(p), nil
}

func (b *Backend) file(p string) *File {
	return &File{b: b, path: p}
}

// ============================================================================
// Transaction helpers
// ============================================================================

// getEntry returns fileio.ErrNotExist for a missing path.
func getEntry(txn *badger.Txn, p string) (*entry, error) {
	item, err := txn.Get(keyEntry(p))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fileio.ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	var e *entry
	err = item.Value(func(val []byte) error {
		e, err = decodeEntry(val)
		return err
	})
	return e, err
}

func putEntry(txn *badger.Txn, p string, e *entry) error {
	data, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return txn.Set(keyEntry(p), data)
}

func getData(txn *badger.Txn, p string) ([]byte, error) {
	item, err := txn.Get(keyData(p))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// store writes p and its child link.
func store(txn *badger.Txn, p string, e *entry, data []byte) error {
	if err := putEntry(txn, p, e); err != nil {
		return err
	}
	if !e.Dir {
		if err := txn.Set(keyData(p), data); err != nil {
			return err
		}
	}
	return txn.Set(keyChild(p), []byte{})
}

// drop removes p only, never its descendants.
func drop(txn *badger.Txn, p string) error {
	for _, key := range [][]byte{keyEntry(p), keyData(p), keyChild(p)} {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// link stores p and bumps the parent's mtime.
func link(txn *badger.Txn, p string, e *entry, data []byte) error {
	if err := store(txn, p, e, data); err != nil {
		return err
	}
	return touchParent(txn, p)
}

// unlink drops p and bumps the parent's mtime.
func unlink(txn *badger.Txn, p string) error {
	if err := drop(txn, p); err != nil {
		return err
	}
	return touchParent(txn, p)
}

func touchParent(txn *badger.Txn, p string) error {
	parent, _ := fileio.ParentPath(p)
	pe, err := getEntry(txn, parent)
	if err != nil {
		return err
	}
	pe.ModTime = time.Now().UnixNano()
	return putEntry(txn, parent, pe)
}

func hasChildren(txn *badger.Txn, dir string) bool {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = keyChildPrefix(dir)
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Rewind()
	return it.Valid()
}

// descendants returns every path below dir, parents before children.
func descendants(txn *badger.Txn, dir string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefixEntry + strings.TrimSuffix(dir, "/") + "/")
	it := txn.NewIterator(opts)
	defer it.Close()

	var out []string
	for it.Rewind(); it.Valid(); it.Next() {
		out = append(out, string(it.Item().Key()[len(prefixEntry):]))
	}
	return out
}

// checkParent requires the parent of p to be an existing directory.
func checkParent(txn *badger.Txn, p string) error {
	parent, _ := fileio.ParentPath(p)
	pe, err := getEntry(txn, parent)
	if err != nil {
		return err
	}
	if !pe.Dir {
		return fileio.ErrNotDir
	}
	return nil
}

// ============================================================================
// File
// ============================================================================

// File is a path in the database.
type File struct {
	b    *Backend
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
	_ fileio.Copier      = (*File)(nil)
)

func (f *File) URI() string             { return fileio.BuildURI("kv", "", f.path) }
func (f *File) Name() string            { return fileio.BaseName(f.path) }
func (f *File) Path() string            { return f.path }
func (f *File) Backend() fileio.Backend { return f.b }

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

func (f *File) QueryInfo(ctx context.Context, attrs string) (*fileio.FileInfo, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "query", Path: f.URI(), Err: err}
	}
	var e *entry
	err := f.b.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEntry(txn, f.path)
		return err
	})
	if err != nil {
		return nil, fileio.FromOSError("query", f.URI(), err)
	}
	return buildInfo(f.Name(), e).Filter(fileio.NewAttributeMatcher(attrs)), nil
}

func buildInfo(name string, e *entry) *fileio.FileInfo {
	info := fileio.NewFileInfo()
	info.SetName(name)
	info.SetString(fileio.AttrStandardDisplayName, name)
	info.SetModTime(time.Unix(0, e.ModTime))
	info.SetBool(fileio.AttrAccessCanRead, true)
	info.SetBool(fileio.AttrAccessCanWrite, true)
	info.SetBool(fileio.AttrAccessCanDelete, true)
	info.SetBool(fileio.AttrAccessCanTrash, false)
	if e.Dir {
		fileio.SetTypeAttributes(info, name, fileio.FileTypeDirectory, nil)
		info.SetSize(0)
		return info
	}
	fileio.SetTypeAttributes(info, name, fileio.FileTypeRegular, nil)
	if e.ContentType != "" {
		info.SetContentType(e.ContentType)
	}
	info.SetSize(uint64(e.Size))
	info.SetString(fileio.AttrEtagValue, e.ETag)
	return info
}

func (f *File) OpenRead(ctx context.Context) (*fileio.InputStream, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: err}
	}
	var content []byte
	err := f.b.db.View(func(txn *badger.Txn) error {
		e, err := getEntry(txn, f.path)
		if err != nil {
			return err
		}
		if e.Dir {
			return fileio.ErrIsDir
		}
		content, err = getData(txn, f.path)
		return err
	})
	if err != nil {
		return nil, fileio.FromOSError("read", f.URI(), err)
	}
	return fileio.NewInputStream(ctx, f.URI(), readCloser{bytes.NewReader(content)}), nil
}

type readCloser struct{ *bytes.Reader }

func (readCloser) Close() error { return nil }

func (f *File) OpenWrite(ctx context.Context, mode fileio.WriteMode) (*fileio.OutputStream, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: err}
	}
	var initial []byte
	err := f.b.db.View(func(txn *badger.Txn) error {
		if err := checkWritable(txn, f.path, mode); err != nil {
			return err
		}
		if mode != fileio.WriteAppend {
			return nil
		}
		var err error
		initial, err = getData(txn, f.path)
		return err
	})
	if err != nil {
		return nil, fileio.FromOSError("write", f.URI(), err)
	}

	w := &writer{ctx: ctx, f: f, mode: mode}
	w.buf.Write(initial)
	return fileio.NewOutputStream(ctx, f.URI(), w), nil
}

func checkWritable(txn *badger.Txn, p string, mode fileio.WriteMode) error {
	if p == "/" {
		return fileio.ErrIsDir
	}
	if err := checkParent(txn, p); err != nil {
		return err
	}
	e, err := getEntry(txn, p)
	switch {
	case errors.Is(err, fileio.ErrNotExist):
		return nil
	case err != nil:
		return err
	case e.Dir:
		return fileio.ErrIsDir
	case mode == fileio.WriteCreate:
		return fileio.ErrExist
	}
	return nil
}

// writer buffers a write and commits it in one transaction on Close
type writer struct {
	ctx  context.Context
	f    *File
	mode fileio.WriteMode
	buf  bytes.Buffer
}

func (w *writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// Abort drops the buffered data
func (w *writer) Abort() error {
	w.buf.Reset()
	return nil
}

func (w *writer) Close() error {
	if err := fileio.ContextError(w.ctx); err != nil {
		return err
	}
	data := w.buf.Bytes()
	err := w.f.b.db.Update(func(txn *badger.Txn) error {
		if err := checkWritable(txn, w.f.path, w.mode); err != nil {
			return err
		}
		sniff := data
		if len(sniff) > 512 {
			sniff = sniff[:512]
		}
		e := &entry{
			Size:        int64(len(data)),
			ModTime:     time.Now().UnixNano(),
			ETag:        fileio.ContentETag(data),
			ContentType: fileio.GuessContentType(w.f.Name(), sniff),
		}
		return link(txn, w.f.path, e, data)
	})
	return fileio.FromOSError("write", w.f.URI(), err)
}

func (f *File) ListChildren(ctx context.Context, attrs string) iter.Seq2[*fileio.FileInfo, error] {
	return func(yield func(*fileio.FileInfo, error) bool) {
		if err := fileio.ContextError(ctx); err != nil {
			yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
			return
		}

		m := fileio.NewAttributeMatcher(attrs)
		var infos []*fileio.FileInfo
		err := f.b.db.View(func(txn *badger.Txn) error {
			e, err := getEntry(txn, f.path)
			if err != nil {
				return err
			}
			if !e.Dir {
				return fileio.ErrNotDir
			}

			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = keyChildPrefix(f.path)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := fileio.ContextError(ctx); err != nil {
					return err
				}
				name := string(it.Item().Key()[len(opts.Prefix):])
				ce, err := getEntry(txn, path.Join(f.path, name))
				if err != nil {
					return fmt.Errorf("dangling child link %q: %w", name, err)
				}
				infos = append(infos, buildInfo(name, ce).Filter(m))
			}
			return nil
		})
		if err != nil {
			yield(nil, fileio.FromOSError("list", f.URI(), err))
			return
		}
		for _, info := range infos {
			if err := fileio.ContextError(ctx); err != nil {
				yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
				return
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (f *File) Delete(ctx context.Context) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "delete", Path: f.URI(), Err: err}
	}
	err := f.b.db.Update(func(txn *badger.Txn) error {
		e, err := getEntry(txn, f.path)
		switch {
		case err != nil:
			return err
		case f.path == "/":
			return fileio.ErrPermission
		case e.Dir && hasChildren(txn, f.path):
			return fileio.ErrNotEmpty
		}
		return unlink(txn, f.path)
	})
	return fileio.FromOSError("delete", f.URI(), err)
}

func (f *File) MakeDirectory(ctx context.Context) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "mkdir", Path: f.URI(), Err: err}
	}
	err := f.b.db.Update(func(txn *badger.Txn) error {
		_, err := getEntry(txn, f.path)
		if err == nil {
			return fileio.ErrExist
		}
		if !errors.Is(err, fileio.ErrNotExist) {
			return err
		}
		if err := checkParent(txn, f.path); err != nil {
			return err
		}
		return link(txn, f.path, &entry{Dir: true, ModTime: time.Now().UnixNano()}, nil)
	})
	return fileio.FromOSError("mkdir", f.URI(), err)
}

// target returns dst as a file of the same backend
func (f *File) target(dst fileio.File) (*File, bool) {
	d, ok := dst.(*File)
	if !ok || d.b != f.b {
		return nil, false
	}
	return d, true
}

// MoveTo renames f, including a whole directory tree, in one transaction.
// Large trees may exceed badger's transaction size and fail with an I/O
// error, leaving the source untouched.
func (f *File) MoveTo(ctx context.Context, dst fileio.File, flags fileio.CopyFlags) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "move", Path: f.URI(), Err: err}
	}
	d, ok := f.target(dst)
	if !ok {
		return &fileio.PathError{Op: "move", Path: f.URI(), Err: fileio.ErrNotSupported}
	}
	if d.path == f.path {
		return nil
	}
	if strings.HasPrefix(d.path, f.path+"/") {
		return &fileio.PathError{Op: "move", Path: d.URI(), Err: fileio.ErrPermission}
	}

	err := f.b.db.Update(func(txn *badger.Txn) error {
		if f.path == "/" {
			return fileio.ErrPermission
		}
		se, err := getEntry(txn, f.path)
		if err != nil {
			return err
		}
		if err := checkParent(txn, d.path); err != nil {
			return err
		}

		de, err := getEntry(txn, d.path)
		switch {
		case errors.Is(err, fileio.ErrNotExist):
		case err != nil:
			return err
		case !flags.Has(fileio.CopyOverwrite):
			return fileio.ErrExist
		case de.Dir && !se.Dir:
			return fileio.ErrIsDir
		case !de.Dir && se.Dir:
			return fileio.ErrNotDir
		case de.Dir && hasChildren(txn, d.path):
			return fileio.ErrNotEmpty
		default:
			if err := unlink(txn, d.path); err != nil {
				return err
			}
		}

		moved := append([]string{f.path}, descendants(txn, f.path)...)
		for _, p := range moved {
			e, err := getEntry(txn, p)
			if err != nil {
				return err
			}
			data, err := getData(txn, p)
			if err != nil {
				return err
			}
			if err := drop(txn, p); err != nil {
				return err
			}
			if err := store(txn, d.path+strings.TrimPrefix(p, f.path), e, data); err != nil {
				return err
			}
		}
		if err := touchParent(txn, f.path); err != nil {
			return err
		}
		return touchParent(txn, d.path)
	})
	return fileio.FromOSError("move", f.URI(), err)
}

// CopyTo copies a regular file within the database. Directories are left
// to the caller.
func (f *File) CopyTo(ctx context.Context, dst fileio.File, flags fileio.CopyFlags, progress fileio.ProgressFunc) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: err}
	}
	d, ok := f.target(dst)
	if !ok {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: fileio.ErrNotSupported}
	}

	var size int64
	err := f.b.db.Update(func(txn *badger.Txn) error {
		se, err := getEntry(txn, f.path)
		if err != nil {
			return err
		}
		if se.Dir {
			return fileio.ErrNotSupported
		}
		if err := checkParent(txn, d.path); err != nil {
			return err
		}
		de, err := getEntry(txn, d.path)
		switch {
		case errors.Is(err, fileio.ErrNotExist):
		case err != nil:
			return err
		case de.Dir:
			return fileio.ErrIsDir
		case !flags.Has(fileio.CopyOverwrite):
			return fileio.ErrExist
		}

		data, err := getData(txn, f.path)
		if err != nil {
			return err
		}
		ne := *se
		ne.ModTime = time.Now().UnixNano()
		size = se.Size
		return link(txn, d.path, &ne, data)
	})
	if err != nil {
		return fileio.FromOSError("copy", f.URI(), err)
	}
	if progress != nil {
		progress(size, size)
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
