// Package memory provides an in-memory backend, useful for tests and as a
// scratch store. It supports every optional capability except trash and
// reports changes through native monitors.
package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/fileio"
)

// ErrNoSpace is returned when a write would exceed Config.MaxSize.
var ErrNoSpace = errors.New("memory: storage limit exceeded")

// node is one file or directory
type node struct {
	dir      bool
	content  []byte
	modTime  time.Time
	children map[string]struct{} // dirs only
}

// Adapter is an in-memory backend. Paths are kept in a flat map; each
// directory tracks its children's names.
type Adapter struct {
	scheme  string
	maxSize int64 // Maximum total storage size (0 = unlimited)

	mu    sync.RWMutex
	nodes map[string]*node
	size  int64 // Current total size

	// Watch support, keyed by directory path
	watchMu sync.Mutex
	watches map[string][]*fileio.EventMonitor
}

// Config holds configuration for the memory adapter
type Config struct {
	// MaxSize is the maximum total storage size in bytes (0 = unlimited)
	MaxSize int64
	// Scheme is the URI scheme served (default: "mem")
	Scheme string
}

// New creates a new in-memory backend
func New(cfg ...Config) *Adapter {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.Scheme == "" {
		c.Scheme = "mem"
	}

	a := &Adapter{
		scheme:  strings.ToLower(c.Scheme),
		maxSize: c.MaxSize,
		nodes:   make(map[string]*node),
		watches: make(map[string][]*fileio.EventMonitor),
	}
	a.nodes["/"] = &node{dir: true, modTime: time.Now(), children: make(map[string]struct{})}
	return a
}

// Name implements fileio.Backend.
func (a *Adapter) Name() string { return "memory" }

// Supports implements fileio.Backend.
func (a *Adapter) Supports(scheme string) bool { return scheme == a.scheme }

// Resolve implements fileio.Backend. The authority, if any, is treated as
// the first path element, so mem://a/b and mem:///a/b name the same file.
func (a *Adapter) Resolve(uri string) (fileio.File, error) {
	_, authority, p, err := fileio.SplitURI(uri)
	if err != nil {
		return nil, err
	}
	if authority != "" {
		p = fileio.CleanPath(authority + p)
	}
	return a.file(p), nil
}

// File returns the handle for p without going through a URI.
func (a *Adapter) File(p string) fileio.File {
	return a.file(fileio.CleanPath(p))
}

func (a *Adapter) file(p string) *File {
	return &File{a: a, path: p}
}

// Clear removes all files and directories. Monitors stay open.
func (a *Adapter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes = map[string]*node{
		"/": {dir: true, modTime: time.Now(), children: make(map[string]struct{})},
	}
	a.size = 0
}

// Size returns the total bytes stored
func (a *Adapter) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// FileCount returns the number of regular files
func (a *Adapter) FileCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, nd := range a.nodes {
		if !nd.dir {
			n++
		}
	}
	return n
}

// ============================================================================
// File
// ============================================================================

// File is a handle on a path in an Adapter.
type File struct {
	a    *Adapter
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

func (f *File) URI() string             { return fileio.BuildURI(f.a.scheme, "", f.path) }
func (f *File) Name() string            { return fileio.BaseName(f.path) }
func (f *File) Path() string            { return f.path }
func (f *File) Backend() fileio.Backend { return f.a }

func (f *File) Parent() fileio.File {
	p, ok := fileio.ParentPath(f.path)
	if !ok {
		return nil
	}
	return f.a.file(p)
}

func (f *File) Child(name string) fileio.File {
	return f.a.file(path.Join(f.path, name))
}

func (f *File) QueryInfo(ctx context.Context, attrs string) (*fileio.FileInfo, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "query", Path: f.URI(), Err: err}
	}

	f.a.mu.RLock()
	nd, ok := f.a.nodes[f.path]
	var info *fileio.FileInfo
	if ok {
		info = buildInfo(f.Name(), nd)
	}
	f.a.mu.RUnlock()

	if !ok {
		return nil, &fileio.PathError{Op: "query", Path: f.URI(), Err: fileio.ErrNotExist}
	}
	return info.Filter(fileio.NewAttributeMatcher(attrs)), nil
}

// buildInfo must be called with the read lock held
func buildInfo(name string, nd *node) *fileio.FileInfo {
	info := fileio.NewFileInfo()
	info.SetName(name)
	info.SetString(fileio.AttrStandardDisplayName, name)
	info.SetModTime(nd.modTime)
	info.SetBool(fileio.AttrAccessCanRead, true)
	info.SetBool(fileio.AttrAccessCanWrite, true)
	info.SetBool(fileio.AttrAccessCanDelete, true)
	info.SetBool(fileio.AttrAccessCanTrash, false)
	if nd.dir {
		fileio.SetTypeAttributes(info, name, fileio.FileTypeDirectory, nil)
		info.SetSize(0)
		return info
	}
	sniff := nd.content
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	fileio.SetTypeAttributes(info, name, fileio.FileTypeRegular, sniff)
	info.SetSize(uint64(len(nd.content)))
	info.SetString(fileio.AttrEtagValue, fileio.ContentETag(nd.content))
	return info
}

func (f *File) OpenRead(ctx context.Context) (*fileio.InputStream, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: err}
	}

	f.a.mu.RLock()
	nd, ok := f.a.nodes[f.path]
	var content []byte
	if ok {
		// content slices are never mutated in place, so sharing is safe
		content = nd.content
	}
	f.a.mu.RUnlock()

	switch {
	case !ok:
		return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrNotExist}
	case nd.dir:
		return nil, &fileio.PathError{Op: "read", Path: f.URI(), Err: fileio.ErrIsDir}
	}
	return fileio.NewInputStream(ctx, f.URI(), io.NopCloser(bytes.NewReader(content))), nil
}

func (f *File) OpenWrite(ctx context.Context, mode fileio.WriteMode) (*fileio.OutputStream, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: err}
	}

	f.a.mu.RLock()
	err := f.a.checkWritable(f.path, mode)
	var initial []byte
	if err == nil && mode == fileio.WriteAppend {
		if nd, ok := f.a.nodes[f.path]; ok {
			initial = nd.content
		}
	}
	f.a.mu.RUnlock()
	if err != nil {
		return nil, &fileio.PathError{Op: "write", Path: f.URI(), Err: err}
	}

	w := &writer{ctx: ctx, f: f, mode: mode}
	w.buf.Write(initial)
	return fileio.NewOutputStream(ctx, f.URI(), w), nil
}

// checkWritable must be called with the lock held
func (a *Adapter) checkWritable(p string, mode fileio.WriteMode) error {
	if p == "/" {
		return fileio.ErrIsDir
	}
	parent, _ := fileio.ParentPath(p)
	pn, ok := a.nodes[parent]
	if !ok {
		return fileio.ErrNotExist
	}
	if !pn.dir {
		return fileio.ErrNotDir
	}
	if nd, ok := a.nodes[p]; ok {
		if nd.dir {
			return fileio.ErrIsDir
		}
		if mode == fileio.WriteCreate {
			return fileio.ErrExist
		}
	}
	return nil
}

// writer buffers a write and commits it on Close
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
		// a cancelled write leaves no trace
		return err
	}
	return w.f.a.commit(w.f, bytes.Clone(w.buf.Bytes()), w.mode)
}

func (a *Adapter) commit(f *File, data []byte, mode fileio.WriteMode) error {
	a.mu.Lock()
	if err := a.checkWritable(f.path, mode); err != nil {
		a.mu.Unlock()
		return err
	}
	old, existed := a.nodes[f.path]
	var oldSize int64
	if existed {
		oldSize = int64(len(old.content))
	}
	newSize := a.size - oldSize + int64(len(data))
	if a.maxSize > 0 && newSize > a.maxSize {
		a.mu.Unlock()
		return ErrNoSpace
	}
	a.insert(f.path, &node{content: data, modTime: time.Now()})
	a.size = newSize
	a.mu.Unlock()

	if existed {
		a.notify(f, fileio.EventChanged)
	} else {
		a.notify(f, fileio.EventCreated)
	}
	return nil
}

// insert must be called with the lock held and the parent present
func (a *Adapter) insert(p string, nd *node) {
	parent, _ := fileio.ParentPath(p)
	a.nodes[p] = nd
	pn := a.nodes[parent]
	pn.children[path.Base(p)] = struct{}{}
	pn.modTime = time.Now()
}

// remove must be called with the lock held
func (a *Adapter) remove(p string) {
	nd, ok := a.nodes[p]
	if !ok {
		return
	}
	if !nd.dir {
		a.size -= int64(len(nd.content))
	}
	delete(a.nodes, p)
	parent, _ := fileio.ParentPath(p)
	if pn, ok := a.nodes[parent]; ok {
		delete(pn.children, path.Base(p))
		pn.modTime = time.Now()
	}
}

func (f *File) ListChildren(ctx context.Context, attrs string) iter.Seq2[*fileio.FileInfo, error] {
	return func(yield func(*fileio.FileInfo, error) bool) {
		if err := fileio.ContextError(ctx); err != nil {
			yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
			return
		}

		m := fileio.NewAttributeMatcher(attrs)
		f.a.mu.RLock()
		nd, ok := f.a.nodes[f.path]
		var infos []*fileio.FileInfo
		var err error
		switch {
		case !ok:
			err = fileio.ErrNotExist
		case !nd.dir:
			err = fileio.ErrNotDir
		default:
			names := make([]string, 0, len(nd.children))
			for name := range nd.children {
				names = append(names, name)
			}
			slices.Sort(names)
			infos = make([]*fileio.FileInfo, 0, len(names))
			for _, name := range names {
				child := f.a.nodes[path.Join(f.path, name)]
				infos = append(infos, buildInfo(name, child).Filter(m))
			}
		}
		f.a.mu.RUnlock()

		if err != nil {
			yield(nil, &fileio.PathError{Op: "list", Path: f.URI(), Err: err})
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

	f.a.mu.Lock()
	nd, ok := f.a.nodes[f.path]
	var err error
	switch {
	case !ok:
		err = fileio.ErrNotExist
	case f.path == "/":
		err = fileio.ErrPermission
	case nd.dir && len(nd.children) > 0:
		err = fileio.ErrNotEmpty
	default:
		f.a.remove(f.path)
	}
	f.a.mu.Unlock()

	if err != nil {
		return &fileio.PathError{Op: "delete", Path: f.URI(), Err: err}
	}
	f.a.notify(f, fileio.EventDeleted)
	return nil
}

func (f *File) MakeDirectory(ctx context.Context) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "mkdir", Path: f.URI(), Err: err}
	}

	f.a.mu.Lock()
	var err error
	if _, ok := f.a.nodes[f.path]; ok {
		err = fileio.ErrExist
	} else {
		parent, _ := fileio.ParentPath(f.path)
		switch pn, ok := f.a.nodes[parent]; {
		case !ok:
			err = fileio.ErrNotExist
		case !pn.dir:
			err = fileio.ErrNotDir
		default:
			f.a.insert(f.path, &node{dir: true, modTime: time.Now(), children: make(map[string]struct{})})
		}
	}
	f.a.mu.Unlock()

	if err != nil {
		return &fileio.PathError{Op: "mkdir", Path: f.URI(), Err: err}
	}
	f.a.notify(f, fileio.EventCreated)
	return nil
}

// target returns dst as a file of the same adapter
func (f *File) target(dst fileio.File) (*File, bool) {
	d, ok := dst.(*File)
	if !ok || d.a != f.a {
		return nil, false
	}
	return d, true
}

// MoveTo renames f, including a whole directory tree, within the adapter.
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

	a := f.a
	a.mu.Lock()
	err := a.checkMove(f.path, d.path, flags)
	replaced := false
	if err == nil {
		if _, ok := a.nodes[d.path]; ok {
			a.remove(d.path)
			replaced = true
		}
		a.rename(f.path, d.path)
	}
	a.mu.Unlock()

	if err != nil {
		return &fileio.PathError{Op: "move", Path: f.URI(), Err: err}
	}

	srcParent, _ := fileio.ParentPath(f.path)
	dstParent, _ := fileio.ParentPath(d.path)
	switch {
	case srcParent == dstParent && !replaced:
		a.emit(srcParent, fileio.MonitorEvent{Type: fileio.EventRenamed, File: f, Other: d})
	default:
		a.notify(f, fileio.EventDeleted)
		if replaced {
			a.notify(d, fileio.EventChanged)
		} else {
			a.notify(d, fileio.EventCreated)
		}
	}
	return nil
}

// checkMove must be called with the lock held
func (a *Adapter) checkMove(src, dst string, flags fileio.CopyFlags) error {
	sn, ok := a.nodes[src]
	if !ok {
		return fileio.ErrNotExist
	}
	if src == "/" {
		return fileio.ErrPermission
	}
	parent, _ := fileio.ParentPath(dst)
	pn, ok := a.nodes[parent]
	if !ok {
		return fileio.ErrNotExist
	}
	if !pn.dir {
		return fileio.ErrNotDir
	}
	if dn, ok := a.nodes[dst]; ok {
		if !flags.Has(fileio.CopyOverwrite) {
			return fileio.ErrExist
		}
		if dn.dir && !sn.dir {
			return fileio.ErrIsDir
		}
		if dn.dir && len(dn.children) > 0 {
			return fileio.ErrNotEmpty
		}
	}
	return nil
}

// rename moves src and its descendants to dst. The lock must be held.
func (a *Adapter) rename(src, dst string) {
	nd := a.nodes[src]
	var moved []string
	for p := range a.nodes {
		if strings.HasPrefix(p, src+"/") {
			moved = append(moved, p)
		}
	}
	size := a.size
	a.remove(src)
	a.insert(dst, nd)
	for _, p := range moved {
		a.nodes[dst+strings.TrimPrefix(p, src)] = a.nodes[p]
		delete(a.nodes, p)
	}
	a.size = size
}

// CopyTo copies a regular file within the adapter. Directories are left
// to the caller.
func (f *File) CopyTo(ctx context.Context, dst fileio.File, flags fileio.CopyFlags, progress fileio.ProgressFunc) error {
	if err := fileio.ContextError(ctx); err != nil {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: err}
	}
	d, ok := f.target(dst)
	if !ok {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: fileio.ErrNotSupported}
	}

	a := f.a
	a.mu.RLock()
	sn, ok := a.nodes[f.path]
	var content []byte
	var err error
	switch {
	case !ok:
		err = fileio.ErrNotExist
	case sn.dir:
		err = fileio.ErrNotSupported
	default:
		content = sn.content
		if dn, exists := a.nodes[d.path]; exists {
			switch {
			case !flags.Has(fileio.CopyOverwrite):
				err = fileio.ErrExist
			case dn.dir:
				err = fileio.ErrIsDir
			}
		}
	}
	a.mu.RUnlock()
	if err != nil {
		return &fileio.PathError{Op: "copy", Path: f.URI(), Err: err}
	}
	if d.path == f.path {
		return nil
	}

	if err := a.commit(d, content, fileio.WriteReplace); err != nil {
		return &fileio.PathError{Op: "copy", Path: d.URI(), Err: err}
	}
	if progress != nil {
		n := int64(len(content))
		progress(n, n)
	}
	return nil
}

// ============================================================================
// Monitor Implementation
// ============================================================================

// Monitor reports changes to the direct children of a directory.
func (f *File) Monitor(ctx context.Context) (fileio.Monitor, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "monitor", Path: f.URI(), Err: err}
	}
	f.a.mu.RLock()
	nd, ok := f.a.nodes[f.path]
	f.a.mu.RUnlock()
	switch {
	case !ok:
		return nil, &fileio.PathError{Op: "monitor", Path: f.URI(), Err: fileio.ErrNotExist}
	case !nd.dir:
		return nil, &fileio.PathError{Op: "monitor", Path: f.URI(), Err: fileio.ErrNotDir}
	}

	var m *fileio.EventMonitor
	m = fileio.NewEventMonitor(func() { f.a.removeWatch(f.path, m) })

	f.a.watchMu.Lock()
	f.a.watches[f.path] = append(f.a.watches[f.path], m)
	f.a.watchMu.Unlock()

	m.CloseOnDone(ctx)
	return m, nil
}

// notify reports a change of f to monitors on its parent directory
func (a *Adapter) notify(f *File, t fileio.MonitorEventType) {
	parent, ok := fileio.ParentPath(f.path)
	if !ok {
		return
	}
	a.emit(parent, fileio.MonitorEvent{Type: t, File: f})
}

func (a *Adapter) emit(dir string, ev fileio.MonitorEvent) {
	a.watchMu.Lock()
	monitors := slices.Clone(a.watches[dir])
	a.watchMu.Unlock()

	for _, m := range monitors {
		m.Emit(ev)
	}
}

func (a *Adapter) removeWatch(dir string, m *fileio.EventMonitor) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	a.watches[dir] = slices.DeleteFunc(a.watches[dir], func(x *fileio.EventMonitor) bool {
		return x == m
	})
	if len(a.watches[dir]) == 0 {
		delete(a.watches, dir)
	}
}

// Ensure Adapter implements interfaces
var _ fileio.Backend = (*Adapter)(nil)
