// Package trash moves local files into the freedesktop.org trash.
//
// Files on the same device as the home trash ($XDG_DATA_HOME/Trash) go
// there. Files on other mounts go to the trash at the top of their mount:
// $topdir/.Trash/$uid when $topdir/.Trash is a sticky directory, otherwise
// $topdir/.Trash-$uid. Every trashed entry gets an info/<name>.trashinfo
// sidecar recording where it came from.
package trash

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
)

const (
	filesDir = "files"
	infoDir  = "info"
)

// Option configures a Trash.
type Option func(*Trash)

// WithHomeTrash overrides the home trash directory.
func WithHomeTrash(dir string) Option {
	return func(t *Trash) { t.home = dir }
}

// WithMountSource sets where mount points are read from when a file is
// not on the home trash device.
func WithMountSource(src fileio.MountSource) Option {
	return func(t *Trash) { t.mounts = src }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trash) { t.logger = l }
}

// Trash selects trash locations and moves files into them. It is safe for
// concurrent use.
type Trash struct {
	home   string
	mounts fileio.MountSource
	uid    int
	logger *zap.Logger
	now    func() time.Time
	device func(string) (uint64, error)
}

// New creates a Trash for the current user.
func New(opts ...Option) *Trash {
	t := &Trash{
		mounts: fileio.ProcMounts{},
		uid:    currentUID(),
		now:    time.Now,
		device: deviceOf,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.home == "" {
		t.home = HomeDir()
	}
	t.logger = logging.Named(t.logger, "trash")
	return t
}

// HomeDir returns the home trash directory, or "" when neither
// XDG_DATA_HOME nor the home directory is known.
func HomeDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); filepath.IsAbs(d) {
		return filepath.Join(d, "Trash")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".local", "share", "Trash")
}

// Location returns the trash directory for the absolute path p. It fails
// with fileio.ErrNotSupported when p has no usable trash.
func (t *Trash) Location(p string) (string, error) {
	dev, err := t.device(p)
	if err != nil {
		return "", fileio.FromOSError("trash", p, err)
	}

	if t.home != "" {
		hdev, err := t.device(existingAncestor(t.home))
		if err == nil && hdev == dev {
			return t.home, nil
		}
	}
	return t.topdirTrash(p)
}

func (t *Trash) topdirTrash(p string) (string, error) {
	if t.uid < 0 || t.mounts == nil {
		return "", notSupported(p)
	}
	table, err := fileio.LoadMountTable(t.mounts)
	if err != nil {
		t.logger.Debug("mount table unavailable", logging.Err(err))
		return "", notSupported(p)
	}
	m, err := table.Find(p)
	if err != nil {
		return "", notSupported(p)
	}

	uid := strconv.Itoa(t.uid)
	shared := filepath.Join(m.MountPoint, ".Trash")
	if fi, err := os.Lstat(shared); err == nil && fi.IsDir() && fi.Mode()&os.ModeSticky != 0 {
		dir := filepath.Join(shared, uid)
		if err := ensureDir(dir); err == nil {
			return dir, nil
		}
	}

	dir := filepath.Join(m.MountPoint, ".Trash-"+uid)
	if err := ensureDir(dir); err != nil {
		t.logger.Debug("no topdir trash", logging.String("topdir", m.MountPoint), logging.Err(err))
		return "", notSupported(p)
	}
	return dir, nil
}

// Put moves the file or directory at p into its trash and returns the
// entry's new path. Name collisions get ".2", ".3" suffixes. Nothing is
// ever deleted permanently: when no trash is available Put fails with
// fileio.ErrNotSupported and p is left alone.
func (t *Trash) Put(ctx context.Context, p string) (string, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return "", &fileio.PathError{Op: "trash", Path: p, Err: err}
	}
	if !filepath.IsAbs(p) {
		return "", &fileio.PathError{Op: "trash", Path: p, Err: fileio.ErrInvalidURI}
	}
	p = filepath.Clean(p)
	if _, err := os.Lstat(p); err != nil {
		return "", fileio.FromOSError("trash", p, err)
	}

	dir, err := t.Location(p)
	if err != nil {
		return "", err
	}
	files, infos := filepath.Join(dir, filesDir), filepath.Join(dir, infoDir)
	for _, d := range []string{files, infos} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return "", fileio.FromOSError("trash", d, err)
		}
	}

	data := Info{Path: p, DeletionDate: t.now()}.Encode()
	base := filepath.Base(p)
	for i := 1; ; i++ {
		if err := fileio.ContextError(ctx); err != nil {
			return "", &fileio.PathError{Op: "trash", Path: p, Err: err}
		}
		name := base
		if i > 1 {
			name = base + "." + strconv.Itoa(i)
		}

		infoPath := filepath.Join(infos, name+infoSuffix)
		created, err := writeExclusive(infoPath, data)
		if err != nil {
			return "", fileio.FromOSError("trash", infoPath, err)
		}
		if !created {
			continue
		}

		target := filepath.Join(files, name)
		if _, err := os.Lstat(target); err == nil {
			// stray entry without info
			os.Remove(infoPath)
			continue
		}
		if err := os.Rename(p, target); err != nil {
			os.Remove(infoPath)
			return "", fileio.FromOSError("trash", p, err)
		}

		t.logger.Debug("trashed", logging.String("path", p), logging.String("trash", dir), logging.String("name", name))
		return target, nil
	}
}

// writeExclusive creates path with O_EXCL. It reports false without error
// when path already exists.
func writeExclusive(path string, data []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return false, werr
	}
	return true, nil
}

// ensureDir creates dir with mode 0700 and checks it is a real directory
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	fi, err := os.Lstat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return &os.PathError{Op: "trash", Path: dir, Err: fileio.ErrNotDir}
	}
	return nil
}

func existingAncestor(p string) string {
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func notSupported(p string) error {
	return &fileio.PathError{Op: "trash", Path: p, Err: fileio.ErrNotSupported}
}
