package local

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
)

// Monitor implements fileio.Monitorable with fsnotify. Only direct
// children are reported. fsnotify reports the old name of a rename and a
// separate create for the new one, so renames arrive as EventDeleted
// followed by EventCreated.
func (f *File) Monitor(ctx context.Context) (fileio.Monitor, error) {
	if err := fileio.ContextError(ctx); err != nil {
		return nil, &fileio.PathError{Op: "monitor", Path: f.URI(), Err: err}
	}
	fi, err := os.Stat(f.LocalPath())
	if err != nil {
		return nil, f.fail("monitor", err)
	}
	if !fi.IsDir() {
		return nil, &fileio.PathError{Op: "monitor", Path: f.URI(), Err: fileio.ErrNotDir}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, f.fail("monitor", err)
	}
	if err := w.Add(f.LocalPath()); err != nil {
		w.Close()
		return nil, f.fail("monitor", err)
	}

	dw := &dirWatcher{
		dir:     f,
		watcher: w,
		logger:  f.b.logger.With(logging.URI(f.URI())),
	}
	dw.monitor = fileio.NewEventMonitor(func() { w.Close() })
	dw.monitor.CloseOnDone(ctx)
	go dw.run()

	dw.logger.Debug("monitor started")
	return dw.monitor, nil
}

// dirWatcher translates fsnotify events for one directory
type dirWatcher struct {
	dir     *File
	watcher *fsnotify.Watcher
	monitor *fileio.EventMonitor
	logger  *zap.Logger
}

func (d *dirWatcher) run() {
	defer d.logger.Debug("monitor stopped")
	root := d.dir.LocalPath()
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				d.monitor.Close()
				return
			}
			if ev.Name == root {
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					d.monitor.Fail(&fileio.PathError{Op: "monitor", Path: d.dir.URI(), Err: fileio.ErrNotExist})
					return
				}
				continue
			}
			if filepath.Dir(ev.Name) != root {
				continue
			}
			t, ok := eventType(ev.Op)
			if !ok {
				continue
			}
			child := d.dir.Child(filepath.Base(ev.Name))
			if !d.monitor.Emit(fileio.MonitorEvent{Type: t, File: child}) {
				return
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				d.monitor.Close()
				return
			}
			d.logger.Warn("monitor failed", logging.Err(err))
			d.monitor.Fail(d.dir.fail("monitor", err))
			return
		}
	}
}

func eventType(op fsnotify.Op) (fileio.MonitorEventType, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return fileio.EventCreated, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return fileio.EventDeleted, true
	case op.Has(fsnotify.Write), op.Has(fsnotify.Chmod):
		return fileio.EventChanged, true
	}
	return 0, false
}
