// Package dirmodel keeps a live listing of a directory. A Model loads the
// children of a directory once, then follows the directory's monitor and
// turns each change event into an Added, Removed or Changed update that is
// broadcast to every subscriber.
//
//	m := dirmodel.New(dir)
//	sub := m.Subscribe()
//	if err := m.Load(ctx); err != nil {
//	    return err
//	}
//	for u := range sub.Updates() {
//	    switch u.Kind {
//	    case dirmodel.Initial: ...
//	    case dirmodel.Added:   ...
//	    }
//	}
//
// The snapshot is copy-on-write: Snapshot returns a consistent view without
// locking, and updates are applied by a single writer in monitor order.
package dirmodel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
)

// ErrMonitorStopped is reported in a Failed update when the monitor closed
// its event channel without an error.
var ErrMonitorStopped = &fileio.IOError{Err: errors.New("monitor stopped unexpectedly")}

// Model is a live directory listing.
type Model struct {
	dir    fileio.File
	opts   Options
	logger *zap.Logger

	snap atomic.Pointer[Snapshot]

	// mu serializes snapshot writers and guards the fields below
	mu      sync.Mutex
	monitor fileio.Monitor
	stop    chan struct{}
	cancel  context.CancelFunc
	gen     uint64
	err     error
	closed  bool
	wg      sync.WaitGroup

	// subsMu guards subs and subsClosed
	subsMu     sync.Mutex
	subs       map[*Subscription]struct{}
	subsClosed bool
	dropped    atomic.Uint64
}

// New returns an empty model for dir. Call Load to populate it.
func New(dir fileio.File, opts ...Option) *Model {
	o := processOptions(opts...)
	m := &Model{
		dir:    dir,
		opts:   o,
		logger: logging.Named(o.Logger, "dirmodel").With(logging.URI(dir.URI())),
		subs:   make(map[*Subscription]struct{}),
	}
	m.snap.Store(emptySnapshot)
	return m
}

// Dir returns the directory the model follows.
func (m *Model) Dir() fileio.File { return m.dir }

// Snapshot returns the current listing.
func (m *Model) Snapshot() *Snapshot { return m.snap.Load() }

// Err returns the error that stopped live updates, or nil.
func (m *Model) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Dropped returns the number of updates dropped across all subscribers.
func (m *Model) Dropped() uint64 { return m.dropped.Load() }

// Load enumerates the directory and replaces the snapshot. On failure the
// previous snapshot is kept. The first successful Load, and the first one
// after a failure, starts following the directory's monitor if it has one.
// Every successful Load broadcasts an Initial update.
//
// A monitor that fails to start does not fail the Load: the snapshot is
// still replaced, and the Initial update is followed by a terminal Failed
// update carrying the monitor error, which Err then reports.
func (m *Model) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &fileio.PathError{Op: "load", Path: m.dir.URI(), Err: fileio.ErrClosed}
	}

	// Start the monitor before listing so no change falls between the two.
	// Events that arrive meanwhile wait for mu and are then reconciled
	// against the fresh snapshot.
	started := false
	var monErr error
	if m.monitor == nil {
		monErr = m.startMonitor()
		started = m.monitor != nil
	}

	entries := make(map[string]*fileio.FileInfo)
	for info, err := range fileio.ListChildren(ctx, m.dir, m.opts.Attrs) {
		if err != nil {
			if started {
				m.stopMonitor()
			}
			m.logger.Warn("load failed", logging.Err(err))
			return err
		}
		if m.opts.Filter.Match(info) {
			entries[info.Name()] = info
		}
	}

	snap := &Snapshot{entries: entries}
	m.snap.Store(snap)
	m.err = monErr
	m.logger.Debug("loaded", zap.Int("entries", len(entries)), zap.Bool("monitoring", m.monitor != nil))
	m.broadcast(Update{Kind: Initial, Infos: snap.Infos()})
	if monErr != nil {
		m.broadcast(Update{Kind: Failed, Err: monErr})
	}
	return nil
}

// startMonitor must be called with mu held. A directory that cannot be
// monitored is not an error: the model then only changes on Load.
func (m *Model) startMonitor() error {
	if _, ok := m.dir.(fileio.Monitorable); !ok {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	mon, err := fileio.StartMonitor(ctx, m.dir)
	if err != nil {
		cancel()
		if errors.Is(err, fileio.ErrNotSupported) {
			return nil
		}
		m.logger.Warn("monitor start failed", logging.Err(err))
		return err
	}

	m.gen++
	m.monitor = mon
	m.cancel = cancel
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.run(ctx, mon, m.stop, m.gen)
	m.logger.Debug("monitor started")
	return nil
}

// stopMonitor must be called with mu held
func (m *Model) stopMonitor() {
	if m.monitor == nil {
		return
	}
	close(m.stop)
	m.monitor.Close()
	m.cancel()
	m.monitor = nil
	m.gen++
}

func (m *Model) run(ctx context.Context, mon fileio.Monitor, stop <-chan struct{}, gen uint64) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		case err := <-mon.Errors():
			m.fail(gen, err)
			return
		case ev, ok := <-mon.Events():
			if !ok {
				// a failing monitor closes Events right after queueing its error
				select {
				case err := <-mon.Errors():
					m.fail(gen, err)
				default:
					m.fail(gen, ErrMonitorStopped)
				}
				return
			}
			m.apply(ctx, gen, ev)
		}
	}
}

func (m *Model) fail(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed {
		return
	}
	if err == nil {
		err = ErrMonitorStopped
	}
	m.logger.Error("monitor failed", logging.Err(err))
	m.stopMonitor()
	m.err = err
	m.broadcast(Update{Kind: Failed, Err: err})
}

func (m *Model) apply(ctx context.Context, gen uint64, ev fileio.MonitorEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed || ev.File == nil {
		return
	}
	m.opts.Metrics.Event(ev.Type.String())

	switch ev.Type {
	case fileio.EventCreated, fileio.EventChanged:
		m.refresh(ctx, ev.File)
	case fileio.EventDeleted:
		m.remove(ev.File.Name())
	case fileio.EventRenamed:
		m.remove(ev.File.Name())
		if ev.Other != nil && m.contains(ev.Other) {
			m.refresh(ctx, ev.Other)
		}
	}
}

// contains reports whether f is a direct child of the model's directory
func (m *Model) contains(f fileio.File) bool {
	parent, ok := fileio.ParentPath(f.Path())
	return ok && parent == m.dir.Path()
}

// refresh re-queries f and reconciles the snapshot. Created on a present
// entry and Changed on an absent one both converge to the queried state.
func (m *Model) refresh(ctx context.Context, f fileio.File) {
	name := f.Name()
	info, err := f.QueryInfo(ctx, m.opts.Attrs)
	if err != nil {
		if fileio.IsNotExist(err) {
			m.remove(name)
			return
		}
		m.logger.Warn("query failed, event skipped", zap.String("name", name), logging.Err(err))
		return
	}

	snap := m.snap.Load()
	old, present := snap.Get(name)
	if !m.opts.Filter.Match(info) {
		if present {
			m.remove(name)
		}
		return
	}

	switch {
	case !present:
		m.snap.Store(snap.with(name, info))
		m.broadcast(Update{Kind: Added, Name: name, Info: info})
	case !old.Equal(info):
		m.snap.Store(snap.with(name, info))
		m.broadcast(Update{Kind: Changed, Name: name, Info: info})
	}
}

func (m *Model) remove(name string) {
	snap := m.snap.Load()
	old, ok := snap.Get(name)
	if !ok {
		return
	}
	m.snap.Store(snap.with(name, nil))
	m.broadcast(Update{Kind: Removed, Name: name, Info: old})
}

// Subscribe returns a subscription with the model's default buffer.
func (m *Model) Subscribe() *Subscription {
	return m.SubscribeBuffer(m.opts.Buffer)
}

// SubscribeBuffer returns a subscription whose queue holds n updates.
func (m *Model) SubscribeBuffer(n int) *Subscription {
	if n <= 0 {
		n = m.opts.Buffer
	}
	s := &Subscription{model: m, ch: make(chan Update, n)}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.subsClosed {
		close(s.ch)
		return s
	}
	m.subs[s] = struct{}{}
	m.opts.Metrics.Subscribed(1)
	return s
}

func (m *Model) unsubscribe(s *Subscription) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[s]; !ok {
		return
	}
	delete(m.subs, s)
	close(s.ch)
	m.opts.Metrics.Subscribed(-1)
}

// broadcast never blocks: a full subscriber queue drops the update
func (m *Model) broadcast(u Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for s := range m.subs {
		select {
		case s.ch <- u:
		default:
			s.dropped.Add(1)
			m.dropped.Add(1)
			m.opts.Metrics.Dropped()
			m.logger.Debug("update dropped for lagging subscriber",
				zap.Stringer("kind", u.Kind),
				zap.String("name", u.Name),
			)
		}
	}
}

// Close stops following the monitor and closes every subscription.
func (m *Model) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopMonitor()
	m.mu.Unlock()

	m.wg.Wait()

	m.subsMu.Lock()
	m.subsClosed = true
	for s := range m.subs {
		delete(m.subs, s)
		close(s.ch)
		m.opts.Metrics.Subscribed(-1)
	}
	m.subsMu.Unlock()
	return nil
}
