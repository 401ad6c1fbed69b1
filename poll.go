package fileio

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// ============================================================================
// EventMonitor
// ============================================================================

// EventMonitor is a Monitor fed by its owner through Emit and Fail. Emit
// never blocks: events are queued without bound and delivered in order by
// a pump goroutine, so a backend may emit while a consumer is busy calling
// back into it.
type EventMonitor struct {
	mu      sync.Mutex
	queue   []MonitorEvent
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	events  chan MonitorEvent
	errors  chan error
	onClose func()
}

// NewEventMonitor starts a monitor. onClose, if not nil, runs once when the
// monitor is closed.
func NewEventMonitor(onClose func()) *EventMonitor {
	m := &EventMonitor{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		events:  make(chan MonitorEvent),
		errors:  make(chan error, 1),
		onClose: onClose,
	}
	go m.pump()
	return m
}

// CloseOnDone closes m when ctx is done.
func (m *EventMonitor) CloseOnDone(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { m.Close() })
	go func() {
		<-m.done
		stop()
	}()
}

func (m *EventMonitor) pump() {
	defer close(m.events)
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			ev := m.queue[0]
			m.queue[0] = MonitorEvent{}
			m.queue = m.queue[1:]
			m.mu.Unlock()

			select {
			case m.events <- ev:
			case <-m.done:
				return
			}
		}
	}
}

// Emit queues ev. It reports false if the monitor is closed.
func (m *EventMonitor) Emit(ev MonitorEvent) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Fail reports a terminal error and closes the monitor.
func (m *EventMonitor) Fail(err error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
	m.Close()
}

// Events implements Monitor.
func (m *EventMonitor) Events() <-chan MonitorEvent { return m.events }

// Errors implements Monitor.
func (m *EventMonitor) Errors() <-chan error { return m.errors }

// Closed reports whether Close has been called.
func (m *EventMonitor) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close implements Monitor. Queued events that were not delivered are
// discarded.
func (m *EventMonitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.queue = nil
	close(m.done)
	m.mu.Unlock()

	if m.onClose != nil {
		m.onClose()
	}
	return nil
}

// ============================================================================
// Polling Monitor
// ============================================================================

// PollingConfig configures a polling monitor.
type PollingConfig struct {
	// Interval between listings (default: 5 seconds)
	Interval time.Duration
	// MaxFailures is the number of consecutive listing errors after which
	// the monitor fails (default: 3)
	MaxFailures int
	// Attrs are the attributes compared between listings. They must
	// include name, size and modification time (the default).
	Attrs string
}

// NewPollingMonitor watches dir by listing it periodically and diffing
// consecutive listings. It is used by backends that have no native change
// notification. An entry whose name, size or modification time changes is
// reported as EventChanged; renames appear as a delete and a create.
//
// The monitor stops when ctx is cancelled or Close is called.
func NewPollingMonitor(ctx context.Context, dir File, cfg PollingConfig) (*EventMonitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Attrs == "" {
		cfg.Attrs = "standard::name,standard::type,standard::size,time::modified,time::modified-usec"
	}

	initial, err := listState(ctx, dir, cfg.Attrs)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	m := NewEventMonitor(cancel)
	go pollLoop(ctx, m, dir, cfg, initial)
	return m, nil
}

func pollLoop(ctx context.Context, m *EventMonitor, dir File, cfg PollingConfig, last map[string]*FileInfo) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-ticker.C:
		}

		current, err := listState(ctx, dir, cfg.Attrs)
		if err != nil {
			if ctx.Err() != nil {
				m.Close()
				return
			}
			failures++
			if failures >= cfg.MaxFailures {
				m.Fail(err)
				return
			}
			continue
		}
		failures = 0

		for _, ev := range diffStates(dir, last, current) {
			if !m.Emit(ev) {
				return
			}
		}
		last = current
	}
}

func listState(ctx context.Context, dir File, attrs string) (map[string]*FileInfo, error) {
	state := make(map[string]*FileInfo)
	for info, err := range ListChildren(ctx, dir, attrs) {
		if err != nil {
			return nil, err
		}
		state[info.Name()] = info
	}
	return state, nil
}

// diffStates returns the events that turn prev into next. Deletions come
// first, then creations and changes, each in name order.
func diffStates(dir File, prev, next map[string]*FileInfo) []MonitorEvent {
	var events []MonitorEvent
	for _, name := range sortedKeys(prev) {
		if _, ok := next[name]; !ok {
			events = append(events, MonitorEvent{Type: EventDeleted, File: dir.Child(name)})
		}
	}
	for _, name := range sortedKeys(next) {
		old, ok := prev[name]
		switch {
		case !ok:
			events = append(events, MonitorEvent{Type: EventCreated, File: dir.Child(name)})
		case !old.Equal(next[name]):
			events = append(events, MonitorEvent{Type: EventChanged, File: dir.Child(name)})
		}
	}
	return events
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
