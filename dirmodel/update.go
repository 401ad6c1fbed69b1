package dirmodel

import (
	"iter"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gobeaver/fileio"
)

// UpdateKind tells what an Update describes.
type UpdateKind int

const (
	// Initial carries the complete snapshot after a successful Load.
	Initial UpdateKind = iota
	// Added reports a new entry.
	Added
	// Removed reports an entry that disappeared. Info is its last known state.
	Removed
	// Changed reports an entry whose name, size or modification time changed.
	Changed
	// Failed is terminal: the monitor stopped and no updates follow until
	// the next Load.
	Failed
)

func (k UpdateKind) String() string {
	switch k {
	case Initial:
		return "initial"
	case Added:
		return "added"
	case Removed:
		return "removed"
	case Changed:
		return "changed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Update is one change to a model's snapshot.
type Update struct {
	Kind UpdateKind
	// Name of the entry; empty for Initial and Failed
	Name string
	// Info for Added, Changed and Removed
	Info *fileio.FileInfo
	// Infos holds the full listing, sorted by name, for Initial
	Infos []*fileio.FileInfo
	// Err for Failed
	Err error
}

// Snapshot is an immutable point-in-time view of a directory. The
// FileInfo values it hands out are shared and must not be modified.
type Snapshot struct {
	entries map[string]*fileio.FileInfo
}

var emptySnapshot = &Snapshot{entries: map[string]*fileio.FileInfo{}}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.entries) }

// Get returns the entry called name.
func (s *Snapshot) Get(name string) (*fileio.FileInfo, bool) {
	info, ok := s.entries[name]
	return info, ok
}

// Names returns the entry names, sorted.
func (s *Snapshot) Names() []string {
	return slices.Sorted(maps.Keys(s.entries))
}

// Infos returns the entries sorted by name.
func (s *Snapshot) Infos() []*fileio.FileInfo {
	out := make([]*fileio.FileInfo, 0, len(s.entries))
	for _, name := range s.Names() {
		out = append(out, s.entries[name])
	}
	return out
}

// All iterates over the entries in name order.
func (s *Snapshot) All() iter.Seq2[string, *fileio.FileInfo] {
	return func(yield func(string, *fileio.FileInfo) bool) {
		for _, name := range s.Names() {
			if !yield(name, s.entries[name]) {
				return
			}
		}
	}
}

// Equal reports whether s and other hold the same names with entries
// equal under fileio.FileInfo.Equal.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if len(s.entries) != len(other.entries) {
		return false
	}
	for name, info := range s.entries {
		o, ok := other.entries[name]
		if !ok || !info.Equal(o) {
			return false
		}
	}
	return true
}

// with returns a copy of s with name set to info, or removed when info is nil
func (s *Snapshot) with(name string, info *fileio.FileInfo) *Snapshot {
	entries := maps.Clone(s.entries)
	if info == nil {
		delete(entries, name)
	} else {
		entries[name] = info
	}
	return &Snapshot{entries: entries}
}

// Subscription receives a model's updates from the moment it was created.
// A subscriber that falls behind loses updates rather than slowing the
// model down; Dropped counts them.
type Subscription struct {
	model   *Model
	ch      chan Update
	dropped atomic.Uint64
	once    sync.Once
}

// Updates returns the update channel. It is closed by Close or when the
// model is closed.
func (s *Subscription) Updates() <-chan Update { return s.ch }

// Dropped returns the number of updates this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close stops delivery and closes the channel.
func (s *Subscription) Close() {
	s.once.Do(func() { s.model.unsubscribe(s) })
}
