package fileio

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// FileType is the value of the standard::type attribute.
type FileType uint32

const (
	FileTypeUnknown FileType = iota
	FileTypeRegular
	FileTypeDirectory
	FileTypeSymbolicLink
	FileTypeSpecial
	FileTypeShortcut
	FileTypeMountable
)

func (t FileType) String() string {
	switch t {
	case FileTypeRegular:
		return "regular"
	case FileTypeDirectory:
		return "directory"
	case FileTypeSymbolicLink:
		return "symlink"
	case FileTypeSpecial:
		return "special"
	case FileTypeShortcut:
		return "shortcut"
	case FileTypeMountable:
		return "mountable"
	default:
		return "unknown"
	}
}

// Well-known attribute keys.
const (
	AttrStandardName        = "standard::name"
	AttrStandardDisplayName = "standard::display-name"
	AttrStandardType        = "standard::type"
	AttrStandardSize        = "standard::size"
	AttrStandardContentType = "standard::content-type"
	AttrStandardIcon        = "standard::icon"
	AttrStandardIsHidden    = "standard::is-hidden"
	AttrStandardIsSymlink   = "standard::is-symlink"
	AttrStandardTarget      = "standard::symlink-target"

	AttrTimeModified     = "time::modified"
	AttrTimeModifiedUsec = "time::modified-usec"
	AttrTimeAccess       = "time::access"

	AttrUnixMode  = "unix::mode"
	AttrUnixUID   = "unix::uid"
	AttrUnixGID   = "unix::gid"
	AttrUnixInode = "unix::inode"
	AttrUnixNlink = "unix::nlink"

	AttrAccessCanRead    = "access::can-read"
	AttrAccessCanWrite   = "access::can-write"
	AttrAccessCanExecute = "access::can-execute"
	AttrAccessCanDelete  = "access::can-delete"
	AttrAccessCanTrash   = "access::can-trash"

	AttrEtagValue = "etag::value"
)

// FileInfo is a bag of namespaced attributes ("namespace::name") describing
// a file. Values are typed: string, []string, bool, uint32, int32, uint64 or
// int64. Asking for an attribute that was never set reports it as absent;
// it is never an error.
//
// A FileInfo is not safe for concurrent mutation. Values handed out by the
// directory model are never mutated after publication.
type FileInfo struct {
	attrs map[string]any
}

// NewFileInfo returns an empty FileInfo.
func NewFileInfo() *FileInfo {
	return &FileInfo{attrs: make(map[string]any)}
}

func (fi *FileInfo) set(key string, v any) {
	if fi.attrs == nil {
		fi.attrs = make(map[string]any)
	}
	fi.attrs[key] = v
}

func (fi *FileInfo) SetString(key, v string)           { fi.set(key, v) }
func (fi *FileInfo) SetStringv(key string, v []string) { fi.set(key, slices.Clone(v)) }
func (fi *FileInfo) SetBool(key string, v bool)        { fi.set(key, v) }
func (fi *FileInfo) SetUint32(key string, v uint32)    { fi.set(key, v) }
func (fi *FileInfo) SetInt32(key string, v int32)      { fi.set(key, v) }
func (fi *FileInfo) SetUint64(key string, v uint64)    { fi.set(key, v) }
func (fi *FileInfo) SetInt64(key string, v int64)      { fi.set(key, v) }

// Remove deletes an attribute.
func (fi *FileInfo) Remove(key string) {
	delete(fi.attrs, key)
}

// Has reports whether key is set.
func (fi *FileInfo) Has(key string) bool {
	if fi == nil {
		return false
	}
	_, ok := fi.attrs[key]
	return ok
}

// Get returns the raw value of key.
func (fi *FileInfo) Get(key string) (any, bool) {
	if fi == nil {
		return nil, false
	}
	v, ok := fi.attrs[key]
	return v, ok
}

// Keys returns the set attribute keys in sorted order.
func (fi *FileInfo) Keys() []string {
	if fi == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(fi.attrs))
}

// Namespaces returns the distinct namespaces present, sorted.
func (fi *FileInfo) Namespaces() []string {
	seen := make(map[string]struct{})
	for _, k := range fi.Keys() {
		ns, _, _ := strings.Cut(k, "::")
		seen[ns] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

func getTyped[T any](fi *FileInfo, key string) (T, bool) {
	var zero T
	v, ok := fi.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

func (fi *FileInfo) GetString(key string) (string, bool)    { return getTyped[string](fi, key) }
func (fi *FileInfo) GetStringv(key string) ([]string, bool) { return getTyped[[]string](fi, key) }
func (fi *FileInfo) GetBool(key string) (bool, bool)        { return getTyped[bool](fi, key) }
func (fi *FileInfo) GetUint32(key string) (uint32, bool)    { return getTyped[uint32](fi, key) }
func (fi *FileInfo) GetInt32(key string) (int32, bool)      { return getTyped[int32](fi, key) }
func (fi *FileInfo) GetUint64(key string) (uint64, bool)    { return getTyped[uint64](fi, key) }
func (fi *FileInfo) GetInt64(key string) (int64, bool)      { return getTyped[int64](fi, key) }

// Name returns standard::name, or "" when absent.
func (fi *FileInfo) Name() string {
	s, _ := fi.GetString(AttrStandardName)
	return s
}

// SetName sets standard::name.
func (fi *FileInfo) SetName(name string) { fi.SetString(AttrStandardName, name) }

// DisplayName returns standard::display-name, falling back to Name.
func (fi *FileInfo) DisplayName() string {
	if s, ok := fi.GetString(AttrStandardDisplayName); ok {
		return s
	}
	return fi.Name()
}

// Size returns standard::size.
func (fi *FileInfo) Size() (uint64, bool) { return fi.GetUint64(AttrStandardSize) }

// SetSize sets standard::size.
func (fi *FileInfo) SetSize(size uint64) { fi.SetUint64(AttrStandardSize, size) }

// FileType returns standard::type, or FileTypeUnknown.
func (fi *FileInfo) FileType() FileType {
	v, _ := fi.GetUint32(AttrStandardType)
	return FileType(v)
}

// SetFileType sets standard::type.
func (fi *FileInfo) SetFileType(t FileType) { fi.SetUint32(AttrStandardType, uint32(t)) }

// IsDir reports whether standard::type is FileTypeDirectory.
func (fi *FileInfo) IsDir() bool { return fi.FileType() == FileTypeDirectory }

// ContentType returns standard::content-type, or "".
func (fi *FileInfo) ContentType() string {
	s, _ := fi.GetString(AttrStandardContentType)
	return s
}

// SetContentType sets standard::content-type and the icon name derived
// from it.
func (fi *FileInfo) SetContentType(ct string) {
	fi.SetString(AttrStandardContentType, ct)
	fi.SetString(AttrStandardIcon, strings.ReplaceAll(ct, "/", "-"))
}

// ModTime returns time::modified with time::modified-usec applied.
func (fi *FileInfo) ModTime() (time.Time, bool) {
	sec, ok := fi.GetUint64(AttrTimeModified)
	if !ok {
		return time.Time{}, false
	}
	usec, _ := fi.GetUint32(AttrTimeModifiedUsec)
	return time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)), true
}

// SetModTime sets time::modified and time::modified-usec.
func (fi *FileInfo) SetModTime(t time.Time) {
	fi.SetUint64(AttrTimeModified, uint64(t.Unix()))
	fi.SetUint32(AttrTimeModifiedUsec, uint32(t.Nanosecond()/int(time.Microsecond)))
}

// Equal compares only name, size and modification time. The directory
// model uses it to suppress duplicate change notifications; it is not a
// full attribute comparison.
func (fi *FileInfo) Equal(other *FileInfo) bool {
	if fi == nil || other == nil {
		return fi == other
	}
	if fi.Name() != other.Name() {
		return false
	}
	for _, key := range []string{AttrStandardSize, AttrTimeModified, AttrTimeModifiedUsec} {
		a, aok := fi.Get(key)
		b, bok := other.Get(key)
		if aok != bok || a != b {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no attribute storage with fi.
func (fi *FileInfo) Clone() *FileInfo {
	out := NewFileInfo()
	if fi == nil {
		return out
	}
	for k, v := range fi.attrs {
		if sv, ok := v.([]string); ok {
			v = slices.Clone(sv)
		}
		out.attrs[k] = v
	}
	return out
}

// Filter drops every attribute m does not match. It returns fi.
func (fi *FileInfo) Filter(m *AttributeMatcher) *FileInfo {
	if m == nil || m.all {
		return fi
	}
	for k := range fi.attrs {
		if !m.Matches(k) {
			delete(fi.attrs, k)
		}
	}
	return fi
}

// AttributeMatcher selects attributes using the "standard::*,time::modified"
// syntax: a comma separated list of exact keys, namespace wildcards, or "*".
// An empty string matches everything.
type AttributeMatcher struct {
	all        bool
	namespaces map[string]struct{}
	keys       map[string]struct{}
}

// NewAttributeMatcher parses attrs.
func NewAttributeMatcher(attrs string) *AttributeMatcher {
	m := &AttributeMatcher{
		namespaces: make(map[string]struct{}),
		keys:       make(map[string]struct{}),
	}
	attrs = strings.TrimSpace(attrs)
	if attrs == "" {
		m.all = true
		return m
	}
	for _, part := range strings.Split(attrs, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case part == "*":
			m.all = true
		case strings.HasSuffix(part, "::*"):
			m.namespaces[strings.TrimSuffix(part, "::*")] = struct{}{}
		default:
			m.keys[part] = struct{}{}
		}
	}
	return m
}

// Matches reports whether key is selected.
func (m *AttributeMatcher) Matches(key string) bool {
	if m == nil || m.all {
		return true
	}
	if _, ok := m.keys[key]; ok {
		return true
	}
	ns, _, _ := strings.Cut(key, "::")
	_, ok := m.namespaces[ns]
	return ok
}

// MatchesNamespace reports whether any attribute in ns could match. Backends
// use it to skip expensive lookups.
func (m *AttributeMatcher) MatchesNamespace(ns string) bool {
	if m == nil || m.all {
		return true
	}
	if _, ok := m.namespaces[ns]; ok {
		return true
	}
	prefix := ns + "::"
	for k := range m.keys {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}
