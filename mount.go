package fileio

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/prometheus/procfs"
)

// ErrMountNotFound is returned when no mount point contains a path
var ErrMountNotFound = &kindError{msg: "no mount point found for path", kind: ErrNotExist}

// Mount is one entry of the kernel mount table.
type Mount struct {
	MountID    int
	MountPoint string
	Device     string
	FSType     string
	// Root is the path inside the filesystem that is mounted at MountPoint.
	Root     string
	Options  map[string]string
	ReadOnly bool
}

// filesystem types that only back kernel interfaces
var virtualFSTypes = map[string]struct{}{
	"proc": {}, "sysfs": {}, "devtmpfs": {}, "devpts": {}, "tmpfs": {},
	"cgroup": {}, "cgroup2": {}, "securityfs": {}, "debugfs": {}, "tracefs": {},
	"pstore": {}, "bpf": {}, "mqueue": {}, "hugetlbfs": {}, "configfs": {},
	"fusectl": {}, "autofs": {}, "binfmt_misc": {},
}

// IsSystemInternal reports whether the mount is part of the system rather
// than user storage: the root filesystem, kernel pseudo filesystems and
// anything under /proc, /sys, /dev or /run.
func (m Mount) IsSystemInternal() bool {
	if m.MountPoint == "/" {
		return true
	}
	if _, ok := virtualFSTypes[m.FSType]; ok {
		return true
	}
	for _, prefix := range []string{"/proc", "/sys", "/dev", "/run", "/boot"} {
		if m.MountPoint == prefix || strings.HasPrefix(m.MountPoint, prefix+"/") {
			return true
		}
	}
	return false
}

// MountSource provides the current mount table.
type MountSource interface {
	GetMounts() ([]Mount, error)
}

// StaticMounts is a fixed mount table.
type StaticMounts []Mount

// GetMounts implements MountSource.
func (s StaticMounts) GetMounts() ([]Mount, error) { return s, nil }

// ProcMounts reads the mount table of a process from /proc. A zero PID
// means the calling process.
type ProcMounts struct {
	PID int
}

// GetMounts implements MountSource.
func (p ProcMounts) GetMounts() ([]Mount, error) {
	var (
		infos []*procfs.MountInfo
		err   error
	)
	if p.PID == 0 {
		infos, err = procfs.GetMounts()
	} else {
		infos, err = procfs.GetProcMounts(p.PID)
	}
	if err != nil {
		// no procfs: not a Linux host or /proc is not mounted
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &PathError{Op: "mounts", Path: "/proc", Err: ErrNotSupported}
		}
		return nil, FromOSError("mounts", "/proc", err)
	}

	mounts := make([]Mount, 0, len(infos))
	for _, mi := range infos {
		_, ro := mi.Options["ro"]
		mounts = append(mounts, Mount{
			MountID:    mi.MountID,
			MountPoint: mi.MountPoint,
			Device:     mi.Source,
			FSType:     mi.FSType,
			Root:       mi.Root,
			Options:    mi.Options,
			ReadOnly:   ro,
		})
	}
	return mounts, nil
}

// GetMounts returns the mount table of the calling process.
func GetMounts() ([]Mount, error) {
	return ProcMounts{}.GetMounts()
}

// MountTable answers which mount contains a path, using longest-prefix
// matching so nested mounts win over their parents.
type MountTable struct {
	mounts map[string]Mount
	// sorted mount points, longest first
	sortedPaths []string
}

// NewMountTable indexes mounts. When several entries share a mount point
// the last one, which is the one on top, wins.
func NewMountTable(mounts []Mount) *MountTable {
	t := &MountTable{mounts: make(map[string]Mount, len(mounts))}
	for _, m := range mounts {
		t.mounts[normalizeMountPath(m.MountPoint)] = m
	}
	paths := make([]string, 0, len(t.mounts))
	for p := range t.mounts {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) > len(paths[j])
		}
		return paths[i] < paths[j]
	})
	t.sortedPaths = paths
	return t
}

// LoadMountTable reads src and indexes the result.
func LoadMountTable(src MountSource) (*MountTable, error) {
	if src == nil {
		src = ProcMounts{}
	}
	mounts, err := src.GetMounts()
	if err != nil {
		return nil, err
	}
	return NewMountTable(mounts), nil
}

// Find returns the mount containing absPath.
func (t *MountTable) Find(absPath string) (Mount, error) {
	absPath = normalizeMountPath(absPath)
	for _, mountPath := range t.sortedPaths {
		if mountPath == "/" || absPath == mountPath || strings.HasPrefix(absPath, mountPath+"/") {
			return t.mounts[mountPath], nil
		}
	}
	return Mount{}, fmt.Errorf("%w: %s", ErrMountNotFound, absPath)
}

// Mounts returns the indexed mounts, longest mount point first.
func (t *MountTable) Mounts() []Mount {
	out := make([]Mount, 0, len(t.sortedPaths))
	for _, p := range t.sortedPaths {
		out = append(out, t.mounts[p])
	}
	return out
}

// normalizeMountPath ensures the path starts with "/" and has no trailing slash.
func normalizeMountPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
