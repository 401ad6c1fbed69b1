//go:build linux || darwin

package local

import (
	"io/fs"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/gobeaver/fileio"
)

// setPlatformAttributes fills the unix:: and access:: namespaces and
// time::access when the matcher asks for them.
func setPlatformAttributes(info *fileio.FileInfo, osPath string, fi fs.FileInfo, m *fileio.AttributeMatcher) {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		if m.MatchesNamespace("unix") {
			info.SetUint32(fileio.AttrUnixMode, uint32(st.Mode))
			info.SetUint32(fileio.AttrUnixUID, st.Uid)
			info.SetUint32(fileio.AttrUnixGID, st.Gid)
			info.SetUint64(fileio.AttrUnixInode, uint64(st.Ino))
			info.SetUint32(fileio.AttrUnixNlink, uint32(st.Nlink))
		}
		if m.Matches(fileio.AttrTimeAccess) {
			info.SetUint64(fileio.AttrTimeAccess, uint64(accessTime(st).Unix()))
		}
	}

	if m.MatchesNamespace("access") {
		info.SetBool(fileio.AttrAccessCanRead, unix.Access(osPath, unix.R_OK) == nil)
		info.SetBool(fileio.AttrAccessCanWrite, unix.Access(osPath, unix.W_OK) == nil)
		info.SetBool(fileio.AttrAccessCanExecute, unix.Access(osPath, unix.X_OK) == nil)
		// removing an entry needs write access to its directory
		canDelete := unix.Access(filepath.Dir(osPath), unix.W_OK|unix.X_OK) == nil
		info.SetBool(fileio.AttrAccessCanDelete, canDelete)
		info.SetBool(fileio.AttrAccessCanTrash, canDelete)
	}
}
