//go:build !linux && !darwin

package local

import (
	"io/fs"

	"github.com/gobeaver/fileio"
)

// setPlatformAttributes derives what it can from the permission bits.
func setPlatformAttributes(info *fileio.FileInfo, osPath string, fi fs.FileInfo, m *fileio.AttributeMatcher) {
	perm := fi.Mode().Perm()
	if m.MatchesNamespace("unix") {
		info.SetUint32(fileio.AttrUnixMode, uint32(perm))
	}
	if m.MatchesNamespace("access") {
		info.SetBool(fileio.AttrAccessCanRead, perm&0o400 != 0)
		info.SetBool(fileio.AttrAccessCanWrite, perm&0o200 != 0)
		info.SetBool(fileio.AttrAccessCanExecute, perm&0o100 != 0)
	}
}
