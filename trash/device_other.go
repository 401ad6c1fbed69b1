//go:build !unix

package trash

import (
	"github.com/gobeaver/fileio"
)

func deviceOf(path string) (uint64, error) {
	return 0, &fileio.PathError{Op: "stat", Path: path, Err: fileio.ErrNotSupported}
}

func currentUID() int { return -1 }
