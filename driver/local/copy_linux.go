//go:build linux

package local

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/gobeaver/fileio"
)

// bytes handed to copy_file_range per call by default
const copyChunk = 4 << 20

// copyContents copies size bytes from in to out in the kernel, falling
// back to a user space copy when the filesystems do not support it.
func copyContents(ctx context.Context, out, in *os.File, size int64, progress fileio.ProgressFunc) error {
	chunk := chunkFor(ctx, copyChunk)
	var copied int64
	for copied < size {
		if err := fileio.ContextError(ctx); err != nil {
			return err
		}
		n, err := unix.CopyFileRange(int(in.Fd()), nil, int(out.Fd()), nil, chunk, 0)
		if err != nil {
			if copied == 0 && fallbackErr(err) {
				return copyBuffered(ctx, out, in, size, progress)
			}
			return err
		}
		if n == 0 {
			// source shrank
			break
		}
		copied += int64(n)
		report(progress, copied, size)
	}
	if copied == 0 {
		report(progress, 0, size)
	}
	return nil
}

func fallbackErr(err error) bool {
	return errors.Is(err, unix.EXDEV) || errors.Is(err, unix.ENOSYS) ||
		errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EINVAL)
}
