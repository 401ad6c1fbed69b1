//go:build !linux

package local

import (
	"context"
	"os"

	"github.com/gobeaver/fileio"
)

func copyContents(ctx context.Context, out, in *os.File, size int64, progress fileio.ProgressFunc) error {
	return copyBuffered(ctx, out, in, size, progress)
}
