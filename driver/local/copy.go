package local

import (
	"context"
	"io"

	"github.com/gobeaver/fileio"
)

const bufferedChunk = 256 << 10

// chunkFor returns the caller's chunk size from ctx, or def
func chunkFor(ctx context.Context, def int) int {
	if n := fileio.ChunkSize(ctx); n > 0 {
		return n
	}
	return def
}

// copyBuffered copies in to out through a buffer, reporting after each
// chunk
func copyBuffered(ctx context.Context, out io.Writer, in io.Reader, size int64, progress fileio.ProgressFunc) error {
	buf := make([]byte, chunkFor(ctx, bufferedChunk))
	var copied int64
	for {
		if err := fileio.ContextError(ctx); err != nil {
			return err
		}
		n, rerr := io.ReadFull(in, buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return err
			}
			copied += int64(n)
			report(progress, copied, size)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if copied == 0 {
		report(progress, 0, size)
	}
	return nil
}

func report(progress fileio.ProgressFunc, cur, total int64) {
	if progress != nil {
		progress(cur, total)
	}
}
