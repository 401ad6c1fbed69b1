// Package job runs composite file operations: copy, move, delete and
// trash. Copies move data in fixed-size chunks, report progress after each
// chunk and check for cancellation between chunks.
//
//	engine := job.New(job.WithChunkSize(128 << 10))
//	err := engine.Copy(ctx, src, dst, fileio.CopyOverwrite|fileio.CopyRecursive,
//	    func(cur, total int64) { fmt.Printf("\r%d/%d", cur, total) })
//
// A Move that copies and then fails to delete the source keeps the copy
// and returns a *MoveError describing the failed delete.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/internal/logging"
)

// MoveError reports a move whose copy succeeded but whose source could not
// be deleted. The destination is left in place; the caller reconciles the
// duplicate.
type MoveError struct {
	Src string
	Dst string
	Err error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("move %s to %s: copied, but deleting source failed: %v", e.Src, e.Dst, e.Err)
}

// Unwrap returns the delete error, which carries the specific kind.
func (e *MoveError) Unwrap() error { return e.Err }

// Engine runs jobs. It holds no per-job state and is safe for concurrent
// use.
type Engine struct {
	opts   Options
	logger *zap.Logger
}

// New creates an engine.
func New(opts ...Option) *Engine {
	o := processOptions(opts...)
	return &Engine{opts: o, logger: logging.Named(o.Logger, "job")}
}

// ChunkSize returns the configured chunk size.
func (e *Engine) ChunkSize() int { return e.opts.ChunkSize }

func (e *Engine) finish(op string, start time.Time, err error, fields ...zap.Field) {
	result := "ok"
	switch {
	case err == nil:
	case fileio.IsCancelled(err):
		result = "cancelled"
	default:
		result = "error"
	}
	e.opts.Metrics.Operation(op, result)

	fields = append(fields, zap.String("result", result), logging.Duration("elapsed", time.Since(start)))
	if err != nil && result == "error" {
		e.logger.Warn(op+" failed", append(fields, logging.Err(err))...)
		return
	}
	e.logger.Debug(op+" finished", fields...)
}

func cancelled(op string, f fileio.File) error {
	return &fileio.PathError{Op: op, Path: f.URI(), Err: fileio.ErrCancelled}
}

// ============================================================================
// Copy
// ============================================================================

// Copy copies src to dst.
//
// An existing dst fails with ErrExist unless flags has CopyOverwrite, in
// which case a file is replaced and a directory is merged into. A
// directory src needs CopyRecursive, otherwise it fails with ErrIsDir; its
// children are copied depth-first in name order and the first failure
// stops the copy without undoing what was already copied.
//
// Symbolic links are never followed into: a link is recreated as a link
// with the same target when dst supports links, and otherwise replaced by
// the content it points to, which fails with ErrIsDir for a link to a
// directory.
//
// progress, which may be nil, is called after every chunk with the bytes
// copied so far and the size of the file being copied (0 if unknown), and
// once more at the end if the last call did not already report completion.
// For recursive copies the counters restart for each file.
//
// Cancelling ctx stops the copy at the next chunk boundary with
// ErrCancelled; a file that did not exist before the copy is removed.
func (e *Engine) Copy(ctx context.Context, src, dst fileio.File, flags fileio.CopyFlags, progress fileio.ProgressFunc) (err error) {
	start := time.Now()
	defer func() {
		e.finish("copy", start, err, logging.URI(src.URI()), zap.String("dst", dst.URI()))
	}()
	return e.copy(ctx, src, dst, flags, progress)
}

func (e *Engine) copy(ctx context.Context, src, dst fileio.File, flags fileio.CopyFlags, progress fileio.ProgressFunc) error {
	if fileio.ContextError(ctx) != nil {
		return cancelled("copy", src)
	}

	info, err := src.QueryInfo(ctx, "standard::type,standard::size,standard::symlink-target")
	if err != nil {
		return err
	}
	switch info.FileType() {
	case fileio.FileTypeDirectory:
		if !flags.Has(fileio.CopyRecursive) {
			return &fileio.PathError{Op: "copy", Path: src.URI(), Err: fileio.ErrIsDir}
		}
		return e.copyDir(ctx, src, dst, flags, progress)
	case fileio.FileTypeSymbolicLink:
		return e.copyLink(ctx, src, dst, info, flags, progress)
	}
	return e.copyFile(ctx, src, dst, info, flags, progress)
}

func (e *Engine) copyLink(ctx context.Context, src, dst fileio.File, info *fileio.FileInfo, flags fileio.CopyFlags, progress fileio.ProgressFunc) error {
	target, ok := info.GetString(fileio.AttrStandardTarget)
	if _, canLink := dst.(fileio.Symlinker); !canLink || !ok {
		// the link's own size says nothing about what it points to
		return e.copyFile(ctx, src, dst, fileio.NewFileInfo(), flags, progress)
	}

	dstInfo, err := dst.QueryInfo(ctx, fileio.AttrStandardType)
	switch {
	case err == nil:
		if !flags.Has(fileio.CopyOverwrite) {
			return &fileio.PathError{Op: "copy", Path: dst.URI(), Err: fileio.ErrExist}
		}
		if dstInfo.IsDir() {
			return &fileio.PathError{Op: "copy", Path: dst.URI(), Err: fileio.ErrIsDir}
		}
		if err := fileio.Delete(ctx, dst); err != nil {
			return err
		}
	case !fileio.IsNotExist(err):
		return err
	}

	if err := fileio.MakeSymbolicLink(ctx, dst, target); err != nil {
		return err
	}
	(&reporter{fn: progress}).done(0, 0)
	return nil
}

func (e *Engine) copyDir(ctx context.Context, src, dst fileio.File, flags fileio.CopyFlags, progress fileio.ProgressFunc) error {
	if fileio.SameBackend(src, dst) && strings.HasPrefix(dst.Path()+"/", src.Path()+"/") {
		return &fileio.PathError{Op: "copy", Path: dst.URI(), Err: fileio.ErrNotSupported}
	}

	dstInfo, err := dst.QueryInfo(ctx, fileio.AttrStandardType)
	switch {
	case err == nil:
		if !flags.Has(fileio.CopyOverwrite) {
			return &fileio.PathError{Op: "copy", Path: dst.URI(), Err: fileio.ErrExist}
		}
		if !dstInfo.IsDir() {
			if err := fileio.Delete(ctx, dst); err != nil {
				return err
			}
			if err := fileio.MakeDirectory(ctx, dst); err != nil {
				return err
			}
		}
	case fileio.IsNotExist(err):
		if err := fileio.MakeDirectory(ctx, dst); err != nil {
			return err
		}
	default:
		return err
	}

	children, err := fileio.Children(ctx, src, "standard::name,standard::type")
	if err != nil {
		return err
	}
	slices.SortFunc(children, func(a, b *fileio.FileInfo) int {
		return strings.Compare(a.Name(), b.Name())
	})

	for _, child := range children {
		if fileio.ContextError(ctx) != nil {
			return cancelled("copy", src)
		}
		name := child.Name()
		if err := e.copy(ctx, src.Child(name), dst.Child(name), flags, progress); err != nil {
			return err
		}
	}
	return nil
}

// reporter enforces the final progress call
type reporter struct {
	fn         fileio.ProgressFunc
	calls      int
	cur, total int64
}

func (r *reporter) report(cur, total int64) {
	r.calls++
	r.cur, r.total = cur, total
	if r.fn != nil {
		r.fn(cur, total)
	}
}

// done reports completion unless the last call already did. A file whose
// size changed while it was copied reports what was actually copied.
func (r *reporter) done(copied, total int64) {
	if total > 0 && copied != total {
		total = copied
	}
	if r.calls > 0 && r.cur == copied && r.total == total {
		return
	}
	r.report(copied, total)
}

func (e *Engine) copyFile(ctx context.Context, src, dst fileio.File, info *fileio.FileInfo, flags fileio.CopyFlags, progress fileio.ProgressFunc) error {
	existed := false
	dstInfo, err := dst.QueryInfo(ctx, fileio.AttrStandardType)
	switch {
	case err == nil:
		if !flags.Has(fileio.CopyOverwrite) {
			return &fileio.PathError{Op: "copy", Path: dst.URI(), Err: fileio.ErrExist}
		}
		if dstInfo.IsDir() {
			return &fileio.PathError{Op: "copy", Path: dst.URI(), Err: fileio.ErrIsDir}
		}
		existed = true
	case !fileio.IsNotExist(err):
		return err
	}

	size, _ := info.Size()
	total := int64(size)
	rep := &reporter{fn: progress}

	if c, ok := src.(fileio.Copier); ok && fileio.SameBackend(src, dst) {
		err := c.CopyTo(fileio.WithChunkSize(ctx, e.opts.ChunkSize), dst, flags, rep.report)
		switch {
		case err == nil:
			copied := rep.cur
			if rep.calls == 0 {
				// backend reported nothing, assume the whole file
				copied = total
			}
			rep.done(copied, total)
			e.opts.Metrics.BytesCopied(copied)
			return nil
		case !errors.Is(err, fileio.ErrNotSupported):
			if fileio.IsCancelled(err) {
				return cancelled("copy", src)
			}
			return err
		}
		rep = &reporter{fn: progress}
	}

	copied, err := e.transfer(ctx, src, dst, total, flags, rep)
	if err != nil {
		if !existed {
			if derr := fileio.Delete(context.WithoutCancel(ctx), dst); derr != nil && !fileio.IsNotExist(derr) {
				e.logger.Warn("could not remove partial copy", logging.URI(dst.URI()), logging.Err(derr))
			}
		}
		if fileio.IsCancelled(err) {
			return cancelled("copy", src)
		}
		return err
	}
	rep.done(copied, total)
	return nil
}

// transfer streams src into dst chunk by chunk
func (e *Engine) transfer(ctx context.Context, src, dst fileio.File, total int64, flags fileio.CopyFlags, rep *reporter) (int64, error) {
	in, err := fileio.OpenRead(ctx, src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	mode := fileio.WriteCreate
	if flags.Has(fileio.CopyOverwrite) {
		mode = fileio.WriteReplace
	}
	out, err := fileio.OpenWrite(ctx, dst, mode)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			out.Abort()
		}
	}()

	buf := make([]byte, e.opts.ChunkSize)
	var copied int64
	for {
		if fileio.ContextError(ctx) != nil {
			return copied, cancelled("copy", src)
		}

		n, rerr := io.ReadFull(in, buf)
		if n > 0 {
			w, werr := out.Write(buf[:n])
			copied += int64(w)
			e.opts.Metrics.BytesCopied(int64(w))
			if werr != nil {
				return copied, werr
			}
			if w < n {
				return copied, &fileio.PathError{Op: "copy", Path: dst.URI(), Err: &fileio.IOError{Err: io.ErrShortWrite}}
			}
			rep.report(copied, total)
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return copied, rerr
		}
	}

	committed = true
	if err := out.Close(); err != nil {
		return copied, err
	}
	return copied, nil
}

// ============================================================================
// Move
// ============================================================================

// Move moves src to dst. It first tries a native rename on the shared
// backend. When the backends differ, or the rename is not supported (for
// example across devices), it copies recursively and deletes the source,
// unless flags has CopyNoFallbackForMove. Other rename failures are
// returned as they are.
//
// If the copy succeeds but the source cannot be deleted, the copy is kept
// and a *MoveError wrapping the delete error is returned.
func (e *Engine) Move(ctx context.Context, src, dst fileio.File, flags fileio.CopyFlags, progress fileio.ProgressFunc) (err error) {
	start := time.Now()
	method := "rename"
	defer func() {
		e.finish("move", start, err, logging.URI(src.URI()), zap.String("dst", dst.URI()), zap.String("method", method))
	}()

	if fileio.ContextError(ctx) != nil {
		return cancelled("move", src)
	}

	if r, ok := src.(fileio.Renamer); ok && fileio.SameBackend(src, dst) {
		err := r.MoveTo(ctx, dst, flags)
		if err == nil || !errors.Is(err, fileio.ErrNotSupported) {
			return err
		}
	}

	if flags.Has(fileio.CopyNoFallbackForMove) {
		return &fileio.PathError{Op: "move", Path: src.URI(), Err: fileio.ErrNotSupported}
	}

	method = "copy+delete"
	if err := e.copy(ctx, src, dst, flags|fileio.CopyRecursive, progress); err != nil {
		return err
	}
	if err := e.delete(ctx, src, fileio.CopyRecursive); err != nil {
		return &MoveError{Src: src.URI(), Dst: dst.URI(), Err: err}
	}
	return nil
}

// ============================================================================
// Delete
// ============================================================================

// Delete removes target. A non-empty directory fails with ErrNotEmpty
// unless flags has CopyRecursive; then its contents are removed
// depth-first and the first failure stops the delete.
func (e *Engine) Delete(ctx context.Context, target fileio.File, flags fileio.CopyFlags) (err error) {
	start := time.Now()
	defer func() {
		e.finish("delete", start, err, logging.URI(target.URI()))
	}()
	return e.delete(ctx, target, flags)
}

func (e *Engine) delete(ctx context.Context, target fileio.File, flags fileio.CopyFlags) error {
	if fileio.ContextError(ctx) != nil {
		return cancelled("delete", target)
	}
	err := fileio.Delete(ctx, target)
	if err == nil || !errors.Is(err, fileio.ErrNotEmpty) || !flags.Has(fileio.CopyRecursive) {
		return err
	}

	// collect first, the listing must not run while entries disappear
	children, err := fileio.Children(ctx, target, "standard::name,standard::type")
	if err != nil {
		return err
	}
	slices.SortFunc(children, func(a, b *fileio.FileInfo) int {
		return strings.Compare(a.Name(), b.Name())
	})
	for _, child := range children {
		f := target.Child(child.Name())
		if child.IsDir() {
			err = e.delete(ctx, f, flags)
		} else {
			if fileio.ContextError(ctx) != nil {
				return cancelled("delete", f)
			}
			err = fileio.Delete(ctx, f)
		}
		if err != nil {
			return err
		}
	}
	return fileio.Delete(ctx, target)
}

// ============================================================================
// Trash
// ============================================================================

// Trash moves target to its filesystem's trash. Targets without a trash
// fail with ErrNotSupported; Trash never deletes permanently.
func (e *Engine) Trash(ctx context.Context, target fileio.File) (err error) {
	start := time.Now()
	defer func() {
		e.finish("trash", start, err, logging.URI(target.URI()))
	}()

	if fileio.ContextError(ctx) != nil {
		return cancelled("trash", target)
	}
	t, ok := target.(fileio.Trasher)
	if !ok {
		return &fileio.PathError{Op: "trash", Path: target.URI(), Err: fileio.ErrNotSupported}
	}
	return t.Trash(ctx)
}

// ============================================================================
// Package-level helpers
// ============================================================================

var defaultEngine = New()

// Copy copies with a default engine. See Engine.Copy.
func Copy(ctx context.Context, src, dst fileio.File, flags fileio.CopyFlags, progress fileio.ProgressFunc) error {
	return defaultEngine.Copy(ctx, src, dst, flags, progress)
}

// Move moves with a default engine. See Engine.Move.
func Move(ctx context.Context, src, dst fileio.File, flags fileio.CopyFlags, progress fileio.ProgressFunc) error {
	return defaultEngine.Move(ctx, src, dst, flags, progress)
}

// Delete deletes with a default engine. See Engine.Delete.
func Delete(ctx context.Context, target fileio.File, flags fileio.CopyFlags) error {
	return defaultEngine.Delete(ctx, target, flags)
}

// Trash trashes with a default engine. See Engine.Trash.
func Trash(ctx context.Context, target fileio.File) error {
	return defaultEngine.Trash(ctx, target)
}
