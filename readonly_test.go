package fileio_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/fileio"
	"github.com/gobeaver/fileio/driver/memory"
)

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	inner := memory.New()
	require.NoError(t, fileio.MakeDirectory(ctx, inner.File("/docs")))
	require.NoError(t, fileio.WriteAll(ctx, inner.File("/docs/a.txt"), []byte("hello")))

	t.Run("reads pass through", func(t *testing.T) {
		ro := fileio.ReadOnly(inner)
		assert.Equal(t, "memory+ro", ro.Name())
		assert.Same(t, inner, ro.Unwrap())

		f, err := ro.Resolve("mem:///docs/a.txt")
		require.NoError(t, err)
		data, err := fileio.ReadAll(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))

		infos, err := fileio.Children(ctx, f.Parent(), "")
		require.NoError(t, err)
		require.Len(t, infos, 1)

		info, err := f.QueryInfo(ctx, "access::*")
		require.NoError(t, err)
		canRead, _ := info.GetBool(fileio.AttrAccessCanRead)
		canWrite, _ := info.GetBool(fileio.AttrAccessCanWrite)
		canDelete, _ := info.GetBool(fileio.AttrAccessCanDelete)
		assert.True(t, canRead)
		assert.False(t, canWrite)
		assert.False(t, canDelete)

		m, err := fileio.StartMonitor(ctx, f.Parent())
		require.NoError(t, err)
		require.NoError(t, m.Close())
	})

	t.Run("mutations are refused", func(t *testing.T) {
		ro := fileio.ReadOnly(inner)
		f, err := ro.Resolve("mem:///docs/a.txt")
		require.NoError(t, err)

		_, err = fileio.OpenWrite(ctx, f, fileio.WriteReplace)
		assert.ErrorIs(t, err, fileio.ErrReadOnly)
		assert.ErrorIs(t, err, fileio.ErrPermission)
		assert.ErrorIs(t, fileio.Delete(ctx, f), fileio.ErrReadOnly)
		assert.ErrorIs(t, fileio.MakeDirectory(ctx, f.Parent().Child("new")), fileio.ErrReadOnly)
		assert.ErrorIs(t, f.(fileio.Renamer).MoveTo(ctx, f.Parent().Child("b.txt"), 0), fileio.ErrReadOnly)
		assert.ErrorIs(t, f.(fileio.Trasher).Trash(ctx), fileio.ErrReadOnly)
		assert.ErrorIs(t, fileio.MakeSymbolicLink(ctx, f.Parent().Child("link"), "a.txt"), fileio.ErrReadOnly)

		data, err := fileio.ReadAll(ctx, inner.File("/docs/a.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	})

	t.Run("handles stay wrapped", func(t *testing.T) {
		ro := fileio.ReadOnly(inner)
		f, err := ro.Resolve("mem:///docs")
		require.NoError(t, err)
		assert.Same(t, ro, f.Backend())
		assert.Same(t, ro, f.Child("a.txt").Backend())
		assert.Same(t, ro, f.Parent().Backend())
		assert.Nil(t, f.Parent().Parent())
	})

	t.Run("options relax the policy", func(t *testing.T) {
		scratch := memory.New()
		require.NoError(t, fileio.WriteAll(ctx, scratch.File("/old"), []byte("x")))
		ro := fileio.ReadOnly(scratch, fileio.ReadOnlyOptions{AllowCreateDir: true, AllowDelete: true})

		dir, err := ro.Resolve("mem:///made")
		require.NoError(t, err)
		require.NoError(t, fileio.MakeDirectory(ctx, dir))

		old, err := ro.Resolve("mem:///old")
		require.NoError(t, err)
		require.NoError(t, fileio.Delete(ctx, old))
		assert.ErrorIs(t, dir.(fileio.Trasher).Trash(ctx), fileio.ErrNotSupported)
	})
}
