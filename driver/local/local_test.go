package local

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/fileio"
)

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestResolve(t *testing.T) {
	b := New()

	tests := []struct {
		uri  string
		path string
	}{
		{"file:///tmp/a.txt", "/tmp/a.txt"},
		{"file://localhost/tmp/a.txt", "/tmp/a.txt"},
		{"file:///tmp/my%20file", "/tmp/my file"},
		{"/tmp/../etc/x", "/etc/x"},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			f, err := b.Resolve(tt.uri)
			require.NoError(t, err)
			assert.Equal(t, tt.path, f.Path())
			assert.Equal(t, filepath.FromSlash(tt.path), f.(fileio.LocalFile).LocalPath())
		})
	}

	t.Run("remote host", func(t *testing.T) {
		_, err := b.Resolve("file://server/share/x")
		assert.ErrorIs(t, err, fileio.ErrInvalidURI)
	})

	t.Run("round trip", func(t *testing.T) {
		f, err := b.Resolve("file:///tmp/my%20file")
		require.NoError(t, err)
		assert.Equal(t, "file:///tmp/my%20file", f.URI())
		assert.Equal(t, "my file", f.Name())
		assert.Equal(t, "/tmp", f.Parent().Path())
	})
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	b := New()

	t.Run("modes", func(t *testing.T) {
		dir := t.TempDir()
		f := b.File(filepath.Join(dir, "a.txt"))

		out, err := fileio.OpenWrite(ctx, f, fileio.WriteCreate)
		require.NoError(t, err)
		_, err = out.Write([]byte("hello"))
		require.NoError(t, err)
		assert.NoFileExists(t, filepath.Join(dir, "a.txt"), "invisible until close")
		require.NoError(t, out.Close())

		_, err = fileio.OpenWrite(ctx, f, fileio.WriteCreate)
		assert.ErrorIs(t, err, fileio.ErrExist)

		out, err = fileio.OpenWrite(ctx, f, fileio.WriteAppend)
		require.NoError(t, err)
		_, err = out.Write([]byte(" world"))
		require.NoError(t, err)
		require.NoError(t, out.Close())

		got, err := fileio.ReadAll(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(got))

		require.NoError(t, fileio.WriteAll(ctx, f, []byte("replaced")))
		got, err = fileio.ReadAll(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, "replaced", string(got))
		assert.Equal(t, []string{"a.txt"}, dirNames(t, dir))
	})

	t.Run("replace keeps permissions", func(t *testing.T) {
		dir := t.TempDir()
		p := filepath.Join(dir, "script.sh")
		require.NoError(t, os.WriteFile(p, []byte("old"), 0o750))
		require.NoError(t, os.Chmod(p, 0o750))

		require.NoError(t, fileio.WriteAll(ctx, b.File(p), []byte("new")))
		fi, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o750), fi.Mode().Perm())
	})

	t.Run("missing parent", func(t *testing.T) {
		f := b.File(filepath.Join(t.TempDir(), "no", "such"))
		_, err := fileio.OpenWrite(ctx, f, fileio.WriteReplace)
		assert.ErrorIs(t, err, fileio.ErrNotExist)
	})

	t.Run("directory target", func(t *testing.T) {
		_, err := fileio.OpenWrite(ctx, b.File(t.TempDir()), fileio.WriteReplace)
		assert.ErrorIs(t, err, fileio.ErrIsDir)
	})

	t.Run("cancelled write leaves nothing", func(t *testing.T) {
		dir := t.TempDir()
		c := fileio.NewCancellable()
		out, err := fileio.OpenWrite(c, b.File(filepath.Join(dir, "x")), fileio.WriteReplace)
		require.NoError(t, err)
		_, err = out.Write([]byte("partial"))
		require.NoError(t, err)

		c.Cancel()
		_, err = out.Write([]byte("more"))
		assert.ErrorIs(t, err, fileio.ErrCancelled)
		assert.Equal(t, fileio.StreamClosed, out.State())
		assert.Empty(t, dirNames(t, dir))
	})

	t.Run("abort", func(t *testing.T) {
		dir := t.TempDir()
		out, err := fileio.OpenWrite(ctx, b.File(filepath.Join(dir, "x")), fileio.WriteReplace)
		require.NoError(t, err)
		_, err = out.Write([]byte("data"))
		require.NoError(t, err)
		require.NoError(t, out.Abort())
		assert.Empty(t, dirNames(t, dir))
		assert.NoError(t, out.Close(), "close after abort is a no-op")
	})
}

func TestQueryInfo(t *testing.T) {
	ctx := context.Background()
	b := New()
	dir := t.TempDir()
	p := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(p, []byte("<html></html>"), 0o640))

	t.Run("regular file", func(t *testing.T) {
		info, err := b.File(p).QueryInfo(ctx, "*")
		require.NoError(t, err)
		assert.Equal(t, "page.html", info.Name())
		assert.Equal(t, fileio.FileTypeRegular, info.FileType())
		size, ok := info.Size()
		assert.True(t, ok)
		assert.Equal(t, uint64(13), size)
		assert.Equal(t, "text/html", info.ContentType())
		_, ok = info.ModTime()
		assert.True(t, ok)
		etag, ok := info.GetString(fileio.AttrEtagValue)
		assert.True(t, ok)
		assert.NotEmpty(t, etag)

		if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
			mode, ok := info.GetUint32(fileio.AttrUnixMode)
			assert.True(t, ok)
			assert.Equal(t, uint32(0o640), mode&0o777)
			canRead, _ := info.GetBool(fileio.AttrAccessCanRead)
			assert.True(t, canRead)
		}
	})

	t.Run("matcher limits attributes", func(t *testing.T) {
		info, err := b.File(p).QueryInfo(ctx, "standard::size")
		require.NoError(t, err)
		assert.Equal(t, []string{fileio.AttrStandardSize}, info.Keys())
	})

	t.Run("sniffs unknown extensions", func(t *testing.T) {
		q := filepath.Join(dir, "noext")
		require.NoError(t, os.WriteFile(q, []byte("%PDF-1.4 something"), 0o644))
		info, err := b.File(q).QueryInfo(ctx, fileio.AttrStandardContentType)
		require.NoError(t, err)
		assert.Equal(t, "application/pdf", info.ContentType())
	})

	t.Run("directory", func(t *testing.T) {
		info, err := b.File(dir).QueryInfo(ctx, "")
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, fileio.ContentTypeDirectory, info.ContentType())
	})

	t.Run("symlink", func(t *testing.T) {
		link := filepath.Join(dir, "link")
		require.NoError(t, os.Symlink(p, link))
		info, err := b.File(link).QueryInfo(ctx, "")
		require.NoError(t, err)
		isLink, _ := info.GetBool(fileio.AttrStandardIsSymlink)
		assert.True(t, isLink)
		target, _ := info.GetString(fileio.AttrStandardTarget)
		assert.Equal(t, p, target)
		assert.Equal(t, fileio.FileTypeSymbolicLink, info.FileType(), "links are not followed")
		assert.Equal(t, fileio.ContentTypeSymlink, info.ContentType())

		dirLink := filepath.Join(dir, "dirlink")
		require.NoError(t, os.Symlink(dir, dirLink))
		info, err = b.File(dirLink).QueryInfo(ctx, "")
		require.NoError(t, err)
		assert.False(t, info.IsDir())
		assert.Equal(t, fileio.FileTypeSymbolicLink, info.FileType())

		dangling := filepath.Join(dir, "dangling")
		require.NoError(t, os.Symlink(filepath.Join(dir, "gone"), dangling))
		info, err = b.File(dangling).QueryInfo(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, fileio.FileTypeSymbolicLink, info.FileType())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := b.File(filepath.Join(dir, "nope")).QueryInfo(ctx, "")
		assert.ErrorIs(t, err, fileio.ErrNotExist)
	})
}

func TestListChildren(t *testing.T) {
	ctx := context.Background()
	b := New()
	dir := t.TempDir()
	for _, name := range []string{"b", "a", ".hidden"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	infos, err := fileio.Children(ctx, b.File(dir), "standard::name,standard::type,standard::is-hidden")
	require.NoError(t, err)
	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
		if info.Name() == ".hidden" {
			hidden, _ := info.GetBool(fileio.AttrStandardIsHidden)
			assert.True(t, hidden)
		}
		if info.Name() == "sub" {
			assert.True(t, info.IsDir())
		}
	}
	slices.Sort(names)
	assert.Equal(t, []string{".hidden", "a", "b", "sub"}, names)

	t.Run("restartable", func(t *testing.T) {
		seq := fileio.ListChildren(ctx, b.File(dir), "standard::name")
		count := func() int {
			n := 0
			for _, err := range seq {
				require.NoError(t, err)
				n++
			}
			return n
		}
		assert.Equal(t, 4, count())
		require.NoError(t, os.WriteFile(filepath.Join(dir, "c"), nil, 0o644))
		assert.Equal(t, 5, count())
	})

	t.Run("not a directory", func(t *testing.T) {
		_, err := fileio.Children(ctx, b.File(filepath.Join(dir, "a")), "")
		assert.ErrorIs(t, err, fileio.ErrNotDir)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := fileio.Children(ctx, b.File(filepath.Join(dir, "nope")), "")
		assert.ErrorIs(t, err, fileio.ErrNotExist)
	})
}

func TestDeleteAndMakeDirectory(t *testing.T) {
	ctx := context.Background()
	b := New()
	dir := t.TempDir()
	sub := b.File(filepath.Join(dir, "sub"))

	require.NoError(t, fileio.MakeDirectory(ctx, sub))
	assert.ErrorIs(t, fileio.MakeDirectory(ctx, sub), fileio.ErrExist)
	require.NoError(t, fileio.WriteAll(ctx, sub.Child("f"), []byte("x")))

	assert.ErrorIs(t, fileio.Delete(ctx, sub), fileio.ErrNotEmpty)
	require.NoError(t, fileio.Delete(ctx, sub.Child("f")))
	require.NoError(t, fileio.Delete(ctx, sub))
	assert.ErrorIs(t, fileio.Delete(ctx, sub), fileio.ErrNotExist)
}

func TestMakeSymbolicLink(t *testing.T) {
	ctx := context.Background()
	b := New()
	dir := t.TempDir()
	link := b.File(filepath.Join(dir, "link"))

	require.NoError(t, fileio.MakeSymbolicLink(ctx, link, "target.txt"))
	got, err := os.Readlink(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target.txt", got)

	info, err := link.QueryInfo(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, fileio.FileTypeSymbolicLink, info.FileType())

	assert.ErrorIs(t, fileio.MakeSymbolicLink(ctx, link, "other"), fileio.ErrExist)
}

func TestMoveTo(t *testing.T) {
	ctx := context.Background()
	b := New()
	dir := t.TempDir()
	src := b.File(filepath.Join(dir, "a"))
	dst := b.File(filepath.Join(dir, "b"))
	require.NoError(t, fileio.WriteAll(ctx, src, []byte("a")))
	require.NoError(t, fileio.WriteAll(ctx, dst, []byte("b")))

	err := src.(fileio.Renamer).MoveTo(ctx, dst, fileio.CopyNone)
	assert.ErrorIs(t, err, fileio.ErrExist)

	require.NoError(t, src.(fileio.Renamer).MoveTo(ctx, dst, fileio.CopyOverwrite))
	assert.Equal(t, []string{"b"}, dirNames(t, dir))
	got, err := fileio.ReadAll(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))

	t.Run("other backend", func(t *testing.T) {
		other := New().File(filepath.Join(dir, "c"))
		err := dst.(fileio.Renamer).MoveTo(ctx, struct{ fileio.File }{other}, fileio.CopyNone)
		assert.ErrorIs(t, err, fileio.ErrNotSupported)
	})
}

func TestCopyTo(t *testing.T) {
	ctx := context.Background()
	b := New()
	dir := t.TempDir()

	type call struct{ cur, total int64 }

	t.Run("progress", func(t *testing.T) {
		src := b.File(filepath.Join(dir, "src"))
		require.NoError(t, fileio.WriteAll(ctx, src, []byte("0123456789")))

		var calls []call
		err := src.(fileio.Copier).CopyTo(ctx, b.File(filepath.Join(dir, "dst")), fileio.CopyNone, func(cur, total int64) {
			calls = append(calls, call{cur, total})
		})
		require.NoError(t, err)
		require.NotEmpty(t, calls)
		assert.Equal(t, call{10, 10}, calls[len(calls)-1])

		got, err := os.ReadFile(filepath.Join(dir, "dst"))
		require.NoError(t, err)
		assert.Equal(t, "0123456789", string(got))
	})

	t.Run("chunk size from context", func(t *testing.T) {
		src := b.File(filepath.Join(dir, "chunked"))
		require.NoError(t, fileio.WriteAll(ctx, src, []byte("0123456789")))

		var calls []call
		err := src.(fileio.Copier).CopyTo(fileio.WithChunkSize(ctx, 4), b.File(filepath.Join(dir, "chunked2")), fileio.CopyNone, func(cur, total int64) {
			calls = append(calls, call{cur, total})
		})
		require.NoError(t, err)
		assert.Equal(t, []call{{4, 10}, {8, 10}, {10, 10}}, calls)
	})

	t.Run("empty file", func(t *testing.T) {
		src := b.File(filepath.Join(dir, "empty"))
		require.NoError(t, fileio.WriteAll(ctx, src, nil))
		var calls []call
		err := src.(fileio.Copier).CopyTo(ctx, b.File(filepath.Join(dir, "empty2")), fileio.CopyNone, func(cur, total int64) {
			calls = append(calls, call{cur, total})
		})
		require.NoError(t, err)
		assert.Equal(t, []call{{0, 0}}, calls)
	})

	t.Run("existing destination", func(t *testing.T) {
		src := b.File(filepath.Join(dir, "src"))
		err := src.(fileio.Copier).CopyTo(ctx, b.File(filepath.Join(dir, "dst")), fileio.CopyNone, nil)
		assert.ErrorIs(t, err, fileio.ErrExist)
		require.NoError(t, src.(fileio.Copier).CopyTo(ctx, b.File(filepath.Join(dir, "dst")), fileio.CopyOverwrite, nil))
	})

	t.Run("directories are not copied natively", func(t *testing.T) {
		err := b.File(dir).(fileio.Copier).CopyTo(ctx, b.File(filepath.Join(t.TempDir(), "x")), fileio.CopyNone, nil)
		assert.ErrorIs(t, err, fileio.ErrNotSupported)
	})
}

func TestMonitor(t *testing.T) {
	ctx := context.Background()
	b := New()
	dir := t.TempDir()

	m, err := fileio.StartMonitor(ctx, b.File(dir))
	require.NoError(t, err)
	defer m.Close()

	waitFor := func(t *testing.T, typ fileio.MonitorEventType, name string) {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case ev, ok := <-m.Events():
				require.True(t, ok, "monitor closed")
				if ev.Type == typ && ev.File.Name() == name {
					return
				}
			case <-timeout:
				t.Fatalf("no %s event for %s", typ, name)
			}
		}
	}

	p := filepath.Join(dir, "watched")
	require.NoError(t, os.WriteFile(p, []byte("1"), 0o644))
	waitFor(t, fileio.EventCreated, "watched")

	require.NoError(t, os.WriteFile(p, []byte("22"), 0o644))
	waitFor(t, fileio.EventChanged, "watched")

	require.NoError(t, os.Rename(p, filepath.Join(dir, "renamed")))
	waitFor(t, fileio.EventDeleted, "watched")
	waitFor(t, fileio.EventCreated, "renamed")

	require.NoError(t, os.Remove(filepath.Join(dir, "renamed")))
	waitFor(t, fileio.EventDeleted, "renamed")

	t.Run("not a directory", func(t *testing.T) {
		q := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(q, nil, 0o644))
		_, err := fileio.StartMonitor(ctx, b.File(q))
		assert.ErrorIs(t, err, fileio.ErrNotDir)
	})

	t.Run("context cancel closes", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		m, err := fileio.StartMonitor(cctx, b.File(t.TempDir()))
		require.NoError(t, err)
		cancel()
		select {
		case _, ok := <-m.Events():
			assert.False(t, ok)
		case <-time.After(5 * time.Second):
			t.Fatal("monitor not closed")
		}
	})
}

func TestTrash(t *testing.T) {
	ctx := context.Background()
	home := filepath.Join(t.TempDir(), "Trash")
	b := New(Config{TrashDir: home})

	p := filepath.Join(t.TempDir(), "old.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	require.NoError(t, b.File(p).(fileio.Trasher).Trash(ctx))
	assert.NoFileExists(t, p)
	assert.FileExists(t, filepath.Join(home, "files", "old.txt"))
	assert.FileExists(t, filepath.Join(home, "info", "old.txt.trashinfo"))
}
