package sftp

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gobeaver/fileio"
)

// serve starts an in-memory SFTP server and returns a client session on it
func serve(t *testing.T) *sftp.Client {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		server := sftp.NewRequestServer(conn, sftp.InMemHandler())
		server.Serve()
		server.Close()
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	client, err := sftp.NewClientPipe(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestBackend(t *testing.T, opts ...Option) (*Backend, *sftp.Client) {
	t.Helper()
	client := serve(t)
	opts = append([]Option{WithHost("files.example.com"), WithPollInterval(10 * time.Millisecond)}, opts...)
	return New(client, opts...), client
}

func resolve(t *testing.T, b *Backend, p string) fileio.File {
	t.Helper()
	f, err := b.Resolve("sftp://files.example.com" + p)
	require.NoError(t, err)
	return f
}

func put(t *testing.T, c *sftp.Client, p, content string) {
	t.Helper()
	f, err := c.Create(p)
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func exists(c *sftp.Client, p string) bool {
	_, err := c.Lstat(p)
	return err == nil
}

func names(t *testing.T, f fileio.File) []string {
	t.Helper()
	infos, err := fileio.Children(context.Background(), f, "standard::name")
	require.NoError(t, err)
	var out []string
	for _, info := range infos {
		out = append(out, info.Name())
	}
	slices.Sort(out)
	return out
}

func TestResolve(t *testing.T) {
	b := New(nil, WithHost("Files.Example.com:22"))

	f, err := b.Resolve("sftp://alice@files.example.com/home/alice/a%20b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/a b.txt", f.Path())
	assert.Equal(t, "sftp://files.example.com/home/alice/a%20b.txt", f.URI())
	assert.Equal(t, "/home/alice", f.Parent().Path())

	_, err = b.Resolve("sftp://other.example.com/x")
	assert.ErrorIs(t, err, fileio.ErrInvalidURI)
	_, err = b.Resolve("sftp:///x")
	assert.ErrorIs(t, err, fileio.ErrInvalidURI)

	rooted := New(nil, WithBasePath("srv/data"))
	g, err := rooted.Resolve("sftp://any.host:2222/x/y")
	require.NoError(t, err)
	assert.Equal(t, "/srv/data/x/y", g.(*File).remote())
	assert.Equal(t, "sftp://any.host:2222/x/y", g.URI())
}

func TestWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("writes and reads back", func(t *testing.T) {
		b, _ := newTestBackend(t)
		f := resolve(t, b, "/notes.txt")
		require.NoError(t, fileio.WriteAll(ctx, f, []byte("hello")))
		require.NoError(t, fileio.WriteAll(ctx, f, []byte("replaced")))

		data, err := fileio.ReadAll(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, "replaced", string(data))
		assert.Equal(t, []string{"notes.txt"}, names(t, resolve(t, b, "/")))
	})

	t.Run("create refuses existing file", func(t *testing.T) {
		b, c := newTestBackend(t)
		put(t, c, "/a", "x")
		_, err := fileio.OpenWrite(ctx, resolve(t, b, "/a"), fileio.WriteCreate)
		assert.ErrorIs(t, err, fileio.ErrExist)
	})

	t.Run("create loses a race at close", func(t *testing.T) {
		b, c := newTestBackend(t)
		out, err := fileio.OpenWrite(ctx, resolve(t, b, "/a"), fileio.WriteCreate)
		require.NoError(t, err)
		put(t, c, "/a", "other")
		_, err = out.Write([]byte("mine"))
		require.NoError(t, err)

		assert.ErrorIs(t, out.Close(), fileio.ErrExist)
		data, err := fileio.ReadAll(ctx, resolve(t, b, "/a"))
		require.NoError(t, err)
		assert.Equal(t, "other", string(data))
		assert.Equal(t, []string{"a"}, names(t, resolve(t, b, "/")))
	})

	t.Run("append", func(t *testing.T) {
		b, c := newTestBackend(t)
		put(t, c, "/log", "one,")
		out, err := fileio.OpenWrite(ctx, resolve(t, b, "/log"), fileio.WriteAppend)
		require.NoError(t, err)
		_, err = out.Write([]byte("two"))
		require.NoError(t, err)
		require.NoError(t, out.Close())

		data, err := fileio.ReadAll(ctx, resolve(t, b, "/log"))
		require.NoError(t, err)
		assert.Equal(t, "one,two", string(data))
	})

	t.Run("target is untouched until close", func(t *testing.T) {
		b, c := newTestBackend(t)
		out, err := fileio.OpenWrite(ctx, resolve(t, b, "/a"), fileio.WriteReplace)
		require.NoError(t, err)
		_, err = out.Write([]byte("data"))
		require.NoError(t, err)
		assert.False(t, exists(c, "/a"))
		require.NoError(t, out.Close())
		assert.True(t, exists(c, "/a"))
	})

	t.Run("cancelled and aborted writes leave nothing", func(t *testing.T) {
		b, _ := newTestBackend(t)

		cancel := fileio.NewCancellable()
		out, err := fileio.OpenWrite(cancel, resolve(t, b, "/a"), fileio.WriteReplace)
		require.NoError(t, err)
		_, err = out.Write([]byte("data"))
		require.NoError(t, err)
		cancel.Cancel()
		assert.ErrorIs(t, out.Close(), fileio.ErrCancelled)

		out, err = fileio.OpenWrite(ctx, resolve(t, b, "/b"), fileio.WriteReplace)
		require.NoError(t, err)
		_, err = out.Write([]byte("data"))
		require.NoError(t, err)
		require.NoError(t, out.Abort())

		assert.Empty(t, names(t, resolve(t, b, "/")))
	})

	t.Run("directory cannot be written", func(t *testing.T) {
		b, c := newTestBackend(t)
		require.NoError(t, c.Mkdir("/dir"))
		_, err := fileio.OpenWrite(ctx, resolve(t, b, "/dir"), fileio.WriteReplace)
		assert.ErrorIs(t, err, fileio.ErrIsDir)
		_, err = fileio.OpenRead(ctx, resolve(t, b, "/dir"))
		assert.ErrorIs(t, err, fileio.ErrIsDir)
	})
}

func TestQueryInfo(t *testing.T) {
	ctx := context.Background()
	b, c := newTestBackend(t)
	put(t, c, "/file.txt", "12345")
	require.NoError(t, c.Mkdir("/dir"))
	require.NoError(t, c.Symlink("/file.txt", "/link"))
	require.NoError(t, c.Symlink("/nowhere", "/dangling"))

	t.Run("regular file", func(t *testing.T) {
		info, err := resolve(t, b, "/file.txt").QueryInfo(ctx, "*")
		require.NoError(t, err)
		assert.Equal(t, fileio.FileTypeRegular, info.FileType())
		size, _ := info.Size()
		assert.Equal(t, uint64(5), size)
		assert.Equal(t, "text/plain", info.ContentType())
		assert.True(t, info.Has(fileio.AttrEtagValue))
	})

	t.Run("directory", func(t *testing.T) {
		info, err := resolve(t, b, "/dir").QueryInfo(ctx, "standard::type")
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, []string{fileio.AttrStandardType}, info.Keys())
	})

	t.Run("symlinks", func(t *testing.T) {
		info, err := resolve(t, b, "/link").QueryInfo(ctx, "standard::*")
		require.NoError(t, err)
		assert.Equal(t, fileio.FileTypeSymbolicLink, info.FileType(), "links are not followed")
		isLink, _ := info.GetBool(fileio.AttrStandardIsSymlink)
		assert.True(t, isLink)
		target, _ := info.GetString(fileio.AttrStandardTarget)
		assert.Equal(t, "/file.txt", target)

		info, err = resolve(t, b, "/dangling").QueryInfo(ctx, "standard::type")
		require.NoError(t, err)
		assert.Equal(t, fileio.FileTypeSymbolicLink, info.FileType())
	})

	t.Run("missing", func(t *testing.T) {
		_, err := resolve(t, b, "/nope").QueryInfo(ctx, "*")
		assert.ErrorIs(t, err, fileio.ErrNotExist)
	})
}

func TestListChildren(t *testing.T) {
	ctx := context.Background()
	b, c := newTestBackend(t)
	require.NoError(t, c.Mkdir("/dir"))
	put(t, c, "/dir/a", "1")
	put(t, c, "/dir/.hidden", "2")
	require.NoError(t, c.Mkdir("/dir/sub"))

	assert.Equal(t, []string{".hidden", "a", "sub"}, names(t, resolve(t, b, "/dir")))

	infos, err := fileio.Children(ctx, resolve(t, b, "/dir"), "standard::name,standard::is-hidden,standard::type")
	require.NoError(t, err)
	for _, info := range infos {
		hidden, _ := info.GetBool(fileio.AttrStandardIsHidden)
		assert.Equal(t, info.Name() == ".hidden", hidden, info.Name())
		assert.Equal(t, info.Name() == "sub", info.IsDir(), info.Name())
	}

	_, err = fileio.Children(ctx, resolve(t, b, "/dir/a"), "*")
	assert.ErrorIs(t, err, fileio.ErrNotDir)
	_, err = fileio.Children(ctx, resolve(t, b, "/missing"), "*")
	assert.ErrorIs(t, err, fileio.ErrNotExist)
}

func TestDeleteAndMakeDirectory(t *testing.T) {
	ctx := context.Background()
	b, c := newTestBackend(t)

	require.NoError(t, fileio.MakeDirectory(ctx, resolve(t, b, "/dir")))
	assert.ErrorIs(t, fileio.MakeDirectory(ctx, resolve(t, b, "/dir")), fileio.ErrExist)
	assert.ErrorIs(t, fileio.MakeDirectory(ctx, resolve(t, b, "/missing/sub")), fileio.ErrNotExist)
	put(t, c, "/dir/f", "x")
	assert.ErrorIs(t, fileio.MakeDirectory(ctx, resolve(t, b, "/dir/f/sub")), fileio.ErrNotDir)

	assert.ErrorIs(t, fileio.Delete(ctx, resolve(t, b, "/dir")), fileio.ErrNotEmpty)
	require.NoError(t, fileio.Delete(ctx, resolve(t, b, "/dir/f")))
	require.NoError(t, fileio.Delete(ctx, resolve(t, b, "/dir")))
	assert.False(t, exists(c, "/dir"))

	assert.ErrorIs(t, fileio.Delete(ctx, resolve(t, b, "/dir")), fileio.ErrNotExist)
	assert.ErrorIs(t, fileio.Delete(ctx, resolve(t, b, "/")), fileio.ErrPermission)
}

func TestMakeSymbolicLink(t *testing.T) {
	ctx := context.Background()
	b, c := newTestBackend(t)
	put(t, c, "/file.txt", "x")

	link := resolve(t, b, "/link")
	require.NoError(t, fileio.MakeSymbolicLink(ctx, link, "/file.txt"))
	target, err := c.ReadLink("/link")
	require.NoError(t, err)
	assert.Equal(t, "/file.txt", target)

	info, err := link.QueryInfo(ctx, "standard::type")
	require.NoError(t, err)
	assert.Equal(t, fileio.FileTypeSymbolicLink, info.FileType())

	assert.ErrorIs(t, fileio.MakeSymbolicLink(ctx, link, "/file.txt"), fileio.ErrExist)
}

func TestMoveTo(t *testing.T) {
	ctx := context.Background()

	t.Run("renames on the server", func(t *testing.T) {
		b, c := newTestBackend(t)
		put(t, c, "/a", "data")
		require.NoError(t, resolve(t, b, "/a").(*File).MoveTo(ctx, resolve(t, b, "/b"), fileio.CopyNone))
		assert.False(t, exists(c, "/a"))
		assert.True(t, exists(c, "/b"))
	})

	t.Run("existing destination", func(t *testing.T) {
		b, c := newTestBackend(t)
		put(t, c, "/a", "new")
		put(t, c, "/b", "old")
		src := resolve(t, b, "/a").(*File)

		assert.ErrorIs(t, src.MoveTo(ctx, resolve(t, b, "/b"), fileio.CopyNone), fileio.ErrExist)
		require.NoError(t, src.MoveTo(ctx, resolve(t, b, "/b"), fileio.CopyOverwrite))
		data, err := fileio.ReadAll(ctx, resolve(t, b, "/b"))
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))
	})

	t.Run("type mismatch", func(t *testing.T) {
		b, c := newTestBackend(t)
		put(t, c, "/f", "x")
		require.NoError(t, c.Mkdir("/d"))
		assert.ErrorIs(t, resolve(t, b, "/f").(*File).MoveTo(ctx, resolve(t, b, "/d"), fileio.CopyOverwrite), fileio.ErrIsDir)
		assert.ErrorIs(t, resolve(t, b, "/d").(*File).MoveTo(ctx, resolve(t, b, "/f"), fileio.CopyOverwrite), fileio.ErrNotDir)
	})

	t.Run("other backend is not supported", func(t *testing.T) {
		b, c := newTestBackend(t)
		other, _ := newTestBackend(t)
		put(t, c, "/a", "x")
		err := resolve(t, b, "/a").(*File).MoveTo(ctx, resolve(t, other, "/a"), fileio.CopyNone)
		assert.ErrorIs(t, err, fileio.ErrNotSupported)
	})
}

func TestMonitor(t *testing.T) {
	ctx := context.Background()
	b, c := newTestBackend(t)
	require.NoError(t, c.Mkdir("/dir"))
	dir := resolve(t, b, "/dir")

	m, err := fileio.StartMonitor(ctx, dir)
	require.NoError(t, err)
	defer m.Close()

	next := func() fileio.MonitorEvent {
		t.Helper()
		select {
		case ev := <-m.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return fileio.MonitorEvent{}
		}
	}

	put(t, c, "/dir/a", "1")
	ev := next()
	assert.Equal(t, fileio.EventCreated, ev.Type)
	assert.Equal(t, "sftp://files.example.com/dir/a", ev.File.URI())

	require.NoError(t, c.Remove("/dir/a"))
	assert.Equal(t, fileio.EventDeleted, next().Type)
}

func TestReconnect(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	dials := 0
	b.dial = func() (*ssh.Client, *sftp.Client, error) {
		dials++
		return nil, serve(t), nil
	}
	b.client = nil

	root := resolve(t, b, "/")
	_, err := root.QueryInfo(ctx, "*")
	require.NoError(t, err)
	_, err = root.QueryInfo(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, 1, dials)

	b.dropIfLost(b.client, sftp.ErrSSHFxConnectionLost)
	assert.Nil(t, b.client)
	_, err = root.QueryInfo(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, 2, dials)

	require.NoError(t, b.Close())
	_, err = root.QueryInfo(ctx, "*")
	assert.ErrorIs(t, err, fileio.ErrClosed)
}

func TestClientConfig(t *testing.T) {
	_, err := Config{Username: "u", Password: "p"}.clientConfig()
	assert.Error(t, err)

	_, err = Config{Host: "h", Username: "u"}.clientConfig()
	assert.Error(t, err)

	_, err = Config{Host: "h", PrivateKey: []byte("not a key")}.clientConfig()
	assert.Error(t, err)

	cfg, err := Config{Host: "h", Username: "u", Password: "p"}.clientConfig()
	require.NoError(t, err)
	assert.Equal(t, "u", cfg.User)
	assert.Len(t, cfg.Auth, 1)
	assert.Equal(t, 30*time.Second, cfg.Timeout)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(knownHosts, nil, 0o600))
	_, err = Config{Host: "h", Password: "p", KnownHosts: knownHosts}.clientConfig()
	require.NoError(t, err)

	_, err = Config{Host: "h", Password: "p", KnownHosts: filepath.Join(t.TempDir(), "missing")}.clientConfig()
	assert.Error(t, err)
}
