package s3

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/fileio"
)

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

// fakeClient keeps buckets in memory and pages listings pageSize entries
// at a time
type fakeClient struct {
	mu       sync.Mutex
	buckets  map[string]map[string]object
	pageSize int
	denied   bool
}

func newFakeClient(buckets ...string) *fakeClient {
	c := &fakeClient{buckets: make(map[string]map[string]object), pageSize: 1000}
	for _, b := range buckets {
		c.buckets[b] = make(map[string]object)
	}
	return c
}

func (c *fakeClient) bucket(name *string) (map[string]object, error) {
	if c.denied {
		return nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}
	}
	b, ok := c.buckets[aws.ToString(name)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	return b, nil
}

func (c *fakeClient) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	obj, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
		ETag:          aws.String(`"` + strconv.Itoa(len(obj.data)) + `"`),
	}, nil
}

func (c *fakeClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	obj, ok := b[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (c *fakeClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	if _, exists := b[key]; exists && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b[key] = object{data: data, contentType: aws.ToString(in.ContentType), modified: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

func (c *fakeClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	delete(b, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (c *fakeClient) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	source, err := url.PathUnescape(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	srcBucket, srcKey, _ := strings.Cut(source, "/")
	sb, err := c.bucket(&srcBucket)
	if err != nil {
		return nil, err
	}
	obj, ok := sb[srcKey]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	db, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}
	obj.data = slices.Clone(obj.data)
	db[aws.ToString(in.Key)] = obj
	return &s3.CopyObjectOutput{}, nil
}

func (c *fakeClient) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.bucket(in.Bucket)
	if err != nil {
		return nil, err
	}

	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)
	keys := make([]string, 0, len(b))
	for k := range b {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	type entry struct {
		key    string
		prefix bool
	}
	var entries []entry
	for _, k := range keys {
		rest := k[len(prefix):]
		if i := strings.Index(rest, delim); delim != "" && i >= 0 {
			cp := prefix + rest[:i+len(delim)]
			if len(entries) == 0 || entries[len(entries)-1].key != cp {
				entries = append(entries, entry{key: cp, prefix: true})
			}
			continue
		}
		entries = append(entries, entry{key: k})
	}

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	limit := c.pageSize
	if in.MaxKeys != nil && int(*in.MaxKeys) < limit {
		limit = int(*in.MaxKeys)
	}
	end := min(start+limit, len(entries))

	out := &s3.ListObjectsV2Output{}
	for _, e := range entries[start:end] {
		if e.prefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e.key)})
			continue
		}
		obj := b[e.key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(e.key),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}
	if end < len(entries) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func put(t *testing.T, c *fakeClient, bucket, key, content string) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[bucket][key] = object{data: []byte(content), modified: time.Now()}
}

func has(c *fakeClient, bucket, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.buckets[bucket][key]
	return ok
}

func resolve(t *testing.T, b *Backend, uri string) fileio.File {
	t.Helper()
	f, err := b.Resolve(uri)
	require.NoError(t, err)
	return f
}

func names(t *testing.T, f fileio.File) []string {
	t.Helper()
	infos, err := fileio.Children(context.Background(), f, "standard::name,standard::type")
	require.NoError(t, err)
	var out []string
	for _, info := range infos {
		n := info.Name()
		if info.IsDir() {
			n += "/"
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func TestResolve(t *testing.T) {
	b := New(newFakeClient("bucket"))

	f := resolve(t, b, "s3://bucket/docs/../a%20b.txt")
	assert.Equal(t, "/a b.txt", f.Path())
	assert.Equal(t, "a b.txt", f.Name())
	assert.Equal(t, "s3://bucket/a%20b.txt", f.URI())
	assert.Equal(t, "a b.txt", f.(*File).key())
	assert.Equal(t, "/", f.Parent().Path())
	assert.Nil(t, f.Parent().Parent())
	assert.True(t, b.Supports("s3"))
	assert.False(t, b.Supports("file"))

	_, err := b.Resolve("s3:///key")
	assert.ErrorIs(t, err, fileio.ErrInvalidURI)

	prefixed := New(newFakeClient("bucket"), WithPrefix("/tenant/"))
	g := resolve(t, prefixed, "s3://bucket/dir/x")
	assert.Equal(t, "tenant/dir/x", g.(*File).key())
	assert.Equal(t, "tenant/", g.Parent().Parent().(*File).dirPrefix())
}

func TestWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("writes and reads back", func(t *testing.T) {
		c := newFakeClient("bucket")
		f := resolve(t, New(c), "s3://bucket/notes.txt")
		require.NoError(t, fileio.WriteAll(ctx, f, []byte("hello")))

		data, err := fileio.ReadAll(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
		assert.Equal(t, "text/plain", c.buckets["bucket"]["notes.txt"].contentType)
	})

	t.Run("create refuses existing object", func(t *testing.T) {
		c := newFakeClient("bucket")
		put(t, c, "bucket", "a", "x")
		_, err := fileio.OpenWrite(ctx, resolve(t, New(c), "s3://bucket/a"), fileio.WriteCreate)
		assert.ErrorIs(t, err, fileio.ErrExist)
	})

	t.Run("create loses a race at upload", func(t *testing.T) {
		c := newFakeClient("bucket")
		out, err := fileio.OpenWrite(ctx, resolve(t, New(c), "s3://bucket/a"), fileio.WriteCreate)
		require.NoError(t, err)
		put(t, c, "bucket", "a", "other")
		_, err = out.Write([]byte("mine"))
		require.NoError(t, err)

		err = out.Close()
		assert.ErrorIs(t, err, fileio.ErrExist)
		assert.Equal(t, "other", string(c.buckets["bucket"]["a"].data))
	})

	t.Run("append keeps existing content", func(t *testing.T) {
		c := newFakeClient("bucket")
		put(t, c, "bucket", "log", "one,")
		f := resolve(t, New(c), "s3://bucket/log")
		out, err := fileio.OpenWrite(ctx, f, fileio.WriteAppend)
		require.NoError(t, err)
		_, err = out.Write([]byte("two"))
		require.NoError(t, err)
		require.NoError(t, out.Close())
		assert.Equal(t, "one,two", string(c.buckets["bucket"]["log"].data))
	})

	t.Run("nothing is uploaded until close", func(t *testing.T) {
		c := newFakeClient("bucket")
		out, err := fileio.OpenWrite(ctx, resolve(t, New(c), "s3://bucket/a"), fileio.WriteReplace)
		require.NoError(t, err)
		_, err = out.Write([]byte("data"))
		require.NoError(t, err)
		assert.False(t, has(c, "bucket", "a"))
		require.NoError(t, out.Close())
		assert.True(t, has(c, "bucket", "a"))
	})

	t.Run("cancelled and aborted writes upload nothing", func(t *testing.T) {
		c := newFakeClient("bucket")
		b := New(c)

		cancel := fileio.NewCancellable()
		out, err := fileio.OpenWrite(cancel, resolve(t, b, "s3://bucket/a"), fileio.WriteReplace)
		require.NoError(t, err)
		_, err = out.Write([]byte("data"))
		require.NoError(t, err)
		cancel.Cancel()
		assert.ErrorIs(t, out.Close(), fileio.ErrCancelled)
		assert.False(t, has(c, "bucket", "a"))

		out, err = fileio.OpenWrite(ctx, resolve(t, b, "s3://bucket/b"), fileio.WriteReplace)
		require.NoError(t, err)
		_, err = out.Write([]byte("data"))
		require.NoError(t, err)
		require.NoError(t, out.Abort())
		assert.False(t, has(c, "bucket", "b"))
	})

	t.Run("directory cannot be written", func(t *testing.T) {
		c := newFakeClient("bucket")
		put(t, c, "bucket", "dir/file", "x")
		_, err := fileio.OpenWrite(ctx, resolve(t, New(c), "s3://bucket/dir"), fileio.WriteReplace)
		assert.ErrorIs(t, err, fileio.ErrIsDir)
	})
}

func TestQueryInfo(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient("bucket")
	put(t, c, "bucket", "implicit/child.txt", "12345")
	put(t, c, "bucket", "marked/", "")
	b := New(c)

	t.Run("object", func(t *testing.T) {
		info, err := resolve(t, b, "s3://bucket/implicit/child.txt").QueryInfo(ctx, "*")
		require.NoError(t, err)
		assert.Equal(t, fileio.FileTypeRegular, info.FileType())
		size, ok := info.Size()
		assert.True(t, ok)
		assert.Equal(t, uint64(5), size)
		etag, _ := info.GetString(fileio.AttrEtagValue)
		assert.Equal(t, "5", etag)
		_, ok = info.ModTime()
		assert.True(t, ok)
	})

	t.Run("matcher limits attributes", func(t *testing.T) {
		info, err := resolve(t, b, "s3://bucket/implicit/child.txt").QueryInfo(ctx, "standard::size")
		require.NoError(t, err)
		assert.Equal(t, []string{fileio.AttrStandardSize}, info.Keys())
	})

	t.Run("directories", func(t *testing.T) {
		for _, uri := range []string{"s3://bucket/implicit", "s3://bucket/marked", "s3://bucket/"} {
			info, err := resolve(t, b, uri).QueryInfo(ctx, "standard::*")
			require.NoError(t, err, uri)
			assert.True(t, info.IsDir(), uri)
			assert.Equal(t, fileio.ContentTypeDirectory, info.ContentType(), uri)
		}
	})

	t.Run("missing", func(t *testing.T) {
		_, err := resolve(t, b, "s3://bucket/nope").QueryInfo(ctx, "*")
		assert.ErrorIs(t, err, fileio.ErrNotExist)
		_, err = resolve(t, b, "s3://other/nope").QueryInfo(ctx, "*")
		assert.ErrorIs(t, err, fileio.ErrNotExist)
	})

	t.Run("access denied", func(t *testing.T) {
		denied := newFakeClient("bucket")
		denied.denied = true
		_, err := resolve(t, New(denied), "s3://bucket/a").QueryInfo(ctx, "*")
		assert.ErrorIs(t, err, fileio.ErrPermission)
		assert.Equal(t, fileio.ErrPermission, fileio.Kind(err))
	})
}

func TestListChildren(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient("bucket")
	put(t, c, "bucket", "a.txt", "1")
	put(t, c, "bucket", "b.txt", "22")
	put(t, c, "bucket", "dir/", "")
	put(t, c, "bucket", "dir/inner.txt", "x")
	put(t, c, "bucket", "dir/deep/leaf", "x")
	put(t, c, "bucket", "empty/", "")
	b := New(c)

	t.Run("groups keys into directories", func(t *testing.T) {
		assert.Equal(t, []string{"a.txt", "b.txt", "dir/", "empty/"}, names(t, resolve(t, b, "s3://bucket/")))
		assert.Equal(t, []string{"deep/", "inner.txt"}, names(t, resolve(t, b, "s3://bucket/dir")))
	})

	t.Run("follows pagination", func(t *testing.T) {
		c.pageSize = 1
		defer func() { c.pageSize = 1000 }()
		assert.Equal(t, []string{"a.txt", "b.txt", "dir/", "empty/"}, names(t, resolve(t, b, "s3://bucket/")))
	})

	t.Run("sizes come from the listing", func(t *testing.T) {
		infos, err := fileio.Children(ctx, resolve(t, b, "s3://bucket/"), "standard::name,standard::size")
		require.NoError(t, err)
		for _, info := range infos {
			if info.Name() == "b.txt" {
				size, _ := info.Size()
				assert.Equal(t, uint64(2), size)
			}
		}
	})

	t.Run("empty directory", func(t *testing.T) {
		assert.Empty(t, names(t, resolve(t, b, "s3://bucket/empty")))
	})

	t.Run("object is not a directory", func(t *testing.T) {
		_, err := fileio.Children(ctx, resolve(t, b, "s3://bucket/a.txt"), "*")
		assert.ErrorIs(t, err, fileio.ErrNotDir)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, err := fileio.Children(ctx, resolve(t, b, "s3://bucket/nope"), "*")
		assert.ErrorIs(t, err, fileio.ErrNotExist)
	})

	t.Run("cancelled", func(t *testing.T) {
		cancel := fileio.NewCancellable()
		cancel.Cancel()
		_, err := fileio.Children(cancel, resolve(t, b, "s3://bucket/"), "*")
		assert.ErrorIs(t, err, fileio.ErrCancelled)
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient("bucket")
	put(t, c, "bucket", "file", "x")
	put(t, c, "bucket", "empty/", "")
	put(t, c, "bucket", "full/", "")
	put(t, c, "bucket", "full/child", "x")
	put(t, c, "bucket", "implicit/child", "x")
	b := New(c)

	require.NoError(t, fileio.Delete(ctx, resolve(t, b, "s3://bucket/file")))
	assert.False(t, has(c, "bucket", "file"))

	require.NoError(t, fileio.Delete(ctx, resolve(t, b, "s3://bucket/empty")))
	assert.False(t, has(c, "bucket", "empty/"))

	assert.ErrorIs(t, fileio.Delete(ctx, resolve(t, b, "s3://bucket/full")), fileio.ErrNotEmpty)
	assert.ErrorIs(t, fileio.Delete(ctx, resolve(t, b, "s3://bucket/implicit")), fileio.ErrNotEmpty)
	assert.True(t, has(c, "bucket", "full/child"))

	assert.ErrorIs(t, fileio.Delete(ctx, resolve(t, b, "s3://bucket/nope")), fileio.ErrNotExist)
	assert.ErrorIs(t, fileio.Delete(ctx, resolve(t, b, "s3://bucket/")), fileio.ErrPermission)
}

func TestMakeDirectory(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient("bucket")
	put(t, c, "bucket", "file", "x")
	b := New(c)

	require.NoError(t, fileio.MakeDirectory(ctx, resolve(t, b, "s3://bucket/dir")))
	assert.Equal(t, directoryContentType, c.buckets["bucket"]["dir/"].contentType)
	require.NoError(t, fileio.MakeDirectory(ctx, resolve(t, b, "s3://bucket/dir/sub")))
	assert.True(t, has(c, "bucket", "dir/sub/"))

	assert.ErrorIs(t, fileio.MakeDirectory(ctx, resolve(t, b, "s3://bucket/dir")), fileio.ErrExist)
	assert.ErrorIs(t, fileio.MakeDirectory(ctx, resolve(t, b, "s3://bucket/missing/sub")), fileio.ErrNotExist)
	assert.ErrorIs(t, fileio.MakeDirectory(ctx, resolve(t, b, "s3://bucket/file/sub")), fileio.ErrNotDir)
}

func TestCopyTo(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient("bucket", "backup")
	put(t, c, "bucket", "my file", "0123456789")
	put(t, c, "bucket", "dir/child", "x")
	b := New(c)
	src := resolve(t, b, "s3://bucket/my%20file").(*File)

	var calls [][2]int64
	progress := func(cur, total int64) { calls = append(calls, [2]int64{cur, total}) }
	require.NoError(t, src.CopyTo(ctx, resolve(t, b, "s3://backup/copy"), fileio.CopyNone, progress))
	assert.Equal(t, [][2]int64{{10, 10}}, calls)
	assert.Equal(t, "0123456789", string(c.buckets["backup"]["copy"].data))

	err := src.CopyTo(ctx, resolve(t, b, "s3://backup/copy"), fileio.CopyNone, nil)
	assert.ErrorIs(t, err, fileio.ErrExist)
	require.NoError(t, src.CopyTo(ctx, resolve(t, b, "s3://backup/copy"), fileio.CopyOverwrite, nil))

	err = src.CopyTo(ctx, resolve(t, b, "s3://bucket/dir"), fileio.CopyOverwrite, nil)
	assert.ErrorIs(t, err, fileio.ErrIsDir)

	err = resolve(t, b, "s3://bucket/dir").(*File).CopyTo(ctx, resolve(t, b, "s3://bucket/d2"), fileio.CopyNone, nil)
	assert.ErrorIs(t, err, fileio.ErrNotSupported)

	other := New(newFakeClient("bucket"))
	err = src.CopyTo(ctx, resolve(t, other, "s3://bucket/x"), fileio.CopyNone, nil)
	assert.ErrorIs(t, err, fileio.ErrNotSupported)
}

func TestMonitor(t *testing.T) {
	ctx := context.Background()
	c := newFakeClient("bucket")
	put(t, c, "bucket", "dir/", "")
	b := New(c, WithPollInterval(10*time.Millisecond))
	dir := resolve(t, b, "s3://bucket/dir")

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

	require.NoError(t, fileio.WriteAll(ctx, dir.Child("a"), []byte("1")))
	ev := next()
	assert.Equal(t, fileio.EventCreated, ev.Type)
	assert.Equal(t, "s3://bucket/dir/a", ev.File.URI())

	require.NoError(t, fileio.Delete(ctx, dir.Child("a")))
	assert.Equal(t, fileio.EventDeleted, next().Type)

	_, err = fileio.StartMonitor(ctx, resolve(t, b, "s3://bucket/nope"))
	assert.ErrorIs(t, err, fileio.ErrNotExist)
}
