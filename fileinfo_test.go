package fileio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInfo() *FileInfo {
	info := NewFileInfo()
	info.SetName("report.pdf")
	info.SetSize(2048)
	info.SetModTime(time.Date(2024, 5, 1, 12, 30, 0, 250_000_000, time.UTC))
	SetTypeAttributes(info, "report.pdf", FileTypeRegular, nil)
	info.SetUint32(AttrUnixMode, 0o644)
	info.SetBool(AttrAccessCanRead, true)
	info.SetStringv("xattr::tags", []string{"a", "b"})
	return info
}

func TestFileInfo(t *testing.T) {
	t.Run("typed getters", func(t *testing.T) {
		info := sampleInfo()
		assert.Equal(t, "report.pdf", info.Name())
		assert.Equal(t, "report.pdf", info.DisplayName())
		size, ok := info.Size()
		assert.True(t, ok)
		assert.Equal(t, uint64(2048), size)
		assert.Equal(t, FileTypeRegular, info.FileType())
		assert.False(t, info.IsDir())
		assert.Equal(t, "application/pdf", info.ContentType())

		icon, _ := info.GetString(AttrStandardIcon)
		assert.Equal(t, "application-pdf", icon)

		mod, ok := info.ModTime()
		assert.True(t, ok)
		assert.True(t, mod.Equal(time.Date(2024, 5, 1, 12, 30, 0, 250_000_000, time.UTC)))
	})

	t.Run("absent and mistyped attributes", func(t *testing.T) {
		info := sampleInfo()
		_, ok := info.GetString("standard::nope")
		assert.False(t, ok)
		_, ok = info.GetString(AttrUnixMode)
		assert.False(t, ok, "uint32 is not a string")

		var nilInfo *FileInfo
		assert.False(t, nilInfo.Has(AttrStandardName))
		assert.Equal(t, "", nilInfo.Name())
		assert.Nil(t, nilInfo.Keys())
	})

	t.Run("keys and namespaces", func(t *testing.T) {
		info := NewFileInfo()
		info.SetBool(AttrAccessCanRead, true)
		info.SetString(AttrStandardName, "a")
		info.SetUint64(AttrTimeModified, 1)
		assert.Equal(t, []string{"access::can-read", "standard::name", "time::modified"}, info.Keys())
		assert.Equal(t, []string{"access", "standard", "time"}, info.Namespaces())

		info.Remove(AttrTimeModified)
		assert.False(t, info.Has(AttrTimeModified))
	})

	t.Run("clone shares nothing", func(t *testing.T) {
		info := sampleInfo()
		clone := info.Clone()
		clone.SetName("other.pdf")
		tags, _ := clone.GetStringv("xattr::tags")
		tags[0] = "changed"

		assert.Equal(t, "report.pdf", info.Name())
		orig, _ := info.GetStringv("xattr::tags")
		assert.Equal(t, []string{"a", "b"}, orig)
	})

	t.Run("equal compares name size and mtime", func(t *testing.T) {
		a := sampleInfo()
		b := sampleInfo()
		b.SetBool(AttrAccessCanRead, false)
		assert.True(t, a.Equal(b))

		b.SetSize(1)
		assert.False(t, a.Equal(b))

		c := sampleInfo()
		c.SetModTime(time.Date(2024, 5, 1, 12, 30, 0, 251_000_000, time.UTC))
		assert.False(t, a.Equal(c))

		var nilInfo *FileInfo
		assert.True(t, nilInfo.Equal(nil))
		assert.False(t, a.Equal(nil))
	})
}

func TestAttributeMatcher(t *testing.T) {
	tests := []struct {
		attrs   string
		key     string
		matches bool
	}{
		{"", "unix::mode", true},
		{"*", "unix::mode", true},
		{"standard::*", "standard::size", true},
		{"standard::*", "time::modified", false},
		{"standard::name,time::modified", "time::modified", true},
		{"standard::name, time::modified", "time::modified", true},
		{"standard::name,time::modified", "time::access", false},
		{"standard::*,*", "etag::value", true},
	}
	for _, tt := range tests {
		t.Run(tt.attrs+"/"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.matches, NewAttributeMatcher(tt.attrs).Matches(tt.key))
		})
	}

	t.Run("namespace probe", func(t *testing.T) {
		m := NewAttributeMatcher("standard::name,unix::mode")
		assert.True(t, m.MatchesNamespace("unix"))
		assert.True(t, m.MatchesNamespace("standard"))
		assert.False(t, m.MatchesNamespace("access"))
		assert.True(t, NewAttributeMatcher("access::*").MatchesNamespace("access"))
	})

	t.Run("filter drops unmatched keys", func(t *testing.T) {
		info := sampleInfo().Filter(NewAttributeMatcher("standard::name,standard::size"))
		assert.Equal(t, []string{AttrStandardName, AttrStandardSize}, info.Keys())

		full := sampleInfo()
		n := len(full.Keys())
		require.Len(t, full.Filter(NewAttributeMatcher("*")).Keys(), n)
	})
}

func TestGuessContentType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"notes.txt", nil, "text/plain"},
		{"PHOTO.JPG", nil, "image/jpeg"},
		{"data.json", nil, "application/json"},
		{"noext", []byte("%PDF-1.7 ..."), "application/pdf"},
		{"noext", []byte("plain words"), "text/plain"},
		{"noext", nil, ContentTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GuessContentType(tt.name, tt.data))
		})
	}

	t.Run("type attributes", func(t *testing.T) {
		info := NewFileInfo()
		SetTypeAttributes(info, ".config", FileTypeDirectory, nil)
		assert.True(t, info.IsDir())
		assert.Equal(t, ContentTypeDirectory, info.ContentType())
		hidden, _ := info.GetBool(AttrStandardIsHidden)
		assert.True(t, hidden)

		SetTypeAttributes(info, "link", FileTypeSymbolicLink, nil)
		assert.Equal(t, ContentTypeSymlink, info.ContentType())
	})
}
