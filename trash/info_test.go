package trash

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoEncode(t *testing.T) {
	info := Info{
		Path:         "/home/user/my file#1.txt",
		DeletionDate: time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local),
	}

	want := "[Trash Info]\nPath=/home/user/my%20file%231.txt\nDeletionDate=2024-03-09T14:05:07\n"
	assert.Equal(t, want, string(info.Encode()))

	parsed, err := ParseInfo(info.Encode())
	require.NoError(t, err)
	assert.Equal(t, info.Path, parsed.Path)
	assert.True(t, info.DeletionDate.Equal(parsed.DeletionDate))
}

func TestParseInfo(t *testing.T) {
	t.Run("ignores comments and other groups", func(t *testing.T) {
		data := []byte("# comment\n[Other]\nPath=/wrong\n\n[Trash Info]\nPath=/a/b%20c\nX-Extra=1\nDeletionDate=2020-01-02T03:04:05\n")
		info, err := ParseInfo(data)
		require.NoError(t, err)
		assert.Equal(t, "/a/b c", info.Path)
		assert.Equal(t, 2020, info.DeletionDate.Year())
	})

	tests := []struct {
		name string
		data string
	}{
		{"missing group", "Path=/a\n"},
		{"missing path", "[Trash Info]\nDeletionDate=2020-01-02T03:04:05\n"},
		{"bad date", "[Trash Info]\nPath=/a\nDeletionDate=yesterday\n"},
		{"bad escape", "[Trash Info]\nPath=/a%zz\n"},
		{"malformed line", "[Trash Info]\nPath\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInfo([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
