package trash

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	infoHeader = "[Trash Info]"
	infoSuffix = ".trashinfo"

	// DateLayout is the DeletionDate format, local time without a zone
	DateLayout = "2006-01-02T15:04:05"
)

// Info is the content of a .trashinfo file.
type Info struct {
	// Path is the original location, unescaped
	Path         string
	DeletionDate time.Time
}

// Encode renders the .trashinfo text. The path is URL-escaped.
func (i Info) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(infoHeader + "\n")
	b.WriteString("Path=" + escapePath(i.Path) + "\n")
	b.WriteString("DeletionDate=" + i.DeletionDate.Format(DateLayout) + "\n")
	return b.Bytes()
}

// ParseInfo reads a .trashinfo file. Keys outside the [Trash Info] group
// are ignored, as are unknown keys inside it.
func ParseInfo(data []byte) (Info, error) {
	var (
		info    Info
		inGroup bool
		seen    bool
		hasPath bool
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inGroup = line == infoHeader
			seen = seen || inGroup
			continue
		}
		if !inGroup {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Info{}, fmt.Errorf("trashinfo: malformed line %q", line)
		}
		switch strings.TrimSpace(key) {
		case "Path":
			p, err := url.PathUnescape(strings.TrimSpace(value))
			if err != nil {
				return Info{}, fmt.Errorf("trashinfo: path: %w", err)
			}
			info.Path = p
			hasPath = true
		case "DeletionDate":
			t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(value), time.Local)
			if err != nil {
				return Info{}, fmt.Errorf("trashinfo: deletion date: %w", err)
			}
			info.DeletionDate = t
		}
	}
	if err := sc.Err(); err != nil {
		return Info{}, err
	}
	if !seen {
		return Info{}, fmt.Errorf("trashinfo: missing %s group", infoHeader)
	}
	if !hasPath {
		return Info{}, fmt.Errorf("trashinfo: missing Path")
	}
	return info, nil
}

func escapePath(p string) string {
	u := url.URL{Path: p}
	return u.EscapedPath()
}
