package fileio

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Content types assigned to entries that are not regular files.
const (
	ContentTypeDirectory = "inode/directory"
	ContentTypeSymlink   = "inode/symlink"
	ContentTypeUnknown   = "application/octet-stream"
)

// extensions the mime package gets wrong or does not know on minimal systems
var extensionToMIME = map[string]string{
	".txt":   "text/plain",
	".html":  "text/html",
	".htm":   "text/html",
	".css":   "text/css",
	".js":    "text/javascript",
	".json":  "application/json",
	".xml":   "application/xml",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".png":   "image/png",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".mp3":   "audio/mpeg",
	".ogg":   "audio/ogg",
	".flac":  "audio/flac",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".mkv":   "video/x-matroska",
	".pdf":   "application/pdf",
	".zip":   "application/zip",
	".gz":    "application/gzip",
	".tar":   "application/x-tar",
	".xz":    "application/x-xz",
	".7z":    "application/x-7z-compressed",
	".csv":   "text/csv",
	".md":    "text/markdown",
	".go":    "text/x-go",
	".sh":    "application/x-shellscript",
	".doc":   "application/msword",
	".docx":  "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":   "application/vnd.ms-excel",
	".xlsx":  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".odt":   "application/vnd.oasis.opendocument.text",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".otf":   "font/otf",
}

// GuessContentType determines a content type from a file name and, when
// the extension is unknown, from a prefix of its data.
func GuessContentType(name string, data []byte) string {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := extensionToMIME[ext]; ok {
		return ct
	}

	if ct := mime.TypeByExtension(ext); ct != "" {
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = ct[:i]
		}
		return ct
	}

	if len(data) > 0 {
		ct := http.DetectContentType(data)
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = ct[:i]
		}
		return ct
	}

	return ContentTypeUnknown
}

// SetTypeAttributes fills standard::type, content-type, icon and
// is-hidden for an entry called name.
func SetTypeAttributes(info *FileInfo, name string, ft FileType, sniff []byte) {
	info.SetFileType(ft)
	info.SetBool(AttrStandardIsHidden, strings.HasPrefix(name, "."))
	switch ft {
	case FileTypeDirectory:
		info.SetContentType(ContentTypeDirectory)
	case FileTypeSymbolicLink:
		info.SetContentType(ContentTypeSymlink)
	default:
		info.SetContentType(GuessContentType(name, sniff))
	}
}
