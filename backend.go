package fileio

import (
	"net/url"
	"path"
	"strings"
)

// Backend resolves URIs of the schemes it supports into Files.
//
// A backend is a flat capability record: a scheme predicate and a resolve
// function. Several backends may claim the same scheme; the registry picks
// the first one registered.
type Backend interface {
	// Name identifies the backend in logs and errors.
	Name() string

	// Supports reports whether the backend handles scheme.
	Supports(scheme string) bool

	// Resolve returns a File for uri. It does not touch storage.
	Resolve(uri string) (File, error)
}

// Scheme returns the scheme of uri: the text before "://". A bare absolute
// path has scheme "file". It returns "" when no scheme can be found.
func Scheme(uri string) string {
	if i := strings.Index(uri, "://"); i > 0 {
		return strings.ToLower(uri[:i])
	}
	if strings.HasPrefix(uri, "/") {
		return "file"
	}
	return ""
}

// SplitURI separates uri into scheme, authority and a cleaned absolute
// path. The path is unescaped.
//
//	SplitURI("s3://bucket/a/../b.txt") // "s3", "bucket", "/b.txt"
//	SplitURI("/tmp/x")                 // "file", "", "/tmp/x"
func SplitURI(uri string) (scheme, authority, p string, err error) {
	scheme = Scheme(uri)
	if scheme == "" {
		return "", "", "", &PathError{Op: "parse", Path: uri, Err: ErrInvalidURI}
	}
	rest := uri
	if i := strings.Index(uri, "://"); i > 0 {
		rest = uri[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			authority, rest = rest[:j], rest[j:]
		} else {
			authority, rest = rest, "/"
		}
	}
	unescaped, uerr := url.PathUnescape(rest)
	if uerr != nil {
		return "", "", "", &PathError{Op: "parse", Path: uri, Err: ErrInvalidURI}
	}
	return scheme, authority, CleanPath(unescaped), nil
}

// BuildURI is the inverse of SplitURI. The path is escaped.
func BuildURI(scheme, authority, p string) string {
	u := url.URL{Path: CleanPath(p)}
	return scheme + "://" + authority + u.EscapedPath()
}

// CleanPath returns p cleaned and rooted at "/".
func CleanPath(p string) string {
	return path.Clean("/" + p)
}

// BaseName returns the last element of a cleaned path, or "/" for the root.
func BaseName(p string) string {
	return path.Base(CleanPath(p))
}

// ParentPath returns the parent of p and false when p is the root.
func ParentPath(p string) (string, bool) {
	p = CleanPath(p)
	if p == "/" {
		return "", false
	}
	return path.Dir(p), true
}

// ValidChildName reports whether name can be used with File.Child.
func ValidChildName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/")
}

// SchemeSet returns a predicate matching any of schemes, case-insensitively.
func SchemeSet(schemes ...string) func(string) bool {
	set := make(map[string]struct{}, len(schemes))
	for _, s := range schemes {
		set[strings.ToLower(s)] = struct{}{}
	}
	return func(scheme string) bool {
		_, ok := set[strings.ToLower(scheme)]
		return ok
	}
}
