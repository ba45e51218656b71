// Package resolver maps request targets onto files under a document root.
//
// Resolution is lexical first: percent-decoding and dot-segment removal
// happen on the URL path before the filesystem is consulted, and a ".."
// that would climb above the root is rejected outright. The surviving path
// is then canonicalized with symlinks resolved and must still lie inside
// the canonical root.
package resolver

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"
)

// IndexFile is served in place of a directory that contains it.
const IndexFile = "index.html"

var (
	ErrInvalidPath = errors.New("invalid request path")
	ErrInvalidRoot = errors.New("invalid document root")
)

// Kind discriminates the outcome of a resolution.
type Kind int

const (
	KindNotFound Kind = iota
	KindForbidden
	KindDirectory
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindForbidden:
		return "forbidden"
	default:
		return "not-found"
	}
}

// Target is the resolved form of a request path. Path, Size and
// ContentType are set for KindFile; Path and HasIndex for KindDirectory.
type Target struct {
	Kind        Kind
	Path        string
	Size        int64
	ContentType string
	HasIndex    bool
}

func notFound() Target  { return Target{Kind: KindNotFound} }
func forbidden() Target { return Target{Kind: KindForbidden} }

// Resolver resolves targets against one canonical document root. It holds
// no mutable state and is safe for concurrent use.
type Resolver struct {
	root string
}

// New canonicalizes root and checks that it is a directory.
func New(root string) (*Resolver, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidRoot)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}

	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, canon)
	}

	return &Resolver{root: canon}, nil
}

// Root returns the canonical document root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve maps a raw request target to a Target. It returns ErrInvalidPath
// when the target cannot be decoded.
func (r *Resolver) Resolve(rawTarget string) (Target, error) {
	rawPath := pathOf(rawTarget)

	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if strings.IndexByte(decoded, 0) >= 0 {
		return Target{}, fmt.Errorf("%w: NUL byte", ErrInvalidPath)
	}
	if !utf8.ValidString(decoded) {
		return Target{}, fmt.Errorf("%w: invalid UTF-8", ErrInvalidPath)
	}

	segments, ok := normalize(decoded)
	if !ok {
		return forbidden(), nil
	}
	wantsDir := strings.HasSuffix(decoded, "/") && len(segments) > 0

	full := filepath.Join(append([]string{r.root}, segments...)...)

	canon, err := filepath.EvalSymlinks(full)
	if err != nil {
		return fromFSError(err), nil
	}
	if !r.contains(canon) {
		return forbidden(), nil
	}

	info, err := os.Stat(canon)
	if err != nil {
		return fromFSError(err), nil
	}

	switch {
	case info.IsDir():
		return r.resolveDir(canon)
	case info.Mode().IsRegular():
		if wantsDir {
			return notFound(), nil
		}
		return fileTarget(canon, info), nil
	default:
		// Devices, sockets and pipes are never served.
		return forbidden(), nil
	}
}

func (r *Resolver) resolveDir(dir string) (Target, error) {
	index, err := filepath.EvalSymlinks(filepath.Join(dir, IndexFile))
	if err != nil {
		if isNotExist(err) {
			return Target{Kind: KindDirectory, Path: dir}, nil
		}
		return fromFSError(err), nil
	}
	if !r.contains(index) {
		return forbidden(), nil
	}

	info, err := os.Stat(index)
	if err != nil {
		return fromFSError(err), nil
	}
	if !info.Mode().IsRegular() {
		return Target{Kind: KindDirectory, Path: dir}, nil
	}
	return fileTarget(index, info), nil
}

func (r *Resolver) contains(path string) bool {
	if path == r.root {
		return true
	}
	prefix := r.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

func fileTarget(path string, info fs.FileInfo) Target {
	return Target{
		Kind:        KindFile,
		Path:        path,
		Size:        info.Size(),
		ContentType: ContentType(path),
	}
}

// pathOf drops the query string and fragment, and reduces absolute-form
// targets to their path.
func pathOf(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if i := strings.Index(target, "://"); i >= 0 && !strings.HasPrefix(target, "/") {
		rest := target[i+len("://"):]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return "/"
		}
		return rest[slash:]
	}
	return target
}

// normalize removes empty, "." and ".." segments from a decoded URL path.
// It reports false when ".." would leave the root or a segment smuggles a
// platform path separator.
func normalize(p string) ([]string, bool) {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) == 0 {
				return nil, false
			}
			out = out[:len(out)-1]
		default:
			if filepath.Separator != '/' && strings.ContainsRune(seg, filepath.Separator) {
				return nil, false
			}
			out = append(out, seg)
		}
	}
	return out, true
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func fromFSError(err error) Target {
	if isNotExist(err) {
		return notFound()
	}
	// Permission errors, symlink loops and anything unexpected.
	return forbidden()
}
