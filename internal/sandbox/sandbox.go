// Package sandbox maps caller-supplied relative paths onto a storage root.
// Every storage-touching operation resolves its paths through Resolve.
package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

var ErrForbidden = errors.New("path escapes root")

// Resolve joins rel onto root and returns the canonical absolute path.
// It rejects invalid UTF-8, control characters, any ".." segment, and existing symlinks
// that lead outside root. A rel of "" or "/" resolves to root itself.
func Resolve(root, rel string) (string, error) {
	if root == "" {
		return "", errors.New("root is required")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootAbs = filepath.Clean(rootAbs)

	if hasControl(rel) {
		return "", ErrForbidden
	}
	p := strings.TrimLeft(filepath.ToSlash(rel), "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrForbidden
		}
	}

	joined := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(p)))
	if !Within(rootAbs, joined) {
		return "", ErrForbidden
	}

	// Canonicalize through symlinks: the nearest existing ancestor must
	// resolve inside the canonical root.
	canonRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return joined, nil
		}
		return "", err
	}
	existing := nearestExisting(joined)
	if existing == "" {
		return joined, nil
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	if !Within(filepath.Clean(canonRoot), filepath.Clean(resolved)) {
		return "", ErrForbidden
	}
	return joined, nil
}

// Within reports whether candidate equals root or lies beneath it.
func Within(root, candidate string) bool {
	root = filepath.Clean(root)
	candidate = filepath.Clean(candidate)
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}

// FirstSegment splits rel into its first path segment and the remainder.
func FirstSegment(rel string) (string, string) {
	p := strings.TrimLeft(filepath.ToSlash(rel), "/")
	head, rest, _ := strings.Cut(p, "/")
	return head, rest
}

// hasControl rejects invalid UTF-8 and any C0 or C1 control character.
func hasControl(s string) bool {
	if !utf8.ValidString(s) {
		return true
	}
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

func nearestExisting(p string) string {
	cur := p
	for {
		_, err := os.Lstat(cur)
		if err == nil {
			return cur
		}
		if !os.IsNotExist(err) {
			return ""
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return ""
		}
		cur = parent
	}
}
