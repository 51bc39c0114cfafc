// Package pathsafe confines user-supplied path strings to a configured root
// directory. Every filesystem-touching operation in the server goes through a
// Resolver; nothing else is allowed to build absolute paths from client input.
package pathsafe

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot is returned when a path would resolve outside the root.
var ErrEscapesRoot = errors.New("path escapes root")

// Resolver maps client-supplied relative paths to absolute paths that are
// guaranteed to be the root or a descendant of it.
type Resolver struct {
	root string // canonical absolute root, no trailing separator
}

// NewResolver canonicalizes root (which must exist) and returns a Resolver.
func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("root is not a directory: " + root)
	}
	return &Resolver{root: filepath.Clean(canon)}, nil
}

// Root returns the canonical absolute root directory.
func (r *Resolver) Root() string { return r.root }

// Clean normalizes a client path like "", ".", "/a/b", "a\\b", "a//b" into a
// slash-based relative path with no leading separator ("" means root). Both
// "/" and "\" are accepted as separators; empty, "." and ".." segments are
// collapsed lexically.
func Clean(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// Resolve maps a client path to an absolute path under the root, or returns
// ErrEscapesRoot. The target does not have to exist; existence is the
// caller's concern so that "escapes root" and "not found" stay distinct.
// Symlinks along the existing portion of the path are resolved before the
// containment check, which is the sole source of truth.
func (r *Resolver) Resolve(userPath string) (string, error) {
	rel := Clean(userPath)
	if strings.Contains(rel, "\x00") {
		return "", ErrEscapesRoot
	}
	if rel == "" {
		return r.root, nil
	}
	abs := filepath.Join(r.root, filepath.FromSlash(rel))
	canon, err := canonicalize(abs)
	if err != nil {
		return "", err
	}
	if !r.contains(canon) {
		return "", ErrEscapesRoot
	}
	return canon, nil
}

// ResolveChild joins a single final component (a new folder name, an uploaded
// filename) onto an already confined parent and re-verifies containment. The
// name itself may not contain separators or be a traversal token; this
// defends write operations even after the parent was confined.
func (r *Resolver) ResolveChild(parentAbs, name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", ErrEscapesRoot
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "\x00") {
		return "", ErrEscapesRoot
	}
	child := filepath.Join(parentAbs, name)
	if !r.contains(child) {
		return "", ErrEscapesRoot
	}
	return child, nil
}

// Rel returns the logical slash-based relative form of a confined absolute
// path. This is the form stream-token path claims are compared against.
func (r *Resolver) Rel(confined string) string {
	rel, err := filepath.Rel(r.root, confined)
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

func (r *Resolver) contains(p string) bool {
	return p == r.root || strings.HasPrefix(p, r.root+string(filepath.Separator))
}

// canonicalize resolves symlinks over the longest existing prefix of p and
// reattaches the nonexistent remainder, so targets that do not exist yet
// still canonicalize deterministically.
func canonicalize(p string) (string, error) {
	suffix := ""
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Ran out of ancestors; fall back to the lexical path.
			return filepath.Clean(p), nil
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}
