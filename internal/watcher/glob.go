package watcher

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Pattern is a slash-separated glob where a "**" segment matches any number
// of directories, including none. Every other segment follows path.Match.
type Pattern struct {
	expr     string
	root     string
	segments []string
}

// NewPattern parses a glob such as "elm/**/*.elm".
func NewPattern(expr string) (*Pattern, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("empty glob pattern")
	}

	segments := splitPath(expr)
	for _, seg := range segments {
		if seg == "**" {
			continue
		}
		if strings.Contains(seg, "**") {
			return nil, fmt.Errorf("invalid glob %q: ** must be a whole path segment", expr)
		}
		if _, err := path.Match(seg, ""); err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", expr, err)
		}
	}

	return &Pattern{
		expr:     expr,
		root:     staticRoot(segments),
		segments: segments,
	}, nil
}

// MustPattern is NewPattern for patterns known at compile time.
func MustPattern(expr string) *Pattern {
	p, err := NewPattern(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original expression.
func (p *Pattern) String() string {
	return p.expr
}

// Root returns the longest directory prefix without wildcards. Watching it
// recursively covers every file the pattern can match.
func (p *Pattern) Root() string {
	return p.root
}

// Match reports whether name is matched by the pattern.
func (p *Pattern) Match(name string) bool {
	return matchSegments(p.segments, splitPath(name))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}

		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}

	return len(name) == 0
}

func splitPath(p string) []string {
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == "." {
		return nil
	}
	return strings.Split(clean, "/")
}

func hasMeta(seg string) bool {
	return strings.ContainsAny(seg, "*?[\\")
}

func staticRoot(segments []string) string {
	if len(segments) == 0 {
		return "."
	}

	n := 0
	for n < len(segments) && !hasMeta(segments[n]) {
		n++
	}
	// A pattern without wildcards names a file; watch its directory
	if n == len(segments) {
		n--
	}

	root := strings.Join(segments[:n], "/")
	switch {
	case n > 0 && segments[0] == "" && root == "":
		return "/"
	case root == "":
		return "."
	}
	return filepath.FromSlash(root)
}
