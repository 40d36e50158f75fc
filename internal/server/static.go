package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// serveStatic serves r from the static directory when its path is under the
// static prefix and names a regular file. It reports whether it responded.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}

	name, ok := s.staticPath(r.URL.Path)
	if !ok {
		return false
	}

	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

// staticPath maps a URL path to a file inside the static directory. The
// remainder after the prefix is cleaned as a rooted path, so ".." can never
// climb above the directory.
func (s *Server) staticPath(urlPath string) (string, bool) {
	prefix := strings.TrimSuffix(s.opts.StaticPrefix, "/")
	if prefix == "" {
		prefix = "/"
	}

	var rest string
	switch {
	case prefix == "/":
		rest = urlPath
	case strings.HasPrefix(urlPath, prefix+"/"):
		rest = strings.TrimPrefix(urlPath, prefix)
	default:
		return "", false
	}

	clean := path.Clean("/" + rest)
	if clean == "/" {
		return "", false
	}

	return filepath.Join(s.opts.StaticDir, filepath.FromSlash(clean)), true
}
