package server

import (
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/a-h/templ"
	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Locals is the data every page render receives.
type Locals struct {
	IsDev     bool
	Mode      string
	ModeTitle string
	Version   string
	Path      string
}

var titleCaser = cases.Title(language.English)

// NewLocals builds the render locals for one request path.
func NewLocals(mode config.Mode, version, requestPath string) Locals {
	return Locals{
		IsDev:     mode.IsDevelopment(),
		Mode:      mode.String(),
		ModeTitle: titleCaser.String(mode.String()),
		Version:   version,
		Path:      requestPath,
	}
}

// templateCache loads the page template. In development every Get parses
// from disk so edits show up on the next request. Otherwise the first
// successful parse is kept for the life of the process.
type templateCache struct {
	path    string
	reparse bool

	mutex  sync.Mutex
	cached *template.Template
}

func newTemplateCache(dir, name string, reparse bool) *templateCache {
	return &templateCache{
		path:    filepath.Join(dir, name),
		reparse: reparse,
	}
}

func (c *templateCache) Get() (*template.Template, error) {
	if c.reparse {
		return c.parse()
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.cached != nil {
		return c.cached, nil
	}
	tmpl, err := c.parse()
	if err != nil {
		return nil, err
	}
	c.cached = tmpl
	return tmpl, nil
}

func (c *templateCache) parse() (*template.Template, error) {
	tmpl, err := template.New(filepath.Base(c.path)).ParseFiles(c.path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", c.path, err)
	}
	return tmpl, nil
}

// renderPage renders the template for r with status 200.
func (s *Server) renderPage(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.templates.Get()
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	locals := NewLocals(s.opts.Mode, s.opts.Version, r.URL.Path)
	component := templ.FromGoHTML(tmpl, locals)

	templ.Handler(component,
		templ.WithErrorHandler(func(r *http.Request, err error) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				s.renderError(w, r, err)
			})
		}),
	).ServeHTTP(w, r)
}

// renderError answers a failed render with 500. Development shows the full
// diagnostic; production shows a generic page.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	renderErr := errors.NewServerError(errors.CodeRenderFailed, "render failed", err).WithOp("render")
	s.logger.Error(r.Context(), renderErr, "Template render failed", "path", r.URL.Path)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusInternalServerError)

	if !s.opts.Mode.IsDevelopment() {
		fmt.Fprintln(w, http.StatusText(http.StatusInternalServerError))
		return
	}

	fmt.Fprintf(w, "Template error\n\n%v\n\nPath: %s\nMode: %s\n", err, r.URL.Path, s.opts.Mode)
}
