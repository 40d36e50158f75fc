// Package server is the application web server: static assets under one
// prefix and a single rendered page for every other path.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
)

// ShutdownTimeout bounds the graceful shutdown of the listener.
const ShutdownTimeout = 5 * time.Second

// Options configure a Server.
type Options struct {
	Addr         string
	StaticDir    string
	StaticPrefix string
	ViewsDir     string
	Template     string
	Version      string
	Mode         config.Mode

	// RequestLog receives one line per request. Nil means stdout.
	RequestLog io.Writer
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Addr:         cfg.Server.Addr(),
		StaticDir:    cfg.Server.StaticDir,
		StaticPrefix: cfg.Server.StaticPrefix,
		ViewsDir:     cfg.Server.ViewsDir,
		Template:     cfg.Server.Template,
		Version:      cfg.Server.Version,
		Mode:         cfg.Mode,
	}
}

// Server serves the static directory and the page template.
type Server struct {
	opts      Options
	logger    logging.Logger
	templates *templateCache
	handler   http.Handler

	serverMutex sync.RWMutex
	httpServer  *http.Server
	addr        string
}

// New creates a server. Nothing is read from disk until the first request.
func New(opts Options, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	if opts.RequestLog == nil {
		opts.RequestLog = os.Stdout
	}
	if opts.Version == "" {
		opts.Version = "test"
	}

	s := &Server{
		opts:      opts,
		logger:    logger.WithComponent("server"),
		templates: newTemplateCache(opts.ViewsDir, opts.Template, opts.Mode.IsDevelopment()),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)

	s.handler = NewRequestLog(opts.RequestLog).Middleware(
		s.recoverMiddleware(mux),
	)

	return s
}

// Handler returns the full handler chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleRequest implements the two-tier routing: an existing static file
// wins, anything else renders the page.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if s.serveStatic(w, r) {
		return
	}
	s.renderPage(w, r)
}

// Start binds the listener, calls onReady with the bound address and serves
// until ctx is cancelled. A bind failure is returned before onReady runs.
func (s *Server) Start(ctx context.Context, onReady func(addr string)) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.NewServerError(errors.CodeListenFailed,
			fmt.Sprintf("failed to listen on %s", s.opts.Addr), err)
	}

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.serverMutex.Lock()
	s.httpServer = server
	s.addr = ln.Addr().String()
	s.serverMutex.Unlock()

	s.logger.Info(ctx, "Listening", "addr", s.addr, "mode", s.opts.Mode.String())
	if onReady != nil {
		onReady(s.addr)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(ctx, err, "Graceful shutdown incomplete")
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.NewServerError(errors.CodeListenFailed, "server error", err)
		}
		return nil
	}
}

// Addr returns the bound address once Start has listened.
func (s *Server) Addr() string {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	return s.addr
}
