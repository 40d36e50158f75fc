// Package proxy is the development front door: a reverse proxy to the
// application server that adds live reload to every HTML page, plus a small
// management interface on a separate port.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/devloop/internal/build"
	"github.com/conneroisu/devloop/internal/config"
	"github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/reload"
	"github.com/conneroisu/devloop/internal/validation"
)

// DefaultDialTimeout bounds how long a request waits for the upstream to
// accept a connection. The server is often mid-restart.
const DefaultDialTimeout = 2 * time.Second

// Options configure a Proxy.
type Options struct {
	Addr        string
	UIAddr      string
	Target      string
	Mode        config.Mode
	DialTimeout time.Duration
}

// ServerInfo is what the management interface reports about the
// supervised server.
type ServerInfo interface {
	Restarts() int
	PID() int
}

// Proxy forwards to the application server and serves the reload client.
type Proxy struct {
	opts    Options
	target  *url.URL
	hub     *reload.Hub
	logger  logging.Logger
	reverse *httputil.ReverseProxy
	started time.Time

	infoMutex sync.RWMutex
	lastBuild func() *build.Result
	server    ServerInfo

	serverMutex sync.Mutex
	servers     []*http.Server
	addr        string
	uiAddr      string
}

// New validates the target and builds the proxy. Listening happens in Start.
func New(opts Options, hub *reload.Hub, logger logging.Logger) (*Proxy, error) {
	if logger == nil {
		logger = logging.NewLogger(nil)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if err := validation.ValidateURL(opts.Target); err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("invalid proxy target %q", opts.Target), err)
	}
	target, err := url.Parse(opts.Target)
	if err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("invalid proxy target %q", opts.Target), err)
	}

	p := &Proxy{
		opts:    opts,
		target:  target,
		hub:     hub,
		logger:  logger.WithComponent("proxy"),
		started: time.Now(),
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.DisableCompression = true

	p.reverse = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			// Uncompressed bodies can be rewritten
			pr.Out.Header.Del("Accept-Encoding")
		},
		Transport:      transport,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleUpstreamError,
	}

	return p, nil
}

// SetBuildInfo supplies the last compile result to the management interface.
func (p *Proxy) SetBuildInfo(fn func() *build.Result) {
	p.infoMutex.Lock()
	defer p.infoMutex.Unlock()
	p.lastBuild = fn
}

// SetServerInfo supplies the supervised server to the management interface.
func (p *Proxy) SetServerInfo(info ServerInfo) {
	p.infoMutex.Lock()
	defer p.infoMutex.Unlock()
	p.server = info
}

// Reload broadcasts a full page reload.
func (p *Proxy) Reload() {
	p.hub.Reload()
}

// NotifyBuildError shows a build failure in the browsers.
func (p *Proxy) NotifyBuildError(err error) {
	p.hub.NotifyBuildError(err)
}

// Handler is the proxy listener's handler.
func (p *Proxy) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case SocketPath:
			p.hub.ServeHTTP(w, r)
		case ClientPath:
			serveClient(w, r)
		default:
			p.reverse.ServeHTTP(w, r)
		}
	})
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	if !isHTML(resp.Header.Get("Content-Type")) || resp.Header.Get("Content-Encoding") != "" {
		return nil
	}
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read upstream body: %w", err)
	}

	body = InjectScript(body, ScriptTag)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Del("ETag")

	return nil
}

func (p *Proxy) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}

	p.logger.Warn(r.Context(), err, "Upstream unavailable", "path", r.URL.Path, "target", p.target.String())
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	fmt.Fprintf(w, "devloop: %s is not responding, it may be restarting\n", p.target.Host)
}

// Start binds the proxy and management listeners and serves them in the
// background until ctx ends or Shutdown is called.
func (p *Proxy) Start(ctx context.Context) error {
	proxyLn, err := net.Listen("tcp", p.opts.Addr)
	if err != nil {
		return errors.NewProxyError(errors.CodeListenFailed, fmt.Sprintf("failed to listen on %s", p.opts.Addr), err)
	}

	uiLn, err := net.Listen("tcp", p.opts.UIAddr)
	if err != nil {
		_ = proxyLn.Close()
		return errors.NewProxyError(errors.CodeListenFailed, fmt.Sprintf("failed to listen on %s", p.opts.UIAddr), err)
	}

	proxyServer := &http.Server{Handler: p.Handler(), ReadHeaderTimeout: 10 * time.Second}
	uiServer := &http.Server{Handler: p.UIHandler(), ReadHeaderTimeout: 10 * time.Second}

	p.serverMutex.Lock()
	p.servers = []*http.Server{proxyServer, uiServer}
	p.addr = proxyLn.Addr().String()
	p.uiAddr = uiLn.Addr().String()
	p.serverMutex.Unlock()

	for _, pair := range []struct {
		server *http.Server
		ln     net.Listener
	}{{proxyServer, proxyLn}, {uiServer, uiLn}} {
		go func(s *http.Server, ln net.Listener) {
			if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
				p.logger.Error(ctx, err, "Listener stopped", "addr", ln.Addr().String())
			}
		}(pair.server, pair.ln)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(shutdownCtx)
	}()

	p.logger.Info(ctx, "Proxying with live reload",
		"url", "http://"+p.addr,
		"target", p.target.String(),
		"ui", "http://"+p.uiAddr,
	)

	return nil
}

// Shutdown stops both listeners and disconnects every browser.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.serverMutex.Lock()
	servers := p.servers
	p.servers = nil
	p.serverMutex.Unlock()

	var errs []string
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := p.hub.Shutdown(ctx); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("proxy shutdown: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Addr returns the bound proxy address.
func (p *Proxy) Addr() string {
	p.serverMutex.Lock()
	defer p.serverMutex.Unlock()
	return p.addr
}

// UIAddr returns the bound management address.
func (p *Proxy) UIAddr() string {
	p.serverMutex.Lock()
	defer p.serverMutex.Unlock()
	return p.uiAddr
}
