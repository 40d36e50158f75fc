package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/mattn/go-isatty"
)

// RequestLog writes one line per request in the morgan "dev" format:
//
//	GET /static/js/app.js 200 1.234 ms - 5120
type RequestLog struct {
	out     io.Writer
	colored bool
	mutex   sync.Mutex
}

// NewRequestLog colors the status only when out is a terminal.
func NewRequestLog(out io.Writer) *RequestLog {
	colored := false
	if f, ok := out.(*os.File); ok {
		colored = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &RequestLog{out: out, colored: colored}
}

// Middleware logs every request handled by next.
func (l *RequestLog) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		l.write(r.Method, r.URL.RequestURI(), rec.status, time.Since(start), rec.bytes)
	})
}

func (l *RequestLog) write(method, uri string, status int, latency time.Duration, bytes int64) {
	size := "-"
	if bytes > 0 {
		size = fmt.Sprintf("%d", bytes)
	}
	ms := float64(latency.Microseconds()) / 1000

	l.mutex.Lock()
	defer l.mutex.Unlock()
	fmt.Fprintf(l.out, "%s %s %s %.3f ms - %s\n", method, uri, l.statusText(status), ms, size)
}

func (l *RequestLog) statusText(status int) string {
	s := fmt.Sprintf("%d", status)
	if !l.colored {
		return s
	}

	switch {
	case status >= 500:
		return color.Red.Sprint(s)
	case status >= 400:
		return color.Yellow.Sprint(s)
	case status >= 300:
		return color.Cyan.Sprint(s)
	default:
		return color.Green.Sprint(s)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// recoverMiddleware turns a handler panic into a 500 and keeps serving.
// The stack is logged in development only.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}

			fields := []interface{}{"method", r.Method, "path", r.URL.Path}
			if s.opts.Mode.IsDevelopment() {
				fields = append(fields, "stack", string(debug.Stack()))
			}
			s.logger.Error(r.Context(), fmt.Errorf("panic: %v", v), "Recovered from panic", fields...)

			if !rec.wroteHeader {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(rec, r)
	})
}
