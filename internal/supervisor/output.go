package supervisor

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// markerWriter receives the child's stdout. Complete lines starting with the
// marker are consumed and reported; every other line is forwarded.
type markerWriter struct {
	marker  string
	out     io.Writer
	onReady func(line string)

	mutex sync.Mutex
	buf   bytes.Buffer
}

func newMarkerWriter(marker string, out io.Writer, onReady func(line string)) *markerWriter {
	return &markerWriter{marker: marker, out: out, onReady: onReady}
}

func (w *markerWriter) Write(p []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.handleLine(line)
	}

	return len(p), nil
}

// Flush forwards a trailing partial line.
func (w *markerWriter) Flush() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.buf.Len() > 0 {
		w.handleLine(w.buf.String())
		w.buf.Reset()
	}
}

func (w *markerWriter) handleLine(line string) {
	trimmed := strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(trimmed, w.marker) {
		if w.onReady != nil {
			w.onReady(strings.TrimSpace(strings.TrimPrefix(trimmed, w.marker)))
		}
		return
	}
	_, _ = io.WriteString(w.out, line)
}
