package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/a-h/templ"
	"github.com/conneroisu/devloop/internal/build"
	"github.com/conneroisu/devloop/internal/reload"
	"github.com/dustin/go-humanize"
)

// Status is the management view of the dev loop.
type Status struct {
	Target     string              `json:"target"`
	ProxyURL   string              `json:"proxy_url"`
	Mode       string              `json:"mode"`
	Uptime     string              `json:"uptime"`
	Clients    []reload.ClientInfo `json:"clients"`
	Reloads    int                 `json:"reloads"`
	LastReload *time.Time          `json:"last_reload,omitempty"`
	Build      *BuildStatus        `json:"build,omitempty"`
	Server     *ServerStatus       `json:"server,omitempty"`
}

// BuildStatus summarises the last compile.
type BuildStatus struct {
	OK         bool      `json:"ok"`
	Output     string    `json:"output"`
	Size       int64     `json:"size"`
	SizeHuman  string    `json:"size_human"`
	Sources    int       `json:"sources"`
	Duration   string    `json:"duration"`
	FinishedAt time.Time `json:"finished_at"`
	Age        string    `json:"age"`
	Error      string    `json:"error,omitempty"`

	Problems []build.Diagnostic `json:"problems,omitempty"`
}

// ServerStatus summarises the supervised server.
type ServerStatus struct {
	PID      int `json:"pid"`
	Restarts int `json:"restarts"`
}

// Status collects the current state.
func (p *Proxy) Status() Status {
	reloads, last := p.hub.Reloads()
	st := Status{
		Target:   p.target.String(),
		ProxyURL: "http://" + p.Addr(),
		Mode:     p.opts.Mode.String(),
		Uptime:   time.Since(p.started).Round(time.Second).String(),
		Clients:  p.hub.Clients(),
		Reloads:  reloads,
	}
	if !last.IsZero() {
		st.LastReload = &last
	}

	p.infoMutex.RLock()
	lastBuild, server := p.lastBuild, p.server
	p.infoMutex.RUnlock()

	if lastBuild != nil {
		if r := lastBuild(); r != nil {
			b := &BuildStatus{
				OK:         r.OK(),
				Output:     r.Output,
				Size:       r.Size,
				SizeHuman:  humanize.Bytes(uint64(r.Size)),
				Sources:    len(r.Sources),
				Duration:   r.Duration.Round(time.Millisecond).String(),
				FinishedAt: r.FinishedAt,
				Age:        humanize.Time(r.FinishedAt),
				Problems:   r.Diagnostics,
			}
			if r.Err != nil {
				b.Error = r.Err.Error()
			}
			st.Build = b
		}
	}
	if server != nil {
		st.Server = &ServerStatus{PID: server.PID(), Restarts: server.Restarts()}
	}

	return st
}

// UIHandler serves the management interface.
func (p *Proxy) UIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.Status())
	})

	mux.HandleFunc("POST /api/reload", func(w http.ResponseWriter, r *http.Request) {
		p.Reload()
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"status":  "reloading",
			"clients": p.hub.Count(),
		})
	})

	// The status page form lands back on the page instead of the JSON body
	mux.HandleFunc("POST /reload", func(w http.ResponseWriter, r *http.Request) {
		p.Reload()
		http.Redirect(w, r, "/", http.StatusSeeOther)
	})

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		templ.Handler(statusPage(p.Status())).ServeHTTP(w, r)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// statusPage renders the management page.
func statusPage(st Status) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		e := templ.EscapeString[string]

		if _, err := io.WriteString(w, `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8">`+
			`<title>devloop</title><style>`+
			`body{font:14px/1.5 system-ui,sans-serif;margin:2em;color:#222}`+
			`table{border-collapse:collapse}td,th{padding:.25em 1em;text-align:left;border-bottom:1px solid #ddd}`+
			`.ok{color:#2a2}.fail{color:#c22}pre{background:#f6f6f6;padding:1em;overflow:auto}`+
			`</style></head><body><h1>devloop</h1>`); err != nil {
			return err
		}

		rows := [][2]string{
			{"Proxy", st.ProxyURL},
			{"Target", st.Target},
			{"Mode", st.Mode},
			{"Running for", st.Uptime},
			{"Connected browsers", fmt.Sprintf("%d", len(st.Clients))},
			{"Reloads", fmt.Sprintf("%d", st.Reloads)},
		}
		if st.Server != nil {
			rows = append(rows,
				[2]string{"Server PID", fmt.Sprintf("%d", st.Server.PID)},
				[2]string{"Server restarts", fmt.Sprintf("%d", st.Server.Restarts)},
			)
		}

		if _, err := io.WriteString(w, `<table>`); err != nil {
			return err
		}
		for _, row := range rows {
			if _, err := fmt.Fprintf(w, `<tr><th>%s</th><td>%s</td></tr>`, e(row[0]), e(row[1])); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, `</table>`); err != nil {
			return err
		}

		if b := st.Build; b != nil {
			class, label := "ok", "succeeded"
			if !b.OK {
				class, label = "fail", "failed"
			}
			if _, err := fmt.Fprintf(w, `<h2>Last build <span class="%s">%s</span> %s</h2><p>%s, %s, %d sources, took %s</p>`,
				class, label, e(b.Age), e(b.Output), e(b.SizeHuman), b.Sources, e(b.Duration)); err != nil {
				return err
			}
			if len(b.Problems) > 0 {
				if _, err := io.WriteString(w, `<ul>`); err != nil {
					return err
				}
				for _, d := range b.Problems {
					if _, err := fmt.Fprintf(w, `<li><code>%s</code> %s</li>`, e(d.Location()), e(d.Message)); err != nil {
						return err
					}
				}
				if _, err := io.WriteString(w, `</ul>`); err != nil {
					return err
				}
			}
			if b.Error != "" {
				if _, err := fmt.Fprintf(w, `<pre>%s</pre>`, e(b.Error)); err != nil {
					return err
				}
			}
		}

		_, err := io.WriteString(w, `<form method="post" action="/reload"><button type="submit">Reload browsers</button></form></body></html>`)
		return err
	})
}
