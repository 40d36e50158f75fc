package proxy

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ScriptTag loads the reload client.
const ScriptTag = `<script src="` + ClientPath + `" async></script>`

// InjectScript inserts tag before the last </body> of doc, or appends it
// when the document has none. Text inside <script> or comments that merely
// looks like </body> is ignored.
func InjectScript(doc []byte, tag string) []byte {
	at := lastBodyClose(doc)
	if at < 0 {
		out := make([]byte, 0, len(doc)+len(tag))
		out = append(out, doc...)
		return append(out, tag...)
	}

	out := make([]byte, 0, len(doc)+len(tag))
	out = append(out, doc[:at]...)
	out = append(out, tag...)
	return append(out, doc[at:]...)
}

// lastBodyClose returns the byte offset of the last </body> end tag, or -1.
func lastBodyClose(doc []byte) int {
	z := html.NewTokenizer(bytes.NewReader(doc))
	offset, found := 0, -1

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return found
		}

		raw := len(z.Raw())
		if tt == html.EndTagToken {
			name, _ := z.TagName()
			if atom.Lookup(name) == atom.Body {
				found = offset
			}
		}
		offset += raw
	}
}

// isHTML reports whether a Content-Type header names an HTML document.
func isHTML(contentType string) bool {
	mediaType := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	return strings.EqualFold(mediaType, "text/html")
}
