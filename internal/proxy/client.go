package proxy

import "net/http"

// Reserved paths on the proxy listener. Everything else goes upstream.
const (
	ReservedPrefix = "/__devloop/"
	SocketPath     = ReservedPrefix + "ws"
	ClientPath     = ReservedPrefix + "client.js"
)

// clientScript connects to the reload socket, reloads on full_reload, shows
// build errors in an overlay and reconnects when the proxy goes away. A
// reconnect after a lost connection reloads the page.
const clientScript = `(function () {
  if (window.__devloop) { return; }
  window.__devloop = true;

  var OVERLAY_ID = '__devloop_overlay';
  var wasConnected = false;

  function hideOverlay() {
    var el = document.getElementById(OVERLAY_ID);
    if (el) { el.parentNode.removeChild(el); }
  }

  function showOverlay(text) {
    hideOverlay();
    var el = document.createElement('pre');
    el.id = OVERLAY_ID;
    el.style.cssText = 'position:fixed;inset:0;margin:0;padding:2em;overflow:auto;' +
      'background:rgba(20,20,20,.95);color:#f66;font:14px/1.4 monospace;z-index:2147483647;white-space:pre-wrap';
    el.textContent = 'Build failed\n\n' + text;
    document.body.appendChild(el);
  }

  function connect() {
    var proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
    var ws = new WebSocket(proto + location.host + '` + SocketPath + `');

    ws.onopen = function () {
      if (wasConnected) { location.reload(); return; }
      wasConnected = true;
    };

    ws.onmessage = function (event) {
      var message;
      try { message = JSON.parse(event.data); } catch (e) { return; }
      switch (message.type) {
        case 'full_reload':
          location.reload();
          break;
        case 'build_error':
          console.error('[devloop] build failed\n' + message.content);
          showOverlay(message.content);
          break;
      }
    };

    ws.onclose = function () {
      setTimeout(connect, 1000);
    };
  }

  connect();
})();
`

func serveClient(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(clientScript))
}
