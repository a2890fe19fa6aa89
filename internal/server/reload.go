package server

import (
	"bytes"
	"path"
	"path/filepath"
	"strings"

	"github.com/conneroisu/kiln/internal/watcher"
	"github.com/conneroisu/kiln/internal/websocket"
)

const (
	socketPath = "/__kiln/ws"
	healthPath = "/__kiln/health"
	scriptPath = "/__kiln/reload.js"
)

var scriptTag = []byte(`<script src="` + scriptPath + `"></script>`)

// reloadJS reloads the page on full_reload and swaps matching stylesheets
// on css_update. After losing the connection it polls until the server is
// back and then reloads.
const reloadJS = `(function () {
  var url = (location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '` + socketPath + `';
  var lost = false;

  function refreshCSS(target) {
    var links = document.querySelectorAll('link[rel="stylesheet"]');
    var matched = false;
    links.forEach(function (link) {
      var href = link.getAttribute('href');
      if (!href) return;
      var clean = href.split('?')[0];
      if (target && clean.slice(-target.length) !== target) return;
      matched = true;
      link.setAttribute('href', clean + '?v=' + Date.now());
    });
    if (!matched) location.reload();
  }

  function connect() {
    var ws = new WebSocket(url);
    ws.onopen = function () {
      if (lost) location.reload();
    };
    ws.onmessage = function (event) {
      var msg;
      try { msg = JSON.parse(event.data); } catch (e) { return; }
      switch (msg.type) {
        case 'full_reload':
          location.reload();
          break;
        case 'css_update':
          refreshCSS(msg.target);
          break;
        case 'build_error':
          console.error('[kiln] ' + msg.content);
          break;
      }
    };
    ws.onclose = function () {
      lost = true;
      setTimeout(connect, 1000);
    };
  }

  connect();
})();
`

// InjectReloadScript inserts the live-reload script tag before the last
// </body>, or appends it when the document has none.
func InjectReloadScript(page []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(page), []byte("</body>"))
	out := make([]byte, 0, len(page)+len(scriptTag))
	if idx < 0 {
		out = append(out, page...)
		return append(out, scriptTag...)
	}
	out = append(out, page[:idx]...)
	out = append(out, scriptTag...)
	return append(out, page[idx:]...)
}

// ReloadMessage decides how browsers react to a batch of build-root changes:
// a stylesheet swap when only CSS (and its source maps) changed, a full
// reload otherwise.
func ReloadMessage(root string, events []watcher.ChangeEvent) websocket.UpdateMessage {
	target := ""
	for _, e := range events {
		rel := e.Path
		if r, err := filepath.Rel(root, e.Path); err == nil {
			rel = r
		}
		rel = filepath.ToSlash(rel)

		switch {
		case strings.HasSuffix(rel, ".css.map"):
			continue
		case path.Ext(rel) == ".css" && e.Type != watcher.EventTypeDeleted:
			if target == "" {
				target = rel
			}
		default:
			return websocket.UpdateMessage{Type: websocket.MessageFullReload}
		}
	}

	if target == "" {
		return websocket.UpdateMessage{Type: websocket.MessageFullReload}
	}
	return websocket.UpdateMessage{Type: websocket.MessageCSSUpdate, Target: target}
}
