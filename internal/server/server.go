// Package server implements the development server: it serves the build
// root, injects a live-reload script into HTML pages and tells connected
// browsers to reload whenever the build root changes.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	kerrors "github.com/conneroisu/kiln/internal/errors"
	"github.com/conneroisu/kiln/internal/logging"
	"github.com/conneroisu/kiln/internal/version"
	"github.com/conneroisu/kiln/internal/watcher"
	"github.com/conneroisu/kiln/internal/websocket"
)

// Options configures a DevServer.
type Options struct {
	// Root is the directory served at "/".
	Root string
	// Addr is the listen address. Port 0 picks a free port.
	Addr     string
	Debounce time.Duration
	// Hosts are extra hostnames allowed to open live-reload sockets.
	Hosts []string
}

// DevServer is a static file server with live reload.
type DevServer struct {
	opts   Options
	logger logging.Logger
	hub    *websocket.WebSocketManager

	serverMutex sync.RWMutex
	httpServer  *http.Server
	addr        string
}

// New creates a server for opts.Root. Nothing is listened on until Run.
func New(opts Options, logger logging.Logger) *DevServer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	logger = logger.WithComponent("server")
	return &DevServer{
		opts:   opts,
		logger: logger,
		hub:    websocket.NewWebSocketManager(websocket.LocalOriginValidator{Hosts: opts.Hosts}, logger),
	}
}

// Handler returns the routes of the server.
func (s *DevServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(socketPath, s.hub.HandleWebSocket)
	mux.HandleFunc(healthPath, s.handleHealth)
	mux.HandleFunc(scriptPath, s.handleScript)
	mux.Handle("/", s.staticHandler())
	return Chain(mux, LogRequests(s.logger), NoStore)
}

// Addr returns the address being listened on, or "" before Run has bound it.
func (s *DevServer) Addr() string {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	return s.addr
}

// Clients returns the number of connected live-reload clients.
func (s *DevServer) Clients() int {
	return s.hub.GetConnectedClients()
}

// ReportError shows a failed rebuild in the browser console.
func (s *DevServer) ReportError(err error) {
	if err == nil {
		return
	}
	s.hub.BroadcastMessage(websocket.UpdateMessage{Type: websocket.MessageBuildError, Content: err.Error()})
}

// Run serves until ctx is cancelled and then shuts down gracefully. The root
// is created when missing so that the server can start before the first
// build.
func (s *DevServer) Run(ctx context.Context) error {
	// Until the listener is up nothing else stops the hub.
	serving := false
	defer func() {
		if !serving {
			_ = s.hub.Shutdown(context.Background())
		}
	}()

	if err := os.MkdirAll(s.opts.Root, 0o755); err != nil {
		return kerrors.NewIOError(kerrors.ErrCodeWriteFailed, "failed to create server root", err).
			WithLocation(s.opts.Root, 0, 0)
	}

	fw, err := watcher.NewFileWatcher(s.opts.Debounce, s.logger)
	if err != nil {
		return kerrors.NewInternalError(kerrors.ErrCodeInternalError, "failed to create watcher", err)
	}
	defer fw.Stop()

	fw.AddFilter(watcher.NoHiddenFilter)
	fw.AddHandler(func(events []watcher.ChangeEvent) error {
		msg := ReloadMessage(s.opts.Root, events)
		s.logger.Debug(ctx, "Build root changed", "events", len(events), "type", msg.Type, "target", msg.Target)
		s.hub.BroadcastMessage(msg)
		return nil
	})
	if err := fw.AddRecursive(s.opts.Root); err != nil {
		return kerrors.NewIOError(kerrors.ErrCodeReadFailed, "failed to watch server root", err).
			WithLocation(s.opts.Root, 0, 0)
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if err := fw.Start(watchCtx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return kerrors.NewIOError(kerrors.ErrCodeListenFailed, fmt.Sprintf("failed to listen on %s", s.opts.Addr), err)
	}

	serving = true

	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.httpServer
	s.addr = ln.Addr().String()
	s.serverMutex.Unlock()

	s.logger.Info(ctx, "Serving", "url", "http://"+s.Addr(), "root", s.opts.Root)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		_ = s.hub.Shutdown(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.shutdown(shutdownCtx)
}

func (s *DevServer) shutdown(ctx context.Context) error {
	// Sockets are hijacked connections that http.Server.Shutdown does not
	// wait for, so the hub goes first.
	hubErr := s.hub.Shutdown(ctx)

	s.serverMutex.RLock()
	server := s.httpServer
	s.serverMutex.RUnlock()

	var httpErr error
	if server != nil {
		httpErr = server.Shutdown(ctx)
	}
	s.logger.Info(ctx, "Server stopped")
	return errors.Join(hubErr, httpErr)
}

func (s *DevServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   version.GetShortVersion(),
		"root":      s.opts.Root,
		"clients":   s.hub.GetConnectedClients(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to encode health response")
	}
}

func (s *DevServer) handleScript(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	_, _ = w.Write([]byte(reloadJS))
}

// staticHandler serves the root with http.FileServer, except for HTML
// documents which get the reload script injected.
func (s *DevServer) staticHandler() http.Handler {
	files := http.FileServer(http.Dir(s.opts.Root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := s.htmlDocument(r.URL.Path)
		if !ok || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
			files.ServeHTTP(w, r)
			return
		}

		page, err := os.ReadFile(name)
		if err != nil {
			files.ServeHTTP(w, r)
			return
		}
		info, err := os.Stat(name)
		if err != nil {
			files.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		http.ServeContent(w, r, filepath.Base(name), info.ModTime(), bytes.NewReader(InjectReloadScript(page)))
	})
}

// htmlDocument maps a request path onto the HTML file it names: either an
// .html file or the index.html of a directory addressed with a trailing
// slash.
func (s *DevServer) htmlDocument(urlPath string) (string, bool) {
	clean := path.Clean("/" + urlPath)
	name := filepath.Join(s.opts.Root, filepath.FromSlash(clean))

	info, err := os.Stat(name)
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		if !strings.HasSuffix(urlPath, "/") {
			return "", false
		}
		name = filepath.Join(name, "index.html")
		if info, err = os.Stat(name); err != nil || info.IsDir() {
			return "", false
		}
		return name, true
	}

	// FileServer redirects /index.html to ./ which then lands here again.
	if strings.HasSuffix(clean, "/index.html") {
		return "", false
	}
	ext := strings.ToLower(filepath.Ext(name))
	return name, ext == ".html" || ext == ".htm"
}
