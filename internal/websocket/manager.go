// Package websocket keeps the live-reload connections of the development
// server and broadcasts reload messages to them.
package websocket

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/kiln/internal/logging"
)

// WebSocketManager handles connection management and broadcasting.
//
// A single hub goroutine owns registration, unregistration and fan-out;
// handlers only talk to it through channels. The clients map is guarded by
// clientsMutex so that counts can be read from other goroutines.
type WebSocketManager struct {
	clients      map[*websocket.Conn]*Client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *websocket.Conn

	originValidator OriginValidator
	logger          logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	done         chan struct{}
}

// OriginValidator interface for WebSocket origin validation
type OriginValidator interface {
	IsAllowedOrigin(origin string) bool
}

// LocalOriginValidator accepts pages served from a loopback host or from
// one of the listed hosts.
type LocalOriginValidator struct {
	Hosts []string
}

// IsAllowedOrigin implements OriginValidator.
func (v LocalOriginValidator) IsAllowedOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	for _, h := range v.Hosts {
		if h == host {
			return true
		}
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// NewWebSocketManager creates a manager and starts its hub.
func NewWebSocketManager(originValidator OriginValidator, logger logging.Logger) *WebSocketManager {
	if originValidator == nil {
		originValidator = LocalOriginValidator{}
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	manager := &WebSocketManager{
		clients:         make(map[*websocket.Conn]*Client),
		broadcast:       make(chan []byte, 256),
		register:        make(chan *Client, 32),
		unregister:      make(chan *websocket.Conn, 32),
		originValidator: originValidator,
		logger:          logger.WithComponent("websocket"),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}

	go manager.runHub()

	return manager
}

// HandleWebSocket upgrades the request and registers the client.
func (wm *WebSocketManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if wm.IsShutdown() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	origin := r.Header.Get("Origin")
	if origin != "" && !wm.originValidator.IsAllowedOrigin(origin) {
		wm.logger.Warn(r.Context(), nil, "WebSocket connection rejected: invalid origin", "origin", origin)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin is checked above.
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		wm.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	client := &Client{
		conn:         conn,
		send:         make(chan []byte, 64),
		lastActivity: time.Now(),
		remoteAddr:   r.RemoteAddr,
	}

	select {
	case wm.register <- client:
	case <-wm.ctx.Done():
		_ = conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	}

	wm.handleClient(client)
}

// runHub manages client connections and broadcasting
func (wm *WebSocketManager) runHub() {
	defer close(wm.done)
	for {
		select {
		case client := <-wm.register:
			wm.registerClient(client)

		case conn := <-wm.unregister:
			wm.unregisterClient(conn)

		case message := <-wm.broadcast:
			wm.broadcastToClients(message)

		case <-wm.ctx.Done():
			wm.closeAll()
			return
		}
	}
}

func (wm *WebSocketManager) registerClient(client *Client) {
	wm.clientsMutex.Lock()
	wm.clients[client.conn] = client
	total := len(wm.clients)
	wm.clientsMutex.Unlock()

	wm.logger.Debug(wm.ctx, "WebSocket client connected", "remote", client.remoteAddr, "clients", total)
}

func (wm *WebSocketManager) unregisterClient(conn *websocket.Conn) {
	wm.clientsMutex.Lock()
	client, exists := wm.clients[conn]
	if exists {
		delete(wm.clients, conn)
		close(client.send)
	}
	total := len(wm.clients)
	wm.clientsMutex.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wm.logger.Debug(wm.ctx, "WebSocket client disconnected", "clients", total)
	}
}

func (wm *WebSocketManager) closeAll() {
	wm.clientsMutex.Lock()
	defer wm.clientsMutex.Unlock()
	for conn, client := range wm.clients {
		close(client.send)
		_ = conn.Close(websocket.StatusGoingAway, "Server shutdown")
	}
	wm.clients = make(map[*websocket.Conn]*Client)
}

// broadcastToClients sends a message to all connected clients. Clients whose
// buffer is full are dropped; the browser reconnects on its own.
func (wm *WebSocketManager) broadcastToClients(message []byte) {
	wm.clientsMutex.RLock()
	var slow []*websocket.Conn
	for conn, client := range wm.clients {
		select {
		case client.send <- message:
		default:
			slow = append(slow, conn)
		}
	}
	wm.clientsMutex.RUnlock()

	for _, conn := range slow {
		wm.unregisterClient(conn)
	}
}

// handleClient runs the write pump in the background and the read pump on
// the calling goroutine until the connection ends.
func (wm *WebSocketManager) handleClient(client *Client) {
	go wm.writeToClient(client)
	wm.readFromClient(client)

	select {
	case wm.unregister <- client.conn:
	case <-wm.ctx.Done():
	}
}

// readFromClient drains client messages so control frames are processed.
func (wm *WebSocketManager) readFromClient(client *Client) {
	for {
		_, _, err := client.conn.Read(wm.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure &&
				websocket.CloseStatus(err) != websocket.StatusGoingAway && wm.ctx.Err() == nil {
				wm.logger.Debug(wm.ctx, "WebSocket read ended", "error", err.Error())
			}
			return
		}
		client.lastActivity = time.Now()
	}
}

// writeToClient handles writing messages to a WebSocket client
func (wm *WebSocketManager) writeToClient(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(wm.ctx, 10*time.Second)
			err := client.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				wm.logger.Debug(wm.ctx, "WebSocket write failed", "error", err.Error())
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(wm.ctx, 10*time.Second)
			err := client.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}

		case <-wm.ctx.Done():
			return
		}
	}
}

// BroadcastMessage sends a message to all connected WebSocket clients
func (wm *WebSocketManager) BroadcastMessage(message UpdateMessage) {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	data, err := json.Marshal(message)
	if err != nil {
		wm.logger.Error(wm.ctx, err, "Failed to marshal broadcast message")
		return
	}

	select {
	case wm.broadcast <- data:
	case <-wm.ctx.Done():
	default:
		wm.logger.Warn(wm.ctx, nil, "Broadcast channel full, dropping message", "type", message.Type)
	}
}

// GetConnectedClients returns the number of connected clients
func (wm *WebSocketManager) GetConnectedClients() int {
	wm.clientsMutex.RLock()
	defer wm.clientsMutex.RUnlock()
	return len(wm.clients)
}

// Shutdown closes every connection and stops the hub.
func (wm *WebSocketManager) Shutdown(ctx context.Context) error {
	wm.shutdownOnce.Do(wm.cancel)

	select {
	case <-wm.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown returns whether the WebSocket manager has been shut down
func (wm *WebSocketManager) IsShutdown() bool {
	return wm.ctx.Err() != nil
}
