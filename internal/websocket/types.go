package websocket

import (
	"time"

	"github.com/coder/websocket"
)

// Message types understood by the reload client.
const (
	MessageFullReload = "full_reload"
	MessageCSSUpdate  = "css_update"
	MessageBuildError = "build_error"
)

// Client represents a WebSocket client connection
type Client struct {
	conn         *websocket.Conn
	send         chan []byte
	lastActivity time.Time
	remoteAddr   string
}

// UpdateMessage represents a message sent to the browser
type UpdateMessage struct {
	Type      string    `json:"type"`
	Target    string    `json:"target,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
