package reload

import (
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Message types understood by the browser client.
const (
	TypeFullReload = "full_reload"
	TypeBuildError = "build_error"
	TypeConnected  = "connected"
)

// Message is the JSON envelope sent to browsers.
type Message struct {
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Client represents a connected browser.
type Client struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// ClientInfo is the read-only view of a client for status reporting.
type ClientInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (c *Client) info() ClientInfo {
	return ClientInfo{ID: c.ID, RemoteAddr: c.RemoteAddr, ConnectedAt: c.ConnectedAt}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}
