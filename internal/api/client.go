package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/makeagreatcoup/inputleapcode/internal/session"
)

// RetryInterval is the pause between reconnection attempts of a Client.
const RetryInterval = 5 * time.Second

// Client follows the notification stream of a running service over its
// WebSocket endpoint and can send commands back. It reconnects until its
// context is done.
type Client struct {
	addr  string
	token string
	send  chan Command

	// OnNotification is called for every notification received
	OnNotification func(session.Notification)

	mu          sync.Mutex
	isConnected bool
}

// NewClient creates a client for the API at addr (host:port).
func NewClient(addr, token string) *Client {
	return &Client{
		addr:  addr,
		token: token,
		send:  make(chan Command, 16),
	}
}

// Run connects and processes messages until ctx is done.
func (c *Client) Run(ctx context.Context) {
	for {
		c.connect(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(RetryInterval):
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"addr":     c.addr,
			}).Debug("Reconnecting to API")
		}
	}
}

func (c *Client) url() string {
	u := url.URL{Scheme: "ws", Host: c.addr, Path: "/ws"}
	if c.token != "" {
		u.RawQuery = url.Values{"token": {c.token}}.Encode()
	}
	return u.String()
}

func (c *Client) connect(ctx context.Context) {
	log := logrus.WithFields(logrus.Fields{
		"function": "connect",
		"addr":     c.addr,
	})

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url(), header)
	if err != nil {
		log.WithError(err).Warn("API connection failed")
		return
	}
	defer conn.Close()

	c.setConnected(true)
	defer c.setConnected(false)
	log.Info("Connected to API")

	readDone := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump(ctx, conn, readDone)
	}()

	c.readPump(conn)
	close(readDone)
	<-writeDone
}

func (c *Client) readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"error":    err.Error(),
				}).Debug("API read error")
			}
			return
		}
		// Any traffic proves the server is alive
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var n session.Notification
		if err := json.Unmarshal(data, &n); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"error":    err.Error(),
			}).Debug("Invalid notification")
			continue
		}
		if c.OnNotification != nil {
			c.OnNotification(n)
		}
	}
}

// writePump stops when ctx is done, the read side ends or a write fails.
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, readDone <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(cmd); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writePump",
					"error":    err.Error(),
				}).Debug("API write error")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-readDone:
			return

		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
			return
		}
	}
}

// Send queues a command for the server. It reports false when the queue is
// full.
func (c *Client) Send(cmd Command) bool {
	select {
	case c.send <- cmd:
		return true
	default:
		return false
	}
}

// ReturnToLocal asks the service to hand control back to its own screen.
func (c *Client) ReturnToLocal() bool {
	return c.Send(Command{Type: "return"})
}

// CancelTransfer asks the service to abort a transfer.
func (c *Client) CancelTransfer(id string) bool {
	return c.Send(Command{Type: "cancel", TransferID: id})
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = v
}

// IsConnected reports whether the client currently holds a connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected
}
