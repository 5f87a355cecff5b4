package websocket

import (
	"encoding/json"
	"time"

	"synctext/internal/models"
	"synctext/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// EventHandler receives a connection's lifecycle and inbound events. Events
// of one connection are delivered sequentially in arrival order.
type EventHandler interface {
	Connect(c *Client)
	HandleEvent(c *Client, env models.Envelope)
	Disconnect(c *Client)
}

type Client struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	handler   EventHandler
	tokenUser string
}

// NewClient wraps an upgraded connection. tokenUser is the username proven by
// the handshake token, or empty when the handshake carried none.
func NewClient(hub *Hub, conn *websocket.Conn, handler EventHandler, tokenUser string, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Client{
		id:        uuid.NewString(),
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		handler:   handler,
		tokenUser: tokenUser,
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) TokenUser() string { return c.tokenUser }

func (c *Client) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// enqueue must be called with the hub lock held so it never races Detach.
func (c *Client) enqueue(data []byte, droppable bool) bool {
	select {
	case c.send <- data:
		return true
	default:
		if droppable {
			logger.Debug("Dropping event for busy connection %s", c.id)
			return true
		}
		return false
	}
}

// Serve attaches the client and runs its pumps until the connection ends.
func (c *Client) Serve() {
	c.hub.Attach(c)
	c.handler.Connect(c)
	go c.WritePump()
	c.ReadPump()
}

func (c *Client) ReadPump() {
	defer func() {
		c.handler.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error on %s: %v", c.id, err)
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
			logger.Debug("Dropping malformed frame from %s: %v", c.id, err)
			continue
		}

		c.handler.HandleEvent(c, env)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error on %s: %v", c.id, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
