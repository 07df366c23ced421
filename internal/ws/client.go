package ws

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"telehealth_core/internal/config"
	"telehealth_core/internal/domain"
	"telehealth_core/internal/logging"
	"telehealth_core/internal/rooms"
)

// MessageHandler processes one inbound frame. Frames of a connection are
// handled one at a time, in arrival order.
type MessageHandler interface {
	HandleMessage(ctx context.Context, c *Client, raw []byte)
}

// Client is one live connection. Identity is set by Hub.Register; rooms and
// send are owned by the hub.
type Client struct {
	ID       string
	Identity domain.Identity

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[rooms.ID]struct{}
	config config.WebSocketConfig
}

func NewClient(hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	buf := cfg.SendBuffer
	if buf <= 0 {
		buf = 256
	}
	return &Client{
		ID:     uuid.New().String(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, buf),
		rooms:  make(map[rooms.ID]struct{}),
		config: cfg,
	}
}

// ReadPump reads frames until the connection fails, then unregisters the client.
func (c *Client) ReadPump(ctx context.Context, handler MessageHandler) {
	defer func() {
		c.hub.Unregister(ctx, c.ID)
		c.conn.Close()
	}()

	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := logging.Ctx(ctx)
				l.Warn().Err(err).Str(logging.FieldConnectionID, c.ID).Msg("websocket read error")
			}
			return
		}
		handler.HandleMessage(ctx, c, message)
	}
}

// WritePump drains the send channel to the socket and keeps the peer alive
// with pings. It sends a close frame once the hub closes the channel.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
