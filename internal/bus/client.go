package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trailtalk/chatsync"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 64 * 1024
)

// Client is the middleman between one websocket connection and the hub.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   int64
	username string
	logger   *slog.Logger
}

// readPump pumps frames from the websocket to the hub. One per connection;
// it owns all reads.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "user", c.userID, "error", err)
			}
			return
		}

		var f chatsync.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError("", "malformed frame")
			continue
		}

		switch f.Type {
		case chatsync.FrameSubscribe:
			c.hub.subscribe <- subRequest{client: c, topic: f.Destination, on: true}
		case chatsync.FrameUnsubscribe:
			c.hub.subscribe <- subRequest{client: c, topic: f.Destination, on: false}
		case chatsync.FrameSend:
			c.hub.inbound <- inboundFrame{client: c, frame: f}
		default:
			c.logger.Debug("ignoring frame", "type", f.Type, "user", c.userID)
		}
	}
}

// writePump pumps frames from the hub to the websocket. One per connection;
// it owns all writes, heartbeat pings included.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// sendError queues an error frame without blocking the hub.
func (c *Client) sendError(destination, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	data, err := json.Marshal(chatsync.Frame{
		Type:        chatsync.FrameError,
		Destination: destination,
		Payload:     payload,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
