package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live bus connection. Implementations own their heartbeat; a
// read error is how connection loss surfaces.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport dials bus connections. The default is gorilla/websocket; tests
// substitute a fake.
type Transport interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type wsTransport struct {
	dialTimeout time.Duration
}

func newWSTransport(cfg Config) *wsTransport {
	return &wsTransport{dialTimeout: cfg.DialTimeout}
}

func (t *wsTransport) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.dialTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, ErrAuthFailed)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSConn(conn), nil
}

// wsConn wraps a gorilla connection with the ping/pong keep-alive. Reads and
// the ping ticker detect staleness; writes are serialized through a mutex.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c := &wsConn{conn: conn, done: make(chan struct{})}
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// The read loop will observe the dead connection.
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
