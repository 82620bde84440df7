package mockserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
)

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func newStreamClient(conn *websocket.Conn, buffer int) *streamClient {
	c := &streamClient{
		conn: conn,
		send: make(chan []byte, buffer),
	}
	go c.writePump()
	return c
}

func (c *streamClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// enqueue reports false when the client cannot keep up.
func (c *streamClient) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.send) })
}
