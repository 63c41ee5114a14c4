package http

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/meetsignal/internal/config"
	"github.com/immxrtalbeast/meetsignal/internal/domain"
)

// wsConnection is one signaling websocket. All writes go through send and
// the single writePump goroutine, which keeps per-connection order.
type wsConnection struct {
	id   string
	conn *websocket.Conn
	cfg  config.SignalingConfig

	send chan domain.Envelope
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func newWSConnection(conn *websocket.Conn, cfg config.SignalingConfig) *wsConnection {
	return &wsConnection{
		id:   uuid.NewString(),
		conn: conn,
		cfg:  cfg,
		send: make(chan domain.Envelope, cfg.SendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *wsConnection) ID() string {
	return c.id
}

// Send enqueues env without blocking. It reports false when the connection
// is closed or its queue is full.
func (c *wsConnection) Send(env domain.Envelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *wsConnection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (c *wsConnection) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush what was queued before the close.
			for {
				select {
				case env := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
					if err := c.conn.WriteJSON(env); err != nil {
						return
					}
				default:
					_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
					_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}
