package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/meetsignal/internal/config"
	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/immxrtalbeast/meetsignal/lib/logger/sl"
)

var (
	ErrClosed        = errors.New("signaling connection closed")
	ErrRequestFailed = errors.New("request rejected by server")
)

// Client is a signaling connection from the participant side. Requests are
// matched to responses by envelope id; everything else the server pushes is
// delivered on Events in arrival order.
type Client struct {
	conn *websocket.Conn
	cfg  config.SignalingConfig
	log  *slog.Logger

	outgoing chan domain.Envelope
	events   chan domain.Envelope
	done     chan struct{}

	closeOnce sync.Once
	seq       atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan domain.Envelope
	err     error
}

// Dial connects to the websocket endpoint at serverURL.
func Dial(ctx context.Context, serverURL string, cfg config.SignalingConfig, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	applyDefaults(&cfg)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}

	c := &Client{
		conn:     conn,
		cfg:      cfg,
		log:      log.With(slog.String("server", serverURL)),
		outgoing: make(chan domain.Envelope, cfg.SendQueueSize),
		events:   make(chan domain.Envelope, cfg.SendQueueSize),
		done:     make(chan struct{}),
		pending:  make(map[string]chan domain.Envelope),
	}

	conn.SetReadLimit(cfg.MaxMessageBytes)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

func applyDefaults(cfg *config.SignalingConfig) {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
}

// Events delivers server pushes: signal, user-joined, user-left,
// signal-failed and error. It is closed when the connection ends.
func (c *Client) Events() <-chan domain.Envelope {
	return c.events
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Login(ctx context.Context, displayName string, password string) (domain.UserInfo, error) {
	var resp domain.LoginResponse
	err := c.request(ctx, domain.MessageLogin, domain.LoginRequest{
		DisplayName: displayName,
		Password:    password,
	}, &resp)
	if err != nil {
		return domain.UserInfo{}, err
	}
	if !resp.Success || resp.User == nil {
		return domain.UserInfo{}, fmt.Errorf("login: %w: %s", ErrRequestFailed, resp.Message)
	}
	return *resp.User, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID string, userID string) (domain.RoomSnapshot, error) {
	var resp domain.JoinRoomResponse
	err := c.request(ctx, domain.MessageJoinRoom, domain.JoinRoomRequest{
		RoomID: roomID,
		UserID: userID,
	}, &resp)
	if err != nil {
		return domain.RoomSnapshot{}, err
	}
	if !resp.Success || resp.Room == nil {
		return domain.RoomSnapshot{}, fmt.Errorf("join %s: %w: %s", roomID, ErrRequestFailed, resp.Message)
	}
	return *resp.Room, nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string, userID string) error {
	var resp domain.LeaveRoomResponse
	err := c.request(ctx, domain.MessageLeaveRoom, domain.LeaveRoomRequest{
		RoomID: roomID,
		UserID: userID,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("leave %s: %w: %s", roomID, ErrRequestFailed, resp.Message)
	}
	return nil
}

// Signal relays a negotiation message to user to. It does not wait for
// delivery.
func (c *Client) Signal(ctx context.Context, kind string, payload any, to string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	env, err := domain.NewEnvelope(domain.MessageSignal, "", domain.SignalRequest{
		Type:    kind,
		Payload: raw,
		To:      to,
	})
	if err != nil {
		return err
	}
	return c.send(ctx, env)
}

// Close ends the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) request(ctx context.Context, t domain.MessageType, payload any, dst any) error {
	id := strconv.FormatUint(c.seq.Add(1), 10)
	env, err := domain.NewEnvelope(t, id, payload)
	if err != nil {
		return err
	}

	reply := make(chan domain.Envelope, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, env); err != nil {
		return err
	}

	select {
	case resp := <-reply:
		if resp.Type == domain.MessageError {
			var ev domain.ErrorEvent
			_ = json.Unmarshal(resp.Payload, &ev)
			return fmt.Errorf("%s: %w: %s", t, ErrRequestFailed, ev.Message)
		}
		if err := json.Unmarshal(resp.Payload, dst); err != nil {
			return fmt.Errorf("decode %s response: %w", t, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

func (c *Client) send(ctx context.Context, env domain.Envelope) error {
	select {
	case c.outgoing <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}
}

func (c *Client) readPump() {
	defer close(c.events)

	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

	for {
		var env domain.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			c.shutdown(err)
			return
		}

		if env.ID != "" {
			c.mu.Lock()
			reply, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				reply <- env
				continue
			}
		}

		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer ticker.Stop()

	for {
		select {
		case env := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.log.Debug("write failed", sl.Err(err))
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.conn.Close()
			return
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		c.log.Debug("signaling connection closed", sl.Err(cause))
	})
}
