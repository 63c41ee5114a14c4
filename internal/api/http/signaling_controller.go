package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/meetsignal/internal/config"
	"github.com/immxrtalbeast/meetsignal/internal/domain"
	"github.com/immxrtalbeast/meetsignal/internal/service"
	"github.com/immxrtalbeast/meetsignal/lib/logger/sl"
	"golang.org/x/time/rate"
)

type SignalingController struct {
	registry  service.RegistryInteractor
	directory service.DirectoryInteractor
	relay     service.RelayInteractor
	cfg       config.SignalingConfig
	log       *slog.Logger
	upgrader  websocket.Upgrader
}

func NewSignalingController(
	registry service.RegistryInteractor,
	directory service.DirectoryInteractor,
	relay service.RelayInteractor,
	cfg config.SignalingConfig,
	allowedOrigins []string,
	log *slog.Logger,
) *SignalingController {
	return &SignalingController{
		registry:  registry,
		directory: directory,
		relay:     relay,
		cfg:       cfg,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// Serve upgrades the request and runs the signaling session until the
// client goes away.
func (c *SignalingController) Serve(ctx *gin.Context) {
	const op = "http.signaling.serve"

	ws, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		c.log.Info("websocket upgrade failed", slog.String("op", op), sl.Err(err))
		return
	}

	conn := newWSConnection(ws, c.cfg)
	log := c.log.With(slog.String("op", op), slog.String("connection_id", conn.ID()))
	log.Info("client connected", slog.String("remote_addr", ctx.Request.RemoteAddr))

	c.registry.Attach(conn)
	go conn.writePump()

	c.readPump(ctx.Request.Context(), conn, log)

	conn.close()
	c.registry.OnConnectionClosed(context.WithoutCancel(ctx.Request.Context()), conn.ID())
	log.Info("client disconnected")
}

func (c *SignalingController) readPump(ctx context.Context, conn *wsConnection, log *slog.Logger) {
	ws := conn.conn
	ws.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(c.cfg.RateLimit), c.cfg.RateBurst)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("read failed", sl.Err(err))
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.reply(conn, domain.MessageError, "", domain.ErrorEvent{Message: "malformed message"})
			continue
		}
		if !limiter.Allow() {
			c.reply(conn, domain.MessageError, env.ID, domain.ErrorEvent{Message: "rate limit exceeded"})
			continue
		}

		c.dispatch(ctx, conn, env, log)
	}
}

func (c *SignalingController) dispatch(ctx context.Context, conn *wsConnection, env domain.Envelope, log *slog.Logger) {
	switch env.Type {
	case domain.MessageLogin:
		c.handleLogin(ctx, conn, env)
	case domain.MessageJoinRoom:
		c.handleJoin(ctx, conn, env)
	case domain.MessageLeaveRoom:
		c.handleLeave(ctx, conn, env)
	case domain.MessageSignal:
		c.handleSignal(ctx, conn, env, log)
	default:
		c.reply(conn, domain.MessageError, env.ID, domain.ErrorEvent{Message: "unsupported message type: " + string(env.Type)})
	}
}

func (c *SignalingController) handleLogin(ctx context.Context, conn *wsConnection, env domain.Envelope) {
	req, err := domain.DecodeRequest[domain.LoginRequest](env)
	if err != nil {
		c.reply(conn, env.Type, env.ID, domain.LoginResponse{Message: errorMessage(err)})
		return
	}

	user, err := c.registry.Login(ctx, conn.ID(), req.DisplayName, req.Password)
	if err != nil {
		c.reply(conn, env.Type, env.ID, domain.LoginResponse{Message: errorMessage(err)})
		return
	}

	info := user.Info()
	c.reply(conn, env.Type, env.ID, domain.LoginResponse{Success: true, User: &info})
}

func (c *SignalingController) handleJoin(ctx context.Context, conn *wsConnection, env domain.Envelope) {
	req, err := domain.DecodeRequest[domain.JoinRoomRequest](env)
	if err == nil {
		err = c.checkOwner(ctx, conn, req.UserID)
	}
	if err != nil {
		c.reply(conn, env.Type, env.ID, domain.JoinRoomResponse{Message: errorMessage(err)})
		return
	}

	room, err := c.directory.Join(ctx, req.RoomID, req.UserID)
	if err != nil {
		c.reply(conn, env.Type, env.ID, domain.JoinRoomResponse{Message: errorMessage(err)})
		return
	}
	c.reply(conn, env.Type, env.ID, domain.JoinRoomResponse{Success: true, Room: &room})
}

func (c *SignalingController) handleLeave(ctx context.Context, conn *wsConnection, env domain.Envelope) {
	req, err := domain.DecodeRequest[domain.LeaveRoomRequest](env)
	if err == nil {
		err = c.checkOwner(ctx, conn, req.UserID)
	}
	if err == nil {
		err = c.directory.Leave(ctx, req.RoomID, req.UserID)
	}
	if err != nil {
		c.reply(conn, env.Type, env.ID, domain.LeaveRoomResponse{Message: errorMessage(err)})
		return
	}
	c.reply(conn, env.Type, env.ID, domain.LeaveRoomResponse{Success: true})
}

func (c *SignalingController) handleSignal(ctx context.Context, conn *wsConnection, env domain.Envelope, log *slog.Logger) {
	req, err := domain.DecodeRequest[domain.SignalRequest](env)
	if err != nil {
		c.reply(conn, domain.MessageError, env.ID, domain.ErrorEvent{Message: errorMessage(err)})
		return
	}

	user, err := c.registry.UserForConnection(ctx, conn.ID())
	if err != nil {
		c.reply(conn, domain.MessageError, env.ID, domain.ErrorEvent{Message: errorMessage(err)})
		return
	}

	err = c.relay.Relay(ctx, req.Type, req.Payload, user.ID, req.To)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDelivery):
		log.Debug("signal not delivered", slog.String("type", req.Type), slog.String("to", req.To))
		if !c.cfg.DeliveryReceipts {
			return
		}
		receipt := domain.SignalFailedEvent{
			To:      req.To,
			Type:    req.Type,
			Message: errorMessage(err),
		}
		if err := c.relay.Deliver(ctx, user.ID, domain.MessageSignalFailed, receipt); err != nil {
			log.Warn("delivery receipt dropped", slog.String("to", req.To), sl.Err(err))
		}
	default:
		c.reply(conn, domain.MessageError, env.ID, domain.ErrorEvent{Message: errorMessage(err)})
	}
}

// checkOwner rejects requests that act on behalf of another user.
func (c *SignalingController) checkOwner(ctx context.Context, conn *wsConnection, userID string) error {
	user, err := c.registry.UserForConnection(ctx, conn.ID())
	if err != nil {
		return err
	}
	if user.ID != userID {
		return domain.ErrUserNotBound
	}
	return nil
}

func (c *SignalingController) reply(conn *wsConnection, t domain.MessageType, id string, payload any) {
	env, err := domain.NewEnvelope(t, id, payload)
	if err != nil {
		c.log.Error("failed to encode reply", slog.String("type", string(t)), sl.Err(err))
		return
	}
	if !conn.Send(env) {
		c.log.Warn("reply dropped", slog.String("connection_id", conn.ID()), slog.String("type", string(t)))
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrDelivery):
		return err.Error()
	case errors.Is(err, domain.ErrUnauthenticated):
		return "invalid credentials"
	default:
		return "internal error"
	}
}
