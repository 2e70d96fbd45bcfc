// Package websocket serves interactive push sockets. A socket authenticates
// with AUTH, is registered as a delivery endpoint, and then sends and
// acknowledges messages over the same connection.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pushrelay/internal/auth"
	"pushrelay/internal/delivery"
	"pushrelay/internal/ebus"
	"pushrelay/internal/ratelimit"
	"pushrelay/internal/registry"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// WebSocket upgrader with production-ready settings
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Push clients connect from extensions and
		// native apps without a meaningful Origin
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Relay is the part of the relay core the socket server drives.
type Relay interface {
	Register(ctx context.Context, name, group string, ep interfaces.Endpoint, scope types.Scope) (*delivery.Client, error)
	Unregister(ctx context.Context, t registry.Target, scopes ...types.Scope) (int, error)
	Send(ctx context.Context, msg *types.Message, wait time.Duration) (types.MessageReply, error)
	Acknowledge(ctx context.Context, name, mid string) error
	Publish(ctx context.Context, fn func(bus *ebus.Bus)) error
}

// Options configure a Handler.
type Options struct {
	Token       string
	VerifyToken bool
	AuthTimeout time.Duration
	// WaitTimeout bounds how long MESSAGE waits before replying.
	WaitTimeout time.Duration

	Conn ConnOptions

	WebPushEnabled bool
	FCMEnabled     bool
	// AuthExtras carries push configuration copied into successful AUTH
	// replies.
	AuthExtras types.AuthReply

	Limiter *ratelimit.Limiter
}

// Handler manages push sockets
// ARCHITECTURAL DISCOVERY: Clean separation of socket handling from relay logic;
// every state change goes through the Relay interface
type Handler struct {
	relay     Relay
	authority *auth.Authority
	opts      Options
	logger    *zap.SugaredLogger

	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewHandler creates a socket handler.
func NewHandler(relay Relay, authority *auth.Authority, opts Options, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 3 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 3 * time.Second
	}
	return &Handler{
		relay:     relay,
		authority: authority,
		opts:      opts,
		logger:    logger,
		conns:     make(map[*Connection]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugw("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := NewConnection(ws, h.opts.Conn, h.logger)
	h.track(conn, true)
	go h.serve(conn)
}

// serve runs the read loop of one socket. Closing the socket leaves its
// client registered so messages keep queueing until it reconnects.
func (h *Handler) serve(conn *Connection) {
	defer func() {
		h.track(conn, false)
		_ = conn.Close()
	}()

	// FUNCTIONAL DISCOVERY: Unauthenticated sockets are dropped after the auth timeout
	authTimer := time.AfterFunc(h.opts.AuthTimeout, func() {
		if !conn.IsAuthenticated() {
			h.logger.Debug("closing socket that never authenticated")
			_ = conn.Close()
		}
	})
	defer authTimer.Stop()

	conn.readLoop(func(data []byte) {
		h.handle(conn, data)
	})
}

func (h *Handler) handle(conn *Connection, data []byte) {
	ctx := context.Background()

	req, err := types.DecodeRequest(data)
	if err != nil {
		h.reply(conn, types.NewInfoPacket(err.Error()))
		return
	}

	if req.Cmd == types.CmdAuth {
		h.handleAuth(ctx, conn, req)
		return
	}
	if !conn.IsAuthenticated() {
		h.reply(conn, types.NewAuthPacket(types.AuthReply{Code: http.StatusUnauthorized, Msg: "Need Auth"}))
		return
	}

	if err := h.dispatch(ctx, conn, req); err != nil {
		h.logger.Debugw("socket command failed", "cmd", req.Cmd, "error", err)
		h.reply(conn, types.NewInfoPacket(err.Error()))
	}
}

func (h *Handler) handleAuth(ctx context.Context, conn *Connection, req *types.Request) {
	var data types.AuthRequest
	if err := req.DecodeData(&data); err != nil {
		h.reply(conn, types.NewInfoPacket(err.Error()))
		return
	}
	if h.opts.VerifyToken && data.Token != h.opts.Token {
		h.reply(conn, types.NewAuthPacket(types.AuthReply{Code: http.StatusForbidden, Msg: "Token invalid"}))
		return
	}

	if _, err := h.relay.Register(ctx, data.Name, data.Group, &endpoint{conn: conn}, types.ScopeSocket); err != nil {
		h.reply(conn, types.NewAuthPacket(types.AuthReply{Code: http.StatusForbidden, Msg: err.Error()}))
		return
	}
	conn.SetIdentity(data.Name, data.Group)

	token, err := h.authority.Issue(auth.Identity{Name: data.Name, Group: data.Group})
	if err != nil {
		h.logger.Warnw("issuing auth token failed", "name", data.Name, "error", err)
	}
	reply := h.opts.AuthExtras
	reply.Code = http.StatusOK
	reply.Auth = token
	reply.Msg = "Successful authentication"
	h.reply(conn, types.NewAuthPacket(reply))
	h.logger.Infow("socket authenticated", "name", data.Name, "group", data.Group)
}

// dispatch runs an authenticated command.
func (h *Handler) dispatch(ctx context.Context, conn *Connection, req *types.Request) error {
	name, group := conn.Identity()

	switch req.Cmd {
	case types.CmdMessage:
		var data types.MessageRequest
		if err := req.DecodeData(&data); err != nil {
			return err
		}
		msg, err := data.ToMessage(types.From{Method: types.MethodWebSocket, Name: name})
		if err != nil {
			return err
		}
		if !h.opts.Limiter.Allow(name) {
			return ratelimit.ErrLimitExceeded
		}
		// The reply is awaited off the read loop so callbacks keep flowing.
		go h.sendAndReply(conn, msg)
		return nil

	case types.CmdMessageCallback:
		var data types.CallbackRequest
		if err := req.DecodeData(&data); err != nil {
			return err
		}
		return h.relay.Acknowledge(ctx, name, data.MID)

	case types.CmdRegisterWebPush:
		if !h.opts.WebPushEnabled {
			return errors.New("webpush is not enabled on this server")
		}
		if len(req.Data) == 0 {
			return fmt.Errorf("%w: %s requires data", types.ErrInvalidPacket, req.Cmd)
		}
		sub := req.Data
		return h.relay.Publish(ctx, func(bus *ebus.Bus) {
			bus.EmitRegisterWebPush(ebus.RegisterWebPush{Name: name, Group: group, Subscription: sub})
		})

	case types.CmdRegisterFCM:
		if !h.opts.FCMEnabled {
			return errors.New("fcm is not enabled on this server")
		}
		var data types.RegisterFCMRequest
		if err := req.DecodeData(&data); err != nil {
			return err
		}
		return h.relay.Publish(ctx, func(bus *ebus.Bus) {
			bus.EmitRegisterFCM(ebus.RegisterFCM{Name: name, Group: group, Token: data.Token})
		})

	case types.CmdWebPushCallback, types.CmdFCMCallback:
		var data types.CallbackRequest
		if err := req.DecodeData(&data); err != nil {
			return err
		}
		cb := ebus.Callback{MID: data.MID, Name: name}
		webpush := req.Cmd == types.CmdWebPushCallback
		return h.relay.Publish(ctx, func(bus *ebus.Bus) {
			if webpush {
				bus.EmitWebPushCallback(cb)
			} else {
				bus.EmitFCMCallback(cb)
			}
		})

	case types.CmdPing:
		h.reply(conn, types.NewPongPacket())
		return nil

	case types.CmdUnregister:
		// Only the caller's own name; any payload is ignored
		_, err := h.relay.Unregister(ctx, registry.Target{Name: name})
		return err

	default:
		return fmt.Errorf("%w: %s", types.ErrUnknownCommand, req.Cmd)
	}
}

func (h *Handler) sendAndReply(conn *Connection, msg *types.Message) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	reply, err := h.relay.Send(ctx, msg, h.opts.WaitTimeout)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warnw("socket message failed", "mid", msg.MID, "error", err)
		h.reply(conn, types.NewInfoPacket(err.Error()))
		return
	}
	h.reply(conn, types.NewReplyPacket(reply.MID, reply.Status))
}

func (h *Handler) reply(conn *Connection, p types.Packet) {
	if err := conn.WriteJSON(p); err != nil {
		h.logger.Debugw("socket reply dropped", "cmd", p.Cmd, "error", err)
	}
}

func (h *Handler) track(conn *Connection, add bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		h.conns[conn] = struct{}{}
	} else {
		delete(h.conns, conn)
	}
}

// Count returns the number of open sockets.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close closes every open socket.
func (h *Handler) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
