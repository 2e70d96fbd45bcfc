// Package api serves the HTTP ingress of the relay: GET shortcuts for
// sending, POST request packets, the health endpoint, and the hand-off of
// websocket upgrades to the socket handler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pushrelay/internal/auth"
	"pushrelay/internal/ebus"
	"pushrelay/internal/ratelimit"
	"pushrelay/pkg/types"
)

// maxBodyBytes caps POST bodies.
const maxBodyBytes = 1 << 20

var (
	// ErrUnauthorized is returned when the Authorization header does not carry the token.
	ErrUnauthorized = errors.New("authorization verify error")
	// ErrUnsupportedContentType is returned for POST bodies that are neither JSON nor a form.
	ErrUnsupportedContentType = errors.New("unsupported content type")
	// ErrInvalidPath is returned for GET paths other than /{target}.send and /{target}.group.
	ErrInvalidPath = errors.New("pathname verify error")
)

var sendPath = regexp.MustCompile(`^/(.+)\.(send|group)$`)

// Relay is the part of the relay core the HTTP API drives.
type Relay interface {
	Send(ctx context.Context, msg *types.Message, wait time.Duration) (types.MessageReply, error)
	Acknowledge(ctx context.Context, name, mid string) error
	Publish(ctx context.Context, fn func(bus *ebus.Bus)) error
	HasClient(ctx context.Context, name string, scopes ...types.Scope) (bool, error)
	Stats(ctx context.Context) (map[string]int, error)
	HealthCheck(ctx context.Context) error
}

// Options configure the server.
type Options struct {
	Token       string
	VerifyToken bool
	CORS        bool
	// WaitTimeout bounds how long message ingress waits for delivery.
	WaitTimeout time.Duration
	FCMEnabled  bool
	// AuthExtras carries push configuration copied into successful AUTH replies.
	AuthExtras types.AuthReply
	Limiter    *ratelimit.Limiter
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and the relay core
// Clean separation - no delivery logic, only HTTP handling and packet serialization
type Server struct {
	relay     Relay
	authority *auth.Authority
	sockets   http.Handler
	opts      Options
	router    *http.ServeMux
	logger    *zap.SugaredLogger
}

// FUNCTIONAL DISCOVERY: Constructor initializes all dependencies and sets up routing
// sockets receives websocket upgrade requests; nil disables them.
func NewServer(relay Relay, authority *auth.Authority, sockets http.Handler, opts Options, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 3 * time.Second
	}
	s := &Server{
		relay:     relay,
		authority: authority,
		sockets:   sockets,
		opts:      opts,
		router:    http.NewServeMux(),
		logger:    logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.jsonMiddleware(http.HandlerFunc(s.healthCheck)))
	s.router.Handle("/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleIngress))))
}

// ServeHTTP routes websocket upgrades to the socket handler and everything
// else to the API.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.sockets != nil && websocket.IsWebSocketUpgrade(r) {
		s.sockets.ServeHTTP(w, r)
		return
	}
	s.router.ServeHTTP(w, r)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Storage   string         `json:"storage"`
	Clients   map[string]int `json:"clients"`
}

func (s *Server) handleIngress(w http.ResponseWriter, r *http.Request) {
	if err := s.verifyToken(r); err != nil {
		s.sendError(w, err, http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodPost:
		s.handlePost(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// FUNCTIONAL DISCOVERY: GET /{target}.send and /{target}.group - send with query parameters
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	match := sendPath.FindStringSubmatch(r.URL.Path)
	if match == nil {
		s.sendError(w, fmt.Errorf("%w: %s", ErrInvalidPath, r.URL.Path), http.StatusBadRequest)
		return
	}
	sendType := types.SendTypePersonal
	if match[2] == "group" {
		sendType = types.SendTypeGroup
	}

	query := r.URL.Query()
	body := types.Body{Text: query.Get("text"), Desp: query.Get("desp")}
	for key, values := range query {
		if key == "text" || key == "desp" || len(values) == 0 {
			continue
		}
		if body.Extra == nil {
			body.Extra = make(map[string]any)
		}
		body.Extra[key] = values[0]
	}

	msg, err := types.NewMessage(sendType, match[1], types.From{Method: types.MethodHTTP}, body)
	if err != nil {
		s.sendError(w, err, http.StatusBadRequest)
		return
	}
	s.sendMessage(w, r, msg)
}

// FUNCTIONAL DISCOVERY: POST / - request packet as JSON or form body
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	req, err := decodePost(r)
	if err != nil {
		s.sendError(w, err, http.StatusBadRequest)
		return
	}

	var identity *auth.Identity
	if req.Auth != "" {
		id, err := s.authority.Verify(req.Auth)
		if err != nil {
			s.sendError(w, err, http.StatusUnauthorized)
			return
		}
		identity = &id
	}

	switch req.Cmd {
	case types.CmdAuth:
		s.runAuth(w, req)
	case types.CmdMessage:
		s.runMessage(w, r, req, identity)
	case types.CmdMessageCallback, types.CmdWebPushCallback, types.CmdFCMCallback:
		s.runCallback(w, r, req, identity)
	case types.CmdRegisterFCM:
		s.runRegisterFCM(w, r, req, identity)
	case types.CmdTestHTTP:
		w.WriteHeader(http.StatusOK)
	default:
		s.sendError(w, fmt.Errorf("%w: %s", types.ErrUnknownCommand, req.Cmd), http.StatusInternalServerError)
	}
}

func (s *Server) runAuth(w http.ResponseWriter, req *types.Request) {
	var data types.AuthRequest
	if err := req.DecodeData(&data); err != nil {
		s.sendError(w, err, http.StatusBadRequest)
		return
	}
	if data.Token != s.opts.Token {
		s.writeJSON(w, http.StatusOK, types.NewAuthPacket(types.AuthReply{Code: http.StatusForbidden, Msg: "Token invalid"}))
		return
	}
	token, err := s.authority.Issue(auth.Identity{Name: data.Name, Group: data.Group})
	if err != nil {
		s.writeJSON(w, http.StatusOK, types.NewAuthPacket(types.AuthReply{Code: http.StatusForbidden, Msg: err.Error()}))
		return
	}
	reply := s.opts.AuthExtras
	reply.Code = http.StatusOK
	reply.Auth = token
	reply.Msg = "Successful authentication"
	s.writeJSON(w, http.StatusOK, types.NewAuthPacket(reply))
}

func (s *Server) runMessage(w http.ResponseWriter, r *http.Request, req *types.Request, id *auth.Identity) {
	var data types.MessageRequest
	if err := req.DecodeData(&data); err != nil {
		s.sendError(w, err, http.StatusBadRequest)
		return
	}
	from := types.From{Method: types.MethodHTTP}
	if id != nil {
		from.Name = id.Name
	}
	msg, err := data.ToMessage(from)
	if err != nil {
		s.sendError(w, err, http.StatusBadRequest)
		return
	}
	s.sendMessage(w, r, msg)
}

// sendMessage starts msg and answers with MESSAGE_REPLY once every
// recipient is terminal or the wait timeout passed.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request, msg *types.Message) {
	sender := msg.From.Name
	if sender == "" {
		sender = clientIP(r)
	}
	if !s.opts.Limiter.Allow(sender) {
		s.sendError(w, ratelimit.ErrLimitExceeded, http.StatusTooManyRequests)
		return
	}

	reply, err := s.relay.Send(r.Context(), msg, s.opts.WaitTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warnw("http message failed", "mid", msg.MID, "error", err)
		s.sendError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, types.NewReplyPacket(reply.MID, reply.Status))
}

func (s *Server) runCallback(w http.ResponseWriter, r *http.Request, req *types.Request, id *auth.Identity) {
	if id == nil {
		s.writeJSON(w, http.StatusOK, types.NewInfoPacket(fmt.Sprintf("The %s cmd must need auth.", req.Cmd)))
		return
	}
	var data types.CallbackRequest
	if err := req.DecodeData(&data); err != nil {
		s.sendError(w, err, http.StatusBadRequest)
		return
	}
	if data.MID == "" {
		s.sendError(w, types.ErrMissingMID, http.StatusBadRequest)
		return
	}

	var err error
	cb := ebus.Callback{MID: data.MID, Name: id.Name}
	switch req.Cmd {
	case types.CmdWebPushCallback:
		err = s.relay.Publish(r.Context(), func(bus *ebus.Bus) { bus.EmitWebPushCallback(cb) })
	case types.CmdFCMCallback:
		err = s.relay.Publish(r.Context(), func(bus *ebus.Bus) { bus.EmitFCMCallback(cb) })
	default:
		err = s.relay.Acknowledge(r.Context(), cb.Name, cb.MID)
	}
	if err != nil {
		s.sendError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, types.NewInfoPacket("ok"))
}

func (s *Server) runRegisterFCM(w http.ResponseWriter, r *http.Request, req *types.Request, id *auth.Identity) {
	if id == nil {
		s.writeJSON(w, http.StatusOK, types.NewInfoPacket("The REGISTER_FCM cmd must need auth."))
		return
	}
	if !s.opts.FCMEnabled {
		s.writeJSON(w, http.StatusOK, types.NewInfoPacket("fcm is not enabled on this server"))
		return
	}
	var data types.RegisterFCMRequest
	if err := req.DecodeData(&data); err != nil {
		s.sendError(w, err, http.StatusBadRequest)
		return
	}

	found, err := s.relay.HasClient(r.Context(), id.Name)
	if err != nil {
		s.sendError(w, err, http.StatusInternalServerError)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusOK, types.NewInfoPacket(fmt.Sprintf("The Client %s is not register", id.Name)))
		return
	}
	reg := ebus.RegisterFCM{Name: id.Name, Group: id.Group, Token: data.Token}
	if err := s.relay.Publish(r.Context(), func(bus *ebus.Bus) { bus.EmitRegisterFCM(reg) }); err != nil {
		s.sendError(w, err, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, types.NewInfoPacket("ok"))
}

// FUNCTIONAL DISCOVERY: GET /health - store health with registry statistics
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{Status: "healthy", Timestamp: time.Now(), Storage: "healthy"}
	code := http.StatusOK
	if err := s.relay.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Storage = fmt.Sprintf("error: %v", err)
		code = http.StatusServiceUnavailable
	}
	if stats, err := s.relay.Stats(ctx); err == nil {
		response.Clients = stats
	}
	s.writeJSON(w, code, response)
}

// verifyToken accepts the token either bare or as a bearer credential.
func (s *Server) verifyToken(r *http.Request) error {
	if !s.opts.VerifyToken {
		return nil
	}
	header := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if header != s.opts.Token {
		return ErrUnauthorized
	}
	return nil
}

// decodePost reads a request packet from a JSON or form body. Form bodies
// carry cmd, auth and data fields; data holds JSON text.
func decodePost(r *http.Request) (*types.Request, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "www-form-urlencoded"):
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidPacket, err)
		}
		req := &types.Request{Cmd: types.Command(form.Get("cmd")), Auth: form.Get("auth")}
		if req.Cmd == "" {
			return nil, fmt.Errorf("%w: missing cmd", types.ErrInvalidPacket)
		}
		if data := form.Get("data"); data != "" {
			if !json.Valid([]byte(data)) {
				return nil, fmt.Errorf("%w: data is not JSON", types.ErrInvalidPacket)
			}
			req.Data = json.RawMessage(data)
		}
		return req, nil
	case strings.Contains(contentType, "json"):
		return types.DecodeRequest(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FUNCTIONAL DISCOVERY: Errors leave the API as INFO packets
func (s *Server) sendError(w http.ResponseWriter, err error, code int) {
	s.logger.Debugw("http request failed", "code", code, "error", err)
	s.writeJSON(w, code, types.NewInfoPacket(err.Error()))
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debugw("writing response failed", "error", err)
	}
}

// ARCHITECTURAL DISCOVERY: CORS middleware echoes the caller's origin when enabled
// Preflight requests are refused outright when CORS is off
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.CORS {
			w.Header().Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
		}
		if r.Method == http.MethodOptions {
			if !s.opts.CORS {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Headers", r.Header.Get("Access-Control-Request-Headers"))
			w.Header().Set("Access-Control-Allow-Methods", r.Header.Get("Access-Control-Request-Method"))
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}
