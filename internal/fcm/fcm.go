// Package fcm delivers messages to mobile devices through the Firebase
// Cloud Messaging HTTP API.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"pushrelay/internal/registry"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

var (
	// ErrInvalidToken is returned for an empty or malformed device token.
	ErrInvalidToken = errors.New("invalid fcm token")
	// ErrUnexpectedStatus is returned for non-2xx FCM responses.
	ErrUnexpectedStatus = errors.New("unexpected fcm status")
)

// Options configure the server.
type Options struct {
	// ServerKey authorizes the relay against the FCM endpoint.
	ServerKey string
	Endpoint  string
	Proxy     string
	Timeout   time.Duration
}

// Server sends messages to registered device tokens.
type Server struct {
	opts   Options
	http   *http.Client
	logger *zap.SugaredLogger
}

// New creates a server.
func New(opts Options, logger *zap.SugaredLogger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.ServerKey == "" || opts.Endpoint == "" {
		return nil, errors.New("fcm server key and endpoint are required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxy, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse fcm proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &Server{
		opts:   opts,
		http:   &http.Client{Transport: transport, Timeout: opts.Timeout},
		logger: logger,
	}, nil
}

func (s *Server) Kind() types.TransportKind { return types.KindFCM }

// Decode builds an endpoint from a device token. Entry data is the token
// as a JSON string.
func (s *Server) Decode(entry registry.Entry) (interfaces.Endpoint, error) {
	var token string
	if err := json.Unmarshal(entry.Data, &token); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if token == "" {
		return nil, ErrInvalidToken
	}
	return &endpoint{token: token, name: entry.Name, server: s}, nil
}

type endpoint struct {
	token  string
	name   string
	server *Server
}

func (e *endpoint) Kind() types.TransportKind { return types.KindFCM }

func (e *endpoint) Snapshot() json.RawMessage {
	raw, _ := json.Marshal(e.token)
	return raw
}

// Send posts the MESSAGE packet. Acceptance by FCM is reported as
// fcm-send; the ok status arrives with the device callback.
func (e *endpoint) Send(msg *types.Message, r interfaces.Reporter) {
	go func() {
		if err := e.server.deliver(context.Background(), e.token, msg); err != nil {
			e.server.logger.Warnw("fcm delivery failed", "name", e.name, "mid", msg.MID, "error", err)
			return
		}
		r.Status(msg.MID, types.KindFCM.SendStatus())
		r.Confirm(msg.MID)
	}()
}

func (e *endpoint) Close() error { return nil }

// request is the legacy FCM send body.
type request struct {
	Data     types.Packet `json:"data"`
	To       string       `json:"to"`
	Priority string       `json:"priority"`
}

func (s *Server) deliver(ctx context.Context, token string, msg *types.Message) error {
	body, err := json.Marshal(request{Data: types.NewMessagePacket(msg), To: token, Priority: "high"})
	if err != nil {
		return fmt.Errorf("encode fcm body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.opts.ServerKey)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("fcm request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}
