// Package webhook delivers messages to statically configured HTTP
// endpoints.
package webhook

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

// ErrUnexpectedStatus is returned for non-2xx webhook responses.
var ErrUnexpectedStatus = errors.New("unexpected webhook status")

// Client is one configured webhook recipient.
type Client struct {
	Name   string
	Group  string
	URL    string
	Method string
}

// Options configure the webhook server.
type Options struct {
	// Token is sent with every request so receivers can authenticate the relay.
	Token   string
	Proxy   string
	Timeout time.Duration
	Clients []Client
}

// Server registers the configured webhooks and builds their endpoints.
type Server struct {
	opts   Options
	http   *http.Client
	logger *zap.SugaredLogger
}

// New validates the proxy and creates a server.
func New(opts Options, logger *zap.SugaredLogger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxy, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse webhook proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &Server{
		opts:   opts,
		http:   &http.Client{Transport: transport, Timeout: opts.Timeout},
		logger: logger,
	}, nil
}

// Register adds every configured webhook to reg. It runs as a start hook
// on the hub goroutine.
func (s *Server) Register(reg *registry.Registry) {
	for _, c := range s.opts.Clients {
		if _, err := reg.Register(c.Name, c.Group, s.Endpoint(c), types.ScopeWebhook); err != nil {
			s.logger.Warnw("webhook registration failed", "name", c.Name, "error", err)
			continue
		}
		s.logger.Infow("webhook registered", "name", c.Name, "group", c.Group, "method", c.Method)
	}
}

// Endpoint returns the delivery endpoint of c.
func (s *Server) Endpoint(c Client) interfaces.Endpoint {
	return &endpoint{client: c, server: s}
}

type endpoint struct {
	client Client
	server *Server
}

func (e *endpoint) Kind() types.TransportKind { return types.KindWebhook }

// Send performs the request in its own goroutine. A 2xx response reports
// ok and confirms; anything else is left to the retry timer.
func (e *endpoint) Send(msg *types.Message, r interfaces.Reporter) {
	go func() {
		if err := e.server.deliver(context.Background(), e.client, msg); err != nil {
			e.server.logger.Warnw("webhook delivery failed", "name", e.client.Name, "mid", msg.MID, "error", err)
			return
		}
		r.Status(msg.MID, types.StatusOK)
		r.Confirm(msg.MID)
	}()
}

func (e *endpoint) Close() error { return nil }

func (s *Server) deliver(ctx context.Context, c Client, msg *types.Message) error {
	req, err := s.newRequest(ctx, c, msg)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}

// postBody is the POST payload: the MESSAGE packet plus the relay token.
type postBody struct {
	Token string         `json:"token"`
	Cmd   types.Command  `json:"cmd"`
	Data  *types.Message `json:"data"`
}

func (s *Server) newRequest(ctx context.Context, c Client, msg *types.Message) (*http.Request, error) {
	if c.Method == http.MethodPost {
		body, err := json.Marshal(postBody{Token: s.opts.Token, Cmd: types.CmdMessage, Data: msg})
		if err != nil {
			return nil, fmt.Errorf("encode webhook body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse webhook url: %w", err)
	}
	q := u.Query()
	for k, v := range msg.Body.Extra {
		q.Set(k, fmt.Sprint(v))
	}
	q.Set("token", s.opts.Token)
	q.Set("text", msg.Body.Text)
	q.Set("desp", msg.Body.Desp)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	return req, nil
}
