// Package webpush delivers messages to browsers through the Web Push
// protocol with VAPID authentication.
package webpush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"pushrelay/internal/registry"
	"pushrelay/internal/storage"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// Store location of the VAPID key pair.
const (
	StoreScope = "WebPushServer"
	StoreKey   = "VAPIDKeys"
)

var (
	// ErrInvalidSubscription is returned for subscriptions without an endpoint or keys.
	ErrInvalidSubscription = errors.New("invalid push subscription")
	// ErrUnexpectedStatus is returned for non-2xx push service responses.
	ErrUnexpectedStatus = errors.New("unexpected push service status")
)

// VAPIDKeys is the server key pair announced to browsers.
type VAPIDKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// GenerateKeys creates a fresh VAPID key pair.
func GenerateKeys() (VAPIDKeys, error) {
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("generate vapid keys: %w", err)
	}
	return VAPIDKeys{PublicKey: public, PrivateKey: private}, nil
}

// LoadKeys returns the persisted key pair, creating and storing one on
// first use. A nil store yields a key pair that lives for this process.
func LoadKeys(ctx context.Context, store interfaces.Store) (VAPIDKeys, error) {
	fresh, err := GenerateKeys()
	if err != nil {
		return VAPIDKeys{}, err
	}
	if store == nil {
		return fresh, nil
	}
	var keys VAPIDKeys
	if err := storage.GetOrInit(ctx, store, StoreScope, StoreKey, &keys, fresh, true); err != nil {
		return VAPIDKeys{}, err
	}
	return keys, nil
}

// Options configure the server.
type Options struct {
	Keys       VAPIDKeys
	Subscriber string
	// TTL is how long, in seconds, the push service keeps an undelivered message.
	TTL     int
	Proxy   string
	Timeout time.Duration
}

// Server sends notifications for every registered subscription.
type Server struct {
	opts   Options
	http   *http.Client
	logger *zap.SugaredLogger
}

// New creates a server. The key pair must be complete.
func New(opts Options, logger *zap.SugaredLogger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Keys.PublicKey == "" || opts.Keys.PrivateKey == "" {
		return nil, errors.New("vapid key pair is incomplete")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxy, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse webpush proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &Server{
		opts:   opts,
		http:   &http.Client{Transport: transport, Timeout: opts.Timeout},
		logger: logger,
	}, nil
}

// PublicKey is handed to clients in the AUTH reply.
func (s *Server) PublicKey() string { return s.opts.Keys.PublicKey }

func (s *Server) Kind() types.TransportKind { return types.KindWebPush }

// Decode builds an endpoint from a browser subscription.
func (s *Server) Decode(entry registry.Entry) (interfaces.Endpoint, error) {
	var sub webpush.Subscription
	if err := json.Unmarshal(entry.Data, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, ErrInvalidSubscription
	}
	return &endpoint{sub: sub, raw: entry.Data, name: entry.Name, server: s}, nil
}

type endpoint struct {
	sub    webpush.Subscription
	raw    json.RawMessage
	name   string
	server *Server
}

func (e *endpoint) Kind() types.TransportKind { return types.KindWebPush }

func (e *endpoint) Snapshot() json.RawMessage { return e.raw }

// Send pushes the MESSAGE packet. Acceptance by the push service is
// reported as webpush-send; the ok status arrives with the browser callback.
func (e *endpoint) Send(msg *types.Message, r interfaces.Reporter) {
	go func() {
		if err := e.server.deliver(context.Background(), &e.sub, msg); err != nil {
			e.server.logger.Warnw("webpush delivery failed", "name", e.name, "mid", msg.MID, "error", err)
			return
		}
		r.Status(msg.MID, types.KindWebPush.SendStatus())
		r.Confirm(msg.MID)
	}()
}

func (e *endpoint) Close() error { return nil }

func (s *Server) deliver(ctx context.Context, sub *webpush.Subscription, msg *types.Message) error {
	payload, err := json.Marshal(types.NewMessagePacket(msg))
	if err != nil {
		return fmt.Errorf("encode webpush payload: %w", err)
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      s.http,
		Subscriber:      s.opts.Subscriber,
		TTL:             s.opts.TTL,
		Urgency:         webpush.UrgencyHigh,
		VAPIDPublicKey:  s.opts.Keys.PublicKey,
		VAPIDPrivateKey: s.opts.Keys.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("webpush request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return nil
}
