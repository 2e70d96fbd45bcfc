// Package app wires the relay core, its transports and the HTTP listener
// into one runnable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pushrelay/internal/api"
	"pushrelay/internal/auth"
	"pushrelay/internal/config"
	"pushrelay/internal/fcm"
	"pushrelay/internal/push"
	"pushrelay/internal/ratelimit"
	"pushrelay/internal/relay"
	"pushrelay/internal/storage"
	"pushrelay/internal/telemetry"
	"pushrelay/internal/webhook"
	"pushrelay/internal/webpush"
	"pushrelay/internal/websocket"
	"pushrelay/pkg/database"
	"pushrelay/pkg/interfaces"
	"pushrelay/pkg/types"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     *zap.SugaredLogger
	store      interfaces.Store
	telemetry  *telemetry.Provider
	core       *relay.Core
	limiter    *ratelimit.Limiter
	sockets    *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	addr   string
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Telemetry → Core → Transports → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Open the store used for crash recovery
	store, err := storage.Open(ctx, storageConfig(cfg), logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	app := &Application{config: cfg, logger: logger, store: store}
	if err := app.build(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return app, nil
}

func (app *Application) build(ctx context.Context) error {
	cfg, logger := app.config, app.logger

	// STEP 2: Telemetry, a no-op unless enabled
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	app.telemetry = tel

	// STEP 3: Relay core with per-scope retry timeouts
	core := relay.New(app.store, relay.Options{
		ClientSaveDelay: cfg.Storage.ClientSaveDelay,
		RecordSaveDelay: cfg.Storage.RecordSaveDelay,
		RetryTimeouts: map[types.Scope]time.Duration{
			types.ScopeSocket:  cfg.WebSocket.RetryTimeout,
			types.ScopeWebhook: cfg.Webhook.RetryTimeout,
			types.ScopeWebPush: cfg.WebPush.RetryTimeout,
			types.ScopeFCM:     cfg.FCM.RetryTimeout,
		},
		Observer: tel,
		Tracer:   tel.Tracer(),
	}, logger.Named("relay"))
	tel.Subscribe(core.Bus())
	app.core = core

	// STEP 4: Transports
	hooks, err := webhook.New(webhook.Options{
		Token:   cfg.Token,
		Proxy:   cfg.Webhook.Proxy,
		Clients: webhookClients(cfg.Webhook.Clients),
	}, logger.Named("webhook"))
	if err != nil {
		return fmt.Errorf("failed to initialize webhooks: %w", err)
	}
	core.OnStart(hooks.Register)

	var extras types.AuthReply
	if cfg.WebPush.Enabled {
		keys, err := webpush.LoadKeys(ctx, app.store)
		if err != nil {
			return fmt.Errorf("failed to load vapid keys: %w", err)
		}
		server, err := webpush.New(webpush.Options{
			Keys:       keys,
			Subscriber: cfg.WebPush.Subscriber,
			TTL:        cfg.WebPush.TTL,
			Proxy:      cfg.WebPush.Proxy,
		}, logger.Named("webpush"))
		if err != nil {
			return fmt.Errorf("failed to initialize webpush: %w", err)
		}
		push.Attach(core, server, logger.Named("webpush"))
		extras.WebPushPublicKey = server.PublicKey()
	}
	if cfg.FCM.Enabled() {
		server, err := fcm.New(fcm.Options{
			ServerKey: cfg.FCM.ServerKey,
			Endpoint:  cfg.FCM.Endpoint,
			Proxy:     cfg.FCM.Proxy,
		}, logger.Named("fcm"))
		if err != nil {
			return fmt.Errorf("failed to initialize fcm: %w", err)
		}
		push.Attach(core, server, logger.Named("fcm"))
		extras.FCMProjectID = cfg.FCM.ProjectID
		extras.FCMApplicationID = cfg.FCM.ApplicationID
		extras.FCMAPIKey = cfg.FCM.APIKey
	}

	// STEP 5: Tokens handed out by AUTH are signed with the shared token,
	// or with a per-process secret when none is configured
	secret := cfg.Token
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("no token configured, auth tokens are only valid until restart")
	}
	authority, err := auth.New(secret)
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	// STEP 6: Socket handler and HTTP API on one listener
	app.limiter = ratelimit.PerMinute(cfg.HTTP.RateLimit)
	app.sockets = websocket.NewHandler(core, authority, websocket.Options{
		Token:       cfg.Token,
		VerifyToken: cfg.WebSocket.VerifyToken,
		AuthTimeout: cfg.WebSocket.AuthTimeout,
		WaitTimeout: cfg.WebSocket.WaitTimeout,
		Conn: websocket.ConnOptions{
			BufferSize:   cfg.WebSocket.BufferSize,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			PingInterval: cfg.WebSocket.PingInterval,
			ReadTimeout:  cfg.WebSocket.ReadTimeout,
		},
		WebPushEnabled: cfg.WebPush.Enabled,
		FCMEnabled:     cfg.FCM.Enabled(),
		AuthExtras:     extras,
		Limiter:        app.limiter,
	}, logger.Named("websocket"))

	app.apiServer = api.NewServer(core, authority, app.sockets, api.Options{
		Token:       cfg.Token,
		VerifyToken: cfg.HTTP.VerifyToken,
		CORS:        cfg.HTTP.CORS,
		WaitTimeout: cfg.HTTP.WaitTimeout,
		FCMEnabled:  cfg.FCM.Enabled(),
		AuthExtras:  extras,
		Limiter:     app.limiter,
	}, logger.Named("api"))

	app.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port)),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return nil
}

// Start begins application execution
// The core restores persisted state before the listener accepts connections.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Infow("starting pushrelay", "addr", app.httpServer.Addr)

	// STEP 1: Restore clients and records, start the hub
	if err := app.core.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay core: %w", err)
	}

	// STEP 2: Bind before returning so startup errors surface here
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.core.Stop(ctx)
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.addr = ln.Addr().String()

	// STEP 3: Serve and run background maintenance until Stop
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		app.limiter.Run(gctx)
		return nil
	})
	app.group, app.cancel = g, cancel

	app.logger.Infow("pushrelay started", "addr", app.addr)
	return nil
}

// Wait blocks until the listener fails or Stop was called.
func (app *Application) Wait() error {
	if app.group == nil {
		return nil
	}
	return app.group.Wait()
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Sockets → Core → Telemetry → Store
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down pushrelay")
	var errs []error

	// STEP 1: Stop accepting requests and close hijacked sockets
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	app.sockets.Close()
	if app.cancel != nil {
		app.cancel()
	}
	if err := app.Wait(); err != nil {
		errs = append(errs, err)
	}

	// STEP 2: Flush relay state
	if err := app.core.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	// STEP 3: Release exporters and the store
	if err := app.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	if err := app.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	app.logger.Info("pushrelay shutdown complete")
	return errors.Join(errs...)
}

// GetAddr returns the bound listener address once started, the configured
// one before.
func (app *Application) GetAddr() string {
	if app.addr != "" {
		return app.addr
	}
	return app.httpServer.Addr
}

// Core exposes the relay core.
func (app *Application) Core() *relay.Core {
	return app.core
}

func storageConfig(cfg *config.Config) storage.Config {
	sqlite := database.DefaultConfig()
	sqlite.DatabasePath = cfg.Storage.Path
	return storage.Config{
		Driver: cfg.Storage.Driver,
		SQLite: sqlite,
		Redis: storage.RedisConfig{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		},
	}
}

func webhookClients(in []config.WebhookClient) []webhook.Client {
	out := make([]webhook.Client, 0, len(in))
	for _, c := range in {
		out = append(out, webhook.Client{Name: c.Name, Group: c.Group, URL: c.URL, Method: c.Method})
	}
	return out
}
