package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pushrelay/internal/app"
	"pushrelay/internal/config"
	"pushrelay/internal/logging"
)

// shutdownTimeout bounds the graceful shutdown.
const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		Example: `  pushrelay serve
  pushrelay serve --config /etc/pushrelay.json --debug`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv(config.EnvPrefix + "CONFIG_FILE")
			}
			cfg, err := config.LoadConfigWithPrecedence(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Log.Debug = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "JSON config file (default $PUSHRELAY_CONFIG_FILE)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

// serve runs the application until ctx is done or the listener fails.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(logging.Config{
		Debug:      cfg.Log.Debug,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer func() { _ = logger.Close() }()

	application, err := app.NewApplication(ctx, cfg, logger.SugaredLogger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	appErr := make(chan error, 1)
	go func() { appErr <- application.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-appErr:
		logger.Errorw("application stopped unexpectedly", "error", runErr)
	}

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return runErr
}
