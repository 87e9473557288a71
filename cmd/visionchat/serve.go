package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"visionchat/config"
	"visionchat/internal/app"
	"visionchat/internal/backends"
	"visionchat/internal/backends/ollama"
	"visionchat/internal/backends/openai"
	"visionchat/internal/logging"
	"visionchat/internal/version"
)

const shutdownTimeout = 30 * time.Second

type serveOptions struct {
	port      string
	logLevel  string
	logFormat string
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "listen port (overrides config and PORT)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "auto, pretty or json (overrides config)")
	return cmd
}

func newFactory() *backends.Factory {
	factory := backends.NewFactory()
	factory.Add(ollama.Registration)
	factory.Add(openai.Registration)
	return factory
}

func runServe(ctx context.Context, opts serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := result.Config
	if opts.port != "" {
		cfg.Server.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}

	if _, err := logging.Setup(os.Stderr, logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	slog.Info("starting visionchat",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
		"config_file", result.Path,
	)

	application, err := app.New(ctx, app.Config{
		AppConfig: result,
		Factory:   newFactory(),
	})
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownDone := make(chan error, 1)
	go func() {
		<-sigCtx.Done()
		slog.Info("received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownDone <- application.Shutdown(shutdownCtx)
	}()

	if err := application.Start(":" + cfg.Server.Port); err != nil {
		stop()
		<-shutdownDone
		return err
	}

	// Start returns once the server is closed; wait for the rest of the teardown.
	return <-shutdownDone
}
