package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/germanamz/relay/pkg/engine"
	"github.com/germanamz/relay/pkg/observability"
	"github.com/germanamz/relay/pkg/server"
	"github.com/spf13/cobra"
)

func buildServeCmd(flags *rootFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server with the configured provider, tools and store.

Turns are served on POST /api/conversations/{id}/turns as server-sent events.
The server shuts down gracefully on SIGINT or SIGTERM.`,
		Example: `  relay serve
  relay serve --config /etc/relay/relay.yaml --listen :9090`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags.configPath, listen)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides the config)")

	return cmd
}

func runServe(ctx context.Context, configPath, listen string) error {
	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}

	logger, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.Version = version
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	eng, err := engine.New(ctx, cfg, engine.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := eng.Close(cctx); err != nil {
			logger.Warn("engine close failed", "error", err)
		}
	}()

	eng.Start()

	srv := server.New(eng, server.Options{
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	return srv.ListenAndServe(ctx, cfg.Listen)
}
