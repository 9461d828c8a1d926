package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/germanamz/relay/pkg/engine"
	"github.com/germanamz/relay/pkg/schedule"
	"github.com/germanamz/relay/pkg/tools/builtin"
	"github.com/germanamz/relay/pkg/tools/mcpserver"
	"github.com/germanamz/relay/pkg/tools/toolbox"
	"github.com/spf13/cobra"
)

func buildMCPCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the builtin tools over MCP on stdin/stdout",
		Long: `Serve the enabled builtin tools to another agent over MCP (stdio).

Tools that require confirmation are not exposed. A missing configuration file
enables every builtin tool with the default confirmation list.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMCP(cmd.Context(), flags.configPath)
		},
	}
}

func runMCP(ctx context.Context, configPath string) error {
	cfg, err := engine.LoadConfig(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = engine.ParseConfig(nil)
	}
	if err != nil {
		return err
	}

	// stdout carries the protocol.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := schedule.New(nil, logger)
	sched.Start()
	defer func() { _ = sched.Stop(context.WithoutCancel(ctx)) }()

	tb := mcpTools(cfg, sched)

	srv := mcpserver.New("relay", version)
	names := srv.Register(tb)
	logger.Info("serving tools over mcp", "tools", names)

	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}

func mcpTools(cfg engine.Config, sched *schedule.Scheduler) *toolbox.ToolBox {
	tb := builtin.Tools(builtin.Options{Scheduler: sched}).Filter(cfg.Tools.Builtin)
	tb.RequireConfirmation(cfg.Tools.ConfirmationRequired...)
	return tb
}
