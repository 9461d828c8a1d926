package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/germanamz/relay/pkg/engine"
	"github.com/spf13/cobra"
)

func buildCheckCmd(flags *rootFlags) *cobra.Command {
	var connect bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		Long: `Validate the configuration file and print a summary.

With --connect the engine is built as "serve" would build it: MCP servers
are started, the tool registry is checked and the store is opened.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd.Context(), cmd.OutOrStdout(), flags.configPath, connect)
		},
	}

	cmd.Flags().BoolVar(&connect, "connect", false, "connect MCP servers and open the store")

	return cmd
}

func runCheck(ctx context.Context, out io.Writer, configPath string, connect bool) error {
	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Fprintf(out, "provider:  %s (%s)\n", cfg.Provider.Kind, cfg.Provider.Model)
	fmt.Fprintf(out, "store:     %s\n", cfg.Store.Kind)
	fmt.Fprintf(out, "builtin:   %s\n", strings.Join(cfg.Tools.Builtin, ", "))
	fmt.Fprintf(out, "confirm:   %s\n", strings.Join(cfg.Tools.ConfirmationRequired, ", "))
	for _, srv := range cfg.MCPServers {
		fmt.Fprintf(out, "mcp:       %s\n", srv.Name)
	}

	if !connect {
		fmt.Fprintln(out, "ok")
		return nil
	}

	eng, err := engine.New(ctx, cfg, engine.Options{Logger: slog.New(slog.DiscardHandler)})
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close(context.WithoutCancel(ctx)) }()

	for _, t := range eng.Tools().Tools() {
		gated := ""
		if eng.Tools().IsGated(t.Name) {
			gated = " (confirm)"
		}
		fmt.Fprintf(out, "tool:      %s%s\n", t.Name, gated)
	}

	fmt.Fprintln(out, "ok")
	return nil
}
