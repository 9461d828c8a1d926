// Package main is the relay command: an HTTP assistant whose tool calls can
// wait for human approval.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

// defaultConfigPath is used when --config is not given.
const defaultConfigPath = "relay.yaml"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// rootFlags are shared by every command.
type rootFlags struct {
	configPath string
	envFile    string
}

func buildRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:     "relay",
		Short:   "Relay - a streaming assistant with human-approved tool calls",
		Version: version,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadDotEnv(flags.envFile)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&flags.envFile, "env", ".env", "path to a .env file (ignored if missing)")

	root.AddCommand(
		buildServeCmd(flags),
		buildCheckCmd(flags),
		buildMCPCmd(flags),
	)

	return root
}

// loadDotEnv loads environment variables from path. Missing files are ignored.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
