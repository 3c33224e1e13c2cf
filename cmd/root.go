package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"agentflow/pkg/config"
	"agentflow/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "Multi-agent workflow runtime",
	Long: "agentflow routes requests through a pipeline of agents on an in-process message bus " +
		"and streams their progress. Use serve to run the HTTP API and chat channels, or run " +
		"to execute a single workflow from the terminal.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, or falls back to defaults when allowed
// and no file exists.
func loadConfig(allowDefault bool) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err == nil {
		return cfg, nil
	}
	if allowDefault && errors.Is(err, config.ErrNotFound) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

func setupLogger(cfg *config.Config) (*slog.Logger, error) {
	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)
	return appLogger, nil
}
