package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"agentflow/pkg/app"
	"agentflow/pkg/channel"
	"agentflow/pkg/channel/telegram"
	"agentflow/pkg/config"
	"agentflow/pkg/gateway"
)

const telegramChannelName = "telegram"

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"gateway"},
	Short:   "Run the HTTP API and chat channels",
	Long:    "Runs the workflow runtime behind the HTTP API with health, readiness and metrics endpoints, plus every enabled chat channel.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}

		appLogger, err := setupLogger(cfg)
		if err != nil {
			return err
		}
		log := appLogger.With("component", "cmd.serve")

		adapters, err := enabledAdapters(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runtime, err := app.New(runCtx, cfg, appLogger)
		if err != nil {
			log.Error("Failed to initialize runtime", "error", err)
			return err
		}
		defer func() {
			if err := runtime.Close(context.Background()); err != nil {
				log.Warn("Runtime shutdown incomplete", "error", err)
			}
		}()
		runtime.Start(runCtx)

		svc, err := gateway.NewService(runtime, adapters, appLogger)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}

		log.Info("Gateway started",
			"address", cfg.Gateway.Addr(),
			"channels", enabledChannelNames(adapters),
			"provider", cfg.Agents.Analyzer.Provider,
			"model", cfg.Agents.Analyzer.Model,
		)
		if err := svc.Run(runCtx); err != nil {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}
		log.Info("Gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// enabledAdapters builds the configured chat channels. None is fine: the
// HTTP API still serves.
func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	if len(adapters) == 0 {
		return "none"
	}

	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
