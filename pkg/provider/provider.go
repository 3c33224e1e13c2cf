package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"agentflow/pkg/config"
	provideropenai "agentflow/pkg/provider/openai"
	"agentflow/pkg/provider/opencode"
	providertypes "agentflow/pkg/provider/types"
)

// ErrNotConfigured is returned by New when no analyzer provider is selected.
var ErrNotConfigured = errors.New("no analyzer provider configured")

type Client interface {
	Name() string
	Health(ctx context.Context) error
	Complete(ctx context.Context, req providertypes.Request) (providertypes.PromptResult, error)
}

// New builds the client selected by agents.analyzer.provider, wrapped in a
// circuit breaker.
func New(cfg *config.Config) (Client, error) {
	providerID := strings.TrimSpace(cfg.Agents.Analyzer.Provider)
	if providerID == "" {
		return nil, ErrNotConfigured
	}

	log := slog.Default().With("component", "provider.factory")
	log.Debug("Resolving provider client", "provider", providerID)

	var (
		client Client
		err    error
	)
	switch providerID {
	case "opencode":
		client, err = opencode.New(cfg)
	case "openai":
		client, err = provideropenai.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
	if err != nil {
		return nil, err
	}

	return NewBreaker(client, BreakerConfig{}, log), nil
}
