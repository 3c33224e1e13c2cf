package cmd

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"agentflow/pkg/app"
	"agentflow/pkg/registry"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the registered agents and their effective config",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		appLogger, err := setupLogger(cfg)
		if err != nil {
			return err
		}

		runtime, err := app.New(cmd.Context(), cfg, appLogger)
		if err != nil {
			return err
		}
		defer func() { _ = runtime.Close(context.Background()) }()

		routes := runtime.Coordinator.Routes()
		entries := make(map[string]string, len(routes))
		for kind, topic := range routes {
			entries[string(topic)] = kind
		}

		printAgents(cmd.OutOrStdout(), runtime.Coordinator.ListAgents(), entries)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentsCmd)
}

// printAgents renders one row per topic. entries maps entry topics to the
// workflow kind routed to them.
func printAgents(out io.Writer, agents []registry.AgentInfo, entries map[string]string) {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("130"))).
		Headers("TOPIC", "SCOPE", "ENTRY FOR", "RETRIES", "TIMEOUT", "FEATURES", "SETTINGS").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, info := range agents {
		timeout := "-"
		if info.Config.Timeout > 0 {
			timeout = info.Config.Timeout.String()
		}
		t.Row(
			string(info.Topic),
			info.Scope,
			orDash(entries[string(info.Topic)]),
			strconv.Itoa(info.Config.MaxRetries),
			timeout,
			orDash(formatFeatures(info.Config.Features)),
			orDash(formatSettings(info.Config.Settings)),
		)
	}

	fmt.Fprintln(out, t.Render())
}

func formatFeatures(features map[string]bool) string {
	parts := make([]string, 0, len(features))
	for _, name := range slices.Sorted(maps.Keys(features)) {
		state := "off"
		if features[name] {
			state = "on"
		}
		parts = append(parts, name+":"+state)
	}
	return strings.Join(parts, " ")
}

func formatSettings(settings map[string]string) string {
	parts := make([]string, 0, len(settings))
	for _, name := range slices.Sorted(maps.Keys(settings)) {
		parts = append(parts, name+"="+settings[name])
	}
	return strings.Join(parts, " ")
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
