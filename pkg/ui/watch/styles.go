package watch

import (
	"github.com/charmbracelet/lipgloss"

	"agentflow/pkg/bus"
)

// theme groups reusable styles for the watch view.
type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	source     lipgloss.Style
	progress   lipgloss.Style
	info       lipgloss.Style
	success    lipgloss.Style
	warning    lipgloss.Style
	failure    lipgloss.Style
	metrics    lipgloss.Style
	completion lipgloss.Style
	status     lipgloss.Style
	statusBusy lipgloss.Style
	statusDone lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
	viewport   lipgloss.Style
}

// defaultTheme keeps the retro terminal palette of the agentflow CLI.
func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("88")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("223")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("130")),
		source: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
		progress: lipgloss.NewStyle().
			Foreground(lipgloss.Color("180")),
		info: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		success: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")),
		warning: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")),
		failure: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("203")),
		metrics: lipgloss.NewStyle().
			Foreground(lipgloss.Color("109")),
		completion: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("44")),
		status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Bold(true),
		statusBusy: lipgloss.NewStyle().
			Foreground(lipgloss.Color("222")).
			Bold(true),
		statusDone: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("130")).
			Background(lipgloss.Color("233")).
			Padding(0, 1),
	}
}

func (t theme) forKind(kind bus.Kind) lipgloss.Style {
	switch kind {
	case bus.KindProgress:
		return t.progress
	case bus.KindSuccess:
		return t.success
	case bus.KindWarning:
		return t.warning
	case bus.KindError:
		return t.failure
	case bus.KindMetrics:
		return t.metrics
	case bus.KindCompletion:
		return t.completion
	default:
		return t.info
	}
}
