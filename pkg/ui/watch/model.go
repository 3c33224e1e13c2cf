package watch

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"agentflow/pkg/bus"
)

type streamMsg struct {
	msg bus.Message
}

type streamEndMsg struct {
	err error
}

type eventLine struct {
	kind   bus.Kind
	source string
	text   string
}

type model struct {
	ctx  context.Context
	next NextFunc
	info Info

	theme     theme
	spinner   spinner.Model
	bar       progress.Model
	viewport  viewport.Model
	lines     []eventLine
	percent   float64
	stage     string
	counters  map[string]int64
	width     int
	height    int
	isReady   bool
	followLog bool

	final   *bus.Message
	endErr  error
	aborted bool
}

func newModel(ctx context.Context, next NextFunc, info Info) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	return &model{
		ctx:       ctx,
		next:      next,
		info:      info,
		theme:     defaultTheme(),
		spinner:   spin,
		bar:       progress.New(progress.WithGradient("#AF5F00", "#FFAF00")),
		viewport:  viewport.New(80, 12),
		counters:  map[string]int64{},
		width:     100,
		height:    28,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitCmd(m.ctx, m.next))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			m.aborted = m.final == nil && m.endErr == nil
			return m, tea.Quit
		}
		m.handleViewportKey(typed)
		return m, nil
	case tea.MouseMsg:
		m.handleViewportMouse(typed)
		return m, nil
	case spinner.TickMsg:
		if m.done() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case streamMsg:
		m.apply(typed.msg)
		m.refreshViewport(false)
		if m.final != nil {
			return m, tea.Quit
		}
		return m, waitCmd(m.ctx, m.next)
	case streamEndMsg:
		m.endErr = typed.err
		return m, tea.Quit
	}

	return m, nil
}

// apply folds one stream message into the view state.
func (m *model) apply(msg bus.Message) {
	switch payload := msg.Payload.(type) {
	case bus.ProgressPayload:
		if pct := payload.Percent / 100; pct > m.percent {
			m.percent = min(pct, 1)
		}
		if payload.StageLabel != "" {
			m.stage = payload.StageLabel
		}
	case bus.MetricsPayload:
		maps.Copy(m.counters, payload.Counters)
	case bus.CompletionPayload:
		m.percent = 1
	}

	if msg.IsFinal() {
		final := msg
		m.final = &final
	}

	if text := Describe(msg); text != "" {
		m.lines = append(m.lines, eventLine{kind: msg.Kind, source: msg.Source, text: text})
	}
}

func (m *model) done() bool {
	return m.final != nil || m.endErr != nil
}

func (m *model) outcome() Outcome {
	out := Outcome{Aborted: m.aborted, Events: len(m.lines), Err: m.endErr}
	if m.final != nil {
		out.Final = *m.final
		out.Done = true
	}
	return out
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render("agentflow · " + displayOrNA(m.info.Kind) + " workflow")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"workflow:%s · session:%s · events:%d",
		displayOrNA(m.info.WorkflowID),
		displayOrNA(m.info.SessionID),
		len(m.lines),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	parts := []string{header, meta, line, m.bar.ViewAs(m.percent)}
	if len(m.counters) > 0 {
		parts = append(parts, m.theme.hint.Render(formatCounters(m.counters)))
	}
	parts = append(parts, m.theme.viewport.Width(m.width-2).Render(m.viewport.View()), m.statusLine())

	return lipgloss.JoinVertical(lipgloss.Left, parts...) + "\n"
}

func (m *model) statusLine() string {
	switch {
	case m.final != nil && m.final.Kind == bus.KindCompletion:
		return m.theme.statusDone.Render("✅ workflow completed")
	case m.final != nil:
		return m.theme.statusErr.Render("🚨 workflow ended: " + Describe(*m.final))
	case m.endErr != nil:
		return m.theme.statusErr.Render("🚨 stream ended: " + m.endErr.Error())
	case m.aborted:
		return m.theme.status.Render("stopped watching")
	}

	stage := m.stage
	if stage == "" {
		stage = "waiting for agents"
	}
	return m.theme.statusBusy.Render(fmt.Sprintf("%s %s", m.spinner.View(), stage)) +
		"  " + m.theme.hint.Render("PgUp/PgDn scroll · Ctrl+C/Esc/q stop")
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(6, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.bar.Width = w
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset

	rendered := make([]string, 0, len(m.lines))
	for _, item := range m.lines {
		text := m.theme.forKind(item.kind).Render(item.text)
		if item.source != "" {
			text = m.theme.source.Render("["+item.source+"]") + " " + text
		}
		rendered = append(rendered, text)
	}

	m.viewport.SetContent(strings.Join(rendered, "\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "up", "k":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "down", "j":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home", "g":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end", "G":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(m.viewport.MouseWheelDelta)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(m.viewport.MouseWheelDelta)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func waitCmd(ctx context.Context, next NextFunc) tea.Cmd {
	return func() tea.Msg {
		msg, err := next(ctx)
		if err != nil {
			return streamEndMsg{err: err}
		}
		return streamMsg{msg: msg}
	}
}

// Describe renders one stream message as a single line. Cancel control
// messages never reach a stream and render empty.
func Describe(msg bus.Message) string {
	switch payload := msg.Payload.(type) {
	case bus.ProgressPayload:
		if payload.StageLabel == "" {
			return fmt.Sprintf("%3.0f%%", payload.Percent)
		}
		return fmt.Sprintf("%3.0f%% %s", payload.Percent, payload.StageLabel)
	case bus.InfoPayload:
		return payload.Text
	case bus.WarningPayload:
		return "warning: " + payload.Text
	case bus.SuccessPayload:
		return "done " + formatKeys(payload.Result)
	case bus.MetricsPayload:
		return formatCounters(payload.Counters)
	case bus.CompletionPayload:
		if count, ok := payload.Result["test_case_count"]; ok {
			return fmt.Sprintf("completed with %v test cases", count)
		}
		return "completed"
	case bus.ErrorPayload:
		return fmt.Sprintf("%s: %s", payload.ErrorKind, payload.Detail)
	default:
		return ""
	}
}

func formatKeys(result map[string]any) string {
	if len(result) == 0 {
		return ""
	}
	return "(" + strings.Join(slices.Sorted(maps.Keys(result)), ", ") + ")"
}

func formatCounters(counters map[string]int64) string {
	parts := make([]string, 0, len(counters))
	for _, name := range slices.Sorted(maps.Keys(counters)) {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counters[name]))
	}
	return strings.Join(parts, " ")
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}
