// Package watch renders a workflow's message stream in the terminal.
package watch

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"agentflow/pkg/bus"
)

// NextFunc returns the next stream message, or an error once the stream has
// ended. (*stream.Collector).Next satisfies it.
type NextFunc func(ctx context.Context) (bus.Message, error)

// Info labels the watched workflow.
type Info struct {
	WorkflowID string
	SessionID  string
	Kind       string
}

// Outcome reports how watching ended.
type Outcome struct {
	// Final is the terminal message when Done is set.
	Final bus.Message
	Done  bool
	// Aborted is set when the user quit before the workflow ended.
	Aborted bool
	Events  int
	Err     error
}

// Run shows the stream until its terminal message or until the user quits.
func Run(ctx context.Context, next NextFunc, info Info, opts ...tea.ProgramOption) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newModel(ctx, next, info)
	program := tea.NewProgram(m, append([]tea.ProgramOption{tea.WithMouseCellMotion()}, opts...)...)
	final, err := program.Run()
	if err != nil {
		return Outcome{}, fmt.Errorf("run watch view: %w", err)
	}

	watched, ok := final.(*model)
	if !ok {
		return Outcome{}, fmt.Errorf("unexpected watch model %T", final)
	}
	return watched.outcome(), nil
}
