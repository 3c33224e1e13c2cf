package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentflow/pkg/bus"
	"agentflow/pkg/channel"
	"agentflow/pkg/workflow"
)

const (
	cancelCommand  = "/cancel"
	statusCommand  = "/status"
	maxListedCases = 20
)

// relay runs channel messages as text_input workflows and serializes them per
// session key.
type relay struct {
	coord *workflow.Coordinator
	log   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock is dropped from the relay once nobody holds or awaits it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newRelay(coord *workflow.Coordinator, log *slog.Logger) *relay {
	if log == nil {
		log = slog.Default()
	}

	return &relay{
		coord: coord,
		log:   log.With("component", "gateway.relay"),
		locks: make(map[string]*sessionLock),
	}
}

// Handle is the channel.Handler of every adapter.
func (r *relay) Handle(ctx context.Context, inbound channel.Inbound, updates channel.Updates) (channel.Outbound, error) {
	out := channel.Outbound{
		Channel:    inbound.Channel,
		ChatID:     inbound.ChatID,
		SessionKey: inbound.SessionKey,
	}

	content := strings.TrimSpace(inbound.Content)
	switch strings.ToLower(content) {
	case cancelCommand:
		out.Content = r.cancel(ctx, inbound.SessionKey)
		return out, nil
	case statusCommand:
		out.Content = r.status(inbound.SessionKey)
		return out, nil
	}

	// A second message waits for the session's running workflow.
	r.acquire(inbound.SessionKey)
	defer r.release(inbound.SessionKey)

	wf, err := r.run(ctx, inbound.SessionKey, content, updates)
	if err != nil {
		out.Error = err.Error()
		return out, err
	}

	out.Content = formatWorkflow(wf)
	return out, nil
}

func (r *relay) acquire(sessionKey string) {
	r.mu.Lock()
	lock, ok := r.locks[sessionKey]
	if !ok {
		lock = &sessionLock{}
		r.locks[sessionKey] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()
}

func (r *relay) release(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock := r.locks[sessionKey]
	lock.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(r.locks, sessionKey)
	}
}

func (r *relay) lockCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *relay) run(ctx context.Context, sessionID string, text string, updates channel.Updates) (workflow.Workflow, error) {
	workflowID, err := r.coord.StartWorkflow(ctx, workflow.KindTextInput, sessionID, map[string]any{"text": text})
	if err != nil {
		return workflow.Workflow{}, fmt.Errorf("start workflow: %w", err)
	}
	collector, err := r.coord.Stream(sessionID)
	if err != nil {
		return workflow.Workflow{}, err
	}

	for msg, err := range collector.All(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				r.abandon(workflowID)
			}
			return workflow.Workflow{}, fmt.Errorf("follow workflow: %w", err)
		}
		if updates == nil {
			continue
		}
		if line := describe(msg); line != "" {
			updates(line)
		}
	}

	return r.coord.GetWorkflow(workflowID)
}

// abandon cancels a workflow nobody is following any more.
func (r *relay) abandon(workflowID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.coord.CancelWorkflow(ctx, workflowID); err != nil && !errors.Is(err, workflow.ErrNotActive) {
		r.log.Warn("Failed to cancel abandoned workflow", "workflow_id", workflowID, "error", err)
	}
}

func (r *relay) cancel(ctx context.Context, sessionID string) string {
	wf, err := r.coord.GetStatus(sessionID)
	if err != nil || !wf.Active() {
		return "Nothing to cancel."
	}
	if err := r.coord.CancelWorkflow(ctx, wf.ID); err != nil {
		if errors.Is(err, workflow.ErrNotActive) {
			return "Nothing to cancel."
		}
		r.log.Error("Cancel failed", "workflow_id", wf.ID, "error", err)
		return "Could not cancel: " + err.Error()
	}
	return "Cancelling workflow " + wf.ID + "."
}

func (r *relay) status(sessionID string) string {
	wf, err := r.coord.GetStatus(sessionID)
	if err != nil {
		return "No workflow yet. Send a description of the feature to analyze."
	}
	return fmt.Sprintf("Workflow %s (%s) is %s.", wf.ID, wf.Kind, wf.Status)
}

// describe renders the stream messages worth a chat line.
func describe(msg bus.Message) string {
	switch payload := msg.Payload.(type) {
	case bus.InfoPayload:
		return payload.Text
	case bus.WarningPayload:
		return "Warning: " + payload.Text
	default:
		return ""
	}
}

func formatWorkflow(wf workflow.Workflow) string {
	switch wf.Status {
	case workflow.StatusCompleted:
		return formatResult(wf.Result)
	case workflow.StatusCancelled:
		return "Workflow cancelled."
	case workflow.StatusFailed:
		if wf.Error != nil {
			return fmt.Sprintf("Workflow failed (%s): %s", wf.Error.Kind, wf.Error.Detail)
		}
		return "Workflow failed."
	default:
		return fmt.Sprintf("Workflow is %s.", wf.Status)
	}
}

func formatResult(result map[string]any) string {
	testCases, _ := result["test_cases"].([]any)
	if len(testCases) == 0 {
		return "Workflow completed without test cases."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Generated %d test cases:\n", len(testCases))
	for i, item := range testCases {
		if i == maxListedCases {
			fmt.Fprintf(&b, "\n... and %d more", len(testCases)-maxListedCases)
			break
		}
		tc, _ := item.(map[string]any)
		fmt.Fprintf(&b, "\n%v %v", tc["id"], tc["title"])
	}
	return b.String()
}
