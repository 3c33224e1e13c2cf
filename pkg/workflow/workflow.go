package workflow

import (
	"fmt"
	"maps"
	"time"

	"agentflow/pkg/bus"
)

type Status string

const (
	StatusCreated    Status = "created"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Failure records why a workflow did not complete.
type Failure struct {
	Kind   bus.ErrorKind `json:"error_kind"`
	Detail string        `json:"detail"`
}

// Metrics are accumulated while the workflow is processing.
type Metrics struct {
	MessagesByKind map[bus.Kind]int `json:"messages_by_kind"`
	AgentSuccesses map[string]int   `json:"agent_successes,omitempty"`
	AgentFailures  map[string]int   `json:"agent_failures,omitempty"`
	LateDrops      int              `json:"late_drops"`
	Anomalies      int              `json:"anomalies"`
	Elapsed        time.Duration    `json:"elapsed"`
}

// Workflow is one run of the agent pipeline for a session.
type Workflow struct {
	ID          string         `json:"workflow_id"`
	SessionID   string         `json:"session_id"`
	Kind        string         `json:"kind"`
	Status      Status         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitzero"`
	Error       *Failure       `json:"error,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Metrics     Metrics        `json:"metrics"`
}

func newWorkflow(id string, kind string, sessionID string, now time.Time) *Workflow {
	return &Workflow{
		ID:        id,
		SessionID: sessionID,
		Kind:      kind,
		Status:    StatusCreated,
		StartedAt: now,
		Metrics: Metrics{
			MessagesByKind: make(map[bus.Kind]int),
			AgentSuccesses: make(map[string]int),
			AgentFailures:  make(map[string]int),
		},
	}
}

// Clone returns a copy that shares no maps with w.
func (w Workflow) Clone() Workflow {
	w.Metrics.MessagesByKind = maps.Clone(w.Metrics.MessagesByKind)
	w.Metrics.AgentSuccesses = maps.Clone(w.Metrics.AgentSuccesses)
	w.Metrics.AgentFailures = maps.Clone(w.Metrics.AgentFailures)
	w.Result = maps.Clone(w.Result)
	if w.Error != nil {
		failure := *w.Error
		w.Error = &failure
	}
	return w
}

func (w Workflow) Active() bool {
	return !w.Status.Terminal()
}

// transition moves w to next. Created may only become Processing, or Failed
// when the workflow could not be started; Processing may only end.
func (w *Workflow) transition(next Status, now time.Time) error {
	legal := false
	switch w.Status {
	case StatusCreated:
		legal = next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		legal = next.Terminal()
	}
	if !legal {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, w.Status, next)
	}

	w.Status = next
	if next.Terminal() {
		w.CompletedAt = now
		w.Metrics.Elapsed = now.Sub(w.StartedAt)
	}
	return nil
}

// ListFilter narrows ListWorkflows. Zero values match everything.
type ListFilter struct {
	SessionID string
	Status    Status
	Kind      string
	Limit     int
}

func (f ListFilter) Matches(w Workflow) bool {
	if f.SessionID != "" && f.SessionID != w.SessionID {
		return false
	}
	if f.Status != "" && f.Status != w.Status {
		return false
	}
	if f.Kind != "" && f.Kind != w.Kind {
		return false
	}
	return true
}

// Store keeps workflow records. The coordinator writes a snapshot on every
// state change.
type Store interface {
	Put(w Workflow) error
	Get(sessionID string) (Workflow, bool)
	GetByID(workflowID string) (Workflow, bool)
	List(filter ListFilter) []Workflow
}
