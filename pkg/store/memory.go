package store

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"agentflow/pkg/workflow"
)

const DefaultHistory = 1000

// Archive receives every workflow once it reaches a terminal state.
type Archive interface {
	Archive(ctx context.Context, w workflow.Workflow) error
}

type Option func(*Memory)

// WithHistory bounds how many terminal workflows stay in memory.
func WithHistory(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.history = n
		}
	}
}

func WithArchive(archive Archive) Option {
	return func(m *Memory) { m.archive = archive }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Memory) {
		if log != nil {
			m.log = log
		}
	}
}

// Memory is the process-wide workflow registry.
type Memory struct {
	log     *slog.Logger
	archive Archive
	history int
	now     func() time.Time

	mu        sync.RWMutex
	byID      map[string]workflow.Workflow
	bySession map[string]string
	finished  []string
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		log:       slog.Default(),
		history:   DefaultHistory,
		now:       time.Now,
		byID:      make(map[string]workflow.Workflow),
		bySession: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "store.memory")

	return m
}

func (m *Memory) Put(w workflow.Workflow) error {
	w = w.Clone()

	m.mu.Lock()
	previous, existed := m.byID[w.ID]
	m.byID[w.ID] = w
	if current, ok := m.byID[m.bySession[w.SessionID]]; !ok || current.ID <= w.ID {
		m.bySession[w.SessionID] = w.ID
	}

	finishedNow := w.Status.Terminal() && (!existed || !previous.Status.Terminal())
	if finishedNow {
		m.finished = append(m.finished, w.ID)
		m.evictLocked()
	}
	m.mu.Unlock()

	if finishedNow && m.archive != nil {
		if err := m.archive.Archive(context.Background(), w); err != nil {
			m.log.Warn("Failed to archive workflow", "workflow_id", w.ID, "error", err)
		}
	}

	return nil
}

func (m *Memory) evictLocked() {
	for len(m.finished) > m.history {
		m.removeLocked(m.finished[0])
		m.finished = m.finished[1:]
	}
}

func (m *Memory) removeLocked(id string) {
	w, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	if m.bySession[w.SessionID] == id {
		delete(m.bySession, w.SessionID)
	}
}

// Get returns the latest workflow of a session.
func (m *Memory) Get(sessionID string) (workflow.Workflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.byID[m.bySession[sessionID]]
	if !ok {
		return workflow.Workflow{}, false
	}
	return w.Clone(), true
}

func (m *Memory) GetByID(workflowID string) (workflow.Workflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.byID[workflowID]
	if !ok {
		return workflow.Workflow{}, false
	}
	return w.Clone(), true
}

// List returns matching workflows, newest first.
func (m *Memory) List(filter workflow.ListFilter) []workflow.Workflow {
	m.mu.RLock()
	out := make([]workflow.Workflow, 0, len(m.byID))
	for _, w := range m.byID {
		if filter.Matches(w) {
			out = append(out, w.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b workflow.Workflow) int { return strings.Compare(b.ID, a.ID) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Prune drops terminal workflows completed more than olderThan ago and
// returns how many were removed. Active workflows are never pruned.
func (m *Memory) Prune(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.finished[:0]
	removed := 0
	for _, id := range m.finished {
		w, ok := m.byID[id]
		if ok && w.CompletedAt.Before(cutoff) {
			m.removeLocked(id)
			removed++
			continue
		}
		if ok {
			kept = append(kept, id)
		}
	}
	m.finished = kept

	if removed > 0 {
		m.log.Info("Pruned finished workflows", "count", removed, "cutoff", cutoff)
	}
	return removed
}

// Len reports how many workflows are held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
