package store

import (
	"context"
	"maps"
	"sync"
)

// ResultLog keeps the result sets written by the persistence agent.
type ResultLog interface {
	SaveResult(ctx context.Context, sessionID string, source string, result map[string]any) (int64, error)
	Results(ctx context.Context, sessionID string) ([]map[string]any, error)
}

var (
	_ ResultLog = (*MemoryResults)(nil)
	_ ResultLog = (*SQLite)(nil)
)

// MemoryResults is the ResultLog used when no database is configured.
type MemoryResults struct {
	mu        sync.Mutex
	next      int64
	bySession map[string][]map[string]any
}

func NewMemoryResults() *MemoryResults {
	return &MemoryResults{bySession: make(map[string][]map[string]any)}
}

func (m *MemoryResults) SaveResult(_ context.Context, sessionID string, _ string, result map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	m.bySession[sessionID] = append(m.bySession[sessionID], maps.Clone(result))
	return m.next, nil
}

func (m *MemoryResults) Results(_ context.Context, sessionID string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.bySession[sessionID]
	out := make([]map[string]any, 0, len(stored))
	for _, result := range stored {
		out = append(out, maps.Clone(result))
	}
	return out, nil
}
