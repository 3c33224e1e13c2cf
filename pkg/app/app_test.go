package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/agents"
	"agentflow/pkg/config"
	"agentflow/pkg/workflow"
)

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()

	a, err := New(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	a.Start(context.Background())
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func runText(t *testing.T, a *App, sessionID string, text string) workflow.Workflow {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := a.Coordinator.StartWorkflow(ctx, workflow.KindTextInput, sessionID, map[string]any{"text": text})
	require.NoError(t, err)

	collector, err := a.Coordinator.Stream(sessionID)
	require.NoError(t, err)
	for _, err := range collector.All(ctx) {
		require.NoError(t, err)
	}

	wf, err := a.Coordinator.GetWorkflow(id)
	require.NoError(t, err)
	return wf
}

func TestNewWithDefaults(t *testing.T) {
	a := newTestApp(t, config.Default())

	assert.Nil(t, a.Provider)
	assert.Nil(t, a.Archive)
	assert.Len(t, a.Coordinator.ListAgents(), 6)

	wf := runText(t, a, "s1", "Users can reset their password by email.")
	require.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.EqualValues(t, 1, wf.Result["test_case_count"])

	results, err := a.Results.Results(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, results, 1)

	require.NoError(t, a.Prune(context.Background()))
	_, err = a.Coordinator.GetStatus("s1")
	assert.NoError(t, err, "retention keeps recent workflows")
}

func TestNewArchivesIntoSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = ":memory:"
	a := newTestApp(t, cfg)
	require.NotNil(t, a.Archive)

	wf := runText(t, a, "s1", "Orders above 100 EUR ship for free.")
	require.Equal(t, workflow.StatusCompleted, wf.Status)

	archived, err := a.Archive.Workflows(context.Background(), workflow.ListFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, wf.ID, archived[0].ID)
	assert.Equal(t, workflow.StatusCompleted, archived[0].Status)

	results, err := a.Archive.Results(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, results, 1)

	require.NoError(t, a.Prune(context.Background()))
	results, err = a.Archive.Results(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestNewAppliesAgentDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `agents:
  test-case-generator:
    settings:
      batch_size: "2"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := config.Default()
	cfg.Agents.DefaultsFile = path
	a := newTestApp(t, cfg)

	for _, info := range a.Coordinator.ListAgents() {
		if info.Topic == agents.TopicTestCaseGenerator {
			assert.Equal(t, "2", info.Config.Settings["batch_size"])
			return
		}
	}
	t.Fatal("test case generator is not registered")
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Run("missing defaults file", func(t *testing.T) {
		cfg := config.Default()
		cfg.Agents.DefaultsFile = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := New(context.Background(), cfg, nil)
		require.ErrorContains(t, err, "read agent defaults")
	})

	t.Run("unknown trace exporter", func(t *testing.T) {
		cfg := config.Default()
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "zipkin"
		_, err := New(context.Background(), cfg, nil)
		require.ErrorContains(t, err, "setup tracing")
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := New(context.Background(), nil, nil)
		require.Error(t, err)
	})
}
