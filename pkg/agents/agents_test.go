package agents_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/agents"
	"agentflow/pkg/bus"
	providertypes "agentflow/pkg/provider/types"
	"agentflow/pkg/registry"
	"agentflow/pkg/store"
	"agentflow/pkg/workflow"
)

// 1x1 transparent PNG.
const pixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

type fakeClient struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []providertypes.Request
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Health(context.Context) error { return nil }

func (f *fakeClient) Complete(_ context.Context, req providertypes.Request) (providertypes.PromptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.err != nil {
		return providertypes.PromptResult{}, f.err
	}
	return providertypes.PromptResult{
		Text: f.reply,
		Metadata: providertypes.PromptMetadata{
			Provider: "fake",
			Usage:    &providertypes.TokenUsage{InputTokens: 12, OutputTokens: 8, TotalTokens: 20},
		},
	}, nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type pipeline struct {
	coord   *workflow.Coordinator
	results *store.MemoryResults
}

func newPipeline(t *testing.T, deps agents.Deps) *pipeline {
	t.Helper()

	b := bus.New()
	b.Start(context.Background())
	reg := registry.New(b)

	results := store.NewMemoryResults()
	deps.Results = results
	require.NoError(t, agents.Register(reg, deps))

	coord, err := workflow.NewCoordinator(b, reg, store.NewMemory(), workflow.WithDrainTimeout(time.Second))
	require.NoError(t, err)

	t.Cleanup(func() {
		coord.Close()
		reg.Close()
		b.Close()
	})

	return &pipeline{coord: coord, results: results}
}

// run starts a workflow and returns every streamed message once it ends.
func (p *pipeline) run(t *testing.T, kind string, sessionID string, payload map[string]any) (workflow.Workflow, []bus.Message) {
	t.Helper()

	_, err := p.coord.StartWorkflow(context.Background(), kind, sessionID, payload)
	require.NoError(t, err)
	collector, err := p.coord.Stream(sessionID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var msgs []bus.Message
	for msg, err := range collector.All(ctx) {
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	wf, err := p.coord.GetStatus(sessionID)
	require.NoError(t, err)
	return wf, msgs
}

func ofKind(msgs []bus.Message, kind bus.Kind) []bus.Message {
	var out []bus.Message
	for _, msg := range msgs {
		if msg.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

func TestTextInputProducesStoredTestCases(t *testing.T) {
	p := newPipeline(t, agents.Deps{})

	wf, msgs := p.run(t, workflow.KindTextInput, "s-text", map[string]any{
		"text": "Users can reset their password by email. The system must not accept expired reset links. Ok.",
	})

	require.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.EqualValues(t, 2, wf.Result["test_case_count"])
	assert.Equal(t, bus.KindCompletion, msgs[len(msgs)-1].Kind)
	assert.NotEmpty(t, ofKind(msgs, bus.KindProgress))

	testCases, ok := wf.Result["test_cases"].([]any)
	require.True(t, ok)
	first := testCases[0].(map[string]any)
	assert.Equal(t, "TC-001", first["id"])
	assert.Equal(t, "Users can reset their password by email", first["requirement"])
	second := testCases[1].(map[string]any)
	assert.Equal(t, true, second["negative"])

	stored, err := p.results.Results(context.Background(), "s-text")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "text_input", stored[0]["source"])
}

func TestDocumentWorkflowStripsMarkup(t *testing.T) {
	p := newPipeline(t, agents.Deps{})

	wf, _ := p.run(t, workflow.KindDocument, "s-doc", map[string]any{
		"content":  "<h1>Login</h1><p>The user can sign in with a password.</p><p>The account locks after five failed attempts.</p>",
		"filename": "login.html",
	})

	require.Equal(t, workflow.StatusCompleted, wf.Status)
	testCases := wf.Result["test_cases"].([]any)
	require.Len(t, testCases, 2)
	for _, tc := range testCases {
		assert.NotContains(t, tc.(map[string]any)["requirement"], "<")
	}
}

func TestAPISpecWorkflowCoversEveryOperation(t *testing.T) {
	p := newPipeline(t, agents.Deps{})

	spec := `
openapi: 3.0.0
info:
  title: Accounts
paths:
  /accounts:
    parameters:
      - name: tenant
        in: header
    get:
      summary: List accounts
      responses:
        "200": {description: ok}
    post:
      summary: Create an account
      responses:
        "201": {description: created}
        "400": {description: invalid}
`
	wf, msgs := p.run(t, workflow.KindAPISpec, "s-api", map[string]any{"spec": spec})

	require.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.EqualValues(t, 2, wf.Result["test_case_count"])
	assert.Equal(t, []string{
		"The API must support GET /accounts: List accounts (responses 200)",
		"The API must support POST /accounts: Create an account (responses 201, 400)",
	}, wf.Result["requirements"])

	infos := ofKind(msgs, bus.KindInfo)
	require.NotEmpty(t, infos)
	assert.Contains(t, infos[0].Payload.(bus.InfoPayload).Text, "Accounts: 2 operations")
}

func TestImageWorkflow(t *testing.T) {
	p := newPipeline(t, agents.Deps{})

	t.Run("described image completes", func(t *testing.T) {
		wf, msgs := p.run(t, workflow.KindImage, "s-img", map[string]any{
			"image_base64": "data:image/png;base64," + pixelPNG,
			"description":  "The dashboard shows the current balance. The export button downloads a CSV file.",
		})

		require.Equal(t, workflow.StatusCompleted, wf.Status)
		infos := ofKind(msgs, bus.KindInfo)
		require.NotEmpty(t, infos)
		assert.Equal(t, "png image, 1x1", infos[0].Payload.(bus.InfoPayload).Text)
	})

	t.Run("undecodable image fails validation", func(t *testing.T) {
		wf, _ := p.run(t, workflow.KindImage, "s-img-bad", map[string]any{
			"image_base64": base64.StdEncoding.EncodeToString([]byte("not an image")),
			"description":  "Anything at all here.",
		})

		require.Equal(t, workflow.StatusFailed, wf.Status)
		require.NotNil(t, wf.Error)
		assert.Equal(t, bus.ErrorKindValidation, wf.Error.Kind)
	})
}

func TestTextWithoutStatementsFails(t *testing.T) {
	p := newPipeline(t, agents.Deps{})

	wf, _ := p.run(t, workflow.KindTextInput, "s-empty", map[string]any{"text": "Hi. Ok."})

	require.Equal(t, workflow.StatusFailed, wf.Status)
	assert.Equal(t, bus.ErrorKindValidation, wf.Error.Kind)
}

func TestAnalyzerUsesProvider(t *testing.T) {
	client := &fakeClient{reply: "Here you go:\n- The user can log in\n- The user can log out\n"}
	p := newPipeline(t, agents.Deps{Provider: client})

	wf, msgs := p.run(t, workflow.KindTextInput, "s-llm", map[string]any{
		"text": "People should be able to get in and out of their account.",
	})

	require.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.Equal(t, []string{"The user can log in", "The user can log out"}, wf.Result["requirements"])
	assert.Equal(t, 1, client.calls())

	metrics := ofKind(msgs, bus.KindMetrics)
	require.Len(t, metrics, 1)
	assert.Equal(t, int64(20), metrics[0].Payload.(bus.MetricsPayload).Counters["usage_total_tokens"])
}

func TestAnalyzerFallsBackWhenProviderFails(t *testing.T) {
	client := &fakeClient{err: errors.New("upstream unavailable")}
	p := newPipeline(t, agents.Deps{Provider: client})

	wf, msgs := p.run(t, workflow.KindTextInput, "s-fallback", map[string]any{
		"text": "The report lists every open invoice.",
	})

	require.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.Equal(t, []string{"The report lists every open invoice"}, wf.Result["requirements"])
	assert.Equal(t, 3, client.calls())
	assert.NotEmpty(t, ofKind(msgs, bus.KindWarning))
}

func TestAnalyzerSkipsProviderWhenFeatureDisabled(t *testing.T) {
	client := &fakeClient{reply: "- unused"}
	p := newPipeline(t, agents.Deps{Provider: client})

	off := map[string]bool{agents.FeatureLLM: false}
	require.NoError(t, p.coord.UpdateAgentConfig(context.Background(), agents.TopicRequirementAnalyzer, registry.ConfigPatch{Features: off}))

	wf, _ := p.run(t, workflow.KindTextInput, "s-off", map[string]any{"text": "The report lists every open invoice."})

	require.Equal(t, workflow.StatusCompleted, wf.Status)
	assert.Zero(t, client.calls())
}

func TestGeneratorBatchSize(t *testing.T) {
	p := newPipeline(t, agents.Deps{})

	patch := registry.ConfigPatch{Settings: map[string]string{"batch_size": "2"}}
	require.NoError(t, p.coord.UpdateAgentConfig(context.Background(), agents.TopicTestCaseGenerator, patch))

	wf, msgs := p.run(t, workflow.KindTextInput, "s-batch", map[string]any{
		"text": "First rule applies here. Second rule applies here. Third rule applies here.",
	})

	require.Equal(t, workflow.StatusCompleted, wf.Status)
	var batches int
	for _, msg := range ofKind(msgs, bus.KindSuccess) {
		if msg.Source == string(agents.TopicTestCaseGenerator) {
			batches++
		}
	}
	assert.Equal(t, 2, batches)
}

func TestInvalidBatchSizeFailsInstantiation(t *testing.T) {
	p := newPipeline(t, agents.Deps{})

	patch := registry.ConfigPatch{Settings: map[string]string{"batch_size": "zero"}}
	require.NoError(t, p.coord.UpdateAgentConfig(context.Background(), agents.TopicTestCaseGenerator, patch))

	_, err := p.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s-broken", map[string]any{"text": "Something to test here."})
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrInstantiation)
}
