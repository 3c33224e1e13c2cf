package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentflow/pkg/app"
	"agentflow/pkg/bus"
	"agentflow/pkg/config"
	"agentflow/pkg/registry"
	"agentflow/pkg/workflow"
)

func writeTemp(t *testing.T, name string, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	payload, err := buildPayload(workflow.KindTextInput, "  Users can log in. ", "")
	if err != nil {
		t.Fatalf("text payload error: %v", err)
	}
	if payload["text"] != "Users can log in." {
		t.Fatalf("text payload = %v", payload)
	}

	doc := writeTemp(t, "reqs.md", "# Login\n- Users can log in.")
	payload, err = buildPayload(workflow.KindDocument, "", doc)
	if err != nil {
		t.Fatalf("document payload error: %v", err)
	}
	if payload["format"] != "markdown" || payload["filename"] != "reqs.md" {
		t.Fatalf("document payload = %v", payload)
	}

	spec := writeTemp(t, "openapi.yml", "openapi: 3.0.0")
	payload, err = buildPayload(workflow.KindAPISpec, "", spec)
	if err != nil {
		t.Fatalf("api spec payload error: %v", err)
	}
	if payload["format"] != "yaml" {
		t.Fatalf("api spec format = %v, want yaml", payload["format"])
	}

	img := writeTemp(t, "shot.png", "not really a png")
	payload, err = buildPayload(workflow.KindImage, "login screen", img)
	if err != nil {
		t.Fatalf("image payload error: %v", err)
	}
	if payload["image_base64"] != base64.StdEncoding.EncodeToString([]byte("not really a png")) || payload["description"] != "login screen" {
		t.Fatalf("image payload = %v", payload)
	}

	payload, err = buildPayload(workflow.KindImage, "https://example.com/a.png", "")
	if err != nil {
		t.Fatalf("image url payload error: %v", err)
	}
	if payload["url"] != "https://example.com/a.png" {
		t.Fatalf("image url payload = %v", payload)
	}
}

func TestBuildPayloadRejectsMissingInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind string
		text string
	}{
		{kind: workflow.KindTextInput, text: "   "},
		{kind: workflow.KindDocument, text: "inline text is not a document"},
		{kind: workflow.KindAPISpec},
		{kind: workflow.KindImage, text: "a picture of a cat"},
		{kind: "fax", text: "hello"},
	}
	for _, tt := range tests {
		if _, err := buildPayload(tt.kind, tt.text, ""); err == nil {
			t.Fatalf("buildPayload(%q, %q) expected error", tt.kind, tt.text)
		}
	}

	if _, err := buildPayload(workflow.KindDocument, "", filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected error for unreadable file")
	}
}

func TestDocumentFormat(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]string{
		"a.md":       "markdown",
		"a.MARKDOWN": "markdown",
		"a.htm":      "html",
		"a.txt":      "text",
		"README":     "text",
	} {
		if got := documentFormat(path); got != want {
			t.Fatalf("documentFormat(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestFollowStreamPlainAndJSON(t *testing.T) {
	t.Parallel()

	messages := []bus.Message{
		bus.NewMessage(bus.TopicEvents, "s1", "requirement-analyzer", bus.ProgressPayload{Percent: 30, StageLabel: "Analyzing"}),
		bus.NewMessage(bus.TopicLifecycle, "s1", "persistence", bus.CompletionPayload{Result: map[string]any{"test_case_count": 2}}),
	}
	seq := func(yield func(bus.Message, error) bool) {
		for _, msg := range messages {
			if !yield(msg, nil) {
				return
			}
		}
	}

	var plain bytes.Buffer
	if err := followStream(context.Background(), seq, &plain, false); err != nil {
		t.Fatalf("followStream error: %v", err)
	}
	want := "[requirement-analyzer]  30% Analyzing\n[persistence] completed with 2 test cases\n"
	if plain.String() != want {
		t.Fatalf("plain output = %q, want %q", plain.String(), want)
	}

	var lines bytes.Buffer
	if err := followStream(context.Background(), seq, &lines, true); err != nil {
		t.Fatalf("followStream error: %v", err)
	}
	decoded := strings.Split(strings.TrimSpace(lines.String()), "\n")
	if len(decoded) != 2 {
		t.Fatalf("json lines = %d, want 2", len(decoded))
	}
	var last struct {
		Kind    bus.Kind `json:"kind"`
		IsFinal bool     `json:"is_final"`
	}
	if err := json.Unmarshal([]byte(decoded[1]), &last); err != nil {
		t.Fatalf("decode json line: %v", err)
	}
	if last.Kind != bus.KindCompletion || !last.IsFinal {
		t.Fatalf("last event = %+v", last)
	}
}

func TestFollowStreamReportsStreamError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("stream overflow")
	seq := func(yield func(bus.Message, error) bool) {
		yield(bus.Message{}, wantErr)
	}

	var out bytes.Buffer
	if err := followStream(context.Background(), seq, &out, false); !errors.Is(err, wantErr) {
		t.Fatalf("error = %v, want %v", err, wantErr)
	}
	if !strings.Contains(out.String(), "stream ended: stream overflow") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunWorkflowEndToEnd(t *testing.T) {
	a, err := app.New(context.Background(), config.Default(), slog.Default())
	if err != nil {
		t.Fatalf("app.New error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	a.Start(context.Background())

	var out bytes.Buffer
	wf, err := runWorkflow(context.Background(), a.Coordinator, workflow.KindTextInput, "cli-1",
		map[string]any{"text": "Users can export reports as CSV. Guests must not export reports."}, &out)
	if err != nil {
		t.Fatalf("runWorkflow error: %v", err)
	}
	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("status = %s, error = %+v", wf.Status, wf.Error)
	}
	if !strings.Contains(out.String(), "[persistence] completed with 2 test cases") {
		t.Fatalf("stream output = %q", out.String())
	}

	var printed bytes.Buffer
	if err := printWorkflow(&printed, wf, false); err != nil {
		t.Fatalf("printWorkflow error: %v", err)
	}
	for _, want := range []string{"TC-001  Verify that users can export reports as CSV", "TC-002  Verify that the system enforces: guests must not export reports", "    1. "} {
		if !strings.Contains(printed.String(), want) {
			t.Fatalf("printed workflow missing %q:\n%s", want, printed.String())
		}
	}
}

func TestRunWorkflowCancelledOnInterrupt(t *testing.T) {
	a, err := app.New(context.Background(), config.Default(), slog.Default())
	if err != nil {
		t.Fatalf("app.New error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	a.Start(context.Background())

	started := make(chan struct{})
	stalled := registry.AgentFunc(func(_ context.Context, env *registry.Env, _ bus.Message) error {
		close(started)
		return env.Progress(10, "thinking")
	})
	if err := a.Registry.Register("requirement-analyzer", func(*registry.Env) (registry.Agent, error) { return stalled, nil }, registry.AgentConfig{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	var out bytes.Buffer
	wf, err := runWorkflow(ctx, a.Coordinator, workflow.KindTextInput, "cli-2", map[string]any{"text": "Anything at all here."}, &out)
	if err != nil {
		t.Fatalf("runWorkflow error: %v", err)
	}
	if wf.Status != workflow.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", wf.Status)
	}

	var printed bytes.Buffer
	if err := printWorkflow(&printed, wf, true); err != nil {
		t.Fatalf("printWorkflow error: %v", err)
	}
	var decoded workflow.Workflow
	if err := json.Unmarshal(printed.Bytes(), &decoded); err != nil {
		t.Fatalf("decode workflow json: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Kind != bus.ErrorKindCancelled {
		t.Fatalf("decoded error = %+v", decoded.Error)
	}
}

func TestPrintAgents(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printAgents(&out, []registry.AgentInfo{
		{Topic: "requirement-analyzer", Scope: "session", Config: registry.AgentConfig{MaxRetries: 2, Features: map[string]bool{"llm": false}}},
		{Topic: "test-case-generator", Scope: "session", Config: registry.AgentConfig{Settings: map[string]string{"batch_size": "5"}}},
	}, map[string]string{"requirement-analyzer": workflow.KindTextInput})

	for _, want := range []string{"TOPIC", "requirement-analyzer", "text_input", "llm:off", "batch_size=5"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("agents table missing %q:\n%s", want, out.String())
		}
	}
}
