package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agentflow/pkg/app"
	"agentflow/pkg/bus"
	"agentflow/pkg/stream"
	"agentflow/pkg/ui/watch"
	"agentflow/pkg/workflow"
)

var (
	runKind    string
	runFile    string
	runSession string
	runWatch   bool
	runJSON    bool
)

var runCmd = &cobra.Command{
	Use:   "run [text]",
	Short: "Run one workflow and stream its progress",
	Long: "Starts a workflow on an in-process runtime and follows its stream until it ends. " +
		"Text comes from the arguments; documents, images and API specs from --file.",
	Example: `  agentflow run "Users can export reports as CSV."
  agentflow run --kind document --file requirements.md --watch
  agentflow run --kind api_spec --file openapi.yaml --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := buildPayload(runKind, strings.Join(args, " "), runFile)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(true)
		if err != nil {
			return err
		}
		appLogger, err := setupLogger(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runtime, err := app.New(ctx, cfg, appLogger)
		if err != nil {
			return err
		}
		defer func() { _ = runtime.Close(context.Background()) }()
		runtime.Start(ctx)

		sessionID := strings.TrimSpace(runSession)
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		wf, err := runWorkflow(ctx, runtime.Coordinator, runKind, sessionID, payload, cmd.OutOrStdout())
		if err != nil {
			return err
		}

		if err := printWorkflow(cmd.OutOrStdout(), wf, runJSON); err != nil {
			return err
		}
		if wf.Status != workflow.StatusCompleted {
			return fmt.Errorf("workflow %s", wf.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runKind, "kind", "k", workflow.KindTextInput, "workflow kind: text_input, document, image or api_spec")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "read the input from a file")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "session id (generated when empty)")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "follow the workflow in an interactive view")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print stream events and the result as JSON lines")
}

func runWorkflow(ctx context.Context, coord *workflow.Coordinator, kind string, sessionID string, payload map[string]any, out io.Writer) (workflow.Workflow, error) {
	workflowID, err := coord.StartWorkflow(ctx, kind, sessionID, payload)
	if err != nil {
		return workflow.Workflow{}, err
	}
	collector, err := coord.Stream(sessionID)
	if err != nil {
		return workflow.Workflow{}, err
	}

	var interrupted bool
	if runWatch {
		outcome, err := watch.Run(ctx, collector.Next, watch.Info{WorkflowID: workflowID, SessionID: sessionID, Kind: kind})
		if err != nil {
			return workflow.Workflow{}, err
		}
		interrupted = outcome.Aborted || ctx.Err() != nil
	} else {
		interrupted = followStream(ctx, collector.All(ctx), out, runJSON) != nil && ctx.Err() != nil
	}

	if interrupted {
		stopWorkflow(coord, workflowID, collector.Done())
	}
	return coord.GetWorkflow(workflowID)
}

// stopWorkflow cancels a workflow the user stopped following and waits for
// it to settle.
func stopWorkflow(coord *workflow.Coordinator, workflowID string, done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := coord.CancelWorkflow(ctx, workflowID); err != nil && !errors.Is(err, workflow.ErrNotActive) {
		fmt.Fprintf(os.Stderr, "cancel workflow: %v\n", err)
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func followStream(ctx context.Context, messages iter.Seq2[bus.Message, error], out io.Writer, asJSON bool) error {
	encoder := json.NewEncoder(out)
	for msg, err := range messages {
		if err != nil {
			if ctx.Err() == nil {
				fmt.Fprintf(out, "stream ended: %v\n", err)
			}
			return err
		}

		if asJSON {
			if err := encoder.Encode(stream.ToEvent(msg)); err != nil {
				return err
			}
			continue
		}
		if line := watch.Describe(msg); line != "" {
			fmt.Fprintf(out, "[%s] %s\n", msg.Source, line)
		}
	}
	return nil
}

func printWorkflow(out io.Writer, wf workflow.Workflow, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(out).Encode(wf)
	}

	fmt.Fprintf(out, "\nWorkflow %s %s in %s\n", wf.ID, wf.Status, wf.Metrics.Elapsed.Round(time.Millisecond))
	if wf.Error != nil {
		fmt.Fprintf(out, "%s: %s\n", wf.Error.Kind, wf.Error.Detail)
		return nil
	}

	testCases, _ := wf.Result["test_cases"].([]any)
	for _, item := range testCases {
		tc, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "\n%v  %v\n", tc["id"], tc["title"])
		steps, _ := tc["steps"].([]any)
		for i, step := range steps {
			fmt.Fprintf(out, "    %d. %v\n", i+1, step)
		}
		fmt.Fprintf(out, "    => %v\n", tc["expected"])
	}
	return nil
}

// buildPayload turns command input into the request payload of kind.
func buildPayload(kind string, text string, path string) (map[string]any, error) {
	text = strings.TrimSpace(text)

	var content []byte
	if path != "" {
		var err error
		content, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
	}

	switch kind {
	case workflow.KindTextInput:
		if text == "" {
			text = strings.TrimSpace(string(content))
		}
		if text == "" {
			return nil, errors.New("text is required: pass it as arguments or with --file")
		}
		return map[string]any{"text": text}, nil
	case workflow.KindDocument:
		if content == nil {
			return nil, errors.New("document workflows need --file")
		}
		return map[string]any{
			"content":  string(content),
			"filename": filepath.Base(path),
			"format":   documentFormat(path),
		}, nil
	case workflow.KindImage:
		payload := map[string]any{}
		switch {
		case content != nil:
			payload["image_base64"] = base64.StdEncoding.EncodeToString(content)
			if text != "" {
				payload["description"] = text
			}
		case strings.HasPrefix(text, "http://"), strings.HasPrefix(text, "https://"):
			payload["url"] = text
		default:
			return nil, errors.New("image workflows need --file or an image URL")
		}
		return payload, nil
	case workflow.KindAPISpec:
		if content == nil {
			return nil, errors.New("api_spec workflows need --file")
		}
		format := "json"
		if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
			format = "yaml"
		}
		return map[string]any{"spec": string(content), "format": format}, nil
	default:
		return nil, fmt.Errorf("unknown workflow kind %q", kind)
	}
}

func documentFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "markdown"
	case ".html", ".htm":
		return "html"
	default:
		return "text"
	}
}
