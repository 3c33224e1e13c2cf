package agents

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"agentflow/pkg/bus"
	"agentflow/pkg/config"
	"agentflow/pkg/provider"
	providertypes "agentflow/pkg/provider/types"
	"agentflow/pkg/registry"
)

//go:embed prompts/analyzer.md
var analyzerPrompt string

var (
	sentenceBoundary = regexp.MustCompile(`[.!?;]+(\s+|$)|\n+`)
	bulletPrefix     = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)
)

const minStatementWords = 3

type requirementAnalyzer struct {
	client   provider.Client
	settings config.AnalyzerConfig
}

func analyzerConstructor(deps Deps) registry.Constructor {
	return func(env *registry.Env) (registry.Agent, error) {
		a := &requirementAnalyzer{settings: deps.Analyzer}
		if env.Config.Enabled(FeatureLLM) {
			if deps.Provider == nil {
				return nil, fmt.Errorf("feature %q is enabled but no provider is configured", FeatureLLM)
			}
			a.client = deps.Provider
		}
		return a, nil
	}
}

func (a *requirementAnalyzer) Handle(_ context.Context, env *registry.Env, msg bus.Message) error {
	data, err := requestData(msg)
	if err != nil {
		return err
	}
	source := stringField(data, "source")
	if source == "" {
		source = "text_input"
	}

	if err := env.Progress(30, "extracting requirements"); err != nil {
		return err
	}
	statements := stringList(data["requirements"])
	if text := stringField(data, "text"); text != "" {
		statements = append(statements, extractStatements(text)...)
	}
	statements = dedupe(statements)
	if len(statements) == 0 {
		return env.Fail(bus.ErrorKindValidation, "no requirement statements found in input")
	}

	if a.client == nil {
		return a.forward(env, source, statements)
	}

	if err := env.Info(fmt.Sprintf("refining %d statements with %s", len(statements), a.client.Name())); err != nil {
		return err
	}
	env.Go(func(ctx context.Context, env *registry.Env) {
		refined, usage, err := a.refine(ctx, env, statements)
		if env.Cancelled() {
			return
		}
		if err != nil {
			env.Logger.Warn("Requirement refinement failed", "error", err)
			_ = env.Warn("model refinement failed, using extracted requirements: " + err.Error())
			refined = statements
		}
		if usage != nil {
			_ = env.Metrics(usage.Counters())
		}
		if err := a.forward(env, source, refined); err != nil {
			env.Logger.Debug("Dropped analyzer output", "error", err)
		}
	})

	return nil
}

func (a *requirementAnalyzer) refine(ctx context.Context, env *registry.Env, statements []string) ([]string, *providertypes.TokenUsage, error) {
	req := providertypes.Request{
		System:      strings.TrimSpace(analyzerPrompt),
		Prompt:      "Input statements:\n- " + strings.Join(statements, "\n- "),
		Model:       a.settings.Model,
		MaxTokens:   a.settings.MaxTokens,
		Temperature: a.settings.Temperature,
	}

	var result providertypes.PromptResult
	err := env.Retry(ctx, func(ctx context.Context) error {
		var err error
		result, err = a.client.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	refined := dedupe(parseBulletList(result.Text))
	if len(refined) == 0 {
		return nil, result.Metadata.Usage, fmt.Errorf("model returned no requirements")
	}
	return refined, result.Metadata.Usage, nil
}

func (a *requirementAnalyzer) forward(env *registry.Env, source string, requirements []string) error {
	if err := env.Progress(40, "requirements ready"); err != nil {
		return err
	}
	if err := env.Succeed(map[string]any{"requirements": requirements}); err != nil {
		return err
	}
	return env.Forward(TopicTestCaseGenerator, map[string]any{
		"requirements": requirements,
		"source":       source,
	})
}

// extractStatements splits prose into candidate requirement statements.
func extractStatements(text string) []string {
	var out []string
	for _, part := range sentenceBoundary.Split(text, -1) {
		part = strings.Join(strings.Fields(bulletPrefix.ReplaceAllString(part, "")), " ")
		if len(strings.Fields(part)) < minStatementWords {
			continue
		}
		out = append(out, part)
	}
	return out
}

func parseBulletList(text string) []string {
	var out []string
	for line := range strings.Lines(text) {
		if !bulletPrefix.MatchString(line) {
			continue
		}
		if item := strings.TrimSpace(bulletPrefix.ReplaceAllString(line, "")); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		key := strings.ToLower(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
