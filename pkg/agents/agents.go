// Package agents provides the default pipeline behind the workflow kinds:
// input parsers feed the requirement analyzer, whose statements become test
// cases that the persistence agent stores before completing the workflow.
package agents

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentflow/pkg/bus"
	"agentflow/pkg/config"
	"agentflow/pkg/provider"
	"agentflow/pkg/registry"
	"agentflow/pkg/store"
)

const (
	TopicDocumentParser      bus.Topic = "document-parser"
	TopicImageAnalyzer       bus.Topic = "image-analyzer"
	TopicAPISpecParser       bus.Topic = "api-spec-parser"
	TopicRequirementAnalyzer bus.Topic = "requirement-analyzer"
	TopicTestCaseGenerator   bus.Topic = "test-case-generator"
	TopicPersistence         bus.Topic = "persistence"
)

// FeatureLLM toggles model refinement in the requirement analyzer.
const FeatureLLM = "llm"

// Deps are shared by the agents Register installs.
type Deps struct {
	// Provider refines extracted requirements. Nil keeps the analyzer
	// rule-based.
	Provider provider.Client
	Analyzer config.AnalyzerConfig
	// Results receives the final result sets. Defaults to memory.
	Results store.ResultLog
	Logger  *slog.Logger
}

// Register installs the default pipeline into reg.
func Register(reg *registry.Registry, deps Deps) error {
	if deps.Results == nil {
		deps.Results = store.NewMemoryResults()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	parserConfig := registry.AgentConfig{}
	analyzerConfig := registry.AgentConfig{
		MaxRetries: 2,
		Timeout:    time.Minute,
		Features:   map[string]bool{FeatureLLM: deps.Provider != nil},
	}
	generatorConfig := registry.AgentConfig{Settings: map[string]string{"batch_size": "5"}}
	persistenceConfig := registry.AgentConfig{MaxRetries: 3, Timeout: 10 * time.Second}

	steps := []struct {
		topic bus.Topic
		ctor  registry.Constructor
		cfg   registry.AgentConfig
		opts  []registry.RegisterOption
	}{
		{topic: TopicDocumentParser, ctor: newDocumentParser, cfg: parserConfig},
		{topic: TopicImageAnalyzer, ctor: newImageAnalyzer, cfg: parserConfig},
		{topic: TopicAPISpecParser, ctor: newAPISpecParser, cfg: parserConfig},
		{topic: TopicRequirementAnalyzer, ctor: analyzerConstructor(deps), cfg: analyzerConfig},
		{topic: TopicTestCaseGenerator, ctor: newTestCaseGenerator, cfg: generatorConfig},
		{
			topic: TopicPersistence,
			ctor:  persistenceConstructor(deps.Results),
			cfg:   persistenceConfig,
			opts:  []registry.RegisterOption{registry.WithScope(registry.ScopeProcess)},
		},
	}

	var errs []error
	for _, step := range steps {
		if err := reg.Register(step.topic, step.ctor, step.cfg, step.opts...); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", step.topic, err))
		}
	}
	deps.Logger.Debug("Registered default agents", "component", "agents", "count", len(steps)-len(errs))

	return errors.Join(errs...)
}

func requestData(msg bus.Message) (map[string]any, error) {
	request, ok := msg.Payload.(bus.RequestPayload)
	if !ok {
		return nil, fmt.Errorf("unexpected %s payload %T", msg.Kind, msg.Payload)
	}
	if request.Data == nil {
		return map[string]any{}, nil
	}
	return request.Data, nil
}

func stringField(data map[string]any, key string) string {
	value, _ := data[key].(string)
	return strings.TrimSpace(value)
}

func stringList(value any) []string {
	var out []string
	switch typed := value.(type) {
	case []string:
		out = make([]string, 0, len(typed))
		for _, item := range typed {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	case []any:
		out = make([]string, 0, len(typed))
		for _, item := range typed {
			if text, ok := item.(string); ok && strings.TrimSpace(text) != "" {
				out = append(out, strings.TrimSpace(text))
			}
		}
	}
	return out
}
