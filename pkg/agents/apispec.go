package agents

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"agentflow/pkg/bus"
	"agentflow/pkg/registry"
)

var httpMethods = []string{"get", "post", "put", "patch", "delete", "head", "options"}

type apiDocument struct {
	Info struct {
		Title   string `yaml:"title"`
		Version string `yaml:"version"`
	} `yaml:"info"`
	// Path items mix operations with shared keys such as parameters, so
	// operations are decoded one by one.
	Paths map[string]map[string]yaml.Node `yaml:"paths"`
}

type apiOperation struct {
	Summary     string               `yaml:"summary"`
	Description string               `yaml:"description"`
	Responses   map[string]yaml.Node `yaml:"responses"`
}

type apiSpecParser struct{}

func newAPISpecParser(*registry.Env) (registry.Agent, error) {
	return apiSpecParser{}, nil
}

func (apiSpecParser) Handle(_ context.Context, env *registry.Env, msg bus.Message) error {
	data, err := requestData(msg)
	if err != nil {
		return err
	}
	if err := env.Progress(5, "parsing API specification"); err != nil {
		return err
	}

	doc, err := parseAPISpec(stringField(data, "spec"))
	if err != nil {
		return env.Fail(bus.ErrorKindValidation, err.Error())
	}
	requirements, err := operationRequirements(doc)
	if err != nil {
		return env.Fail(bus.ErrorKindValidation, err.Error())
	}
	if len(requirements) == 0 {
		return env.Fail(bus.ErrorKindValidation, "API specification declares no operations")
	}

	title := doc.Info.Title
	if title == "" {
		title = "API"
	}
	if err := env.Info(fmt.Sprintf("%s: %d operations across %d paths", title, len(requirements), len(doc.Paths))); err != nil {
		return err
	}

	return env.Forward(TopicRequirementAnalyzer, map[string]any{
		"requirements": requirements,
		"source":       "api_spec",
	})
}

// parseAPISpec accepts OpenAPI documents in JSON or YAML; JSON parses as YAML.
func parseAPISpec(spec string) (apiDocument, error) {
	var doc apiDocument
	if err := yaml.Unmarshal([]byte(spec), &doc); err != nil {
		return apiDocument{}, fmt.Errorf("parse API specification: %w", err)
	}
	return doc, nil
}

func operationRequirements(doc apiDocument) ([]string, error) {
	paths := make([]string, 0, len(doc.Paths))
	for path := range doc.Paths {
		paths = append(paths, path)
	}
	slices.Sort(paths)

	var out []string
	for _, path := range paths {
		operations := doc.Paths[path]
		for _, method := range httpMethods {
			node, ok := operations[method]
			if !ok {
				continue
			}
			var op apiOperation
			if err := node.Decode(&op); err != nil {
				return nil, fmt.Errorf("decode %s %s: %w", strings.ToUpper(method), path, err)
			}

			statement := fmt.Sprintf("The API must support %s %s", strings.ToUpper(method), path)
			if summary := strings.TrimSpace(firstNonEmpty(op.Summary, op.Description)); summary != "" {
				statement += ": " + strings.TrimSuffix(summary, ".")
			}
			if codes := responseCodes(op); len(codes) > 0 {
				statement += " (responses " + strings.Join(codes, ", ") + ")"
			}
			out = append(out, statement)
		}
	}
	return out, nil
}

func responseCodes(op apiOperation) []string {
	codes := make([]string, 0, len(op.Responses))
	for code := range op.Responses {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
