package agents

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"agentflow/pkg/bus"
	"agentflow/pkg/registry"
)

// TestCase is one generated test case.
type TestCase struct {
	ID          string   `json:"id"`
	Requirement string   `json:"requirement"`
	Title       string   `json:"title"`
	Steps       []string `json:"steps"`
	Expected    string   `json:"expected"`
	Negative    bool     `json:"negative,omitempty"`
}

func (tc TestCase) record() map[string]any {
	steps := make([]any, len(tc.Steps))
	for i, step := range tc.Steps {
		steps[i] = step
	}
	return map[string]any{
		"id":          tc.ID,
		"requirement": tc.Requirement,
		"title":       tc.Title,
		"steps":       steps,
		"expected":    tc.Expected,
		"negative":    tc.Negative,
	}
}

var negativeMarkers = []string{"must not", "should not", "cannot", "never", "reject", "invalid", "denied"}

type testCaseGenerator struct {
	batchSize int
}

func newTestCaseGenerator(env *registry.Env) (registry.Agent, error) {
	size, err := strconv.Atoi(env.Config.Setting("batch_size", "5"))
	if err != nil || size <= 0 {
		return nil, fmt.Errorf("batch_size must be a positive integer, got %q", env.Config.Setting("batch_size", ""))
	}
	return &testCaseGenerator{batchSize: size}, nil
}

func (g *testCaseGenerator) Handle(_ context.Context, env *registry.Env, msg bus.Message) error {
	data, err := requestData(msg)
	if err != nil {
		return err
	}
	requirements := stringList(data["requirements"])
	if len(requirements) == 0 {
		return env.Fail(bus.ErrorKindValidation, "no requirements to generate test cases from")
	}

	records := make([]any, 0, len(requirements))
	for start := 0; start < len(requirements); start += g.batchSize {
		end := min(start+g.batchSize, len(requirements))

		batch := make([]any, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, generateTestCase(i+1, requirements[i]).record())
		}
		records = append(records, batch...)

		percent := 40 + 50*float64(end)/float64(len(requirements))
		if err := env.Progress(percent, fmt.Sprintf("generated %d of %d test cases", end, len(requirements))); err != nil {
			return err
		}
		if err := env.Succeed(map[string]any{"batch": start/g.batchSize + 1, "test_cases": batch}); err != nil {
			return err
		}
	}

	return env.Forward(TopicPersistence, map[string]any{
		"requirements": requirements,
		"test_cases":   records,
		"source":       stringField(data, "source"),
	})
}

func generateTestCase(n int, requirement string) TestCase {
	lower := strings.ToLower(requirement)
	negative := false
	for _, marker := range negativeMarkers {
		if strings.Contains(lower, marker) {
			negative = true
			break
		}
	}

	subject := strings.TrimSuffix(requirement, ".")
	tc := TestCase{
		ID:          fmt.Sprintf("TC-%03d", n),
		Requirement: requirement,
		Title:       "Verify that " + lowerFirst(subject),
		Steps: []string{
			"Prepare the system in a state where the requirement applies",
			"Perform the action described: " + subject,
			"Observe the system response",
		},
		Expected: "The system behaves as stated: " + subject,
		Negative: negative,
	}
	if negative {
		tc.Title = "Verify that the system enforces: " + lowerFirst(subject)
		tc.Expected = "The disallowed behaviour is prevented and reported"
	}
	return tc
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
