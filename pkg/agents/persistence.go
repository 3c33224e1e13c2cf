package agents

import (
	"context"
	"fmt"

	"agentflow/pkg/bus"
	"agentflow/pkg/registry"
	"agentflow/pkg/store"
)

// persistence is process-scoped: one instance writes every session's result
// set and completes its workflow.
type persistence struct {
	results store.ResultLog
}

func persistenceConstructor(results store.ResultLog) registry.Constructor {
	return func(*registry.Env) (registry.Agent, error) {
		return &persistence{results: results}, nil
	}
}

func (p *persistence) Handle(_ context.Context, env *registry.Env, msg bus.Message) error {
	data, err := requestData(msg)
	if err != nil {
		return err
	}
	testCases, _ := data["test_cases"].([]any)
	result := map[string]any{
		"requirements": data["requirements"],
		"test_cases":   testCases,
		"source":       stringField(data, "source"),
	}

	if err := env.Progress(95, "storing results"); err != nil {
		return err
	}

	env.Go(func(ctx context.Context, env *registry.Env) {
		var id int64
		err := env.Retry(ctx, func(ctx context.Context) error {
			var err error
			id, err = p.results.SaveResult(ctx, env.SessionID, string(env.Topic), result)
			return err
		})
		if err != nil {
			env.Logger.Error("Failed to store results", "error", err)
			_ = env.Fail(bus.ErrorKindAgentFailure, fmt.Sprintf("%s: store results: %v", env.Topic, err))
			return
		}

		result["result_id"] = id
		result["test_case_count"] = len(testCases)
		if err := env.Complete(result); err != nil {
			env.Logger.Warn("Failed to complete workflow", "error", err)
		}
	})

	return nil
}
