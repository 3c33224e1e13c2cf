package workflow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/pkg/bus"
	"agentflow/pkg/registry"
	"agentflow/pkg/store"
	"agentflow/pkg/stream"
	"agentflow/pkg/workflow"
)

type fakeRecorder struct {
	mu        sync.Mutex
	started   int
	finished  map[string]int
	rejected  map[string]int
	late      int
	anomalies int
	failures  map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{finished: map[string]int{}, rejected: map[string]int{}, failures: map[string]int{}}
}

func (r *fakeRecorder) WorkflowStarted(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *fakeRecorder) WorkflowFinished(_ string, status string, _ string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[status]++
}

func (r *fakeRecorder) WorkflowRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[reason]++
}

func (r *fakeRecorder) MessageDelivered(string) {}

func (r *fakeRecorder) AgentFailed(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[topic]++
}

func (r *fakeRecorder) LateMessage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.late++
}

func (r *fakeRecorder) TerminalAnomaly() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies++
}

func (r *fakeRecorder) lateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.late
}

type harness struct {
	bus      *bus.Bus
	registry *registry.Registry
	store    *store.Memory
	coord    *workflow.Coordinator
	recorder *fakeRecorder
}

func newHarness(t *testing.T, opts ...workflow.Option) *harness {
	t.Helper()
	return newHarnessOn(t, bus.New(), opts...)
}

func newHarnessOn(t *testing.T, b *bus.Bus, opts ...workflow.Option) *harness {
	t.Helper()

	b.Start(context.Background())
	reg := registry.New(b)
	mem := store.NewMemory()
	rec := newFakeRecorder()

	opts = append([]workflow.Option{workflow.WithRecorder(rec), workflow.WithDrainTimeout(time.Second)}, opts...)
	coord, err := workflow.NewCoordinator(b, reg, mem, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		coord.Close()
		reg.Close()
		b.Close()
	})

	return &harness{bus: b, registry: reg, store: mem, coord: coord, recorder: rec}
}

func (h *harness) register(t *testing.T, topic bus.Topic, fn registry.AgentFunc) {
	t.Helper()
	require.NoError(t, h.registry.Register(topic, func(*registry.Env) (registry.Agent, error) {
		return fn, nil
	}, registry.AgentConfig{}))
}

// pipeline registers agents that walk a text request through every stage.
func (h *harness) pipeline(t *testing.T) {
	t.Helper()

	h.register(t, "requirement-analyzer", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		if err := env.Progress(30, "analyze"); err != nil {
			return err
		}
		return env.Forward("test-case-generator", map[string]any{"requirements": []any{"login"}})
	})
	h.register(t, "test-case-generator", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		if err := env.Progress(70, "generate"); err != nil {
			return err
		}
		if err := env.Succeed(map[string]any{"batch": 1}); err != nil {
			return err
		}
		return env.Forward("persistence", map[string]any{"test_cases": []any{"login works"}})
	})
	h.register(t, "persistence", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		return env.Complete(map[string]any{"stored": 1})
	})
}

func collect(t *testing.T, c *stream.Collector) []bus.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var out []bus.Message
	for msg, err := range c.All(ctx) {
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func kinds(msgs []bus.Message) []bus.Kind {
	out := make([]bus.Kind, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Kind)
	}
	return out
}

func waitStatus(t *testing.T, h *harness, sessionID string, status workflow.Status) workflow.Workflow {
	t.Helper()

	var got workflow.Workflow
	require.Eventually(t, func() bool {
		w, err := h.coord.GetStatus(sessionID)
		if err != nil {
			return false
		}
		got = w
		return w.Status == status
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

func TestWorkflowRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	h.pipeline(t)

	id, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "Users can log in."})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	collector, err := h.coord.Stream("s1")
	require.NoError(t, err)
	events := collect(t, collector)

	assert.Equal(t, []bus.Kind{bus.KindProgress, bus.KindProgress, bus.KindSuccess, bus.KindCompletion}, kinds(events))
	assert.True(t, events[len(events)-1].IsFinal())

	w := waitStatus(t, h, "s1", workflow.StatusCompleted)
	assert.Equal(t, id, w.ID)
	assert.Equal(t, map[string]any{"stored": 1}, w.Result)
	assert.False(t, w.CompletedAt.IsZero())
	assert.Equal(t, 2, w.Metrics.MessagesByKind[bus.KindProgress])
	assert.Equal(t, 1, w.Metrics.AgentSuccesses["test-case-generator"])

	byID, err := h.coord.GetWorkflow(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, byID.Status)
	assert.Len(t, h.coord.ListWorkflows(workflow.ListFilter{SessionID: "s1"}), 1)
}

func TestAgentFailureEndsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.pipeline(t)
	h.register(t, "document-parser", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		if err := env.Progress(10, "parse"); err != nil {
			return err
		}
		return errors.New("corrupt document")
	})

	_, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "Users can log in."})
	require.NoError(t, err)
	_, err = h.coord.StartWorkflow(context.Background(), workflow.KindDocument, "s2", map[string]any{"content": "%PDF-garbage"})
	require.NoError(t, err)
	healthy, err := h.coord.Stream("s1")
	require.NoError(t, err)
	failing, err := h.coord.Stream("s2")
	require.NoError(t, err)

	events := collect(t, failing)
	require.Equal(t, []bus.Kind{bus.KindProgress, bus.KindError}, kinds(events))
	payload := events[1].Payload.(bus.ErrorPayload)
	assert.Equal(t, bus.ErrorKindAgentFailure, payload.ErrorKind)
	assert.Contains(t, payload.Detail, "document-parser")
	assert.Contains(t, payload.Detail, "corrupt document")

	w := waitStatus(t, h, "s2", workflow.StatusFailed)
	require.NotNil(t, w.Error)
	assert.Equal(t, bus.ErrorKindAgentFailure, w.Error.Kind)
	assert.Equal(t, 1, w.Metrics.AgentFailures["document-parser"])

	assert.Equal(t, []bus.Kind{bus.KindProgress, bus.KindProgress, bus.KindSuccess, bus.KindCompletion}, kinds(collect(t, healthy)))
	other := waitStatus(t, h, "s1", workflow.StatusCompleted)
	assert.Nil(t, other.Error)
	assert.Empty(t, other.Metrics.AgentFailures)
	assert.Equal(t, map[string]any{"stored": 1}, other.Result)
}

func TestTerminalErrorsSurviveFullQueue(t *testing.T) {
	h := newHarnessOn(t, bus.New(bus.WithQueueSize(8)), workflow.WithWorkflowTimeout(500*time.Millisecond))

	full := make(chan struct{})
	var fullOnce sync.Once
	h.register(t, "requirement-analyzer", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		env.Go(func(ctx context.Context, worker *registry.Env) {
			for ctx.Err() == nil {
				err := worker.Progress(50, "flood")
				if errors.Is(err, bus.ErrQueueFull) {
					fullOnce.Do(func() { close(full) })
				}
				if errors.Is(err, registry.ErrDetached) {
					return
				}
			}
		})
		return nil
	})
	// Holding the loop until the flood fills the shared queue means this
	// handler fails while nothing else can be enqueued.
	h.register(t, "document-parser", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		select {
		case <-full:
		case <-time.After(2 * time.Second):
			return errors.New("queue never filled")
		}
		for i := range 5000 {
			if err := env.Progress(float64(i%100), "parse"); err != nil {
				return err
			}
		}
		return errors.New("corrupt document")
	})

	// Both requests are queued before the flood starts.
	gate := make(chan struct{})
	blocked := make(chan struct{})
	go func() {
		_ = h.bus.Do(context.Background(), func(context.Context) {
			close(blocked)
			<-gate
		})
	}()
	<-blocked

	_, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "flooded", map[string]any{"text": "x"})
	require.NoError(t, err)
	_, err = h.coord.StartWorkflow(context.Background(), workflow.KindDocument, "noisy", map[string]any{"content": "x"})
	close(gate)
	require.NoError(t, err)
	noisy, err := h.coord.Stream("noisy")
	require.NoError(t, err)

	events := collect(t, noisy)
	last := events[len(events)-1]
	require.Equal(t, bus.KindError, last.Kind)
	assert.Equal(t, bus.ErrorKindAgentFailure, last.Payload.(bus.ErrorPayload).ErrorKind)
	assert.Contains(t, last.Payload.(bus.ErrorPayload).Detail, "corrupt document")

	w := waitStatus(t, h, "noisy", workflow.StatusFailed)
	assert.Equal(t, bus.ErrorKindAgentFailure, w.Error.Kind)

	w = waitStatus(t, h, "flooded", workflow.StatusFailed)
	assert.Equal(t, bus.ErrorKindTimeout, w.Error.Kind)
}

func TestCancelWaitsForAcknowledgements(t *testing.T) {
	h := newHarness(t, workflow.WithCancelGrace(5*time.Second))
	h.register(t, "image-analyzer", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		return env.Progress(5, "decode")
	})
	h.register(t, "requirement-analyzer", func(context.Context, *registry.Env, bus.Message) error {
		return nil
	})

	id, err := h.coord.StartWorkflow(context.Background(), workflow.KindImage, "s1", map[string]any{"url": "https://example.com/wire.png"})
	require.NoError(t, err)
	collector, err := h.coord.Stream("s1")
	require.NoError(t, err)

	require.NoError(t, h.coord.CancelWorkflow(context.Background(), id))

	events := collect(t, collector)
	last := events[len(events)-1]
	require.Equal(t, bus.KindError, last.Kind)
	assert.Equal(t, bus.ErrorKindCancelled, last.Payload.(bus.ErrorPayload).ErrorKind)
	assert.Contains(t, last.Payload.(bus.ErrorPayload).Detail, "all agents acknowledged")

	w := waitStatus(t, h, "s1", workflow.StatusCancelled)
	assert.Equal(t, bus.ErrorKindCancelled, w.Error.Kind)

	require.ErrorIs(t, h.coord.CancelWorkflow(context.Background(), id), workflow.ErrNotActive)
	require.ErrorIs(t, h.coord.CancelWorkflow(context.Background(), "missing"), workflow.ErrNotFound)
}

type slowToAcknowledge struct{ delay time.Duration }

func (slowToAcknowledge) Handle(context.Context, *registry.Env, bus.Message) error { return nil }

func (a slowToAcknowledge) OnCancel(context.Context, *registry.Env, string) {
	time.Sleep(a.delay)
}

func TestCancelGracePeriodForcesCancelled(t *testing.T) {
	h := newHarness(t, workflow.WithCancelGrace(30*time.Millisecond))
	require.NoError(t, h.registry.Register("requirement-analyzer", func(*registry.Env) (registry.Agent, error) {
		return slowToAcknowledge{delay: 300 * time.Millisecond}, nil
	}, registry.AgentConfig{}))

	id, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "x"})
	require.NoError(t, err)
	collector, err := h.coord.Stream("s1")
	require.NoError(t, err)

	require.NoError(t, h.coord.CancelWorkflow(context.Background(), id))

	events := collect(t, collector)
	last := events[len(events)-1]
	require.Equal(t, bus.KindError, last.Kind)
	assert.Equal(t, bus.ErrorKindCancelled, last.Payload.(bus.ErrorPayload).ErrorKind)
	assert.Equal(t, "workflow cancelled: grace period elapsed", last.Payload.(bus.ErrorPayload).Detail)

	w := waitStatus(t, h, "s1", workflow.StatusCancelled)
	assert.Equal(t, "workflow cancelled: grace period elapsed", w.Error.Detail)

	require.NoError(t, h.bus.Publish(bus.NewMessage(bus.TopicEvents, "s1", "requirement-analyzer", bus.InfoPayload{Text: "still thinking"})))
	require.Eventually(t, func() bool { return h.recorder.lateCount() == 1 }, time.Second, 5*time.Millisecond)

	stored, err := h.coord.GetWorkflow(id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, stored.Status)
}

func TestStaleWorkerCannotFinishNextWorkflow(t *testing.T) {
	h := newHarness(t, workflow.WithWorkflowTimeout(300*time.Millisecond))

	release := make(chan struct{})
	published := make(chan error, 1)
	var requests atomic.Int32
	h.register(t, "requirement-analyzer", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		if requests.Add(1) > 1 {
			return nil
		}
		env.Go(func(_ context.Context, worker *registry.Env) {
			<-release
			published <- worker.Complete(map[string]any{"stale": true})
		})
		return nil
	})

	first, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "a"})
	require.NoError(t, err)
	waitStatus(t, h, "s1", workflow.StatusFailed)
	require.NoError(t, h.bus.WaitIdle(context.Background()))

	second, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "b"})
	require.NoError(t, err)
	collector, err := h.coord.Stream("s1")
	require.NoError(t, err)

	close(release)
	require.ErrorIs(t, <-published, registry.ErrDetached)

	// Agents that stay attached, like process-scoped ones, can still reply
	// for the earlier run.
	late := bus.NewMessage(bus.TopicLifecycle, "s1", "persistence", bus.CompletionPayload{Result: map[string]any{"stale": true}})
	require.NoError(t, h.bus.Publish(late.ForWorkflow(first)))
	require.NoError(t, h.bus.WaitIdle(context.Background()))

	w, err := h.coord.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, second, w.ID)
	assert.Equal(t, workflow.StatusProcessing, w.Status)
	assert.Nil(t, w.Result)

	events := collect(t, collector)
	require.Len(t, events, 1)
	assert.Equal(t, second, events[0].WorkflowID)
	assert.Equal(t, bus.ErrorKindTimeout, events[0].Payload.(bus.ErrorPayload).ErrorKind)
	waitStatus(t, h, "s1", workflow.StatusFailed)
}

type completingOnCancel struct{}

func (completingOnCancel) Handle(context.Context, *registry.Env, bus.Message) error { return nil }

func (completingOnCancel) OnCancel(_ context.Context, env *registry.Env, _ string) {
	_ = env.Complete(map[string]any{"partial": true})
}

func TestTerminalMessageDuringGraceWins(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("requirement-analyzer", func(*registry.Env) (registry.Agent, error) {
		return completingOnCancel{}, nil
	}, registry.AgentConfig{}))

	id, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "x"})
	require.NoError(t, err)
	collector, err := h.coord.Stream("s1")
	require.NoError(t, err)

	require.NoError(t, h.coord.CancelWorkflow(context.Background(), id))

	events := collect(t, collector)
	assert.Equal(t, bus.KindCompletion, events[len(events)-1].Kind)

	w := waitStatus(t, h, "s1", workflow.StatusCompleted)
	assert.Equal(t, map[string]any{"partial": true}, w.Result)
}

func TestFirstTerminalMessageWins(t *testing.T) {
	h := newHarness(t)
	h.register(t, "requirement-analyzer", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		if err := env.Complete(map[string]any{"ok": true}); err != nil {
			return err
		}
		return env.Fail(bus.ErrorKindAgentFailure, "too late")
	})

	_, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "x"})
	require.NoError(t, err)
	collector, err := h.coord.Stream("s1")
	require.NoError(t, err)

	events := collect(t, collector)
	assert.Equal(t, []bus.Kind{bus.KindCompletion}, kinds(events))

	w := waitStatus(t, h, "s1", workflow.StatusCompleted)
	require.Eventually(t, func() bool {
		h.recorder.mu.Lock()
		defer h.recorder.mu.Unlock()
		return h.recorder.anomalies == 1
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, w.Error)
}

func TestSingleActiveWorkflowPerSession(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.register(t, "requirement-analyzer", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		env.Go(func(ctx context.Context, env *registry.Env) {
			select {
			case <-release:
				_ = env.Complete(nil)
			case <-ctx.Done():
			}
		})
		return nil
	})

	_, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "a"})
	require.NoError(t, err)
	_, err = h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "b"})
	require.ErrorIs(t, err, workflow.ErrSessionBusy)

	_, err = h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s2", map[string]any{"text": "c"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.coord.Active())

	close(release)
	waitStatus(t, h, "s1", workflow.StatusCompleted)

	second, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "d"})
	require.NoError(t, err)
	w, err := h.coord.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, second, w.ID)
	assert.Equal(t, 1, h.recorder.rejected["session_busy"])
}

func TestStartWorkflowValidation(t *testing.T) {
	h := newHarness(t)
	h.pipeline(t)

	tests := []struct {
		name      string
		kind      string
		sessionID string
		payload   map[string]any
	}{
		{name: "unknown kind", kind: "video", sessionID: "s1", payload: map[string]any{}},
		{name: "missing session", kind: workflow.KindTextInput, sessionID: " ", payload: map[string]any{"text": "x"}},
		{name: "missing text", kind: workflow.KindTextInput, sessionID: "s1", payload: map[string]any{}},
		{name: "empty text", kind: workflow.KindTextInput, sessionID: "s1", payload: map[string]any{"text": ""}},
		{name: "image without source", kind: workflow.KindImage, sessionID: "s1", payload: map[string]any{"description": "x"}},
		{name: "nil payload", kind: workflow.KindAPISpec, sessionID: "s1", payload: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.StartWorkflow(context.Background(), tt.kind, tt.sessionID, tt.payload)
			require.ErrorIs(t, err, workflow.ErrValidation)
		})
	}

	_, err := h.coord.GetStatus("s1")
	require.ErrorIs(t, err, workflow.ErrNotFound)
	assert.Zero(t, h.store.Len())
}

func TestInstantiationFailureMarksWorkflowFailed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("requirement-analyzer", func(*registry.Env) (registry.Agent, error) {
		return nil, errors.New("model not configured")
	}, registry.AgentConfig{}))

	_, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "x"})
	require.ErrorIs(t, err, workflow.ErrInstantiation)
	require.ErrorIs(t, err, registry.ErrInstantiation)

	w, err := h.coord.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, w.Status)

	_, err = h.coord.Stream("s1")
	require.ErrorIs(t, err, workflow.ErrNotFound)

	_, err = h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "x"})
	require.ErrorIs(t, err, workflow.ErrInstantiation)
}

func TestWorkflowTimeout(t *testing.T) {
	h := newHarness(t, workflow.WithWorkflowTimeout(50*time.Millisecond))
	h.register(t, "requirement-analyzer", func(context.Context, *registry.Env, bus.Message) error { return nil })

	_, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "x"})
	require.NoError(t, err)
	collector, err := h.coord.Stream("s1")
	require.NoError(t, err)

	events := collect(t, collector)
	require.Len(t, events, 1)
	assert.Equal(t, bus.ErrorKindTimeout, events[0].Payload.(bus.ErrorPayload).ErrorKind)
	waitStatus(t, h, "s1", workflow.StatusFailed)
}

func TestStreamOverflowFailsWorkflow(t *testing.T) {
	h := newHarness(t, workflow.WithStreamCaps(2, 4))
	h.register(t, "requirement-analyzer", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		for range 10 {
			if err := env.Info("chunk"); err != nil {
				return err
			}
		}
		return nil
	})

	_, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "x"})
	require.NoError(t, err)
	collector, err := h.coord.Stream("s1")
	require.NoError(t, err)

	// Nothing consumes until the workflow failed, so the buffer must grow.
	w := waitStatus(t, h, "s1", workflow.StatusFailed)
	assert.Equal(t, bus.ErrorKindResourceExhaustion, w.Error.Kind)

	events := collect(t, collector)
	last := events[len(events)-1]
	assert.Equal(t, bus.ErrorKindResourceExhaustion, last.Payload.(bus.ErrorPayload).ErrorKind)
	assert.Len(t, events, 11)
}

func TestLateMessagesAreDropped(t *testing.T) {
	h := newHarness(t)
	h.register(t, "requirement-analyzer", func(_ context.Context, env *registry.Env, msg bus.Message) error {
		if err := env.Complete(nil); err != nil {
			return err
		}
		return h.bus.Publish(bus.NewMessage(bus.TopicEvents, msg.SessionID, "straggler", bus.InfoPayload{Text: "late"}))
	})

	_, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "x"})
	require.NoError(t, err)
	collector, err := h.coord.Stream("s1")
	require.NoError(t, err)

	assert.Equal(t, []bus.Kind{bus.KindCompletion}, kinds(collect(t, collector)))
	require.Eventually(t, func() bool { return h.recorder.lateCount() == 1 }, time.Second, 5*time.Millisecond)
	waitStatus(t, h, "s1", workflow.StatusCompleted)
}

func TestAdmissionLimit(t *testing.T) {
	h := newHarness(t, workflow.WithAdmissionLimit(0.001, 1))
	h.pipeline(t)

	_, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "x"})
	require.NoError(t, err)
	_, err = h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s2", map[string]any{"text": "x"})
	require.ErrorIs(t, err, workflow.ErrLimitReached)
}

func TestUpdateAgentConfigAffectsFutureWorkflows(t *testing.T) {
	h := newHarness(t)

	var seen []int
	var mu sync.Mutex
	require.NoError(t, h.registry.Register("requirement-analyzer", func(env *registry.Env) (registry.Agent, error) {
		mu.Lock()
		seen = append(seen, env.Config.MaxRetries)
		mu.Unlock()
		return registry.AgentFunc(func(_ context.Context, env *registry.Env, _ bus.Message) error {
			return env.Complete(nil)
		}), nil
	}, registry.AgentConfig{MaxRetries: 1}))

	_, err := h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s1", map[string]any{"text": "x"})
	require.NoError(t, err)

	retries := 4
	require.NoError(t, h.coord.UpdateAgentConfig(context.Background(), "requirement-analyzer", registry.ConfigPatch{MaxRetries: &retries}))
	require.ErrorIs(t, h.coord.UpdateAgentConfig(context.Background(), "missing", registry.ConfigPatch{}), registry.ErrUnknownTopic)

	_, err = h.coord.StartWorkflow(context.Background(), workflow.KindTextInput, "s2", map[string]any{"text": "x"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 4}, seen)

	agents := h.coord.ListAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, 4, agents[0].Config.MaxRetries)
}
