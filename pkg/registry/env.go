package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agentflow/pkg/bus"
)

const (
	retryInitialDelay = 100 * time.Millisecond
	retryMaxDelay     = 5 * time.Second
)

var (
	// ErrCancelled is returned by Retry once the workflow was cancelled.
	ErrCancelled = errors.New("agent cancelled")
	// ErrDetached is returned when an instance publishes after its workflow
	// ended and it was unbound from the bus.
	ErrDetached = errors.New("agent detached from its workflow")
)

// lifetime is shared by every view of one instance.
type lifetime struct {
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	cancelled atomic.Bool
	detached  atomic.Bool
}

func newLifetime(parent context.Context) *lifetime {
	ctx, cancel := context.WithCancel(parent)
	return &lifetime{ctx: ctx, cancel: cancel}
}

func (l *lifetime) stop() {
	l.cancel()
	l.wg.Wait()
}

// Env is what an agent instance sees of the runtime.
type Env struct {
	SessionID string
	// WorkflowID is the run of the message being handled. Everything published
	// through the Env is stamped with it.
	WorkflowID string
	Topic      bus.Topic
	Scope      Scope
	Config     AgentConfig
	Logger     *slog.Logger

	bus  *bus.Bus
	life *lifetime
	// dispatch is the bus context of the delivery that produced this view.
	dispatch context.Context
}

// Session returns a view of e bound to sessionID. Process-scoped agents use
// it to reply on behalf of the session a message belongs to.
func (e *Env) Session(sessionID string) *Env {
	if sessionID == e.SessionID {
		return e
	}

	view := *e
	view.SessionID = sessionID
	view.WorkflowID = ""
	view.Logger = e.Logger.With("session_id", sessionID)
	return &view
}

// delivery returns a view of e for handling msg.
func (e *Env) delivery(ctx context.Context, msg bus.Message) *Env {
	view := *e.Session(msg.SessionID)
	view.WorkflowID = msg.WorkflowID
	view.dispatch = ctx
	if msg.WorkflowID != "" {
		view.Logger = view.Logger.With("workflow_id", msg.WorkflowID)
	}
	return &view
}

// Publish puts msg on the bus, stamped with the Env's workflow unless it
// already names one.
func (e *Env) Publish(msg bus.Message) error {
	if e.life.detached.Load() {
		return ErrDetached
	}
	if msg.WorkflowID == "" {
		msg = msg.ForWorkflow(e.WorkflowID)
	}
	if e.dispatch != nil {
		return e.bus.PublishContext(e.dispatch, msg)
	}
	return e.bus.Publish(msg)
}

func (e *Env) publish(topic bus.Topic, payload bus.Payload) error {
	if e.Cancelled() && !payload.Kind().IsTerminal() && payload.Kind() != bus.KindCancelAck {
		return ErrCancelled
	}
	return e.Publish(bus.NewMessage(topic, e.SessionID, string(e.Topic), payload))
}

// Progress reports stage progress to the session stream.
func (e *Env) Progress(percent float64, stage string) error {
	return e.publish(bus.TopicEvents, bus.ProgressPayload{Percent: min(max(percent, 0), 100), StageLabel: stage})
}

func (e *Env) Info(text string) error {
	return e.publish(bus.TopicEvents, bus.InfoPayload{Text: text})
}

func (e *Env) Warn(text string) error {
	return e.publish(bus.TopicEvents, bus.WarningPayload{Text: text})
}

// Succeed reports an intermediate, non-final result.
func (e *Env) Succeed(result map[string]any) error {
	return e.publish(bus.TopicEvents, bus.SuccessPayload{Result: result})
}

func (e *Env) Metrics(counters map[string]int64) error {
	return e.publish(bus.TopicEvents, bus.MetricsPayload{Counters: counters})
}

// Complete ends the workflow successfully.
func (e *Env) Complete(result map[string]any) error {
	return e.publish(bus.TopicLifecycle, bus.CompletionPayload{Result: result})
}

// Fail ends the workflow with an error.
func (e *Env) Fail(kind bus.ErrorKind, detail string) error {
	return e.publish(bus.TopicLifecycle, bus.ErrorPayload{ErrorKind: kind, Detail: detail})
}

// Forward hands work to the next agent in the pipeline.
func (e *Env) Forward(topic bus.Topic, data map[string]any) error {
	return e.publish(topic, bus.RequestPayload{Data: data})
}

// Cancelled reports whether the instance was asked to stop. Process-scoped
// instances never report cancellation.
func (e *Env) Cancelled() bool {
	return e.life.cancelled.Load()
}

// Context is cancelled when the instance is cancelled or closed.
func (e *Env) Context() context.Context {
	return e.life.ctx
}

// Go runs fn off the bus loop. Blocking work (network, model calls) belongs
// here; results re-enter the pipeline through Publish. A panic in fn fails the
// workflow with an agent_failure error.
func (e *Env) Go(fn func(ctx context.Context, env *Env)) {
	if e.life.ctx.Err() != nil {
		return
	}

	worker := *e
	worker.dispatch = nil

	e.life.wg.Add(1)
	go func() {
		defer e.life.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				worker.Logger.Error("Agent worker panicked", "panic", r)
				if err := worker.Fail(bus.ErrorKindAgentFailure, fmt.Sprintf("%s: worker panicked: %v", e.Topic, r)); err != nil {
					e.Logger.Warn("Failed to report worker panic", "error", err)
				}
			}
		}()

		fn(worker.life.ctx, &worker)
	}()
}

// Retry calls fn until it succeeds or Config.MaxRetries retries were spent.
// Each attempt is bounded by Config.Timeout when set; waits between attempts
// back off exponentially.
func (e *Env) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := retryInitialDelay
	var lastErr error

	for attempt := 0; attempt <= e.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			e.Logger.Debug("Retrying agent operation", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay = min(delay*2, retryMaxDelay)
		}
		if e.Cancelled() {
			return ErrCancelled
		}

		lastErr = e.attempt(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}

	return fmt.Errorf("after %d attempts: %w", e.Config.MaxRetries+1, lastErr)
}

func (e *Env) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.Config.Timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.Config.Timeout)
	defer cancel()
	return fn(attemptCtx)
}
