package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"agentflow/pkg/bus"
	"agentflow/pkg/registry"
	"agentflow/pkg/stream"
	"agentflow/pkg/tracer"
)

const (
	// Source is stamped on messages the coordinator publishes itself.
	Source = "coordinator"

	DefaultWorkflowTimeout = 10 * time.Minute
	DefaultCancelGrace     = 5 * time.Second
	DefaultDrainTimeout    = time.Minute
)

// Recorder receives coordinator metrics.
type Recorder interface {
	WorkflowStarted(kind string)
	WorkflowFinished(kind string, status string, errorKind string, elapsed time.Duration)
	WorkflowRejected(reason string)
	MessageDelivered(kind string)
	AgentFailed(topic string)
	LateMessage()
	TerminalAnomaly()
}

type noopRecorder struct{}

func (noopRecorder) WorkflowStarted(string)                                 {}
func (noopRecorder) WorkflowFinished(string, string, string, time.Duration) {}
func (noopRecorder) WorkflowRejected(string)                                {}
func (noopRecorder) MessageDelivered(string)                                {}
func (noopRecorder) AgentFailed(string)                                     {}
func (noopRecorder) LateMessage()                                           {}
func (noopRecorder) TerminalAnomaly()                                       {}

type Option func(*Coordinator)

func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(c *Coordinator) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// WithRoutes replaces the kind to entry topic table.
func WithRoutes(routes map[string]bus.Topic) Option {
	return func(c *Coordinator) {
		if len(routes) > 0 {
			c.routes = maps.Clone(routes)
		}
	}
}

func WithValidator(v *Validator) Option {
	return func(c *Coordinator) { c.validator = v }
}

func WithWorkflowTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.workflowTimeout = d }
}

func WithCancelGrace(d time.Duration) Option {
	return func(c *Coordinator) { c.cancelGrace = d }
}

func WithDrainTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.drainTimeout = d }
}

// WithStreamCaps sets the collector soft and hard caps. Zero keeps the
// collector defaults.
func WithStreamCaps(soft int, hard int) Option {
	return func(c *Coordinator) {
		c.softCap, c.hardCap = soft, hard
	}
}

// WithAdmissionLimit bounds how fast workflows may be started. A zero limit
// disables admission control.
func WithAdmissionLimit(perSecond float64, burst int) Option {
	return func(c *Coordinator) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// run is the coordinator's private state for one workflow.
type run struct {
	wf        *Workflow
	instances *registry.Instances
	collector *stream.Collector

	timeout    *time.Timer
	grace      *time.Timer
	cancelling bool
	cancelSent bool
	pending    map[bus.Topic]struct{}
	terminalID string
}

// owns reports whether msg belongs to this run. Messages that name no
// workflow are attributed to the session's current run.
func (r *run) owns(msg bus.Message) bool {
	return msg.WorkflowID == "" || msg.WorkflowID == r.wf.ID
}

func (r *run) stopTimers() {
	if r.timeout != nil {
		r.timeout.Stop()
	}
	if r.grace != nil {
		r.grace.Stop()
	}
}

// Coordinator owns every workflow: it starts them, tracks their state from
// lifecycle messages and tears their agents down once they end.
type Coordinator struct {
	bus       *bus.Bus
	registry  *registry.Registry
	store     Store
	log       *slog.Logger
	recorder  Recorder
	validator *Validator
	limiter   *rate.Limiter
	routes    map[string]bus.Topic

	workflowTimeout time.Duration
	cancelGrace     time.Duration
	drainTimeout    time.Duration
	softCap         int
	hardCap         int

	mu        sync.Mutex
	sessions  map[string]*run
	byID      map[string]*run
	closed    bool
	lifecycle bus.Subscription
}

// NewCoordinator wires the coordinator into b: it subscribes to the
// lifecycle topic and installs the bus failure hook and delivery observer.
func NewCoordinator(b *bus.Bus, reg *registry.Registry, store Store, opts ...Option) (*Coordinator, error) {
	if b == nil || reg == nil || store == nil {
		return nil, errors.New("bus, registry and store are required")
	}

	c := &Coordinator{
		bus:             b,
		registry:        reg,
		store:           store,
		log:             slog.Default(),
		recorder:        noopRecorder{},
		routes:          DefaultRoutes(),
		workflowTimeout: DefaultWorkflowTimeout,
		cancelGrace:     DefaultCancelGrace,
		drainTimeout:    DefaultDrainTimeout,
		sessions:        make(map[string]*run),
		byID:            make(map[string]*run),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "workflow.coordinator")

	if c.validator == nil {
		v, err := NewValidator(nil)
		if err != nil {
			return nil, err
		}
		c.validator = v
	}

	sub, err := b.Subscribe("coordinator/lifecycle", bus.Filter{Topic: bus.TopicLifecycle}, c.handleLifecycle)
	if err != nil {
		return nil, fmt.Errorf("subscribe lifecycle: %w", err)
	}
	c.lifecycle = sub
	b.SetFailureHook(c.handleFailure)
	b.SetObserver(c.observe)

	return c, nil
}

// StartWorkflow validates the request, instantiates the session's agents,
// binds a stream collector and publishes the request to the entry topic.
// It returns once the workflow is processing.
func (c *Coordinator) StartWorkflow(ctx context.Context, kind string, sessionID string, payload map[string]any) (workflowID string, err error) {
	_, span := tracer.StartSpan(ctx, "workflow.start",
		attribute.String("workflow.kind", kind),
		attribute.String("session_id", sessionID),
	)
	defer func() { tracer.End(span, err) }()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		c.recorder.WorkflowRejected("validation")
		return "", fmt.Errorf("%w: session id is required", ErrValidation)
	}
	entry, ok := c.routes[kind]
	if !ok {
		c.recorder.WorkflowRejected("validation")
		return "", fmt.Errorf("%w: unknown workflow kind %q", ErrValidation, kind)
	}
	if err := c.validator.Validate(kind, payload); err != nil {
		c.recorder.WorkflowRejected("validation")
		return "", err
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.recorder.WorkflowRejected("rate_limited")
		return "", ErrLimitReached
	}

	r, err := c.reserve(kind, sessionID)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("workflow.id", r.wf.ID))
	log := c.log.With("workflow_id", r.wf.ID, "session_id", sessionID, "kind", kind)

	instances, err := c.registry.InstantiateForSession(sessionID)
	if err != nil {
		c.abort(r, bus.ErrorKindAgentFailure, err.Error())
		log.Error("Failed to instantiate agents", "error", err)
		return "", fmt.Errorf("%w: %w", ErrInstantiation, err)
	}

	collector := stream.NewCollector(sessionID,
		stream.WithSoftCap(c.softCap),
		stream.WithHardCap(c.hardCap),
		stream.WithWorkflowID(r.wf.ID),
		stream.WithOverflowHook(func(string) { c.handleOverflow(r) }),
		stream.WithLogger(c.log),
	)
	if err := collector.Bind(c.bus); err != nil {
		instances.Close()
		c.abort(r, bus.ErrorKindAgentFailure, err.Error())
		return "", fmt.Errorf("bind stream: %w", err)
	}

	c.mu.Lock()
	r.instances = instances
	r.collector = collector
	if err := r.wf.transition(StatusProcessing, time.Now()); err != nil {
		c.mu.Unlock()
		return "", err
	}
	if c.workflowTimeout > 0 {
		r.timeout = time.AfterFunc(c.workflowTimeout, func() { c.expire(r) })
	}
	snapshot := r.wf.Clone()
	c.mu.Unlock()
	c.persist(snapshot)

	request := bus.NewMessage(entry, sessionID, Source, bus.RequestPayload{WorkflowKind: kind, Data: payload}).ForWorkflow(r.wf.ID)
	if err := c.bus.Publish(request); err != nil {
		errorKind := bus.ErrorKindAgentFailure
		if errors.Is(err, bus.ErrQueueFull) {
			errorKind = bus.ErrorKindResourceExhaustion
		}
		c.abort(r, errorKind, err.Error())
		log.Error("Failed to publish workflow request", "error", err)
		return "", fmt.Errorf("publish request: %w", err)
	}

	c.recorder.WorkflowStarted(kind)
	log.Info("Workflow started", "entry_topic", entry, "agents", len(instances.Topics()))

	return r.wf.ID, nil
}

func (c *Coordinator) reserve(kind string, sessionID string) (*run, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if current, ok := c.sessions[sessionID]; ok && current.wf.Active() {
		c.mu.Unlock()
		c.recorder.WorkflowRejected("session_busy")
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}

	r := &run{wf: newWorkflow(ulid.Make().String(), kind, sessionID, time.Now())}
	if previous, ok := c.sessions[sessionID]; ok {
		delete(c.byID, previous.wf.ID)
	}
	c.sessions[sessionID] = r
	c.byID[r.wf.ID] = r
	snapshot := r.wf.Clone()
	c.mu.Unlock()

	c.persist(snapshot)
	return r, nil
}

// abort fails a workflow that never reached a live stream and forgets it.
func (c *Coordinator) abort(r *run, kind bus.ErrorKind, detail string) {
	c.mu.Lock()
	r.wf.Error = &Failure{Kind: kind, Detail: detail}
	if err := r.wf.transition(StatusFailed, time.Now()); err != nil {
		c.log.Warn("Unexpected transition while aborting workflow", "workflow_id", r.wf.ID, "error", err)
	}
	r.stopTimers()
	instances, collector := r.instances, r.collector
	c.forgetLocked(r)
	snapshot := r.wf.Clone()
	c.mu.Unlock()

	if instances != nil {
		instances.Close()
	}
	if collector != nil {
		collector.Close()
	}
	c.persist(snapshot)
	c.recorder.WorkflowRejected("start_failed")
}

// CancelWorkflow asks every agent of the workflow's session to stop. The
// workflow becomes Cancelled once all of them acknowledged or the grace
// period elapsed, unless a terminal message gets there first.
func (c *Coordinator) CancelWorkflow(ctx context.Context, workflowID string) (err error) {
	_, span := tracer.StartSpan(ctx, "workflow.cancel", attribute.String("workflow.id", workflowID))
	defer func() { tracer.End(span, err) }()

	c.mu.Lock()
	r, ok := c.byID[workflowID]
	if !ok {
		c.mu.Unlock()
		if _, stored := c.store.GetByID(workflowID); stored {
			return fmt.Errorf("%w: %s", ErrNotActive, workflowID)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if r.wf.Status != StatusProcessing {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotActive, workflowID, r.wf.Status)
	}
	if r.cancelling {
		c.mu.Unlock()
		return nil
	}

	r.cancelling = true
	topics := r.instances.Topics()
	r.pending = make(map[bus.Topic]struct{}, len(topics))
	for _, topic := range topics {
		r.pending[topic] = struct{}{}
	}
	sessionID := r.wf.SessionID
	r.grace = time.AfterFunc(c.cancelGrace, func() { c.finishCancel(r, "grace period elapsed") })
	c.mu.Unlock()

	c.log.Info("Cancelling workflow", "workflow_id", workflowID, "session_id", sessionID, "agents", len(topics))
	for _, topic := range topics {
		msg := bus.NewMessage(topic, sessionID, Source, bus.CancelPayload{Reason: "cancelled by caller"}).ForWorkflow(workflowID)
		if err := c.bus.PublishPriority(msg); err != nil {
			c.log.Warn("Failed to deliver cancel", "workflow_id", workflowID, "topic", topic, "error", err)
		}
	}
	if len(topics) == 0 {
		c.finishCancel(r, "no agents to acknowledge")
	}

	return nil
}

// finishCancel publishes the synthetic terminal message of a cancelled
// workflow. The lifecycle handler turns it into the Cancelled state.
func (c *Coordinator) finishCancel(r *run, reason string) {
	c.mu.Lock()
	if r.cancelSent || !r.wf.Active() {
		c.mu.Unlock()
		return
	}
	r.cancelSent = true
	c.mu.Unlock()

	c.terminate(r, bus.ErrorKindCancelled, "workflow cancelled: "+reason)
}

func (c *Coordinator) expire(r *run) {
	c.mu.Lock()
	active := r.wf.Active()
	c.mu.Unlock()
	if !active {
		return
	}

	c.log.Warn("Workflow timed out", "workflow_id", r.wf.ID, "timeout", c.workflowTimeout)
	c.terminate(r, bus.ErrorKindTimeout, fmt.Sprintf("workflow exceeded %s", c.workflowTimeout))
}

func (c *Coordinator) handleOverflow(r *run) {
	c.terminate(r, bus.ErrorKindResourceExhaustion, "stream buffer limit exceeded")
}

// terminate publishes a terminal error for r on the priority lane, so it
// reaches the lifecycle handler and the stream even when the queue is full.
func (c *Coordinator) terminate(r *run, kind bus.ErrorKind, detail string) {
	msg := bus.NewMessage(bus.TopicLifecycle, r.wf.SessionID, Source, bus.ErrorPayload{
		ErrorKind: kind,
		Detail:    detail,
	}).ForWorkflow(r.wf.ID)
	if err := c.bus.PublishPriority(msg); err != nil {
		c.log.Error("Failed to publish terminal error", "workflow_id", r.wf.ID, "error_kind", kind, "error", err)
	}
}

func (c *Coordinator) handleLifecycle(_ context.Context, msg bus.Message) error {
	switch msg.Kind {
	case bus.KindCompletion, bus.KindError:
		c.finish(msg)
	case bus.KindCancelAck:
		c.acknowledge(msg)
	}
	return nil
}

func (c *Coordinator) acknowledge(msg bus.Message) {
	c.mu.Lock()
	r, ok := c.sessions[msg.SessionID]
	if !ok || !r.owns(msg) || !r.cancelling || !r.wf.Active() {
		c.mu.Unlock()
		return
	}
	delete(r.pending, bus.Topic(msg.Source))
	remaining := len(r.pending)
	c.mu.Unlock()

	if remaining == 0 {
		c.finishCancel(r, "all agents acknowledged")
	}
}

// finish applies the first terminal message of a workflow. Later ones are
// counted as anomalies.
func (c *Coordinator) finish(msg bus.Message) {
	c.mu.Lock()
	r, ok := c.sessions[msg.SessionID]
	if ok && !r.owns(msg) {
		c.mu.Unlock()
		c.log.Warn("Ignoring terminal message of an earlier workflow",
			"session_id", msg.SessionID,
			"workflow_id", msg.WorkflowID,
			"current_workflow_id", r.wf.ID,
			"kind", msg.Kind,
			"source", msg.Source,
		)
		return
	}
	if !ok || !r.wf.Active() {
		if ok {
			r.wf.Metrics.Anomalies++
		}
		c.mu.Unlock()
		c.recorder.TerminalAnomaly()
		c.log.Warn("Ignoring terminal message for inactive session", "session_id", msg.SessionID, "kind", msg.Kind, "source", msg.Source)
		return
	}

	next := StatusCompleted
	switch payload := msg.Payload.(type) {
	case bus.CompletionPayload:
		r.wf.Result = payload.Result
	case bus.ErrorPayload:
		next = StatusFailed
		if payload.ErrorKind == bus.ErrorKindCancelled && msg.Source == Source && r.cancelling {
			next = StatusCancelled
		}
		r.wf.Error = &Failure{Kind: payload.ErrorKind, Detail: payload.Detail}
	}

	if err := r.wf.transition(next, time.Now()); err != nil {
		c.mu.Unlock()
		c.log.Error("Rejected workflow transition", "workflow_id", r.wf.ID, "error", err)
		return
	}
	r.terminalID = msg.ID
	r.stopTimers()
	instances, collector := r.instances, r.collector
	snapshot := r.wf.Clone()
	c.mu.Unlock()

	if instances != nil {
		instances.Detach()
		go instances.Close()
	}
	if collector != nil {
		go c.drain(r, collector)
	}

	c.persist(snapshot)
	var errorKind string
	if snapshot.Error != nil {
		errorKind = string(snapshot.Error.Kind)
	}
	c.recorder.WorkflowFinished(snapshot.Kind, string(snapshot.Status), errorKind, snapshot.Metrics.Elapsed)
	c.log.Info("Workflow finished",
		"workflow_id", snapshot.ID,
		"session_id", snapshot.SessionID,
		"status", snapshot.Status,
		"error_kind", errorKind,
		"elapsed", snapshot.Metrics.Elapsed,
	)
}

// drain keeps the collector around until the caller consumed the terminal
// message or the drain timeout elapsed.
func (c *Coordinator) drain(r *run, collector *stream.Collector) {
	timer := time.NewTimer(c.drainTimeout)
	defer timer.Stop()

	select {
	case <-collector.Done():
	case <-timer.C:
		c.log.Debug("Dropping undrained stream", "workflow_id", r.wf.ID, "stats", collector.Stats())
	}
	collector.Close()

	c.mu.Lock()
	c.forgetLocked(r)
	c.mu.Unlock()
}

func (c *Coordinator) forgetLocked(r *run) {
	if current, ok := c.sessions[r.wf.SessionID]; ok && current == r {
		delete(c.sessions, r.wf.SessionID)
	}
	if current, ok := c.byID[r.wf.ID]; ok && current == r {
		delete(c.byID, r.wf.ID)
	}
}

// handleFailure turns an agent handler failure into a terminal agent_failure
// error for the session's workflow.
func (c *Coordinator) handleFailure(msg bus.Message, sub bus.Subscription, err error) {
	name, isAgent := strings.CutPrefix(sub.Name(), "agent:")
	if !isAgent {
		return
	}
	topic, _, _ := strings.Cut(name, "/")
	c.recorder.AgentFailed(topic)

	c.mu.Lock()
	r, ok := c.sessions[msg.SessionID]
	active := ok && r.owns(msg) && r.wf.Active()
	if active {
		r.wf.Metrics.AgentFailures[topic]++
	}
	c.mu.Unlock()
	if !active {
		return
	}

	c.terminate(r, bus.ErrorKindAgentFailure, fmt.Sprintf("%s: %v", topic, err))
}

// observe runs after every delivery and keeps per-workflow message counts.
// Stream messages for sessions without an active workflow are late.
func (c *Coordinator) observe(msg bus.Message, _ int) {
	c.recorder.MessageDelivered(string(msg.Kind))
	if msg.SessionID == "" {
		return
	}

	c.mu.Lock()
	r, ok := c.sessions[msg.SessionID]
	switch {
	case ok && r.owns(msg) && (r.wf.Active() || r.terminalID == msg.ID):
		r.wf.Metrics.MessagesByKind[msg.Kind]++
		if msg.Kind == bus.KindSuccess {
			r.wf.Metrics.AgentSuccesses[msg.Source]++
		}
		c.mu.Unlock()
	case stream.Streamable(msg.Kind):
		if ok {
			r.wf.Metrics.LateDrops++
		}
		c.mu.Unlock()
		c.recorder.LateMessage()
		c.log.Debug("Dropping late message", "session_id", msg.SessionID, "kind", msg.Kind, "source", msg.Source)
	default:
		c.mu.Unlock()
	}
}

// GetStatus returns the session's latest workflow.
func (c *Coordinator) GetStatus(sessionID string) (Workflow, error) {
	c.mu.Lock()
	if r, ok := c.sessions[sessionID]; ok {
		snapshot := r.wf.Clone()
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	if w, ok := c.store.Get(sessionID); ok {
		return w, nil
	}
	return Workflow{}, fmt.Errorf("%w: no workflow for session %s", ErrNotFound, sessionID)
}

func (c *Coordinator) GetWorkflow(workflowID string) (Workflow, error) {
	c.mu.Lock()
	if r, ok := c.byID[workflowID]; ok {
		snapshot := r.wf.Clone()
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	if w, ok := c.store.GetByID(workflowID); ok {
		return w, nil
	}
	return Workflow{}, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
}

func (c *Coordinator) ListWorkflows(filter ListFilter) []Workflow {
	return c.store.List(filter)
}

// Stream returns the collector of the session's current workflow.
func (c *Coordinator) Stream(sessionID string) (*stream.Collector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.sessions[sessionID]
	if !ok || r.collector == nil {
		return nil, fmt.Errorf("%w: no stream for session %s", ErrNotFound, sessionID)
	}
	return r.collector, nil
}

// UpdateAgentConfig patches a topic's config for workflows started later.
// The update is sequenced through the bus loop.
func (c *Coordinator) UpdateAgentConfig(ctx context.Context, topic bus.Topic, patch registry.ConfigPatch) error {
	var updateErr error
	if err := c.bus.Do(ctx, func(context.Context) {
		updateErr = c.registry.UpdateConfig(topic, patch)
	}); err != nil {
		return err
	}
	return updateErr
}

func (c *Coordinator) ListAgents() []registry.AgentInfo {
	return c.registry.Describe()
}

// Routes returns the kind to entry topic table.
func (c *Coordinator) Routes() map[string]bus.Topic {
	return maps.Clone(c.routes)
}

// Active reports how many workflows are processing.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, r := range c.sessions {
		if r.wf.Active() {
			n++
		}
	}
	return n
}

// Close stops tracking workflows and releases every agent and stream.
// Workflows still processing are left as they are; in-flight state is not
// persisted.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	runs := make([]*run, 0, len(c.sessions))
	for _, r := range c.sessions {
		r.stopTimers()
		runs = append(runs, r)
	}
	c.mu.Unlock()

	c.bus.Unsubscribe(c.lifecycle)
	for _, r := range runs {
		if r.instances != nil {
			r.instances.Close()
		}
		if r.collector != nil {
			r.collector.Close()
		}
	}
}

func (c *Coordinator) persist(w Workflow) {
	if err := c.store.Put(w); err != nil {
		c.log.Warn("Failed to store workflow", "workflow_id", w.ID, "status", w.Status, "error", err)
	}
}
