package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"agentflow/pkg/bus"
)

var (
	ErrUnknownTopic  = errors.New("unknown agent topic")
	ErrInstantiation = errors.New("agent instantiation failed")
)

// Scope decides when instances of a topic are created.
type Scope int

const (
	// ScopeSession creates one instance per session, subscribed under the
	// session key and destroyed when the workflow closes.
	ScopeSession Scope = iota
	// ScopeProcess creates a single instance at registration that serves
	// every session.
	ScopeProcess
)

func (s Scope) String() string {
	if s == ScopeProcess {
		return "process"
	}
	return "session"
}

// Agent handles messages addressed to its topic. env is bound to the
// message's session.
type Agent interface {
	Handle(ctx context.Context, env *Env, msg bus.Message) error
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, env *Env, msg bus.Message) error

func (f AgentFunc) Handle(ctx context.Context, env *Env, msg bus.Message) error {
	return f(ctx, env, msg)
}

// CancelHandler is implemented by agents that need to react to cancellation
// beyond the acknowledgement the registry sends for them.
type CancelHandler interface {
	OnCancel(ctx context.Context, env *Env, reason string)
}

// Closer is implemented by agents holding resources.
type Closer interface {
	Close() error
}

// Constructor builds one agent instance.
type Constructor func(env *Env) (Agent, error)

// AgentInfo describes a registered topic.
type AgentInfo struct {
	Topic  bus.Topic   `json:"topic"`
	Scope  string      `json:"scope"`
	Config AgentConfig `json:"config"`
}

type entry struct {
	topic   bus.Topic
	ctor    Constructor
	config  AgentConfig
	scope   Scope
	process *instance
}

type RegisterOption func(*entry)

func WithScope(scope Scope) RegisterOption {
	return func(e *entry) { e.scope = scope }
}

type Option func(*Registry)

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithDefaults installs per-topic overrides merged into the config passed to
// Register, typically loaded from an agents file.
func WithDefaults(defaults map[bus.Topic]ConfigPatch) Option {
	return func(r *Registry) { r.defaults = defaults }
}

// Registry maps topics to agent constructors and wires instances into the bus.
type Registry struct {
	bus      *bus.Bus
	log      *slog.Logger
	defaults map[bus.Topic]ConfigPatch

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[bus.Topic]*entry
}

func New(b *bus.Bus, opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		bus:     b,
		log:     slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[bus.Topic]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "registry")

	return r
}

// Register installs or replaces the constructor for topic. Replacing only
// affects instances created afterwards. Process-scoped topics are
// instantiated immediately so a broken constructor fails here.
func (r *Registry) Register(topic bus.Topic, ctor Constructor, cfg AgentConfig, opts ...RegisterOption) error {
	if err := validTopic(topic); err != nil {
		return err
	}
	if ctor == nil {
		return fmt.Errorf("register %s: constructor is required", topic)
	}

	e := &entry{topic: topic, ctor: ctor, config: cfg.Clone()}
	for _, opt := range opts {
		opt(e)
	}
	if patch, ok := r.defaults[topic]; ok {
		e.config = e.config.Apply(patch)
	}

	if e.scope == ScopeProcess {
		inst, err := r.instantiate(*e, "")
		if err != nil {
			return err
		}
		e.process = inst
	}

	r.mu.Lock()
	previous := r.entries[topic]
	r.entries[topic] = e
	r.mu.Unlock()

	if previous != nil && previous.process != nil {
		previous.process.close(r.log)
	}
	r.log.Debug("Registered agent", "topic", topic, "scope", e.scope)

	return nil
}

// InstantiateForSession creates one instance of every session-scoped topic.
// If any constructor fails the instances already created are torn down.
func (r *Registry) InstantiateForSession(sessionID string) (*Instances, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	r.mu.RLock()
	snapshot := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, *e)
	}
	r.mu.RUnlock()
	slices.SortFunc(snapshot, func(a, b entry) int { return strings.Compare(string(a.topic), string(b.topic)) })

	out := &Instances{sessionID: sessionID, log: r.log}
	for _, e := range snapshot {
		if e.scope == ScopeProcess {
			out.process = append(out.process, e.topic)
			continue
		}

		inst, err := r.instantiate(e, sessionID)
		if err != nil {
			out.Close()
			return nil, err
		}
		out.session = append(out.session, inst)
	}

	return out, nil
}

// UpdateConfig merges patch into the topic's config for future instances.
func (r *Registry) UpdateConfig(topic bus.Topic, patch ConfigPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	e.config = e.config.Apply(patch)

	return nil
}

// List returns the registered topics in sorted order.
func (r *Registry) List() []bus.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]bus.Topic, 0, len(r.entries))
	for topic := range r.entries {
		topics = append(topics, topic)
	}
	slices.Sort(topics)

	return topics
}

func (r *Registry) Describe() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]AgentInfo, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, AgentInfo{Topic: e.topic, Scope: e.scope.String(), Config: e.config.Clone()})
	}
	slices.SortFunc(infos, func(a, b AgentInfo) int { return strings.Compare(string(a.Topic), string(b.Topic)) })

	return infos
}

// Has reports whether topic is registered.
func (r *Registry) Has(topic bus.Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.entries[topic]
	return ok
}

// Close tears down process-scoped instances.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		if e.process != nil {
			e.process.close(r.log)
		}
	}
	r.cancel()
}

func (r *Registry) instantiate(e entry, sessionID string) (*instance, error) {
	log := r.log.With("agent", e.topic)
	if sessionID != "" {
		log = log.With("session_id", sessionID)
	}

	env := &Env{
		SessionID: sessionID,
		Topic:     e.topic,
		Scope:     e.scope,
		Config:    e.config.Clone(),
		Logger:    log,
		bus:       r.bus,
		life:      newLifetime(r.ctx),
	}

	agent, err := construct(e.ctor, env)
	if err != nil {
		env.life.stop()
		return nil, fmt.Errorf("%w: %s: %w", ErrInstantiation, e.topic, err)
	}

	inst := &instance{topic: e.topic, scope: e.scope, agent: agent, env: env}
	name := "agent:" + string(e.topic)
	if sessionID != "" {
		name += "/" + sessionID
	}
	sub, err := r.bus.Subscribe(name, bus.Filter{Topic: e.topic, Key: sessionID}, inst.handle)
	if err != nil {
		env.life.stop()
		return nil, fmt.Errorf("%w: %s: subscribe: %w", ErrInstantiation, e.topic, err)
	}
	inst.sub = sub

	return inst, nil
}

func construct(ctor Constructor, env *Env) (agent Agent, err error) {
	defer func() {
		if r := recover(); r != nil {
			agent = nil
			err = fmt.Errorf("constructor panicked: %v", r)
		}
	}()

	agent, err = ctor(env)
	if err == nil && agent == nil {
		err = errors.New("constructor returned no agent")
	}
	return agent, err
}

func validTopic(topic bus.Topic) error {
	switch {
	case strings.TrimSpace(string(topic)) == "":
		return errors.New("topic is required")
	case topic == bus.AnyTopic, topic == bus.TopicLifecycle, topic == bus.TopicEvents:
		return fmt.Errorf("topic %q is reserved", topic)
	default:
		return nil
	}
}

type instance struct {
	topic bus.Topic
	scope Scope
	agent Agent
	env   *Env
	sub   bus.Subscription
}

func (i *instance) handle(ctx context.Context, msg bus.Message) error {
	env := i.env.delivery(ctx, msg)

	switch {
	case msg.Kind == bus.KindCancel:
		i.cancel(ctx, env, msg)
		return nil
	case msg.Kind == bus.KindCancelAck:
		return nil
	case env.Cancelled():
		env.Logger.Debug("Dropping message for cancelled agent", "kind", msg.Kind, "message_id", msg.ID)
		return nil
	}

	return i.agent.Handle(ctx, env, msg)
}

func (i *instance) cancel(ctx context.Context, env *Env, msg bus.Message) {
	var reason string
	if payload, ok := msg.Payload.(bus.CancelPayload); ok {
		reason = payload.Reason
	}

	if i.scope == ScopeSession && i.env.life.cancelled.CompareAndSwap(false, true) {
		i.env.life.cancel()
	}
	if handler, ok := i.agent.(CancelHandler); ok {
		handler.OnCancel(ctx, env, reason)
	}

	ack := bus.NewMessage(bus.TopicLifecycle, msg.SessionID, string(i.topic), bus.CancelAckPayload{}).ForWorkflow(msg.WorkflowID)
	if err := env.Publish(ack); err != nil {
		env.Logger.Warn("Failed to acknowledge cancel", "error", err)
	}
}

func (i *instance) detach() {
	i.env.life.detached.Store(true)
	i.env.bus.Unsubscribe(i.sub)
	i.env.life.cancel()
}

func (i *instance) close(log *slog.Logger) {
	i.detach()
	i.env.life.stop()

	if closer, ok := i.agent.(Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn("Agent close failed", "agent", i.topic, "error", err)
		}
	}
}

// Instances are the agents bound to one session.
type Instances struct {
	sessionID string
	log       *slog.Logger
	session   []*instance
	process   []bus.Topic
	closeOnce sync.Once
}

func (s *Instances) SessionID() string {
	return s.sessionID
}

// Topics lists every topic serving the session, session- and process-scoped.
func (s *Instances) Topics() []bus.Topic {
	topics := make([]bus.Topic, 0, len(s.session)+len(s.process))
	for _, inst := range s.session {
		topics = append(topics, inst.topic)
	}
	topics = append(topics, s.process...)
	slices.Sort(topics)

	return topics
}

// Get returns the session-scoped agent bound to topic.
func (s *Instances) Get(topic bus.Topic) (Agent, bool) {
	for _, inst := range s.session {
		if inst.topic == topic {
			return inst.agent, true
		}
	}
	return nil, false
}

// Detach unsubscribes the session's instances and cancels their workers
// without waiting for them.
func (s *Instances) Detach() {
	for _, inst := range s.session {
		inst.detach()
	}
}

// Close detaches the session's instances, waits for their workers and
// releases their resources. Safe to call more than once.
func (s *Instances) Close() {
	s.closeOnce.Do(func() {
		for _, inst := range s.session {
			inst.close(s.log)
		}
	})
}
