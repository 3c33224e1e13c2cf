package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultQueueSize = 4096

var (
	ErrClosed     = errors.New("bus is closed")
	ErrQueueFull  = errors.New("bus queue is full")
	ErrNotStarted = errors.New("bus is not started")
)

// Handler processes one delivered message. Returning an error (or panicking)
// marks the delivery as failed; the bus keeps delivering to other subscribers.
type Handler func(ctx context.Context, msg Message) error

// FailureHook is told about every failed delivery.
type FailureHook func(msg Message, sub Subscription, err error)

// Observer is told about every message after delivery together with the
// number of subscriptions that received it.
type Observer func(msg Message, recipients int)

// Filter selects which messages a subscription receives.
//
// An empty Key receives every key; a non-empty Key receives messages carrying
// that key and broadcasts (empty message key). A non-empty SessionID matches
// only messages of that session regardless of key.
type Filter struct {
	Topic     Topic
	Key       string
	SessionID string
}

func (f Filter) matches(msg Message) bool {
	if f.Topic != AnyTopic && f.Topic != msg.Topic {
		return false
	}
	if f.SessionID != "" && f.SessionID != msg.SessionID {
		return false
	}
	if f.Key == "" || msg.Key == "" {
		return true
	}

	return f.Key == msg.Key
}

// Subscription identifies one registered handler.
type Subscription struct {
	id     uint64
	name   string
	filter Filter
}

func (s Subscription) ID() uint64     { return s.id }
func (s Subscription) Name() string   { return s.name }
func (s Subscription) Filter() Filter { return s.filter }

type subscriber struct {
	Subscription
	handler Handler
	removed atomic.Bool
}

// envelope is one queued unit of work: either a message or a closure that
// must run on the loop goroutine.
type envelope struct {
	msg  Message
	task func(context.Context)
	done chan struct{}
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Failed      uint64
	Undelivered uint64
	Queued      int
}

type loopKey struct{}

// delivery identifies one dispatch on the loop. Handler contexts carry it so
// publishes made while that dispatch runs can join its queue.
type delivery struct{}

type deliveryKey struct{}

// Bus is an in-process topic bus. A single loop goroutine drains one FIFO
// queue and runs every handler for a message to completion before taking the
// next one, so publishing from inside a handler only enqueues.
type Bus struct {
	log         *slog.Logger
	failureHook FailureHook
	observer    Observer

	queue     chan envelope
	wake      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool

	mu          sync.RWMutex
	subscribers []*subscriber
	nextID      uint64

	// pmu guards the lanes that bypass the bounded queue: priority messages
	// and messages published from inside a running handler.
	pmu      sync.Mutex
	priority []Message
	pending  []Message
	current  *delivery

	published   atomic.Uint64
	delivered   atomic.Uint64
	failed      atomic.Uint64
	undelivered atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(log *slog.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

func WithQueueSize(size int) Option {
	return func(b *Bus) {
		if size > 0 {
			b.queue = make(chan envelope, size)
		}
	}
}

func WithFailureHook(hook FailureHook) Option {
	return func(b *Bus) { b.failureHook = hook }
}

func WithObserver(observer Observer) Option {
	return func(b *Bus) { b.observer = observer }
}

func New(opts ...Option) *Bus {
	b := &Bus{
		log:     slog.Default(),
		queue:   make(chan envelope, defaultQueueSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "bus")

	return b
}

// Start launches the loop goroutine. It is safe to call more than once; the
// loop stops when ctx is cancelled or Close is called.
func (b *Bus) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	b.startOnce.Do(func() {
		b.started.Store(true)
		loopCtx, cancel := context.WithCancel(context.WithValue(ctx, loopKey{}, b))
		go func() {
			defer close(b.stopped)
			defer cancel()
			b.run(loopCtx)
		}()
	})
}

func (b *Bus) run(ctx context.Context) {
	for {
		if msg, ok := b.nextPriority(); ok {
			if ctx.Err() != nil {
				return
			}
			b.dispatch(ctx, msg)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-b.wake:
		case env := <-b.queue:
			if env.task != nil {
				env.task(ctx)
				close(env.done)
				continue
			}
			b.dispatch(ctx, env.msg)
		}
	}
}

func (b *Bus) nextPriority() (Message, bool) {
	b.pmu.Lock()
	defer b.pmu.Unlock()

	if len(b.priority) == 0 {
		return Message{}, false
	}
	msg := b.priority[0]
	b.priority = b.priority[1:]
	return msg, true
}

// dispatch delivers msg and then everything its handlers published, in
// publish order, before the loop takes the next queued message.
func (b *Bus) dispatch(ctx context.Context, msg Message) {
	d := &delivery{}
	ctx = context.WithValue(ctx, deliveryKey{}, d)

	b.pmu.Lock()
	b.current = d
	b.pmu.Unlock()

	b.deliver(ctx, msg)
	for {
		b.pmu.Lock()
		batch := b.pending
		b.pending = nil
		if len(batch) == 0 {
			b.current = nil
			b.pmu.Unlock()
			return
		}
		b.pmu.Unlock()

		for _, next := range batch {
			b.deliver(ctx, next)
		}
	}
}

// Publish validates and enqueues msg. It never blocks.
func (b *Bus) Publish(msg Message) error {
	return b.PublishContext(context.Background(), msg)
}

// PublishContext is Publish for callers holding a context. When ctx is the
// one the bus handed to a handler and that delivery is still running, msg
// joins the delivery's own queue, which has no size limit and is drained as
// soon as the handlers return. Otherwise msg goes through the shared queue.
func (b *Bus) PublishContext(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	if ctx != nil {
		if d, ok := ctx.Value(deliveryKey{}).(*delivery); ok {
			b.pmu.Lock()
			if b.current == d {
				b.pending = append(b.pending, msg)
				b.pmu.Unlock()
				b.published.Add(1)
				return nil
			}
			b.pmu.Unlock()
		}
	}

	select {
	case <-b.done:
		return ErrClosed
	case b.queue <- envelope{msg: msg}:
		b.published.Add(1)
		return nil
	default:
		b.log.Warn("Dropping message on full queue", "topic", msg.Topic, "kind", msg.Kind, "session_id", msg.SessionID)
		return ErrQueueFull
	}
}

// PublishPriority enqueues control traffic that must not be lost: it skips
// the bounded queue and is delivered ahead of every queued message. It only
// fails when msg is invalid or the bus is closed.
func (b *Bus) PublishPriority(msg Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	b.pmu.Lock()
	b.priority = append(b.priority, msg)
	b.pmu.Unlock()
	b.published.Add(1)

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers handler for messages matching filter. The name shows up
// in logs and failure reports.
func (b *Bus) Subscribe(name string, filter Filter, handler Handler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, errors.New("handler is required")
	}
	if filter.Topic == "" {
		return Subscription{}, errors.New("subscription topic is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return Subscription{}, ErrClosed
	default:
	}

	b.nextID++
	sub := &subscriber{
		Subscription: Subscription{id: b.nextID, name: name, filter: filter},
		handler:      handler,
	}
	b.subscribers = append(b.subscribers, sub)

	return sub.Subscription, nil
}

// Unsubscribe removes a subscription. A message already being delivered will
// not reach it once Unsubscribe returns. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, candidate := range b.subscribers {
		if candidate.id != sub.id {
			continue
		}
		candidate.removed.Store(true)
		b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
		return
	}
}

// SetFailureHook replaces the failure hook.
func (b *Bus) SetFailureHook(hook FailureHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureHook = hook
}

// SetObserver replaces the delivery observer.
func (b *Bus) SetObserver(observer Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = observer
}

// Do runs fn on the loop goroutine and waits for it. When ctx was handed out
// by the loop (i.e. Do is called from a handler) fn runs inline.
func (b *Bus) Do(ctx context.Context, fn func(context.Context)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if owner, ok := ctx.Value(loopKey{}).(*Bus); ok && owner == b {
		fn(ctx)
		return nil
	}
	if !b.started.Load() {
		return ErrNotStarted
	}

	env := envelope{task: fn, done: make(chan struct{})}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	case b.queue <- env:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopped:
		return ErrClosed
	case <-env.done:
		return nil
	}
}

// WaitIdle blocks until the queue is empty and no delivery is running.
func (b *Bus) WaitIdle(ctx context.Context) error {
	for {
		if err := b.Do(ctx, func(context.Context) {}); err != nil {
			return err
		}
		if len(b.queue) == 0 && b.priorityLen() == 0 {
			return nil
		}
	}
}

func (b *Bus) priorityLen() int {
	b.pmu.Lock()
	defer b.pmu.Unlock()
	return len(b.priority)
}

func (b *Bus) Stats() Stats {
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Failed:      b.failed.Load(),
		Undelivered: b.undelivered.Load(),
		Queued:      len(b.queue) + b.priorityLen(),
	}
}

// Close stops the loop after the current delivery. Queued messages are
// discarded.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		if b.started.Load() {
			<-b.stopped
		}

		b.mu.Lock()
		for _, sub := range b.subscribers {
			sub.removed.Store(true)
		}
		b.subscribers = nil
		b.mu.Unlock()
	})
}

func (b *Bus) deliver(ctx context.Context, msg Message) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.filter.matches(msg) {
			targets = append(targets, sub)
		}
	}
	observer := b.observer
	b.mu.RUnlock()

	recipients := 0
	for _, sub := range targets {
		if sub.removed.Load() {
			continue
		}
		recipients++
		b.invoke(ctx, sub, msg)
	}

	if recipients == 0 {
		b.undelivered.Add(1)
		b.log.Debug("Message had no subscribers", "topic", msg.Topic, "kind", msg.Kind, "session_id", msg.SessionID, "message_id", msg.ID)
	}

	if observer != nil {
		observer(msg, recipients)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.fail(sub, msg, fmt.Errorf("handler panicked: %v", r))
		}
	}()

	if err := sub.handler(ctx, msg); err != nil {
		b.fail(sub, msg, err)
		return
	}
	b.delivered.Add(1)
}

func (b *Bus) fail(sub *subscriber, msg Message, err error) {
	b.failed.Add(1)
	b.log.Error("Handler failed",
		"subscription", sub.name,
		"topic", msg.Topic,
		"kind", msg.Kind,
		"session_id", msg.SessionID,
		"message_id", msg.ID,
		"error", err,
	)

	b.mu.RLock()
	hook := b.failureHook
	b.mu.RUnlock()
	if hook != nil {
		hook(msg, sub.Subscription, err)
	}
}
