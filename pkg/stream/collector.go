package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"agentflow/pkg/bus"
)

const DefaultSoftCap = 1000

var (
	ErrEndOfStream        = errors.New("end of stream")
	ErrConcurrentConsumer = errors.New("stream already has a consumer")
	ErrClosed             = errors.New("stream is closed")
)

// Stats describes what a collector did with the messages it saw.
type Stats struct {
	Pushed               uint64 `json:"pushed"`
	Coalesced            uint64 `json:"coalesced"`
	DroppedAfterTerminal uint64 `json:"dropped_after_terminal"`
	DroppedForeign       uint64 `json:"dropped_foreign"`
	HighWater            int    `json:"high_water"`
	Buffered             int    `json:"buffered"`
}

type Option func(*Collector)

// WithSoftCap sets the buffered length past which progress and metrics
// messages replace their predecessor instead of queuing behind it.
func WithSoftCap(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.softCap = n
		}
	}
}

// WithHardCap sets the buffered length past which the overflow hook fires.
// Defaults to four times the soft cap.
func WithHardCap(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.hardCap = n
		}
	}
}

// WithWorkflowID restricts the collector to one workflow run. Messages
// stamped with another run are dropped; unstamped ones are kept.
func WithWorkflowID(id string) Option {
	return func(c *Collector) { c.workflowID = id }
}

// WithOverflowHook is called once, from Push, when a message that cannot be
// coalesced lands past the hard cap.
func WithOverflowHook(fn func(sessionID string)) Option {
	return func(c *Collector) { c.onOverflow = fn }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Collector) {
		if log != nil {
			c.log = log
		}
	}
}

// Collector buffers one session's messages in arrival order for a single
// consumer. The stream ends after the first terminal message.
type Collector struct {
	sessionID  string
	workflowID string
	log        *slog.Logger
	softCap    int
	hardCap    int
	onOverflow func(sessionID string)

	mu         sync.Mutex
	buf        []bus.Message
	notify     chan struct{}
	terminal   bool
	ended      bool
	closed     bool
	consuming  bool
	overflowed bool
	stats      Stats
	done       chan struct{}
	doneOnce   sync.Once

	bus *bus.Bus
	sub bus.Subscription
}

func NewCollector(sessionID string, opts ...Option) *Collector {
	c := &Collector{
		sessionID: sessionID,
		log:       slog.Default(),
		softCap:   DefaultSoftCap,
		notify:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.hardCap <= 0 {
		c.hardCap = 4 * c.softCap
	}
	c.hardCap = max(c.hardCap, c.softCap)
	c.log = c.log.With("component", "stream.collector", "session_id", sessionID)

	return c
}

func (c *Collector) SessionID() string {
	return c.sessionID
}

// Bind subscribes the collector to every topic of its session.
func (c *Collector) Bind(b *bus.Bus) error {
	sub, err := b.Subscribe("collector/"+c.sessionID, bus.Filter{Topic: bus.AnyTopic, SessionID: c.sessionID}, func(_ context.Context, msg bus.Message) error {
		if Streamable(msg.Kind) {
			c.Push(msg)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.bus, c.sub = b, sub
	c.mu.Unlock()

	return nil
}

// Streamable reports whether messages of kind belong on a session stream.
// Requests and cancellation control stay between agents.
func Streamable(kind bus.Kind) bool {
	switch kind {
	case bus.KindRequest, bus.KindCancel, bus.KindCancelAck:
		return false
	default:
		return kind.Valid()
	}
}

// Push appends msg and reports whether it was kept.
func (c *Collector) Push(msg bus.Message) bool {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.workflowID != "" && msg.WorkflowID != "" && msg.WorkflowID != c.workflowID {
		c.stats.DroppedForeign++
		c.mu.Unlock()
		c.log.Debug("Dropping message of another workflow", "kind", msg.Kind, "workflow_id", msg.WorkflowID, "message_id", msg.ID)
		return false
	}
	if c.terminal {
		c.stats.DroppedAfterTerminal++
		c.mu.Unlock()
		c.log.Debug("Dropping message after terminal", "kind", msg.Kind, "topic", msg.Topic, "message_id", msg.ID)
		return false
	}

	c.stats.Pushed++
	overflow := false

	switch {
	case msg.IsFinal():
		c.terminal = true
		c.buf = append(c.buf, msg)
	case len(c.buf) >= c.softCap && msg.Kind.Coalescable() && c.coalesce(msg):
		c.stats.Coalesced++
	default:
		if len(c.buf) >= c.hardCap && !c.overflowed {
			c.overflowed = true
			overflow = true
		}
		c.buf = append(c.buf, msg)
	}

	c.stats.HighWater = max(c.stats.HighWater, len(c.buf))
	c.wakeLocked()
	c.mu.Unlock()

	if overflow {
		c.log.Warn("Stream buffer exceeded hard cap", "buffered", c.hardCap)
		if c.onOverflow != nil {
			c.onOverflow(c.sessionID)
		}
	}

	return true
}

// coalesce replaces the newest buffered message of the same kind and source
// with msg, moving it to the tail.
func (c *Collector) coalesce(msg bus.Message) bool {
	for i := len(c.buf) - 1; i >= 0; i-- {
		prev := c.buf[i]
		if prev.Kind != msg.Kind || prev.Source != msg.Source {
			continue
		}
		copy(c.buf[i:], c.buf[i+1:])
		c.buf[len(c.buf)-1] = msg
		return true
	}
	return false
}

func (c *Collector) wakeLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Next blocks until the next message is available. After the terminal
// message it returns ErrEndOfStream. A Next abandoned through ctx leaves the
// buffer untouched, so a later call resumes where it left off.
func (c *Collector) Next(ctx context.Context) (bus.Message, error) {
	c.mu.Lock()
	if c.consuming {
		c.mu.Unlock()
		return bus.Message{}, ErrConcurrentConsumer
	}
	c.consuming = true
	defer func() {
		c.mu.Lock()
		c.consuming = false
		c.mu.Unlock()
	}()

	for {
		if c.ended {
			c.mu.Unlock()
			return bus.Message{}, ErrEndOfStream
		}
		if c.closed {
			c.mu.Unlock()
			return bus.Message{}, ErrClosed
		}
		if len(c.buf) > 0 {
			msg := c.buf[0]
			c.buf[0] = bus.Message{}
			c.buf = c.buf[1:]
			if msg.IsFinal() {
				c.ended = true
				c.buf = nil
			}
			c.mu.Unlock()
			if msg.IsFinal() {
				c.markDone()
			}
			return msg, nil
		}

		wait := c.notify
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return bus.Message{}, ctx.Err()
		case <-wait:
		}
		c.mu.Lock()
	}
}

// All ranges over the stream until its end. An error other than the end of
// stream is yielded once and stops the iteration.
func (c *Collector) All(ctx context.Context) iter.Seq2[bus.Message, error] {
	return func(yield func(bus.Message, error) bool) {
		for {
			msg, err := c.Next(ctx)
			if errors.Is(err, ErrEndOfStream) {
				return
			}
			if err != nil {
				yield(bus.Message{}, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Done is closed once the terminal message was consumed or the collector
// was closed.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// Terminated reports whether the terminal message has arrived.
func (c *Collector) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Buffered = len(c.buf)
	return stats
}

// Close unbinds the collector and wakes a blocked consumer with ErrClosed.
// It does not affect the workflow.
func (c *Collector) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.buf = nil
	b, sub := c.bus, c.sub
	c.bus = nil
	c.wakeLocked()
	c.mu.Unlock()

	if b != nil {
		b.Unsubscribe(sub)
	}
	c.markDone()
}

func (c *Collector) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
