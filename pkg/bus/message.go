package bus

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the closed set of message tags exchanged on the bus.
type Kind string

const (
	KindRequest    Kind = "request"
	KindProgress   Kind = "progress"
	KindInfo       Kind = "info"
	KindSuccess    Kind = "success"
	KindWarning    Kind = "warning"
	KindError      Kind = "error"
	KindMetrics    Kind = "metrics"
	KindCompletion Kind = "completion"
	KindCancel     Kind = "cancel"
	KindCancelAck  Kind = "cancel_ack"
)

var kinds = map[Kind]struct{}{
	KindRequest:    {},
	KindProgress:   {},
	KindInfo:       {},
	KindSuccess:    {},
	KindWarning:    {},
	KindError:      {},
	KindMetrics:    {},
	KindCompletion: {},
	KindCancel:     {},
	KindCancelAck:  {},
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// IsTerminal reports whether a message of this kind ends a workflow.
func (k Kind) IsTerminal() bool {
	return k == KindCompletion || k == KindError
}

// Coalescable reports whether only the latest message of this kind matters.
func (k Kind) Coalescable() bool {
	return k == KindProgress || k == KindMetrics
}

// Topic names the role a message is addressed to.
type Topic string

const (
	// AnyTopic matches every topic in a subscription filter. It is not a valid
	// destination for Publish.
	AnyTopic Topic = "*"

	// TopicLifecycle carries terminal and control messages observed by the
	// workflow coordinator.
	TopicLifecycle Topic = "lifecycle"

	// TopicEvents carries progress and informational messages that are only
	// meant for the session's stream.
	TopicEvents Topic = "events"
)

// ErrorKind classifies terminal failures on the wire.
type ErrorKind string

const (
	ErrorKindValidation         ErrorKind = "validation"
	ErrorKindAgentFailure       ErrorKind = "agent_failure"
	ErrorKindTimeout            ErrorKind = "timeout"
	ErrorKindResourceExhaustion ErrorKind = "resource_exhaustion"
	ErrorKindCancelled          ErrorKind = "cancelled"
)

// Payload is the kind-specific body of a message.
type Payload interface {
	Kind() Kind
}

type RequestPayload struct {
	WorkflowKind string         `json:"workflow_kind,omitempty"`
	Data         map[string]any `json:"data"`
}

type ProgressPayload struct {
	Percent    float64 `json:"percent"`
	StageLabel string  `json:"stage_label"`
}

type InfoPayload struct {
	Text string `json:"text"`
}

type WarningPayload struct {
	Text string `json:"text"`
}

type SuccessPayload struct {
	Result map[string]any `json:"result"`
}

type CompletionPayload struct {
	Result map[string]any `json:"result"`
}

type ErrorPayload struct {
	ErrorKind ErrorKind `json:"error_kind"`
	Detail    string    `json:"detail"`
}

type MetricsPayload struct {
	Counters map[string]int64 `json:"counters"`
}

type CancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

type CancelAckPayload struct{}

func (RequestPayload) Kind() Kind    { return KindRequest }
func (ProgressPayload) Kind() Kind   { return KindProgress }
func (InfoPayload) Kind() Kind       { return KindInfo }
func (WarningPayload) Kind() Kind    { return KindWarning }
func (SuccessPayload) Kind() Kind    { return KindSuccess }
func (CompletionPayload) Kind() Kind { return KindCompletion }
func (ErrorPayload) Kind() Kind      { return KindError }
func (MetricsPayload) Kind() Kind    { return KindMetrics }
func (CancelPayload) Kind() Kind     { return KindCancel }
func (CancelAckPayload) Kind() Kind  { return KindCancelAck }

// Message is the unit of inter-agent communication. Messages are passed by
// value and never mutated after construction; the With* helpers return copies.
type Message struct {
	ID        string  `json:"id"`
	Topic     Topic   `json:"topic"`
	Kind      Kind    `json:"kind"`
	Key       string  `json:"key,omitempty"`
	Payload   Payload `json:"payload"`
	Source    string  `json:"source"`
	SessionID string  `json:"session_id"`

	// WorkflowID names the workflow run the message belongs to. Agents carry
	// it forward from the message they are handling.
	WorkflowID string    `json:"workflow_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewMessage builds a message for one session. The addressing key defaults to
// the session id so that only that session's agent instances receive it.
func NewMessage(topic Topic, sessionID string, source string, payload Payload) Message {
	sessionID = strings.TrimSpace(sessionID)

	var kind Kind
	if payload != nil {
		kind = payload.Kind()
	}

	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Kind:      kind,
		Key:       sessionID,
		Payload:   clonePayload(payload),
		Source:    strings.TrimSpace(source),
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
}

// Broadcast returns a copy addressed to every instance bound to the topic.
func (m Message) Broadcast() Message {
	m.Key = ""
	return m
}

// ForWorkflow returns a copy stamped with workflowID.
func (m Message) ForWorkflow(workflowID string) Message {
	m.WorkflowID = workflowID
	return m
}

// WithTopic returns a copy of the message re-addressed to topic under a new id.
func (m Message) WithTopic(topic Topic) Message {
	m.ID = uuid.NewString()
	m.Topic = topic
	m.CreatedAt = time.Now().UTC()
	return m
}

// IsFinal reports whether the message ends its session's stream.
func (m Message) IsFinal() bool {
	return m.Kind.IsTerminal()
}

// Validate checks the envelope before it is enqueued.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("message id is required")
	}
	if strings.TrimSpace(string(m.Topic)) == "" || m.Topic == AnyTopic {
		return fmt.Errorf("message topic %q is not a valid destination", m.Topic)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	if m.Payload == nil {
		return errors.New("message payload is required")
	}
	if m.Payload.Kind() != m.Kind {
		return fmt.Errorf("payload kind %q does not match message kind %q", m.Payload.Kind(), m.Kind)
	}

	return nil
}

// clonePayload copies map-valued payload fields so a publisher keeping a
// reference to its map cannot mutate a message already on the bus.
func clonePayload(payload Payload) Payload {
	switch typed := payload.(type) {
	case RequestPayload:
		typed.Data = maps.Clone(typed.Data)
		return typed
	case SuccessPayload:
		typed.Result = maps.Clone(typed.Result)
		return typed
	case CompletionPayload:
		typed.Result = maps.Clone(typed.Result)
		return typed
	case MetricsPayload:
		typed.Counters = maps.Clone(typed.Counters)
		return typed
	default:
		return payload
	}
}
