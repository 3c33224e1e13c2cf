package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"agentflow/pkg/bus"
)

// Event is the caller-facing shape of one stream message.
type Event struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	WorkflowID string      `json:"workflow_id,omitempty"`
	Topic      bus.Topic   `json:"topic"`
	Kind       bus.Kind    `json:"kind"`
	Source     string      `json:"source"`
	Payload    bus.Payload `json:"payload"`
	IsFinal    bool        `json:"is_final"`
	CreatedAt  time.Time   `json:"created_at"`
}

func ToEvent(msg bus.Message) Event {
	return Event{
		ID:         msg.ID,
		SessionID:  msg.SessionID,
		WorkflowID: msg.WorkflowID,
		Topic:      msg.Topic,
		Kind:       msg.Kind,
		Source:     msg.Source,
		Payload:    msg.Payload,
		IsFinal:    msg.IsFinal(),
		CreatedAt:  msg.CreatedAt,
	}
}

// SSE renders the event as one server-sent-events frame.
func (e Event) SSE() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, data)
	return buf.Bytes(), nil
}
