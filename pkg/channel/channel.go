package channel

import (
	"context"
)

// Inbound is one chat message received by an adapter.
type Inbound struct {
	Channel    string
	SenderID   string
	ChatID     string
	SessionKey string
	Content    string
	Metadata   map[string]string
}

// Outbound is the final reply to an inbound message.
type Outbound struct {
	Channel    string
	ChatID     string
	SessionKey string
	Content    string
	Error      string
}

// Updates receives intermediate replies while a workflow is running.
type Updates func(text string)

// Handler processes one inbound channel message and returns the final reply.
type Handler func(ctx context.Context, inbound Inbound, updates Updates) (Outbound, error)

// Adapter bridges one external transport (for example Telegram) into workflows.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}
