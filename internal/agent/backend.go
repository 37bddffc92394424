// Package agent defines the interface to the agent execution backend and a
// CLI subprocess implementation of it. The backend is opaque: it produces an
// async event sequence per query and assigns external conversation ids that
// later allow resuming or recovering a conversation.
package agent

import (
	"context"
	"encoding/json"
)

// EventType classifies backend events.
type EventType string

const (
	// EventInit carries the backend-assigned conversation id.
	EventInit EventType = "init"
	// EventAssistant carries an incremental assistant message.
	EventAssistant EventType = "assistant"
	// EventToolResult carries the result of an earlier tool call.
	EventToolResult EventType = "tool_result"
	// EventResult terminates a successful generation.
	EventResult EventType = "result"
	// EventError terminates a failed generation.
	EventError EventType = "error"
)

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type string `json:"type"`

	// Text blocks.
	Text string `json:"text,omitempty"`

	// Tool-use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Event is one item of the backend's async event sequence.
type Event struct {
	Type           EventType      `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	Role           string         `json:"role,omitempty"`
	Blocks         []ContentBlock `json:"blocks,omitempty"`

	// Tool results.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Terminal accounting.
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`
	Err       string `json:"error,omitempty"`
}

// Text concatenates the text blocks of an event.
func (e Event) Text() string {
	var out string
	for _, b := range e.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// PermissionRequest asks whether a tool call may proceed.
type PermissionRequest struct {
	SessionID string
	ToolName  string
	Input     json.RawMessage
}

// Decision is the outcome of a permission request.
type Decision struct {
	Allow  bool
	Reason string
}

// PermissionFunc decides tool permission requests. It may block (e.g. on a
// pending user question) and must honor ctx cancellation.
type PermissionFunc func(ctx context.Context, req PermissionRequest) Decision

// Options configures one query.
type Options struct {
	SessionID string
	Cwd       string
	Model     string
	// ResumeConversationID resumes a prior backend conversation when set.
	ResumeConversationID string
	Permission           PermissionFunc
}

// Backend drives the external agent runtime. StartQuery returns a channel
// that is closed after the terminal event. Cancel kills the query for a
// session; in-flight events already buffered may still be delivered.
type Backend interface {
	StartQuery(ctx context.Context, prompt string, opts Options) (<-chan Event, error)
	Cancel(sessionID string)
}
