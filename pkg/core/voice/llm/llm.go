// Package llm defines the language model clients backing the pipeline
// adapter variant and the post-call summarizer.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one turn of conversation context.
type Message struct {
	// Role is "system", "user", "assistant", or "tool".
	Role    string
	Content string
	// ToolCalls is set on assistant turns that invoked tools.
	ToolCalls []ToolCall
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
	Name       string
}

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Tool is one callable function advertised to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one generation request.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// Delta is one streamed generation increment. Exactly one field is set.
type Delta struct {
	Text     string
	ToolCall *ToolCall
}

// Stream is one in-flight streamed generation.
type Stream interface {
	// Deltas delivers increments in generation order and closes when the
	// response is complete or the stream fails.
	Deltas() <-chan Delta

	Err() error
	Close() error
}

// Client generates model responses.
type Client interface {
	Name() string

	// StreamChat starts a streamed generation. Cancelling ctx aborts it.
	StreamChat(ctx context.Context, req Request) (Stream, error)

	// Complete runs a non-streamed generation and returns the full text.
	Complete(ctx context.Context, req Request) (string, error)
}
