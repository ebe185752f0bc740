// Package provider defines the contract between a call session and the AI
// voice backend. Two variants exist behind the one interface: full-agent
// backends that run speech understanding, reasoning, and speech synthesis
// server-side, and the composed pipeline that stitches STT, LLM, and TTS
// sub-adapters together locally. The session never branches on the variant;
// differences are surfaced through Capabilities.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
)

// Variant identifies which adapter family serves a call.
type Variant string

const (
	// VariantFullAgent is a single realtime backend handling STT, reasoning,
	// and TTS in one duplex stream.
	VariantFullAgent Variant = "full-agent"
	// VariantPipeline composes separate STT, LLM, and TTS backends.
	VariantPipeline Variant = "pipeline"
)

// ErrClosed is returned by adapter methods after Close or a fatal failure.
var ErrClosed = errors.New("provider closed")

// Capabilities describes what the backend does so the engine can disable
// its own duplicate machinery. A backend with ServerVAD still passes through
// the local barge-in gate; the gate just stops being the turn authority.
type Capabilities struct {
	// ServerVAD reports that the backend detects end of caller speech itself.
	ServerVAD bool
	// ServerBargeIn reports that the backend truncates its own response when
	// the caller speaks over it.
	ServerBargeIn bool
	// Tools reports that the backend emits tool call requests.
	Tools bool
	// Input is the PCM profile the adapter accepts for caller audio and
	// Output the profile of synthesized agent audio. The session converts
	// between these and the wire profile; rates may differ per direction.
	Input  audio.Profile
	Output audio.Profile
}

// ToolSchema is one callable tool advertised to the backend at start.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// SessionConfig carries everything an adapter needs to open a call session.
type SessionConfig struct {
	CallID       string
	Instructions string
	// Greeting is spoken by the agent as its opening turn. Empty means the
	// agent waits for the caller.
	Greeting    string
	Voice       string
	Temperature float64
	Tools       []ToolSchema
}

// Adapter is one call's AI backend. Start must be called exactly once;
// Events is readable immediately after Start returns and is closed when the
// adapter terminates. Implementations reconnect once on transport failure
// before reporting a fatal Error event.
type Adapter interface {
	Variant() Variant
	Capabilities() Capabilities

	// Start opens the backend session. A backend that rejects the tool
	// schemas fails here; schema errors are never deferred to mid-call.
	Start(ctx context.Context, cfg SessionConfig) error

	// SendAudio forwards one caller audio frame upstream. Frames must match
	// Capabilities().Input.
	SendAudio(f audio.Frame) error

	// SendText injects a complete text turn, used for spoken tool error
	// messages and system nudges.
	SendText(ctx context.Context, text string) error

	// SendToolResult delivers a tool outcome for a pending ToolCall event
	// and lets the backend resume generating.
	SendToolResult(ctx context.Context, callID string, content string, isError bool) error

	// UpdateTools replaces the advertised tool set mid-call. Backends that
	// cannot renegotiate tools return an error; the session keeps the set
	// it started with.
	UpdateTools(ctx context.Context, tools []ToolSchema) error

	// CancelResponse aborts the in-flight agent response after a confirmed
	// barge-in. Audio already emitted is the playback scheduler's problem.
	CancelResponse() error

	// Events streams typed backend events in arrival order.
	Events() <-chan Event

	Close() error
}
