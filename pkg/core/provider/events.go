package provider

import "encoding/json"

// Event is the interface for all adapter events.
type Event interface {
	// EventType returns the event type string for logging and serialization.
	EventType() string
}

// SessionReadyEvent is emitted once the backend accepted the session config.
type SessionReadyEvent struct {
	SessionID string `json:"session_id,omitempty"`
}

func (e *SessionReadyEvent) EventType() string { return "session.ready" }

// ResponseStartedEvent marks the beginning of one agent response.
type ResponseStartedEvent struct {
	ResponseID string `json:"response_id"`
}

func (e *ResponseStartedEvent) EventType() string { return "response.started" }

// AudioDeltaEvent carries one chunk of synthesized agent speech. Data is PCM
// in the adapter's Capabilities().Output profile.
type AudioDeltaEvent struct {
	ResponseID string `json:"response_id"`
	Data       []byte `json:"data"`
}

func (e *AudioDeltaEvent) EventType() string { return "audio.delta" }

// AudioDoneEvent marks the end of synthesized speech for one response. The
// response's audio is complete on the stream; playback may still be draining.
type AudioDoneEvent struct {
	ResponseID string `json:"response_id"`
}

func (e *AudioDoneEvent) EventType() string { return "audio.done" }

// TranscriptDeltaEvent carries incremental transcript text for either side
// of the conversation.
type TranscriptDeltaEvent struct {
	ResponseID string `json:"response_id,omitempty"`
	Role       string `json:"role"` // "user" or "assistant"
	Text       string `json:"text"`
	Final      bool   `json:"final,omitempty"`
}

func (e *TranscriptDeltaEvent) EventType() string { return "transcript.delta" }

// ResponseDoneEvent marks the end of one agent response, after its audio and
// transcript are final.
type ResponseDoneEvent struct {
	ResponseID string `json:"response_id"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

func (e *ResponseDoneEvent) EventType() string { return "response.done" }

// SpeechStartedEvent reports server-side detection of caller speech. Only
// adapters with Capabilities().ServerVAD emit it.
type SpeechStartedEvent struct{}

func (e *SpeechStartedEvent) EventType() string { return "speech.started" }

// SpeechStoppedEvent reports server-side end of caller speech.
type SpeechStoppedEvent struct{}

func (e *SpeechStoppedEvent) EventType() string { return "speech.stopped" }

// ToolCallEvent requests execution of one tool. The session must answer with
// SendToolResult using the same CallID.
type ToolCallEvent struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (e *ToolCallEvent) EventType() string { return "tool.call" }

// ErrorEvent reports a backend failure. Fatal errors terminate the adapter;
// the events channel closes after the last fatal event.
type ErrorEvent struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

func (e *ErrorEvent) EventType() string { return "error" }

// ClosedEvent is the final event on a cleanly terminated adapter.
type ClosedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (e *ClosedEvent) EventType() string { return "session.closed" }
