// Package tools runs the HTTP tool layer around a call: pre-call lookups
// before the greeting, in-call functions invoked by the AI, and post-call
// webhooks after hangup. Definitions are templates; placeholders resolve
// in two passes, ${ENV_VAR} once at load and {variable} per request.
package tools

import (
	"encoding/json"
	"time"
)

// Phase is when a tool runs relative to the call.
type Phase string

const (
	PhasePreCall  Phase = "pre_call"
	PhaseInCall   Phase = "in_call"
	PhasePostCall Phase = "post_call"
)

// Kind distinguishes plain HTTP tools from the telephony built-ins, which
// act on the call itself instead of a remote endpoint.
type Kind string

const (
	KindHTTP           Kind = "http"
	KindHangup         Kind = "hangup_call"
	KindTransfer       Kind = "transfer_call"
	KindCancelTransfer Kind = "cancel_transfer"
	KindVoicemail      Kind = "voicemail"
)

// Param is one AI-supplied argument in a tool's schema.
type Param struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Enum        []string `yaml:"enum,omitempty"`
}

// Output maps a response path to a conversation variable. The path itself
// is never usable as a variable; only the declared name is.
type Output struct {
	Variable string `yaml:"variable"`
	Path     string `yaml:"path"`
}

// Definition is one configured tool.
type Definition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Phase       Phase  `yaml:"phase"`
	Kind        Kind   `yaml:"kind"`
	Enabled     bool   `yaml:"enabled"`
	// Global tools run for every context unless the context opts out.
	Global bool `yaml:"global"`

	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Query   map[string]string `yaml:"query,omitempty"`
	Body    string            `yaml:"body,omitempty"`

	TimeoutMs int `yaml:"timeout_ms"`

	Params  []Param  `yaml:"params,omitempty"`
	Outputs []Output `yaml:"outputs,omitempty"`

	// RawResult passes the response body to the AI verbatim instead of the
	// extracted output map.
	RawResult bool `yaml:"raw_result"`

	// ErrorMessage is spoken as the tool result on failure or timeout so
	// the conversation continues; low-level errors never reach the AI.
	ErrorMessage string `yaml:"error_message"`

	// Target is the transfer destination template for transfer tools.
	Target string `yaml:"target,omitempty"`
}

// Timeout returns the tool's request deadline.
func (d *Definition) Timeout() time.Duration {
	if d.TimeoutMs > 0 {
		return time.Duration(d.TimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}

// SpokenError returns the configured error message, or a neutral fallback.
func (d *Definition) SpokenError() string {
	if d.ErrorMessage != "" {
		return d.ErrorMessage
	}
	return "I'm sorry, I wasn't able to complete that just now."
}

// ResolveEnvRefs substitutes ${ENV_VAR} placeholders in every template
// field. Called once when the definition is loaded.
func (d *Definition) ResolveEnvRefs() {
	d.URL = ResolveEnv(d.URL)
	d.Body = ResolveEnv(d.Body)
	d.Target = ResolveEnv(d.Target)
	for k, v := range d.Headers {
		d.Headers[k] = ResolveEnv(v)
	}
	for k, v := range d.Query {
		d.Query[k] = ResolveEnv(v)
	}
}

// ContextPolicy is a call context's view of the tool catalog.
type ContextPolicy struct {
	// Allowed names non-global tools this context may use.
	Allowed []string `yaml:"allowed,omitempty"`
	// Disabled opts the context out of specific global tools.
	Disabled []string `yaml:"disabled,omitempty"`
}

func (p ContextPolicy) permits(d *Definition) bool {
	if !d.Enabled {
		return false
	}
	for _, name := range p.Disabled {
		if name == d.Name {
			return false
		}
	}
	if d.Global {
		return true
	}
	for _, name := range p.Allowed {
		if name == d.Name {
			return true
		}
	}
	return false
}

// CallMeta is the call metadata available to every template.
type CallMeta struct {
	CallID       string
	CallerNumber string
	CallerName   string
	CalledNumber string
	ContextName  string
	// Direction is inbound or outbound.
	Direction  string
	CampaignID string
	LeadID     string
}

// Vars returns the metadata as template variables.
func (m CallMeta) Vars() map[string]string {
	return map[string]string{
		"call_id":       m.CallID,
		"caller_number": m.CallerNumber,
		"caller_name":   m.CallerName,
		"called_number": m.CalledNumber,
		"context_name":  m.ContextName,
		"direction":     m.Direction,
		"campaign_id":   m.CampaignID,
		"lead_id":       m.LeadID,
	}
}

// Invocation is one executed tool call, kept for the call's audit log and
// for post-call webhook bodies.
type Invocation struct {
	Tool       string          `json:"tool"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     string          `json:"result"`
	IsError    bool            `json:"is_error"`
	StartedAt  time.Time       `json:"started_at"`
	DurationMs int64           `json:"duration_ms"`
}

// ActionKind identifies a telephony side effect requested by a tool.
type ActionKind string

const (
	ActionHangup         ActionKind = "hangup"
	ActionTransfer       ActionKind = "transfer"
	ActionCancelTransfer ActionKind = "cancel_transfer"
	ActionVoicemail      ActionKind = "voicemail"
)

// Action is a telephony operation the session must carry out. Hangup plays
// the farewell before disconnecting; cancel-transfer is only valid while a
// transfer is ringing and the session rejects it otherwise.
type Action struct {
	Kind     ActionKind
	Farewell string
	Target   string
}

// Result is the outcome of one in-call invocation.
type Result struct {
	// Content is the tool result text handed back to the AI.
	Content string
	IsError bool
	// Vars holds extracted output variables to merge into call context.
	Vars map[string]string
	// Action is set for telephony built-ins.
	Action     *Action
	Invocation Invocation
}
