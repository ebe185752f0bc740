package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/voxgate-io/voxgate/pkg/core/provider"
	"github.com/voxgate-io/voxgate/pkg/core/voice/llm"
)

// Orchestrator executes tool definitions. It is shared across calls and
// holds no per-call state; callers keep their own variable maps and
// invocation logs from the returned values.
type Orchestrator struct {
	defs   []*Definition
	client *http.Client
	logger *slog.Logger

	onInvocation func(phase Phase, tool string, isError bool, d time.Duration)
}

// New builds an orchestrator over the loaded definitions. Environment
// references are expected to be resolved already via ResolveEnvRefs.
func New(defs []*Definition, client *http.Client, logger *slog.Logger) *Orchestrator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{defs: defs, client: client, logger: logger}
}

// OnInvocation registers a metrics hook fired after every tool execution.
func (o *Orchestrator) OnInvocation(fn func(phase Phase, tool string, isError bool, d time.Duration)) {
	o.onInvocation = fn
}

// eligible returns the enabled definitions for a phase under a context's
// policy.
func (o *Orchestrator) eligible(phase Phase, policy ContextPolicy) []*Definition {
	var out []*Definition
	for _, d := range o.defs {
		if d.Phase == phase && policy.permits(d) {
			out = append(out, d)
		}
	}
	return out
}

// Lookup finds a definition by name among the in-call tools a context
// permits.
func (o *Orchestrator) Lookup(name string, policy ContextPolicy) (*Definition, bool) {
	for _, d := range o.eligible(PhaseInCall, policy) {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Schemas renders the context's in-call tools as provider tool schemas.
func (o *Orchestrator) Schemas(policy ContextPolicy) []provider.ToolSchema {
	var out []provider.ToolSchema
	for _, d := range o.eligible(PhaseInCall, policy) {
		out = append(out, provider.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  paramSchema(d.Params),
		})
	}
	return out
}

// paramSchema renders a JSON schema object for the tool's parameters.
func paramSchema(params []Param) json.RawMessage {
	props := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := map[string]any{"type": typ}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	b, _ := json.Marshal(schema)
	return b
}

// PreCall runs every eligible pre-call lookup concurrently and returns the
// merged variable map. A failed or timed-out lookup contributes nothing;
// its variables are simply absent.
func (o *Orchestrator) PreCall(ctx context.Context, meta CallMeta, policy ContextPolicy) map[string]string {
	defs := o.eligible(PhasePreCall, policy)
	vars := meta.Vars()
	if len(defs) == 0 {
		return vars
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, d := range defs {
		wg.Add(1)
		go func(d *Definition) {
			defer wg.Done()
			start := time.Now()
			body, err := o.execute(ctx, d, vars)
			if o.onInvocation != nil {
				o.onInvocation(PhasePreCall, d.Name, err != nil, time.Since(start))
			}
			if err != nil {
				o.logger.Warn("pre-call lookup failed",
					"tool", d.Name, "call_id", meta.CallID, "error", err)
				return
			}
			extracted, err := extractOutputs(d, body)
			if err != nil {
				o.logger.Warn("pre-call extraction failed",
					"tool", d.Name, "call_id", meta.CallID, "error", err)
				return
			}
			mu.Lock()
			for k, v := range extracted {
				vars[k] = v
			}
			mu.Unlock()
		}(d)
	}
	wg.Wait()
	return vars
}

// Invoke executes one in-call tool requested by the AI. HTTP failures and
// timeouts return the tool's spoken error message as the result, never a
// transport error. Telephony built-ins return an Action for the session to
// perform.
func (o *Orchestrator) Invoke(ctx context.Context, def *Definition, args json.RawMessage, vars map[string]string) Result {
	start := time.Now()

	var argMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return o.finish(def, args, start, Result{
				Content: def.SpokenError(),
				IsError: true,
			})
		}
	}
	merged := make(map[string]string, len(vars)+len(argMap))
	for k, v := range vars {
		merged[k] = v
	}
	for k, v := range argMap {
		merged[k] = Stringify(v)
	}

	if def.Kind != "" && def.Kind != KindHTTP {
		return o.finish(def, args, start, o.telephony(def, merged))
	}

	body, err := o.execute(ctx, def, merged)
	if err != nil {
		o.logger.Warn("tool call failed", "tool", def.Name, "error", err)
		return o.finish(def, args, start, Result{
			Content: def.SpokenError(),
			IsError: true,
		})
	}

	if def.RawResult || len(def.Outputs) == 0 {
		return o.finish(def, args, start, Result{Content: strings.TrimSpace(string(body))})
	}

	extracted, err := extractOutputs(def, body)
	if err != nil {
		o.logger.Warn("tool output extraction failed", "tool", def.Name, "error", err)
		return o.finish(def, args, start, Result{
			Content: def.SpokenError(),
			IsError: true,
		})
	}
	content, _ := json.Marshal(extracted)
	return o.finish(def, args, start, Result{Content: string(content), Vars: extracted})
}

// telephony maps a built-in tool to its call action.
func (o *Orchestrator) telephony(def *Definition, vars map[string]string) Result {
	switch def.Kind {
	case KindHangup:
		farewell := vars["farewell_message"]
		if farewell == "" {
			farewell = vars["message"]
		}
		return Result{
			Content: "The call will end after the farewell.",
			Action:  &Action{Kind: ActionHangup, Farewell: farewell},
		}
	case KindTransfer:
		target := Resolve(def.Target, vars)
		if target == "" {
			target = vars["target"]
		}
		if target == "" {
			return Result{Content: def.SpokenError(), IsError: true}
		}
		return Result{
			Content: "Transferring the call now.",
			Action:  &Action{Kind: ActionTransfer, Target: target},
		}
	case KindCancelTransfer:
		return Result{
			Content: "Transfer cancelled.",
			Action:  &Action{Kind: ActionCancelTransfer},
		}
	case KindVoicemail:
		return Result{
			Content: "Sending the caller to voicemail.",
			Action:  &Action{Kind: ActionVoicemail},
		}
	}
	return Result{Content: def.SpokenError(), IsError: true}
}

// finish stamps the invocation record and fires the metrics hook.
func (o *Orchestrator) finish(def *Definition, args json.RawMessage, start time.Time, r Result) Result {
	d := time.Since(start)
	r.Invocation = Invocation{
		Tool:       def.Name,
		Arguments:  args,
		Result:     r.Content,
		IsError:    r.IsError,
		StartedAt:  start,
		DurationMs: d.Milliseconds(),
	}
	if o.onInvocation != nil {
		o.onInvocation(PhaseInCall, def.Name, r.IsError, d)
	}
	return r
}

// Report carries everything post-call webhook templates may reference.
type Report struct {
	Meta CallMeta
	// TranscriptJSON is the serialized transcript, embedded raw.
	TranscriptJSON json.RawMessage
	// Vars is the final variable map, pre-call results included.
	Vars map[string]string
	// Invocations is the in-call tool log.
	Invocations []Invocation
	// Summary is the optional AI-generated call summary.
	Summary string
}

// PostCall runs every eligible post-call webhook. Best effort: each has its
// own timeout, failures are logged only, and the method returns once all
// have finished or timed out.
func (o *Orchestrator) PostCall(ctx context.Context, report Report, policy ContextPolicy) {
	defs := o.eligible(PhasePostCall, policy)
	if len(defs) == 0 {
		return
	}

	vars := report.Meta.Vars()
	for k, v := range report.Vars {
		vars[k] = v
	}
	// Raw JSON embeds: unquoted, for templates that splice documents into
	// a JSON body. summary_json is a complete JSON string literal.
	vars["transcript_json"] = rawJSON(report.TranscriptJSON)
	toolLog, _ := json.Marshal(report.Invocations)
	vars["tool_calls_json"] = rawJSON(toolLog)
	precall, _ := json.Marshal(report.Vars)
	vars["precall_json"] = rawJSON(precall)
	vars["summary"] = report.Summary
	summaryJSON, _ := json.Marshal(report.Summary)
	vars["summary_json"] = string(summaryJSON)

	var wg sync.WaitGroup
	for _, d := range defs {
		wg.Add(1)
		go func(d *Definition) {
			defer wg.Done()
			start := time.Now()
			_, err := o.execute(ctx, d, vars)
			if o.onInvocation != nil {
				o.onInvocation(PhasePostCall, d.Name, err != nil, time.Since(start))
			}
			if err != nil {
				o.logger.Warn("post-call webhook failed",
					"tool", d.Name, "call_id", report.Meta.CallID, "error", err)
			}
		}(d)
	}
	wg.Wait()
}

func rawJSON(b []byte) string {
	if len(b) == 0 {
		return "null"
	}
	return string(b)
}

// Summarize produces the post-call summary with a single non-streamed
// generation over the transcript.
func Summarize(ctx context.Context, client llm.Client, model, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", nil
	}
	return client.Complete(ctx, llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: "Summarize the following phone call in two or three sentences. Mention the caller's intent and the outcome."},
			{Role: "user", Content: transcript},
		},
		Temperature: 0.2,
		MaxTokens:   256,
	})
}

// execute performs one templated HTTP request under the tool's timeout and
// returns the response body. Non-2xx statuses are errors.
func (o *Orchestrator) execute(ctx context.Context, def *Definition, vars map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, def.Timeout())
	defer cancel()

	method := def.Method
	if method == "" {
		method = http.MethodGet
	}
	url := Resolve(def.URL, vars)

	var reqBody io.Reader
	if def.Body != "" {
		reqBody = strings.NewReader(Resolve(def.Body, vars))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range resolveMap(def.Headers, vars) {
		req.Header.Set(k, v)
	}
	if def.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(def.Query) > 0 {
		q := req.URL.Query()
		for k, v := range resolveMap(def.Query, vars) {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, def.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s: status %d", method, def.Name, resp.StatusCode)
	}
	return body, nil
}

// extractOutputs walks the response document for each configured output.
func extractOutputs(def *Definition, body []byte) (map[string]string, error) {
	if len(def.Outputs) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	out := make(map[string]string, len(def.Outputs))
	for _, m := range def.Outputs {
		v, err := ExtractPath(doc, m.Path)
		if err != nil {
			return nil, err
		}
		out[m.Variable] = Stringify(v)
	}
	return out, nil
}
