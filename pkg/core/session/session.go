// Package session runs one call end to end: transport attach, pre-call
// lookups, provider session, the steady-state turn loop with gating and
// paced playback, tool execution, and post-call webhooks. Each session is
// its own goroutine group; a stalled provider or transport on one call
// never blocks another call's pacing.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/core/gate"
	"github.com/voxgate-io/voxgate/pkg/core/playback"
	"github.com/voxgate-io/voxgate/pkg/core/provider"
	"github.com/voxgate-io/voxgate/pkg/core/tools"
	"github.com/voxgate-io/voxgate/pkg/core/voice/llm"
	"github.com/voxgate-io/voxgate/pkg/transport"
)

// Telephony performs call-control operations requested by the telephony
// built-in tools.
type Telephony interface {
	Transfer(ctx context.Context, target string) error
	CancelTransfer(ctx context.Context) error
	// TransferRinging reports an unanswered transfer in flight. Cancel is
	// only valid while this is true.
	TransferRinging() bool
	// Play asks the PBX to play a prerecorded media asset to the caller.
	Play(ctx context.Context, mediaID string) error
}

// NopTelephony rejects call-control operations. Used when the transport has
// no PBX control channel.
type NopTelephony struct{}

func (NopTelephony) Transfer(context.Context, string) error { return errors.New("transfer not supported") }
func (NopTelephony) CancelTransfer(context.Context) error   { return errors.New("transfer not supported") }
func (NopTelephony) TransferRinging() bool                  { return false }
func (NopTelephony) Play(context.Context, string) error     { return errors.New("media playback not supported") }

// Hooks are optional telemetry callbacks. None may block; none receives a
// per-call identifier.
type Hooks struct {
	OnStateChange func(from, to State)
	OnUnderflow   func()
	OnTruncation  func()
	OnGateToggle  func(open bool)
	OnTool        func(phase tools.Phase, name string, isError bool, d time.Duration)
	OnTurnLatency func(d time.Duration)
}

// Config assembles one call's collaborators.
type Config struct {
	Meta      tools.CallMeta
	Transport transport.Transport
	Adapter   provider.Adapter
	Tools     *tools.Orchestrator
	Policy    tools.ContextPolicy

	// Instructions and Greeting are templates; {variable} placeholders
	// resolve against call metadata and pre-call results.
	Instructions string
	Greeting     string
	Voice        string
	Temperature  float64

	// ProviderName labels the bound provider in post-call templates.
	ProviderName string

	Gate     gate.Config
	Playback playback.Config

	Telephony Telephony
	// ApologyMediaID, when set, names a PBX media asset played to the
	// caller if the provider dies mid-call and reconnection failed.
	ApologyMediaID string

	// Summarizer, when set, writes the post-call summary with SummaryModel.
	Summarizer   llm.Client
	SummaryModel string

	// HangupGrace bounds the farewell after a hangup tool before the call
	// is torn down regardless.
	HangupGrace time.Duration
	// PostCallBudget bounds the post-call webhook phase.
	PostCallBudget time.Duration

	Hooks  Hooks
	Logger *slog.Logger
}

// Entry is one transcript line.
type Entry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session is one live call.
type Session struct {
	cfg    Config
	logger *slog.Logger
	gate   *gate.Gate
	sched  *playback.Scheduler
	caps   provider.Capabilities
	wire   audio.Profile

	mu              sync.Mutex
	state           State
	vars            map[string]string
	transcript      []Entry
	userPartial     string
	agentPartial    map[string]string
	invocations     []tools.Invocation
	currentResponse string
	droppedResponse string
	pendingHangup   bool
	turnStart       time.Time
	startedAt       time.Time
	err             error

	frameMu sync.Mutex
	outBuf  []byte

	toolWG sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a session around an attached transport. Run starts it.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("call_id", cfg.Meta.CallID)
	if cfg.Tools == nil {
		cfg.Tools = tools.New(nil, nil, logger)
	}
	if cfg.Telephony == nil {
		cfg.Telephony = NopTelephony{}
	}
	if cfg.HangupGrace <= 0 {
		cfg.HangupGrace = 6 * time.Second
	}
	if cfg.PostCallBudget <= 0 {
		cfg.PostCallBudget = 30 * time.Second
	}

	wire := cfg.Transport.Profile()
	pb := cfg.Playback
	if pb.JitterBufferMs == 0 {
		pb = playback.DefaultConfig()
	}
	pb.Profile = wire
	pb.Logger = logger

	gc := cfg.Gate
	gc.Logger = logger

	s := &Session{
		cfg:          cfg,
		logger:       logger,
		gate:         gate.New(gc),
		wire:         wire,
		caps:         cfg.Adapter.Capabilities(),
		state:        StateArriving,
		vars:         map[string]string{},
		agentPartial: map[string]string{},
		done:         make(chan struct{}),
	}
	s.sched = playback.New(pb, cfg.Transport.Send)
	if cfg.Hooks.OnUnderflow != nil {
		s.sched.OnUnderflow(cfg.Hooks.OnUnderflow)
	}
	if cfg.Hooks.OnTruncation != nil {
		s.sched.OnTruncation(cfg.Hooks.OnTruncation)
	}
	if cfg.Hooks.OnGateToggle != nil {
		s.gate.OnToggle(cfg.Hooks.OnGateToggle)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches Terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Transcript returns a copy of the transcript so far.
func (s *Session) Transcript() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Vars returns a copy of the call's variable map.
func (s *Session) Vars() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v
	}
	return out
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Info("session state", "from", from, "to", to)
	if s.cfg.Hooks.OnStateChange != nil {
		s.cfg.Hooks.OnStateChange(from, to)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Run drives the call to completion and returns its terminal error, nil for
// a clean hangup. It blocks for the call's lifetime.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()
	defer close(s.done)

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.setState(StatePreCallLookup)
	vars := s.cfg.Tools.PreCall(ctx, s.cfg.Meta, s.cfg.Policy)
	s.mu.Lock()
	s.vars = vars
	s.mu.Unlock()

	greeting := tools.Resolve(s.cfg.Greeting, vars)
	sessCfg := provider.SessionConfig{
		CallID:       s.cfg.Meta.CallID,
		Instructions: tools.Resolve(s.cfg.Instructions, vars),
		Greeting:     greeting,
		Voice:        s.cfg.Voice,
		Temperature:  s.cfg.Temperature,
		Tools:        s.cfg.Tools.Schemas(s.cfg.Policy),
	}

	s.setState(StateGreeting)
	if err := s.cfg.Adapter.Start(ctx, sessCfg); err != nil {
		s.fail(fmt.Errorf("provider start: %w", err))
		s.setState(StateClosing)
		s.teardown()
		s.runPostCall()
		s.setState(StateTerminated)
		return s.err
	}
	if greeting == "" {
		s.setState(StateActive)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.readLoop(ctx)
	}()

	s.eventLoop(ctx)

	s.setState(StateClosing)
	s.teardown()
	cancel()
	wg.Wait()
	s.toolWG.Wait()

	s.flushTranscript()
	s.runPostCall()
	s.setState(StateTerminated)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// teardown closes the provider and transport legs. Idempotent.
func (s *Session) teardown() {
	if err := s.cfg.Adapter.Close(); err != nil && !errors.Is(err, provider.ErrClosed) {
		s.logger.Debug("adapter close", "error", err)
	}
	if err := s.cfg.Transport.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
		s.logger.Debug("transport close", "error", err)
	}
}

// readLoop pumps caller audio through the gate into the provider.
func (s *Session) readLoop(ctx context.Context) {
	for {
		f, err := s.cfg.Transport.Receive(ctx)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) && !errors.Is(err, context.Canceled) {
				s.fail(fmt.Errorf("transport receive: %w", err))
			}
			s.cancel()
			return
		}

		// Server-side VAD needs the uninterrupted stream; the gate only
		// observes. Barge-in is the provider's call then.
		if s.caps.ServerVAD {
			s.gate.Process(f)
			s.forwardToProvider(f)
			continue
		}

		d := s.gate.Process(f)
		if d.BargeIn {
			s.truncatePlayback()
			if err := s.cfg.Adapter.CancelResponse(); err != nil && !errors.Is(err, provider.ErrClosed) {
				s.logger.Debug("cancel response", "error", err)
			}
		}
		if !d.Forward {
			continue
		}
		s.forwardToProvider(f)
	}
}

// truncatePlayback discards queued and in-flight agent audio for the
// current response.
func (s *Session) truncatePlayback() {
	s.mu.Lock()
	s.droppedResponse = s.currentResponse
	s.mu.Unlock()
	s.sched.Cancel()
	s.frameMu.Lock()
	s.outBuf = s.outBuf[:0]
	s.frameMu.Unlock()
}

func (s *Session) forwardToProvider(f audio.Frame) {
	conv, err := audio.Convert(f, s.caps.Input)
	if err != nil {
		s.fail(fmt.Errorf("caller audio convert: %w", err))
		s.cancel()
		return
	}
	if err := s.cfg.Adapter.SendAudio(conv); err != nil && !errors.Is(err, provider.ErrClosed) {
		s.logger.Debug("send audio", "error", err)
	}
}

// eventLoop consumes provider events until the adapter terminates, the
// transport drops, or the context ends.
func (s *Session) eventLoop(ctx context.Context) {
	events := s.cfg.Adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.cfg.Transport.Done():
			// Caller hung up; Closing from any state.
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if done := s.handleEvent(ctx, ev); done {
				return
			}
		}
	}
}

// handleEvent processes one provider event. Returns true when the session
// must move to Closing.
func (s *Session) handleEvent(ctx context.Context, ev provider.Event) bool {
	switch e := ev.(type) {
	case *provider.SessionReadyEvent:
		s.logger.Debug("provider session ready", "session_id", e.SessionID)

	case *provider.ResponseStartedEvent:
		s.mu.Lock()
		s.currentResponse = e.ResponseID
		// Delta-only caller transcription has no final marker; the agent
		// starting its reply ends the caller's turn.
		if s.userPartial != "" {
			s.transcript = append(s.transcript, Entry{Role: "user", Text: s.userPartial, At: time.Now()})
			s.userPartial = ""
		}
		s.mu.Unlock()
		if !s.caps.ServerVAD {
			s.gate.AgentSpeaking(true)
		}

	case *provider.AudioDeltaEvent:
		s.handleAudioDelta(ctx, e)

	case *provider.AudioDoneEvent:
		s.sched.MarkEnd()
		if !s.caps.ServerVAD {
			s.gate.AgentSpeaking(false)
		}

	case *provider.TranscriptDeltaEvent:
		s.recordTranscript(e)

	case *provider.ResponseDoneEvent:
		s.commitAgentTurn(e.ResponseID)
		s.setState(StateActive)
		s.mu.Lock()
		hangup := s.pendingHangup
		s.mu.Unlock()
		if hangup {
			return true
		}

	case *provider.SpeechStartedEvent:
		// Server VAD confirmed caller speech over agent audio.
		s.truncatePlayback()
		if !s.caps.ServerBargeIn {
			if err := s.cfg.Adapter.CancelResponse(); err != nil && !errors.Is(err, provider.ErrClosed) {
				s.logger.Debug("cancel response", "error", err)
			}
		}

	case *provider.SpeechStoppedEvent:
		s.mu.Lock()
		s.turnStart = time.Now()
		s.mu.Unlock()

	case *provider.ToolCallEvent:
		s.setState(StateActive) // greeting-phase tool calls settle into the loop
		s.setState(StateToolExecuting)
		s.toolWG.Add(1)
		go s.runTool(ctx, e)

	case *provider.ErrorEvent:
		if e.Fatal {
			s.apologize(ctx)
			s.fail(fmt.Errorf("provider error (%s): %s", e.Kind, e.Message))
			return true
		}
		s.logger.Warn("provider error", "kind", e.Kind, "message", e.Message)

	case *provider.ClosedEvent:
		return true
	}
	return false
}

// recordTranscript folds streamed transcript deltas into whole turns.
// Adapters differ here: some stream increments and finish with the full
// turn text, some stream increments only. Non-final deltas accumulate; a
// final delta carrying text supersedes the accumulation. Agent turns
// commit when their response completes, caller turns on their final delta.
func (s *Session) recordTranscript(e *provider.TranscriptDeltaEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Role == "user" {
		if !e.Final {
			s.userPartial += e.Text
			return
		}
		text := e.Text
		if text == "" {
			text = s.userPartial
		}
		s.userPartial = ""
		if text != "" {
			s.transcript = append(s.transcript, Entry{Role: "user", Text: text, At: time.Now()})
		}
		s.turnStart = time.Now()
		return
	}

	if e.Final && e.Text != "" {
		s.agentPartial[e.ResponseID] = e.Text
		return
	}
	s.agentPartial[e.ResponseID] += e.Text
}

// commitAgentTurn moves a completed response's accumulated text into the
// transcript. An interrupted response commits what was spoken so far.
func (s *Session) commitAgentTurn(responseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.agentPartial[responseID]
	delete(s.agentPartial, responseID)
	if text == "" {
		return
	}
	s.transcript = append(s.transcript, Entry{Role: "assistant", Text: text, At: time.Now()})
}

// flushTranscript commits partials left dangling by a call ending mid-turn.
func (s *Session) flushTranscript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userPartial != "" {
		s.transcript = append(s.transcript, Entry{Role: "user", Text: s.userPartial, At: time.Now()})
		s.userPartial = ""
	}
	for id, text := range s.agentPartial {
		delete(s.agentPartial, id)
		if text != "" {
			s.transcript = append(s.transcript, Entry{Role: "assistant", Text: text, At: time.Now()})
		}
	}
}

// apologize plays the configured apology asset through the PBX before the
// call is torn down for a dead provider. Best effort.
func (s *Session) apologize(ctx context.Context) {
	if s.cfg.ApologyMediaID == "" {
		return
	}
	playCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.cfg.Telephony.Play(playCtx, s.cfg.ApologyMediaID); err != nil {
		s.logger.Warn("apology playback failed", "media_id", s.cfg.ApologyMediaID, "error", err)
	}
}

// handleAudioDelta converts provider PCM to the wire profile and feeds the
// scheduler in exact frames.
func (s *Session) handleAudioDelta(ctx context.Context, e *provider.AudioDeltaEvent) {
	s.mu.Lock()
	dropped := e.ResponseID != "" && e.ResponseID == s.droppedResponse
	turnStart := s.turnStart
	s.turnStart = time.Time{}
	s.mu.Unlock()
	if dropped {
		return
	}
	if !turnStart.IsZero() && s.cfg.Hooks.OnTurnLatency != nil {
		s.cfg.Hooks.OnTurnLatency(time.Since(turnStart))
	}

	src := audio.Frame{Data: e.Data, Encoding: s.caps.Output.Encoding, SampleRate: s.caps.Output.SampleRate}
	conv, err := audio.Convert(src, s.wire)
	if err != nil {
		s.fail(fmt.Errorf("agent audio convert: %w", err))
		s.cancel()
		return
	}

	size := s.wire.BytesPerFrame()
	s.frameMu.Lock()
	s.outBuf = append(s.outBuf, conv.Data...)
	var frames []audio.Frame
	for len(s.outBuf) >= size {
		data := make([]byte, size)
		copy(data, s.outBuf[:size])
		s.outBuf = s.outBuf[size:]
		frames = append(frames, s.wire.NewFrame(data))
	}
	s.frameMu.Unlock()

	for _, f := range frames {
		if err := s.sched.Enqueue(ctx, f); err != nil {
			return
		}
	}
}

// runTool executes one in-call tool and feeds the result back.
func (s *Session) runTool(ctx context.Context, ev *provider.ToolCallEvent) {
	defer s.toolWG.Done()
	defer s.setState(StateActive)

	def, ok := s.cfg.Tools.Lookup(ev.Name, s.cfg.Policy)
	if !ok {
		s.logger.Warn("unknown tool requested", "tool", ev.Name)
		s.sendToolResult(ctx, ev.CallID, fmt.Sprintf("The tool %q is not available.", ev.Name), true)
		return
	}

	res := s.cfg.Tools.Invoke(ctx, def, ev.Arguments, s.Vars())
	if s.cfg.Hooks.OnTool != nil {
		s.cfg.Hooks.OnTool(tools.PhaseInCall, def.Name, res.IsError, time.Duration(res.Invocation.DurationMs)*time.Millisecond)
	}

	s.mu.Lock()
	s.invocations = append(s.invocations, res.Invocation)
	for k, v := range res.Vars {
		s.vars[k] = v
	}
	s.mu.Unlock()

	if res.Action == nil {
		s.sendToolResult(ctx, ev.CallID, res.Content, res.IsError)
		return
	}
	s.performAction(ctx, ev, res)
}

// performAction carries out a telephony built-in.
func (s *Session) performAction(ctx context.Context, ev *provider.ToolCallEvent, res tools.Result) {
	switch res.Action.Kind {
	case tools.ActionHangup, tools.ActionVoicemail:
		content := res.Content
		if res.Action.Farewell != "" {
			content = "Hangup accepted. Say exactly this farewell to the caller, then stop: " + res.Action.Farewell
		}
		s.mu.Lock()
		s.pendingHangup = true
		s.mu.Unlock()
		s.sendToolResult(ctx, ev.CallID, content, false)
		// The farewell response's completion closes the call; the grace
		// timer bounds a provider that never finishes it.
		go func() {
			select {
			case <-time.After(s.cfg.HangupGrace):
				s.cancel()
			case <-s.done:
			}
		}()

	case tools.ActionTransfer:
		if err := s.cfg.Telephony.Transfer(ctx, res.Action.Target); err != nil {
			s.logger.Warn("transfer failed", "target", res.Action.Target, "error", err)
			s.sendToolResult(ctx, ev.CallID, "The transfer could not be started.", true)
			return
		}
		s.sendToolResult(ctx, ev.CallID, res.Content, false)

	case tools.ActionCancelTransfer:
		if !s.cfg.Telephony.TransferRinging() {
			s.sendToolResult(ctx, ev.CallID, "There is no transfer in progress to cancel.", true)
			return
		}
		if err := s.cfg.Telephony.CancelTransfer(ctx); err != nil {
			s.logger.Warn("cancel transfer failed", "error", err)
			s.sendToolResult(ctx, ev.CallID, "The transfer could not be cancelled.", true)
			return
		}
		s.sendToolResult(ctx, ev.CallID, res.Content, false)

	default:
		s.sendToolResult(ctx, ev.CallID, res.Content, res.IsError)
	}
}

func (s *Session) sendToolResult(ctx context.Context, callID, content string, isError bool) {
	if err := s.cfg.Adapter.SendToolResult(ctx, callID, content, isError); err != nil && !errors.Is(err, provider.ErrClosed) {
		s.logger.Warn("send tool result", "error", err)
	}
}

// runPostCall fires the post-call webhooks under their own budget; the
// session context is already cancelled by now.
func (s *Session) runPostCall() {
	s.setState(StatePostCallTools)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PostCallBudget)
	defer cancel()

	s.mu.Lock()
	entries := make([]Entry, len(s.transcript))
	copy(entries, s.transcript)
	vars := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		vars[k] = v
	}
	invocations := make([]tools.Invocation, len(s.invocations))
	copy(invocations, s.invocations)
	startedAt := s.startedAt
	failed := s.err != nil
	s.mu.Unlock()

	endedAt := time.Now()
	vars["provider"] = s.cfg.ProviderName
	vars["started_at"] = startedAt.UTC().Format(time.RFC3339)
	vars["ended_at"] = endedAt.UTC().Format(time.RFC3339)
	vars["duration_seconds"] = strconv.Itoa(int(endedAt.Sub(startedAt).Seconds()))
	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	vars["outcome"] = outcome

	summary := s.summarize(ctx, entries)
	transcriptJSON, err := json.Marshal(entries)
	if err != nil {
		transcriptJSON = []byte("[]")
	}

	s.cfg.Tools.PostCall(ctx, tools.Report{
		Meta:           s.cfg.Meta,
		TranscriptJSON: transcriptJSON,
		Vars:           vars,
		Invocations:    invocations,
		Summary:        summary,
	}, s.cfg.Policy)
}

func (s *Session) summarize(ctx context.Context, entries []Entry) string {
	if s.cfg.Summarizer == nil || len(entries) == 0 {
		return ""
	}
	var b []byte
	for _, e := range entries {
		b = append(b, e.Role...)
		b = append(b, ": "...)
		b = append(b, e.Text...)
		b = append(b, '\n')
	}
	summary, err := tools.Summarize(ctx, s.cfg.Summarizer, s.cfg.SummaryModel, string(b))
	if err != nil {
		s.logger.Warn("post-call summary failed", "error", err)
		return ""
	}
	return summary
}
