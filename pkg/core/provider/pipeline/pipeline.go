// Package pipeline implements the composed provider adapter variant: a
// streaming STT backend for caller speech, a chat language model for
// reasoning, and a streaming TTS backend for agent speech, stitched together
// behind the same interface the full-agent adapters implement.
//
// Latency comes from overlap. Model text is chunked and fed to synthesis
// while the model is still generating, and synthesized audio is emitted
// while synthesis continues.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/core/provider"
	"github.com/voxgate-io/voxgate/pkg/core/voice"
	"github.com/voxgate-io/voxgate/pkg/core/voice/llm"
	"github.com/voxgate-io/voxgate/pkg/core/voice/stt"
	"github.com/voxgate-io/voxgate/pkg/core/voice/tts"
)

const defaultSampleRate = 16000

// Config wires the three sub-adapters.
type Config struct {
	STT stt.Provider
	TTS tts.Provider
	LLM llm.Client

	// Model overrides the LLM client's default model.
	Model string
	// Language is passed to the STT backend.
	Language string
	// SampleRate is the PCM rate used on both directions. Zero means 16kHz.
	SampleRate int

	Logger *slog.Logger
}

// Adapter composes the sub-adapters into one call session.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	// session is written at Start and by UpdateTools, read per generation.
	sessMu  sync.Mutex
	session provider.SessionConfig

	events chan provider.Event

	sttStream stt.Stream

	// Conversation context for the language model.
	histMu  sync.Mutex
	history []llm.Message

	// In-flight response state. Only one response generates at a time.
	respMu     sync.Mutex
	respCancel context.CancelFunc
	respID     string
	respWG     sync.WaitGroup

	emitMu sync.Mutex
	closed atomic.Bool
}

// New creates an unstarted pipeline adapter.
func New(cfg Config) *Adapter {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		events: make(chan provider.Event, 128),
	}
}

// Variant implements provider.Adapter.
func (a *Adapter) Variant() provider.Variant { return provider.VariantPipeline }

// Capabilities implements provider.Adapter. End of caller speech comes from
// the STT endpointer, so the engine's gate is only the barge-in authority.
func (a *Adapter) Capabilities() provider.Capabilities {
	pcm := audio.Profile{Encoding: audio.EncodingSLIN16, SampleRate: a.cfg.SampleRate}
	return provider.Capabilities{
		ServerVAD: true,
		Tools:     true,
		Input:     pcm,
		Output:    pcm,
	}
}

// Start implements provider.Adapter.
func (a *Adapter) Start(ctx context.Context, cfg provider.SessionConfig) error {
	if a.cfg.STT == nil || a.cfg.TTS == nil || a.cfg.LLM == nil {
		return fmt.Errorf("pipeline adapter needs stt, tts, and llm backends")
	}
	a.sessMu.Lock()
	a.session = cfg
	a.sessMu.Unlock()

	// Tool schemas are validated up front; the chat backend would otherwise
	// reject them on the first turn, mid-call.
	for _, t := range cfg.Tools {
		if t.Name == "" {
			return fmt.Errorf("tool with empty name")
		}
	}

	sttStream, err := a.cfg.STT.OpenStream(ctx, stt.StreamConfig{
		SampleRate: a.cfg.SampleRate,
		Language:   a.cfg.Language,
	})
	if err != nil {
		return fmt.Errorf("open stt stream: %w", err)
	}
	a.sttStream = sttStream

	if cfg.Instructions != "" {
		a.histMu.Lock()
		a.history = append(a.history, llm.Message{Role: "system", Content: cfg.Instructions})
		a.histMu.Unlock()
	}

	go a.sttLoop()
	a.emit(&provider.SessionReadyEvent{SessionID: cfg.CallID})

	if cfg.Greeting != "" {
		a.speakLiteral(cfg.Greeting)
	}
	return nil
}

// sttLoop turns transcription results into turn commits.
func (a *Adapter) sttLoop() {
	var (
		pending  []string
		speaking bool
	)
	for r := range a.sttStream.Results() {
		if r.Text != "" && !speaking {
			speaking = true
			a.emit(&provider.SpeechStartedEvent{})
		}
		if r.Text != "" {
			a.emit(&provider.TranscriptDeltaEvent{Role: "user", Text: r.Text, Final: r.Final})
		}
		if r.Final && r.Text != "" {
			pending = append(pending, r.Text)
		}
		if r.EndOfSpeech {
			turn := strings.TrimSpace(strings.Join(pending, " "))
			pending = pending[:0]
			speaking = false
			a.emit(&provider.SpeechStoppedEvent{})
			if turn == "" {
				continue
			}
			a.histMu.Lock()
			a.history = append(a.history, llm.Message{Role: "user", Content: turn})
			a.histMu.Unlock()
			a.startResponse()
		}
	}
	if err := a.sttStream.Err(); err != nil && !a.closed.Load() {
		a.fatal("stt", err.Error())
	}
}

// startResponse begins generating against the current history, cancelling
// any response still in flight.
func (a *Adapter) startResponse() {
	a.respMu.Lock()
	if a.respCancel != nil {
		a.respCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.respCancel = cancel
	a.respID = uuid.NewString()
	id := a.respID
	a.respMu.Unlock()

	a.emit(&provider.ResponseStartedEvent{ResponseID: id})
	a.respWG.Add(1)
	go func() {
		defer a.respWG.Done()
		a.generate(ctx, id)
	}()
}

// continueResponse resumes the open response after a tool result, keeping
// the same response id.
func (a *Adapter) continueResponse() {
	a.respMu.Lock()
	if a.respCancel != nil {
		a.respCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.respCancel = cancel
	id := a.respID
	a.respMu.Unlock()

	a.respWG.Add(1)
	go func() {
		defer a.respWG.Done()
		a.generate(ctx, id)
	}()
}

// generate runs one model stream segment, synthesizing text as it arrives.
// A segment ending in tool calls leaves the response open; the tool result
// triggers the next segment under the same response id.
func (a *Adapter) generate(ctx context.Context, id string) {
	a.histMu.Lock()
	messages := make([]llm.Message, len(a.history))
	copy(messages, a.history)
	a.histMu.Unlock()

	a.sessMu.Lock()
	var tools []llm.Tool
	for _, t := range a.session.Tools {
		tools = append(tools, llm.Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	temperature := a.session.Temperature
	a.sessMu.Unlock()

	stream, err := a.cfg.LLM.StreamChat(ctx, llm.Request{
		Model:       a.cfg.Model,
		Messages:    messages,
		Tools:       tools,
		Temperature: temperature,
	})
	if err != nil {
		a.emit(&provider.ErrorEvent{Kind: "llm", Message: err.Error()})
		a.finishResponse(id, true)
		return
	}
	defer stream.Close()

	ttsStream, err := a.openTTS(ctx)
	if err != nil {
		a.emit(&provider.ErrorEvent{Kind: "tts", Message: err.Error()})
		a.finishResponse(id, true)
		return
	}
	defer ttsStream.Close()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for chunk := range ttsStream.Audio() {
			a.emit(&provider.AudioDeltaEvent{ResponseID: id, Data: chunk})
		}
	}()

	chunker := voice.NewChunker()
	var text strings.Builder
	var calls []llm.ToolCall

	for d := range stream.Deltas() {
		if ctx.Err() != nil {
			break
		}
		if d.Text != "" {
			text.WriteString(d.Text)
			a.emit(&provider.TranscriptDeltaEvent{ResponseID: id, Role: "assistant", Text: d.Text})
			if chunk := chunker.Add(d.Text); chunk != "" {
				if err := ttsStream.SendText(chunk, false); err != nil {
					a.emit(&provider.ErrorEvent{Kind: "tts", Message: err.Error()})
					break
				}
			}
		}
		if d.ToolCall != nil {
			calls = append(calls, *d.ToolCall)
		}
	}

	cancelled := ctx.Err() != nil
	if cancelled {
		chunker.Reset()
		ttsStream.Close()
		<-pumpDone
		a.finishResponse(id, true)
		return
	}
	if err := stream.Err(); err != nil {
		a.emit(&provider.ErrorEvent{Kind: "llm", Message: err.Error()})
	}

	// End-of-input drains the synthesis tail and closes the audio channel,
	// which releases the pump. A failed write abandons the stream instead so
	// the pump cannot wait on audio that will never arrive.
	rest := chunker.Flush()
	if err := ttsStream.SendText(rest, true); err != nil {
		a.emit(&provider.ErrorEvent{Kind: "tts", Message: err.Error()})
		ttsStream.Close()
	}
	<-pumpDone
	if err := ttsStream.Err(); err != nil {
		a.emit(&provider.ErrorEvent{Kind: "tts", Message: err.Error()})
	}

	msg := llm.Message{Role: "assistant", Content: text.String(), ToolCalls: calls}
	a.histMu.Lock()
	a.history = append(a.history, msg)
	a.histMu.Unlock()

	if len(calls) > 0 {
		for _, call := range calls {
			a.emit(&provider.ToolCallEvent{CallID: call.ID, Name: call.Name, Arguments: call.Arguments})
		}
		// Response stays open until the tool result arrives.
		return
	}
	a.finishResponse(id, false)
}

// speakLiteral synthesizes fixed text as its own response, bypassing the
// model. Used for the greeting.
func (a *Adapter) speakLiteral(text string) {
	a.respMu.Lock()
	if a.respCancel != nil {
		a.respCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.respCancel = cancel
	a.respID = uuid.NewString()
	id := a.respID
	a.respMu.Unlock()

	a.emit(&provider.ResponseStartedEvent{ResponseID: id})
	a.respWG.Add(1)
	go func() {
		defer a.respWG.Done()
		ttsStream, err := a.openTTS(ctx)
		if err != nil {
			a.emit(&provider.ErrorEvent{Kind: "tts", Message: err.Error()})
			a.finishResponse(id, true)
			return
		}
		defer ttsStream.Close()

		a.emit(&provider.TranscriptDeltaEvent{ResponseID: id, Role: "assistant", Text: text, Final: true})
		if err := ttsStream.SendText(text, true); err != nil {
			a.emit(&provider.ErrorEvent{Kind: "tts", Message: err.Error()})
			a.finishResponse(id, true)
			return
		}
		for chunk := range ttsStream.Audio() {
			if ctx.Err() != nil {
				break
			}
			a.emit(&provider.AudioDeltaEvent{ResponseID: id, Data: chunk})
		}

		a.histMu.Lock()
		a.history = append(a.history, llm.Message{Role: "assistant", Content: text})
		a.histMu.Unlock()
		a.finishResponse(id, ctx.Err() != nil)
	}()
}

func (a *Adapter) openTTS(ctx context.Context) (tts.Stream, error) {
	a.sessMu.Lock()
	voice := a.session.Voice
	a.sessMu.Unlock()
	return a.cfg.TTS.OpenStream(ctx, tts.StreamConfig{
		Voice:      voice,
		SampleRate: a.cfg.SampleRate,
	})
}

func (a *Adapter) finishResponse(id string, cancelled bool) {
	a.emit(&provider.AudioDoneEvent{ResponseID: id})
	a.emit(&provider.ResponseDoneEvent{ResponseID: id, Cancelled: cancelled})
}

// SendAudio implements provider.Adapter.
func (a *Adapter) SendAudio(f audio.Frame) error {
	if a.closed.Load() {
		return provider.ErrClosed
	}
	if f.Encoding != audio.EncodingSLIN16 || f.SampleRate != a.cfg.SampleRate {
		return &audio.ErrProfileMismatch{Want: a.Capabilities().Input, Got: f}
	}
	return a.sttStream.SendAudio(f.Data)
}

// SendText implements provider.Adapter.
func (a *Adapter) SendText(ctx context.Context, text string) error {
	if a.closed.Load() {
		return provider.ErrClosed
	}
	a.histMu.Lock()
	a.history = append(a.history, llm.Message{Role: "user", Content: text})
	a.histMu.Unlock()
	a.startResponse()
	return nil
}

// SendToolResult implements provider.Adapter.
func (a *Adapter) SendToolResult(ctx context.Context, callID, content string, isError bool) error {
	if a.closed.Load() {
		return provider.ErrClosed
	}
	a.histMu.Lock()
	name := ""
	for i := len(a.history) - 1; i >= 0; i-- {
		for _, call := range a.history[i].ToolCalls {
			if call.ID == callID {
				name = call.Name
			}
		}
		if name != "" {
			break
		}
	}
	a.history = append(a.history, llm.Message{Role: "tool", ToolCallID: callID, Name: name, Content: content})
	a.histMu.Unlock()
	a.continueResponse()
	return nil
}

// UpdateTools implements provider.Adapter. The next generation picks up the
// new set; an in-flight one keeps what it started with.
func (a *Adapter) UpdateTools(ctx context.Context, tools []provider.ToolSchema) error {
	a.sessMu.Lock()
	a.session.Tools = tools
	a.sessMu.Unlock()
	return nil
}

// CancelResponse implements provider.Adapter.
func (a *Adapter) CancelResponse() error {
	a.respMu.Lock()
	cancel := a.respCancel
	a.respMu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Events implements provider.Adapter.
func (a *Adapter) Events() <-chan provider.Event { return a.events }

func (a *Adapter) fatal(kind, msg string) {
	a.emitMu.Lock()
	if a.closed.Swap(true) {
		a.emitMu.Unlock()
		return
	}
	select {
	case a.events <- &provider.ErrorEvent{Kind: kind, Message: msg, Fatal: true}:
	default:
	}
	close(a.events)
	a.emitMu.Unlock()
}

func (a *Adapter) emit(ev provider.Event) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if a.closed.Load() {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.logger.Warn("pipeline event dropped, consumer stalled", "event", ev.EventType())
	}
}

// Close implements provider.Adapter.
func (a *Adapter) Close() error {
	a.CancelResponse()
	a.respWG.Wait()

	a.emitMu.Lock()
	if a.closed.Swap(true) {
		a.emitMu.Unlock()
		return nil
	}
	close(a.events)
	a.emitMu.Unlock()

	if a.sttStream != nil {
		return a.sttStream.Close()
	}
	return nil
}
