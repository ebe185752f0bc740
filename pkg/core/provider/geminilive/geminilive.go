// Package geminilive implements the full-agent provider adapter for Gemini
// Live style bidi voice backends. Caller PCM is sent as 16kHz media chunks;
// agent speech comes back as 24kHz inline data parts. The backend runs its
// own VAD and reports barge-in through the interrupted flag, which maps to a
// cancelled response event so the session treats both full-agent backends
// identically.
package geminilive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/core/provider"
)

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultModel   = "models/gemini-2.0-flash-live-001"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	inputMimeType = "audio/pcm;rate=16000"

	writeTimeout = 5 * time.Second
	startTimeout = 10 * time.Second
)

// Config holds connection settings for the bidi backend.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Logger  *slog.Logger
}

// Adapter is one call's bidi session.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	events chan provider.Event

	mu          sync.Mutex
	conn        *websocket.Conn
	setup       setupMessage
	reconnected bool

	ready chan error

	// One synthetic response id per model turn; the wire protocol has no
	// response ids of its own.
	turnMu    sync.Mutex
	turnID    string
	turnOpen  bool
	pendingMu sync.Mutex
	callNames map[string]string

	emitMu sync.Mutex
	closed atomic.Bool
}

// New creates an unstarted adapter.
func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:       cfg,
		logger:    logger,
		events:    make(chan provider.Event, 128),
		ready:     make(chan error, 1),
		callNames: make(map[string]string),
	}
}

// Variant implements provider.Adapter.
func (a *Adapter) Variant() provider.Variant { return provider.VariantFullAgent }

// Capabilities implements provider.Adapter.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		ServerVAD:     true,
		ServerBargeIn: true,
		Tools:         true,
		Input:         audio.Profile{Encoding: audio.EncodingSLIN16, SampleRate: inputSampleRate},
		Output:        audio.Profile{Encoding: audio.EncodingSLIN16, SampleRate: outputSampleRate},
	}
}

// Start implements provider.Adapter.
func (a *Adapter) Start(ctx context.Context, cfg provider.SessionConfig) error {
	var decls []functionDecl
	for _, t := range cfg.Tools {
		decls = append(decls, functionDecl{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	a.setup = setupMessage{
		Model: a.cfg.Model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			Temperature:        cfg.Temperature,
		},
	}
	if cfg.Voice != "" {
		a.setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: &voiceConfig{PrebuiltVoiceConfig: &prebuiltVoice{VoiceName: cfg.Voice}},
		}
	}
	if cfg.Instructions != "" {
		a.setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if len(decls) > 0 {
		a.setup.Tools = []toolDecl{{FunctionDeclarations: decls}}
	}

	if err := a.dial(ctx); err != nil {
		return err
	}

	select {
	case err := <-a.ready:
		if err != nil {
			a.Close()
			return err
		}
	case <-time.After(startTimeout):
		a.Close()
		return fmt.Errorf("bidi setup not acknowledged")
	case <-ctx.Done():
		a.Close()
		return ctx.Err()
	}

	if cfg.Greeting != "" {
		if err := a.writeJSON(&clientMessage{ClientContent: &clientContent{
			Turns: []content{{Role: "user", Parts: []part{{
				Text: "Say exactly the following greeting and nothing else: " + cfg.Greeting,
			}}}},
			TurnComplete: true,
		}}); err != nil {
			a.Close()
			return fmt.Errorf("request greeting: %w", err)
		}
	}
	return nil
}

func (a *Adapter) dial(ctx context.Context) error {
	url := a.cfg.BaseURL + "?key=" + a.cfg.APIKey
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial bidi backend: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := a.writeJSON(&clientMessage{Setup: &a.setup}); err != nil {
		conn.Close()
		return fmt.Errorf("send setup: %w", err)
	}

	go a.readLoop(conn)
	return nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if a.closed.Load() {
				return
			}
			a.handleDisconnect(err)
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Warn("bidi message parse failed", "error", err)
			continue
		}
		a.dispatch(&msg)
	}
}

// handleDisconnect redials once. The backend keeps no session state across
// connections, so the setup message is replayed on the new socket.
func (a *Adapter) handleDisconnect(cause error) {
	a.mu.Lock()
	already := a.reconnected
	a.reconnected = true
	a.mu.Unlock()

	if already {
		a.fatal("connection", fmt.Sprintf("bidi stream lost: %v", cause))
		return
	}

	a.logger.Warn("bidi stream lost, reconnecting", "error", cause)
	a.emit(&provider.ErrorEvent{Kind: "reconnect", Message: cause.Error()})

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := a.dial(ctx); err != nil {
		a.fatal("connection", fmt.Sprintf("bidi reconnect failed: %v", err))
	}
}

func (a *Adapter) dispatch(msg *serverMessage) {
	switch {
	case msg.SetupComplete != nil:
		select {
		case a.ready <- nil:
		default:
		}
		a.emit(&provider.SessionReadyEvent{})
	case msg.Error != nil:
		err := fmt.Errorf("bidi setup rejected: %s", msg.Error.Message)
		select {
		case a.ready <- err:
			return
		default:
		}
		a.emit(&provider.ErrorEvent{Kind: msg.Error.Status, Message: msg.Error.Message})
	case msg.ToolCall != nil:
		for _, call := range msg.ToolCall.FunctionCalls {
			id := call.ID
			if id == "" {
				id = uuid.NewString()
			}
			a.pendingMu.Lock()
			a.callNames[id] = call.Name
			a.pendingMu.Unlock()
			a.emit(&provider.ToolCallEvent{CallID: id, Name: call.Name, Arguments: call.Args})
		}
	case msg.ServerContent != nil:
		a.dispatchContent(msg.ServerContent)
	}
}

func (a *Adapter) dispatchContent(sc *serverContent) {
	id := a.currentTurn()

	if sc.Interrupted {
		a.finishTurn(true)
		return
	}
	if sc.InputTrans != nil && sc.InputTrans.Text != "" {
		a.emit(&provider.TranscriptDeltaEvent{Role: "user", Text: sc.InputTrans.Text})
	}
	if sc.OutputTrans != nil && sc.OutputTrans.Text != "" {
		a.emit(&provider.TranscriptDeltaEvent{ResponseID: id, Role: "assistant", Text: sc.OutputTrans.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			switch {
			case p.InlineData != nil:
				pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					a.logger.Warn("bidi audio decode failed", "error", err)
					continue
				}
				a.emit(&provider.AudioDeltaEvent{ResponseID: id, Data: pcm})
			case p.Text != "":
				a.emit(&provider.TranscriptDeltaEvent{ResponseID: id, Role: "assistant", Text: p.Text})
			}
		}
	}
	if sc.TurnComplete {
		a.finishTurn(false)
	}
}

// currentTurn returns the active synthetic response id, opening a new turn
// if none is in flight.
func (a *Adapter) currentTurn() string {
	a.turnMu.Lock()
	opened := false
	if !a.turnOpen {
		a.turnOpen = true
		a.turnID = uuid.NewString()
		opened = true
	}
	id := a.turnID
	a.turnMu.Unlock()

	if opened {
		a.emit(&provider.ResponseStartedEvent{ResponseID: id})
	}
	return id
}

func (a *Adapter) finishTurn(interrupted bool) {
	a.turnMu.Lock()
	if !a.turnOpen {
		a.turnMu.Unlock()
		return
	}
	a.turnOpen = false
	id := a.turnID
	a.turnMu.Unlock()

	a.emit(&provider.AudioDoneEvent{ResponseID: id})
	a.emit(&provider.ResponseDoneEvent{ResponseID: id, Cancelled: interrupted})
}

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

	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.mu.Unlock()
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
		a.logger.Warn("bidi event dropped, consumer stalled", "event", ev.EventType())
	}
}

func (a *Adapter) writeJSON(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.closed.Load() {
		return provider.ErrClosed
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.conn.WriteJSON(v)
}

// SendAudio implements provider.Adapter.
func (a *Adapter) SendAudio(f audio.Frame) error {
	if f.Encoding != audio.EncodingSLIN16 || f.SampleRate != inputSampleRate {
		return &audio.ErrProfileMismatch{Want: a.Capabilities().Input, Got: f}
	}
	return a.writeJSON(&clientMessage{RealtimeInput: &realtimeInput{
		MediaChunks: []mediaChunk{{
			MimeType: inputMimeType,
			Data:     base64.StdEncoding.EncodeToString(f.Data),
		}},
	}})
}

// SendText implements provider.Adapter.
func (a *Adapter) SendText(ctx context.Context, text string) error {
	return a.writeJSON(&clientMessage{ClientContent: &clientContent{
		Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
		TurnComplete: true,
	}})
}

// SendToolResult implements provider.Adapter.
func (a *Adapter) SendToolResult(ctx context.Context, callID, result string, isError bool) error {
	a.pendingMu.Lock()
	name := a.callNames[callID]
	delete(a.callNames, callID)
	a.pendingMu.Unlock()

	payload := map[string]string{"output": result}
	if isError {
		payload = map[string]string{"error": result}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode tool result: %w", err)
	}
	return a.writeJSON(&clientMessage{ToolResponse: &toolResponse{
		FunctionResponses: []functionResponse{{ID: callID, Name: name, Response: raw}},
	}})
}

// UpdateTools implements provider.Adapter. The bidi protocol fixes tools at
// setup; a mid-call change would need a reconnect, which is reserved for
// failure recovery.
func (a *Adapter) UpdateTools(ctx context.Context, tools []provider.ToolSchema) error {
	return fmt.Errorf("bidi backend cannot renegotiate tools mid-call")
}

// CancelResponse implements provider.Adapter. The wire protocol has no
// cancel message; the local gate stops playback and the backend notices the
// caller's speech itself. The open turn is closed out so downstream state
// does not wait on a response that will never finish.
func (a *Adapter) CancelResponse() error {
	a.finishTurn(true)
	return nil
}

// Events implements provider.Adapter.
func (a *Adapter) Events() <-chan provider.Event { return a.events }

// Close implements provider.Adapter.
func (a *Adapter) Close() error {
	a.emitMu.Lock()
	if a.closed.Swap(true) {
		a.emitMu.Unlock()
		return nil
	}
	close(a.events)
	a.emitMu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
