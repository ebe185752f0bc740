// Package openairt implements the full-agent provider adapter for
// OpenAI-compatible realtime voice backends. One WebSocket carries both
// directions: caller PCM goes up as base64 append events, agent speech and
// tool calls come back as typed server events.
package openairt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/core/provider"
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-realtime-preview"

	// The realtime API speaks 24kHz mono PCM16.
	wireSampleRate = 24000

	writeTimeout = 5 * time.Second
	startTimeout = 10 * time.Second
)

// Config holds connection settings for the realtime backend.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Logger  *slog.Logger
}

// Adapter is one call's realtime session.
type Adapter struct {
	cfg    Config
	logger *slog.Logger

	events chan provider.Event

	mu          sync.Mutex
	conn        *websocket.Conn
	sessionCfg  sessionConfig
	reconnected bool

	ready chan error

	// emitMu orders event emission against channel close.
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
		cfg:    cfg,
		logger: logger,
		events: make(chan provider.Event, 128),
		ready:  make(chan error, 1),
	}
}

// Variant implements provider.Adapter.
func (a *Adapter) Variant() provider.Variant { return provider.VariantFullAgent }

// Capabilities implements provider.Adapter. The backend runs its own VAD for
// turn taking; response interruption stays local so barge-in latency is
// bounded by the playback tick, not a network round trip.
func (a *Adapter) Capabilities() provider.Capabilities {
	pcm := audio.Profile{Encoding: audio.EncodingSLIN16, SampleRate: wireSampleRate}
	return provider.Capabilities{
		ServerVAD: true,
		Tools:     true,
		Input:     pcm,
		Output:    pcm,
	}
}

// Start implements provider.Adapter. It dials, pushes the session config,
// and blocks until the backend acknowledges it. A rejected tool schema
// surfaces here as an error, never as a mid-call event.
func (a *Adapter) Start(ctx context.Context, cfg provider.SessionConfig) error {
	tools := make([]wireTool, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		tools = append(tools, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	a.sessionCfg = sessionConfig{
		Modalities:              []string{"text", "audio"},
		Model:                   a.cfg.Model,
		Instructions:            cfg.Instructions,
		Voice:                   cfg.Voice,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcription{Model: "whisper-1"},
		TurnDetection: &turnDetection{
			Type:           "server_vad",
			CreateResponse: true,
		},
		Tools:       tools,
		Temperature: cfg.Temperature,
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
		return fmt.Errorf("realtime session config not acknowledged")
	case <-ctx.Done():
		a.Close()
		return ctx.Err()
	}

	if cfg.Greeting != "" {
		if err := a.writeJSON(&responseCreateEvent{
			Type: "response.create",
			Response: &responseRequest{
				Instructions: "Say exactly the following greeting and nothing else: " + cfg.Greeting,
			},
		}); err != nil {
			a.Close()
			return fmt.Errorf("request greeting: %w", err)
		}
	}
	return nil
}

func (a *Adapter) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := a.cfg.BaseURL + "?model=" + a.cfg.Model
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial realtime backend: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := a.writeJSON(&sessionUpdateEvent{Type: "session.update", Session: a.sessionCfg}); err != nil {
		conn.Close()
		return fmt.Errorf("send session config: %w", err)
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
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			a.logger.Warn("realtime event parse failed", "error", err)
			continue
		}
		a.dispatch(&ev)
	}
}

// handleDisconnect redials once. A second failure is fatal for the call.
func (a *Adapter) handleDisconnect(cause error) {
	a.mu.Lock()
	already := a.reconnected
	a.reconnected = true
	a.mu.Unlock()

	if already {
		a.fatal("connection", fmt.Sprintf("realtime stream lost: %v", cause))
		return
	}

	a.logger.Warn("realtime stream lost, reconnecting", "error", cause)
	a.emit(&provider.ErrorEvent{Kind: "reconnect", Message: cause.Error()})

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := a.dial(ctx); err != nil {
		a.fatal("connection", fmt.Sprintf("realtime reconnect failed: %v", err))
	}
}

func (a *Adapter) dispatch(ev *serverEvent) {
	switch ev.Type {
	case "session.created":
		// Config acknowledgement is session.updated; created only carries
		// the server-assigned id.
		if ev.Session != nil {
			a.emit(&provider.SessionReadyEvent{SessionID: ev.Session.ID})
		}
	case "session.updated":
		select {
		case a.ready <- nil:
		default:
		}
	case "response.created":
		id := ev.ResponseID
		if ev.Response != nil {
			id = ev.Response.ID
		}
		a.emit(&provider.ResponseStartedEvent{ResponseID: id})
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			a.logger.Warn("realtime audio delta decode failed", "error", err)
			return
		}
		a.emit(&provider.AudioDeltaEvent{ResponseID: ev.ResponseID, Data: pcm})
	case "response.audio.done":
		a.emit(&provider.AudioDoneEvent{ResponseID: ev.ResponseID})
	case "response.audio_transcript.delta":
		a.emit(&provider.TranscriptDeltaEvent{ResponseID: ev.ResponseID, Role: "assistant", Text: ev.Delta})
	case "response.audio_transcript.done":
		a.emit(&provider.TranscriptDeltaEvent{ResponseID: ev.ResponseID, Role: "assistant", Text: ev.Transcript, Final: true})
	case "conversation.item.input_audio_transcription.completed":
		a.emit(&provider.TranscriptDeltaEvent{Role: "user", Text: ev.Transcript, Final: true})
	case "input_audio_buffer.speech_started":
		a.emit(&provider.SpeechStartedEvent{})
	case "input_audio_buffer.speech_stopped":
		a.emit(&provider.SpeechStoppedEvent{})
	case "response.function_call_arguments.done":
		a.emit(&provider.ToolCallEvent{
			CallID:    ev.CallID,
			Name:      ev.Name,
			Arguments: json.RawMessage(ev.Arguments),
		})
	case "response.done":
		id := ev.ResponseID
		cancelled := false
		if ev.Response != nil {
			id = ev.Response.ID
			cancelled = ev.Response.Status == "cancelled"
		}
		a.emit(&provider.ResponseDoneEvent{ResponseID: id, Cancelled: cancelled})
	case "error":
		msg := "unknown realtime error"
		kind := "backend"
		if ev.Error != nil {
			msg = ev.Error.Message
			kind = ev.Error.Code
		}
		// Errors before acknowledgement fail Start instead of the stream.
		select {
		case a.ready <- fmt.Errorf("realtime session rejected: %s", msg):
			return
		default:
		}
		a.emit(&provider.ErrorEvent{Kind: kind, Message: msg})
	}
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
		a.logger.Warn("realtime event dropped, consumer stalled", "event", ev.EventType())
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
	if f.Encoding != audio.EncodingSLIN16 || f.SampleRate != wireSampleRate {
		return &audio.ErrProfileMismatch{Want: a.Capabilities().Input, Got: f}
	}
	return a.writeJSON(&audioAppendEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(f.Data),
	})
}

// SendText implements provider.Adapter.
func (a *Adapter) SendText(ctx context.Context, text string) error {
	if err := a.writeJSON(&itemCreateEvent{
		Type: "conversation.item.create",
		Item: wireItem{
			Type:    "message",
			Role:    "user",
			Content: []wireContent{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return a.writeJSON(&responseCreateEvent{Type: "response.create"})
}

// SendToolResult implements provider.Adapter.
func (a *Adapter) SendToolResult(ctx context.Context, callID, content string, isError bool) error {
	if err := a.writeJSON(&itemCreateEvent{
		Type: "conversation.item.create",
		Item: wireItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: content,
		},
	}); err != nil {
		return err
	}
	return a.writeJSON(&responseCreateEvent{Type: "response.create"})
}

// UpdateTools implements provider.Adapter. The realtime protocol allows
// re-sending the session config mid-call.
func (a *Adapter) UpdateTools(ctx context.Context, tools []provider.ToolSchema) error {
	wire := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		wire = append(wire, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	a.mu.Lock()
	a.sessionCfg.Tools = wire
	cfg := a.sessionCfg
	a.mu.Unlock()
	return a.writeJSON(&sessionUpdateEvent{Type: "session.update", Session: cfg})
}

// CancelResponse implements provider.Adapter.
func (a *Adapter) CancelResponse() error {
	return a.writeJSON(&responseCancelEvent{Type: "response.cancel"})
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
