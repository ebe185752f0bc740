package geminilive

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxgate-io/voxgate/pkg/core/audio"
	"github.com/voxgate-io/voxgate/pkg/core/provider"
)

type fakeBidi struct {
	ts       *httptest.Server
	onMsg    func(conn *websocket.Conn, msg map[string]any)
	reject   string
	gotSetup chan map[string]any
}

func newFakeBidi(t *testing.T) *fakeBidi {
	t.Helper()
	fb := &fakeBidi{gotSetup: make(chan map[string]any, 2)}
	upgrader := websocket.Upgrader{}

	fb.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if setup, ok := msg["setup"].(map[string]any); ok {
				fb.gotSetup <- setup
				if fb.reject != "" {
					conn.WriteJSON(map[string]any{"error": map[string]any{"code": 400, "message": fb.reject, "status": "INVALID_ARGUMENT"}})
					continue
				}
				conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})
				continue
			}
			if fb.onMsg != nil {
				fb.onMsg(conn, msg)
			}
		}
	}))
	t.Cleanup(fb.ts.Close)
	return fb
}

func (fb *fakeBidi) wsURL() string {
	return "ws" + strings.TrimPrefix(fb.ts.URL, "http")
}

func startAdapter(t *testing.T, fb *fakeBidi, cfg provider.SessionConfig) *Adapter {
	t.Helper()
	a := New(Config{BaseURL: fb.wsURL(), APIKey: "test-key"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Start(ctx, cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func waitEvent[T provider.Event](t *testing.T, a *Adapter) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				t.Fatal("events channel closed while waiting")
			}
			if typed, match := ev.(T); match {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestSetupCarriesToolsAndInstructions(t *testing.T) {
	fb := newFakeBidi(t)
	startAdapter(t, fb, provider.SessionConfig{
		Instructions: "you answer phones",
		Voice:        "Aoede",
		Tools:        []provider.ToolSchema{{Name: "hangup_call"}},
	})

	setup := <-fb.gotSetup
	if _, ok := setup["systemInstruction"]; !ok {
		t.Error("setup missing systemInstruction")
	}
	if _, ok := setup["tools"]; !ok {
		t.Error("setup missing tools")
	}
}

func TestStartFailsOnRejectedSetup(t *testing.T) {
	fb := newFakeBidi(t)
	fb.reject = "unsupported function parameters"

	a := New(Config{BaseURL: fb.wsURL(), APIKey: "test-key"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Start(ctx, provider.SessionConfig{})
	if err == nil {
		t.Fatal("Start accepted a rejected setup")
	}
	if !strings.Contains(err.Error(), "unsupported function parameters") {
		t.Errorf("error %q does not carry backend message", err)
	}
}

func TestModelTurnAudioAndCompletion(t *testing.T) {
	fb := newFakeBidi(t)
	pcm := make([]byte, 960)
	fb.onMsg = func(conn *websocket.Conn, msg map[string]any) {
		if _, ok := msg["realtimeInput"]; !ok {
			return
		}
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []map[string]any{{
				"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString(pcm),
				},
			}}},
		}})
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
	}
	a := startAdapter(t, fb, provider.SessionConfig{})

	frame := audio.Frame{Data: make([]byte, 640), Encoding: audio.EncodingSLIN16, SampleRate: 16000}
	if err := a.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	started := waitEvent[*provider.ResponseStartedEvent](t, a)
	delta := waitEvent[*provider.AudioDeltaEvent](t, a)
	done := waitEvent[*provider.ResponseDoneEvent](t, a)

	if delta.ResponseID != started.ResponseID || done.ResponseID != started.ResponseID {
		t.Error("response ids differ across one turn")
	}
	if len(delta.Data) != len(pcm) {
		t.Errorf("audio delta %d bytes, want %d", len(delta.Data), len(pcm))
	}
	if done.Cancelled {
		t.Error("clean turn reported as cancelled")
	}
}

// Output transcription arrives as bare increments; each must carry the
// turn's response id so the consumer can assemble the turn and close it on
// the matching completion.
func TestOutputTranscriptionRidesTheTurn(t *testing.T) {
	fb := newFakeBidi(t)
	fb.onMsg = func(conn *websocket.Conn, msg map[string]any) {
		if _, ok := msg["realtimeInput"]; !ok {
			return
		}
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "nine "},
		}})
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "to five"},
		}})
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
	}
	a := startAdapter(t, fb, provider.SessionConfig{})

	frame := audio.Frame{Data: make([]byte, 640), Encoding: audio.EncodingSLIN16, SampleRate: 16000}
	if err := a.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	started := waitEvent[*provider.ResponseStartedEvent](t, a)
	first := waitEvent[*provider.TranscriptDeltaEvent](t, a)
	second := waitEvent[*provider.TranscriptDeltaEvent](t, a)
	done := waitEvent[*provider.ResponseDoneEvent](t, a)

	if first.Text != "nine " || second.Text != "to five" {
		t.Fatalf("deltas = %q, %q", first.Text, second.Text)
	}
	if first.Role != "assistant" || second.Role != "assistant" {
		t.Errorf("roles = %q, %q", first.Role, second.Role)
	}
	if first.ResponseID != started.ResponseID || second.ResponseID != started.ResponseID {
		t.Error("transcription deltas not tied to the open turn")
	}
	if done.ResponseID != started.ResponseID {
		t.Error("turn completion carries a different response id")
	}
}

func TestInterruptedTurnReportsCancelled(t *testing.T) {
	fb := newFakeBidi(t)
	fb.onMsg = func(conn *websocket.Conn, msg map[string]any) {
		if _, ok := msg["realtimeInput"]; !ok {
			return
		}
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []map[string]any{{"text": "as I was say"}}},
		}})
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{"interrupted": true}})
	}
	a := startAdapter(t, fb, provider.SessionConfig{})

	frame := audio.Frame{Data: make([]byte, 640), Encoding: audio.EncodingSLIN16, SampleRate: 16000}
	if err := a.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	done := waitEvent[*provider.ResponseDoneEvent](t, a)
	if !done.Cancelled {
		t.Error("interrupted turn not reported as cancelled")
	}
}

func TestToolResultCarriesName(t *testing.T) {
	fb := newFakeBidi(t)
	gotResponse := make(chan map[string]any, 1)
	fb.onMsg = func(conn *websocket.Conn, msg map[string]any) {
		if _, ok := msg["realtimeInput"]; ok {
			conn.WriteJSON(map[string]any{"toolCall": map[string]any{
				"functionCalls": []map[string]any{{"id": "fc_1", "name": "transfer", "args": map[string]any{"target": "support"}}},
			}})
			return
		}
		if tr, ok := msg["toolResponse"].(map[string]any); ok {
			gotResponse <- tr
		}
	}
	a := startAdapter(t, fb, provider.SessionConfig{})

	frame := audio.Frame{Data: make([]byte, 640), Encoding: audio.EncodingSLIN16, SampleRate: 16000}
	if err := a.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	call := waitEvent[*provider.ToolCallEvent](t, a)
	if call.Name != "transfer" {
		t.Fatalf("tool call name = %q", call.Name)
	}
	if err := a.SendToolResult(context.Background(), call.CallID, "transfer started", false); err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}

	select {
	case tr := <-gotResponse:
		responses := tr["functionResponses"].([]any)
		first := responses[0].(map[string]any)
		if first["name"] != "transfer" {
			t.Errorf("function response name = %v, want transfer", first["name"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never received tool response")
	}
}
