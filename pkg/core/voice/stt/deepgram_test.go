package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newFakeListen(t *testing.T, handler func(conn *websocket.Conn, msgType int, data []byte)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token test-key" {
			t.Errorf("auth header = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			handler(conn, msgType, data)
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func resultsMessage(text string, isFinal, speechFinal bool) map[string]any {
	return map[string]any{
		"type":         "Results",
		"is_final":     isFinal,
		"speech_final": speechFinal,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text}},
		},
	}
}

func TestStreamQueryParameters(t *testing.T) {
	gotQuery := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(ts.Close)

	p := NewDeepgramWithBaseURL("test-key", "ws"+strings.TrimPrefix(ts.URL, "http"))
	s, err := p.OpenStream(context.Background(), StreamConfig{SampleRate: 16000, Language: "en"})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer s.Close()

	query := <-gotQuery
	for _, want := range []string{"encoding=linear16", "sample_rate=16000", "interim_results=true", "language=en"} {
		if !strings.Contains(query, want) {
			t.Errorf("query %q missing %q", query, want)
		}
	}
}

func TestInterimAndFinalResults(t *testing.T) {
	wsURL := newFakeListen(t, func(conn *websocket.Conn, msgType int, data []byte) {
		if msgType != websocket.BinaryMessage {
			return
		}
		conn.WriteJSON(resultsMessage("hel", false, false))
		conn.WriteJSON(resultsMessage("hello there", true, true))
	})

	p := NewDeepgramWithBaseURL("test-key", wsURL)
	s, err := p.OpenStream(context.Background(), StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer s.Close()

	if err := s.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	var got []Result
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case r, ok := <-s.Results():
			if !ok {
				t.Fatalf("results closed early, got %v, err %v", got, s.Err())
			}
			got = append(got, r)
		case <-timeout:
			t.Fatalf("timed out, got %v", got)
		}
	}

	if got[0].Final || got[0].Text != "hel" {
		t.Errorf("interim result = %+v", got[0])
	}
	if !got[1].Final || !got[1].EndOfSpeech || got[1].Text != "hello there" {
		t.Errorf("final result = %+v", got[1])
	}
}

func TestUtteranceEndCommitsTurn(t *testing.T) {
	wsURL := newFakeListen(t, func(conn *websocket.Conn, msgType int, data []byte) {
		if msgType != websocket.BinaryMessage {
			return
		}
		conn.WriteJSON(resultsMessage("see you", true, false))
		conn.WriteJSON(map[string]any{"type": "UtteranceEnd"})
	})

	p := NewDeepgramWithBaseURL("test-key", wsURL)
	s, err := p.OpenStream(context.Background(), StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer s.Close()

	if err := s.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-s.Results():
			if !ok {
				t.Fatal("results closed before end of speech")
			}
			if r.EndOfSpeech {
				return
			}
		case <-timeout:
			t.Fatal("no end-of-speech result")
		}
	}
}

func TestCloseSendsCloseStream(t *testing.T) {
	gotClose := make(chan struct{}, 1)
	wsURL := newFakeListen(t, func(conn *websocket.Conn, msgType int, data []byte) {
		if msgType != websocket.TextMessage {
			return
		}
		var msg map[string]string
		if json.Unmarshal(data, &msg) == nil && msg["type"] == "CloseStream" {
			gotClose <- struct{}{}
		}
	})

	p := NewDeepgramWithBaseURL("test-key", wsURL)
	s, err := p.OpenStream(context.Background(), StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	s.Close()

	select {
	case <-gotClose:
	case <-time.After(5 * time.Second):
		t.Fatal("CloseStream never reached the backend")
	}
}
