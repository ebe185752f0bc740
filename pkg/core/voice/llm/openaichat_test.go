package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func sseServer(t *testing.T, lines []string, capture *chatRequest) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth = %q", got)
		}
		if capture != nil {
			json.NewDecoder(r.Body).Decode(capture)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func collectDeltas(t *testing.T, s Stream) []Delta {
	t.Helper()
	var out []Delta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-s.Deltas():
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatalf("stream never finished, got %v", out)
		}
	}
}

func TestStreamChatTextDeltas(t *testing.T) {
	ts := sseServer(t, []string{
		`{"choices":[{"delta":{"role":"assistant","content":"One"}}]}`,
		`{"choices":[{"delta":{"content":" moment."}}]}`,
		`[DONE]`,
	}, nil)

	c := NewOpenAIChatWithBaseURL("test-key", ts.URL)
	s, err := c.StreamChat(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hold on"}}})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	defer s.Close()

	deltas := collectDeltas(t, s)
	var text strings.Builder
	for _, d := range deltas {
		text.WriteString(d.Text)
	}
	if text.String() != "One moment." {
		t.Errorf("text = %q", text.String())
	}
	if s.Err() != nil {
		t.Errorf("Err() = %v", s.Err())
	}
}

func TestStreamChatAssemblesToolCall(t *testing.T) {
	ts := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"lookup_customer","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"phone\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"+15550100\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}, nil)

	c := NewOpenAIChatWithBaseURL("test-key", ts.URL)
	s, err := c.StreamChat(context.Background(), Request{})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	defer s.Close()

	deltas := collectDeltas(t, s)
	if len(deltas) != 1 || deltas[0].ToolCall == nil {
		t.Fatalf("deltas = %+v, want one tool call", deltas)
	}
	tc := deltas[0].ToolCall
	if tc.ID != "call_1" || tc.Name != "lookup_customer" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]string
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		t.Fatalf("assembled arguments invalid: %v (%s)", err, tc.Arguments)
	}
	if args["phone"] != "+15550100" {
		t.Errorf("args = %v", args)
	}
}

func TestRequestCarriesToolsAndHistory(t *testing.T) {
	var got chatRequest
	ts := sseServer(t, []string{`[DONE]`}, &got)

	c := NewOpenAIChatWithBaseURL("test-key", ts.URL)
	s, err := c.StreamChat(context.Background(), Request{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: "system", Content: "front desk agent"},
			{Role: "user", Content: "book me in"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_1", Name: "book", Arguments: json.RawMessage(`{"when":"now"}`)}}},
			{Role: "tool", ToolCallID: "call_1", Name: "book", Content: "booked"},
		},
		Tools: []Tool{{Name: "book", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	collectDeltas(t, s)
	s.Close()

	if got.Model != "gpt-4o" || !got.Stream {
		t.Errorf("request model/stream = %q/%v", got.Model, got.Stream)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("messages = %d", len(got.Messages))
	}
	if got.Messages[2].ToolCalls[0].Function.Name != "book" {
		t.Errorf("assistant tool call = %+v", got.Messages[2].ToolCalls)
	}
	if got.Messages[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", got.Messages[3])
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "book" {
		t.Errorf("tools = %+v", got.Tools)
	}
}

func TestCompleteReturnsText(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "Caller asked about hours."}}},
		})
	}))
	t.Cleanup(ts.Close)

	c := NewOpenAIChatWithBaseURL("test-key", ts.URL)
	text, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "summarize"}}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "Caller asked about hours." {
		t.Errorf("text = %q", text)
	}
}

func TestNonOKStatusIsError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid schema"}}`, http.StatusBadRequest)
	}))
	t.Cleanup(ts.Close)

	c := NewOpenAIChatWithBaseURL("test-key", ts.URL)
	if _, err := c.StreamChat(context.Background(), Request{}); err == nil {
		t.Error("StreamChat accepted a 400")
	}
	if _, err := c.Complete(context.Background(), Request{}); err == nil {
		t.Error("Complete accepted a 400")
	}
}
