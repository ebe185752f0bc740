package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const (
	openAIBaseURL      = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAIChatClient speaks the OpenAI-compatible chat completions protocol.
// Any backend exposing that surface works through a custom base URL.
type OpenAIChatClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIChat creates a chat completions client.
func NewOpenAIChat(apiKey string) *OpenAIChatClient {
	return &OpenAIChatClient{apiKey: apiKey, baseURL: openAIBaseURL, httpClient: &http.Client{}}
}

// NewOpenAIChatWithBaseURL points the client at a compatible backend.
func NewOpenAIChatWithBaseURL(apiKey, baseURL string) *OpenAIChatClient {
	return &OpenAIChatClient{apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/"), httpClient: &http.Client{}}
}

// Name returns the client identifier.
func (c *OpenAIChatClient) Name() string { return "openai-chat" }

// Wire request/response shapes.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *OpenAIChatClient) buildRequest(req Request, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	out := chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	for _, m := range req.Messages {
		cm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			wire := chatToolCall{ID: tc.ID, Type: "function"}
			wire.Function.Name = tc.Name
			wire.Function.Arguments = string(tc.Arguments)
			cm.ToolCalls = append(cm.ToolCalls, wire)
		}
		out.Messages = append(out.Messages, cm)
	}
	for _, t := range req.Tools {
		wire := chatTool{Type: "function"}
		wire.Function.Name = t.Name
		wire.Function.Description = t.Description
		wire.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, wire)
	}
	return out
}

func (c *OpenAIChatClient) post(ctx context.Context, body chatRequest, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if accept != "" {
		httpReq.Header.Set("Accept", accept)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("chat backend status %d: %s", resp.StatusCode, raw)
	}
	return resp, nil
}

// StreamChat implements Client.
func (c *OpenAIChatClient) StreamChat(ctx context.Context, req Request) (Stream, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true), "text/event-stream")
	if err != nil {
		return nil, err
	}
	s := &chatStream{
		body:   resp.Body,
		deltas: make(chan Delta, 32),
	}
	go s.readLoop()
	return s, nil
}

// Complete implements Client.
func (c *OpenAIChatClient) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.post(ctx, c.buildRequest(req, false), "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatCompletion
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat completion: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("chat backend: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

type chatStream struct {
	body   io.ReadCloser
	deltas chan Delta

	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// toolCallAccumulator joins streamed function argument fragments.
type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (s *chatStream) readLoop() {
	defer close(s.deltas)
	defer s.body.Close()

	reader := bufio.NewReader(s.body)
	pending := make(map[int]*toolCallAccumulator)
	var order []int

	flushToolCalls := func() {
		for _, idx := range order {
			acc := pending[idx]
			if acc == nil || acc.name == "" {
				continue
			}
			s.deltas <- Delta{ToolCall: &ToolCall{
				ID:        acc.id,
				Name:      acc.name,
				Arguments: json.RawMessage(acc.args.String()),
			}}
		}
		pending = make(map[int]*toolCallAccumulator)
		order = order[:0]
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.setErr(fmt.Errorf("chat stream read: %w", err))
			}
			flushToolCalls()
			return
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			flushToolCalls()
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			s.deltas <- Delta{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc := pending[tc.Index]
			if acc == nil {
				acc = &toolCallAccumulator{}
				pending[tc.Index] = acc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason == "tool_calls" {
			flushToolCalls()
		}
	}
}

func (s *chatStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Deltas implements Stream.
func (s *chatStream) Deltas() <-chan Delta { return s.deltas }

// Err implements Stream.
func (s *chatStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements Stream.
func (s *chatStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
