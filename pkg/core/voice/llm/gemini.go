package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiClient generates responses through the Gemini API SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini client.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Name returns the client identifier.
func (g *GeminiClient) Name() string { return "gemini" }

func (g *GeminiClient) buildRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig, string, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	config := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	for _, t := range req.Tools {
		var schema any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, nil, "", fmt.Errorf("tool %s parameters: %w", t.Name, err)
			}
		}
		decl := &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		}
		if len(config.Tools) == 0 {
			config.Tools = []*genai.Tool{{}}
		}
		config.Tools[0].FunctionDeclarations = append(config.Tools[0].FunctionDeclarations, decl)
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
		case "assistant":
			parts := []*genai.Part{}
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return nil, nil, "", fmt.Errorf("tool call %s arguments: %w", tc.Name, err)
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: args,
				}})
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case "tool":
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.Name,
					Response: map[string]any{"output": m.Content},
				},
			}}})
		default:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	return contents, config, model, nil
}

// StreamChat implements Client.
func (g *GeminiClient) StreamChat(ctx context.Context, req Request) (Stream, error) {
	contents, config, model, err := g.buildRequest(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &geminiStream{
		deltas: make(chan Delta, 32),
		cancel: cancel,
	}

	go func() {
		defer close(s.deltas)
		for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				s.setErr(fmt.Errorf("gemini stream: %w", err))
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, p := range resp.Candidates[0].Content.Parts {
				if p.Text != "" {
					select {
					case s.deltas <- Delta{Text: p.Text}:
					case <-ctx.Done():
						return
					}
				}
				if p.FunctionCall != nil {
					raw, err := json.Marshal(p.FunctionCall.Args)
					if err != nil {
						s.setErr(fmt.Errorf("gemini tool args: %w", err))
						return
					}
					select {
					case s.deltas <- Delta{ToolCall: &ToolCall{
						ID:        p.FunctionCall.ID,
						Name:      p.FunctionCall.Name,
						Arguments: raw,
					}}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return s, nil
}

// Complete implements Client.
func (g *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	contents, config, model, err := g.buildRequest(req)
	if err != nil {
		return "", err
	}
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	return resp.Text(), nil
}

type geminiStream struct {
	deltas chan Delta
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error
}

func (s *geminiStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Deltas implements Stream.
func (s *geminiStream) Deltas() <-chan Delta { return s.deltas }

// Err implements Stream.
func (s *geminiStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close implements Stream.
func (s *geminiStream) Close() error {
	s.cancel()
	return nil
}
