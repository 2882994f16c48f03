package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gemini-legion/legion/pkg/models"
)

// OpenAIClient implements Client against any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates the adapter. An empty baseURL targets the provider
// default endpoint.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

var _ Client = (*OpenAIClient)(nil)

func (c *OpenAIClient) Complete(ctx context.Context, req Request, onDelta DeltaFunc) (*Completion, error) {
	oreq := buildRequest(req)
	if onDelta == nil {
		return c.complete(ctx, oreq)
	}
	return c.stream(ctx, oreq, onDelta)
}

func (c *OpenAIClient) complete(ctx context.Context, oreq openai.ChatCompletionRequest) (*Completion, error) {
	resp, err := c.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response from model", models.ErrModelTransient)
	}
	choice := resp.Choices[0]
	out := &Completion{Text: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (c *OpenAIClient) stream(ctx context.Context, oreq openai.ChatCompletionRequest, onDelta DeltaFunc) (*Completion, error) {
	oreq.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, classify(err)
	}
	defer stream.Close()

	out := &Completion{}
	// Tool call fragments arrive keyed by index and must be reassembled.
	calls := make(map[int]*ToolCall)
	maxIndex := -1

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, classify(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			out.Text += delta.Content
			onDelta(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := calls[idx]
			if !ok {
				call = &ToolCall{}
				calls[idx] = call
				if idx > maxIndex {
					maxIndex = idx
				}
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
	}

	for i := 0; i <= maxIndex; i++ {
		if call, ok := calls[i]; ok {
			out.ToolCalls = append(out.ToolCalls, *call)
		}
	}
	return out, nil
}

func buildRequest(req Request) openai.ChatCompletionRequest {
	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		oreq.Messages = append(oreq.Messages, om)
	}
	for _, tool := range req.Tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return oreq
}

// classify maps provider errors onto the transient/fatal sentinels so the
// runtime's retry policy stays provider-agnostic.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", models.ErrModelTransient, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", models.ErrModelTransient, err)
		default:
			return fmt.Errorf("%w: %v", models.ErrModelFatal, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", models.ErrModelTransient, err)
	}
	// Unknown failure shape; treat as transient so a retry gets a chance.
	return fmt.Errorf("%w: %v", models.ErrModelTransient, err)
}
