package llms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
)

// OpenAIProvider talks to any OpenAI-compatible chat completion
// endpoint (OpenAI itself, local gateways, proxies).
type OpenAIProvider struct {
	name   string
	client *openai.Client
}

// NewOpenAIProvider creates a provider for the given endpoint. baseURL
// may be empty for the default API endpoint.
func NewOpenAIProvider(name, apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
	}
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	ccr := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Messages:    messages,
	}
	if req.JSONMode {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return Response{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, protocol.NewError(protocol.ErrTransport, "completion returned no choices")
	}

	return Response{
		Text:   resp.Choices[0].Message.Content,
		Tokens: resp.Usage.TotalTokens,
	}, nil
}

func (p *OpenAIProvider) Close() error {
	return nil
}

// classifyError maps transport failures into the error taxonomy so the
// gateway can decide between retry and circuit trip.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return protocol.WrapError(protocol.ErrRateLimited, err, "llm returned 429")
		case apiErr.HTTPStatusCode >= 500:
			return protocol.WrapError(protocol.ErrTransport, err, "llm returned %d", apiErr.HTTPStatusCode)
		}
		return protocol.WrapError(protocol.ErrTransport, err, "llm api error")
	}
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return protocol.WrapError(protocol.ErrTimeout, err, "llm call timed out")
	}
	return protocol.WrapError(protocol.ErrTransport, err, "llm call failed")
}

// NewProviderFromConfig builds a provider from a service config entry.
func NewProviderFromConfig(name, providerKind, apiKey, baseURL string) (Provider, error) {
	switch providerKind {
	case "", "openai":
		return NewOpenAIProvider(name, apiKey, baseURL), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", providerKind)
	}
}
