package llms

import "context"

// Role constants for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request. Model, temperature and token
// budget come from the stage configuration driving the call.
type Request struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	// JSONMode asks the provider for a structured JSON body.
	JSONMode bool `json:"json_mode,omitempty"`
}

// Response is the completion result.
type Response struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// Provider is a language model backend.
type Provider interface {
	// Name returns the provider's configured name.
	Name() string

	// Complete performs a chat completion. Implementations must honor
	// ctx cancellation promptly.
	Complete(ctx context.Context, req Request) (Response, error)

	// Close releases resources.
	Close() error
}
