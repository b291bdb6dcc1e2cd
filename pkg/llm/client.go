// Package llm provides the chat-completion client used by language-model
// intent parsers. The client transports prompts and completions only;
// prompt construction and output validation belong to the parser layer.
package llm

import "context"

// Message roles understood by chat-completion APIs.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one turn of a chat-completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call.
type Request struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	TopP        *float64  `json:"top_p,omitempty"`
	Seed        *int64    `json:"seed,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`

	// ForceJSON asks the provider to constrain output to a single JSON
	// object. Intent extraction always sets this.
	ForceJSON bool `json:"-"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the model's answer to a Request.
type Completion struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// Client completes chat requests against a language model.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
