// Package provider implements the upstream gateway: adapters for OpenAI,
// OpenRouter, Anthropic, and the self-hosted OpenClaw runtime behind a common
// streaming interface, plus the routing, budget, and usage-accounting layer.
package provider

import (
	"context"

	"github.com/nexushq/relay/pkg/models"
)

// ChatMessage is the provider-neutral message shape sent upstream.
type ChatMessage struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// CompletionRequest describes one upstream call.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Temperature float32
	MaxTokens   int
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

// CompletionChunk is the normalized streaming unit every adapter emits.
// Text deltas arrive in order; the terminal chunk carries Done plus either a
// FinishReason or an Error. Token counts ride on the terminal chunk when the
// upstream reports them.
type CompletionChunk struct {
	Delta        string
	FinishReason string
	ToolCall     *ToolCall
	InputTokens  int
	OutputTokens int
	Done         bool
	Error        error
}

// Model describes an upstream model for routing and cost accounting.
type Model struct {
	Name          string            `json:"name"`
	Provider      string            `json:"provider"`
	CostPerToken  float64           `json:"cost_per_token"`
	ContextWindow int               `json:"context_window"`
	Roles         []models.TaskRole `json:"roles"`
}

// SupportsRole reports whether the model serves the given task role.
func (m Model) SupportsRole(role models.TaskRole) bool {
	for _, r := range m.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ChatProvider is one upstream adapter. Complete returns immediately with a
// channel the adapter closes when the stream ends; cancellation propagates
// through ctx.
type ChatProvider interface {
	Name() string
	Models() []Model

	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Ping probes the cheapest endpoint the provider offers. Used by
	// connection tests; must honor ctx deadlines.
	Ping(ctx context.Context) error
}

// Embedder is implemented by providers that can produce embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}
