package provider

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/nexushq/relay/pkg/models"
)

// AnthropicProvider adapts the Anthropic Messages API to the gateway
// interface. Unlike the OpenAI protocol, the system prompt travels outside
// the message list and usage arrives on message_start / message_delta events.
type AnthropicProvider struct {
	client       anthropic.Client
	configured   bool
	defaultModel string
}

// NewAnthropicProvider creates the adapter.
func NewAnthropicProvider(apiKey, defaultModel string) *AnthropicProvider {
	p := &AnthropicProvider{defaultModel: defaultModel}
	if apiKey != "" {
		p.client = anthropic.NewClient(option.WithAPIKey(apiKey))
		p.configured = true
	}
	return p
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) Models() []Model {
	return []Model{
		{
			Name: "claude-sonnet-4-20250514", Provider: "anthropic",
			CostPerToken: 0.000009, ContextWindow: 200000,
			Roles: []models.TaskRole{models.TaskChat, models.TaskAnalysis, models.TaskDraft},
		},
		{
			Name: "claude-3-5-haiku-20241022", Provider: "anthropic",
			CostPerToken: 0.0000024, ContextWindow: 200000,
			Roles: []models.TaskRole{models.TaskChat, models.TaskDraft},
		},
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if !p.configured {
		return nil, NewError(p.Name(), "API key not configured", nil)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *CompletionChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *AnthropicProvider) Ping(ctx context.Context) error {
	if !p.configured {
		return NewError(p.Name(), "API key not configured", nil)
	}
	// Cheapest reliable probe: a one-token completion against the small model.
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     "claude-3-5-haiku-20241022",
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return NewError(p.Name(), err.Error(), err)
	}
	return nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *CompletionChunk) {
	defer close(chunks)

	var inputTokens, outputTokens int
	finishReason := ""

	for stream.Next() {
		select {
		case <-ctx.Done():
			chunks <- &CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			inputTokens = int(start.Message.Usage.InputTokens)
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				chunks <- &CompletionChunk{Delta: delta.Text}
			}
		case "message_delta":
			md := event.AsMessageDelta()
			outputTokens = int(md.Usage.OutputTokens)
			if md.Delta.StopReason != "" {
				finishReason = string(md.Delta.StopReason)
			}
		}
	}
	if err := stream.Err(); err != nil {
		chunks <- &CompletionChunk{Error: err, Done: true}
		return
	}
	chunks <- &CompletionChunk{
		Done:         true,
		FinishReason: finishReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}
}

func (p *AnthropicProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	if p.defaultModel != "" {
		return p.defaultModel
	}
	return "claude-sonnet-4-20250514"
}

// convertAnthropicMessages maps the neutral message list into alternating
// Anthropic turns. System messages are dropped here; the caller passes the
// system prompt separately.
func convertAnthropicMessages(msgs []ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case models.RoleUser, models.RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}
