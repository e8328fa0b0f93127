package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nexushq/relay/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider adapts OpenAI chat completions to the gateway interface.
// Safe for concurrent use; each Complete call owns its stream and goroutine.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIProvider creates the adapter. An empty API key yields a provider
// that errors on Complete, which lets config validation own the failure.
func NewOpenAIProvider(apiKey, defaultModel string) *OpenAIProvider {
	p := &OpenAIProvider{
		defaultModel: defaultModel,
		maxRetries:   3,
		retryDelay:   time.Second,
	}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Models() []Model {
	return []Model{
		{
			Name: "gpt-4o", Provider: "openai",
			CostPerToken: 0.00001, ContextWindow: 128000,
			Roles: []models.TaskRole{models.TaskChat, models.TaskDraft, models.TaskAnalysis},
		},
		{
			Name: "gpt-4o-mini", Provider: "openai",
			CostPerToken: 0.0000006, ContextWindow: 128000,
			Roles: []models.TaskRole{models.TaskChat, models.TaskDraft},
		},
		{
			Name: "text-embedding-3-small", Provider: "openai",
			CostPerToken: 0.00000002, ContextWindow: 8191,
			Roles: []models.TaskRole{models.TaskEmbedding},
		},
	}
}

// Complete dispatches a streaming chat completion with linear-backoff retry
// on transient failures. Streaming errors surface as a terminal error chunk.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.client == nil {
		return nil, NewError(p.Name(), "API key not configured", nil)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: convertOpenAIMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableOpenAI(lastErr) {
			return nil, wrapOpenAIError(p.Name(), lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", wrapOpenAIError(p.Name(), lastErr))
	}

	chunks := make(chan *CompletionChunk)
	go processOpenAIStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text, model string) ([]float32, error) {
	if p.client == nil {
		return nil, NewError(p.Name(), "API key not configured", nil)
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: []string{text},
	})
	if err != nil {
		return nil, wrapOpenAIError(p.Name(), err)
	}
	if len(resp.Data) == 0 {
		return nil, NewError(p.Name(), "empty embedding response", nil)
	}
	return resp.Data[0].Embedding, nil
}

func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if p.client == nil {
		return NewError(p.Name(), "API key not configured", nil)
	}
	_, err := p.client.ListModels(ctx)
	if err != nil {
		return wrapOpenAIError(p.Name(), err)
	}
	return nil
}

func (p *OpenAIProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	if p.defaultModel != "" {
		return p.defaultModel
	}
	return "gpt-4o"
}

// processOpenAIStream relays deltas and closes the channel on terminal
// conditions. Shared with the OpenRouter adapter, which speaks the same wire
// protocol.
func processOpenAIStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	var inputTokens, outputTokens int
	finishReason := ""

	for {
		select {
		case <-ctx.Done():
			chunks <- &CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				chunks <- &CompletionChunk{
					Done:         true,
					FinishReason: finishReason,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &CompletionChunk{Error: err, Done: true}
			return
		}

		// The usage frame arrives with an empty choice list when
		// IncludeUsage is set.
		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- &CompletionChunk{Delta: choice.Delta.Content}
		}
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}
}

func convertOpenAIMessages(req *CompletionRequest) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}

func isRetryableOpenAI(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return transientMessage(err.Error())
}

func wrapOpenAIError(provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewError(provider, apiErr.Message, err).WithStatus(apiErr.HTTPStatusCode)
	}
	return NewError(provider, err.Error(), err)
}
