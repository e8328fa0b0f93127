package provider

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nexushq/relay/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig configures the OpenRouter adapter.
type OpenRouterConfig struct {
	APIKey       string
	DefaultModel string

	// AppName and SiteURL populate OpenRouter's attribution headers
	// (X-Title, HTTP-Referer). Optional but recommended for rankings.
	AppName string
	SiteURL string
}

// OpenRouterProvider adapts OpenRouter to the gateway interface. OpenRouter
// speaks the OpenAI wire protocol, so this adapter reuses the OpenAI SDK with
// a different base URL and attribution headers.
type OpenRouterProvider struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

type headerTransport struct {
	base    http.RoundTripper
	appName string
	siteURL string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.appName != "" {
		req.Header.Set("X-Title", t.appName)
	}
	if t.siteURL != "" {
		req.Header.Set("HTTP-Referer", t.siteURL)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewOpenRouterProvider creates the adapter.
func NewOpenRouterProvider(cfg OpenRouterConfig) *OpenRouterProvider {
	p := &OpenRouterProvider{
		defaultModel: cfg.DefaultModel,
		maxRetries:   3,
		retryDelay:   time.Second,
	}
	if cfg.APIKey == "" {
		return p
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = openRouterBaseURL
	clientConfig.HTTPClient = &http.Client{
		Transport: &headerTransport{appName: cfg.AppName, siteURL: cfg.SiteURL},
	}
	p.client = openai.NewClientWithConfig(clientConfig)
	return p
}

func (p *OpenRouterProvider) Name() string {
	return "openrouter"
}

func (p *OpenRouterProvider) Models() []Model {
	return []Model{
		{
			Name: "openai/gpt-4o-mini", Provider: "openrouter",
			CostPerToken: 0.0000006, ContextWindow: 128000,
			Roles: []models.TaskRole{models.TaskChat, models.TaskDraft},
		},
		{
			Name: "anthropic/claude-3.5-sonnet", Provider: "openrouter",
			CostPerToken: 0.000009, ContextWindow: 200000,
			Roles: []models.TaskRole{models.TaskChat, models.TaskAnalysis},
		},
		{
			Name: "meta-llama/llama-3.1-70b-instruct", Provider: "openrouter",
			CostPerToken: 0.0000008, ContextWindow: 131072,
			Roles: []models.TaskRole{models.TaskChat, models.TaskDraft, models.TaskAnalysis},
		},
	}
}

func (p *OpenRouterProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
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

func (p *OpenRouterProvider) Ping(ctx context.Context) error {
	if p.client == nil {
		return NewError(p.Name(), "API key not configured", nil)
	}
	if _, err := p.client.ListModels(ctx); err != nil {
		return wrapOpenAIError(p.Name(), err)
	}
	return nil
}

func (p *OpenRouterProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	if p.defaultModel != "" {
		return p.defaultModel
	}
	return "openai/gpt-4o-mini"
}
