package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nexushq/relay/pkg/models"
)

// OpenClawConfig configures the self-hosted agent runtime adapter.
type OpenClawConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// OpenClawProvider adapts the self-hosted OpenClaw runtime. It is the only
// provider eligible for restricted-sensitivity requests: payloads never leave
// the tenant. The runtime streams line-delimited JSON frames.
type OpenClawProvider struct {
	client       *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
}

type openclawChatRequest struct {
	Model    string            `json:"model"`
	Stream   bool              `json:"stream"`
	System   string            `json:"system,omitempty"`
	Messages []openclawMessage `json:"messages"`
	Options  map[string]any    `json:"options,omitempty"`
}

type openclawMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openclawChatResponse struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done         bool   `json:"done"`
	DoneReason   string `json:"done_reason,omitempty"`
	Error        string `json:"error,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// NewOpenClawProvider creates the adapter.
func NewOpenClawProvider(cfg OpenClawConfig) *OpenClawProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &OpenClawProvider{
		client:       &http.Client{Timeout: timeout},
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
	}
}

func (p *OpenClawProvider) Name() string {
	return "openclaw"
}

func (p *OpenClawProvider) Models() []Model {
	model := p.defaultModel
	if model == "" {
		model = "openclaw-agent"
	}
	return []Model{{
		Name: model, Provider: "openclaw",
		CostPerToken: 0, ContextWindow: 32768,
		Roles: []models.TaskRole{models.TaskChat, models.TaskDraft, models.TaskAnalysis},
	}}
}

func (p *OpenClawProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	if p.baseURL == "" {
		return nil, NewError(p.Name(), "base URL not configured", nil)
	}

	payload := openclawChatRequest{
		Model:    p.model(req.Model),
		Stream:   true,
		System:   req.System,
		Messages: make([]openclawMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, openclawMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewError(p.Name(), fmt.Sprintf("marshal request: %v", err), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewError(p.Name(), err.Error(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewError(p.Name(), err.Error(), err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, NewError(p.Name(),
			fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody))), nil).
			WithStatus(resp.StatusCode)
	}

	chunks := make(chan *CompletionChunk)
	go p.streamResponse(ctx, resp.Body, chunks)
	return chunks, nil
}

func (p *OpenClawProvider) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- *CompletionChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- &CompletionChunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var frame openclawChatResponse
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			out <- &CompletionChunk{Error: NewError(p.Name(), fmt.Sprintf("decode frame: %v", err), err), Done: true}
			return
		}
		if frame.Error != "" {
			out <- &CompletionChunk{Error: NewError(p.Name(), frame.Error, nil), Done: true}
			return
		}
		if frame.Message != nil && frame.Message.Content != "" {
			out <- &CompletionChunk{Delta: frame.Message.Content}
		}
		if frame.Done {
			out <- &CompletionChunk{
				Done:         true,
				FinishReason: frame.DoneReason,
				InputTokens:  frame.InputTokens,
				OutputTokens: frame.OutputTokens,
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- &CompletionChunk{Error: NewError(p.Name(), err.Error(), err), Done: true}
		return
	}
	out <- &CompletionChunk{Done: true}
}

func (p *OpenClawProvider) Ping(ctx context.Context) error {
	if p.baseURL == "" {
		return NewError(p.Name(), "base URL not configured", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/health", nil)
	if err != nil {
		return NewError(p.Name(), err.Error(), err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return NewError(p.Name(), err.Error(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return NewError(p.Name(), fmt.Sprintf("health status %d", resp.StatusCode), nil).WithStatus(resp.StatusCode)
	}
	return nil
}

func (p *OpenClawProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	if p.defaultModel != "" {
		return p.defaultModel
	}
	return "openclaw-agent"
}
