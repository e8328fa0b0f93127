package provider

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/relayerr"
	"github.com/nexushq/relay/internal/retry"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

// ConnStatus is the probe result for one provider.
type ConnStatus string

const (
	StatusConnected ConnStatus = "connected"
	StatusDegraded  ConnStatus = "degraded"
	StatusDown      ConnStatus = "down"
)

// ChatRequest is the gateway-level dispatch request.
type ChatRequest struct {
	Messages    []ChatMessage
	System      string
	Role        models.TaskRole
	Sensitivity models.Sensitivity
	UserID      string
	OrgID       string
	Model       string
	Temperature float32
	MaxTokens   int
	RequestID   string
}

// Selection records which provider and model served a request.
type Selection struct {
	Provider     string
	Model        string
	CostPerToken float64
}

// UsageStats is the aggregate usage view for the admin surface.
type UsageStats struct {
	TotalRequests  int     `json:"total_requests"`
	TotalCost      float64 `json:"total_cost"`
	SuccessRate    float64 `json:"success_rate"`
	AverageLatency float64 `json:"average_latency_ms"`
	TotalTokens    int64   `json:"total_tokens"`
}

// healthTTL bounds how long a probe result is trusted.
const healthTTL = 30 * time.Second

// budgetType is the single hard-fail budget bucket per (org, provider).
const budgetType = "monthly"

// Gateway routes chat requests across the configured providers, enforces
// sensitivity and budget policy, and records one usage row per dispatch.
type Gateway struct {
	providers []ChatProvider
	store     store.Store
	logger    *observability.Logger
	metrics   *observability.Metrics

	healthTimeout time.Duration

	mu          sync.Mutex
	health      map[string]ConnStatus
	healthAt    time.Time
	latencyEWMA map[string]float64
}

// NewGateway creates the routing gateway over the given providers, in
// registration order.
func NewGateway(providers []ChatProvider, st store.Store, logger *observability.Logger, metrics *observability.Metrics, healthTimeout time.Duration) *Gateway {
	if healthTimeout == 0 {
		healthTimeout = 10 * time.Second
	}
	return &Gateway{
		providers:     providers,
		store:         st,
		logger:        logger,
		metrics:       metrics,
		healthTimeout: healthTimeout,
		health:        make(map[string]ConnStatus),
		latencyEWMA:   make(map[string]float64),
	}
}

// Chat routes the request and returns the normalized chunk stream plus the
// selection that served it. The returned channel is closed by the gateway
// after usage accounting completes.
func (g *Gateway) Chat(ctx context.Context, req *ChatRequest) (<-chan *CompletionChunk, *Selection, error) {
	candidates, err := g.candidates(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for _, c := range candidates {
		upstream, dispatchErr := c.provider.Complete(ctx, &CompletionRequest{
			Model:       c.model.Name,
			System:      req.System,
			Messages:    req.Messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if dispatchErr != nil {
			lastErr = dispatchErr
			g.logger.Warn(ctx, "provider dispatch failed, trying next candidate",
				"provider", c.provider.Name(), "model", c.model.Name, "error", dispatchErr)
			g.markDown(c.provider.Name())
			continue
		}

		selection := &Selection{
			Provider:     c.provider.Name(),
			Model:        c.model.Name,
			CostPerToken: c.model.CostPerToken,
		}
		out := make(chan *CompletionChunk)
		go g.account(ctx, req, selection, upstream, out, time.Now())
		return out, selection, nil
	}

	if lastErr != nil {
		return nil, nil, relayerr.Wrap(relayerr.KindUnavailable, lastErr)
	}
	return nil, nil, relayerr.New(relayerr.KindUnavailable, "no eligible provider")
}

type candidate struct {
	provider ChatProvider
	model    Model
}

// candidates applies the routing policy: sensitivity filter, health filter,
// budget filter, then cost or latency ordering.
func (g *Gateway) candidates(ctx context.Context, req *ChatRequest) ([]candidate, error) {
	role := req.Role
	if role == "" {
		role = models.TaskChat
	}
	sensitivity := req.Sensitivity
	if sensitivity == "" {
		sensitivity = models.SensitivityInternal
	}

	health := g.cachedHealth()

	var out []candidate
	budgetBlocked := false
	for _, p := range g.providers {
		if sensitivity == models.SensitivityRestricted && !isLocal(p.Name()) {
			continue
		}
		if status, ok := health[p.Name()]; ok && status == StatusDown {
			continue
		}
		if g.budgetExhausted(ctx, req.OrgID, p.Name()) {
			budgetBlocked = true
			continue
		}
		for _, m := range p.Models() {
			if !m.SupportsRole(role) {
				continue
			}
			if req.Model != "" && m.Name != req.Model {
				continue
			}
			out = append(out, candidate{provider: p, model: m})
		}
	}

	if len(out) == 0 {
		if budgetBlocked {
			return nil, relayerr.New(relayerr.KindBudgetExceeded, "budget exhausted for all eligible providers")
		}
		if sensitivity == models.SensitivityRestricted {
			return nil, relayerr.New(relayerr.KindUnavailable, "restricted request but no local provider available")
		}
		return nil, relayerr.New(relayerr.KindUnavailable, "no provider supports the requested role")
	}

	switch sensitivity {
	case models.SensitivityInternal:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].model.CostPerToken < out[j].model.CostPerToken
		})
	case models.SensitivityPublic:
		g.mu.Lock()
		sort.SliceStable(out, func(i, j int) bool {
			return g.latencyEWMA[out[i].provider.Name()] < g.latencyEWMA[out[j].provider.Name()]
		})
		g.mu.Unlock()
	}
	return out, nil
}

func isLocal(name string) bool {
	return name == "openclaw" || strings.HasPrefix(name, "local")
}

func (g *Gateway) budgetExhausted(ctx context.Context, orgID, provider string) bool {
	if g.store == nil {
		return false
	}
	b, err := g.store.GetBudget(ctx, store.PrivilegedScope("gateway"), orgID, provider, budgetType)
	if err != nil {
		// No budget row means no limit.
		return false
	}
	return b.Exhausted()
}

// account relays chunks to the caller while aggregating text and token
// counts, then writes exactly one usage row when the stream terminates.
func (g *Gateway) account(ctx context.Context, req *ChatRequest, sel *Selection, in <-chan *CompletionChunk, out chan<- *CompletionChunk, started time.Time) {
	defer close(out)

	var inputTokens, outputTokens int
	var outputChars int
	success := true
	status := "success"

	for chunk := range in {
		outputChars += len(chunk.Delta)
		if chunk.InputTokens > 0 {
			inputTokens = chunk.InputTokens
		}
		if chunk.OutputTokens > 0 {
			outputTokens = chunk.OutputTokens
		}
		if chunk.Error != nil {
			success = false
			status = "error"
			if errors.Is(chunk.Error, context.Canceled) {
				status = "aborted"
			}
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			// Caller went away; drain the upstream so the adapter
			// goroutine can exit, then account what we saw.
			success = false
			status = "aborted"
			for range in {
			}
			g.recordUsage(req, sel, inputTokens, outputTokens, outputChars, started, success, status)
			return
		}
	}
	g.recordUsage(req, sel, inputTokens, outputTokens, outputChars, started, success, status)
}

func (g *Gateway) recordUsage(req *ChatRequest, sel *Selection, inputTokens, outputTokens, outputChars int, started time.Time, success bool, status string) {
	latency := time.Since(started)
	g.observeLatency(sel.Provider, latency)

	if outputTokens == 0 && outputChars > 0 {
		outputTokens = (outputChars + 3) / 4
	}
	if inputTokens == 0 {
		for _, m := range req.Messages {
			inputTokens += (len(m.Content) + 3) / 4
		}
		inputTokens += (len(req.System) + 3) / 4
	}
	cost := float64(inputTokens+outputTokens) * sel.CostPerToken

	if g.metrics != nil {
		g.metrics.ChatRequests.WithLabelValues(sel.Provider, sel.Model, status).Inc()
		g.metrics.ChatDuration.WithLabelValues(sel.Provider, sel.Model).Observe(latency.Seconds())
		g.metrics.TokensUsed.WithLabelValues(sel.Provider, sel.Model, "input").Add(float64(inputTokens))
		g.metrics.TokensUsed.WithLabelValues(sel.Provider, sel.Model, "output").Add(float64(outputTokens))
		g.metrics.ProviderCost.WithLabelValues(sel.Provider, sel.Model).Add(cost)
	}

	if g.store == nil {
		return
	}
	// Accounting outlives the request context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scope := store.PrivilegedScope("gateway")
	usage := &models.ProviderUsage{
		UserID:       req.UserID,
		Provider:     sel.Provider,
		Model:        sel.Model,
		TaskType:     req.Role,
		InputTokens:  int64(inputTokens),
		OutputTokens: int64(outputTokens),
		Cost:         cost,
		LatencyMS:    latency.Milliseconds(),
		Success:      success,
		RequestID:    req.RequestID,
	}
	if err := g.store.RecordUsage(ctx, scope, usage); err != nil {
		g.logger.Error(ctx, "usage insert failed", "provider", sel.Provider, "error", err)
	}
	if cost > 0 {
		if err := g.store.IncrementBudget(ctx, scope, req.OrgID, sel.Provider, budgetType, cost); err != nil && !errors.Is(err, store.ErrNotFound) {
			g.logger.Error(ctx, "budget increment failed", "provider", sel.Provider, "error", err)
		}
	}
}

func (g *Gateway) observeLatency(provider string, latency time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := float64(latency.Milliseconds())
	if prev, ok := g.latencyEWMA[provider]; ok {
		g.latencyEWMA[provider] = prev*0.7 + ms*0.3
	} else {
		g.latencyEWMA[provider] = ms
	}
}

func (g *Gateway) markDown(provider string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.health[provider] = StatusDown
	if g.healthAt.IsZero() {
		g.healthAt = time.Now()
	}
}

func (g *Gateway) cachedHealth() map[string]ConnStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.healthAt) > healthTTL {
		return nil
	}
	out := make(map[string]ConnStatus, len(g.health))
	for k, v := range g.health {
		out[k] = v
	}
	return out
}

// Embeddings routes an embedding request to the first capable provider.
func (g *Gateway) Embeddings(ctx context.Context, text, model, orgID string) ([]float32, error) {
	for _, p := range g.providers {
		embedder, ok := p.(Embedder)
		if !ok {
			continue
		}
		if g.budgetExhausted(ctx, orgID, p.Name()) {
			continue
		}
		vec, err := embedder.Embed(ctx, text, model)
		if err != nil {
			g.logger.Warn(ctx, "embedding failed", "provider", p.Name(), "error", err)
			continue
		}
		return vec, nil
	}
	return nil, relayerr.New(relayerr.KindUnavailable, "no embedding provider available")
}

// TestConnections probes every provider concurrently with a short timeout.
// Results are cached for the health TTL.
func (g *Gateway) TestConnections(ctx context.Context) map[string]ConnStatus {
	g.mu.Lock()
	if time.Since(g.healthAt) < healthTTL && len(g.health) == len(g.providers) {
		out := make(map[string]ConnStatus, len(g.health))
		for k, v := range g.health {
			out[k] = v
		}
		g.mu.Unlock()
		return out
	}
	g.mu.Unlock()

	results := make(map[string]ConnStatus, len(g.providers))
	var wg sync.WaitGroup
	var resultMu sync.Mutex
	for _, p := range g.providers {
		wg.Add(1)
		go func(p ChatProvider) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, g.healthTimeout)
			defer cancel()

			started := time.Now()
			// One transient failure should not mark a provider down; a
			// probe that only succeeds on retry reports degraded.
			result := retry.Do(probeCtx, retry.Config{
				MaxAttempts:  2,
				InitialDelay: 200 * time.Millisecond,
			}, func() error {
				return p.Ping(probeCtx)
			})
			elapsed := time.Since(started)

			status := StatusConnected
			switch {
			case result.Err != nil:
				status = StatusDown
			case result.Attempts > 1 || elapsed > g.healthTimeout/2:
				status = StatusDegraded
			}
			resultMu.Lock()
			results[p.Name()] = status
			resultMu.Unlock()
		}(p)
	}
	wg.Wait()

	g.mu.Lock()
	g.health = results
	g.healthAt = time.Now()
	out := make(map[string]ConnStatus, len(results))
	for k, v := range results {
		out[k] = v
	}
	g.mu.Unlock()
	return out
}

// AvailableModels lists models across providers that serve the given role.
func (g *Gateway) AvailableModels(role models.TaskRole) []Model {
	var out []Model
	for _, p := range g.providers {
		for _, m := range p.Models() {
			if role == "" || m.SupportsRole(role) {
				out = append(out, m)
			}
		}
	}
	return out
}

// Stats aggregates usage rows over the trailing window. userID and provider
// are optional filters; empty means all.
func (g *Gateway) Stats(ctx context.Context, scope store.Scope, userID, provider string, window time.Duration) (*UsageStats, error) {
	if g.store == nil {
		return &UsageStats{}, nil
	}
	since := time.Now().Add(-window)
	rows, err := g.store.ListUsage(ctx, scope, userID, since)
	if err != nil {
		return nil, err
	}

	stats := &UsageStats{}
	succeeded := 0
	var latencySum int64
	for _, r := range rows {
		if provider != "" && r.Provider != provider {
			continue
		}
		stats.TotalRequests++
		stats.TotalCost += r.Cost
		stats.TotalTokens += r.TotalTokens()
		latencySum += r.LatencyMS
		if r.Success {
			succeeded++
		}
	}
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(succeeded) / float64(stats.TotalRequests)
		stats.AverageLatency = float64(latencySum) / float64(stats.TotalRequests)
	}
	return stats, nil
}
