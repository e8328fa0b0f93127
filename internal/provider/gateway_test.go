package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/relayerr"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

// fakeProvider emits a scripted chunk sequence.
type fakeProvider struct {
	name        string
	models      []Model
	chunks      []*CompletionChunk
	dispatchErr error
	pingErr     error
	calls       int
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Models() []Model { return f.models }

func (f *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	f.calls++
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	out := make(chan *CompletionChunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				out <- &CompletionChunk{Error: ctx.Err(), Done: true}
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeProvider) Ping(ctx context.Context) error { return f.pingErr }

func chatModel(name, provider string, cost float64) Model {
	return Model{
		Name: name, Provider: provider, CostPerToken: cost, ContextWindow: 100000,
		Roles: []models.TaskRole{models.TaskChat},
	}
}

func doneChunks(text string) []*CompletionChunk {
	return []*CompletionChunk{
		{Delta: text},
		{Done: true, FinishReason: "stop", InputTokens: 10, OutputTokens: 5},
	}
}

func newTestGateway(t *testing.T, providers ...ChatProvider) (*Gateway, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	return NewGateway(providers, mem, logger, nil, time.Second), mem
}

func collect(t *testing.T, chunks <-chan *CompletionChunk) string {
	t.Helper()
	var sb strings.Builder
	for c := range chunks {
		if c.Error != nil {
			t.Fatalf("unexpected stream error: %v", c.Error)
		}
		sb.WriteString(c.Delta)
	}
	return sb.String()
}

func waitForUsage(t *testing.T, mem *store.MemoryStore, want int) []*models.ProviderUsage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		rows, err := mem.ListUsage(context.Background(), store.PrivilegedScope("test"), "", time.Time{})
		if err != nil {
			t.Fatalf("ListUsage() error = %v", err)
		}
		if len(rows) >= want {
			return rows
		}
		select {
		case <-deadline:
			t.Fatalf("expected %d usage rows, have %d", want, len(rows))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestChatRecordsUsage(t *testing.T) {
	fake := &fakeProvider{
		name:   "openai",
		models: []Model{chatModel("gpt-4o", "openai", 0.00001)},
		chunks: doneChunks("hello there"),
	}
	g, mem := newTestGateway(t, fake)

	chunks, sel, err := g.Chat(context.Background(), &ChatRequest{
		Messages:  []ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		UserID:    "user-1",
		RequestID: "req-1",
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if sel.Provider != "openai" || sel.Model != "gpt-4o" {
		t.Fatalf("unexpected selection %+v", sel)
	}
	if got := collect(t, chunks); got != "hello there" {
		t.Fatalf("unexpected stream text %q", got)
	}

	rows := waitForUsage(t, mem, 1)
	row := rows[0]
	if row.Provider != "openai" || row.RequestID != "req-1" || !row.Success {
		t.Fatalf("unexpected usage row %+v", row)
	}
	if row.InputTokens != 10 || row.OutputTokens != 5 {
		t.Fatalf("expected reported token counts, got in=%d out=%d", row.InputTokens, row.OutputTokens)
	}
	if row.Cost == 0 {
		t.Fatal("expected non-zero cost")
	}
}

func TestRestrictedRoutesLocalOnly(t *testing.T) {
	remote := &fakeProvider{
		name:   "openai",
		models: []Model{chatModel("gpt-4o", "openai", 0.00001)},
		chunks: doneChunks("remote"),
	}
	local := &fakeProvider{
		name:   "openclaw",
		models: []Model{chatModel("openclaw-agent", "openclaw", 0)},
		chunks: doneChunks("local"),
	}
	g, _ := newTestGateway(t, remote, local)

	chunks, sel, err := g.Chat(context.Background(), &ChatRequest{
		Messages:    []ChatMessage{{Role: models.RoleUser, Content: "secret"}},
		Sensitivity: models.SensitivityRestricted,
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if sel.Provider != "openclaw" {
		t.Fatalf("restricted request routed to %s", sel.Provider)
	}
	collect(t, chunks)
	if remote.calls != 0 {
		t.Fatal("restricted request must never touch a remote provider")
	}
}

func TestRestrictedWithoutLocalFails(t *testing.T) {
	remote := &fakeProvider{
		name:   "openai",
		models: []Model{chatModel("gpt-4o", "openai", 0.00001)},
	}
	g, _ := newTestGateway(t, remote)

	_, _, err := g.Chat(context.Background(), &ChatRequest{
		Messages:    []ChatMessage{{Role: models.RoleUser, Content: "secret"}},
		Sensitivity: models.SensitivityRestricted,
	})
	if !relayerr.Is(err, relayerr.KindUnavailable) {
		t.Fatalf("expected Unavailable, got %v", err)
	}
	if remote.calls != 0 {
		t.Fatal("restricted request dispatched to remote provider")
	}
}

func TestInternalPrefersCheapest(t *testing.T) {
	expensive := &fakeProvider{
		name:   "openai",
		models: []Model{chatModel("gpt-4o", "openai", 0.00001)},
		chunks: doneChunks("expensive"),
	}
	cheap := &fakeProvider{
		name:   "openrouter",
		models: []Model{chatModel("openai/gpt-4o-mini", "openrouter", 0.0000006)},
		chunks: doneChunks("cheap"),
	}
	g, _ := newTestGateway(t, expensive, cheap)

	chunks, sel, err := g.Chat(context.Background(), &ChatRequest{
		Messages:    []ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		Sensitivity: models.SensitivityInternal,
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if sel.Provider != "openrouter" {
		t.Fatalf("expected cheapest provider, got %s", sel.Provider)
	}
	collect(t, chunks)
}

func TestBudgetExhaustedSkipsProvider(t *testing.T) {
	fake := &fakeProvider{
		name:   "openai",
		models: []Model{chatModel("gpt-4o", "openai", 0.00001)},
		chunks: doneChunks("hi"),
	}
	g, mem := newTestGateway(t, fake)

	ctx := context.Background()
	err := mem.SetBudget(ctx, store.PrivilegedScope("test"), &models.UsageBudget{
		OrgID: "org-1", Provider: "openai", BudgetType: "monthly",
		IsActive: true, BudgetAmount: 10, CurrentSpend: 10,
	})
	if err != nil {
		t.Fatalf("SetBudget() error = %v", err)
	}

	_, _, err = g.Chat(ctx, &ChatRequest{
		Messages: []ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		OrgID:    "org-1",
	})
	if !relayerr.Is(err, relayerr.KindBudgetExceeded) {
		t.Fatalf("expected BudgetExceeded, got %v", err)
	}
	if fake.calls != 0 {
		t.Fatal("exhausted-budget provider must not be dispatched")
	}
}

func TestDispatchFailureFallsBack(t *testing.T) {
	broken := &fakeProvider{
		name:        "openrouter",
		models:      []Model{chatModel("openai/gpt-4o-mini", "openrouter", 0.0000001)},
		dispatchErr: errors.New("connection refused"),
	}
	healthy := &fakeProvider{
		name:   "openai",
		models: []Model{chatModel("gpt-4o", "openai", 0.00001)},
		chunks: doneChunks("fallback"),
	}
	g, _ := newTestGateway(t, broken, healthy)

	chunks, sel, err := g.Chat(context.Background(), &ChatRequest{
		Messages:    []ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		Sensitivity: models.SensitivityInternal,
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if sel.Provider != "openai" {
		t.Fatalf("expected fallback to healthy provider, got %s", sel.Provider)
	}
	if got := collect(t, chunks); got != "fallback" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestTestConnectionsCaches(t *testing.T) {
	up := &fakeProvider{name: "openai", models: []Model{chatModel("gpt-4o", "openai", 0.00001)}}
	down := &fakeProvider{name: "openclaw", pingErr: errors.New("refused")}
	g, _ := newTestGateway(t, up, down)

	results := g.TestConnections(context.Background())
	if results["openai"] != StatusConnected {
		t.Fatalf("expected openai connected, got %s", results["openai"])
	}
	if results["openclaw"] != StatusDown {
		t.Fatalf("expected openclaw down, got %s", results["openclaw"])
	}

	// Cached: flipping the ping result within the TTL changes nothing.
	down.pingErr = nil
	results = g.TestConnections(context.Background())
	if results["openclaw"] != StatusDown {
		t.Fatal("expected cached down status inside TTL")
	}
}

func TestAvailableModels(t *testing.T) {
	embed := Model{
		Name: "text-embedding-3-small", Provider: "openai",
		Roles: []models.TaskRole{models.TaskEmbedding},
	}
	p := &fakeProvider{name: "openai", models: []Model{chatModel("gpt-4o", "openai", 0.00001), embed}}
	g, _ := newTestGateway(t, p)

	chat := g.AvailableModels(models.TaskChat)
	if len(chat) != 1 || chat[0].Name != "gpt-4o" {
		t.Fatalf("unexpected chat models %+v", chat)
	}
	all := g.AvailableModels("")
	if len(all) != 2 {
		t.Fatalf("expected 2 models, got %d", len(all))
	}
}

func TestStats(t *testing.T) {
	fake := &fakeProvider{
		name:   "openai",
		models: []Model{chatModel("gpt-4o", "openai", 0.00001)},
		chunks: doneChunks("hello"),
	}
	g, mem := newTestGateway(t, fake)

	chunks, _, err := g.Chat(context.Background(), &ChatRequest{
		Messages: []ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		UserID:   "user-1",
	})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	collect(t, chunks)
	waitForUsage(t, mem, 1)

	stats, err := g.Stats(context.Background(), store.PrivilegedScope("admin"), "", "", time.Hour)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalRequests != 1 || stats.SuccessRate != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
