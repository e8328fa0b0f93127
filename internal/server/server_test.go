package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nexushq/relay/internal/assembler"
	"github.com/nexushq/relay/internal/auth"
	"github.com/nexushq/relay/internal/experts"
	"github.com/nexushq/relay/internal/knowledge"
	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/orchestrator"
	"github.com/nexushq/relay/internal/provider"
	"github.com/nexushq/relay/internal/registry"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

type scriptedProvider struct {
	chunks []*provider.CompletionChunk
}

func (p *scriptedProvider) Name() string { return "openai" }

func (p *scriptedProvider) Models() []provider.Model {
	return []provider.Model{{
		Name: "gpt-4o", Provider: "openai", CostPerToken: 0.00001, ContextWindow: 100000,
		Roles: []models.TaskRole{models.TaskChat},
	}}
}

func (p *scriptedProvider) Ping(ctx context.Context) error { return nil }

func (p *scriptedProvider) Complete(ctx context.Context, req *provider.CompletionRequest) (<-chan *provider.CompletionChunk, error) {
	out := make(chan *provider.CompletionChunk, len(p.chunks))
	for _, c := range p.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

func newTestServer(t *testing.T, jwtSecret string) (*Server, *auth.Service) {
	t.Helper()
	mem := store.NewMemoryStore()
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	facts := knowledge.NewService(mem, logger, nil)
	asm := assembler.New(facts, logger)
	sel := experts.NewSelector(experts.DefaultPersonas(), logger)
	stub := &scriptedProvider{chunks: []*provider.CompletionChunk{
		{Delta: "hello "},
		{Delta: "world"},
		{Done: true, FinishReason: "stop", InputTokens: 5, OutputTokens: 2},
	}}
	gw := provider.NewGateway([]provider.ChatProvider{stub}, mem, logger, nil, time.Second)
	reg := registry.New(nil)
	orch := orchestrator.New(mem, asm, sel, nil, gw, reg, logger, orchestrator.Config{})
	authSvc := auth.NewService(jwtSecret, time.Hour, nil)

	srv := New(Config{
		AgentSoulPath: filepath.Join(t.TempDir(), "agent-soul.md"),
		HealthTimeout: time.Second,
	}, orch, gw, mem, nil, authSvc, nil, logger, nil)
	return srv, authSvc
}

func serveJSON(t *testing.T, srv *Server, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("malformed response: %v", err)
		}
	}
	return rec, decoded
}

func TestChatNonStreaming(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec, body := serveJSON(t, srv, http.MethodPost, "/chat",
		`{"messages":[{"role":"user","content":"What time is it?"}],"stream":false}`,
		map[string]string{HeaderUserID: "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if body["success"] != true || body["content"] != "hello world" {
		t.Fatalf("unexpected body %v", body)
	}
	meta := body["metadata"].(map[string]any)
	modelWay := meta["modelWay"].(map[string]any)
	if modelWay["provider"] != "openai" || modelWay["conversationId"] == "" {
		t.Fatalf("unexpected modelWay %v", modelWay)
	}
}

func TestChatStreaming(t *testing.T) {
	srv, _ := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/chat",
		strings.NewReader(`{"messages":[{"role":"user","content":"hi there friend"}],"stream":true}`))
	req.Header.Set(HeaderUserID, "user-1")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `data: {"delta":"hello "}`) {
		t.Fatalf("missing delta event: %s", out)
	}
	if !strings.Contains(out, "data: [DONE]") {
		t.Fatalf("missing terminator: %s", out)
	}
	if strings.Index(out, `"delta"`) > strings.Index(out, "[DONE]") {
		t.Fatal("deltas must precede the terminator")
	}
}

func TestChatValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec, body := serveJSON(t, srv, http.MethodPost, "/chat",
		`{"messages":[],"stream":false}`,
		map[string]string{HeaderUserID: "user-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty messages: status = %d, want 400", rec.Code)
	}
	if body["success"] != false {
		t.Fatal("expected success=false")
	}

	rec, _ = serveJSON(t, srv, http.MethodPost, "/chat", `{not json`, map[string]string{HeaderUserID: "user-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d, want 400", rec.Code)
	}
}

func TestAbortEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec, body := serveJSON(t, srv, http.MethodPost, "/abort", `{"requestId":"nope"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["aborted"] != false {
		t.Fatalf("unknown request must report aborted=false, got %v", body)
	}

	rec, _ = serveJSON(t, srv, http.MethodPost, "/abort", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing requestId: status = %d, want 400", rec.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, "")

	_, body := serveJSON(t, srv, http.MethodPost, "/chat",
		`{"messages":[{"role":"user","content":"first question"}]}`,
		map[string]string{HeaderUserID: "user-1"})
	convID := body["metadata"].(map[string]any)["modelWay"].(map[string]any)["conversationId"].(string)

	rec, list := serveJSON(t, srv, http.MethodGet, "/conversations", "",
		map[string]string{HeaderUserID: "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if convs := list["conversations"].([]any); len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}

	rec, one := serveJSON(t, srv, http.MethodGet, "/conversations/"+convID, "",
		map[string]string{HeaderUserID: "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if msgs := one["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(msgs))
	}

	// Foreign user cannot read it.
	rec, _ = serveJSON(t, srv, http.MethodGet, "/conversations/"+convID, "",
		map[string]string{HeaderUserID: "user-2"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign read status = %d, want 401", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec, body := serveJSON(t, srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	conns := body["connections"].(map[string]any)
	if conns["openai"] != "connected" {
		t.Fatalf("unexpected connections %v", conns)
	}
	if body["db"] != "ok" {
		t.Fatalf("expected db ok, got %v", body["db"])
	}
}

func TestAdminSurfaceRoleCheck(t *testing.T) {
	srv, authSvc := newTestServer(t, "admin-secret")

	// No token.
	rec, _ := serveJSON(t, srv, http.MethodGet, "/admin/usage", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	// Member token.
	member, _ := authSvc.Generate(&auth.User{ID: "user-1", Role: auth.RoleMember})
	rec, _ = serveJSON(t, srv, http.MethodGet, "/admin/usage", "",
		map[string]string{"Authorization": "Bearer " + member})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member: status = %d, want 403", rec.Code)
	}

	// Admin token.
	admin, _ := authSvc.Generate(&auth.User{ID: "user-2", Role: auth.RoleAdmin})
	rec, body := serveJSON(t, srv, http.MethodGet, "/admin/usage", "",
		map[string]string{"Authorization": "Bearer " + admin})
	if rec.Code != http.StatusOK {
		t.Fatalf("admin: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if body["success"] != true {
		t.Fatalf("expected success, got %v", body)
	}
}

func TestAgentSoulRoundTrip(t *testing.T) {
	srv, authSvc := newTestServer(t, "admin-secret")
	owner, _ := authSvc.Generate(&auth.User{ID: "boss", Role: auth.RoleOwner})
	headers := map[string]string{"Authorization": "Bearer " + owner}

	// Default soul before any write.
	rec, body := serveJSON(t, srv, http.MethodGet, "/admin/agent-soul", "", headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if !strings.Contains(body["content"].(string), "# Agent Soul") {
		t.Fatalf("expected default soul, got %q", body["content"])
	}

	rec, _ = serveJSON(t, srv, http.MethodPut, "/admin/agent-soul",
		`{"content":"# Relay\nBe concise."}`, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}

	_, body = serveJSON(t, srv, http.MethodGet, "/admin/agent-soul", "", headers)
	if body["content"] != "# Relay\nBe concise." {
		t.Fatalf("soul not persisted: %q", body["content"])
	}
}
