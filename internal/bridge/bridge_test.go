package bridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/nexushq/relay/internal/integrations"
	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/relayerr"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

var requiredTools = []string{
	"nexus_get_integration_status",
	"nexus_search_emails",
	"nexus_resolve_email_provider",
	"nexus_start_email_connection",
	"nexus_connect_imap",
	"nexus_test_integration_connection",
	"nexus_disconnect_integration",
	"nexus_send_email",
	"nexus_get_calendar_events",
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error"})
}

func newTestRegistry(t *testing.T) (*Registry, *integrations.Manager, *integrations.LocalHost) {
	t.Helper()
	host := integrations.NewLocalHost()
	mgr := integrations.NewManager(host, host, testLogger())
	reg, err := NewRegistry(IntegrationTools(mgr))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg, mgr, host
}

func TestCatalogContainsRequiredTools(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	catalog := reg.Catalog()
	byName := make(map[string]CatalogEntry, len(catalog))
	for _, e := range catalog {
		byName[e.Name] = e
	}
	for _, name := range requiredTools {
		entry, ok := byName[name]
		if !ok {
			t.Errorf("catalog missing %s", name)
			continue
		}
		if len(entry.ArgSchema) == 0 || entry.ScopeOfEffect == "" {
			t.Errorf("%s missing schema or scope: %+v", name, entry)
		}
	}
	if reg.Version() == "" {
		t.Fatal("expected a catalog version")
	}
}

func TestCatalogVersionStable(t *testing.T) {
	a, _, _ := newTestRegistry(t)
	b, _, _ := newTestRegistry(t)
	if a.Version() != b.Version() {
		t.Fatalf("catalog version not stable: %s vs %s", a.Version(), b.Version())
	}
}

func TestExecuteValidatesArgs(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	// Missing required field.
	_, err := reg.Execute(ctx, "user-1", "nexus_search_emails", json.RawMessage(`{}`))
	if !relayerr.Is(err, relayerr.KindInvalidRequest) {
		t.Fatalf("expected InvalidRequest for missing query, got %v", err)
	}

	// Wrong type.
	_, err = reg.Execute(ctx, "user-1", "nexus_search_emails", json.RawMessage(`{"query":7}`))
	if !relayerr.Is(err, relayerr.KindInvalidRequest) {
		t.Fatalf("expected InvalidRequest for wrong type, got %v", err)
	}

	// Unknown tool.
	_, err = reg.Execute(ctx, "user-1", "nexus_rm_rf", json.RawMessage(`{}`))
	if !relayerr.Is(err, relayerr.KindNotFound) {
		t.Fatalf("expected NotFound for unknown tool, got %v", err)
	}
}

func TestExecuteRequiresUser(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Execute(context.Background(), "", "nexus_get_integration_status", nil)
	if !relayerr.Is(err, relayerr.KindUnauthorized) {
		t.Fatalf("expected Unauthorized without user, got %v", err)
	}
}

func TestExecuteIntegrationStatus(t *testing.T) {
	reg, mgr, _ := newTestRegistry(t)
	mgr.ConnectAccount("user-1", &integrations.Account{
		Type: integrations.TypeEmail, Provider: "gmail", Email: "alice@gmail.com", Secret: "tok",
	})

	result, err := reg.Execute(context.Background(), "user-1", "nexus_get_integration_status", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	statuses, ok := result.([]integrations.Status)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	var connected bool
	for _, s := range statuses {
		if s.Type == integrations.TypeEmail && s.Connected {
			connected = true
		}
	}
	if !connected {
		t.Fatalf("expected connected email slot, got %+v", statuses)
	}
}

func TestExecuteResolveProvider(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	result, err := reg.Execute(context.Background(), "user-1", "nexus_resolve_email_provider",
		json.RawMessage(`{"email":"alice@gmail.com"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	res, ok := result.(integrations.Resolution)
	if !ok || res.Provider != "gmail" {
		t.Fatalf("unexpected resolution %+v", result)
	}
}

func TestSyncIdempotent(t *testing.T) {
	mem := store.NewMemoryStore()
	hub := NewHub()
	svc := NewSyncService(mem, hub, testLogger())
	ctx := context.Background()

	payload := &SyncPayload{
		UserID:         "user-1",
		ConversationID: "ext-42",
		Title:          "Mirrored chat",
		Model:          "openclaw-agent",
		Messages: []SyncMessage{
			{ID: "m1", Role: models.RoleUser, Content: "hello"},
			{ID: "m2", Role: models.RoleAssistant, Content: "hi, how can I help?"},
		},
	}

	first, err := svc.Sync(ctx, payload)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !first.Created || first.Appended != 2 {
		t.Fatalf("unexpected first sync %+v", first)
	}

	second, err := svc.Sync(ctx, payload)
	if err != nil {
		t.Fatalf("Sync() replay error = %v", err)
	}
	if second.Created || second.Appended != 0 {
		t.Fatalf("replay must be a no-op, got %+v", second)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("replay resolved a different conversation: %s vs %s", second.ConversationID, first.ConversationID)
	}

	msgs, err := mem.ListMessages(ctx, store.UserScope("user-1"), first.ConversationID, store.MessageOptions{})
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages after replay, got %d", len(msgs))
	}
}

func TestSyncAppendsNewMessagesOnly(t *testing.T) {
	mem := store.NewMemoryStore()
	svc := NewSyncService(mem, nil, testLogger())
	ctx := context.Background()

	base := &SyncPayload{
		UserID:         "user-1",
		ConversationID: "ext-1",
		Messages:       []SyncMessage{{ID: "m1", Role: models.RoleUser, Content: "first"}},
	}
	if _, err := svc.Sync(ctx, base); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	extended := &SyncPayload{
		UserID:         "user-1",
		ConversationID: "ext-1",
		Messages: []SyncMessage{
			{ID: "m1", Role: models.RoleUser, Content: "first"},
			{ID: "m2", Role: models.RoleAssistant, Content: "second"},
		},
	}
	result, err := svc.Sync(ctx, extended)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if result.Appended != 1 {
		t.Fatalf("expected exactly the new message appended, got %d", result.Appended)
	}
}

func TestSyncRequiresUserAndExternalID(t *testing.T) {
	svc := NewSyncService(store.NewMemoryStore(), nil, testLogger())
	ctx := context.Background()

	_, err := svc.Sync(ctx, &SyncPayload{ConversationID: "ext-1"})
	if !relayerr.Is(err, relayerr.KindUnauthorized) {
		t.Fatalf("expected Unauthorized without user, got %v", err)
	}
	_, err = svc.Sync(ctx, &SyncPayload{UserID: "user-1"})
	if !relayerr.Is(err, relayerr.KindInvalidRequest) {
		t.Fatalf("expected InvalidRequest without conversationId, got %v", err)
	}
}

func TestHubFanout(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("user-1")
	defer cancel()

	hub.Publish("user-1", &models.Message{Content: "one"})
	hub.Publish("user-2", &models.Message{Content: "other user"})

	select {
	case msg := <-ch:
		if msg.Content != "one" {
			t.Fatalf("unexpected message %q", msg.Content)
		}
	default:
		t.Fatal("expected a delivered message")
	}
	select {
	case msg := <-ch:
		t.Fatalf("message leaked across users: %+v", msg)
	default:
	}
}
