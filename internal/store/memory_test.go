package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nexushq/relay/pkg/models"
)

func newTestStore(t *testing.T) (*MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })
	return s, &now
}

func mustCreate(t *testing.T, s *MemoryStore, scope Scope, userID string) *models.Conversation {
	t.Helper()
	c := &models.Conversation{UserID: userID, Title: "test"}
	if err := s.CreateConversation(context.Background(), scope, c); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	return c
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	scope := UserScope("user-1")

	c := mustCreate(t, s, scope, "user-1")
	if c.ID == "" {
		t.Fatal("expected generated conversation id")
	}
	if c.Source != models.SourceNative {
		t.Fatalf("expected default source native, got %q", c.Source)
	}

	got, err := s.GetConversation(ctx, scope, c.ID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.Title != "test" {
		t.Fatalf("expected title %q, got %q", "test", got.Title)
	}

	if err := s.UpdateConversationTitle(ctx, scope, c.ID, "renamed"); err != nil {
		t.Fatalf("UpdateConversationTitle() error = %v", err)
	}
	got, _ = s.GetConversation(ctx, scope, c.ID)
	if got.Title != "renamed" {
		t.Fatalf("expected renamed title, got %q", got.Title)
	}

	if err := s.DeleteConversation(ctx, scope, c.ID); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, err := s.GetConversation(ctx, scope, c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestScopeEnforcement(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	owner := UserScope("owner")
	stranger := UserScope("stranger")
	c := mustCreate(t, s, owner, "owner")

	if _, err := s.GetConversation(ctx, stranger, c.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign read, got %v", err)
	}
	if err := s.UpdateConversationTitle(ctx, stranger, c.ID, "x"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign rename, got %v", err)
	}
	if err := s.DeleteConversation(ctx, stranger, c.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign delete, got %v", err)
	}

	// Privileged scope bypasses ownership.
	if _, err := s.GetConversation(ctx, PrivilegedScope("hygiene"), c.ID); err != nil {
		t.Fatalf("privileged GetConversation() error = %v", err)
	}
}

func TestArchivedConversationRejectsRename(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	scope := UserScope("user-1")
	c := mustCreate(t, s, scope, "user-1")

	if err := s.ArchiveConversation(ctx, scope, c.ID, true); err != nil {
		t.Fatalf("ArchiveConversation() error = %v", err)
	}
	if err := s.UpdateConversationTitle(ctx, scope, c.ID, "new"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on archived rename, got %v", err)
	}
}

func TestExternalIDUniqueness(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	scope := UserScope("user-1")

	first := &models.Conversation{UserID: "user-1", Source: models.SourceToolBridge, ExternalID: "ext-1"}
	if err := s.CreateConversation(ctx, scope, first); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	dup := &models.Conversation{UserID: "user-1", Source: models.SourceToolBridge, ExternalID: "ext-1"}
	if err := s.CreateConversation(ctx, scope, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate external id, got %v", err)
	}

	found, err := s.FindConversationByExternal(ctx, scope, models.SourceToolBridge, "user-1", "ext-1")
	if err != nil {
		t.Fatalf("FindConversationByExternal() error = %v", err)
	}
	if found.ID != first.ID {
		t.Fatalf("expected conversation %s, got %s", first.ID, found.ID)
	}
}

func TestAppendMessageDedupeWindow(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	scope := UserScope("user-1")
	c := mustCreate(t, s, scope, "user-1")

	msg := &models.Message{ConversationID: c.ID, Role: models.RoleUser, Content: "hello"}
	if err := s.AppendMessage(ctx, scope, msg); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	// Identical append one second later lands inside the window.
	*now = now.Add(time.Second)
	dup := &models.Message{ConversationID: c.ID, Role: models.RoleUser, Content: "hello"}
	if err := s.AppendMessage(ctx, scope, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict inside dedupe window, got %v", err)
	}

	// Different role with identical content is not a duplicate.
	echo := &models.Message{ConversationID: c.ID, Role: models.RoleAssistant, Content: "hello"}
	if err := s.AppendMessage(ctx, scope, echo); err != nil {
		t.Fatalf("AppendMessage() role variant error = %v", err)
	}

	// Past the window the same content is accepted again.
	*now = now.Add(DedupeWindow + time.Second)
	late := &models.Message{ConversationID: c.ID, Role: models.RoleUser, Content: "hello"}
	if err := s.AppendMessage(ctx, scope, late); err != nil {
		t.Fatalf("AppendMessage() past window error = %v", err)
	}

	n, err := s.CountMessages(ctx, scope, c.ID)
	if err != nil {
		t.Fatalf("CountMessages() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 messages, got %d", n)
	}
}

func TestListMessagesWindow(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	scope := UserScope("user-1")
	c := mustCreate(t, s, scope, "user-1")

	contents := []string{"one", "two", "three", "four"}
	for _, content := range contents {
		*now = now.Add(10 * time.Second)
		msg := &models.Message{ConversationID: c.ID, Role: models.RoleUser, Content: content}
		if err := s.AppendMessage(ctx, scope, msg); err != nil {
			t.Fatalf("AppendMessage(%q) error = %v", content, err)
		}
	}

	recent, err := s.ListMessages(ctx, scope, c.ID, MessageOptions{Descending: true, Limit: 2})
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "four" || recent[1].Content != "three" {
		t.Fatalf("expected newest-first window [four three], got %v", messageContents(recent))
	}
}

func messageContents(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestUpsertFactPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	scope := UserScope("user-1")

	fact := &models.KnowledgeFact{
		SubjectType: models.SubjectUser,
		SubjectID:   "user-1",
		Horizon:     models.HorizonLong,
		Domain:      "profile",
		FactKey:     "timezone",
		FactValue:   json.RawMessage(`"UTC"`),
		Confidence:  0.9,
	}
	if err := s.UpsertFact(ctx, scope, fact); err != nil {
		t.Fatalf("UpsertFact() error = %v", err)
	}
	firstCreated := fact.CreatedAt
	firstID := fact.ID

	*now = now.Add(time.Hour)
	update := &models.KnowledgeFact{
		SubjectType: models.SubjectUser,
		SubjectID:   "user-1",
		Horizon:     models.HorizonLong,
		Domain:      "profile",
		FactKey:     "timezone",
		FactValue:   json.RawMessage(`"America/New_York"`),
		Confidence:  0.95,
	}
	if err := s.UpsertFact(ctx, scope, update); err != nil {
		t.Fatalf("UpsertFact() update error = %v", err)
	}
	if update.ID != firstID {
		t.Fatalf("expected stable fact id %s, got %s", firstID, update.ID)
	}
	if !update.CreatedAt.Equal(firstCreated) {
		t.Fatalf("expected preserved created_at %v, got %v", firstCreated, update.CreatedAt)
	}
	if !update.UpdatedAt.After(firstCreated) {
		t.Fatal("expected updated_at to advance on upsert")
	}
}

func TestFactOwnership(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	// A user scope cannot write facts about another user.
	foreign := &models.KnowledgeFact{
		SubjectType: models.SubjectUser,
		SubjectID:   "other",
		Horizon:     models.HorizonLong,
		Domain:      "profile",
		FactKey:     "name",
	}
	if err := s.UpsertFact(ctx, UserScope("user-1"), foreign); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign fact write, got %v", err)
	}

	// Shared subjects require a privileged scope to write but not to read.
	shared := &models.KnowledgeFact{
		SubjectType: models.SubjectShared,
		SubjectID:   "org",
		Horizon:     models.HorizonLong,
		Domain:      "policy",
		FactKey:     "working-hours",
	}
	if err := s.UpsertFact(ctx, UserScope("user-1"), shared); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for user shared write, got %v", err)
	}
	if err := s.UpsertFact(ctx, PrivilegedScope("bridge"), shared); err != nil {
		t.Fatalf("privileged shared write error = %v", err)
	}

	facts, err := s.QueryFacts(ctx, UserScope("user-1"), FactFilter{})
	if err != nil {
		t.Fatalf("QueryFacts() error = %v", err)
	}
	if len(facts) != 1 || facts[0].FactKey != "working-hours" {
		t.Fatalf("expected shared fact visible to user scope, got %d facts", len(facts))
	}

	// Another user's facts never surface in a user-scoped query.
	private := &models.KnowledgeFact{
		SubjectType: models.SubjectUser,
		SubjectID:   "user-2",
		Horizon:     models.HorizonLong,
		Domain:      "profile",
		FactKey:     "secret",
	}
	if err := s.UpsertFact(ctx, UserScope("user-2"), private); err != nil {
		t.Fatalf("UpsertFact() error = %v", err)
	}
	facts, _ = s.QueryFacts(ctx, UserScope("user-1"), FactFilter{})
	for _, f := range facts {
		if f.FactKey == "secret" {
			t.Fatal("foreign user fact leaked into query results")
		}
	}
}

func TestQueryFactsOrdering(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	scope := PrivilegedScope("test")

	seed := []struct {
		horizon    models.Horizon
		key        string
		confidence float64
	}{
		{models.HorizonLong, "background", 0.99},
		{models.HorizonShort, "session", 0.5},
		{models.HorizonMedium, "project-a", 0.9},
		{models.HorizonMedium, "project-b", 0.6},
	}
	for _, f := range seed {
		fact := &models.KnowledgeFact{
			SubjectType: models.SubjectShared,
			SubjectID:   "org",
			Horizon:     f.horizon,
			Domain:      "work",
			FactKey:     f.key,
			Confidence:  f.confidence,
		}
		if err := s.UpsertFact(ctx, scope, fact); err != nil {
			t.Fatalf("UpsertFact(%s) error = %v", f.key, err)
		}
	}

	facts, err := s.QueryFacts(ctx, scope, FactFilter{})
	if err != nil {
		t.Fatalf("QueryFacts() error = %v", err)
	}
	want := []string{"session", "project-a", "project-b", "background"}
	if len(facts) != len(want) {
		t.Fatalf("expected %d facts, got %d", len(want), len(facts))
	}
	for i, key := range want {
		if facts[i].FactKey != key {
			t.Fatalf("position %d: expected %s, got %s", i, key, facts[i].FactKey)
		}
	}
}

func TestShortHorizonTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	scope := UserScope("user-1")

	fact := &models.KnowledgeFact{
		SubjectType: models.SubjectUser,
		SubjectID:   "user-1",
		Horizon:     models.HorizonShort,
		Domain:      "session",
		FactKey:     "current-task",
	}
	if err := s.UpsertFact(ctx, scope, fact); err != nil {
		t.Fatalf("UpsertFact() error = %v", err)
	}
	if fact.TTLSeconds != int64(models.DefaultShortTTL/time.Second) {
		t.Fatalf("expected default short TTL, got %d", fact.TTLSeconds)
	}

	facts, _ := s.QueryFacts(ctx, scope, FactFilter{})
	if len(facts) != 1 {
		t.Fatalf("expected 1 live fact, got %d", len(facts))
	}

	*now = now.Add(models.DefaultShortTTL + time.Minute)
	facts, _ = s.QueryFacts(ctx, scope, FactFilter{})
	if len(facts) != 0 {
		t.Fatalf("expected expired fact filtered out, got %d", len(facts))
	}

	n, err := s.MarkFactsStale(ctx, PrivilegedScope("hygiene"), *now)
	if err != nil {
		t.Fatalf("MarkFactsStale() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 fact marked stale, got %d", n)
	}
	if _, err := s.MarkFactsStale(ctx, scope, *now); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for user-scope stale sweep, got %v", err)
	}
}

func TestBudgetIncrement(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	priv := PrivilegedScope("gateway")

	budget := &models.UsageBudget{
		OrgID:        "org-1",
		Provider:     "openai",
		BudgetType:   "monthly",
		IsActive:     true,
		BudgetAmount: 10,
	}
	if err := s.SetBudget(ctx, priv, budget); err != nil {
		t.Fatalf("SetBudget() error = %v", err)
	}
	if err := s.SetBudget(ctx, UserScope("user-1"), budget); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for user-scope SetBudget, got %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := s.IncrementBudget(ctx, priv, "org-1", "openai", "monthly", 2.5); err != nil {
			t.Fatalf("IncrementBudget() error = %v", err)
		}
	}
	got, err := s.GetBudget(ctx, priv, "org-1", "openai", "monthly")
	if err != nil {
		t.Fatalf("GetBudget() error = %v", err)
	}
	if got.CurrentSpend != 10 {
		t.Fatalf("expected spend 10, got %v", got.CurrentSpend)
	}
	if !got.Exhausted() {
		t.Fatal("expected budget exhausted at limit")
	}
}
