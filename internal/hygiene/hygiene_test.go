package hygiene

import (
	"context"
	"testing"
	"time"

	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/provider"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

// fakeTitler returns a scripted title and counts invocations.
type fakeTitler struct {
	title string
	err   error
	calls int
}

func (f *fakeTitler) Chat(ctx context.Context, req *provider.ChatRequest) (<-chan *provider.CompletionChunk, *provider.Selection, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	out := make(chan *provider.CompletionChunk, 2)
	out <- &provider.CompletionChunk{Delta: f.title}
	out <- &provider.CompletionChunk{Done: true, FinishReason: "stop"}
	close(out)
	return out, &provider.Selection{Provider: "openai", Model: "gpt-4o"}, nil
}

type fixture struct {
	store  *store.MemoryStore
	svc    *Service
	titler *fakeTitler
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemoryStore(),
		titler: &fakeTitler{title: "Quarterly Budget Review"},
		now:    time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	f.store.SetClock(func() time.Time { return f.now })
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	f.svc = New(f.store, f.titler, logger, Config{})
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) conversation(t *testing.T, title string, contents ...string) *models.Conversation {
	t.Helper()
	scope := store.PrivilegedScope("test")
	conv := &models.Conversation{UserID: "user-1", Title: title}
	if err := f.store.CreateConversation(context.Background(), scope, conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	for _, content := range contents {
		// Step the clock past the append dedupe window between messages.
		f.advance(3 * time.Second)
		msg := &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Content: content}
		if err := f.store.AppendMessage(context.Background(), scope, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}
	return conv
}

func TestPruneEmptyAndShortInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty := f.conversation(t, "Planning session")
	short := f.conversation(t, "Vendor outreach", "can you draft an email")
	active := f.conversation(t, "Big project", "one", "two", "three")

	f.advance(25 * time.Hour)
	report, err := f.svc.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Pruned != 2 {
		t.Fatalf("expected 2 pruned, got %d", report.Pruned)
	}

	scope := store.PrivilegedScope("test")
	for _, id := range []string{empty.ID, short.ID} {
		if _, err := f.store.GetConversation(ctx, scope, id); err != store.ErrNotFound {
			t.Errorf("conversation %s should be deleted, got %v", id, err)
		}
	}
	if _, err := f.store.GetConversation(ctx, scope, active.ID); err != nil {
		t.Errorf("active conversation deleted: %v", err)
	}
}

func TestPruneKeepsFreshConversations(t *testing.T) {
	f := newFixture(t)

	f.conversation(t, "Planning session")
	f.advance(30 * time.Minute)

	report, err := f.svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Pruned != 0 {
		t.Fatalf("fresh empty conversation pruned: %+v", report)
	}
}

func TestDedupeIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv := f.conversation(t, "Long running thread", "hi", "hi", "hi", "different")

	report, err := f.svc.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Deduped != 2 {
		t.Fatalf("expected 2 duplicates removed, got %d", report.Deduped)
	}

	msgs, _ := f.store.ListMessages(ctx, store.PrivilegedScope("test"), conv.ID, store.MessageOptions{})
	var his int
	for _, m := range msgs {
		if m.Content == "hi" {
			his++
		}
	}
	if his != 1 || len(msgs) != 2 {
		t.Fatalf("expected one 'hi' and one 'different', got %d messages", len(msgs))
	}

	again, err := f.svc.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if again.Deduped != 0 {
		t.Fatalf("second run must delete nothing, got %d", again.Deduped)
	}
}

func TestDedupeKeepsEarliest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv := f.conversation(t, "Thread", "hi", "hi")
	f.svc.Run(ctx, false)

	msgs, _ := f.store.ListMessages(ctx, store.PrivilegedScope("test"), conv.ID, store.MessageOptions{})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	// The surviving message is the first append (earliest created_at).
	if !msgs[0].CreatedAt.Equal(f.now.Add(-3 * time.Second)) {
		t.Fatalf("survivor is not the earliest: %v", msgs[0].CreatedAt)
	}
}

func TestArchiveGreetingThreads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	greeting := f.conversation(t, "hi", "hi")
	f.advance(25 * time.Hour)

	report, err := f.svc.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Archived != 1 {
		t.Fatalf("expected 1 archived, got %+v", report)
	}
	conv, err := f.store.GetConversation(ctx, store.PrivilegedScope("test"), greeting.ID)
	if err != nil {
		t.Fatalf("greeting thread was deleted, not archived: %v", err)
	}
	if !conv.IsArchived {
		t.Fatal("expected archived flag set")
	}
}

func TestRetitleGenericTitles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv := f.conversation(t, "New Conversation",
		"I need help planning the quarterly budget", "sure, where do we start")

	report, err := f.svc.Run(ctx, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Retitled != 1 {
		t.Fatalf("expected 1 retitled, got %+v", report)
	}

	got, _ := f.store.GetConversation(ctx, store.PrivilegedScope("test"), conv.ID)
	if got.Title != "Quarterly Budget Review" {
		t.Fatalf("unexpected title %q", got.Title)
	}

	// Once the title is real, the next run leaves it alone.
	calls := f.titler.calls
	if _, err := f.svc.Run(ctx, false); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.titler.calls != calls {
		t.Fatal("retitle ran again on a non-generic title")
	}
}

func TestRetitleTrimsQuotes(t *testing.T) {
	cases := map[string]string{
		"\"Quarterly Budget Review\"": "Quarterly Budget Review",
		"'Vendor Email Draft'":        "Vendor Email Draft",
		"  Plain Title \n":            "Plain Title",
	}
	for in, want := range cases {
		if got := cleanTitle(in); got != want {
			t.Errorf("cleanTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRetitleFailureIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.titler.err = context.DeadlineExceeded

	f.conversation(t, "New Conversation", "some content")

	report, err := f.svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run() must not fail on per-item errors, got %v", err)
	}
	if report.Retitled != 0 || report.Failures == 0 {
		t.Fatalf("expected failure counted, got %+v", report)
	}
}

func TestDryRunMutatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	empty := f.conversation(t, "Planning session")
	dup := f.conversation(t, "Thread", "hi", "hi", "different")
	f.advance(25 * time.Hour)

	report, err := f.svc.Run(ctx, true)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Pruned == 0 || report.Deduped == 0 {
		t.Fatalf("dry run should report pending work, got %+v", report)
	}

	scope := store.PrivilegedScope("test")
	if _, err := f.store.GetConversation(ctx, scope, empty.ID); err != nil {
		t.Fatalf("dry run deleted a conversation: %v", err)
	}
	msgs, _ := f.store.ListMessages(ctx, scope, dup.ID, store.MessageOptions{})
	if len(msgs) != 3 {
		t.Fatalf("dry run deleted messages: %d left", len(msgs))
	}
}

func TestGenericTitleSetExtension(t *testing.T) {
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	svc := New(store.NewMemoryStore(), nil, logger, Config{GenericTitles: []string{"Scratchpad"}})

	for title, want := range map[string]bool{
		"hi":               true,
		"Hello!":           true,
		"scratchpad":       true,
		"":                 true,
		"Quarterly budget": false,
	} {
		if got := svc.IsGenericTitle(title); got != want {
			t.Errorf("IsGenericTitle(%q) = %v, want %v", title, got, want)
		}
	}
}
