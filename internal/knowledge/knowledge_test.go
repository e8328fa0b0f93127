package knowledge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemoryStore()
	mem.SetClock(func() time.Time { return now })
	logger := observability.NewLogger(observability.LogConfig{Level: "error"})
	svc := NewService(mem, logger, nil)
	svc.now = func() time.Time { return now }
	return svc, mem, &now
}

func TestUpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	scope := store.UserScope("user-1")

	fact := &models.KnowledgeFact{
		SubjectType: models.SubjectUser,
		SubjectID:   "user-1",
		Horizon:     models.HorizonMedium,
		Domain:      "project",
		FactKey:     "deadline",
		FactValue:   json.RawMessage(`"2025-07-01"`),
		Confidence:  0.8,
	}
	stored, err := svc.Upsert(ctx, scope, fact)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	facts, err := svc.Query(ctx, scope, store.FactFilter{
		Subjects: []store.Subject{{Type: models.SubjectUser, ID: "user-1"}},
		Domains:  []string{"project"},
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %d", len(facts))
	}
	if facts[0].ID != stored.ID || !facts[0].CreatedAt.Equal(stored.CreatedAt) {
		t.Fatal("round trip changed fact identity")
	}
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, now := newTestService(t)
	scope := store.UserScope("user-1")

	make := func() *models.KnowledgeFact {
		return &models.KnowledgeFact{
			SubjectType: models.SubjectUser,
			SubjectID:   "user-1",
			Horizon:     models.HorizonLong,
			Domain:      "profile",
			FactKey:     "role",
			FactValue:   json.RawMessage(`"founder"`),
			Confidence:  1,
		}
	}
	first, err := svc.Upsert(ctx, scope, make())
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	*now = now.Add(time.Minute)
	second, err := svc.Upsert(ctx, scope, make())
	if err != nil {
		t.Fatalf("Upsert() repeat error = %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("idempotent upsert changed id: %s vs %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatal("idempotent upsert changed created_at")
	}
}

func TestExpireStaleSweep(t *testing.T) {
	ctx := context.Background()
	svc, _, now := newTestService(t)

	fact := &models.KnowledgeFact{
		SubjectType: models.SubjectShared,
		SubjectID:   "org",
		Horizon:     models.HorizonShort,
		Domain:      "session",
		FactKey:     "active-task",
	}
	if _, err := svc.Upsert(ctx, store.PrivilegedScope("test"), fact); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	*now = now.Add(models.DefaultShortTTL + time.Hour)
	n, err := svc.ExpireStale(ctx, store.PrivilegedScope("hygiene"))
	if err != nil {
		t.Fatalf("ExpireStale() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired fact, got %d", n)
	}

	// Second sweep has nothing to do.
	n, err = svc.ExpireStale(ctx, store.PrivilegedScope("hygiene"))
	if err != nil {
		t.Fatalf("ExpireStale() repeat error = %v", err)
	}
	if n != 0 {
		t.Fatalf("expected idempotent sweep, got %d", n)
	}
}
