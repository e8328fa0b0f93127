package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nexushq/relay/pkg/models"
)

func newMockStore(t *testing.T, postgres bool) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewSQLStoreFromDB(db, postgres)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestRebindPostgres(t *testing.T) {
	s := &SQLStore{rebinds: true}
	got := s.rebind(`SELECT 1 FROM t WHERE a = ? AND b = ?`)
	want := `SELECT 1 FROM t WHERE a = $1 AND b = $2`
	if got != want {
		t.Fatalf("rebind mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestRebindSQLitePassthrough(t *testing.T) {
	s := &SQLStore{rebinds: false}
	q := `SELECT 1 FROM t WHERE a = ?`
	if got := s.rebind(q); got != q {
		t.Fatalf("expected passthrough, got %s", got)
	}
}

func TestMapSQLError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"unique violation", errors.New(`pq: duplicate key value violates unique constraint`), ErrConflict},
		{"sqlite unique", errors.New(`constraint failed: UNIQUE constraint failed`), ErrConflict},
		{"connection refused", errors.New(`dial tcp: connection refused`), ErrUnavailable},
		{"other", errors.New("syntax error"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapSQLError(tt.err)
			if tt.want == nil {
				if tt.err == nil && got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				if tt.err != nil && (errors.Is(got, ErrConflict) || errors.Is(got, ErrUnavailable)) {
					t.Fatalf("expected passthrough, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSQLGetConversationScope(t *testing.T) {
	s, mock := newMockStore(t, true)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "org_id", "title", "is_archived", "source", "external_id", "metadata", "created_at", "updated_at",
	}).AddRow("conv-1", "owner", "", "hello", false, "native", "", nil, time.Now(), time.Now())
	mock.ExpectQuery(`SELECT .+ FROM conversations WHERE id = \$1`).
		WithArgs("conv-1").WillReturnRows(rows)

	if _, err := s.GetConversation(ctx, UserScope("stranger"), "conv-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign read, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLAppendMessageDedupe(t *testing.T) {
	s, mock := newMockStore(t, true)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT user_id, is_archived FROM conversations WHERE id = \$1`).
		WithArgs("conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "is_archived"}).AddRow("user-1", false))
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM messages`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	msg := &models.Message{ConversationID: "conv-1", Role: models.RoleUser, Content: "hello"}
	if err := s.AppendMessage(ctx, UserScope("user-1"), msg); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate inside window, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLIncrementBudgetMissing(t *testing.T) {
	s, mock := newMockStore(t, true)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE usage_budgets SET current_spend = current_spend \+ \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.IncrementBudget(ctx, PrivilegedScope("gateway"), "org-1", "openai", "monthly", 1.5)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing budget row, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLMarkFactsStaleSingleStatement(t *testing.T) {
	s, mock := newMockStore(t, true)
	ctx := context.Background()
	asOf := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// One UPDATE with the expiry predicate inline; no follow-up revive pass
	// that would leave fresh rows transiently stale.
	mock.ExpectExec(`UPDATE knowledge_facts SET status = 'stale'\s+WHERE status = 'active' AND ttl_seconds > 0\s+AND updated_at \+ ttl_seconds \* interval '1 second' < \$1`).
		WithArgs(asOf).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.MarkFactsStale(ctx, PrivilegedScope("hygiene"), asOf)
	if err != nil {
		t.Fatalf("MarkFactsStale() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows marked, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLMarkFactsStaleSQLitePredicate(t *testing.T) {
	s, mock := newMockStore(t, false)
	ctx := context.Background()
	asOf := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE knowledge_facts SET status = 'stale'\s+WHERE status = 'active' AND ttl_seconds > 0\s+AND datetime\(updated_at, '\+' \|\| ttl_seconds \|\| ' seconds'\) < datetime\(\?\)`).
		WithArgs(asOf).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if _, err := s.MarkFactsStale(ctx, PrivilegedScope("hygiene"), asOf); err != nil {
		t.Fatalf("MarkFactsStale() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLMarkFactsStaleRequiresPrivilege(t *testing.T) {
	s, _ := newMockStore(t, true)
	if _, err := s.MarkFactsStale(context.Background(), UserScope("user-1"), time.Now()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
