package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nexushq/relay/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLStore implements Store over database/sql. The same implementation
// serves Postgres and SQLite; queries are written with ? placeholders and
// rebound to $n for the postgres driver.
type SQLStore struct {
	db      *sql.DB
	rebinds bool
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	org_id      TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	is_archived BOOLEAN NOT NULL DEFAULT FALSE,
	source      TEXT NOT NULL DEFAULT 'native',
	external_id TEXT NOT NULL DEFAULT '',
	metadata    TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS conversations_external
	ON conversations (source, user_id, external_id) WHERE external_id <> '';
CREATE INDEX IF NOT EXISTS conversations_user ON conversations (user_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	content_hash    TEXT NOT NULL,
	tool_call_id    TEXT NOT NULL DEFAULT '',
	metadata        TEXT,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conversation ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS knowledge_facts (
	id           TEXT PRIMARY KEY,
	subject_type TEXT NOT NULL,
	subject_id   TEXT NOT NULL,
	horizon      TEXT NOT NULL,
	domain       TEXT NOT NULL,
	fact_key     TEXT NOT NULL,
	fact_value   TEXT,
	ttl_seconds  BIGINT NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'active',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	tags         TEXT,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL,
	UNIQUE (subject_type, subject_id, horizon, domain, fact_key)
);

CREATE TABLE IF NOT EXISTS provider_usage (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	task_type     TEXT NOT NULL,
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost          DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	success       BOOLEAN NOT NULL DEFAULT TRUE,
	request_id    TEXT NOT NULL DEFAULT '',
	metadata      TEXT,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS provider_usage_user ON provider_usage (user_id, created_at);

CREATE TABLE IF NOT EXISTS usage_budgets (
	org_id        TEXT NOT NULL,
	provider      TEXT NOT NULL,
	budget_type   TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	budget_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_spend DOUBLE PRECISION NOT NULL DEFAULT 0,
	reset_date    TIMESTAMP,
	PRIMARY KEY (org_id, provider, budget_type)
);
`

// OpenPostgres opens a Postgres-backed store from a connection URL.
func OpenPostgres(url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLStore(db, true)
}

// OpenSQLite opens a SQLite-backed store at the given file path.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	return newSQLStore(db, false)
}

// Open selects the store implementation from the persistence URL: postgres://
// selects Postgres, an empty URL the in-memory store, anything else SQLite.
func Open(url string) (Store, error) {
	switch {
	case url == "":
		return NewMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return OpenPostgres(url)
	default:
		return OpenSQLite(url)
	}
}

func newSQLStore(db *sql.DB, rebinds bool) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, rebinds: rebinds, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStoreFromDB wraps an existing database handle. Test hook for sqlmock.
func NewSQLStoreFromDB(db *sql.DB, postgres bool) *SQLStore {
	return &SQLStore{db: db, rebinds: postgres, now: time.Now}
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for the postgres driver.
func (s *SQLStore) rebind(query string) string {
	if !s.rebinds {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return res, mapSQLError(err)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	return rows, mapSQLError(err)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

// conversationOwner resolves the owner of a conversation for scope checks.
func (s *SQLStore) conversationOwner(ctx context.Context, id string) (userID string, archived bool, err error) {
	row := s.queryRow(ctx, `SELECT user_id, is_archived FROM conversations WHERE id = ?`, id)
	if err := row.Scan(&userID, &archived); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, ErrNotFound
		}
		return "", false, mapSQLError(err)
	}
	return userID, archived, nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, scope Scope, c *models.Conversation) error {
	if c == nil || c.UserID == "" {
		return ErrConflict
	}
	if !scope.CanAccess(c.UserID) {
		return ErrUnauthorized
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Source == "" {
		c.Source = models.SourceNative
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	c.UpdatedAt = c.CreatedAt

	meta, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO conversations (id, user_id, org_id, title, is_archived, source, external_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.OrgID, c.Title, c.IsArchived, string(c.Source), c.ExternalID, meta, c.CreatedAt, c.UpdatedAt)
	return err
}

const conversationColumns = `id, user_id, org_id, title, is_archived, source, external_id, metadata, created_at, updated_at`

func scanConversation(scanner interface{ Scan(...any) error }) (*models.Conversation, error) {
	var c models.Conversation
	var source string
	var meta sql.NullString
	err := scanner.Scan(&c.ID, &c.UserID, &c.OrgID, &c.Title, &c.IsArchived, &source, &c.ExternalID, &meta, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, mapSQLError(err)
	}
	c.Source = models.Source(source)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &c.Metadata)
	}
	return &c, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, scope Scope, id string) (*models.Conversation, error) {
	c, err := scanConversation(s.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if !scope.CanAccess(c.UserID) {
		return nil, ErrUnauthorized
	}
	return c, nil
}

func (s *SQLStore) FindConversationByExternal(ctx context.Context, scope Scope, source models.Source, userID, externalID string) (*models.Conversation, error) {
	if !scope.CanAccess(userID) {
		return nil, ErrUnauthorized
	}
	return scanConversation(s.queryRow(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE source = ? AND user_id = ? AND external_id = ?`,
		string(source), userID, externalID))
}

func (s *SQLStore) ListConversations(ctx context.Context, scope Scope, userID string, opts ListOptions) ([]*models.Conversation, error) {
	if userID == "" && scope.Kind != ScopePrivileged {
		return nil, ErrUnauthorized
	}
	if userID != "" && !scope.CanAccess(userID) {
		return nil, ErrUnauthorized
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if opts.Archived != nil {
		query += ` AND is_archived = ?`
		args = append(args, *opts.Archived)
	}
	if opts.Cursor != "" {
		query += ` AND created_at < (SELECT created_at FROM conversations WHERE id = ?)`
		args = append(args, opts.Cursor)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateConversationTitle(ctx context.Context, scope Scope, id, title string) error {
	owner, archived, err := s.conversationOwner(ctx, id)
	if err != nil {
		return err
	}
	if !scope.CanAccess(owner) {
		return ErrUnauthorized
	}
	if archived {
		return ErrConflict
	}
	_, err = s.exec(ctx, `UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`, title, s.now(), id)
	return err
}

func (s *SQLStore) ArchiveConversation(ctx context.Context, scope Scope, id string, archived bool) error {
	owner, _, err := s.conversationOwner(ctx, id)
	if err != nil {
		return err
	}
	if !scope.CanAccess(owner) {
		return ErrUnauthorized
	}
	_, err = s.exec(ctx, `UPDATE conversations SET is_archived = ?, updated_at = ? WHERE id = ?`, archived, s.now(), id)
	return err
}

func (s *SQLStore) DeleteConversation(ctx context.Context, scope Scope, id string) error {
	owner, _, err := s.conversationOwner(ctx, id)
	if err != nil {
		return err
	}
	if !scope.CanAccess(owner) {
		return ErrUnauthorized
	}
	if _, err := s.exec(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	_, err = s.exec(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

func (s *SQLStore) AppendMessage(ctx context.Context, scope Scope, m *models.Message) error {
	if m == nil || m.ConversationID == "" || !models.ValidRole(m.Role) {
		return ErrConflict
	}
	owner, _, err := s.conversationOwner(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	if !scope.CanAccess(owner) {
		return ErrUnauthorized
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	hash := m.ContentHash()

	var dup int
	row := s.queryRow(ctx, `
		SELECT COUNT(1) FROM messages
		WHERE conversation_id = ? AND role = ? AND content_hash = ? AND created_at > ?`,
		m.ConversationID, string(m.Role), hash, m.CreatedAt.Add(-DedupeWindow))
	if err := row.Scan(&dup); err != nil {
		return mapSQLError(err)
	}
	if dup > 0 {
		return ErrConflict
	}

	meta, err := marshalJSON(m.Metadata)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, content_hash, tool_call_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, hash, m.ToolCallID, meta, m.CreatedAt); err != nil {
		return err
	}
	_, err = s.exec(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, m.CreatedAt, m.ConversationID)
	return err
}

const messageColumns = `id, conversation_id, role, content, tool_call_id, metadata, created_at`

func scanMessage(scanner interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var role string
	var meta sql.NullString
	err := scanner.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.ToolCallID, &meta, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, mapSQLError(err)
	}
	m.Role = models.Role(role)
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
	}
	return &m, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, scope Scope, conversationID string, opts MessageOptions) ([]*models.Message, error) {
	owner, _, err := s.conversationOwner(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !scope.CanAccess(owner) {
		return nil, ErrUnauthorized
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if opts.AfterID != "" {
		query += ` AND created_at > (SELECT created_at FROM messages WHERE id = ?)`
		args = append(args, opts.AfterID)
	}
	if opts.Descending {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY created_at ASC, id ASC`
	}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountMessages(ctx context.Context, scope Scope, conversationID string) (int, error) {
	owner, _, err := s.conversationOwner(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !scope.CanAccess(owner) {
		return 0, ErrUnauthorized
	}
	var n int
	row := s.queryRow(ctx, `SELECT COUNT(1) FROM messages WHERE conversation_id = ?`, conversationID)
	if err := row.Scan(&n); err != nil {
		return 0, mapSQLError(err)
	}
	return n, nil
}

func (s *SQLStore) DeleteMessages(ctx context.Context, scope Scope, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	owner, _, err := s.conversationOwner(ctx, conversationID)
	if err != nil {
		return err
	}
	if !scope.CanAccess(owner) {
		return ErrUnauthorized
	}
	placeholders := strings.Repeat("?, ", len(ids))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, conversationID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err = s.exec(ctx, `DELETE FROM messages WHERE conversation_id = ? AND id IN (`+placeholders+`)`, args...)
	return err
}

func (s *SQLStore) UpsertFact(ctx context.Context, scope Scope, f *models.KnowledgeFact) error {
	if f == nil || f.SubjectID == "" || f.Domain == "" || f.FactKey == "" {
		return ErrConflict
	}
	if !canWriteFact(scope, f) {
		return ErrUnauthorized
	}
	f.Confidence = models.ClampConfidence(f.Confidence)
	f.Tags = models.NormalizeTags(f.Tags)
	if f.Status == "" {
		f.Status = models.FactActive
	}
	if f.TTLSeconds == 0 && f.Horizon == models.HorizonShort {
		f.TTLSeconds = int64(models.DefaultShortTTL / time.Second)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := s.now()
	f.UpdatedAt = now

	tags, err := marshalJSON(f.Tags)
	if err != nil {
		return err
	}

	// Upsert on the composite key preserves created_at and id.
	_, err = s.exec(ctx, `
		INSERT INTO knowledge_facts (id, subject_type, subject_id, horizon, domain, fact_key, fact_value, ttl_seconds, status, confidence, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_type, subject_id, horizon, domain, fact_key) DO UPDATE SET
			fact_value = excluded.fact_value,
			ttl_seconds = excluded.ttl_seconds,
			status = excluded.status,
			confidence = excluded.confidence,
			tags = excluded.tags,
			updated_at = excluded.updated_at`,
		f.ID, string(f.SubjectType), f.SubjectID, string(f.Horizon), f.Domain, f.FactKey,
		string(f.FactValue), f.TTLSeconds, string(f.Status), f.Confidence, tags, now, now)
	if err != nil {
		return err
	}

	row := s.queryRow(ctx, `
		SELECT id, created_at FROM knowledge_facts
		WHERE subject_type = ? AND subject_id = ? AND horizon = ? AND domain = ? AND fact_key = ?`,
		string(f.SubjectType), f.SubjectID, string(f.Horizon), f.Domain, f.FactKey)
	return mapSQLError(row.Scan(&f.ID, &f.CreatedAt))
}

func (s *SQLStore) QueryFacts(ctx context.Context, scope Scope, filter FactFilter) ([]*models.KnowledgeFact, error) {
	query := `SELECT id, subject_type, subject_id, horizon, domain, fact_key, fact_value, ttl_seconds, status, confidence, tags, created_at, updated_at
		FROM knowledge_facts WHERE 1=1`
	var args []any

	if len(filter.Subjects) > 0 {
		var clauses []string
		for _, subj := range filter.Subjects {
			clauses = append(clauses, `(subject_type = ? AND subject_id = ?)`)
			args = append(args, string(subj.Type), subj.ID)
		}
		query += ` AND (` + strings.Join(clauses, " OR ") + `)`
	}
	if len(filter.Horizons) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Horizons)), ", ")
		query += ` AND horizon IN (` + ph + `)`
		for _, h := range filter.Horizons {
			args = append(args, string(h))
		}
	}
	if len(filter.Domains) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Domains)), ", ")
		query += ` AND domain IN (` + ph + `)`
		for _, d := range filter.Domains {
			args = append(args, d)
		}
	}
	if filter.MinConfidence > 0 {
		query += ` AND confidence >= ?`
		args = append(args, filter.MinConfidence)
	}
	if !filter.IncludeExpired {
		query += ` AND status = 'active'`
	} else {
		query += ` AND status <> 'revoked'`
	}
	query += ` ORDER BY confidence DESC, updated_at DESC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := s.now()
	var out []*models.KnowledgeFact
	for rows.Next() {
		var f models.KnowledgeFact
		var subjectType, horizon, status, factValue string
		var tags sql.NullString
		if err := rows.Scan(&f.ID, &subjectType, &f.SubjectID, &horizon, &f.Domain, &f.FactKey,
			&factValue, &f.TTLSeconds, &status, &f.Confidence, &tags, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, mapSQLError(err)
		}
		f.SubjectType = models.SubjectType(subjectType)
		f.Horizon = models.Horizon(horizon)
		f.Status = models.FactStatus(status)
		f.FactValue = json.RawMessage(factValue)
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &f.Tags)
		}
		if !canReadFact(scope, &f) {
			continue
		}
		// TTL past updated_at is stale regardless of status.
		if !filter.IncludeExpired && f.Expired(now) {
			continue
		}
		if len(filter.Tags) > 0 && !hasAllTags(f.Tags, filter.Tags) {
			continue
		}
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, mapSQLError(err)
	}

	// Horizon priority ordering happens here so both implementations agree.
	sortFacts(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func sortFacts(facts []*models.KnowledgeFact) {
	// Insertion-stable ordering: horizon priority, confidence desc, recency.
	for i := 1; i < len(facts); i++ {
		for j := i; j > 0 && factLess(facts[j], facts[j-1]); j-- {
			facts[j], facts[j-1] = facts[j-1], facts[j]
		}
	}
}

func factLess(a, b *models.KnowledgeFact) bool {
	if a.Horizon.Priority() != b.Horizon.Priority() {
		return a.Horizon.Priority() < b.Horizon.Priority()
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func hasAllTags(have, want []string) bool {
	for _, tag := range want {
		if !containsString(have, tag) {
			return false
		}
	}
	return true
}

func (s *SQLStore) MarkFactsStale(ctx context.Context, scope Scope, asOf time.Time) (int64, error) {
	if scope.Kind != ScopePrivileged {
		return 0, ErrUnauthorized
	}
	// Per-row TTL arithmetic differs by dialect, but it must live in one
	// statement: a mark-then-revive pass would leave non-expired rows
	// transiently stale for concurrent readers.
	expired := `updated_at + ttl_seconds * interval '1 second' < ?`
	if !s.rebinds {
		expired = `datetime(updated_at, '+' || ttl_seconds || ' seconds') < datetime(?)`
	}
	res, err := s.exec(ctx, `
		UPDATE knowledge_facts SET status = 'stale'
		WHERE status = 'active' AND ttl_seconds > 0
		AND `+expired, asOf)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) RecordUsage(ctx context.Context, scope Scope, u *models.ProviderUsage) error {
	if u == nil {
		return ErrConflict
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	meta, err := marshalJSON(u.Metadata)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO provider_usage (id, user_id, provider, model, task_type, input_tokens, output_tokens, cost, latency_ms, success, request_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.UserID, u.Provider, u.Model, string(u.TaskType), u.InputTokens, u.OutputTokens,
		u.Cost, u.LatencyMS, u.Success, u.RequestID, meta, u.CreatedAt)
	return err
}

func (s *SQLStore) ListUsage(ctx context.Context, scope Scope, userID string, since time.Time) ([]*models.ProviderUsage, error) {
	if userID == "" && scope.Kind != ScopePrivileged {
		return nil, ErrUnauthorized
	}
	if userID != "" && !scope.CanAccess(userID) {
		return nil, ErrUnauthorized
	}
	query := `SELECT id, user_id, provider, model, task_type, input_tokens, output_tokens, cost, latency_ms, success, request_id, created_at
		FROM provider_usage WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ProviderUsage
	for rows.Next() {
		var u models.ProviderUsage
		var taskType string
		if err := rows.Scan(&u.ID, &u.UserID, &u.Provider, &u.Model, &taskType, &u.InputTokens,
			&u.OutputTokens, &u.Cost, &u.LatencyMS, &u.Success, &u.RequestID, &u.CreatedAt); err != nil {
			return nil, mapSQLError(err)
		}
		u.TaskType = models.TaskRole(taskType)
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetBudget(ctx context.Context, scope Scope, orgID, provider, budgetType string) (*models.UsageBudget, error) {
	var b models.UsageBudget
	var reset sql.NullTime
	row := s.queryRow(ctx, `
		SELECT org_id, provider, budget_type, is_active, budget_amount, current_spend, reset_date
		FROM usage_budgets WHERE org_id = ? AND provider = ? AND budget_type = ?`,
		orgID, provider, budgetType)
	if err := row.Scan(&b.OrgID, &b.Provider, &b.BudgetType, &b.IsActive, &b.BudgetAmount, &b.CurrentSpend, &reset); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, mapSQLError(err)
	}
	if reset.Valid {
		b.ResetDate = reset.Time
	}
	return &b, nil
}

func (s *SQLStore) SetBudget(ctx context.Context, scope Scope, b *models.UsageBudget) error {
	if b == nil || b.Provider == "" {
		return ErrConflict
	}
	if scope.Kind != ScopePrivileged {
		return ErrUnauthorized
	}
	_, err := s.exec(ctx, `
		INSERT INTO usage_budgets (org_id, provider, budget_type, is_active, budget_amount, current_spend, reset_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, provider, budget_type) DO UPDATE SET
			is_active = excluded.is_active,
			budget_amount = excluded.budget_amount,
			current_spend = excluded.current_spend,
			reset_date = excluded.reset_date`,
		b.OrgID, b.Provider, b.BudgetType, b.IsActive, b.BudgetAmount, b.CurrentSpend, b.ResetDate)
	return err
}

func (s *SQLStore) IncrementBudget(ctx context.Context, scope Scope, orgID, provider, budgetType string, amount float64) error {
	// Single-statement arithmetic keeps the read-modify-write atomic.
	res, err := s.exec(ctx, `
		UPDATE usage_budgets SET current_spend = current_spend + ?
		WHERE org_id = ? AND provider = ? AND budget_type = ?`,
		amount, orgID, provider, budgetType)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ReadHealth(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}
