package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexushq/relay/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs. All methods copy on read and write so callers never share
// internal state.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	facts         map[string]*models.KnowledgeFact
	usage         []*models.ProviderUsage
	budgets       map[string]*models.UsageBudget
	now           func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[string]*models.Conversation{},
		messages:      map[string][]*models.Message{},
		facts:         map[string]*models.KnowledgeFact{},
		budgets:       map[string]*models.UsageBudget{},
		now:           time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) CreateConversation(ctx context.Context, scope Scope, c *models.Conversation) error {
	if c == nil || c.UserID == "" {
		return ErrConflict
	}
	if !scope.CanAccess(c.UserID) {
		return ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ExternalID != "" {
		for _, existing := range m.conversations {
			if existing.Source == c.Source && existing.UserID == c.UserID && existing.ExternalID == c.ExternalID {
				return ErrConflict
			}
		}
	}

	clone := cloneConversation(c)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.Source == "" {
		clone.Source = models.SourceNative
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = m.now()
	}
	clone.UpdatedAt = clone.CreatedAt

	c.ID = clone.ID
	c.Source = clone.Source
	c.CreatedAt = clone.CreatedAt
	c.UpdatedAt = clone.UpdatedAt
	m.conversations[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetConversation(ctx context.Context, scope Scope, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !scope.CanAccess(c.UserID) {
		return nil, ErrUnauthorized
	}
	return cloneConversation(c), nil
}

func (m *MemoryStore) FindConversationByExternal(ctx context.Context, scope Scope, source models.Source, userID, externalID string) (*models.Conversation, error) {
	if !scope.CanAccess(userID) {
		return nil, ErrUnauthorized
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.conversations {
		if c.Source == source && c.UserID == userID && c.ExternalID == externalID {
			return cloneConversation(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListConversations(ctx context.Context, scope Scope, userID string, opts ListOptions) ([]*models.Conversation, error) {
	if userID == "" && scope.Kind != ScopePrivileged {
		return nil, ErrUnauthorized
	}
	if userID != "" && !scope.CanAccess(userID) {
		return nil, ErrUnauthorized
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Conversation
	for _, c := range m.conversations {
		if userID != "" && c.UserID != userID {
			continue
		}
		if opts.Archived != nil && c.IsArchived != *opts.Archived {
			continue
		}
		out = append(out, cloneConversation(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if opts.Cursor != "" {
		idx := -1
		for i, c := range out {
			if c.ID == opts.Cursor {
				idx = i
				break
			}
		}
		if idx >= 0 {
			out = out[idx+1:]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateConversationTitle(ctx context.Context, scope Scope, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if !scope.CanAccess(c.UserID) {
		return ErrUnauthorized
	}
	// Archived conversations are read-only except for the archival flag.
	if c.IsArchived {
		return ErrConflict
	}
	c.Title = title
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) ArchiveConversation(ctx context.Context, scope Scope, id string, archived bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if !scope.CanAccess(c.UserID) {
		return ErrUnauthorized
	}
	c.IsArchived = archived
	c.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) DeleteConversation(ctx context.Context, scope Scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if !scope.CanAccess(c.UserID) {
		return ErrUnauthorized
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, scope Scope, msg *models.Message) error {
	if msg == nil || msg.ConversationID == "" || !models.ValidRole(msg.Role) {
		return ErrConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if !scope.CanAccess(c.UserID) {
		return ErrUnauthorized
	}

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = m.now()
	}

	// Reject duplicate appends inside the dedupe window.
	hash := clone.ContentHash()
	history := m.messages[msg.ConversationID]
	for i := len(history) - 1; i >= 0; i-- {
		prev := history[i]
		if clone.CreatedAt.Sub(prev.CreatedAt) > DedupeWindow {
			break
		}
		if prev.Role == clone.Role && prev.ContentHash() == hash {
			return ErrConflict
		}
	}

	m.messages[msg.ConversationID] = append(history, clone)
	c.UpdatedAt = clone.CreatedAt
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, scope Scope, conversationID string, opts MessageOptions) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if !scope.CanAccess(c.UserID) {
		return nil, ErrUnauthorized
	}

	history := m.messages[conversationID]
	out := make([]*models.Message, 0, len(history))
	skipping := opts.AfterID != ""
	for _, msg := range history {
		if skipping {
			if msg.ID == opts.AfterID {
				skipping = false
			}
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	if opts.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemoryStore) CountMessages(ctx context.Context, scope Scope, conversationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return 0, ErrNotFound
	}
	if !scope.CanAccess(c.UserID) {
		return 0, ErrUnauthorized
	}
	return len(m.messages[conversationID]), nil
}

func (m *MemoryStore) DeleteMessages(ctx context.Context, scope Scope, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !scope.CanAccess(c.UserID) {
		return ErrUnauthorized
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	history := m.messages[conversationID]
	kept := history[:0]
	for _, msg := range history {
		if !drop[msg.ID] {
			kept = append(kept, msg)
		}
	}
	m.messages[conversationID] = kept
	return nil
}

func (m *MemoryStore) UpsertFact(ctx context.Context, scope Scope, f *models.KnowledgeFact) error {
	if f == nil || f.SubjectID == "" || f.Domain == "" || f.FactKey == "" {
		return ErrConflict
	}
	if !canWriteFact(scope, f) {
		return ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneFact(f)
	clone.Confidence = models.ClampConfidence(clone.Confidence)
	clone.Tags = models.NormalizeTags(clone.Tags)
	if clone.Status == "" {
		clone.Status = models.FactActive
	}
	if clone.TTLSeconds == 0 && clone.Horizon == models.HorizonShort {
		clone.TTLSeconds = int64(models.DefaultShortTTL / time.Second)
	}
	clone.UpdatedAt = m.now()

	key := clone.Key()
	if existing, ok := m.facts[key]; ok {
		clone.ID = existing.ID
		clone.CreatedAt = existing.CreatedAt
	} else {
		if clone.ID == "" {
			clone.ID = uuid.NewString()
		}
		clone.CreatedAt = clone.UpdatedAt
	}
	m.facts[key] = clone

	f.ID = clone.ID
	f.Status = clone.Status
	f.Confidence = clone.Confidence
	f.Tags = append([]string(nil), clone.Tags...)
	f.TTLSeconds = clone.TTLSeconds
	f.CreatedAt = clone.CreatedAt
	f.UpdatedAt = clone.UpdatedAt
	return nil
}

func (m *MemoryStore) QueryFacts(ctx context.Context, scope Scope, filter FactFilter) ([]*models.KnowledgeFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var out []*models.KnowledgeFact
	for _, f := range m.facts {
		if !canReadFact(scope, f) {
			continue
		}
		if !matchFilter(f, filter, now) {
			continue
		}
		out = append(out, cloneFact(f))
	}

	// Horizon priority, then confidence desc, then recency desc.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Horizon.Priority() != out[j].Horizon.Priority() {
			return out[i].Horizon.Priority() < out[j].Horizon.Priority()
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchFilter(f *models.KnowledgeFact, filter FactFilter, now time.Time) bool {
	if len(filter.Subjects) > 0 {
		found := false
		for _, s := range filter.Subjects {
			if f.SubjectType == s.Type && f.SubjectID == s.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.Horizons) > 0 && !containsHorizon(filter.Horizons, f.Horizon) {
		return false
	}
	if len(filter.Domains) > 0 && !containsString(filter.Domains, f.Domain) {
		return false
	}
	if len(filter.Tags) > 0 {
		for _, want := range filter.Tags {
			if !containsString(f.Tags, want) {
				return false
			}
		}
	}
	if filter.MinConfidence > 0 && f.Confidence < filter.MinConfidence {
		return false
	}
	if !filter.IncludeExpired {
		if f.Status != models.FactActive || f.Expired(now) {
			return false
		}
	} else if f.Status == models.FactRevoked {
		return false
	}
	return true
}

func (m *MemoryStore) MarkFactsStale(ctx context.Context, scope Scope, asOf time.Time) (int64, error) {
	if scope.Kind != ScopePrivileged {
		return 0, ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, f := range m.facts {
		if f.Status == models.FactActive && f.Expired(asOf) {
			f.Status = models.FactStale
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RecordUsage(ctx context.Context, scope Scope, u *models.ProviderUsage) error {
	if u == nil {
		return ErrConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *u
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = m.now()
	}
	u.ID = clone.ID
	u.CreatedAt = clone.CreatedAt
	m.usage = append(m.usage, &clone)
	return nil
}

func (m *MemoryStore) ListUsage(ctx context.Context, scope Scope, userID string, since time.Time) ([]*models.ProviderUsage, error) {
	if userID == "" && scope.Kind != ScopePrivileged {
		return nil, ErrUnauthorized
	}
	if userID != "" && !scope.CanAccess(userID) {
		return nil, ErrUnauthorized
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ProviderUsage
	for _, u := range m.usage {
		if userID != "" && u.UserID != userID {
			continue
		}
		if !since.IsZero() && u.CreatedAt.Before(since) {
			continue
		}
		clone := *u
		out = append(out, &clone)
	}
	return out, nil
}

func budgetKey(orgID, provider, budgetType string) string {
	return strings.Join([]string{orgID, provider, budgetType}, "|")
}

func (m *MemoryStore) GetBudget(ctx context.Context, scope Scope, orgID, provider, budgetType string) (*models.UsageBudget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.budgets[budgetKey(orgID, provider, budgetType)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (m *MemoryStore) SetBudget(ctx context.Context, scope Scope, b *models.UsageBudget) error {
	if b == nil || b.Provider == "" {
		return ErrConflict
	}
	if scope.Kind != ScopePrivileged {
		return ErrUnauthorized
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *b
	m.budgets[budgetKey(b.OrgID, b.Provider, b.BudgetType)] = &clone
	return nil
}

func (m *MemoryStore) IncrementBudget(ctx context.Context, scope Scope, orgID, provider, budgetType string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.budgets[budgetKey(orgID, provider, budgetType)]
	if !ok {
		return ErrNotFound
	}
	b.CurrentSpend += amount
	return nil
}

func (m *MemoryStore) ReadHealth(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	clone := *c
	if c.Metadata != nil {
		clone.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneMessage(m *models.Message) *models.Message {
	clone := *m
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneFact(f *models.KnowledgeFact) *models.KnowledgeFact {
	clone := *f
	clone.Tags = append([]string(nil), f.Tags...)
	clone.FactValue = append([]byte(nil), f.FactValue...)
	return &clone
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func containsHorizon(list []models.Horizon, want models.Horizon) bool {
	for _, h := range list {
		if h == want {
			return true
		}
	}
	return false
}
