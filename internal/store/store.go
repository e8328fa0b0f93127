// Package store is the persistence port: a narrow capability set over a
// relational store for conversations, messages, knowledge facts, usage rows,
// and budgets. Row ownership is enforced here and nowhere else; privileged
// subsystems (hygiene, tool bridge, orchestrator internals) bypass user scope
// with an explicit capability token, never by skipping checks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nexushq/relay/pkg/models"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a unique or dedupe violation.
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized indicates a row-ownership violation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnavailable indicates the backing store is unreachable.
	ErrUnavailable = errors.New("store unavailable")
)

// DedupeWindow is the span within which an identical (conversation, role,
// content) append is rejected as a duplicate.
const DedupeWindow = 2 * time.Second

// ScopeKind distinguishes user-scoped callers from privileged subsystems.
type ScopeKind string

const (
	ScopeUser       ScopeKind = "user"
	ScopePrivileged ScopeKind = "privileged"
)

// Scope is the capability token passed to every port operation.
type Scope struct {
	Kind      ScopeKind
	UserID    string
	Subsystem string
}

// UserScope returns a scope restricted to rows owned by the given user.
func UserScope(userID string) Scope {
	return Scope{Kind: ScopeUser, UserID: userID}
}

// PrivilegedScope returns a scope that bypasses row ownership, tagged with
// the subsystem name for auditing.
func PrivilegedScope(subsystem string) Scope {
	return Scope{Kind: ScopePrivileged, Subsystem: subsystem}
}

// CanAccess reports whether the scope may touch a row owned by ownerID.
func (s Scope) CanAccess(ownerID string) bool {
	if s.Kind == ScopePrivileged {
		return true
	}
	return s.UserID != "" && s.UserID == ownerID
}

// ListOptions pages conversation listings, newest first.
type ListOptions struct {
	// Archived filters by archival flag when non-nil.
	Archived *bool

	// Limit bounds the page size; zero means the store default.
	Limit int

	// Cursor is the id of the last conversation from the previous page.
	Cursor string
}

// MessageOptions pages message listings in created_at order.
type MessageOptions struct {
	// AfterID returns only messages created after the given message.
	AfterID string

	// Limit bounds the page size; zero means no limit.
	Limit int

	// Descending returns the newest messages first. Used for the bounded
	// history window; callers re-reverse for prompt order.
	Descending bool
}

// Subject pairs a subject type with its id for fact queries.
type Subject struct {
	Type models.SubjectType
	ID   string
}

// FactFilter selects knowledge facts.
type FactFilter struct {
	Subjects       []Subject
	Horizons       []models.Horizon
	Domains        []string
	Tags           []string
	MinConfidence  float64
	IncludeExpired bool
	Limit          int
}

// Store is the persistence port.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, scope Scope, c *models.Conversation) error
	GetConversation(ctx context.Context, scope Scope, id string) (*models.Conversation, error)
	FindConversationByExternal(ctx context.Context, scope Scope, source models.Source, userID, externalID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, scope Scope, userID string, opts ListOptions) ([]*models.Conversation, error)
	UpdateConversationTitle(ctx context.Context, scope Scope, id, title string) error
	ArchiveConversation(ctx context.Context, scope Scope, id string, archived bool) error
	DeleteConversation(ctx context.Context, scope Scope, id string) error

	// Messages
	AppendMessage(ctx context.Context, scope Scope, m *models.Message) error
	ListMessages(ctx context.Context, scope Scope, conversationID string, opts MessageOptions) ([]*models.Message, error)
	CountMessages(ctx context.Context, scope Scope, conversationID string) (int, error)
	DeleteMessages(ctx context.Context, scope Scope, conversationID string, ids []string) error

	// Knowledge facts
	UpsertFact(ctx context.Context, scope Scope, f *models.KnowledgeFact) error
	QueryFacts(ctx context.Context, scope Scope, filter FactFilter) ([]*models.KnowledgeFact, error)
	MarkFactsStale(ctx context.Context, scope Scope, asOf time.Time) (int64, error)

	// Usage accounting
	RecordUsage(ctx context.Context, scope Scope, u *models.ProviderUsage) error
	ListUsage(ctx context.Context, scope Scope, userID string, since time.Time) ([]*models.ProviderUsage, error)

	// Budgets
	GetBudget(ctx context.Context, scope Scope, orgID, provider, budgetType string) (*models.UsageBudget, error)
	SetBudget(ctx context.Context, scope Scope, b *models.UsageBudget) error
	IncrementBudget(ctx context.Context, scope Scope, orgID, provider, budgetType string, amount float64) error

	// ReadHealth reports store reachability.
	ReadHealth(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}

// canWriteFact enforces fact ownership: user scopes may only write facts
// about themselves; shared and agent subjects require a privileged scope.
func canWriteFact(scope Scope, f *models.KnowledgeFact) bool {
	if scope.Kind == ScopePrivileged {
		return true
	}
	return f.SubjectType == models.SubjectUser && scope.CanAccess(f.SubjectID)
}

// canReadFact enforces fact readability: shared facts are readable by anyone
// in the tenant, user facts only by their owner.
func canReadFact(scope Scope, f *models.KnowledgeFact) bool {
	if scope.Kind == ScopePrivileged {
		return true
	}
	switch f.SubjectType {
	case models.SubjectShared, models.SubjectAgent:
		return true
	case models.SubjectUser:
		return scope.CanAccess(f.SubjectID)
	default:
		return false
	}
}
