package bridge

import (
	"context"
	"errors"

	"github.com/nexushq/relay/internal/observability"
	"github.com/nexushq/relay/internal/relayerr"
	"github.com/nexushq/relay/internal/store"
	"github.com/nexushq/relay/pkg/models"
)

// SyncMessage is one transcript entry in a sync payload. ID, when supplied
// by the agent runtime, is the runtime's stable message id and drives
// duplicate detection across replays.
type SyncMessage struct {
	ID       string         `json:"id,omitempty"`
	Role     models.Role    `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SyncPayload mirrors one external conversation into the store.
type SyncPayload struct {
	UserID         string         `json:"userId"`
	ConversationID string         `json:"conversationId"`
	Title          string         `json:"title,omitempty"`
	Messages       []SyncMessage  `json:"messages"`
	Model          string         `json:"model,omitempty"`
	SystemPrompt   string         `json:"systemPrompt,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// SyncResult reports the outcome of one sync call.
type SyncResult struct {
	ConversationID string `json:"conversationId"`
	Created        bool   `json:"created"`
	Appended       int    `json:"appended"`
}

// SyncService upserts mirrored conversations keyed by (source, external id)
// and appends only messages not already present, preserving payload order.
// Replaying the same payload is a no-op.
type SyncService struct {
	store  store.Store
	hub    *Hub
	logger *observability.Logger
}

// NewSyncService creates the sync service. hub may be nil.
func NewSyncService(st store.Store, hub *Hub, logger *observability.Logger) *SyncService {
	return &SyncService{store: st, hub: hub, logger: logger}
}

// Sync imports one payload.
func (s *SyncService) Sync(ctx context.Context, p *SyncPayload) (*SyncResult, error) {
	if p.UserID == "" {
		return nil, relayerr.New(relayerr.KindUnauthorized, "no connected user")
	}
	if p.ConversationID == "" {
		return nil, relayerr.New(relayerr.KindInvalidRequest, "conversationId is required")
	}

	scope := store.PrivilegedScope("tool-bridge")
	result := &SyncResult{}

	conv, err := s.store.FindConversationByExternal(ctx, scope, models.SourceToolBridge, p.UserID, p.ConversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		conv = &models.Conversation{
			UserID:     p.UserID,
			Title:      s.titleFor(p),
			Source:     models.SourceToolBridge,
			ExternalID: p.ConversationID,
			Metadata:   conversationMetadata(p),
		}
		if err := s.store.CreateConversation(ctx, scope, conv); err != nil {
			return nil, s.mapStoreErr(err)
		}
		result.Created = true
	case err != nil:
		return nil, s.mapStoreErr(err)
	default:
		if p.Title != "" && conv.Title != p.Title {
			if err := s.store.UpdateConversationTitle(ctx, scope, conv.ID, p.Title); err != nil {
				return nil, s.mapStoreErr(err)
			}
		}
	}
	result.ConversationID = conv.ID

	existing, err := s.store.ListMessages(ctx, scope, conv.ID, store.MessageOptions{})
	if err != nil {
		return nil, s.mapStoreErr(err)
	}
	byExternal := make(map[string]bool, len(existing))
	byContent := make(map[string]bool, len(existing))
	for _, m := range existing {
		if ext, ok := m.Metadata["external_id"].(string); ok && ext != "" {
			byExternal[ext] = true
		}
		byContent[contentKey(m.Role, m.Content)] = true
	}

	for _, in := range p.Messages {
		if !models.ValidRole(in.Role) {
			return nil, relayerr.New(relayerr.KindInvalidRequest, "invalid message role in payload")
		}
		if in.ID != "" && byExternal[in.ID] {
			continue
		}
		if in.ID == "" && byContent[contentKey(in.Role, in.Content)] {
			continue
		}

		msg := &models.Message{
			ConversationID: conv.ID,
			Role:           in.Role,
			Content:        in.Content,
			Metadata:       messageMetadata(in),
		}
		if err := s.store.AppendMessage(ctx, scope, msg); err != nil {
			// The dedupe window catches rapid replays the id/content sets
			// could not see. Not a failure.
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return nil, s.mapStoreErr(err)
		}
		if in.ID != "" {
			byExternal[in.ID] = true
		}
		byContent[contentKey(in.Role, in.Content)] = true
		result.Appended++
		if s.hub != nil {
			s.hub.Publish(p.UserID, msg)
		}
	}

	s.logger.Debug(ctx, "conversation synced",
		"conversation_id", conv.ID, "created", result.Created, "appended", result.Appended)
	return result, nil
}

// Conversations lists the mirrored conversations for a user.
func (s *SyncService) Conversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	if userID == "" {
		return nil, relayerr.New(relayerr.KindUnauthorized, "no connected user")
	}
	convs, err := s.store.ListConversations(ctx, store.UserScope(userID), userID, store.ListOptions{})
	if err != nil {
		return nil, s.mapStoreErr(err)
	}
	return convs, nil
}

// Conversation reads one conversation with its messages, scoped to the user.
func (s *SyncService) Conversation(ctx context.Context, userID, id string) (*models.Conversation, []*models.Message, error) {
	if userID == "" {
		return nil, nil, relayerr.New(relayerr.KindUnauthorized, "no connected user")
	}
	scope := store.UserScope(userID)
	conv, err := s.store.GetConversation(ctx, scope, id)
	if err != nil {
		return nil, nil, s.mapStoreErr(err)
	}
	msgs, err := s.store.ListMessages(ctx, scope, id, store.MessageOptions{})
	if err != nil {
		return nil, nil, s.mapStoreErr(err)
	}
	return conv, msgs, nil
}

func (s *SyncService) titleFor(p *SyncPayload) string {
	if p.Title != "" {
		return p.Title
	}
	for _, m := range p.Messages {
		if m.Role == models.RoleUser {
			return models.TitleFromContent(m.Content)
		}
	}
	return "Untitled Conversation"
}

func (s *SyncService) mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return relayerr.Wrap(relayerr.KindNotFound, err)
	case errors.Is(err, store.ErrUnauthorized):
		return relayerr.Wrap(relayerr.KindUnauthorized, err)
	case errors.Is(err, store.ErrConflict):
		return relayerr.Wrap(relayerr.KindConflict, err)
	case errors.Is(err, store.ErrUnavailable):
		return relayerr.Wrap(relayerr.KindUnavailable, err)
	default:
		return relayerr.Wrap(relayerr.KindInternal, err)
	}
}

func conversationMetadata(p *SyncPayload) map[string]any {
	meta := make(map[string]any, len(p.Metadata)+2)
	for k, v := range p.Metadata {
		meta[k] = v
	}
	if p.Model != "" {
		meta["model"] = p.Model
	}
	if p.SystemPrompt != "" {
		meta["system_prompt"] = p.SystemPrompt
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func messageMetadata(in SyncMessage) map[string]any {
	meta := make(map[string]any, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	if in.ID != "" {
		meta["external_id"] = in.ID
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func contentKey(role models.Role, content string) string {
	return string(role) + "\x00" + content
}
