// Package models defines the shared domain types for the Relay orchestration
// service: conversations, messages, knowledge facts, and usage accounting.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Source identifies how a conversation entered the store.
type Source string

const (
	// SourceNative marks conversations created by the chat orchestrator.
	SourceNative Source = "native"

	// SourceToolBridge marks conversations mirrored in from an external
	// agent runtime via the tool bridge.
	SourceToolBridge Source = "tool-bridge"
)

// Conversation is a persisted chat thread owned by a single user.
type Conversation struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	OrgID      string         `json:"org_id,omitempty"`
	Title      string         `json:"title"`
	IsArchived bool           `json:"is_archived"`
	Source     Source         `json:"source"`
	ExternalID string         `json:"external_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ValidRole reports whether r is one of the four transcript roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Message is a single entry in a conversation transcript. Messages within a
// conversation are totally ordered by CreatedAt.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	ToolCallID     string         `json:"tool_call_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ContentHash returns the deduplication hash for a message. Two messages in
// the same conversation with the same role and content hash are considered
// duplicates inside the dedupe window.
func (m *Message) ContentHash() string {
	sum := sha256.Sum256([]byte(string(m.Role) + "\x00" + m.Content))
	return hex.EncodeToString(sum[:])
}

// TitleFromContent derives a conversation title from the first user message:
// the first 50 characters, trimmed at a rune boundary.
func TitleFromContent(content string) string {
	const maxTitle = 50
	runes := []rune(content)
	if len(runes) <= maxTitle {
		return content
	}
	return string(runes[:maxTitle])
}
