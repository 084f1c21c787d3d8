package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidRole is returned by SaveMessage for a role outside the closed set.
var ErrInvalidRole = errors.New("invalid message role")

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ValidRole reports whether role is one a message may carry.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

type Conversation struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"userId"`
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationStats is a conversation plus the number of messages in it.
type ConversationStats struct {
	Conversation
	MessageCount int `json:"messageCount"`
}

type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Name           *string         `json:"name,omitempty"`
	ToolCallID     *string         `json:"toolCallId,omitempty"`
	ToolCalls      json.RawMessage `json:"toolCalls,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	// Seq breaks created_at ties in insertion order.
	Seq int64 `json:"-"`
}

// ConversationStore persists conversations and their messages. Both the
// SQLite and Postgres stores implement it.
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, id, userID string) (Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	SetConversationTitle(ctx context.Context, id, title string) error
	SaveMessage(ctx context.Context, m Message) (Message, error)
	GetConversationHistory(ctx context.Context, conversationID string, limit int, beforeID string) ([]Message, error)
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	GetConversationWithStats(ctx context.Context, id string) (ConversationStats, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	ConversationPreviews(ctx context.Context, userID string, limit int) ([]Conversation, error)
	Close() error
}

const (
	DefaultHistoryLimit = 50
	DefaultRecentLimit  = 10
	DefaultPreviewLimit = 20
)

// timeLayout is fixed width so lexical order of stored strings matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
