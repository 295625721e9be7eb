package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultConversationTitle is used when a conversation is created without a title
	DefaultConversationTitle = "New Conversation"

	// PreviewLength is the maximum number of runes kept in Conversation.LastMessage
	PreviewLength = 100
)

type ConversationID string

// NewConversationID generates a new unique ConversationID
func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func (x ConversationID) String() string { return string(x) }

// Conversation is the metadata document of a chat. UserID is the sole
// ownership key and never changes after creation.
type Conversation struct {
	ID                   ConversationID `firestore:"-" json:"id"`
	UserID               string         `firestore:"user_id" json:"user_id"`
	Title                string         `firestore:"title" json:"title"`
	CreatedAt            time.Time      `firestore:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `firestore:"updated_at" json:"updated_at"`
	LastMessage          *string        `firestore:"last_message" json:"last_message"`
	LastMessageTimestamp *time.Time     `firestore:"last_message_timestamp" json:"last_message_timestamp"`
	MessageCount         int64          `firestore:"message_count" json:"message_count"`
	IsPinned             bool           `firestore:"is_pinned" json:"is_pinned"`
}

// NewConversation builds a fresh conversation owned by userID. An empty title
// falls back to DefaultConversationTitle.
func NewConversation(userID, title string, now time.Time) *Conversation {
	if title == "" {
		title = DefaultConversationTitle
	}
	return &Conversation{
		ID:        NewConversationID(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// OwnedBy reports whether uid is the owner of the conversation
func (x *Conversation) OwnedBy(uid string) bool {
	return uid != "" && x.UserID == uid
}

// ConversationUpdate carries the mutable fields of a conversation. Nil means
// "leave unchanged".
type ConversationUpdate struct {
	Title    *string `json:"title,omitempty"`
	IsPinned *bool   `json:"is_pinned,omitempty"`
}

func (x ConversationUpdate) IsEmpty() bool {
	return x.Title == nil && x.IsPinned == nil
}

// Preview truncates content to PreviewLength runes
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= PreviewLength {
		return content
	}
	return string(runes[:PreviewLength])
}
