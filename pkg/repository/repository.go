package repository

import (
	"context"
	"time"

	"github.com/m-mizutani/parley/pkg/model"
)

// Repository is the durable store of conversations, their messages and user
// profiles. Implementations must make AppendMessage, ClearMessages and
// DeleteConversation atomic: a reader never observes a partial result.
type Repository interface {
	// GetConversation returns model.ErrNotFound if no document exists
	GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error)

	// CreateConversation stores a new conversation document
	CreateConversation(ctx context.Context, conv *model.Conversation) error

	// ListConversations returns conversations owned by userID, most recently updated first
	ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error)

	// UpdateConversation applies the non-nil fields of update and touches updated_at
	UpdateConversation(ctx context.Context, id model.ConversationID, update model.ConversationUpdate, now time.Time) error

	// DeleteConversation removes the conversation and all of its messages in one atomic unit
	DeleteConversation(ctx context.Context, id model.ConversationID) error

	// AppendMessage stores msg with a store-assigned timestamp and, in the same
	// atomic write, updates updated_at, last_message, last_message_timestamp
	// and increments message_count by one. msg.Timestamp is set on return.
	AppendMessage(ctx context.Context, msg *model.Message) error

	// ListMessages returns messages of a conversation ordered by timestamp ascending
	ListMessages(ctx context.Context, id model.ConversationID) ([]*model.Message, error)

	// ClearMessages deletes every message and resets the preview fields and counter
	ClearMessages(ctx context.Context, id model.ConversationID) error

	// PutUser stores a user profile document
	PutUser(ctx context.Context, user *model.User) error
}
