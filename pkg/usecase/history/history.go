package history

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/repository"
)

// History binds the stored message log of one conversation to the turn
// sequence handed to the LLM. It is request scoped: userID is the
// authenticated requester and never a value taken from a payload.
type History struct {
	repo           repository.Repository
	conversationID model.ConversationID
	userID         string
}

// Authorize fetches the conversation and checks that userID owns it. A
// missing conversation returns model.ErrNotFound and a foreign one returns
// model.ErrAccessDenied. No message data is read.
func Authorize(ctx context.Context, repo repository.Repository, id model.ConversationID, userID string) (*model.Conversation, error) {
	conv, err := repo.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		return nil, goerr.Wrap(err, "failed to get conversation", goerr.V("conversation_id", id))
	}

	if !conv.OwnedBy(userID) {
		return nil, goerr.Wrap(model.ErrAccessDenied, "conversation is not owned by requester",
			goerr.V("conversation_id", id),
			goerr.V("user_id", userID),
		)
	}

	return conv, nil
}

// Open verifies ownership and returns a History for the conversation
func Open(ctx context.Context, repo repository.Repository, conversationID model.ConversationID, userID string) (*History, error) {
	if _, err := Authorize(ctx, repo, conversationID, userID); err != nil {
		return nil, err
	}

	return &History{
		repo:           repo,
		conversationID: conversationID,
		userID:         userID,
	}, nil
}

func (x *History) ConversationID() model.ConversationID { return x.conversationID }
func (x *History) UserID() string                       { return x.userID }

// Messages returns the stored log ordered by timestamp ascending
func (x *History) Messages(ctx context.Context) ([]*model.Message, error) {
	msgs, err := x.repo.ListMessages(ctx, x.conversationID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list messages", goerr.V("conversation_id", x.conversationID))
	}
	return msgs, nil
}

// LoadTurns reads the whole log and maps it to the turn vocabulary. Every
// call reads the store again.
func (x *History) LoadTurns(ctx context.Context) ([]model.Turn, error) {
	msgs, err := x.Messages(ctx)
	if err != nil {
		return nil, err
	}

	turns := make([]model.Turn, 0, len(msgs))
	for _, msg := range msgs {
		turns = append(turns, model.Turn{
			Role:    model.ParseRole(string(msg.Role)),
			Content: msg.Content,
		})
	}
	return turns, nil
}

// AppendTurn durably stores one message. The conversation metadata is
// updated in the same atomic write.
func (x *History) AppendTurn(ctx context.Context, role model.Role, content string) (*model.Message, error) {
	msg := &model.Message{
		ID:             model.NewMessageID(),
		ConversationID: x.conversationID,
		Role:           role,
		Content:        content,
	}

	if err := x.repo.AppendMessage(ctx, msg); err != nil {
		return nil, goerr.Wrap(err, "failed to append turn",
			goerr.V("conversation_id", x.conversationID),
			goerr.V("role", role),
		)
	}
	return msg, nil
}

// Clear removes every message and resets the preview fields and counter
func (x *History) Clear(ctx context.Context) error {
	if err := x.repo.ClearMessages(ctx, x.conversationID); err != nil {
		return goerr.Wrap(err, "failed to clear history", goerr.V("conversation_id", x.conversationID))
	}
	return nil
}
