package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/repository"
	"github.com/m-mizutani/parley/pkg/usecase/history"
	"github.com/m-mizutani/parley/pkg/utils/logging"
)

// MaxTitleLength bounds a conversation title, in runes
const MaxTitleLength = 200

// Manager is CRUD over conversation metadata scoped to the owner. Every
// operation that names a conversation checks ownership before reading or
// writing anything else, and reports a foreign conversation exactly like a
// missing one.
type Manager struct {
	repo    repository.Repository
	archive interfaces.Archive
	now     func() time.Time
}

type Option func(*Manager)

// WithArchive stores a JSON transcript of each conversation before it is deleted
func WithArchive(archive interfaces.Archive) Option {
	return func(x *Manager) {
		x.archive = archive
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *Manager) {
		x.now = now
	}
}

func New(repo repository.Repository, opts ...Option) *Manager {
	x := &Manager{
		repo: repo,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// authorize collapses missing and foreign conversations into one not-found error
func (x *Manager) authorize(ctx context.Context, id model.ConversationID, userID string) (*model.Conversation, error) {
	conv, err := history.Authorize(ctx, x.repo, id, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrAccessDenied) {
			logging.From(ctx).Info("conversation access rejected",
				"conversation_id", id,
				"user_id", userID,
				"error", err,
			)
			return nil, goerr.Wrap(model.ErrNotFound, "conversation not found or access denied")
		}
		return nil, err
	}
	return conv, nil
}

func validateTitle(title string) error {
	if err := validation.Validate(title, validation.Required, validation.RuneLength(1, MaxTitleLength)); err != nil {
		return goerr.Wrap(model.Categorize(model.ErrValidation, err), "invalid title")
	}
	return nil
}

// Create stores a new conversation owned by userID. An empty title becomes
// model.DefaultConversationTitle.
func (x *Manager) Create(ctx context.Context, userID, title string) (*model.Conversation, error) {
	if title != "" {
		if err := validateTitle(title); err != nil {
			return nil, err
		}
	}

	conv := model.NewConversation(userID, title, x.now())
	if err := x.repo.CreateConversation(ctx, conv); err != nil {
		return nil, goerr.Wrap(err, "failed to create conversation", goerr.V("user_id", userID))
	}

	logging.From(ctx).Info("conversation created", "conversation_id", conv.ID, "user_id", userID)
	return conv, nil
}

// List returns the conversations of userID, most recently updated first
func (x *Manager) List(ctx context.Context, userID string) ([]*model.Conversation, error) {
	convs, err := x.repo.ListConversations(ctx, userID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list conversations", goerr.V("user_id", userID))
	}
	return convs, nil
}

func (x *Manager) Get(ctx context.Context, id model.ConversationID, userID string) (*model.Conversation, error) {
	return x.authorize(ctx, id, userID)
}

// Messages returns the ordered log of a conversation owned by userID
func (x *Manager) Messages(ctx context.Context, id model.ConversationID, userID string) ([]*model.Message, error) {
	if _, err := x.authorize(ctx, id, userID); err != nil {
		return nil, err
	}

	msgs, err := x.repo.ListMessages(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list messages", goerr.V("conversation_id", id))
	}
	return msgs, nil
}

// Update renames or pins a conversation. An update with no fields fails with
// model.ErrValidation and changes nothing.
func (x *Manager) Update(ctx context.Context, id model.ConversationID, userID string, update model.ConversationUpdate) (*model.Conversation, error) {
	if _, err := x.authorize(ctx, id, userID); err != nil {
		return nil, err
	}

	if update.IsEmpty() {
		return nil, goerr.Wrap(model.Categorize(model.ErrValidation, model.ErrEmptyUpdate), "empty conversation update", goerr.V("conversation_id", id))
	}
	if update.Title != nil {
		if err := validateTitle(*update.Title); err != nil {
			return nil, err
		}
	}

	if err := x.repo.UpdateConversation(ctx, id, update, x.now()); err != nil {
		return nil, goerr.Wrap(err, "failed to update conversation", goerr.V("conversation_id", id))
	}

	conv, err := x.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get updated conversation", goerr.V("conversation_id", id))
	}
	return conv, nil
}

// Transcript is the archived form of a deleted conversation
type Transcript struct {
	Conversation *model.Conversation `json:"conversation"`
	Messages     []*model.Message    `json:"messages"`
	ArchivedAt   time.Time           `json:"archived_at"`
}

// ArchiveKey is the object name of the transcript of a conversation
func ArchiveKey(userID string, id model.ConversationID) string {
	return fmt.Sprintf("conversations/%s/%s.json", userID, id)
}

// Delete removes the conversation and all of its messages in one atomic
// operation. With an archive configured the transcript is written first and
// a failed archive aborts the delete.
func (x *Manager) Delete(ctx context.Context, id model.ConversationID, userID string) error {
	conv, err := x.authorize(ctx, id, userID)
	if err != nil {
		return err
	}

	if x.archive != nil {
		if err := x.archiveTranscript(ctx, conv); err != nil {
			return err
		}
	}

	if err := x.repo.DeleteConversation(ctx, id); err != nil {
		return goerr.Wrap(err, "failed to delete conversation", goerr.V("conversation_id", id))
	}

	logging.From(ctx).Info("conversation deleted", "conversation_id", id, "user_id", userID)
	return nil
}

func (x *Manager) archiveTranscript(ctx context.Context, conv *model.Conversation) error {
	msgs, err := x.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return goerr.Wrap(err, "failed to list messages for archive", goerr.V("conversation_id", conv.ID))
	}

	key := ArchiveKey(conv.UserID, conv.ID)
	w, err := x.archive.Put(ctx, key)
	if err != nil {
		return goerr.Wrap(model.Categorize(model.ErrStorage, err), "failed to open archive", goerr.V("key", key))
	}

	transcript := Transcript{Conversation: conv, Messages: msgs, ArchivedAt: x.now()}
	if err := json.NewEncoder(w).Encode(transcript); err != nil {
		_ = w.Close()
		return goerr.Wrap(model.Categorize(model.ErrStorage, err), "failed to write archive", goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(model.Categorize(model.ErrStorage, err), "failed to close archive", goerr.V("key", key))
	}
	return nil
}
