package repository

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionConversations = "conversations"
	collectionMessages      = "messages"
	collectionUsers         = "users"
)

// Firestore implements Repository on Cloud Firestore. Messages live in the
// "messages" subcollection of their conversation document.
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

// New creates a Firestore repository for the given project and database
func New(ctx context.Context, projectID, databaseID string, opts ...option.ClientOption) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID),
		)
	}

	return &Firestore{client: client}, nil
}

// Close releases the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) conversation(id model.ConversationID) *firestore.DocumentRef {
	return r.client.Collection(collectionConversations).Doc(string(id))
}

func (r *Firestore) messages(id model.ConversationID) *firestore.CollectionRef {
	return r.conversation(id).Collection(collectionMessages)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func storageError(err error, msg string, opts ...goerr.Option) error {
	return goerr.Wrap(model.Categorize(model.ErrStorage, err), msg, opts...)
}

func notFoundError(id model.ConversationID) error {
	return goerr.Wrap(model.ErrNotFound, "conversation not found", goerr.V("conversation_id", id))
}

func (r *Firestore) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	doc, err := r.conversation(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, notFoundError(id)
		}
		return nil, storageError(err, "failed to get conversation", goerr.V("conversation_id", id))
	}

	var conv model.Conversation
	if err := doc.DataTo(&conv); err != nil {
		return nil, storageError(err, "failed to decode conversation", goerr.V("conversation_id", id))
	}
	conv.ID = id

	return &conv, nil
}

func (r *Firestore) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if _, err := r.conversation(conv.ID).Create(ctx, conv); err != nil {
		return storageError(err, "failed to create conversation", goerr.V("conversation_id", conv.ID))
	}
	return nil
}

func (r *Firestore) ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error) {
	iter := r.client.Collection(collectionConversations).
		Where("user_id", "==", userID).
		OrderBy("updated_at", firestore.Desc).
		Documents(ctx)
	defer iter.Stop()

	var conversations []*model.Conversation
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, storageError(err, "failed to list conversations", goerr.V("user_id", userID))
		}

		var conv model.Conversation
		if err := doc.DataTo(&conv); err != nil {
			return nil, storageError(err, "failed to decode conversation", goerr.V("doc_id", doc.Ref.ID))
		}
		conv.ID = model.ConversationID(doc.Ref.ID)
		conversations = append(conversations, &conv)
	}

	return conversations, nil
}

func (r *Firestore) UpdateConversation(ctx context.Context, id model.ConversationID, update model.ConversationUpdate, now time.Time) error {
	updates := []firestore.Update{
		{Path: "updated_at", Value: now},
	}
	if update.Title != nil {
		updates = append(updates, firestore.Update{Path: "title", Value: *update.Title})
	}
	if update.IsPinned != nil {
		updates = append(updates, firestore.Update{Path: "is_pinned", Value: *update.IsPinned})
	}

	if _, err := r.conversation(id).Update(ctx, updates); err != nil {
		if isNotFound(err) {
			return notFoundError(id)
		}
		return storageError(err, "failed to update conversation", goerr.V("conversation_id", id))
	}
	return nil
}

func (r *Firestore) DeleteConversation(ctx context.Context, id model.ConversationID) error {
	convRef := r.conversation(id)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(convRef); err != nil {
			return err
		}

		docs, err := tx.Documents(r.messages(id)).GetAll()
		if err != nil {
			return err
		}

		for _, doc := range docs {
			if err := tx.Delete(doc.Ref); err != nil {
				return err
			}
		}
		return tx.Delete(convRef)
	})
	if err != nil {
		if isNotFound(err) {
			return notFoundError(id)
		}
		return storageError(err, "failed to delete conversation", goerr.V("conversation_id", id))
	}

	return nil
}

func (r *Firestore) AppendMessage(ctx context.Context, msg *model.Message) error {
	convRef := r.conversation(msg.ConversationID)
	msgRef := r.messages(msg.ConversationID).Doc(string(msg.ID))

	// Timestamp is left zero so that the serverTimestamp tag applies; the
	// metadata fields receive the same commit time.
	msg.Timestamp = time.Time{}

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := tx.Create(msgRef, msg); err != nil {
			return err
		}
		return tx.Update(convRef, []firestore.Update{
			{Path: "updated_at", Value: firestore.ServerTimestamp},
			{Path: "last_message", Value: model.Preview(msg.Content)},
			{Path: "last_message_timestamp", Value: firestore.ServerTimestamp},
			{Path: "message_count", Value: firestore.Increment(1)},
		})
	})
	if err != nil {
		if isNotFound(err) {
			return notFoundError(msg.ConversationID)
		}
		return storageError(err, "failed to append message",
			goerr.V("conversation_id", msg.ConversationID),
			goerr.V("message_id", msg.ID),
		)
	}

	doc, err := msgRef.Get(ctx)
	if err != nil {
		return storageError(err, "failed to read back appended message", goerr.V("message_id", msg.ID))
	}
	if ts, ok := doc.Data()["timestamp"].(time.Time); ok {
		msg.Timestamp = ts
	}

	return nil
}

func (r *Firestore) ListMessages(ctx context.Context, id model.ConversationID) ([]*model.Message, error) {
	iter := r.messages(id).OrderBy("timestamp", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var messages []*model.Message
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, storageError(err, "failed to list messages", goerr.V("conversation_id", id))
		}

		var msg model.Message
		if err := doc.DataTo(&msg); err != nil {
			return nil, storageError(err, "failed to decode message", goerr.V("doc_id", doc.Ref.ID))
		}
		msg.ID = model.MessageID(doc.Ref.ID)
		messages = append(messages, &msg)
	}

	return messages, nil
}

func (r *Firestore) ClearMessages(ctx context.Context, id model.ConversationID) error {
	convRef := r.conversation(id)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := tx.Documents(r.messages(id)).GetAll()
		if err != nil {
			return err
		}

		for _, doc := range docs {
			if err := tx.Delete(doc.Ref); err != nil {
				return err
			}
		}
		return tx.Update(convRef, []firestore.Update{
			{Path: "last_message", Value: nil},
			{Path: "last_message_timestamp", Value: nil},
			{Path: "message_count", Value: 0},
		})
	})
	if err != nil {
		if isNotFound(err) {
			return notFoundError(id)
		}
		return storageError(err, "failed to clear messages", goerr.V("conversation_id", id))
	}

	return nil
}

func (r *Firestore) PutUser(ctx context.Context, user *model.User) error {
	if _, err := r.client.Collection(collectionUsers).Doc(user.UID).Set(ctx, user); err != nil {
		return storageError(err, "failed to put user", goerr.V("uid", user.UID))
	}
	return nil
}
