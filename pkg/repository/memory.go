package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/model"
)

// Memory is an in-process Repository for local development and tests. A
// single mutex serializes every operation, which gives the same atomicity as
// a Firestore transaction.
type Memory struct {
	mu            sync.Mutex
	conversations map[model.ConversationID]*model.Conversation
	messages      map[model.ConversationID][]*model.Message
	users         map[string]*model.User

	now      func() time.Time
	lastTick time.Time
}

var _ Repository = (*Memory)(nil)

type MemoryOption func(*Memory)

// WithClock replaces the time source used for store-assigned timestamps
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory repository
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		conversations: make(map[model.ConversationID]*model.Conversation),
		messages:      make(map[model.ConversationID][]*model.Message),
		users:         make(map[string]*model.User),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// tick returns a strictly increasing timestamp. Caller must hold mu.
func (m *Memory) tick() time.Time {
	t := m.now().UTC()
	if !t.After(m.lastTick) {
		t = m.lastTick.Add(time.Microsecond)
	}
	m.lastTick = t
	return t
}

func copyConversation(c *model.Conversation) *model.Conversation {
	dup := *c
	if c.LastMessage != nil {
		s := *c.LastMessage
		dup.LastMessage = &s
	}
	if c.LastMessageTimestamp != nil {
		t := *c.LastMessageTimestamp
		dup.LastMessageTimestamp = &t
	}
	return &dup
}

func (m *Memory) GetConversation(ctx context.Context, id model.ConversationID) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, notFoundError(id)
	}
	return copyConversation(conv), nil
}

func (m *Memory) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ID]; ok {
		return goerr.Wrap(model.ErrStorage, "conversation already exists", goerr.V("conversation_id", conv.ID))
	}
	m.conversations[conv.ID] = copyConversation(conv)
	return nil
}

func (m *Memory) ListConversations(ctx context.Context, userID string) ([]*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var conversations []*model.Conversation
	for _, conv := range m.conversations {
		if conv.UserID == userID {
			conversations = append(conversations, copyConversation(conv))
		}
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].UpdatedAt.After(conversations[j].UpdatedAt)
	})
	return conversations, nil
}

func (m *Memory) UpdateConversation(ctx context.Context, id model.ConversationID, update model.ConversationUpdate, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return notFoundError(id)
	}

	if update.Title != nil {
		conv.Title = *update.Title
	}
	if update.IsPinned != nil {
		conv.IsPinned = *update.IsPinned
	}
	conv.UpdatedAt = now
	return nil
}

func (m *Memory) DeleteConversation(ctx context.Context, id model.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return notFoundError(id)
	}
	delete(m.messages, id)
	delete(m.conversations, id)
	return nil
}

func (m *Memory) AppendMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return notFoundError(msg.ConversationID)
	}

	ts := m.tick()
	msg.Timestamp = ts
	stored := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &stored)

	preview := model.Preview(msg.Content)
	conv.UpdatedAt = ts
	conv.LastMessage = &preview
	conv.LastMessageTimestamp = &ts
	conv.MessageCount++

	return nil
}

func (m *Memory) ListMessages(ctx context.Context, id model.ConversationID) ([]*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.messages[id]
	messages := make([]*model.Message, 0, len(stored))
	for _, msg := range stored {
		dup := *msg
		messages = append(messages, &dup)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	return messages, nil
}

func (m *Memory) ClearMessages(ctx context.Context, id model.ConversationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return notFoundError(id)
	}

	delete(m.messages, id)
	conv.LastMessage = nil
	conv.LastMessageTimestamp = nil
	conv.MessageCount = 0
	return nil
}

func (m *Memory) PutUser(ctx context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dup := *user
	m.users[user.UID] = &dup
	return nil
}

// GetUser returns a stored user profile. It exists for tests and the CLI.
func (m *Memory) GetUser(uid string) (*model.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[uid]
	if !ok {
		return nil, false
	}
	dup := *user
	return &dup, true
}
