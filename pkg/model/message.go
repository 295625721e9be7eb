package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageID string

// NewMessageID generates a new unique MessageID
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// Role is the stored speaker of a message. Only two values exist.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole maps a stored role value to Role. Legacy tags "ai" and "model"
// map to RoleAssistant; anything else, including empty, maps to RoleUser.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "assistant", "ai", "model":
		return RoleAssistant
	default:
		return RoleUser
	}
}

func (r Role) String() string { return string(r) }

// Message is one immutable entry of a conversation log. Timestamp is assigned
// by the store at append time.
type Message struct {
	ID             MessageID      `firestore:"-" json:"id"`
	ConversationID ConversationID `firestore:"conversation_id" json:"conversation_id"`
	Role           Role           `firestore:"role" json:"role"`
	Content        string         `firestore:"content" json:"content"`
	Timestamp      time.Time      `firestore:"timestamp,serverTimestamp" json:"timestamp"`
}

// Turn is one element of the history view handed to the LLM
type Turn struct {
	Role    Role
	Content string
}
