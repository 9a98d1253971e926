package service

import (
	"time"

	"github.com/fathima-sithara/chat-core/internal/domain"
)

// NewMessageEvent announces a message. Content never travels with it; the
// recipient fetches the message to read it.
type NewMessageEvent struct {
	MessageID    string             `json:"message_id"`
	Conversation domain.Scope       `json:"conversation"`
	SenderID     string             `json:"sender_id"`
	Type         domain.MessageType `json:"type"`
	ReplyToID    string             `json:"reply_to_id,omitempty"`
	SentAt       time.Time          `json:"sent_at"`
}

type ReactionEvent struct {
	MessageID    string       `json:"message_id"`
	Conversation domain.Scope `json:"conversation"`
	UserID       string       `json:"user_id"`
	Reaction     string       `json:"reaction"`
	At           time.Time    `json:"at"`
}

type DeletedEvent struct {
	MessageID    string       `json:"message_id"`
	Conversation domain.Scope `json:"conversation"`
	DeletedBy    string       `json:"deleted_by"`
	At           time.Time    `json:"at"`
}

type PinnedEvent struct {
	MessageID    string       `json:"message_id"`
	Conversation domain.Scope `json:"conversation"`
	UserID       string       `json:"user_id"`
	Pinned       bool         `json:"pinned"`
	At           time.Time    `json:"at"`
}

type TypingEvent struct {
	Conversation domain.Scope `json:"conversation"`
	UserID       string       `json:"user_id"`
	Typing       bool         `json:"typing"`
}
