package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeLink     MessageType = "link"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeLink:
		return true
	}
	return false
}

// NeedsMedia reports whether messages of this type must reference a media object.
func (t MessageType) NeedsMedia() bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeDocument:
		return true
	}
	return false
}

type DeletionState string

const (
	NotDeleted         DeletionState = ""
	DeletedForEveryone DeletionState = "everyone"
)

type Deletion struct {
	State     DeletionState `bson:"state,omitempty" json:"state,omitempty"`
	DeletedAt *time.Time    `bson:"deleted_at,omitempty" json:"deleted_at,omitempty"`
	DeletedBy string        `bson:"deleted_by,omitempty" json:"deleted_by,omitempty"`
}

type Message struct {
	ID              string      `bson:"_id" json:"id"`
	Scope           Scope       `bson:"scope" json:"scope"`
	ConversationKey string      `bson:"conversation_key" json:"conversation_key"`
	SenderID        string      `bson:"sender_id" json:"sender_id"`
	Content         []byte      `bson:"content,omitempty" json:"content,omitempty"`
	ContentHash     string      `bson:"content_hash" json:"content_hash"`
	Type            MessageType `bson:"type" json:"type"`
	MediaID         string      `bson:"media_id,omitempty" json:"media_id,omitempty"`
	ReplyToID       string      `bson:"reply_to_id,omitempty" json:"reply_to_id,omitempty"`
	SentAt          time.Time   `bson:"sent_at" json:"sent_at"`
	ExpiresAt       *time.Time  `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	Pinned          bool        `bson:"pinned" json:"pinned"`
	PinnedAt        *time.Time  `bson:"pinned_at,omitempty" json:"pinned_at,omitempty"`
	Deletion        Deletion    `bson:"deletion" json:"deletion"`
	Reactions       Reactions   `bson:"reactions" json:"reactions"`

	// Receipts live in their own collection and are joined on read.
	Delivery DeliveryState `bson:"-" json:"delivery"`
}

func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

func (m *Message) DeletedForEveryone() bool { return m.Deletion.State == DeletedForEveryone }

// Clone returns a deep copy; snapshots handed out by stores are never shared.
func (m *Message) Clone() *Message {
	c := *m
	c.Scope.Participants = append([]string(nil), m.Scope.Participants...)
	c.Content = append([]byte(nil), m.Content...)
	c.ExpiresAt = cloneTime(m.ExpiresAt)
	c.PinnedAt = cloneTime(m.PinnedAt)
	c.Deletion.DeletedAt = cloneTime(m.Deletion.DeletedAt)
	c.Reactions = m.Reactions.Clone()
	c.Delivery = m.Delivery.Clone()
	return &c
}

// Redacted strips everything but routing metadata from a message deleted for everyone.
func (m *Message) Redacted() *Message {
	c := m.Clone()
	c.Content = nil
	c.ContentHash = ""
	c.MediaID = ""
	c.Reactions = Reactions{}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Draft is an unsent message as submitted by a sender.
type Draft struct {
	Scope     Scope         `bson:"scope" json:"scope"`
	SenderID  string        `bson:"sender_id" json:"sender_id"`
	Content   []byte        `bson:"content" json:"content"`
	Type      MessageType   `bson:"type" json:"type"`
	MediaID   string        `bson:"media_id,omitempty" json:"media_id,omitempty"`
	ReplyToID string        `bson:"reply_to_id,omitempty" json:"reply_to_id,omitempty"`
	TTL       time.Duration `bson:"ttl,omitempty" json:"ttl,omitempty"`
}

type ScheduledMessage struct {
	ID        string    `bson:"_id" json:"id"`
	Draft     Draft     `bson:"draft" json:"draft"`
	SendAt    time.Time `bson:"send_at" json:"send_at"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// Tombstone hides one message from one user's view of a conversation.
type Tombstone struct {
	MessageID       string    `bson:"message_id" json:"message_id"`
	UserID          string    `bson:"user_id" json:"user_id"`
	ConversationKey string    `bson:"conversation_key" json:"conversation_key"`
	At              time.Time `bson:"at" json:"at"`
}

func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewScheduleID() string {
	return "sch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HashContent is the integrity digest stored with the opaque payload.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Ms is the epoch-millisecond score used for conversation ordering.
func Ms(t time.Time) int64 { return t.UnixMilli() }
