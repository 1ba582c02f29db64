package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a chat message.
type MessageType string

const (
	MessageTypeMessage   MessageType = "message"
	MessageTypeSystem    MessageType = "system"
	MessageTypeJoin      MessageType = "join"
	MessageTypeLeave     MessageType = "leave"
	MessageTypePin       MessageType = "pin"
	MessageTypeUnpin     MessageType = "unpin"
	MessageTypeGift      MessageType = "gift"
	MessageTypeLikeBurst MessageType = "likeBurst"
)

// Sendable reports whether clients may post messages of this type.
func (t MessageType) Sendable() bool {
	switch t {
	case MessageTypeMessage, MessageTypeGift, MessageTypeLikeBurst:
		return true
	}
	return false
}

// ChatMessage is one persisted chat entry. OffsetSec is the replay coordinate and is fixed
// at write time.
type ChatMessage struct {
	ID          string      `json:"id"`
	LocalID     string      `json:"localId,omitempty"`
	SessionID   uuid.UUID   `json:"sessionId"`
	SenderID    uuid.UUID   `json:"senderId"`
	DisplayName string      `json:"displayName"`
	AvatarURL   string      `json:"avatarUrl"`
	Type        MessageType `json:"type"`
	Text        string      `json:"text"`
	OffsetSec   int         `json:"offsetSec"`
	Deleted     bool        `json:"-"`
	HiddenBy    *uuid.UUID  `json:"-"`
	Reason      string      `json:"-"`
	CreatedAt   time.Time   `json:"createdAt"`
}
