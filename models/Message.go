package models

import "time"

// Message is a durable chat message.
// ClientToken is the sender-assigned identity used before the server ack; the
// unique index makes a retried send with the same token return the original
// row instead of creating a duplicate. Once the server id exists it is the
// permanent identity and the token is only kept for echo matching.
type Message struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	ClientToken string `json:"clientToken" gorm:"size:36;uniqueIndex"`

	ConversationID uint `json:"conversationID" gorm:"not null;index"`
	SenderID       uint `json:"senderID" gorm:"not null;index"`
	Sender         User `json:"sender" gorm:"foreignKey:SenderID"`

	// Content is nullable: media-only messages carry no text.
	Content  *string `json:"content" gorm:"type:text"`
	Type     string  `json:"type" gorm:"size:16;default:text"` // text|image|video|voice|audio|document
	MediaRef string  `json:"mediaRef" gorm:"size:512"`

	// Reply threading; must reference a message in the same conversation.
	ReplyToID *uint `json:"replyToID" gorm:"index"`

	DeliveredAt *time.Time `json:"deliveredAt"`
	SeenAt      *time.Time `json:"seenAt"`
	IsDeleted   bool       `json:"isDeleted" gorm:"index"`

	CreatedAt time.Time `json:"createdAt" gorm:"index"`
	UpdatedAt time.Time `json:"updatedAt"`
}
