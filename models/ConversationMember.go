package models

import "time"

// ConversationMember tracks one user's state inside a conversation.
// Pin/archive are per-membership, not per-conversation: two members of the
// same room can disagree about both.
// role: owner | member
type ConversationMember struct {
	ID             uint         `json:"id" gorm:"primaryKey"`
	ConversationID uint         `json:"conversationID" gorm:"not null;uniqueIndex:idx_conversation_user"`
	Conversation   Conversation `json:"-" gorm:"foreignKey:ConversationID"`

	UserID uint `json:"userID" gorm:"not null;uniqueIndex:idx_conversation_user"`
	User   User `json:"user" gorm:"foreignKey:UserID"`

	Role     string     `json:"role" gorm:"size:16"`
	Archived bool       `json:"archived" gorm:"index"`
	Pinned   bool       `json:"pinned"`
	PinnedAt *time.Time `json:"pinnedAt"`

	// Read receipts are derived from this watermark: a message is read by this
	// member when its created_at is not after LastReadAt.
	LastReadAt *time.Time `json:"lastReadAt"`
	JoinedAt   *time.Time `json:"joinedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
