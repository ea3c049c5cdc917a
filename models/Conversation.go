package models

import "time"

// Conversation is a chat room: either a direct pair or a named group.
// kind: direct | group
// Direct conversations carry no name/avatar of their own; clients render the
// other member's profile instead.
type Conversation struct {
	ID   uint   `json:"id" gorm:"primaryKey"`
	Kind string `json:"kind" gorm:"size:16;index;default:direct"`

	Name      string `json:"name" gorm:"size:80"`
	AvatarURL string `json:"avatarURL" gorm:"size:512"`

	OwnerID uint `json:"ownerID" gorm:"index"`
	Owner   User `json:"owner" gorm:"foreignKey:OwnerID"`

	Members []ConversationMember `json:"members" gorm:"foreignKey:ConversationID"`

	// Denormalized for conversation-list ordering; bumped on every message.
	LastMessageAt *time.Time `json:"lastMessageAt" gorm:"index"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
