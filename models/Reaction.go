package models

import "time"

// Reaction is one user's emoji on one message. The composite unique index
// enforces the toggle invariant at the row level: a user may hold several
// distinct emoji on a message but never the same one twice.
type Reaction struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	MessageID uint      `json:"messageID" gorm:"not null;uniqueIndex:idx_message_user_emoji"`
	UserID    uint      `json:"userID" gorm:"not null;uniqueIndex:idx_message_user_emoji"`
	Emoji     string    `json:"emoji" gorm:"size:16;not null;uniqueIndex:idx_message_user_emoji"`
	CreatedAt time.Time `json:"createdAt"`
}
