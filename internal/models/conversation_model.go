package models

import "time"

// Conversation is one chat thread with a customer or a group.
// ReadMarkerAt is the per-conversation read marker: messages from the
// customer strictly newer than it count as unread. It moves only on an
// explicit mark-as-read action.
type Conversation struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SubjectID      string    `gorm:"not null;uniqueIndex:idx_conversations_subject" json:"subject_id"`
	Kind           string    `gorm:"not null;uniqueIndex:idx_conversations_subject" json:"kind"`
	DisplayName    string    `json:"display_name"`
	LastActivityAt time.Time `gorm:"index" json:"last_activity_at"`
	ReadMarkerAt   time.Time `json:"read_marker_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}
