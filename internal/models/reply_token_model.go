package models

import "time"

// ReplyToken is a single-use reply opportunity issued by an inbound event.
// A token transitions unused to used exactly once; once used it is never
// handed out again.
type ReplyToken struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Token          string     `gorm:"not null;uniqueIndex" json:"token"`
	ConversationID string     `gorm:"not null;index" json:"conversation_id"`
	IssuedAt       time.Time  `gorm:"not null" json:"issued_at"`
	Used           bool       `gorm:"not null;default:false" json:"used"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (ReplyToken) TableName() string {
	return "reply_tokens"
}
