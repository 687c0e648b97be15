package models

import (
	"fmt"
	"time"
)

// Conversation kinds. A direct chat is keyed by the LINE user id, a group
// chat by the LINE group id.
const (
	ConversationKindUser  = "user"
	ConversationKindGroup = "group"
)

// Sender roles on a stored message.
const (
	SenderCustomer = "customer"
	SenderOperator = "operator"
)

// Transports recorded on an outbound message.
const (
	TransportReply   = "reply"
	TransportPush    = "push"
	TransportInbound = "inbound"
)

// Message types.
const (
	MessageTypeText    = "text"
	MessageTypeImage   = "image"
	MessageTypeFile    = "file"
	MessageTypeVideo   = "video"
	MessageTypeSticker = "sticker"
)

// Message is one row of conversation history. Rows live in monthly shard
// tables (messages_YYYYMM), so there is no TableName method: the repository
// always addresses a Message through an explicit shard table.
type Message struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID          string    `gorm:"not null" json:"event_id"` // idempotency key, unique per shard
	ConversationID   string    `gorm:"not null" json:"conversation_id"`
	ConversationKind string    `gorm:"not null" json:"conversation_kind"`
	SenderRole       string    `gorm:"not null" json:"sender_role"`
	MessageType      string    `gorm:"not null" json:"message_type"`
	Content          string    `gorm:"type:text" json:"content"` // type-specific payload, JSON
	SentAt           time.Time `gorm:"not null" json:"sent_at"`
	ReplyToken       *string   `json:"reply_token,omitempty"`
	QuoteToken       *string   `json:"quote_token,omitempty"`
	QuotedMessageID  *string   `json:"quoted_message_id,omitempty"`
	GatewayMessageID string    `json:"gateway_message_id"`
	Transport        string    `json:"transport"`
	CreatedAt        time.Time `json:"created_at"`
}

// ShardName returns the physical table holding messages sent in the month of t.
func ShardName(t time.Time) string {
	return fmt.Sprintf("messages_%04d%02d", t.Year(), int(t.Month()))
}

// RecentShards returns the shard for t and the one before it, newest first.
// Recent-activity queries fan out across both because activity may straddle
// a month boundary.
func RecentShards(t time.Time) []string {
	year, month, _ := t.Date()
	prev := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return []string{ShardName(t), ShardName(prev)}
}
