package services

import (
	"context"
	"fmt"
	"time"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/repositories"
)

// UnreadDisplayCap bounds the unread badge. The exact count is still
// computed and returned; only the display string is capped.
const UnreadDisplayCap = 99

// ConversationSource is the conversation surface polling reads.
type ConversationSource interface {
	ListCreatedAfter(ctx context.Context, afterID int64) ([]models.Conversation, error)
	ListActiveSince(ctx context.Context, since time.Time) ([]models.Conversation, error)
}

// ActivitySource is the message-store surface polling reads.
type ActivitySource interface {
	ActivitySummaries(ctx context.Context, subjectIDs []string) ([]repositories.ConversationActivity, error)
	QueryNew(ctx context.Context, conversationID string, since time.Time) ([]models.Message, error)
}

// Cursors are the client-held watermarks. The server keeps no per-session
// state; every Sync call is a pure read against these.
type Cursors struct {
	LastConversationID int64     `json:"last_conversation_id" form:"last_conversation_id"`
	LastActivityAt     time.Time `json:"last_activity_at" form:"last_activity_at"`
	LastMessageAt      time.Time `json:"last_message_at" form:"last_message_at"`
	OpenConversationID string    `json:"open_conversation_id" form:"open_conversation_id"`
}

// ConversationUpdate is one active conversation in a poll delta.
type ConversationUpdate struct {
	Conversation  models.Conversation `json:"conversation"`
	UnreadCount   int64               `json:"unread_count"`
	UnreadDisplay string              `json:"unread_display"`
	LastMessage   *models.Message     `json:"last_message,omitempty"`
}

// Delta is everything that changed since the client's cursors.
type Delta struct {
	NewConversations []models.Conversation `json:"new_conversations"`
	Active           []ConversationUpdate  `json:"active"`
	OpenMessages     []models.Message      `json:"open_messages"`
	Cursors          Cursors               `json:"cursors"`
}

// Polling 轮询同步服务
type Polling struct {
	convs ConversationSource
	store ActivitySource
}

// NewPolling 创建轮询同步服务实例
func NewPolling(convs ConversationSource, store ActivitySource) *Polling {
	return &Polling{convs: convs, store: store}
}

// Sync computes the diff for one client poll. An empty delta is a normal
// answer. Returned cursors never move backward: each one advances to the
// maximum actually observed, or echoes the input when nothing changed.
func (p *Polling) Sync(ctx context.Context, c Cursors) (*Delta, error) {
	delta := &Delta{Cursors: c}

	newConvs, err := p.convs.ListCreatedAfter(ctx, c.LastConversationID)
	if err != nil {
		return nil, err
	}
	delta.NewConversations = newConvs
	for _, conv := range newConvs {
		if conv.ID > delta.Cursors.LastConversationID {
			delta.Cursors.LastConversationID = conv.ID
		}
	}

	active, err := p.convs.ListActiveSince(ctx, c.LastActivityAt)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		subjects := make([]string, 0, len(active))
		byID := make(map[string]models.Conversation, len(active))
		for _, conv := range active {
			subjects = append(subjects, conv.SubjectID)
			byID[conv.SubjectID] = conv
			if conv.LastActivityAt.After(delta.Cursors.LastActivityAt) {
				delta.Cursors.LastActivityAt = conv.LastActivityAt
			}
		}

		// one batched query for all active conversations, never one per row
		summaries, err := p.store.ActivitySummaries(ctx, subjects)
		if err != nil {
			return nil, err
		}
		for _, s := range summaries {
			delta.Active = append(delta.Active, ConversationUpdate{
				Conversation:  byID[s.ConversationID],
				UnreadCount:   s.UnreadCount,
				UnreadDisplay: formatUnread(s.UnreadCount),
				LastMessage:   s.LastMessage,
			})
		}
	}

	if c.OpenConversationID != "" {
		msgs, err := p.store.QueryNew(ctx, c.OpenConversationID, c.LastMessageAt)
		if err != nil {
			return nil, err
		}
		delta.OpenMessages = msgs
		for _, m := range msgs {
			if m.SentAt.After(delta.Cursors.LastMessageAt) {
				delta.Cursors.LastMessageAt = m.SentAt
			}
		}
	}

	return delta, nil
}

func formatUnread(n int64) string {
	if n > UnreadDisplayCap {
		return fmt.Sprintf("%d+", UnreadDisplayCap)
	}
	return fmt.Sprintf("%d", n)
}
