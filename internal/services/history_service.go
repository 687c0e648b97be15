package services

import (
	"context"
	"time"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/repositories"
)

// WindowStore is the paging surface of the message store.
type WindowStore interface {
	QueryWindow(ctx context.Context, conversationID string, before repositories.PageCursor, limit int) ([]models.Message, repositories.PageCursor, bool, error)
	QueryAround(ctx context.Context, conversationID string, anchorAt time.Time, beforeN, afterN int) (*repositories.Window, error)
}

// HistoryPage is one backward page of conversation history with quoted
// previews resolved. Oldest is the cursor for the next page.
type HistoryPage struct {
	Messages []models.Message        `json:"messages"`
	Quoted   map[string]Preview      `json:"quoted,omitempty"`
	Oldest   repositories.PageCursor `json:"oldest"`
	HasMore  bool                    `json:"has_more"`
}

// History 历史查询服务
type History struct {
	store    WindowStore
	resolver *QuotedResolver
}

// NewHistory 创建历史查询服务实例
func NewHistory(store WindowStore, resolver *QuotedResolver) *History {
	return &History{store: store, resolver: resolver}
}

// Page returns one backward page starting at the cursor, newest first.
// Quoted messages on the page are resolved through one memoized batch, so
// repeated quotes cost one lookup.
func (s *History) Page(ctx context.Context, conversationID string, before repositories.PageCursor, limit int) (*HistoryPage, error) {
	msgs, oldest, hasMore, err := s.store.QueryWindow(ctx, conversationID, before, limit)
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{
		Messages: msgs,
		Oldest:   oldest,
		HasMore:  hasMore,
	}

	batch := s.resolver.NewBatch()
	for _, m := range msgs {
		if m.QuotedMessageID == nil {
			continue
		}
		p, err := batch.Resolve(ctx, *m.QuotedMessageID)
		if err != nil {
			return nil, err
		}
		if page.Quoted == nil {
			page.Quoted = make(map[string]Preview)
		}
		page.Quoted[*m.QuotedMessageID] = p
	}
	return page, nil
}

// Around builds the jump-to-context window for a quoted message.
func (s *History) Around(ctx context.Context, conversationID string, anchorAt time.Time, beforeN, afterN int) (*repositories.Window, error) {
	return s.store.QueryAround(ctx, conversationID, anchorAt, beforeN, afterN)
}
