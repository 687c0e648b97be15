package services

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/pkg/line"
)

// previewMaxRunes caps a text preview, counted in code points.
const previewMaxRunes = 50

// stickerPreviewLabel is the fixed preview for quoted stickers.
const stickerPreviewLabel = "[Sticker]"

// CorrelationLookup resolves a gateway correlation id to the original message.
type CorrelationLookup interface {
	FindByCorrelationID(ctx context.Context, correlationID string) (*models.Message, error)
}

// Preview is the compact rendering of a quoted message.
type Preview struct {
	CorrelationID string `json:"correlation_id"`
	MessageType   string `json:"message_type,omitempty"`
	Text          string `json:"text,omitempty"`
	Found         bool   `json:"found"`
}

// QuotedResolver 引用消息解析服务
type QuotedResolver struct {
	store CorrelationLookup
}

// NewQuotedResolver 创建引用消息解析服务实例
func NewQuotedResolver(store CorrelationLookup) *QuotedResolver {
	return &QuotedResolver{store: store}
}

// ResolveBatch memoizes lookups for one page of messages: many messages
// quoting the same original cost one store query.
type ResolveBatch struct {
	resolver *QuotedResolver
	memo     map[string]Preview
}

// NewBatch starts a fresh memo, one per rendered page.
func (r *QuotedResolver) NewBatch() *ResolveBatch {
	return &ResolveBatch{
		resolver: r,
		memo:     make(map[string]Preview),
	}
}

// Resolve returns the preview for a quoted message. "Not found" is a valid
// answer (the original may have aged out of the recent shards) and is
// memoized like any other.
func (b *ResolveBatch) Resolve(ctx context.Context, correlationID string) (Preview, error) {
	if p, ok := b.memo[correlationID]; ok {
		return p, nil
	}

	msg, err := b.resolver.store.FindByCorrelationID(ctx, correlationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p := Preview{CorrelationID: correlationID}
		b.memo[correlationID] = p
		return p, nil
	}
	if err != nil {
		return Preview{}, err
	}

	p := Preview{
		CorrelationID: correlationID,
		MessageType:   msg.MessageType,
		Text:          previewText(msg),
		Found:         true,
	}
	b.memo[correlationID] = p
	return p, nil
}

func previewText(msg *models.Message) string {
	switch msg.MessageType {
	case models.MessageTypeText:
		var p line.TextPayload
		_ = json.Unmarshal([]byte(msg.Content), &p)
		return truncateRunes(p.Text, previewMaxRunes)
	case models.MessageTypeImage:
		var p line.ImagePayload
		_ = json.Unmarshal([]byte(msg.Content), &p)
		if p.PreviewURL != "" {
			return p.PreviewURL
		}
		return p.OriginalURL
	case models.MessageTypeFile:
		var p line.FilePayload
		_ = json.Unmarshal([]byte(msg.Content), &p)
		return p.Name
	case models.MessageTypeVideo:
		var p line.VideoPayload
		_ = json.Unmarshal([]byte(msg.Content), &p)
		return p.Name
	case models.MessageTypeSticker:
		return stickerPreviewLabel
	default:
		return ""
	}
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
