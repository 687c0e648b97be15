package services

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/pkg/line"
	logger "github.com/yamato-dev/linedesk/middleware/log"
)

// TokenRecorder is the ledger surface ingestion writes to.
type TokenRecorder interface {
	Record(ctx context.Context, token, conversationID string, issuedAt time.Time) error
}

// Ingest 入站事件处理服务
// It turns webhook events into stored history: records the reply token,
// appends the message idempotently, and advances conversation activity.
// Events arrive at-least-once (webhook redelivery, Kafka replay); the
// store's unique event id absorbs the duplicates.
type Ingest struct {
	store  HistoryStore
	ledger TokenRecorder
	convs  ActivityToucher
	log    *logger.Logger
}

// NewIngest 创建入站事件处理服务实例
func NewIngest(store HistoryStore, ledger TokenRecorder, convs ActivityToucher, log *logger.Logger) *Ingest {
	return &Ingest{
		store:  store,
		ledger: ledger,
		convs:  convs,
		log:    log,
	}
}

// HandleEvent processes one webhook event. Non-message events are ignored.
func (s *Ingest) HandleEvent(ctx context.Context, ev line.Event) error {
	if ev.Type != "message" || ev.Message == nil {
		return nil
	}

	subject := ev.Source.SubjectID()
	kind := models.ConversationKindUser
	if ev.Source.Type == "group" {
		kind = models.ConversationKindGroup
	}
	sentAt := time.UnixMilli(ev.Timestamp)

	if ev.ReplyToken != "" {
		if err := s.ledger.Record(ctx, ev.ReplyToken, subject, sentAt); err != nil {
			return err
		}
	}

	content, err := inboundContent(ev.Message)
	if err != nil {
		return err
	}

	eventID := ev.WebhookEventID
	if eventID == "" {
		eventID = "msg_" + ev.Message.ID
	}

	msg := &models.Message{
		EventID:          eventID,
		ConversationID:   subject,
		ConversationKind: kind,
		SenderRole:       models.SenderCustomer,
		MessageType:      ev.Message.Type,
		Content:          content,
		SentAt:           sentAt,
		GatewayMessageID: ev.Message.ID,
		Transport:        models.TransportInbound,
	}
	if ev.ReplyToken != "" {
		token := ev.ReplyToken
		msg.ReplyToken = &token
	}
	if ev.Message.QuoteToken != "" {
		qt := ev.Message.QuoteToken
		msg.QuoteToken = &qt
	}
	if ev.Message.QuotedMessageID != "" {
		quoted := ev.Message.QuotedMessageID
		msg.QuotedMessageID = &quoted
	}

	created, err := s.store.Append(ctx, msg)
	if err != nil {
		return err
	}
	if !created {
		// duplicate delivery, expected under at-least-once
		s.log.DebugContext(ctx, "skipped duplicate inbound event",
			zap.String("event_id", eventID), zap.String("conversation_id", subject))
		return nil
	}

	if _, err := s.convs.Touch(ctx, subject, kind, "", sentAt); err != nil {
		return err
	}
	return nil
}

// inboundContent renders the event message into the same payload JSON the
// dispatcher stores, so previews and re-sends decode uniformly.
func inboundContent(m *line.EventMessage) (string, error) {
	var payload interface{}
	switch m.Type {
	case models.MessageTypeText:
		payload = line.TextPayload{Text: m.Text}
	case models.MessageTypeImage:
		p := line.ImagePayload{}
		if m.ContentProvider != nil {
			p.OriginalURL = m.ContentProvider.OriginalContentURL
			p.PreviewURL = m.ContentProvider.PreviewImageURL
		}
		payload = p
	case models.MessageTypeFile:
		p := line.FilePayload{Name: m.FileName}
		if m.ContentProvider != nil {
			p.URL = m.ContentProvider.OriginalContentURL
		}
		payload = p
	case models.MessageTypeVideo:
		p := line.VideoPayload{Name: m.FileName}
		if m.ContentProvider != nil {
			p.URL = m.ContentProvider.OriginalContentURL
			p.PreviewURL = m.ContentProvider.PreviewImageURL
		}
		payload = p
	case models.MessageTypeSticker:
		payload = line.StickerPayload{PackageID: m.PackageID, StickerID: m.StickerID}
	default:
		payload = line.TextPayload{Text: m.Text}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
