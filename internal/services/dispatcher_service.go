package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/pkg/line"
	logger "github.com/yamato-dev/linedesk/middleware/log"
)

// TokenLedger is the reply-token surface the dispatcher consumes.
type TokenLedger interface {
	AcquireUnused(ctx context.Context, conversationID string) (*models.ReplyToken, error)
	MarkUsed(ctx context.Context, token string) (bool, error)
}

// HistoryStore is the slice of the message store the dispatcher needs.
type HistoryStore interface {
	Append(ctx context.Context, msg *models.Message) (bool, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*models.Message, error)
}

// ActivityToucher advances conversation activity after a send.
type ActivityToucher interface {
	Touch(ctx context.Context, subjectID, kind, displayName string, activityAt time.Time) (*models.Conversation, error)
}

// SendRequest is one outbound send.
type SendRequest struct {
	ConversationID   string
	ConversationKind string
	Payload          line.Payload
	// QuotedMessageID is the gateway correlation id of the message being
	// replied to, if any.
	QuotedMessageID string
	QuickReply      []line.QuickReplyItem
	Operator        string
}

// SendReceipt reports how a send went out and what was stored.
type SendReceipt struct {
	Transport        string          `json:"transport"`
	GatewayMessageID string          `json:"gateway_message_id"`
	QuoteToken       string          `json:"quote_token"`
	Message          *models.Message `json:"message"`
}

// Dispatcher 消息分发服务
// It prefers the single-use reply channel and falls back to push. There is
// no retry loop here: a send that fails on both transports is the caller's
// problem.
type Dispatcher struct {
	gateway line.Gateway
	ledger  TokenLedger
	store   HistoryStore
	convs   ActivityToucher
	log     *logger.Logger
	now     func() time.Time
}

// NewDispatcher 创建消息分发服务实例
func NewDispatcher(gateway line.Gateway, ledger TokenLedger, store HistoryStore, convs ActivityToucher, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		gateway: gateway,
		ledger:  ledger,
		store:   store,
		convs:   convs,
		log:     log,
		now:     time.Now,
	}
}

// Send dispatches one message. Transport choice:
//  1. acquire the newest unused reply token for the conversation;
//  2. consume it with the conditional update; the loser of a concurrent
//     race sees consumed=false and never puts the token on the wire;
//  3. the winner sends via reply; any gateway rejection falls through to
//     push silently;
//  4. without a token, or after a failed reply, send via push.
//
// The stored row carries the transport used, both correlation ids, and the
// quoted-message linkage. A persistence failure after a successful gateway
// call is surfaced, never swallowed: losing history silently is worse than
// a noisy error.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*SendReceipt, error) {
	if req.Payload == nil {
		return nil, line.ErrEmptyPayload
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, err
	}

	opts := line.SendOptions{QuickReply: req.QuickReply}
	if req.QuotedMessageID != "" {
		quoted, err := d.store.FindByCorrelationID(ctx, req.QuotedMessageID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if quoted != nil && quoted.QuoteToken != nil {
			opts.QuoteToken = *quoted.QuoteToken
		}
	}

	transport := models.TransportPush
	var result *line.SendResult

	token, err := d.ledger.AcquireUnused(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire reply token: %w", err)
	}
	if token != nil {
		consumed, err := d.ledger.MarkUsed(ctx, token.Token)
		if err != nil {
			// ledger write failure: do not risk a double reply, push instead
			d.log.ErrorContext(ctx, "failed to consume reply token",
				zap.String("conversation_id", req.ConversationID), zap.Error(err))
		} else if consumed {
			res, rerr := d.gateway.Reply(ctx, token.Token, req.Payload, opts)
			if rerr == nil {
				transport = models.TransportReply
				result = res
			} else {
				// expired or rejected token; recover via push, no user-visible error
				d.log.DebugContext(ctx, "reply send rejected, falling back to push",
					zap.String("conversation_id", req.ConversationID), zap.Error(rerr))
			}
		}
	}

	if result == nil {
		result, err = d.gateway.Push(ctx, req.ConversationID, req.Payload, opts)
		if err != nil {
			return nil, fmt.Errorf("dispatch failed: %w", err)
		}
		transport = models.TransportPush
	}

	content, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		EventID:          "out_" + uuid.New().String(),
		ConversationID:   req.ConversationID,
		ConversationKind: req.ConversationKind,
		SenderRole:       models.SenderOperator,
		MessageType:      req.Payload.Type(),
		Content:          string(content),
		SentAt:           d.now(),
		Transport:        transport,
	}
	if req.QuotedMessageID != "" {
		msg.QuotedMessageID = &req.QuotedMessageID
	}
	if len(result.SentMessages) > 0 {
		msg.GatewayMessageID = result.SentMessages[0].ID
		if qt := result.SentMessages[0].QuoteToken; qt != "" {
			msg.QuoteToken = &qt
		}
	}

	if _, err := d.store.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("message sent via %s but failed to persist: %w", transport, err)
	}
	if d.convs != nil {
		if _, err := d.convs.Touch(ctx, req.ConversationID, req.ConversationKind, "", msg.SentAt); err != nil {
			d.log.WarnContext(ctx, "failed to touch conversation activity",
				zap.String("conversation_id", req.ConversationID), zap.Error(err))
		}
	}

	receipt := &SendReceipt{
		Transport:        transport,
		GatewayMessageID: msg.GatewayMessageID,
		Message:          msg,
	}
	if msg.QuoteToken != nil {
		receipt.QuoteToken = *msg.QuoteToken
	}
	return receipt, nil
}

// ShowTyping forwards the typing indicator with the gateway's 5-60s bounds.
func (d *Dispatcher) ShowTyping(ctx context.Context, conversationID string, seconds int) error {
	return d.gateway.ShowTyping(ctx, conversationID, seconds)
}
