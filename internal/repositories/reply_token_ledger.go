package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/models"
)

// ReplyTokenLedger 回复令牌仓储
type ReplyTokenLedger struct {
	db *gorm.DB
}

// NewReplyTokenLedger 创建回复令牌仓储实例
func NewReplyTokenLedger(db *gorm.DB) *ReplyTokenLedger {
	return &ReplyTokenLedger{db: db}
}

// Record stores a token issued by an inbound event. Re-delivered events
// carry the same token; the unique index makes the second insert a no-op.
func (r *ReplyTokenLedger) Record(ctx context.Context, token, conversationID string, issuedAt time.Time) error {
	row := models.ReplyToken{
		Token:          token,
		ConversationID: conversationID,
		IssuedAt:       issuedAt,
	}
	err := r.db.WithContext(ctx).Create(&row).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// AcquireUnused returns the most recently issued unused token for the
// conversation, or nil if there is none. Acquiring does not consume: two
// concurrent dispatchers may both observe the same token, and MarkUsed
// decides the winner.
func (r *ReplyTokenLedger) AcquireUnused(ctx context.Context, conversationID string) (*models.ReplyToken, error) {
	var token models.ReplyToken
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND used = ?", conversationID, false).
		Order("issued_at DESC").
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// MarkUsed consumes a token with an atomic conditional update. It reports
// whether this call was the one that consumed it; a false return means a
// concurrent caller won and the send must fall back to push.
func (r *ReplyTokenLedger) MarkUsed(ctx context.Context, token string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ReplyToken{}).
		Where("token = ? AND used = ?", token, false).
		Updates(map[string]interface{}{
			"used":    true,
			"used_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PruneIssuedBefore drops tokens older than the cutoff. The gateway expires
// tokens long before then; this just keeps the table small.
func (r *ReplyTokenLedger) PruneIssuedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("issued_at < ?", cutoff).
		Delete(&models.ReplyToken{})
	return res.RowsAffected, res.Error
}
