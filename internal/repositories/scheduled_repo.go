package repositories

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/models"
)

// ScheduledRepository 预约消息仓储
type ScheduledRepository struct {
	db *gorm.DB
}

// NewScheduledRepository 创建预约消息仓储实例
func NewScheduledRepository(db *gorm.DB) *ScheduledRepository {
	return &ScheduledRepository{db: db}
}

// Create 创建预约消息
func (r *ScheduledRepository) Create(ctx context.Context, row *models.ScheduledMessage) error {
	return r.db.WithContext(ctx).Create(row).Error
}

// GetByID 根据ID获取预约消息
func (r *ScheduledRepository) GetByID(ctx context.Context, id int64) (*models.ScheduledMessage, error) {
	var row models.ScheduledMessage
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// ListByConversation 获取会话的预约消息列表
func (r *ScheduledRepository) ListByConversation(ctx context.Context, conversationID string) ([]models.ScheduledMessage, error) {
	var rows []models.ScheduledMessage
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("fire_at ASC").
		Find(&rows).Error
	return rows, err
}

// Update 更新预约消息
func (r *ScheduledRepository) Update(ctx context.Context, row *models.ScheduledMessage) error {
	return r.db.WithContext(ctx).Save(row).Error
}

// Delete 删除预约消息
func (r *ScheduledRepository) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&models.ScheduledMessage{}, id).Error
}

// ClaimForFire moves a row from an expected status into the target status
// with a conditional update, and reports whether this call won the claim.
// The job scheduler delivers at-least-once, so a second fire for the same id
// must lose here and skip the send.
func (r *ScheduledRepository) ClaimForFire(ctx context.Context, id int64, expect, target string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ScheduledMessage{}).
		Where("id = ? AND status = ?", id, expect).
		Updates(map[string]interface{}{
			"status":     target,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SetStatus 更新预约消息状态
func (r *ScheduledRepository) SetStatus(ctx context.Context, id int64, status, lastError string) error {
	return r.db.WithContext(ctx).Model(&models.ScheduledMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"last_error": lastError,
			"updated_at": time.Now(),
		}).Error
}
