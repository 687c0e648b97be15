package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yamato-dev/linedesk/internal/models"
)

// ConversationRepository 会话仓储
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建会话仓储实例
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Touch upserts the conversation for an inbound or outbound message and
// advances its last-activity timestamp. Activity never moves backward.
func (r *ConversationRepository) Touch(ctx context.Context, subjectID, kind, displayName string, activityAt time.Time) (*models.Conversation, error) {
	conv := models.Conversation{
		SubjectID:      subjectID,
		Kind:           kind,
		DisplayName:    displayName,
		LastActivityAt: activityAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "subject_id"}, {Name: "kind"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"last_activity_at": gorm.Expr("GREATEST(conversations.last_activity_at, EXCLUDED.last_activity_at)"),
				"updated_at":       time.Now(),
			}),
		}).
		Create(&conv).Error
	if err != nil {
		return nil, err
	}

	// re-read so the caller sees the merged row, not the insert candidate
	return r.GetBySubject(ctx, subjectID, kind)
}

// GetBySubject 根据会话标识获取会话
func (r *ConversationRepository) GetBySubject(ctx context.Context, subjectID, kind string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).
		Where("subject_id = ? AND kind = ?", subjectID, kind).
		First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetByID 根据ID获取会话
func (r *ConversationRepository) GetByID(ctx context.Context, id int64) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

// List returns conversations ordered by latest activity, for the first page
// load of the console.
func (r *ConversationRepository) List(ctx context.Context, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	var convs []models.Conversation
	err := r.db.WithContext(ctx).
		Order("last_activity_at DESC").
		Limit(limit).
		Find(&convs).Error
	return convs, err
}

// ListCreatedAfter returns conversations with an id greater than afterID,
// ascending. Used by polling to surface brand-new conversations.
func (r *ConversationRepository) ListCreatedAfter(ctx context.Context, afterID int64) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Find(&convs).Error
	return convs, err
}

// ListActiveSince returns conversations whose activity is strictly newer
// than the given watermark.
func (r *ConversationRepository) ListActiveSince(ctx context.Context, since time.Time) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.WithContext(ctx).
		Where("last_activity_at > ?", since).
		Order("last_activity_at ASC").
		Find(&convs).Error
	return convs, err
}

// MarkRead advances the read marker. The marker never moves backward, so a
// stale client cannot resurrect unread counts.
func (r *ConversationRepository) MarkRead(ctx context.Context, subjectID, kind string, readAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("subject_id = ? AND kind = ? AND read_marker_at < ?", subjectID, kind, readAt).
		Update("read_marker_at", readAt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// either unknown conversation or an older marker; distinguish
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Conversation{}).
			Where("subject_id = ? AND kind = ?", subjectID, kind).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return errors.New("conversation not found")
		}
	}
	return nil
}
