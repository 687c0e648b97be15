package repositories

import (
	"context"

	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/models"
)

// OperatorRepository 操作员仓储
type OperatorRepository struct {
	db *gorm.DB
}

// NewOperatorRepository 创建操作员仓储实例
func NewOperatorRepository(db *gorm.DB) *OperatorRepository {
	return &OperatorRepository{db: db}
}

// Create 创建操作员
func (r *OperatorRepository) Create(ctx context.Context, op *models.Operator) error {
	return r.db.WithContext(ctx).Create(op).Error
}

// GetByUsername 根据用户名获取操作员
func (r *OperatorRepository) GetByUsername(ctx context.Context, username string) (*models.Operator, error) {
	var op models.Operator
	if err := r.db.WithContext(ctx).Where("username = ?", username).First(&op).Error; err != nil {
		return nil, err
	}
	return &op, nil
}
