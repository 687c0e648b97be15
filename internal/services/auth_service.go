package services

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/yamato-dev/linedesk/internal/models"
	"github.com/yamato-dev/linedesk/internal/repositories"
	"github.com/yamato-dev/linedesk/pkg/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUsernameTaken      = errors.New("username already taken")
)

// Auth 操作员认证服务
type Auth struct {
	operators *repositories.OperatorRepository
}

// NewAuth 创建认证服务实例
func NewAuth(operators *repositories.OperatorRepository) *Auth {
	return &Auth{operators: operators}
}

// Login verifies credentials and issues a session token.
func (s *Auth) Login(ctx context.Context, username, password string) (string, *models.Operator, error) {
	op, err := s.operators.GetByUsername(ctx, username)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := utils.GenerateToken(op.ID, op.Username)
	if err != nil {
		return "", nil, err
	}
	return token, op, nil
}

// Register creates an operator account with a bcrypt password hash.
func (s *Auth) Register(ctx context.Context, username, password, displayName string) (*models.Operator, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	op := &models.Operator{
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  displayName,
	}
	if err := s.operators.Create(ctx, op); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return op, nil
}
