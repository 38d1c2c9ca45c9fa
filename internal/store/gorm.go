package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatgateway/internal/models"

	"gorm.io/gorm"
)

var _ Store = (*GormStore)(nil)

// GormStore 基于关系库实现 Store，subject 为 users 表主键。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ResolveIdentity(ctx context.Context, subject string) (models.Identity, error) {
	id, err := strconv.ParseUint(subject, 10, 64)
	if err != nil || id == 0 {
		return models.Identity{}, fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	var user models.User
	if err := s.db.WithContext(ctx).Select("public_id", "username", "email").First(&user, uint(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Identity{}, ErrIdentityNotFound
		}
		return models.Identity{}, err
	}
	return identityOf(user), nil
}

func (s *GormStore) FindByPublicID(ctx context.Context, publicID string) (models.Identity, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("public_id = ?", publicID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Identity{}, ErrIdentityNotFound
		}
		return models.Identity{}, err
	}
	return identityOf(user), nil
}

func (s *GormStore) SaveMessage(ctx context.Context, msg models.Message) (string, error) {
	msg.ID = 0
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(msg.ID), 10), nil
}

func (s *GormStore) ListMessages(ctx context.Context, room string, limit int, before time.Time) ([]models.Message, error) {
	q := s.db.WithContext(ctx).Where("room = ?", room)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	var msgs []models.Message
	if err := q.Order("created_at desc").Order("id desc").Limit(clampLimit(limit)).Find(&msgs).Error; err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// CreateAccount 创建用户并生成对外公开的 public_id。
func (s *GormStore) CreateAccount(ctx context.Context, username, email, passwordHash string) (Account, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return Account{}, err
	}
	if count > 0 {
		return Account{}, ErrEmailTaken
	}
	user := models.User{PublicID: newPublicID(), Username: username, Email: email, PasswordHash: passwordHash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return Account{}, err
	}
	return accountOf(user), nil
}

func (s *GormStore) FindAccountByEmail(ctx context.Context, email string) (Account, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, ErrIdentityNotFound
		}
		return Account{}, err
	}
	return accountOf(user), nil
}

func accountOf(u models.User) Account {
	return Account{
		Subject:      strconv.FormatUint(uint64(u.ID), 10),
		Identity:     identityOf(u),
		PasswordHash: u.PasswordHash,
	}
}

func identityOf(u models.User) models.Identity {
	return models.Identity{PublicID: u.PublicID, DisplayName: u.Username, Email: u.Email}
}
