package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/config"
	"chatgateway/internal/models"
	"chatgateway/internal/store"

	"gorm.io/gorm"
)

// UserService 封装注册、登录与 token 刷新。refresh token 存在关系库中，
// 使用 Mongo 后端时 db 为 nil，只签发访问令牌。
type UserService struct {
	accounts   store.AccountStore
	identities store.IdentityResolver
	db         *gorm.DB
	cfg        config.Config
}

func NewUserService(accounts store.AccountStore, identities store.IdentityResolver, db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{accounts: accounts, identities: identities, db: db, cfg: cfg}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	PublicID string `json:"public_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Register 注册新用户，邮箱唯一。
func (s *UserService) Register(ctx context.Context, username, email, password string) (*RegisterResult, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	acc, err := s.accounts.CreateAccount(ctx, username, email, hash)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{PublicID: acc.Identity.PublicID, Username: acc.Identity.DisplayName, Email: acc.Identity.Email}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	User         models.Identity `json:"user"`
}

// Login 校验邮箱密码并签发 token 对。
func (s *UserService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	acc, err := s.accounts.FindAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrIdentityNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !auth.VerifyPassword(acc.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateSubjectToken(acc.Subject, s.cfg.JWTSecret, s.accessTTL())
	if err != nil {
		return nil, err
	}
	result := &LoginResult{AccessToken: at, User: acc.Identity}
	if s.db == nil {
		return result, nil
	}
	userID, err := strconv.ParseUint(acc.Subject, 10, 64)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := auth.SaveRefreshToken(s.db.WithContext(ctx), uint(userID), rt, s.refreshExpiry()); err != nil {
		return nil, err
	}
	result.RefreshToken = rt
	return result, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(ctx context.Context, oldRT string) (*RefreshResult, error) {
	if s.db == nil {
		return nil, ErrRefreshUnsupported
	}
	var result RefreshResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, s.refreshExpiry()); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Username 按公开 ID 查询用户名。
func (s *UserService) Username(ctx context.Context, publicID string) (string, error) {
	ident, err := s.identities.FindByPublicID(ctx, publicID)
	if err != nil {
		if errors.Is(err, store.ErrIdentityNotFound) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return ident.DisplayName, nil
}

func (s *UserService) accessTTL() time.Duration {
	return time.Duration(s.cfg.AccessTokenTTLMinutes) * time.Minute
}

func (s *UserService) refreshExpiry() time.Time {
	return time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
}
