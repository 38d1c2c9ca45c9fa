// Package store 定义网关消费的身份解析与消息存储接口，并提供 Postgres(gorm) 与 MongoDB 两种实现。
package store

import (
	"context"
	"errors"
	"time"

	"chatgateway/internal/models"

	nanoid "github.com/jaevor/go-nanoid"
)

var (
	// ErrIdentityNotFound token 合法但对应用户不存在。
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrInvalidSubject subject 的格式无法映射到任何用户主键。
	ErrInvalidSubject = errors.New("invalid subject")
	// ErrEmailTaken 注册时邮箱已被占用。
	ErrEmailTaken = errors.New("email already in use")
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, subject string) (models.Identity, error)
	FindByPublicID(ctx context.Context, publicID string) (models.Identity, error)
}

// MessageStore 只追加，SaveMessage 返回存储层生成的标识。
type MessageStore interface {
	SaveMessage(ctx context.Context, msg models.Message) (string, error)
	// ListMessages 返回 before 之前最近的 limit 条消息，按时间升序；before 为零值表示不限。
	ListMessages(ctx context.Context, room string, limit int, before time.Time) ([]models.Message, error)
}

// Account 是登录所需的用户记录，Subject 即签发 token 时使用的 subject。
type Account struct {
	Subject      string
	Identity     models.Identity
	PasswordHash string
}

type AccountStore interface {
	CreateAccount(ctx context.Context, username, email, passwordHash string) (Account, error)
	FindAccountByEmail(ctx context.Context, email string) (Account, error)
}

type Store interface {
	IdentityResolver
	MessageStore
	AccountStore
}

// newPublicID 生成对外公开的用户标识，格式与旧版服务的 nanoid 一致。
var newPublicID = func() func() string {
	gen, err := nanoid.Standard(21)
	if err != nil {
		panic(err)
	}
	return gen
}()

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
