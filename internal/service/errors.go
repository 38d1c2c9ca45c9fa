package service

import (
	"errors"

	"chatgateway/internal/store"
)

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
var (
	ErrEmailTaken         = store.ErrEmailTaken
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrRefreshUnsupported = errors.New("refresh tokens are not available on this backend")
	ErrInvalidRoomName    = errors.New("invalid room name")
	ErrUserNotFound       = errors.New("user not found")
)
