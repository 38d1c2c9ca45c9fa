package ws

import (
	"errors"
	"fmt"
)

// 鉴权失败：连接被拒绝并关闭，不会重试。
var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrHandshakeDone    = errors.New("handshake already attempted")
)

// 输入错误只回报给发起方，连接保持打开。
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrEmptyRoom        = fmt.Errorf("%w: room name is required", ErrInvalidInput)
	ErrRoomNameTooLong  = fmt.Errorf("%w: room name too long", ErrInvalidInput)
	ErrEmptyBody        = fmt.Errorf("%w: message body is required", ErrInvalidInput)
	ErrNotAuthenticated = fmt.Errorf("%w: session is not authenticated", ErrInvalidInput)
	ErrBodyTooLong      = fmt.Errorf("%w: message body too long", ErrInvalidInput)
	ErrRateLimited      = fmt.Errorf("%w: sending too fast", ErrInvalidInput)
	ErrMalformedEvent   = fmt.Errorf("%w: malformed event", ErrInvalidInput)
	ErrUnknownEvent     = fmt.Errorf("%w: unknown event type", ErrInvalidInput)
)

var errInternal = errors.New("internal error")
