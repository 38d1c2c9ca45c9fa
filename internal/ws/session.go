package ws

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"chatgateway/internal/metrics"
	"chatgateway/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// State 是单个连接的鉴权状态机。
//
//	Unauthenticated -> Authenticated | Rejected -> Closed
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateRejected
	StateClosed
)

func (st State) String() string {
	switch st {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session 保存一个长连接在服务端的全部状态。房间成员关系由 Registry 持有，
// Session 只记录自己加入过的房间名，供断开时 LeaveAll 使用。
type Session struct {
	id      string
	send    chan []byte
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	handshaken   atomic.Bool
	disconnected atomic.Bool

	mu        sync.Mutex
	state     State
	authed    bool
	identity  models.Identity
	rooms     map[string]struct{}
	closed    bool
	closeCode int
	log       zerolog.Logger
}

func newSession(parent context.Context, buffer int, limiter *rate.Limiter) *Session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Session{
		id:        id,
		send:      make(chan []byte, buffer),
		limiter:   limiter,
		ctx:       ctx,
		cancel:    cancel,
		rooms:     make(map[string]struct{}),
		closeCode: websocket.CloseNormalClosure,
		log:       log.With().Str("session_id", id).Logger(),
	}
}

func (s *Session) ID() string { return s.id }

// Context 在连接关闭时取消。
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity 返回握手时绑定的身份；连接关闭后仍可读取。
func (s *Session) Identity() (models.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.authed
}

// Rooms 返回当前加入的房间名，按字典序。
func (s *Session) Rooms() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		out = append(out, name)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Session) Logger() *zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log
	return &l
}

func (s *Session) authenticate(ident models.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnauthenticated {
		return false
	}
	s.state = StateAuthenticated
	s.authed = true
	s.identity = ident
	s.log = s.log.With().Str("public_id", ident.PublicID).Logger()
	return true
}

func (s *Session) reject() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnauthenticated {
		return false
	}
	s.state = StateRejected
	s.closeCode = websocket.ClosePolicyViolation
	return true
}

func (s *Session) addRoom(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return ErrNotAuthenticated
	}
	s.rooms[name] = struct{}{}
	return nil
}

func (s *Session) removeRoom(name string) {
	s.mu.Lock()
	delete(s.rooms, name)
	s.mu.Unlock()
}

func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// Enqueue 把一帧放入发送缓冲，不阻塞。连接已关闭时静默跳过；
// 缓冲已满视为慢消费者，直接关闭该连接。
func (s *Session) Enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		metrics.WsDeliveriesTotal.Inc()
		return true
	default:
		s.log.Warn().Int("buffer", cap(s.send)).Msg("outbound buffer full, dropping slow consumer")
		metrics.SlowConsumers.Inc()
		s.closeLocked(websocket.CloseTryAgainLater)
		return false
	}
}

func (s *Session) enqueueEvent(typ string, data any) bool {
	frame, err := encodeEvent(typ, data)
	if err != nil {
		s.Logger().Error().Err(err).Str("event", typ).Msg("encode event")
		return false
	}
	return s.Enqueue(frame)
}

// Close 关闭发送通道并取消会话上下文，可重复调用。已排队的帧仍会被写出，
// 随后写协程用 code 发送关闭帧。
func (s *Session) Close(code int) {
	s.mu.Lock()
	s.closeLocked(code)
	s.mu.Unlock()
}

func (s *Session) closeLocked(code int) {
	if s.closed {
		return
	}
	s.closed = true
	if s.state == StateRejected {
		code = s.closeCode
	}
	s.closeCode = code
	s.state = StateClosed
	close(s.send)
	s.cancel()
}

func (s *Session) closeStatus() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}
