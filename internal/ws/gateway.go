package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/metrics"
	"chatgateway/internal/models"
	"chatgateway/internal/presence"
	"chatgateway/internal/store"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Config 网关运行参数。
type Config struct {
	HandshakeTimeout time.Duration
	MaxMessageBytes  int
	MessageRate      float64
	MessageBurst     int
	SendBuffer       int
	AllowedOrigins   []string
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		MaxMessageBytes:  4096,
		MessageRate:      5,
		MessageBurst:     10,
		SendBuffer:       256,
	}
}

// Gateway 串起握手、房间操作与发送流水线。除 Registry 外不持有共享可变状态。
type Gateway struct {
	cfg       Config
	verifier  auth.TokenVerifier
	resolver  store.IdentityResolver
	registry  *Registry
	persister *Persister
	presence  presence.Tracker
	upgrader  websocket.Upgrader
	// 同一 subject 的并发握手（如断线重连风暴）只查询一次身份。
	lookups singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*Session]struct{}
	conns    sync.WaitGroup
}

func NewGateway(cfg Config, verifier auth.TokenVerifier, resolver store.IdentityResolver, registry *Registry, persister *Persister, tracker presence.Tracker) *Gateway {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if tracker == nil {
		tracker = presence.NewLocal()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:       cfg,
		verifier:  verifier,
		resolver:  resolver,
		registry:  registry,
		persister: persister,
		presence:  tracker,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[*Session]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return g
}

func (g *Gateway) Registry() *Registry { return g.registry }

func (g *Gateway) Presence() presence.Tracker { return g.presence }

// newSession 创建一个未鉴权的会话并登记，Shutdown 时统一关闭。
func (g *Gateway) newSession() *Session {
	var lim *rate.Limiter
	if g.cfg.MessageRate > 0 {
		burst := g.cfg.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(g.cfg.MessageRate), burst)
	}
	s := newSession(g.ctx, g.cfg.SendBuffer, lim)
	g.mu.Lock()
	g.sessions[s] = struct{}{}
	g.mu.Unlock()
	return s
}

// Handshake 对会话执行唯一一次鉴权。失败时会话进入 Rejected，并在发送缓冲中留下
// auth_error，调用方随后负责关闭连接。
func (g *Gateway) Handshake(ctx context.Context, s *Session, credential string) error {
	if !s.handshaken.CompareAndSwap(false, true) {
		return ErrHandshakeDone
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.HandshakeTimeout)
	defer cancel()

	if credential == "" {
		return g.rejectHandshake(s, auth.ErrMissingCredential)
	}
	subject, err := g.verifier.VerifyToken(ctx, credential)
	if err != nil {
		return g.rejectHandshake(s, handshakeErr(ctx, err))
	}
	ident, err := g.resolveIdentity(ctx, subject)
	if err != nil {
		return g.rejectHandshake(s, handshakeErr(ctx, err))
	}
	if ctx.Err() != nil {
		return g.rejectHandshake(s, handshakeErr(ctx, ctx.Err()))
	}
	// 先上线再切换状态：切换之后的任何 Disconnect 都能看到身份并负责下线。
	if err := g.presence.Online(ctx, ident.PublicID, s.ID()); err != nil {
		s.Logger().Warn().Err(err).Msg("presence online")
	}
	if !s.authenticate(ident) {
		// 握手期间连接已关闭。
		g.markOffline(s, ident.PublicID)
		return fmt.Errorf("%w: session closed during handshake", ErrAuthentication)
	}
	s.enqueueEvent(EventIdentityAssigned, IdentityAssigned{PublicID: ident.PublicID, Profile: ident})
	metrics.WsConnections.Inc()
	s.Logger().Info().Str("username", ident.DisplayName).Msg("session authenticated")
	return nil
}

func (g *Gateway) resolveIdentity(ctx context.Context, subject string) (models.Identity, error) {
	ch := g.lookups.DoChan(subject, func() (any, error) {
		// 共享调用不跟随任何单个连接的取消。
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.HandshakeTimeout)
		defer cancel()
		return g.resolver.ResolveIdentity(sctx, subject)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Identity{}, res.Err
		}
		return res.Val.(models.Identity), nil
	case <-ctx.Done():
		return models.Identity{}, ctx.Err()
	}
}

func handshakeErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return err
}

func (g *Gateway) rejectHandshake(s *Session, cause error) error {
	if !s.reject() {
		return fmt.Errorf("%w: %w", ErrAuthentication, cause)
	}
	reason, msg := classifyAuthError(cause)
	metrics.HandshakeFailures.WithLabelValues(reason).Inc()
	s.enqueueEvent(EventAuthError, ErrorPayload{Message: msg})
	s.Logger().Info().Err(cause).Str("reason", reason).Msg("handshake rejected")
	return fmt.Errorf("%w: %w", ErrAuthentication, cause)
}

// classifyAuthError 返回指标标签与给客户端的提示，提示中不包含内部细节。
func classifyAuthError(err error) (reason, message string) {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return "missing", "authentication token missing"
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout", "authentication timed out"
	case errors.Is(err, auth.ErrInvalidCredential):
		return "invalid", "invalid authentication token"
	case errors.Is(err, store.ErrIdentityNotFound), errors.Is(err, store.ErrInvalidSubject):
		return "not_found", "user not found"
	default:
		return "error", "authentication failed"
	}
}

// Handle 解析并执行一条入站事件。输入错误以 error 事件回报给发送方，
// 单个事件内的 panic 被恢复，不影响其他连接。
func (g *Gateway) Handle(ctx context.Context, s *Session, frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger().Error().Interface("panic", r).Msg("event handler panic")
			err = errInternal
			s.enqueueEvent(EventError, ErrorPayload{Message: errInternal.Error()})
		}
	}()
	err = g.dispatch(ctx, s, frame)
	if errors.Is(err, ErrInvalidInput) {
		s.Logger().Debug().Err(err).Msg("rejected event")
		s.enqueueEvent(EventError, ErrorPayload{Message: err.Error()})
	}
	return err
}

func (g *Gateway) dispatch(ctx context.Context, s *Session, frame []byte) error {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
		return ErrMalformedEvent
	}
	switch env.Type {
	case EventJoinRoom:
		var p RoomPayload
		if err := decodeData(env.Data, &p); err != nil {
			return err
		}
		return g.Join(s, p.Room)
	case EventLeaveRoom:
		var p RoomPayload
		if err := decodeData(env.Data, &p); err != nil {
			return err
		}
		return g.Leave(s, p.Room)
	case EventSendMessage:
		var p SendPayload
		if err := decodeData(env.Data, &p); err != nil {
			return err
		}
		return g.SendMessage(ctx, s, p.Room, p.Body)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrMalformedEvent
	}
	return nil
}

const presenceTimeout = 2 * time.Second

// MaxRoomNameLength 与消息表 room 列宽一致。
const MaxRoomNameLength = 128

// ValidateRoom 校验房间名。名字按原样使用，空白字符也是名字的一部分。
func ValidateRoom(room string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	if len(room) > MaxRoomNameLength {
		return ErrRoomNameTooLong
	}
	return nil
}

// Join 加入房间并回执 joined。
func (g *Gateway) Join(s *Session, room string) error {
	if err := ValidateRoom(room); err != nil {
		return err
	}
	if err := g.registry.Join(s, room); err != nil {
		return err
	}
	s.enqueueEvent(EventJoined, RoomPayload{Room: room})
	s.Logger().Debug().Str("room", room).Msg("joined room")
	return nil
}

func (g *Gateway) Leave(s *Session, room string) error {
	if s.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if err := ValidateRoom(room); err != nil {
		return err
	}
	if err := g.registry.Leave(s, room); err != nil {
		return err
	}
	s.enqueueEvent(EventLeft, RoomPayload{Room: room})
	return nil
}

// SendMessage 同步广播消息，再把持久化任务交给后台工作池，不等待其结果。
func (g *Gateway) SendMessage(ctx context.Context, s *Session, room, body string) error {
	if s.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	ident, _ := s.Identity()
	if err := ValidateRoom(room); err != nil {
		return err
	}
	if body == "" {
		return ErrEmptyBody
	}
	if len(body) > g.cfg.MaxMessageBytes {
		return ErrBodyTooLong
	}
	if !s.allow() {
		return ErrRateLimited
	}

	msg := models.Message{
		Room:              room,
		SenderPublicID:    ident.PublicID,
		SenderDisplayName: ident.DisplayName,
		Body:              body,
		CreatedAt:         time.Now().UTC(),
	}
	n, err := g.registry.Broadcast(room, EventReceiveMessage, receivePayload(msg), nil)
	if err != nil {
		return err
	}
	metrics.WsMessagesTotal.Inc()
	s.Logger().Debug().Str("room", room).Int("recipients", n).Msg("message broadcast")

	if g.persister != nil {
		g.persister.Submit(msg)
	}
	return nil
}

// Disconnect 执行一次断开清理：退出所有房间、关闭会话、更新在线状态。
func (g *Gateway) Disconnect(s *Session) {
	if !s.disconnected.CompareAndSwap(false, true) {
		return
	}
	g.registry.LeaveAll(s)
	s.Close(websocket.CloseNormalClosure)

	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()

	if ident, ok := s.Identity(); ok {
		metrics.WsConnections.Dec()
		g.markOffline(s, ident.PublicID)
		s.Logger().Info().Msg("session disconnected")
	}
}

func (g *Gateway) markOffline(s *Session, publicID string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := g.presence.Offline(ctx, publicID, s.ID()); err != nil {
		s.Logger().Warn().Err(err).Msg("presence offline")
	}
}

// touchPresence 在收到 pong 时为已鉴权的会话续期在线状态。
func (g *Gateway) touchPresence(s *Session) {
	if s.State() != StateAuthenticated {
		return
	}
	ident, _ := s.Identity()
	ctx, cancel := context.WithTimeout(s.Context(), presenceTimeout)
	defer cancel()
	if err := g.presence.Touch(ctx, ident.PublicID, s.ID()); err != nil {
		s.Logger().Warn().Err(err).Msg("presence touch")
	}
}

// Shutdown 以 going away 关闭所有连接并等待读写协程退出。
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()
	g.mu.Lock()
	live := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		live = append(live, s)
	}
	g.mu.Unlock()
	for _, s := range live {
		s.Close(websocket.CloseGoingAway)
	}
	log.Info().Int("sessions", len(live)).Msg("closing websocket sessions")

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
