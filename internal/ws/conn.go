package ws

import (
	"net/http"
	"strings"
	"time"

	"chatgateway/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// 信封与 JSON 转义的额外开销。
	frameOverhead = 1024
	// 握手完成前最多暂存的入站帧数，超出后读协程阻塞。
	inboundQueue = 16
)

// originChecker 未配置白名单时放行所有来源；配置后只接受白名单内的 Origin，
// 不带 Origin 的非浏览器客户端始终放行。
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// credentialFrom 只从握手元数据读取凭证：优先 Authorization 头，其次 token 查询参数
// （浏览器无法为 WebSocket 升级请求设置请求头）。
func credentialFrom(r *http.Request) string {
	if tok := auth.BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ServeWS 先升级连接再握手，这样失败原因可以作为 auth_error 事件送达客户端。
// 读协程从升级后立即开始工作：握手期间客户端断开会取消会话上下文，
// 握手期间到达的帧排队，握手成功后按到达顺序处理。
func (g *Gateway) ServeWS(c *gin.Context) {
	credential := credentialFrom(c.Request)
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", c.ClientIP()).Msg("websocket upgrade failed")
		return
	}
	g.conns.Add(1)
	defer g.conns.Done()

	s := g.newSession()
	s.Logger().Debug().Str("remote", c.ClientIP()).Msg("websocket connected")
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writePump(conn, s)
	}()
	frames := make(chan []byte, inboundQueue)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		g.readPump(conn, s, frames)
	}()

	if err := g.Handshake(s.Context(), s, credential); err == nil {
		for frame := range frames {
			_ = g.Handle(s.Context(), s, frame)
		}
	}
	g.Disconnect(s)
	<-writerDone
	_ = conn.Close()
	<-readerDone
}

// readPump 持续读取连接并把帧交给 frames，退出时关闭 frames。
// 握手尚未完成时读错误立即断开会话，取消正在进行的鉴权。
func (g *Gateway) readPump(conn *websocket.Conn, s *Session, frames chan<- []byte) {
	defer func() {
		close(frames)
		if s.State() == StateUnauthenticated {
			g.Disconnect(s)
		}
	}()
	conn.SetReadLimit(int64(g.cfg.MaxMessageBytes + frameOverhead))
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		g.touchPresence(s)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.Logger().Debug().Err(err).Msg("websocket read")
			}
			return
		}
		select {
		case frames <- data:
		case <-s.Context().Done():
			return
		}
	}
}

// writePump 是连接上唯一的写者。发送通道关闭后先写完已排队的帧，再发送关闭帧。
func writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeStatus(), ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.Logger().Debug().Err(err).Msg("websocket write")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
