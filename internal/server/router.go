package server

import (
	"net/http"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/config"
	"chatgateway/internal/metrics"
	"chatgateway/internal/mw"
	"chatgateway/internal/service"
	"chatgateway/internal/store"
	"chatgateway/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps 是路由所需的全部依赖。RefreshDB 为 nil 时不签发 refresh token。
type Deps struct {
	Store     store.Store
	RefreshDB *gorm.DB
	Verifier  auth.TokenVerifier
	Gateway   *ws.Gateway
	Limiter   *mw.KeyedLimiter
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestLogger())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.AllowedOrigins))
	limiter := deps.Limiter
	if limiter == nil {
		limiter = mw.NewKeyedLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	}
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(limiter))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", deps.Gateway.ServeWS)

	h := NewHandler(
		service.NewUserService(deps.Store, deps.Store, deps.RefreshDB, cfg),
		service.NewRoomService(deps.Gateway.Registry()),
		service.NewMessageService(deps.Store),
		service.NewPresenceService(deps.Store, deps.Gateway.Presence()),
		deps.Verifier,
	)

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)
	api.GET("/auth/validate", h.ValidateToken)
	api.GET("/users/:public_id/username", h.Username)
	api.GET("/users/:public_id/online", h.UserOnline)

	// 需要 Bearer Token 的业务接口，与 WebSocket 握手共用同一套校验与身份解析。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(deps.Verifier, deps.Store.ResolveIdentity))
	authed.GET("/users/me", h.Me)
	authed.GET("/rooms", h.ListRooms)
	authed.GET("/rooms/:name/online", h.RoomOnline)
	authed.GET("/rooms/:name/messages", h.ListMessages)

	return r
}
