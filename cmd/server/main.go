package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/config"
	"chatgateway/internal/db"
	clog "chatgateway/internal/log"
	"chatgateway/internal/mw"
	"chatgateway/internal/presence"
	"chatgateway/internal/server"
	"chatgateway/internal/store"
	"chatgateway/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// main 函数负责加载配置、初始化日志、连接存储并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	ctx := context.Background()

	var (
		st        store.Store
		refreshDB *gorm.DB
		closeDB   func(context.Context) error
	)
	switch cfg.StoreBackend {
	case config.BackendMongo:
		mdb, disconnect, err := db.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			log.Fatal().Err(err).Msg("mongo connect")
		}
		ms := store.NewMongoStore(mdb)
		if err := ms.EnsureIndexes(ctx); err != nil {
			log.Fatal().Err(err).Msg("mongo indexes")
		}
		st, closeDB = ms, disconnect
	default:
		gdb, err := db.Connect(cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("db connect")
		}
		if err := db.Migrate(gdb); err != nil {
			log.Fatal().Err(err).Msg("db migrate")
		}
		st, refreshDB = store.NewGormStore(gdb), gdb
		closeDB = func(context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		}
	}

	var tracker presence.Tracker = presence.NewLocal()
	if cfg.RedisAddr != "" {
		rt, err := presence.NewRedisTracker(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.PresenceTTL)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connect")
		}
		defer rt.Close()
		tracker = rt
	}

	persister := ws.NewPersister(st, ws.PersistConfig{
		Workers:    cfg.PersistWorkers,
		QueueSize:  cfg.PersistQueueSize,
		MaxRetries: cfg.PersistMaxRetries,
		Timeout:    cfg.PersistTimeout,
	})
	if err := persister.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("persister start")
	}

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	gw := ws.NewGateway(ws.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxMessageBytes:  cfg.MaxMessageBytes,
		MessageRate:      cfg.MessageRate,
		MessageBurst:     cfg.MessageBurst,
		AllowedOrigins:   cfg.AllowedOrigins,
	}, verifier, st, ws.NewRegistry(), persister, tracker)

	limiter := mw.NewKeyedLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	r := server.SetupRouter(cfg, server.Deps{
		Store:     st,
		RefreshDB: refreshDB,
		Verifier:  verifier,
		Gateway:   gw,
		Limiter:   limiter,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("store", cfg.StoreBackend).
			Bool("presence", cfg.RedisAddr != "").
			Msg("chat gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	// 停服顺序：先停止接受新请求并断开所有长连接，再排空持久化队列，最后关闭存储。
	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
		"gateway": func(ctx context.Context) error {
			errHTTP := srv.Shutdown(ctx)
			errWS := gw.Shutdown(ctx)
			errPersist := persister.Stop(ctx)
			limiter.Stop()
			errDB := closeDB(ctx)
			return errors.Join(errHTTP, errWS, errPersist, errDB)
		},
	})
	exitCode := <-wait
	if exitCode != 0 {
		log.Error().Int("exit_code", exitCode).Msg("shutdown completed with errors")
		os.Exit(exitCode)
	}
	log.Info().Msg("shutdown completed")
}
