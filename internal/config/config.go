package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultJWTSecret = "dev-secret-change-me"

// 存储后端：postgres 走 gorm，mongo 兼容旧版 Node 服务写入的集合。
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	StoreBackend  string
	DatabaseDSN   string
	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	PresenceTTL   time.Duration

	JWTSecret             string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	AllowedOrigins   []string
	HandshakeTimeout time.Duration
	MaxMessageBytes  int
	MessageRate      float64
	MessageBurst     int

	PersistWorkers    int
	PersistQueueSize  int
	PersistMaxRetries int
	PersistTimeout    time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 解析正整数，非法值或非正数回退到默认值。
func getint(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getfloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getlist(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func Load() Config {
	return Config{
		Port:     getenv("APP_PORT", "8080"),
		Env:      getenv("APP_ENV", "dev"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		StoreBackend:  strings.ToLower(getenv("STORE_BACKEND", BackendPostgres)),
		DatabaseDSN:   getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatgateway port=5432 sslmode=disable TimeZone=UTC"),
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDatabase: getenv("MONGO_DATABASE", "chat"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		PresenceTTL:   time.Duration(getint("PRESENCE_TTL_SECONDS", 120)) * time.Second,

		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 60),
		RefreshTokenTTLDays:   getint("REFRESH_TOKEN_TTL_DAYS", 7),

		AllowedOrigins:   getlist("ALLOWED_ORIGINS"),
		HandshakeTimeout: time.Duration(getint("HANDSHAKE_TIMEOUT_SECONDS", 5)) * time.Second,
		MaxMessageBytes:  getint("MAX_MESSAGE_BYTES", 4096),
		MessageRate:      getfloat("MESSAGE_RATE_PER_SECOND", 5),
		MessageBurst:     getint("MESSAGE_BURST", 10),

		PersistWorkers:    getint("PERSIST_WORKERS", 4),
		PersistQueueSize:  getint("PERSIST_QUEUE_SIZE", 1024),
		PersistMaxRetries: getint("PERSIST_MAX_RETRIES", 3),
		PersistTimeout:    time.Duration(getint("PERSIST_TIMEOUT_SECONDS", 5)) * time.Second,
	}
}

// Validate 在启动前拒绝无法运行的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is required")
	}
	switch cfg.StoreBackend {
	case BackendPostgres:
		if cfg.DatabaseDSN == "" {
			return errors.New("config: DATABASE_DSN is required for postgres backend")
		}
	case BackendMongo:
		if cfg.MongoURI == "" {
			return errors.New("config: MONGO_URI is required for mongo backend")
		}
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return errors.New("config: JWT_SECRET must be changed outside dev")
	}
	return nil
}
