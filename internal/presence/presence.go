// Package presence 记录用户的在线状态：连接建立时上线，存活期间续期，断开时下线。
package presence

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker 按用户公开 ID 记录在线会话。同一用户可以同时持有多个会话。
type Tracker interface {
	Online(ctx context.Context, publicID, sessionID string) error
	// Touch 在会话仍然存活时续期，避免长连接被 TTL 误清理。
	Touch(ctx context.Context, publicID, sessionID string) error
	Offline(ctx context.Context, publicID, sessionID string) error
	IsOnline(ctx context.Context, publicID string) (bool, error)
}

// key 格式：chat:presence:<public_id>，hash 字段为会话 ID，值为最近一次活跃的时间戳。
func presenceKey(publicID string) string { return "chat:presence:" + publicID }

type RedisTracker struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisTracker 连接 Redis 并 Ping 确认可用。ttl 兜底清理异常退出留下的记录。
func NewRedisTracker(ctx context.Context, addr, password string, ttl time.Duration) (*RedisTracker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: 0})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisTracker{rdb: rdb, ttl: ttl}, nil
}

func (t *RedisTracker) Online(ctx context.Context, publicID, sessionID string) error {
	return t.mark(ctx, publicID, sessionID)
}

// Touch 重写会话字段并刷新整个 key 的过期时间；key 已过期时等同于重新上线。
func (t *RedisTracker) Touch(ctx context.Context, publicID, sessionID string) error {
	return t.mark(ctx, publicID, sessionID)
}

func (t *RedisTracker) mark(ctx context.Context, publicID, sessionID string) error {
	key := presenceKey(publicID)
	pipe := t.rdb.TxPipeline()
	pipe.HSet(ctx, key, sessionID, strconv.FormatInt(time.Now().Unix(), 10))
	if t.ttl > 0 {
		pipe.Expire(ctx, key, t.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (t *RedisTracker) Offline(ctx context.Context, publicID, sessionID string) error {
	return t.rdb.HDel(ctx, presenceKey(publicID), sessionID).Err()
}

func (t *RedisTracker) IsOnline(ctx context.Context, publicID string) (bool, error) {
	n, err := t.rdb.HLen(ctx, presenceKey(publicID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *RedisTracker) Close() error { return t.rdb.Close() }

// Local 是未配置 Redis 时使用的进程内实现，只反映本节点的连接。
type Local struct {
	mu       sync.Mutex
	sessions map[string]map[string]struct{}
}

func NewLocal() *Local {
	return &Local{sessions: make(map[string]map[string]struct{})}
}

func (l *Local) Online(_ context.Context, publicID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.sessions[publicID]
	if !ok {
		set = make(map[string]struct{})
		l.sessions[publicID] = set
	}
	set[sessionID] = struct{}{}
	return nil
}

func (l *Local) Touch(context.Context, string, string) error { return nil }

func (l *Local) Offline(_ context.Context, publicID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.sessions[publicID]
	delete(set, sessionID)
	if len(set) == 0 {
		delete(l.sessions, publicID)
	}
	return nil
}

func (l *Local) IsOnline(_ context.Context, publicID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions[publicID]) > 0, nil
}
