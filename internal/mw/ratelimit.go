package mw

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// KeyedLimiter 为每个 key 维护一个令牌桶，空闲超过 ttl 的桶由后台协程回收。
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

func NewKeyedLimiter(r rate.Limit, burst int, ttl time.Duration) *KeyedLimiter {
	kl := &KeyedLimiter{buckets: make(map[string]*bucket), r: r, burst: burst, ttl: ttl, stop: make(chan struct{})}
	go kl.gc(ttl / 4)
	return kl
}

func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	b, ok := kl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(kl.r, kl.burst)}
		kl.buckets[key] = b
	}
	b.seen = time.Now()
	kl.mu.Unlock()
	return b.lim.Allow()
}

// Len 返回当前跟踪的 key 数量。
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.buckets)
}

func (kl *KeyedLimiter) gc(every time.Duration) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-kl.stop:
			return
		case now := <-ticker.C:
			kl.sweep(now)
		}
	}
}

func (kl *KeyedLimiter) sweep(now time.Time) {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	for k, b := range kl.buckets {
		if now.Sub(b.seen) > kl.ttl {
			delete(kl.buckets, k)
		}
	}
}

// Stop 停止回收协程，用于优雅停服。
func (kl *KeyedLimiter) Stop() {
	kl.once.Do(func() { close(kl.stop) })
}

// RateLimit 按 客户端 IP + 路由 限速，超限返回 429。
func RateLimit(kl *KeyedLimiter) gin.HandlerFunc {
	retryAfter := "1"
	if kl.r > 0 && kl.r < 1 {
		retryAfter = strconv.Itoa(int(1/float64(kl.r)) + 1)
	}
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			// 未匹配的路径共用一个桶，随机路径不会产生新 key。
			route = "unmatched"
		}
		if !kl.Allow(c.ClientIP() + "|" + route) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
