package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatgateway/internal/metrics"
	"chatgateway/internal/models"
	"chatgateway/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// PersistConfig 持久化工作池配置。
type PersistConfig struct {
	Workers       int
	QueueSize     int
	MaxRetries    int
	Timeout       time.Duration
	RetryInterval time.Duration
}

func DefaultPersistConfig() PersistConfig {
	return PersistConfig{
		Workers:       4,
		QueueSize:     1024,
		MaxRetries:    3,
		Timeout:       5 * time.Second,
		RetryInterval: 200 * time.Millisecond,
	}
}

// Persister 异步写入消息。写入是尽力而为的：队列满时丢弃，失败按有限次数指数退避重试，
// 最终失败只记日志和指标，从不回传给发送方。
type Persister struct {
	cfg   PersistConfig
	store store.MessageStore
	queue chan models.Message

	mu      sync.RWMutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPersister(ms store.MessageStore, cfg PersistConfig) *Persister {
	def := DefaultPersistConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	return &Persister{cfg: cfg, store: ms, queue: make(chan models.Message, cfg.QueueSize)}
}

// Start 启动工作协程。ctx 取消会中断进行中的重试。
func (p *Persister) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return errors.New("persister already started")
	}
	p.running = true
	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(workerCtx, id)
		}(i + 1)
	}
	log.Info().Int("workers", p.cfg.Workers).Int("queue", p.cfg.QueueSize).Msg("persister started")
	return nil
}

// Submit 非阻塞地提交一条消息，队列已满或已停止时丢弃并返回 false。
func (p *Persister) Submit(msg models.Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		metrics.PersistTotal.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case p.queue <- msg:
		metrics.PersistQueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		metrics.PersistTotal.WithLabelValues("dropped").Inc()
		log.Warn().Str("room", msg.Room).Str("sender", msg.SenderPublicID).Msg("persist queue full, message dropped")
		return false
	}
}

// Stop 停止接收新消息并等待队列排空；ctx 到期后放弃剩余的重试。
func (p *Persister) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	running := p.running
	p.mu.Unlock()
	if !running {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("persister drained")
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		log.Warn().Msg("persister stopped before queue drained")
		return ctx.Err()
	}
}

func (p *Persister) run(ctx context.Context, id int) {
	for msg := range p.queue {
		metrics.PersistQueueDepth.Set(float64(len(p.queue)))
		p.save(ctx, id, msg)
	}
}

func (p *Persister) save(ctx context.Context, worker int, msg models.Message) {
	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		_, err := p.store.SaveMessage(attemptCtx, msg)
		return err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.RetryInterval
	eb.MaxInterval = 10 * p.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		metrics.PersistTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).
			Int("worker", worker).
			Int("attempts", attempts).
			Str("room", msg.Room).
			Str("sender", msg.SenderPublicID).
			Msg("persist message")
		return
	}
	metrics.PersistTotal.WithLabelValues("ok").Inc()
}
