package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of authenticated websocket sessions",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of chat messages broadcast",
	})
	WsDeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_deliveries_total",
		Help: "Total number of events enqueued to session outbound buffers",
	})
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_rooms_active",
		Help: "Current number of non-empty rooms",
	})
	HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_handshake_failures_total",
		Help: "Rejected websocket handshakes by reason",
	}, []string{"reason"})
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_slow_consumer_disconnects_total",
		Help: "Sessions closed because their outbound buffer was full",
	})
	PersistTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_persist_total",
		Help: "Message persistence outcomes (ok, failed, dropped)",
	}, []string{"result"})
	PersistQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_persist_queue_depth",
		Help: "Messages waiting for a persistence worker",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsMessagesTotal, WsDeliveriesTotal, ActiveRooms,
		HandshakeFailures, SlowConsumers, PersistTotal, PersistQueueDepth,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。/ws 为长连接，不计入耗时直方图。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		if path != "/ws" {
			HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
		}
	}
}
