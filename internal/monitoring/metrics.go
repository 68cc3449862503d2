package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 连接指标
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	AuthFailures      prometheus.Counter

	// 消息指标
	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	PublishReturned   prometheus.Counter

	// 系统指标
	MemoryUsage prometheus.Gauge

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
//
// promauto 在构造时自动注册到默认注册表。
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kschat_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kschat_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kschat_connections_total",
			Help: "Total number of accepted websocket connections",
		}),
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kschat_connections_active",
			Help: "Number of currently registered connections",
		}),
		AuthFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kschat_auth_failures_total",
			Help: "Total number of rejected connection handshakes",
		}),
		MessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kschat_messages_published_total",
			Help: "Total number of envelopes published to the broker",
		}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kschat_messages_delivered_total",
			Help: "Total number of envelopes delivered to channels",
		}),
		PublishReturned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kschat_publish_returned_total",
			Help: "Total number of mandatory publishes returned by the broker",
		}),
		MemoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kschat_memory_usage_bytes",
			Help: "Process heap memory in use",
		}),
		PanicsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kschat_panics_total",
			Help: "Total number of recovered panics",
		}),
	}
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
