package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// 连接
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_connections_active",
		Help: "Current number of admitted WebSocket connections.",
	})
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_admissions_total",
		Help: "Connection admission decisions by result.",
	}, []string{"result"})
	DisconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_disconnects_total",
		Help: "Unregistered connections by reason.",
	}, []string{"reason"})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_messages_received_total",
		Help: "Frames received from clients.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_messages_sent_total",
		Help: "Frames written to clients.",
	})

	// 认证与限流
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_auth_failures_total",
		Help: "Handshake and continuation authentication failures by code.",
	}, []string{"code"})
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_rate_limited_total",
		Help: "Rejected attempts by operation.",
	}, []string{"operation"})

	// 会话与画布
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_sessions_active",
		Help: "Current number of whiteboard sessions.",
	})
	CanvasOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_canvas_operations_total",
		Help: "Accepted canvas operations by outcome (applied, rebased).",
	}, []string{"outcome"})
	SelectionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_selection_conflicts_total",
		Help: "Selection conflicts raised.",
	})
	CursorDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_cursor_degraded_total",
		Help: "Cursor updates served from the local fallback.",
	})
	CleanupStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_cleanup_step_failures_total",
		Help: "Failed cleanup pipeline steps by step name.",
	}, []string{"step"})
	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_broadcasts_total",
		Help: "Events fanned out to channel groups.",
	})

	// 下游
	SinkPublishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_sink_publish_retries_total",
		Help: "Retries when publishing canvas operations to the broker.",
	})
)

// Handler 返回 /metrics 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}
