package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"whiteboard-collab/apps/collab-service/connection"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/apps/collab-service/service"
	"whiteboard-collab/pkg/cache"
	"whiteboard-collab/pkg/httpx"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/metrics"
	"whiteboard-collab/pkg/ratelimit"
)

// 单个依赖探活的时限
const probeTimeout = 2 * time.Second

// Probe 依赖连通性检查
type Probe func(ctx context.Context) error

// CacheStatser 可输出统计的缓存
type CacheStatser interface {
	Stats() cache.Stats
}

// HTTPHandler 只读查询接口
type HTTPHandler struct {
	conns      *connection.Manager
	orch       *service.Orchestrator
	presence   *service.PresenceService
	selections *service.SelectionService
	canvas     *service.CanvasEngine
	limiter    *ratelimit.Limiter
	caches     []CacheStatser
	probes     map[string]Probe
	log        logger.Logger
}

// NewHTTPHandler 创建HTTP处理器
func NewHTTPHandler(conns *connection.Manager, orch *service.Orchestrator, presence *service.PresenceService, selections *service.SelectionService,
	canvas *service.CanvasEngine, limiter *ratelimit.Limiter, log logger.Logger, caches ...CacheStatser) *HTTPHandler {
	return &HTTPHandler{
		conns:      conns,
		orch:       orch,
		presence:   presence,
		selections: selections,
		canvas:     canvas,
		limiter:    limiter,
		caches:     caches,
		log:        log,
	}
}

// SetProbes 设置 /health 附带检查的依赖
func (h *HTTPHandler) SetProbes(probes map[string]Probe) {
	h.probes = probes
}

// RegisterRoutes 注册HTTP路由，mw 只作用于查询接口
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine, mw ...gin.HandlerFunc) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api/v1/whiteboard", mw...)
	{
		api.GET("/stats", h.Stats)
		api.GET("/:id/presence", h.Presence)
		api.GET("/:id/selections", h.Selections)
		api.GET("/:id/version", h.Version)
	}
}

// Health 健康检查
func (h *HTTPHandler) Health(c *gin.Context) {
	stats := h.conns.Stats()
	status := "ok"
	code := http.StatusOK
	if stats.ShuttingDown {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	body := gin.H{"status": status, "connections": stats.Total}
	if len(h.probes) > 0 {
		deps := make(map[string]string, len(h.probes))
		for name, probe := range h.probes {
			ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
			err := probe(ctx)
			cancel()
			if err != nil {
				deps[name] = err.Error()
				if status == "ok" {
					body["status"] = "degraded"
				}
				continue
			}
			deps[name] = "ok"
		}
		body["dependencies"] = deps
	}
	c.JSON(code, body)
}

// Stats 服务统计
func (h *HTTPHandler) Stats(c *gin.Context) {
	caches := make([]cache.Stats, 0, len(h.caches))
	for _, s := range h.caches {
		caches = append(caches, s.Stats())
	}
	c.JSON(http.StatusOK, gin.H{
		"connections": h.conns.Stats(),
		"sessions":    h.orch.Stats(),
		"rateLimiter": h.limiter.Stats(),
		"caches":      caches,
	})
}

// Presence 白板在线成员
func (h *HTTPHandler) Presence(c *gin.Context) {
	id, err := whiteboardParam(c)
	if err != nil {
		httpx.WriteObject(c, nil, err)
		return
	}
	httpx.WriteObject(c, gin.H{
		"whiteboardId": id,
		"presence":     h.presence.WhiteboardPresence(id),
	}, nil)
}

// Selections 白板选区与未决冲突
func (h *HTTPHandler) Selections(c *gin.Context) {
	id, err := whiteboardParam(c)
	if err != nil {
		httpx.WriteObject(c, nil, err)
		return
	}
	httpx.WriteObject(c, gin.H{
		"whiteboardId": id,
		"selections":   h.selections.WhiteboardSelections(id),
		"conflicts":    h.selections.WhiteboardConflicts(id),
	}, nil)
}

// Version 画布版本，不存在时不创建
func (h *HTTPHandler) Version(c *gin.Context) {
	id, err := whiteboardParam(c)
	if err != nil {
		httpx.WriteObject(c, nil, err)
		return
	}
	v, tracked := h.canvas.PeekVersion(id)
	httpx.WriteObject(c, gin.H{
		"whiteboardId": id,
		"version":      v,
		"tracked":      tracked,
	}, nil)
}

func whiteboardParam(c *gin.Context) (string, error) {
	id := c.Param("id")
	if len(id) > model.MaxIDLength {
		return "", model.InvalidInput(model.CodeOutOfBounds, "whiteboard id exceeds %d characters", model.MaxIDLength)
	}
	return id, nil
}
