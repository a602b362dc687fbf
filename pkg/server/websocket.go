package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/gorilla/websocket"
)

// WebSocketHandler WebSocket处理器接口。处理器在升级前完成鉴权和限流，自行决定何时升级
type WebSocketHandler interface {
	HandleUpgrade(c *gin.Context, upgrader *websocket.Upgrader)
}

// WebSocketHandlerFunc WebSocket处理器函数类型
type WebSocketHandlerFunc func(c *gin.Context, upgrader *websocket.Upgrader)

// HandleUpgrade WebSocketHandler接口实现
func (f WebSocketHandlerFunc) HandleUpgrade(c *gin.Context, upgrader *websocket.Upgrader) {
	f(c, upgrader)
}

// WebSocketOptions 升级参数
type WebSocketOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	Subprotocols    []string
	// AllowedOrigins 为空时不校验 Origin
	AllowedOrigins []string
}

// WebSocketServerWrapper WebSocket服务器包装器，路由挂在 HTTP 服务器的 gin 引擎上
type WebSocketServerWrapper struct {
	engine   *gin.Engine
	upgrader *websocket.Upgrader
	handlers map[string]WebSocketHandler
	logger   kratoslog.Logger
	mu       sync.RWMutex
}

// NewWebSocketServerWrapper 创建WebSocket服务器包装器
func NewWebSocketServerWrapper(engine *gin.Engine, opts WebSocketOptions, logger kratoslog.Logger) *WebSocketServerWrapper {
	return &WebSocketServerWrapper{
		engine:   engine,
		upgrader: NewUpgrader(opts),
		handlers: make(map[string]WebSocketHandler),
		logger:   logger,
	}
}

// NewUpgrader 按选项构造 Upgrader
func NewUpgrader(opts WebSocketOptions) *websocket.Upgrader {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 4096
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = 4096
	}
	up := &websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		Subprotocols:    opts.Subprotocols,
	}
	if len(opts.AllowedOrigins) == 0 {
		up.CheckOrigin = func(*http.Request) bool { return true }
		return up
	}
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	up.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
	return up
}

// RegisterHandler 注册WebSocket处理器
func (ws *WebSocketServerWrapper) RegisterHandler(path string, handler WebSocketHandler) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.handlers[path] = handler
	ws.engine.GET(path, func(c *gin.Context) {
		handler.HandleUpgrade(c, ws.upgrader)
	})
	ws.logger.Log(kratoslog.LevelInfo, "msg", "WebSocket handler registered", "path", path)
}

// Paths 已注册的路径
func (ws *WebSocketServerWrapper) Paths() []string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	paths := make([]string, 0, len(ws.handlers))
	for p := range ws.handlers {
		paths = append(paths, p)
	}
	return paths
}

// Start WebSocket依赖HTTP服务器监听，这里只打日志
func (ws *WebSocketServerWrapper) Start(ctx context.Context) error {
	ws.logger.Log(kratoslog.LevelInfo, "msg", "WebSocket server ready", "paths", strings.Join(ws.Paths(), ","))
	return nil
}

// Stop WebSocket连接由连接管理器排空，这里只打日志
func (ws *WebSocketServerWrapper) Stop(ctx context.Context) error {
	ws.logger.Log(kratoslog.LevelInfo, "msg", "WebSocket server stopping")
	return nil
}
