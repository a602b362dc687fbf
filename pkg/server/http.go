package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"whiteboard-collab/pkg/config"
)

// NewGinEngine 创建Gin引擎，中间件与 /health 由上层注册
func NewGinEngine(env string) *gin.Engine {
	if env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return gin.New()
}

// HTTPServer HTTP服务器接口
type HTTPServer interface {
	Server
	Binder
	GetEngine() *gin.Engine
	RegisterRoutes(registerFunc func(*gin.Engine))
}

// HTTPServerWrapper Gin HTTP服务器包装器
type HTTPServerWrapper struct {
	engine *gin.Engine
	server *http.Server
	lis    net.Listener
	logger kratoslog.Logger
}

// NewHTTPServerWrapper 创建HTTP服务器包装器。
// 升级后的长连接不受读写超时约束，这里只限制请求头读取
func NewHTTPServerWrapper(c *config.Config, logger kratoslog.Logger) *HTTPServerWrapper {
	engine := NewGinEngine(c.App.Env)
	timeout := c.Server.HTTP.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPServerWrapper{
		engine: engine,
		server: &http.Server{
			Addr:              c.Server.HTTP.Addr,
			Handler:           engine,
			ReadHeaderTimeout: timeout,
			IdleTimeout:       2 * timeout,
		},
		logger: logger,
	}
}

// GetEngine 获取Gin引擎
func (w *HTTPServerWrapper) GetEngine() *gin.Engine {
	return w.engine
}

// RegisterRoutes 注册路由
func (w *HTTPServerWrapper) RegisterRoutes(registerFunc func(*gin.Engine)) {
	registerFunc(w.engine)
}

// Bind 监听端口
func (w *HTTPServerWrapper) Bind() error {
	if w.lis != nil {
		return nil
	}
	lis, err := net.Listen("tcp", w.server.Addr)
	if err != nil {
		return err
	}
	w.lis = lis
	return nil
}

// Start 阻塞直到服务器关闭
func (w *HTTPServerWrapper) Start(ctx context.Context) error {
	if err := w.Bind(); err != nil {
		return err
	}
	w.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server listening", "addr", w.lis.Addr().String())
	if err := w.server.Serve(w.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止接收新请求并等待处理中的请求
func (w *HTTPServerWrapper) Stop(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "HTTP server stopping")
	return w.server.Shutdown(ctx)
}
