package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"

	"whiteboard-collab/pkg/config"
)

// Server 通用服务器接口，Start 阻塞到服务器退出
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Binder 需要监听端口的服务器。StartAll 先同步绑定，端口占用等错误直接返回
type Binder interface {
	Bind() error
}

type managedServer struct {
	name   string
	server Server
}

// ServerManager 统一服务器管理器
type ServerManager struct {
	config     *config.Config
	logger     kratoslog.Logger
	httpServer HTTPServer
	grpcServer GRPCServer
	servers    []managedServer
	mu         sync.Mutex
}

// NewServerManager 创建服务器管理器
func NewServerManager(cfg *config.Config, logger kratoslog.Logger) *ServerManager {
	return &ServerManager{config: cfg, logger: logger}
}

// EnableHTTP 启用HTTP服务器
func (sm *ServerManager) EnableHTTP() HTTPServer {
	if sm.httpServer == nil {
		sm.httpServer = NewHTTPServerWrapper(sm.config, sm.logger)
		sm.AddServer("http", sm.httpServer)
	}
	return sm.httpServer
}

// EnableGRPC 启用gRPC服务器，选项只在首次启用时生效
func (sm *ServerManager) EnableGRPC(opts ...grpc.ServerOption) GRPCServer {
	if sm.grpcServer == nil {
		sm.grpcServer = NewGRPCServerWrapper(sm.config, sm.logger, opts...)
		sm.AddServer("grpc", sm.grpcServer)
	}
	return sm.grpcServer
}

// RegisterHTTPRoutes 注册HTTP路由
func (sm *ServerManager) RegisterHTTPRoutes(registerFunc func(*gin.Engine)) error {
	if sm.httpServer == nil {
		return errors.New("HTTP server not enabled")
	}
	sm.httpServer.RegisterRoutes(registerFunc)
	return nil
}

// RegisterGRPCService 注册gRPC服务
func (sm *ServerManager) RegisterGRPCService(registerFunc func(*grpc.Server)) error {
	if sm.grpcServer == nil {
		return errors.New("gRPC server not enabled")
	}
	sm.grpcServer.RegisterService(registerFunc)
	return nil
}

// AddServer 添加服务器，停止时按添加的逆序
func (sm *ServerManager) AddServer(name string, server Server) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.servers = append(sm.servers, managedServer{name: name, server: server})
}

func (sm *ServerManager) snapshot() []managedServer {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]managedServer(nil), sm.servers...)
}

// StartAll 同步绑定端口后在后台运行所有服务器，运行中异常退出交给 onExit
func (sm *ServerManager) StartAll(ctx context.Context, onExit func(error)) error {
	servers := sm.snapshot()

	for _, ms := range servers {
		if b, ok := ms.server.(Binder); ok {
			if err := b.Bind(); err != nil {
				return fmt.Errorf("bind %s server: %w", ms.name, err)
			}
		}
	}

	for _, ms := range servers {
		go func(ms managedServer) {
			err := ms.server.Start(ctx)
			if err == nil {
				return
			}
			sm.logger.Log(kratoslog.LevelError, "msg", "Server exited", "server", ms.name, "error", err)
			if onExit != nil {
				onExit(err)
			}
		}(ms)
	}

	sm.logger.Log(kratoslog.LevelInfo, "msg", "Servers started", "count", len(servers))
	return nil
}

// StopAll 逆序停止所有服务器
func (sm *ServerManager) StopAll(ctx context.Context) error {
	servers := sm.snapshot()

	var errs []error
	for i := len(servers) - 1; i >= 0; i-- {
		ms := servers[i]
		if err := ms.server.Stop(ctx); err != nil {
			sm.logger.Log(kratoslog.LevelError, "msg", "Server stop failed", "server", ms.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", ms.name, err))
		}
	}
	return errors.Join(errs...)
}
