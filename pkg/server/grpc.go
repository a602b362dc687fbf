package server

import (
	"context"
	"net"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"google.golang.org/grpc"

	"whiteboard-collab/pkg/config"
)

// GRPCServer gRPC服务器接口
type GRPCServer interface {
	Server
	Binder
	RegisterService(registerFunc func(*grpc.Server))
}

// GRPCServerWrapper gRPC服务器包装器
type GRPCServerWrapper struct {
	server *grpc.Server
	addr   string
	lis    net.Listener
	logger kratoslog.Logger
}

// NewGRPCServerWrapper 创建gRPC服务器包装器
func NewGRPCServerWrapper(c *config.Config, logger kratoslog.Logger, opts ...grpc.ServerOption) *GRPCServerWrapper {
	return &GRPCServerWrapper{
		server: grpc.NewServer(opts...),
		addr:   c.Server.GRPC.Addr,
		logger: logger,
	}
}

// RegisterService 注册服务
func (w *GRPCServerWrapper) RegisterService(registerFunc func(*grpc.Server)) {
	registerFunc(w.server)
}

// Bind 监听端口
func (w *GRPCServerWrapper) Bind() error {
	if w.lis != nil {
		return nil
	}
	lis, err := net.Listen("tcp", w.addr)
	if err != nil {
		return err
	}
	w.lis = lis
	return nil
}

// Start 阻塞直到服务器关闭
func (w *GRPCServerWrapper) Start(ctx context.Context) error {
	if err := w.Bind(); err != nil {
		return err
	}
	w.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server listening", "addr", w.lis.Addr().String())
	return w.server.Serve(w.lis)
}

// Stop 优雅停止，ctx 到期后强制关闭
func (w *GRPCServerWrapper) Stop(ctx context.Context) error {
	w.logger.Log(kratoslog.LevelInfo, "msg", "gRPC server stopping")
	done := make(chan struct{})
	go func() {
		w.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.server.Stop()
	}
	return nil
}
