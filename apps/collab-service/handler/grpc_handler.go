package handler

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"whiteboard-collab/pkg/logger"
)

// HealthServiceName gRPC 健康检查中的服务名
const HealthServiceName = "whiteboard.collab.v1.CollabService"

// GRPCHandler gRPC协议处理器，对外只暴露标准健康检查
type GRPCHandler struct {
	health *health.Server
	log    logger.Logger
}

// NewGRPCHandler 创建gRPC处理器
func NewGRPCHandler(log logger.Logger) *GRPCHandler {
	hs := health.NewServer()
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	return &GRPCHandler{health: hs, log: log}
}

// RegisterService 注册到 gRPC 服务器
func (g *GRPCHandler) RegisterService(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, g.health)
}

// Drain 停机排空时把所有服务标为 NOT_SERVING，之后的状态更新被忽略
func (g *GRPCHandler) Drain(ctx context.Context) {
	g.health.Shutdown()
	g.log.Info(ctx, "gRPC health set to NOT_SERVING")
}
