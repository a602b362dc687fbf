package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	tracecontext "whiteboard-collab/pkg/context"
)

// 透传的请求头
const (
	HeaderTraceID   = "X-Trace-ID"
	HeaderRequestID = "X-Request-ID"
)

// OTelMiddleware OpenTelemetry中间件配置
type OTelMiddleware struct {
	serviceName string
	skipPaths   map[string]struct{}
}

// NewOTelMiddleware 创建OpenTelemetry中间件，skipPaths 不建 span
func NewOTelMiddleware(serviceName string, skipPaths ...string) *OTelMiddleware {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return &OTelMiddleware{
		serviceName: serviceName,
		skipPaths:   skip,
	}
}

// GinMiddleware 返回Gin的OpenTelemetry中间件，并把追踪信息写入请求上下文
func (m *OTelMiddleware) GinMiddleware() []gin.HandlerFunc {
	base := otelgin.Middleware(m.serviceName, otelgin.WithFilter(func(r *http.Request) bool {
		_, skip := m.skipPaths[r.URL.Path]
		return !skip
	}))
	return []gin.HandlerFunc{base, m.enrich}
}

func (m *OTelMiddleware) enrich(c *gin.Context) {
	ctx := c.Request.Context()

	traceID := c.GetHeader(HeaderTraceID)
	if traceID == "" {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
		}
	}
	ctx = tracecontext.WithTraceID(ctx, traceID)
	ctx = tracecontext.WithRequestID(ctx, c.GetHeader(HeaderRequestID))
	ctx = tracecontext.WithServiceName(ctx, m.serviceName)
	ctx = tracecontext.WithClientInfo(ctx, c.ClientIP(), c.GetHeader("User-Agent"))

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("http.route", c.FullPath()))
		if id := c.Param("id"); id != "" {
			span.SetAttributes(attribute.String("whiteboard.id", id))
		}
	}

	c.Request = c.Request.WithContext(ctx)
	c.Header(HeaderTraceID, tracecontext.GetTraceID(ctx))
	c.Next()
}

// GRPCUnaryServerInterceptor 从 metadata 恢复追踪信息
func (m *OTelMiddleware) GRPCUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		return handler(m.enrichGRPC(ctx, info.FullMethod), req)
	}
}

func (m *OTelMiddleware) enrichGRPC(ctx context.Context, method string) context.Context {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-trace-id"); len(v) > 0 {
			ctx = tracecontext.WithTraceID(ctx, v[0])
		}
		if v := md.Get("x-request-id"); len(v) > 0 {
			ctx = tracecontext.WithRequestID(ctx, v[0])
		}
	}
	ctx = tracecontext.WithServiceName(ctx, m.serviceName)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.String("rpc.method", method),
			attribute.String("rpc.service", m.serviceName),
		)
	}
	return ctx
}
