package context

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// 上下文键类型
type contextKey string

const (
	TraceIDKey      contextKey = "trace_id"
	RequestIDKey    contextKey = "request_id"
	UserIDKey       contextKey = "user_id"
	ConnectionIDKey contextKey = "connection_id"
	WhiteboardIDKey contextKey = "whiteboard_id"
	SessionIDKey    contextKey = "session_id"

	ServiceNameKey contextKey = "service_name"
	ClientIPKey    contextKey = "client_ip"
	UserAgentKey   contextKey = "user_agent"
)

func withString(ctx context.Context, key contextKey, attr, value string) context.Context {
	if value == "" {
		return ctx
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String(attr, value))
	}
	return context.WithValue(ctx, key, value)
}

func getString(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithTraceID 在context中设置TraceID，为空时生成
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return withString(ctx, TraceIDKey, "trace.id", traceID)
}

// GetTraceID 优先取OpenTelemetry span中的TraceID
func GetTraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return getString(ctx, TraceIDKey)
}

// WithRequestID 在context中设置RequestID，为空时生成
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return withString(ctx, RequestIDKey, "request.id", requestID)
}

// GetRequestID .
func GetRequestID(ctx context.Context) string { return getString(ctx, RequestIDKey) }

// WithUserID 在context中设置UserID
func WithUserID(ctx context.Context, userID string) context.Context {
	return withString(ctx, UserIDKey, "user.id", userID)
}

// GetUserID .
func GetUserID(ctx context.Context) string { return getString(ctx, UserIDKey) }

// WithConnectionID 在context中设置连接ID
func WithConnectionID(ctx context.Context, connID string) context.Context {
	return withString(ctx, ConnectionIDKey, "connection.id", connID)
}

// GetConnectionID .
func GetConnectionID(ctx context.Context) string { return getString(ctx, ConnectionIDKey) }

// WithWhiteboardID 在context中设置白板ID
func WithWhiteboardID(ctx context.Context, whiteboardID string) context.Context {
	return withString(ctx, WhiteboardIDKey, "whiteboard.id", whiteboardID)
}

// GetWhiteboardID .
func GetWhiteboardID(ctx context.Context) string { return getString(ctx, WhiteboardIDKey) }

// WithSessionID 在context中设置会话ID
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withString(ctx, SessionIDKey, "session.id", sessionID)
}

// GetSessionID .
func GetSessionID(ctx context.Context) string { return getString(ctx, SessionIDKey) }

// WithServiceName 在context中设置服务名
func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return withString(ctx, ServiceNameKey, "service.name", serviceName)
}

// GetServiceName .
func GetServiceName(ctx context.Context) string { return getString(ctx, ServiceNameKey) }

// WithClientInfo 在context中设置客户端信息
func WithClientInfo(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = withString(ctx, ClientIPKey, "client.ip", clientIP)
	return withString(ctx, UserAgentKey, "client.user_agent", userAgent)
}

// GetClientIP .
func GetClientIP(ctx context.Context) string { return getString(ctx, ClientIPKey) }
