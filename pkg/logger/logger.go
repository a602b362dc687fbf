package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	tracecontext "whiteboard-collab/pkg/context"
)

// Logger 日志接口
type Logger interface {
	Info(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	WithContext(ctx context.Context) Logger
}

// Field 日志字段
type Field struct {
	Key   string
	Value interface{}
}

// F 便捷构造字段
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// logger zap实现。bound 是 WithContext 已固化的上下文字段
type logger struct {
	zapLogger *zap.Logger
	bound     map[string]struct{}
}

// NewLogger 创建日志实例
func NewLogger(level string) (Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	zapLogger, err := config.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}
	return &logger{zapLogger: zapLogger}, nil
}

// NewFromZap 包装已有的zap实例
func NewFromZap(z *zap.Logger) Logger {
	return &logger{zapLogger: z}
}

// NewNop 丢弃所有输出，测试使用
func NewNop() Logger {
	return &logger{zapLogger: zap.NewNop()}
}

// Info 信息日志
func (l *logger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.InfoLevel, msg, fields...)
}

// Error 错误日志
func (l *logger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.ErrorLevel, msg, fields...)
}

// Warn 警告日志
func (l *logger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.WarnLevel, msg, fields...)
}

// Debug 调试日志
func (l *logger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, zapcore.DebugLevel, msg, fields...)
}

// WithContext 把上下文中的业务字段固化到子logger
func (l *logger) WithContext(ctx context.Context) Logger {
	fields := extractFields(ctx)
	bound := make(map[string]struct{}, len(l.bound)+len(fields))
	for k := range l.bound {
		bound[k] = struct{}{}
	}
	for _, f := range fields {
		bound[f.Key] = struct{}{}
	}
	return &logger{zapLogger: l.zapLogger.With(fields...), bound: bound}
}

func (l *logger) log(ctx context.Context, level zapcore.Level, msg string, fields ...Field) {
	ce := l.zapLogger.Check(level, msg)
	if ce == nil {
		return
	}

	zapFields := make([]zap.Field, 0, len(fields)+6)
	if requestID := tracecontext.GetRequestID(ctx); requestID != "" {
		zapFields = append(zapFields, zap.String("request_id", requestID))
	}
	if traceID := tracecontext.GetTraceID(ctx); traceID != "" {
		zapFields = append(zapFields, zap.String("trace_id", traceID))
	}
	// 显式传入的同名字段优先
	for _, f := range extractFields(ctx) {
		if _, ok := l.bound[f.Key]; ok || hasKey(fields, f.Key) {
			continue
		}
		zapFields = append(zapFields, f)
	}
	for _, field := range fields {
		if err, ok := field.Value.(error); ok {
			zapFields = append(zapFields, zap.NamedError(field.Key, err))
			continue
		}
		zapFields = append(zapFields, zap.Any(field.Key, field.Value))
	}
	ce.Write(zapFields...)
}

func hasKey(fields []Field, key string) bool {
	for _, f := range fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// extractFields 从上下文提取连接维度的字段
func extractFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)
	if v := tracecontext.GetUserID(ctx); v != "" {
		fields = append(fields, zap.String("user_id", v))
	}
	if v := tracecontext.GetConnectionID(ctx); v != "" {
		fields = append(fields, zap.String("connection_id", v))
	}
	if v := tracecontext.GetWhiteboardID(ctx); v != "" {
		fields = append(fields, zap.String("whiteboard_id", v))
	}
	if v := tracecontext.GetSessionID(ctx); v != "" {
		fields = append(fields, zap.String("session_id", v))
	}
	if v := tracecontext.GetServiceName(ctx); v != "" {
		fields = append(fields, zap.String("service", v))
	}
	return fields
}

// 默认日志实例
var defaultLogger Logger

// Init 初始化默认日志
func Init(level string) error {
	l, err := NewLogger(level)
	if err != nil {
		return err
	}
	defaultLogger = l
	return nil
}

// GetLogger 获取默认日志实例，未初始化时返回开发模式logger
func GetLogger() Logger {
	if defaultLogger == nil {
		z, err := zap.NewDevelopment()
		if err != nil {
			return NewNop()
		}
		return &logger{zapLogger: z}
	}
	return defaultLogger
}
