package logger

import (
	"context"
	"errors"
	"testing"

	kratoslog "github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	tracecontext "whiteboard-collab/pkg/context"
)

func observed() (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewFromZap(zap.New(core)), logs
}

func TestContextFieldsAreAttached(t *testing.T) {
	l, logs := observed()

	ctx := tracecontext.WithRequestID(context.Background(), "req-1")
	ctx = tracecontext.WithConnectionID(ctx, "conn-1")
	ctx = tracecontext.WithWhiteboardID(ctx, "wb-1")

	l.WithContext(ctx).Warn(ctx, "cursor store unavailable", F("error", errors.New("boom")))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "conn-1", fields["connection_id"])
	assert.Equal(t, "wb-1", fields["whiteboard_id"])
	assert.Equal(t, "boom", fields["error"])
}

func TestContextFieldsWithoutBinding(t *testing.T) {
	l, logs := observed()

	ctx := tracecontext.WithConnectionID(context.Background(), "conn-1")
	ctx = tracecontext.WithUserID(ctx, "alice")
	ctx = tracecontext.WithSessionID(ctx, "sess-1")

	l.Info(ctx, "frame dropped", F("user_id", "explicit"))
	l.WithContext(ctx).Info(ctx, "bound once")

	require.Equal(t, 2, logs.Len())
	first := logs.All()[0]
	fields := first.ContextMap()
	assert.Equal(t, "conn-1", fields["connection_id"])
	assert.Equal(t, "sess-1", fields["session_id"])
	assert.Equal(t, "explicit", fields["user_id"])
	assert.Len(t, first.Context, 3)
	assert.Len(t, logs.All()[1].Context, 3)
}

func TestKratosAdapterMapsLevels(t *testing.T) {
	l, logs := observed()
	kl := NewKratosLogger(l)

	require.NoError(t, kl.Log(kratoslog.LevelInfo, "msg", "server started", "addr", ":8080"))
	require.NoError(t, kl.Log(kratoslog.LevelFatal, "msg", "boom"))
	require.NoError(t, kl.Log(kratoslog.LevelInfo))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "server started", logs.All()[0].Message)
	assert.Equal(t, ":8080", logs.All()[0].ContextMap()["addr"])
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
}
