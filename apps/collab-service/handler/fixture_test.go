package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"whiteboard-collab/apps/collab-service/connection"
	"whiteboard-collab/apps/collab-service/connection/conntest"
	"whiteboard-collab/apps/collab-service/dao"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/apps/collab-service/service"
	"whiteboard-collab/pkg/auth"
	"whiteboard-collab/pkg/cache"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/ratelimit"
	"whiteboard-collab/pkg/snowflake"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clk        *testingclock.FakeClock
	gate       *auth.Gate
	limiter    *ratelimit.Limiter
	conns      *connection.Manager
	presence   *service.PresenceService
	selections *service.SelectionService
	canvas     *service.CanvasEngine
	orch       *service.Orchestrator
	versions   *cache.Cache[string, int64]
	ws         *WSHandler
	http       *HTTPHandler
	addrSeq    int
}

func newFixture(t *testing.T, mutate func(*ratelimit.Config)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := testingclock.NewFakeClock(epoch)
	log := logger.NewNop()

	gate, err := auth.NewGate(auth.Config{
		Secret:           "handler-secret",
		MaxTokenAge:      24 * time.Hour,
		ClockSkew:        30 * time.Second,
		SessionFreshness: time.Hour,
		TokenTTL:         12 * time.Hour,
	}, clk)
	require.NoError(t, err)

	rl := ratelimit.DefaultConfig()
	if mutate != nil {
		mutate(&rl)
	}

	sessions, err := cache.New[string, model.WhiteboardSession]("sessions", 100, 24*time.Hour, clk)
	require.NoError(t, err)
	versions, err := cache.New[string, int64]("versions", 100, 0, clk)
	require.NoError(t, err)
	colors, err := cache.New[string, string]("colors", 100, 0, clk)
	require.NoError(t, err)
	ids, err := snowflake.NewSnowflake(1, clk)
	require.NoError(t, err)

	f := &fixture{
		clk:      clk,
		gate:     gate,
		limiter:  ratelimit.NewLimiter(rl, clk),
		conns:    connection.NewManager(connection.Config{}, clk, log),
		versions: versions,
	}
	f.presence = service.NewPresenceService(service.PresenceConfig{
		IdleAfter:    5 * time.Minute,
		AwayAfter:    15 * time.Minute,
		OfflineAfter: 30 * time.Minute,
	}, colors, clk)
	f.selections = service.NewSelectionService(service.SelectionConfig{ClaimTTL: time.Minute, MaxSelectingUsers: 50, MaxElements: 100}, clk)
	f.canvas = service.NewCanvasEngine(versions, ids, dao.NopOperationSink{}, clk, log)
	f.orch = service.NewOrchestrator(service.SessionConfig{
		InactivityTimeout: 10 * time.Minute,
		SweepInterval:     time.Minute,
		MirrorTTL:         time.Hour,
		SyncRequestTTL:    30 * time.Second,
	}, service.Deps{
		Sessions:    sessions,
		Directory:   dao.NewMemoryDirectory(true),
		Mirror:      dao.NopSessionMirror{},
		Activity:    dao.NewLogActivityRecorder(log),
		Presence:    f.presence,
		Cursors:     service.NewCursorService(dao.NewMemoryCursorStore(), time.Minute, clk, log),
		Selections:  f.selections,
		Canvas:      f.canvas,
		Router:      service.NewRouter(log),
		Connections: f.conns,
	}, clk, log)
	f.ws = NewWSHandler(WSConfig{
		MaxMessageBytes: 64 * 1024,
		WriteTimeout:    time.Second,
		WarnDebounce:    5 * time.Second,
	}, f.gate, f.limiter, f.conns, f.orch, clk, log)
	f.http = NewHTTPHandler(f.conns, f.orch, f.presence, f.selections, f.canvas, f.limiter, log, sessions, versions, colors)
	return f
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := f.gate.GenerateToken(auth.Identity{UserID: userID, Name: "name-" + userID})
	require.NoError(t, err)
	return tok
}

// connect 以校验过的身份注册一条内存连接，返回读循环状态
func (f *fixture) connect(t *testing.T, userID string) (*client, *conntest.Transport) {
	t.Helper()
	id, err := f.gate.Verify(f.token(t, userID))
	require.NoError(t, err)
	f.addrSeq++
	tr := conntest.New(fmt.Sprintf("10.1.0.%d", f.addrSeq))
	adm := f.conns.Register(tr, "", id)
	require.True(t, adm.Allowed)
	f.orch.Attach(adm.Connection)
	return f.ws.newClient(adm.Connection), tr
}

func (f *fixture) send(cl *client, event string, data interface{}) {
	raw, _ := json.Marshal(map[string]interface{}{"event": event, "data": data})
	f.ws.handleFrame(context.Background(), cl, raw)
}

func (f *fixture) join(t *testing.T, cl *client, tr *conntest.Transport, whiteboardID string) {
	t.Helper()
	f.send(cl, model.EventJoin, model.JoinEvent{WhiteboardID: whiteboardID, WorkspaceID: "ws-1"})
	_, ok := tr.Last(model.EventSessionStarted)
	require.True(t, ok, "expected session_started, got %v", tr.Events())
}

func lastError(t *testing.T, tr *conntest.Transport) model.ErrorPayload {
	t.Helper()
	f, ok := tr.Last(model.EventError)
	require.True(t, ok, "expected an error event, got %v", tr.Events())
	var p model.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	return p
}
