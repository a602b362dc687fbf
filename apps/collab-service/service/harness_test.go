package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"whiteboard-collab/apps/collab-service/connection"
	"whiteboard-collab/apps/collab-service/connection/conntest"
	"whiteboard-collab/apps/collab-service/dao"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/auth"
	"whiteboard-collab/pkg/cache"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/snowflake"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	ops    []model.CanvasOperation
	closed bool
}

func (s *recordingSink) Publish(_ context.Context, op model.CanvasOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) published() []model.CanvasOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CanvasOperation(nil), s.ops...)
}

// hookedDirectory 在授权返回前执行测试注入的动作
type hookedDirectory struct {
	*dao.MemoryDirectory
	beforeReturn func()
}

func (d *hookedDirectory) Authorize(ctx context.Context, req model.AccessRequest) (model.Permissions, error) {
	perms, err := d.MemoryDirectory.Authorize(ctx, req)
	if d.beforeReturn != nil {
		d.beforeReturn()
	}
	return perms, err
}

type harness struct {
	clk        *testingclock.FakeClock
	conns      *connection.Manager
	directory  *dao.MemoryDirectory
	authHook   *hookedDirectory
	cursors    *dao.MemoryCursorStore
	sink       *recordingSink
	presence   *PresenceService
	selections *SelectionService
	canvas     *CanvasEngine
	router     *Router
	orch       *Orchestrator
	addrSeq    int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(epoch)
	log := logger.NewNop()

	sessions, err := cache.New[string, model.WhiteboardSession]("sessions", 100, time.Hour, clk)
	require.NoError(t, err)
	versions, err := cache.New[string, int64]("versions", 100, 0, clk)
	require.NoError(t, err)
	colors, err := cache.New[string, string]("colors", 100, 0, clk)
	require.NoError(t, err)
	ids, err := snowflake.NewSnowflake(1, clk)
	require.NoError(t, err)

	h := &harness{
		clk:       clk,
		conns:     connection.NewManager(connection.Config{}, clk, log),
		directory: dao.NewMemoryDirectory(true),
		cursors:   dao.NewMemoryCursorStore(),
		sink:      &recordingSink{},
		router:    NewRouter(log),
	}
	h.authHook = &hookedDirectory{MemoryDirectory: h.directory}
	h.presence = NewPresenceService(PresenceConfig{
		IdleAfter:    5 * time.Minute,
		AwayAfter:    15 * time.Minute,
		OfflineAfter: 30 * time.Minute,
	}, colors, clk)
	h.selections = NewSelectionService(SelectionConfig{ClaimTTL: time.Minute, MaxSelectingUsers: 50, MaxElements: 100}, clk)
	h.canvas = NewCanvasEngine(versions, ids, h.sink, clk, log)
	h.orch = NewOrchestrator(SessionConfig{
		InactivityTimeout: 10 * time.Minute,
		SweepInterval:     time.Minute,
		MirrorTTL:         time.Hour,
		SyncRequestTTL:    30 * time.Second,
	}, Deps{
		Sessions:    sessions,
		Directory:   h.authHook,
		Mirror:      dao.NopSessionMirror{},
		Activity:    dao.NewLogActivityRecorder(log),
		Presence:    h.presence,
		Cursors:     NewCursorService(h.cursors, time.Minute, clk, log),
		Selections:  h.selections,
		Canvas:      h.canvas,
		Router:      h.router,
		Connections: h.conns,
	}, clk, log)
	return h
}

// connect 注册一个已认证连接并挂上会话清理
func (h *harness) connect(t *testing.T, userID string) (*connection.ManagedConnection, *conntest.Transport) {
	t.Helper()
	tr := h.newTransport()
	adm := h.conns.Register(tr, "", &auth.Identity{UserID: userID, Name: "name-" + userID})
	require.True(t, adm.Allowed)
	h.orch.Attach(adm.Connection)
	return adm.Connection, tr
}

func (h *harness) newTransport() *conntest.Transport {
	h.addrSeq++
	return conntest.New(fmt.Sprintf("10.0.0.%d", h.addrSeq))
}

func (h *harness) join(t *testing.T, conn *connection.ManagedConnection, whiteboardID string) model.JoinResult {
	t.Helper()
	res, err := h.orch.Join(context.Background(), conn, model.JoinEvent{WhiteboardID: whiteboardID, WorkspaceID: "ws-1"})
	require.NoError(t, err)
	return res
}

func decode[T any](t *testing.T, f conntest.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func version(v int64) *int64 { return &v }
