package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"whiteboard-collab/apps/collab-service/connection"
	"whiteboard-collab/apps/collab-service/dao"
	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/cache"
	tracecontext "whiteboard-collab/pkg/context"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/metrics"
	"whiteboard-collab/pkg/telemetry"
)

// SessionConfig 会话配置
type SessionConfig struct {
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	MirrorTTL         time.Duration
	SyncRequestTTL    time.Duration
}

// ConnectionLookup 按ID查找受管连接
type ConnectionLookup interface {
	Get(connectionID string) (*connection.ManagedConnection, bool)
}

// Deps 编排器依赖的服务与协作方
type Deps struct {
	Sessions    *cache.Cache[string, model.WhiteboardSession]
	Directory   dao.WhiteboardDirectory
	Mirror      dao.SessionMirror
	Activity    dao.ActivityRecorder
	Presence    *PresenceService
	Cursors     *CursorService
	Selections  *SelectionService
	Canvas      *CanvasEngine
	Router      *Router
	Connections ConnectionLookup
}

// OrchestratorStats .
type OrchestratorStats struct {
	Sessions        cache.Stats `json:"sessions"`
	PresenceBoards  int         `json:"presenceBoards"`
	PresenceRecords int         `json:"presenceRecords"`
	SelectionBoards int         `json:"selectionBoards"`
	Selections      int         `json:"selections"`
	Conflicts       int         `json:"conflicts"`
	LocalCursors    int         `json:"localCursors"`
	ChannelGroups   int         `json:"channelGroups"`
}

// Orchestrator 会话编排：加入协调、事件分发、固定顺序的清理流水线
type Orchestrator struct {
	cfg  SessionConfig
	deps Deps
	clk  clock.WithTicker
	log  logger.Logger

	// 会话记录的读-改-写
	sessMu   sync.Mutex
	cleanups singleflight.Group

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewOrchestrator 创建会话编排器
func NewOrchestrator(cfg SessionConfig, deps Deps, clk clock.WithTicker, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		clk:    clk,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// Attach 登记连接注销时的会话清理
func (o *Orchestrator) Attach(conn *connection.ManagedConnection) {
	connID := conn.ID
	conn.OnCleanup("session", func() error {
		sess, ok := o.deps.Sessions.Peek(connID)
		if !ok {
			return nil
		}
		reason := conn.CloseReason()
		if reason == "" {
			reason = model.ReasonTransportClosed
		}
		report := o.Cleanup(context.Background(), connID, sess.WhiteboardID, reason)
		return cleanupError(report)
	})
}

// Session 连接当前的会话
func (o *Orchestrator) Session(connectionID string) (model.WhiteboardSession, bool) {
	return o.deps.Sessions.Peek(connectionID)
}

// SessionContext 把连接当前会话的白板与会话ID挂到 ctx 上
func (o *Orchestrator) SessionContext(ctx context.Context, connectionID string) context.Context {
	sess, ok := o.deps.Sessions.Peek(connectionID)
	if !ok {
		return ctx
	}
	return withSession(ctx, sess)
}

func withSession(ctx context.Context, sess model.WhiteboardSession) context.Context {
	ctx = tracecontext.WithConnectionID(ctx, sess.ConnectionID)
	ctx = tracecontext.WithUserID(ctx, sess.UserID)
	ctx = tracecontext.WithWhiteboardID(ctx, sess.WhiteboardID)
	return tracecontext.WithSessionID(ctx, sess.SessionID)
}

// activeSession 取会话并刷新活动时间
func (o *Orchestrator) activeSession(connectionID string) (model.WhiteboardSession, error) {
	o.sessMu.Lock()
	defer o.sessMu.Unlock()
	sess, ok := o.deps.Sessions.Get(connectionID)
	if !ok {
		return model.WhiteboardSession{}, model.ErrNoActiveSession
	}
	sess.LastActivity = o.clk.Now()
	o.deps.Sessions.Set(connectionID, sess)
	return sess, nil
}

// Join 加入白板。同一白板重复加入视为重连；切换白板先清理旧会话
func (o *Orchestrator) Join(ctx context.Context, conn *connection.ManagedConnection, ev model.JoinEvent) (result model.JoinResult, err error) {
	identity := conn.Identity()
	if identity == nil {
		return model.JoinResult{}, model.NewError(model.KindAuthFailure, model.CodeUnauthenticated, "authentication required")
	}

	ctx, span := telemetry.StartSpan(ctx, "session.join",
		attribute.String("whiteboard.id", ev.WhiteboardID),
		attribute.String("connection.id", conn.ID))
	defer func() { telemetry.EndSpan(span, err) }()

	if cur, ok := o.deps.Sessions.Peek(conn.ID); ok {
		if cur.WhiteboardID == ev.WhiteboardID {
			return o.rejoin(ctx, conn)
		}
		report := o.Cleanup(ctx, conn.ID, cur.WhiteboardID, model.ReasonSwitchWhiteboard)
		if cerr := cleanupError(report); cerr != nil {
			o.log.Warn(ctx, "Previous session cleanup incomplete",
				logger.F("connection_id", conn.ID), logger.F("whiteboard_id", cur.WhiteboardID), logger.F("error", cerr))
		}
	}

	perms, err := o.deps.Directory.Authorize(ctx, model.AccessRequest{
		UserID:       identity.UserID,
		TenantID:     identity.TenantID,
		WhiteboardID: ev.WhiteboardID,
		WorkspaceID:  ev.WorkspaceID,
	})
	if err != nil {
		if model.KindOf(err) == model.KindInternal {
			err = model.WrapError(model.KindServiceDegraded, model.CodeStoreUnavailable, "whiteboard directory unavailable", err)
		}
		return model.JoinResult{}, err
	}

	now := o.clk.Now()
	sess := model.WhiteboardSession{
		SessionID:    uuid.NewString(),
		ConnectionID: conn.ID,
		UserID:       identity.UserID,
		UserName:     identity.DisplayName(),
		Email:        identity.Email,
		TenantID:     identity.TenantID,
		WhiteboardID: ev.WhiteboardID,
		WorkspaceID:  ev.WorkspaceID,
		Color:        o.deps.Presence.Color(identity.UserID),
		Permissions:  perms,
		JoinedAt:     now,
		LastActivity: now,
	}
	// 清理流水线在同一把锁下读取会话，看到的要么是完整登记，要么什么都没有
	o.sessMu.Lock()
	o.deps.Sessions.Set(conn.ID, sess)
	o.deps.Presence.Join(sess.UserID, sess.WhiteboardID, sess.SessionID, UserInfo{Name: sess.UserName, Email: sess.Email})
	o.deps.Router.Join(model.ChannelGroup(sess.WhiteboardID), conn)
	o.deps.Router.Join(model.PresenceGroup(sess.WhiteboardID), conn)
	o.sessMu.Unlock()
	metrics.ActiveSessions.Set(float64(o.deps.Sessions.Len()))
	ctx = withSession(ctx, sess)

	// 目录查询期间连接可能已断开，那时的清理回调看不到本会话
	if conn.Closed() {
		o.Cleanup(ctx, conn.ID, sess.WhiteboardID, model.ReasonTransportClosed)
		return model.JoinResult{}, model.NewError(model.KindNoActiveSession, model.CodeNoSession, "connection closed during join")
	}

	result = o.snapshot(ctx, sess, false)

	if err := o.deps.Mirror.Put(ctx, &sess, o.cfg.MirrorTTL); err != nil {
		o.log.Warn(ctx, "Failed to mirror session", logger.F("connection_id", conn.ID), logger.F("error", err))
	}
	o.record(ctx, sess, model.ActivityJoined, "")

	o.deps.Router.Broadcast(ctx, model.ChannelGroup(sess.WhiteboardID), model.EventUserJoined, model.UserJoined{
		UserID:       sess.UserID,
		UserName:     sess.UserName,
		Color:        sess.Color,
		WhiteboardID: sess.WhiteboardID,
	}, conn.ID)
	o.sendStarted(ctx, conn, result)

	o.log.Info(ctx, "User joined whiteboard",
		logger.F("user_id", sess.UserID),
		logger.F("whiteboard_id", sess.WhiteboardID),
		logger.F("connection_id", conn.ID),
		logger.F("session_id", sess.SessionID))
	return result, nil
}

func (o *Orchestrator) rejoin(ctx context.Context, conn *connection.ManagedConnection) (model.JoinResult, error) {
	sess, err := o.activeSession(conn.ID)
	if err != nil {
		return model.JoinResult{}, err
	}
	o.deps.Presence.Join(sess.UserID, sess.WhiteboardID, sess.SessionID, UserInfo{Name: sess.UserName, Email: sess.Email})
	o.deps.Router.Join(model.ChannelGroup(sess.WhiteboardID), conn)
	o.deps.Router.Join(model.PresenceGroup(sess.WhiteboardID), conn)

	result := o.snapshot(ctx, sess, true)
	o.sendStarted(ctx, conn, result)
	return result, nil
}

func (o *Orchestrator) snapshot(ctx context.Context, sess model.WhiteboardSession, rejoined bool) model.JoinResult {
	cursors := o.deps.Cursors.List(ctx, sess.WhiteboardID)
	if cursors.Degraded {
		o.log.Debug(ctx, "Cursor snapshot served locally", logger.F("whiteboard_id", sess.WhiteboardID), logger.F("error", cursors.Err))
	}
	return model.JoinResult{
		Session:       sess,
		CanvasVersion: o.deps.Canvas.Version(sess.WhiteboardID),
		Presence:      o.deps.Presence.WhiteboardPresence(sess.WhiteboardID),
		Selections:    o.deps.Selections.SelectionHighlights(sess.WhiteboardID, sess.UserID),
		Conflicts:     o.deps.Selections.WhiteboardConflicts(sess.WhiteboardID),
		Cursors:       cursors.Value,
		Rejoined:      rejoined,
	}
}

func (o *Orchestrator) sendStarted(ctx context.Context, conn *connection.ManagedConnection, r model.JoinResult) {
	err := conn.Send(model.EventSessionStarted, model.SessionStarted{
		SessionID:     r.Session.SessionID,
		ConnectionID:  conn.ID,
		WhiteboardID:  r.Session.WhiteboardID,
		CanvasVersion: r.CanvasVersion,
		Presence:      r.Presence,
		Selections:    r.Selections,
		Conflicts:     r.Conflicts,
		Cursors:       r.Cursors,
		Permissions:   r.Session.Permissions,
		Color:         r.Session.Color,
		Rejoined:      r.Rejoined,
	})
	if err != nil {
		o.log.Debug(ctx, "Failed to send session_started", logger.F("connection_id", conn.ID), logger.F("error", err))
	}
}

// Leave 主动离开白板
func (o *Orchestrator) Leave(ctx context.Context, conn *connection.ManagedConnection, ev model.LeaveEvent) error {
	sess, ok := o.deps.Sessions.Peek(conn.ID)
	if !ok {
		return model.ErrNoActiveSession
	}
	if sess.WhiteboardID != ev.WhiteboardID {
		return model.NewError(model.KindInvalidInput, model.CodeWrongWhiteboard, "not joined to this whiteboard")
	}
	reason := ev.Reason
	if reason == "" {
		reason = model.ReasonClientLeave
	}
	return cleanupError(o.Cleanup(ctx, conn.ID, ev.WhiteboardID, reason))
}

type cleanupStep struct {
	name     string
	critical bool
	run      func(ctx context.Context) error
}

// Cleanup 固定顺序的清理流水线：光标、选区、在线状态、频道组、会话记录、离开广播。
// 每一步都会执行，同一 (连接, 白板) 的并发请求共享一次执行；会话已不存在时跳过
func (o *Orchestrator) Cleanup(ctx context.Context, connectionID, whiteboardID, reason string) model.CleanupReport {
	v, _, _ := o.cleanups.Do(connectionID+"|"+whiteboardID, func() (interface{}, error) {
		return o.runCleanup(ctx, connectionID, whiteboardID, reason), nil
	})
	return v.(model.CleanupReport)
}

func (o *Orchestrator) runCleanup(ctx context.Context, connectionID, whiteboardID, reason string) model.CleanupReport {
	report := model.CleanupReport{ConnectionID: connectionID, WhiteboardID: whiteboardID, Reason: reason}
	o.sessMu.Lock()
	sess, ok := o.deps.Sessions.Peek(connectionID)
	shared := ok && o.hasOtherSession(sess)
	o.sessMu.Unlock()
	if !ok || sess.WhiteboardID != whiteboardID {
		report.Skipped = true
		return report
	}

	ctx = withSession(ctx, sess)
	ctx, span := telemetry.StartSpan(ctx, "session.cleanup",
		attribute.String("whiteboard.id", whiteboardID),
		attribute.String("connection.id", connectionID),
		attribute.String("cleanup.reason", reason))

	var (
		released     []string
		presenceGone bool
	)
	steps := []cleanupStep{
		{name: "cursor", run: func(ctx context.Context) error {
			// 光标按 (白板, 用户) 存储，同一用户在该白板还有其他会话时保留
			if shared {
				return nil
			}
			return o.deps.Cursors.Remove(ctx, sess.UserID, whiteboardID, reason)
		}},
		{name: "selections", critical: true, run: func(context.Context) error {
			released = o.deps.Selections.ClearUserSelections(sess.UserID, whiteboardID, sess.SessionID)
			return nil
		}},
		{name: "presence", critical: true, run: func(context.Context) error {
			presenceGone = o.deps.Presence.Leave(sess.UserID, whiteboardID, sess.SessionID)
			return nil
		}},
		{name: "channel_groups", critical: true, run: func(context.Context) error {
			o.deps.Router.Leave(model.ChannelGroup(whiteboardID), connectionID)
			o.deps.Router.Leave(model.PresenceGroup(whiteboardID), connectionID)
			return nil
		}},
		{name: "session_record", critical: true, run: func(ctx context.Context) error {
			o.sessMu.Lock()
			o.deps.Sessions.Delete(connectionID)
			o.sessMu.Unlock()
			metrics.ActiveSessions.Set(float64(o.deps.Sessions.Len()))
			o.deps.Canvas.DropConnectionRequests(connectionID)
			return o.deps.Mirror.Delete(ctx, connectionID)
		}},
		{name: "departure_broadcast", run: func(ctx context.Context) error {
			o.broadcastDeparture(ctx, sess, reason, released, presenceGone, !shared)
			o.record(ctx, sess, model.ActivityLeft, reason)
			return nil
		}},
	}
	for _, step := range steps {
		report.Steps = append(report.Steps, o.runStep(ctx, sess, step))
	}

	err := cleanupError(report)
	telemetry.EndSpan(span, err)
	o.log.Info(ctx, "Session cleaned up",
		logger.F("connection_id", connectionID),
		logger.F("whiteboard_id", whiteboardID),
		logger.F("user_id", sess.UserID),
		logger.F("reason", reason),
		logger.F("failed_steps", len(report.Failed())))
	return report
}

func (o *Orchestrator) runStep(ctx context.Context, sess model.WhiteboardSession, step cleanupStep) model.CleanupStep {
	start := o.clk.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return step.run(ctx)
	}()

	res := model.CleanupStep{Name: step.name, Critical: step.critical, Duration: o.clk.Since(start)}
	if err == nil {
		return res
	}
	res.Err = err.Error()
	metrics.CleanupStepFailures.WithLabelValues(step.name).Inc()
	fields := []logger.Field{
		logger.F("step", step.name),
		logger.F("connection_id", sess.ConnectionID),
		logger.F("whiteboard_id", sess.WhiteboardID),
		logger.F("error", err),
	}
	if step.critical {
		o.log.Error(ctx, "Cleanup step failed", fields...)
	} else {
		o.log.Warn(ctx, "Cleanup step failed", fields...)
	}
	return res
}

func (o *Orchestrator) broadcastDeparture(ctx context.Context, sess model.WhiteboardSession, reason string, released []string, presenceGone, cursorGone bool) {
	group := model.ChannelGroup(sess.WhiteboardID)
	if presenceGone {
		o.deps.Router.Broadcast(ctx, group, model.EventUserLeft, model.UserLeft{
			UserID:       sess.UserID,
			WhiteboardID: sess.WhiteboardID,
			Reason:       reason,
		}, sess.ConnectionID)
	}
	if cursorGone {
		o.deps.Router.Broadcast(ctx, group, model.EventCursorRemoved, model.CursorRemoved{
			UserID:       sess.UserID,
			WhiteboardID: sess.WhiteboardID,
		}, sess.ConnectionID)
	}
	if len(released) > 0 {
		o.deps.Router.Broadcast(ctx, group, model.EventSelectionUpdated, model.SelectionUpdated{
			UserID:     sess.UserID,
			UserName:   sess.UserName,
			Color:      sess.Color,
			ElementIDs: []string{},
		}, sess.ConnectionID)
	}
}

func (o *Orchestrator) record(ctx context.Context, sess model.WhiteboardSession, kind, reason string) {
	err := o.deps.Activity.Record(ctx, model.SessionActivity{
		Type:         kind,
		SessionID:    sess.SessionID,
		ConnectionID: sess.ConnectionID,
		UserID:       sess.UserID,
		WhiteboardID: sess.WhiteboardID,
		WorkspaceID:  sess.WorkspaceID,
		Reason:       reason,
		At:           o.clk.Now(),
	})
	if err != nil {
		o.log.Warn(ctx, "Failed to record session activity",
			logger.F("type", kind), logger.F("session_id", sess.SessionID), logger.F("error", err))
	}
}

// hasOtherSession 同一用户在同一白板上是否还有别的连接的会话
func (o *Orchestrator) hasOtherSession(sess model.WhiteboardSession) bool {
	found := false
	o.deps.Sessions.Range(func(connID string, s model.WhiteboardSession) bool {
		if connID != sess.ConnectionID && s.UserID == sess.UserID && s.WhiteboardID == sess.WhiteboardID {
			found = true
			return false
		}
		return true
	})
	return found
}

// cleanupError 关键步骤失败时返回 CleanupError
func cleanupError(r model.CleanupReport) error {
	var failed []string
	for _, s := range r.Failed() {
		if s.Critical {
			failed = append(failed, s.Name)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return model.NewError(model.KindCleanupError, model.CodeCleanupFailed,
		"cleanup steps failed: "+strings.Join(failed, ","))
}

// Start 启动会话巡检
func (o *Orchestrator) Start() {
	if o.cfg.SweepInterval <= 0 {
		return
	}
	ticker := o.clk.NewTicker(o.cfg.SweepInterval)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C():
				o.Sweep(context.Background())
			}
		}
	}()
}

// Stop 停止巡检
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.wg.Wait()
}

// Sweep 清理长时间无活动的会话，移除已离线的在线记录，回收过期的选区声明和同步请求
func (o *Orchestrator) Sweep(ctx context.Context) {
	now := o.clk.Now()
	var idle []model.WhiteboardSession
	if o.cfg.InactivityTimeout > 0 {
		o.deps.Sessions.Range(func(_ string, s model.WhiteboardSession) bool {
			if now.Sub(s.LastActivity) > o.cfg.InactivityTimeout {
				idle = append(idle, s)
			}
			return true
		})
	}
	for _, s := range idle {
		if conn, ok := o.deps.Connections.Get(s.ConnectionID); ok {
			_ = conn.Send(model.EventError, model.NewErrorPayload(
				model.NewError(model.KindNoActiveSession, model.CodeNoSession, "session closed after inactivity")))
		}
		o.Cleanup(ctx, s.ConnectionID, s.WhiteboardID, model.ReasonSessionInactive)
	}

	live := make(map[[2]string]struct{})
	o.deps.Sessions.Range(func(_ string, s model.WhiteboardSession) bool {
		live[[2]string{s.WhiteboardID, s.UserID}] = struct{}{}
		return true
	})
	pruned := o.deps.Presence.PruneOffline(func(userID, whiteboardID string) bool {
		_, ok := live[[2]string{whiteboardID, userID}]
		return ok
	})
	for _, rec := range pruned {
		o.deps.Router.Broadcast(ctx, model.ChannelGroup(rec.WhiteboardID), model.EventUserLeft, model.UserLeft{
			UserID:       rec.UserID,
			WhiteboardID: rec.WhiteboardID,
			Reason:       model.ReasonPresenceOffline,
		}, "")
	}

	claims := o.deps.Selections.SweepExpired()
	syncs := 0
	if o.cfg.SyncRequestTTL > 0 {
		syncs = o.deps.Canvas.ExpireSyncRequests(o.cfg.SyncRequestTTL)
	}
	expired := o.deps.Sessions.Cleanup()

	if len(idle)+len(pruned)+claims+syncs+expired > 0 {
		o.log.Info(ctx, "Session sweep finished",
			logger.F("inactive_sessions", len(idle)),
			logger.F("offline_presence", len(pruned)),
			logger.F("expired_claims", claims),
			logger.F("expired_sync_requests", syncs),
			logger.F("expired_session_entries", expired))
	}
}

// Stats .
func (o *Orchestrator) Stats() OrchestratorStats {
	pb, pr := o.deps.Presence.Counts()
	sb, sel, cf := o.deps.Selections.Counts()
	return OrchestratorStats{
		Sessions:        o.deps.Sessions.Stats(),
		PresenceBoards:  pb,
		PresenceRecords: pr,
		SelectionBoards: sb,
		Selections:      sel,
		Conflicts:       cf,
		LocalCursors:    o.deps.Cursors.LocalCount(),
		ChannelGroups:   o.deps.Router.GroupCount(),
	}
}
