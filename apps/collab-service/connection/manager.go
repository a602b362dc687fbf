package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/auth"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/metrics"
)

// Config 连接管理配置
type Config struct {
	MaxGlobal         int
	MaxPerUser        int
	MaxPerIP          int
	MaxAge            time.Duration
	IdleTimeout       time.Duration
	MaxErrors         int64
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownGrace     time.Duration
}

// Admission 准入结果
type Admission struct {
	Allowed      bool
	Reason       string
	ConnectionID string
	Connection   *ManagedConnection
}

// Stats 连接统计
type Stats struct {
	Total        int  `json:"total"`
	Users        int  `json:"users"`
	Addresses    int  `json:"addresses"`
	ShuttingDown bool `json:"shuttingDown"`
}

// ShutdownNotice 停机通知
type ShutdownNotice struct {
	Reason  string `json:"reason"`
	GraceMs int64  `json:"graceMs"`
}

// Manager 连接与资源管理器，三个索引在同一把锁下一起更新
type Manager struct {
	cfg Config
	clk clock.WithTickerAndDelayedExecution
	log logger.Logger

	mu           sync.RWMutex
	conns        map[string]*ManagedConnection
	byUser       map[string]map[string]struct{}
	byIP         map[string]map[string]struct{}
	shuttingDown bool
	drained      chan struct{}

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager 创建连接管理器
func NewManager(cfg Config, clk clock.WithTickerAndDelayedExecution, log logger.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		clk:    clk,
		log:    log,
		conns:  make(map[string]*ManagedConnection),
		byUser: make(map[string]map[string]struct{}),
		byIP:   make(map[string]map[string]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Register 准入检查：全局、单用户、单地址依次判断，第一个超限的决定拒绝原因
func (m *Manager) Register(t Transport, sessionID string, identity *auth.Identity) Admission {
	userID := ""
	if identity != nil {
		userID = identity.UserID
	}
	addr := t.RemoteAddr()

	m.mu.Lock()
	reason := m.admitLocked(userID, addr)
	if reason != "" {
		m.mu.Unlock()
		metrics.AdmissionsTotal.WithLabelValues(reason).Inc()
		m.log.Warn(context.Background(), "Connection rejected",
			logger.F("reason", reason), logger.F("user_id", userID), logger.F("remote_addr", addr))
		return Admission{Reason: reason}
	}

	conn := newManagedConnection(uuid.NewString(), sessionID, t, identity, m.clk)
	m.conns[conn.ID] = conn
	addIndex(m.byUser, userID, conn.ID)
	addIndex(m.byIP, addr, conn.ID)
	total := len(m.conns)
	m.mu.Unlock()

	metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	metrics.ActiveConnections.Set(float64(total))
	return Admission{Allowed: true, ConnectionID: conn.ID, Connection: conn}
}

func (m *Manager) admitLocked(userID, addr string) string {
	switch {
	case m.shuttingDown:
		return model.AdmitShutdown
	case m.cfg.MaxGlobal > 0 && len(m.conns) >= m.cfg.MaxGlobal:
		return model.AdmitGlobalLimit
	case userID != "" && m.cfg.MaxPerUser > 0 && len(m.byUser[userID]) >= m.cfg.MaxPerUser:
		return model.AdmitUserLimit
	case addr != "" && m.cfg.MaxPerIP > 0 && len(m.byIP[addr]) >= m.cfg.MaxPerIP:
		return model.AdmitIPLimit
	}
	return ""
}

// Unregister 注销连接，重复调用无副作用。返回本次是否真正执行了注销
func (m *Manager) Unregister(connectionID, reason string) bool {
	m.mu.RLock()
	conn, ok := m.conns[connectionID]
	m.mu.RUnlock()
	if !ok || !conn.closing.CompareAndSwap(false, true) {
		return false
	}

	conn.mu.Lock()
	conn.closeReason = reason
	conn.mu.Unlock()

	ctx := context.Background()
	for name, err := range conn.teardown() {
		m.log.Warn(ctx, "Connection cleanup callback failed",
			logger.F("connection_id", connectionID), logger.F("callback", name), logger.F("error", err))
	}

	m.mu.Lock()
	delete(m.conns, connectionID)
	removeIndex(m.byUser, conn.UserID(), connectionID)
	removeIndex(m.byIP, conn.RemoteAddr, connectionID)
	total := len(m.conns)
	if m.shuttingDown && total == 0 && m.drained != nil {
		close(m.drained)
		m.drained = nil
	}
	m.mu.Unlock()

	if err := conn.transport.Close(reason); err != nil {
		m.log.Debug(ctx, "Transport close failed", logger.F("connection_id", connectionID), logger.F("error", err))
	}

	metrics.DisconnectsTotal.WithLabelValues(reason).Inc()
	metrics.ActiveConnections.Set(float64(total))
	m.log.Info(ctx, "Connection unregistered",
		logger.F("connection_id", connectionID),
		logger.F("user_id", conn.UserID()),
		logger.F("reason", reason),
		logger.F("lifetime", m.clk.Since(conn.CreatedAt).String()))
	return true
}

// Get 按ID查连接
func (m *Manager) Get(connectionID string) (*ManagedConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connectionID]
	return c, ok
}

// ByUser 用户的所有连接
func (m *Manager) ByUser(userID string) []*ManagedConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedConnection, 0, len(m.byUser[userID]))
	for id := range m.byUser[userID] {
		out = append(out, m.conns[id])
	}
	return out
}

// Count 当前连接数
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Stats .
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Total:        len(m.conns),
		Users:        len(m.byUser),
		Addresses:    len(m.byIP),
		ShuttingDown: m.shuttingDown,
	}
}

func (m *Manager) snapshot() []*ManagedConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedConnection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// SweepExpired 关闭超龄、空闲过久、错误过多的连接
func (m *Manager) SweepExpired() int {
	now := m.clk.Now()
	closed := 0
	for _, c := range m.snapshot() {
		reason := ""
		switch {
		case m.cfg.MaxAge > 0 && now.Sub(c.CreatedAt) > m.cfg.MaxAge:
			reason = model.ReasonMaxAge
		case m.cfg.IdleTimeout > 0 && now.Sub(c.LastActivity()) > m.cfg.IdleTimeout:
			reason = model.ReasonIdleTimeout
		case m.cfg.MaxErrors > 0 && c.errors.Load() >= m.cfg.MaxErrors:
			reason = model.ReasonErrorThreshold
		}
		if reason != "" && m.Unregister(c.ID, reason) {
			closed++
		}
	}
	return closed
}

// SweepHeartbeats 心跳超时的判为死连接，探测失败的判为心跳错误
func (m *Manager) SweepHeartbeats() int {
	now := m.clk.Now()
	closed := 0
	for _, c := range m.snapshot() {
		reason := ""
		if m.cfg.HeartbeatTimeout > 0 && now.Sub(c.LastHeartbeat()) > m.cfg.HeartbeatTimeout {
			reason = model.ReasonHeartbeatDead
		} else if err := c.transport.Ping(); err != nil {
			c.errors.Add(1)
			reason = model.ReasonHeartbeatError
		}
		if reason != "" && m.Unregister(c.ID, reason) {
			closed++
		}
	}
	return closed
}

// Start 启动两个周期清扫
func (m *Manager) Start() {
	m.runEvery(m.cfg.CleanupInterval, func() {
		if n := m.SweepExpired(); n > 0 {
			m.log.Info(context.Background(), "Expired connections swept", logger.F("count", n))
		}
	})
	m.runEvery(m.cfg.HeartbeatInterval, func() {
		if n := m.SweepHeartbeats(); n > 0 {
			m.log.Info(context.Background(), "Dead connections swept", logger.F("count", n))
		}
	})
}

func (m *Manager) runEvery(interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := m.clk.NewTicker(interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C():
				fn()
			}
		}
	}()
}

// Stop 停止清扫
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// GracefulShutdown 停止清扫，通知所有连接，宽限期内等待自行断开，剩余的强制注销
func (m *Manager) GracefulShutdown(ctx context.Context) int {
	m.Stop()

	m.mu.Lock()
	m.shuttingDown = true
	drained := make(chan struct{})
	if len(m.conns) == 0 {
		close(drained)
	} else {
		m.drained = drained
	}
	m.mu.Unlock()

	notice := ShutdownNotice{Reason: "server shutting down", GraceMs: m.cfg.ShutdownGrace.Milliseconds()}
	for _, c := range m.snapshot() {
		if err := c.Send(model.EventServerShutdown, notice); err != nil {
			m.log.Debug(ctx, "Shutdown notice failed", logger.F("connection_id", c.ID), logger.F("error", err))
		}
	}

	select {
	case <-drained:
		m.log.Info(ctx, "All connections closed voluntarily")
		return 0
	case <-m.clk.After(m.cfg.ShutdownGrace):
	case <-ctx.Done():
	}

	stragglers := m.snapshot()
	var g errgroup.Group
	g.SetLimit(32)
	for _, c := range stragglers {
		id := c.ID
		g.Go(func() error {
			m.Unregister(id, model.ReasonForceShutdown)
			return nil
		})
	}
	_ = g.Wait()

	m.log.Warn(ctx, "Force closed remaining connections", logger.F("count", len(stragglers)))
	return len(stragglers)
}

func addIndex(idx map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}
