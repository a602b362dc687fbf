package service

import (
	"context"
	"sort"
	"sync"

	"whiteboard-collab/apps/collab-service/connection"
	"whiteboard-collab/pkg/logger"
	"whiteboard-collab/pkg/metrics"
)

const routerListener = "router"

// Router 频道组广播。组成员为受管连接，发送失败只记日志
type Router struct {
	log logger.Logger

	mu          sync.RWMutex
	groups      map[string]map[string]*connection.ManagedConnection
	memberships map[string]map[string]struct{}
}

// NewRouter 创建广播路由
func NewRouter(log logger.Logger) *Router {
	return &Router{
		log:         log,
		groups:      make(map[string]map[string]*connection.ManagedConnection),
		memberships: make(map[string]map[string]struct{}),
	}
}

// Join 加入频道组。连接注销时自动退出全部组
func (r *Router) Join(group string, conn *connection.ManagedConnection) {
	r.mu.Lock()
	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]*connection.ManagedConnection)
		r.groups[group] = members
	}
	members[conn.ID] = conn
	joined, ok := r.memberships[conn.ID]
	if !ok {
		joined = make(map[string]struct{})
		r.memberships[conn.ID] = joined
	}
	joined[group] = struct{}{}
	r.mu.Unlock()

	connID := conn.ID
	conn.AddListener(routerListener, func() { r.LeaveAll(connID) })
}

// Leave 退出频道组，返回之前是否是成员
func (r *Router) Leave(group, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(group, connectionID)
}

func (r *Router) leaveLocked(group, connectionID string) bool {
	members, ok := r.groups[group]
	if !ok {
		return false
	}
	if _, ok := members[connectionID]; !ok {
		return false
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.groups, group)
	}
	if joined, ok := r.memberships[connectionID]; ok {
		delete(joined, group)
		if len(joined) == 0 {
			delete(r.memberships, connectionID)
		}
	}
	return true
}

// LeaveAll 退出连接所在的全部组
func (r *Router) LeaveAll(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var left []string
	for group := range r.memberships[connectionID] {
		left = append(left, group)
	}
	for _, group := range left {
		r.leaveLocked(group, connectionID)
	}
	sort.Strings(left)
	return left
}

// Broadcast 向组内除 exceptID 外的所有成员发送，返回成功数
func (r *Router) Broadcast(ctx context.Context, group, event string, data interface{}, exceptID string) int {
	return r.BroadcastTo(ctx, group, event, data, func(c *connection.ManagedConnection) bool {
		return c.ID != exceptID
	})
}

// BroadcastTo 向组内满足 filter 的成员发送
func (r *Router) BroadcastTo(ctx context.Context, group, event string, data interface{}, filter func(*connection.ManagedConnection) bool) int {
	r.mu.RLock()
	targets := make([]*connection.ManagedConnection, 0, len(r.groups[group]))
	for _, c := range r.groups[group] {
		if filter == nil || filter(c) {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.Send(event, data); err != nil {
			r.log.Debug(ctx, "Broadcast delivery failed",
				logger.F("group", group), logger.F("event", event),
				logger.F("connection_id", c.ID), logger.F("error", err))
			continue
		}
		sent++
	}
	metrics.Broadcasts.Inc()
	return sent
}

// SendTo 定向发送给组内某个连接
func (r *Router) SendTo(group, connectionID, event string, data interface{}) (bool, error) {
	r.mu.RLock()
	c, ok := r.groups[group][connectionID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, c.Send(event, data)
}

// Members 组成员数
func (r *Router) Members(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[group])
}

// Groups 连接所在的组
func (r *Router) Groups(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.memberships[connectionID]))
	for g := range r.memberships[connectionID] {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// GroupCount 组数量
func (r *Router) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}
